package market

import "time"

// Bar represents a single OHLCV bar from the broker's history endpoint.
type Bar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

// Tick is a single traded-price update from the market hub.
type Tick struct {
	ContractID string
	Symbol     string
	Price      float64
	Volume     float64
	Timestamp  time.Time
}
