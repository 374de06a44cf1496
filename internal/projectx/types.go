package projectx

import "time"

// Order types accepted by the gateway.
const (
	OrderTypeLimit  = 1
	OrderTypeMarket = 2
	OrderTypeStop   = 4
)

// Order sides.
const (
	OrderSideBuy  = 0
	OrderSideSell = 1
)

// Order statuses reported on the user hub.
const (
	OrderStatusOpen      = 1
	OrderStatusFilled    = 2
	OrderStatusCancelled = 3
	OrderStatusExpired   = 4
	OrderStatusRejected  = 5
)

// Bar units for history retrieval.
const (
	UnitSecond = 1
	UnitMinute = 2
	UnitHour   = 3
	UnitDay    = 4
)

type loginRequest struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
}

type loginResponse struct {
	Token        string `json:"token"`
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// apiResponse is the common envelope on gateway responses.
type apiResponse struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Account is a tradable funded or evaluation account.
type Account struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Balance  float64 `json:"balance"`
	CanTrade bool    `json:"canTrade"`
	Visible  bool    `json:"isVisible"`
}

type accountSearchRequest struct {
	OnlyActiveAccounts bool `json:"onlyActiveAccounts"`
}

type accountSearchResponse struct {
	apiResponse
	Accounts []Account `json:"accounts"`
}

// OrderRequest places a new order.
type OrderRequest struct {
	AccountID  int64    `json:"accountId"`
	ContractID string   `json:"contractId"`
	Type       int      `json:"type"`
	Side       int      `json:"side"`
	Size       int      `json:"size"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
	CustomTag  string   `json:"customTag,omitempty"`
}

type orderResponse struct {
	apiResponse
	OrderID int64 `json:"orderId"`
}

type cancelOrderRequest struct {
	AccountID int64 `json:"accountId"`
	OrderID   int64 `json:"orderId"`
}

type closeContractRequest struct {
	AccountID  int64  `json:"accountId"`
	ContractID string `json:"contractId"`
}

// BrokerPosition is an open position as the broker sees it.
type BrokerPosition struct {
	ID           int64     `json:"id"`
	AccountID    int64     `json:"accountId"`
	ContractID   string    `json:"contractId"`
	CreationTime time.Time `json:"creationTimestamp"`
	Type         int       `json:"type"` // 1 long, 2 short
	Size         int       `json:"size"`
	AveragePrice float64   `json:"averagePrice"`
}

type positionSearchRequest struct {
	AccountID int64 `json:"accountId"`
}

type positionSearchResponse struct {
	apiResponse
	Positions []BrokerPosition `json:"positions"`
}

// RawBar is one history bar on the wire.
type RawBar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

type retrieveBarsRequest struct {
	ContractID        string    `json:"contractId"`
	Live              bool      `json:"live"`
	StartTime         time.Time `json:"startTime"`
	EndTime           time.Time `json:"endTime"`
	Unit              int       `json:"unit"`
	UnitNumber        int       `json:"unitNumber"`
	Limit             int       `json:"limit"`
	IncludePartialBar bool      `json:"includePartialBar"`
}

type retrieveBarsResponse struct {
	apiResponse
	Bars []RawBar `json:"bars"`
}

// Contract is a tradable instrument returned by contract search.
type Contract struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	TickSize    float64 `json:"tickSize"`
	TickValue   float64 `json:"tickValue"`
	ActiveMonth bool    `json:"activeContract"`
}

type contractSearchRequest struct {
	SearchText string `json:"searchText"`
	Live       bool   `json:"live"`
}

type contractSearchResponse struct {
	apiResponse
	Contracts []Contract `json:"contracts"`
}

// Quote is a market hub price update.
type Quote struct {
	ContractID string  `json:"contractId"`
	BestBid    float64 `json:"bestBid"`
	BestAsk    float64 `json:"bestAsk"`
	LastPrice  float64 `json:"lastPrice"`
	Volume     float64 `json:"volume"`
}

// OrderUpdate is a user hub order lifecycle event.
type OrderUpdate struct {
	ID           int64   `json:"id"`
	AccountID    int64   `json:"accountId"`
	ContractID   string  `json:"contractId"`
	Status       int     `json:"status"`
	Side         int     `json:"side"`
	Size         int     `json:"size"`
	FilledSize   int     `json:"fillVolume"`
	FilledPrice  float64 `json:"filledPrice"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
}

// PositionUpdate is a user hub position event.
type PositionUpdate struct {
	AccountID    int64   `json:"accountId"`
	ContractID   string  `json:"contractId"`
	Type         int     `json:"type"`
	Size         int     `json:"size"`
	AveragePrice float64 `json:"averagePrice"`
}
