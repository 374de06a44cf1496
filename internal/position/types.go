package position

import (
	"time"

	"topstepx-trading-bot/internal/market"
)

// State is the lifecycle state of a managed position. States only advance
// forward along pending_entry -> active -> tp1_hit -> tp2_hit -> tp3_hit and
// terminate in closed or cancelled.
type State string

const (
	StatePendingEntry State = "pending_entry"
	StateActive       State = "active"
	StateTP1Hit       State = "tp1_hit"
	StateTP2Hit       State = "tp2_hit"
	StateTP3Hit       State = "tp3_hit"
	StateClosed       State = "closed"
	StateCancelled    State = "cancelled"
)

// stateRank orders states along the forward-only transition graph.
var stateRank = map[State]int{
	StatePendingEntry: 0,
	StateActive:       1,
	StateTP1Hit:       2,
	StateTP2Hit:       3,
	StateTP3Hit:       4,
	StateClosed:       5,
	StateCancelled:    5,
}

// Rank returns the position of a state in the transition order.
func (s State) Rank() int {
	return stateRank[s]
}

// IsTerminal reports whether the state ends the position lifecycle.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateCancelled
}

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long and -1 for short, for P&L arithmetic.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Exit reasons for terminal transitions.
const (
	ExitManualClose    = "manual_close"
	ExitEODLiquidation = "eod_liquidation"
)

// ManagedPosition is the core mutable entity tracked per (account, symbol)
// while non-terminal. All mutation happens inside Machine under its lock.
type ManagedPosition struct {
	// identity
	ID            string `json:"id"`
	AlertID       int64  `json:"alert_id"`        // alert that triggered this attempt
	OriginAlertID int64  `json:"origin_alert_id"` // alert that started the signal chain
	AccountID     string `json:"account_id"`
	Symbol        string `json:"symbol"`
	ContractID    string `json:"contract_id"`

	// economics
	Side             Side    `json:"side"`
	Quantity         int     `json:"quantity"`
	TargetEntryPrice float64 `json:"target_entry_price"`
	EntryPrice       float64 `json:"entry_price,omitempty"`
	TP1Price         float64 `json:"tp1_price"`
	TP2Price         float64 `json:"tp2_price"`
	TP3Price         float64 `json:"tp3_price"`
	InitialStopLoss  float64 `json:"initial_stop_loss"`
	CurrentStopLoss  float64 `json:"current_stop_loss"`
	LastPrice        float64 `json:"last_price,omitempty"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`

	// provenance
	Profile           *market.VolumeProfile `json:"profile,omitempty"`
	ConfirmationScore float64               `json:"confirmation_score"`
	AdvisorReasoning  string                `json:"advisor_reasoning,omitempty"`
	AdvisorConfidence float64               `json:"advisor_confidence,omitempty"`

	// lifecycle
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	ExitPrice  float64    `json:"exit_price,omitempty"`
	ExitReason string     `json:"exit_reason,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`

	// bookkeeping
	Dirty        bool   `json:"-"` // uncommitted changes since last persistence flush
	EntryOrderID string `json:"entry_order_id,omitempty"`
	RetryCount   int    `json:"retry_count"`
	LevelsHit    []int  `json:"levels_hit,omitempty"`
	HighestTP    int    `json:"highest_tp"`
}

// TradeResult is produced exactly once for every terminal position that has
// both an entry and an exit price.
type TradeResult struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	EntryPrice    float64   `json:"entry_price"`
	ExitPrice     float64   `json:"exit_price"`
	EntryTime     time.Time `json:"entry_time"`
	ExitTime      time.Time `json:"exit_time"`
	ExitReason    string    `json:"exit_reason"`
	HighestTP     int       `json:"highest_tp"`
	LevelsHit     []int     `json:"levels_hit"`
	GrossPnl      float64   `json:"gross_pnl"`
	NetPnl        float64   `json:"net_pnl"`
	RetryCount    int       `json:"retry_count"`
	OriginAlertID int64     `json:"origin_alert_id"`
}

// retryPair tracks an in-flight stepped/fallback order pair for one symbol.
type retryPair struct {
	steppedOrderID  string
	fallbackOrderID string
	steppedPrice    float64
	fallbackPrice   float64
	closed          *ManagedPosition // the stopped-out position being retried
	retryCount      int
	placing         bool // order placement still in flight, ids incomplete
}
