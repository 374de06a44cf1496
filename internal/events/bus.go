package events

import (
	"sync"
	"time"
)

// Type identifies the kind of event flowing through the bus.
type Type string

const (
	TypePositionStateChanged Type = "POSITION_STATE_CHANGED"
	TypeTradeClosed          Type = "TRADE_CLOSED"
	TypeCapacityExceeded     Type = "CAPACITY_EXCEEDED"
	TypeRetryOrdersPlaced    Type = "RETRY_ORDERS_PLACED"
	TypeAlertRejected        Type = "ALERT_REJECTED"
	TypeOrderPlaced          Type = "ORDER_PLACED"
	TypeReconcileMismatch    Type = "RECONCILE_MISMATCH"
	TypeBotStarted           Type = "BOT_STARTED"
	TypeBotStopped           Type = "BOT_STOPPED"
)

// Event is implemented by every payload published on the bus. Payloads are
// concrete structs so subscribers type-switch instead of digging through maps.
type Event interface {
	EventType() Type
}

// PositionStateChanged is published on every state machine transition.
type PositionStateChanged struct {
	At         time.Time `json:"at"`
	AccountID  string    `json:"account_id"`
	Symbol     string    `json:"symbol"`
	PositionID string    `json:"position_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Price      float64   `json:"price,omitempty"`
}

func (PositionStateChanged) EventType() Type { return TypePositionStateChanged }

// TradeClosed is published once per terminal position with a full round trip.
type TradeClosed struct {
	At         time.Time `json:"at"`
	AccountID  string    `json:"account_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	ExitReason string    `json:"exit_reason"`
	NetPnl     float64   `json:"net_pnl"`
	RetryCount int       `json:"retry_count"`
}

func (TradeClosed) EventType() Type { return TypeTradeClosed }

// CapacityExceeded is published when admission control drops an entry.
// This is expected behavior, not an error.
type CapacityExceeded struct {
	At              time.Time `json:"at"`
	AccountID       string    `json:"account_id"`
	Symbol          string    `json:"symbol"`
	RequestedUnits  float64   `json:"requested_units"`
	CurrentExposure float64   `json:"current_exposure"`
	Ceiling         float64   `json:"ceiling"`
}

func (CapacityExceeded) EventType() Type { return TypeCapacityExceeded }

// RetryOrdersPlaced is published when a stepped/fallback re-entry pair goes out.
type RetryOrdersPlaced struct {
	At            time.Time `json:"at"`
	AccountID     string    `json:"account_id"`
	Symbol        string    `json:"symbol"`
	SteppedPrice  float64   `json:"stepped_price"`
	FallbackPrice float64   `json:"fallback_price"`
	RetryCount    int       `json:"retry_count"`
}

func (RetryOrdersPlaced) EventType() Type { return TypeRetryOrdersPlaced }

// AlertRejected is published when an alert is dropped without creating a position.
type AlertRejected struct {
	At        time.Time `json:"at"`
	AccountID string    `json:"account_id"`
	Symbol    string    `json:"symbol"`
	AlertID   int64     `json:"alert_id"`
	Reason    string    `json:"reason"`
}

func (AlertRejected) EventType() Type { return TypeAlertRejected }

// OrderPlaced is published after a broker order placement intent is dispatched.
type OrderPlaced struct {
	At        time.Time `json:"at"`
	AccountID string    `json:"account_id"`
	Symbol    string    `json:"symbol"`
	OrderID   string    `json:"order_id"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Quantity  int       `json:"quantity"`
}

func (OrderPlaced) EventType() Type { return TypeOrderPlaced }

// ReconcileMismatch is published when the broker reports a position the bot
// does not track. Log-only; never acted on.
type ReconcileMismatch struct {
	At         time.Time `json:"at"`
	AccountID  string    `json:"account_id"`
	ContractID string    `json:"contract_id"`
	BrokerSize float64   `json:"broker_size"`
}

func (ReconcileMismatch) EventType() Type { return TypeReconcileMismatch }

// Lifecycle marks runner start/stop.
type Lifecycle struct {
	At      time.Time `json:"at"`
	Started bool      `json:"started"`
}

func (e Lifecycle) EventType() Type {
	if e.Started {
		return TypeBotStarted
	}
	return TypeBotStopped
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(t Type, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[t] = append(b.subscribers[t], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Dispatch is asynchronous so
// publishers on the hot event path never block on slow subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if subs, ok := b.subscribers[event.EventType()]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range b.allSubs {
		go sub(event)
	}
}
