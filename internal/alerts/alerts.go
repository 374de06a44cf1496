// Package alerts defines the normalized trade-signal records consumed from
// the webhook ingestion service, and the feed contract the runner subscribes
// to. Parsing and validation of raw webhooks happens upstream; records
// arriving here are immutable.
package alerts

import (
	"strings"
	"time"
)

// Action is the normalized alert action.
type Action string

const (
	ActionBuy        Action = "buy"
	ActionSell       Action = "sell"
	ActionClose      Action = "close"
	ActionCloseLong  Action = "close_long"
	ActionCloseShort Action = "close_short"
)

// Alert is a normalized trade signal. Immutable once received.
type Alert struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Action    Action    `json:"action"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price,omitempty"`    // optional; 0 = unset
	Name      string    `json:"name,omitempty"`     // routing tag
	Strategy  string    `json:"strategy,omitempty"` // strategy tag
	Raw       string    `json:"raw,omitempty"`      // original payload, archived upstream
}

// IsEntry reports whether the alert opens a new position.
func (a Alert) IsEntry() bool {
	return a.Action == ActionBuy || a.Action == ActionSell
}

// IsClose reports whether the alert requests closing an existing position.
func (a Alert) IsClose() bool {
	switch a.Action {
	case ActionClose, ActionCloseLong, ActionCloseShort:
		return true
	}
	return false
}

// ParseAction normalizes a raw action string.
func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy, true
	case ActionSell:
		return ActionSell, true
	case ActionClose:
		return ActionClose, true
	case ActionCloseLong:
		return ActionCloseLong, true
	case ActionCloseShort:
		return ActionCloseShort, true
	}
	return "", false
}

// Handler processes one alert to completion.
type Handler func(Alert)

// Feed delivers normalized alerts from the ingestion collaborator.
type Feed interface {
	Subscribe(Handler) error
	Unsubscribe()
}

// ChannelFeed is a Feed backed by an in-process channel. The ingestion
// service pushes into it; the runner consumes from it.
type ChannelFeed struct {
	ch   chan Alert
	stop chan struct{}
}

// NewChannelFeed creates a channel-backed alert feed.
func NewChannelFeed(buffer int) *ChannelFeed {
	return &ChannelFeed{
		ch:   make(chan Alert, buffer),
		stop: make(chan struct{}),
	}
}

// Publish delivers an alert to the subscriber. Drops the alert if the feed
// has been unsubscribed.
func (f *ChannelFeed) Publish(alert Alert) {
	select {
	case <-f.stop:
	case f.ch <- alert:
	}
}

// Subscribe starts delivering alerts to the handler, one at a time in
// arrival order, until Unsubscribe is called.
func (f *ChannelFeed) Subscribe(handler Handler) error {
	go func() {
		for {
			select {
			case <-f.stop:
				return
			case alert := <-f.ch:
				handler(alert)
			}
		}
	}()
	return nil
}

// Unsubscribe stops delivery.
func (f *ChannelFeed) Unsubscribe() {
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
}
