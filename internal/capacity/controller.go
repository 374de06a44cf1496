// Package capacity implements admission control for new entries and the
// stepped/fallback re-entry pricing used after stop-loss exits. Exposure is
// measured in micro-contract-equivalent units so differently sized contracts
// share one ceiling.
package capacity

import (
	"sync"
	"time"

	"topstepx-trading-bot/internal/contracts"
	"topstepx-trading-bot/internal/events"
)

// Config holds capacity and retry policy settings for one account.
type Config struct {
	// MaxUnits is the exposure ceiling in micro-contract-equivalent units.
	// 0 means unlimited.
	MaxUnits float64
	// MaxRetries caps re-entry attempts per signal chain.
	MaxRetries int
	// RetryStepTicks is the distance of the stepped re-entry order from the
	// last traded price.
	RetryStepTicks int
	// RetryFallbackTicks is the distance of the fallback re-entry order.
	// Always further away than the stepped order.
	RetryFallbackTicks int
}

// DefaultConfig returns the standard capacity policy.
func DefaultConfig() Config {
	return Config{
		MaxUnits:           0,
		MaxRetries:         2,
		RetryStepTicks:     4,
		RetryFallbackTicks: 12,
	}
}

// Controller tracks one account's open exposure and admits or rejects
// entries against the configured ceiling. A rejection is expected
// admission-control behavior, not an error.
type Controller struct {
	mu        sync.Mutex
	accountID string
	cfg       Config
	exposure  map[string]float64 // symbol -> open micro units
	bus       *events.Bus
}

// NewController creates a capacity controller for one account.
func NewController(accountID string, cfg Config, bus *events.Bus) *Controller {
	if cfg.RetryFallbackTicks <= cfg.RetryStepTicks {
		cfg.RetryFallbackTicks = cfg.RetryStepTicks * 3
	}
	return &Controller{
		accountID: accountID,
		cfg:       cfg,
		exposure:  make(map[string]float64),
		bus:       bus,
	}
}

// Admit checks whether qty contracts of symbol fit under the ceiling and, if
// so, reserves the exposure. On rejection a CapacityExceeded event is
// published exactly once and no exposure is reserved.
func (c *Controller) Admit(symbol string, qty int) bool {
	units := contracts.MicroUnits(symbol, qty)

	c.mu.Lock()
	current := 0.0
	for _, u := range c.exposure {
		current += u
	}
	if c.cfg.MaxUnits > 0 && current+units > c.cfg.MaxUnits {
		c.mu.Unlock()
		if c.bus != nil {
			c.bus.Publish(events.CapacityExceeded{
				At:              time.Now(),
				AccountID:       c.accountID,
				Symbol:          symbol,
				RequestedUnits:  units,
				CurrentExposure: current,
				Ceiling:         c.cfg.MaxUnits,
			})
		}
		return false
	}
	c.exposure[symbol] += units
	c.mu.Unlock()
	return true
}

// Release frees the exposure reserved for a symbol when its position ends.
func (c *Controller) Release(symbol string, qty int) {
	units := contracts.MicroUnits(symbol, qty)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposure[symbol] -= units
	if c.exposure[symbol] <= 0 {
		delete(c.exposure, symbol)
	}
}

// Exposure returns the account's total open exposure in micro units.
func (c *Controller) Exposure() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0.0
	for _, u := range c.exposure {
		total += u
	}
	return total
}

// CanRetry reports whether another re-entry attempt is allowed for a chain
// that has already used attempts retries.
func (c *Controller) CanRetry(attempts int) bool {
	return attempts < c.cfg.MaxRetries
}

// RetryPrices computes the stepped and fallback limit prices for a re-entry
// after a stop-loss exit. The stepped price sits close to the last traded
// price; the fallback sits further away in the same direction.
func (c *Controller) RetryPrices(symbol string, long bool, lastPrice float64) (stepped, fallback float64) {
	tick := 0.25
	if spec, ok := contracts.Lookup(symbol); ok {
		tick = spec.TickSize
	}
	step := float64(c.cfg.RetryStepTicks) * tick
	fall := float64(c.cfg.RetryFallbackTicks) * tick
	if long {
		return lastPrice - step, lastPrice - fall
	}
	return lastPrice + step, lastPrice + fall
}

// MaxRetries returns the configured retry budget.
func (c *Controller) MaxRetries() int {
	return c.cfg.MaxRetries
}
