// Package backtest replays historical alerts through the same state machine,
// level derivation, and retry rules used live, against stored minute bars.
package backtest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"topstepx-trading-bot/internal/alerts"
	"topstepx-trading-bot/internal/capacity"
	"topstepx-trading-bot/internal/contracts"
	"topstepx-trading-bot/internal/events"
	"topstepx-trading-bot/internal/logging"
	"topstepx-trading-bot/internal/market"
	"topstepx-trading-bot/internal/position"
)

// BarSource supplies historical bars. *projectx.Client implements it.
type BarSource interface {
	RetrieveBars(ctx context.Context, contractID string, start, end time.Time, unitNumber, limit int) ([]market.Bar, error)
}

// AlertSource supplies stored alerts. *database.Repository implements it.
type AlertSource interface {
	FetchAlerts(ctx context.Context, start, end time.Time, name string) ([]alerts.Alert, error)
}

// Config bounds one backtest run.
type Config struct {
	Start     time.Time
	End       time.Time
	AlertName string   // empty = all alerts
	Symbols   []string // empty = all symbols

	Quantity           int
	MaxUnits           float64
	MaxRetries         int
	RetryStepTicks     int
	RetryFallbackTicks int
	StopBufferTicks    int
	FeePerSide         float64

	LookbackBars int // profile window before each alert
	HorizonBars  int // bars replayed after each entry
	BinCount     int
}

func (c *Config) applyDefaults() {
	if c.Quantity <= 0 {
		c.Quantity = 1
	}
	if c.LookbackBars <= 0 {
		c.LookbackBars = 120
	}
	if c.HorizonBars <= 0 {
		c.HorizonBars = 240
	}
}

// Engine replays alerts through a synchronous state machine.
type Engine struct {
	cfg     Config
	bars    BarSource
	alerts  AlertSource
	machine *position.Machine
	exec    *simExecutor
	log     *logging.Logger
	trades  []position.TradeResult
}

// NewEngine creates a backtest engine. The capacity ceiling and retry budget
// apply across the whole run, exactly as they would across a live session.
func NewEngine(cfg Config, bars BarSource, alertSrc AlertSource) *Engine {
	cfg.applyDefaults()

	e := &Engine{
		cfg:    cfg,
		bars:   bars,
		alerts: alertSrc,
		exec:   &simExecutor{},
		log:    logging.WithComponent("backtest"),
	}

	bus := events.NewBus()
	ctrl := capacity.NewController("backtest", capacity.Config{
		MaxUnits:           cfg.MaxUnits,
		MaxRetries:         cfg.MaxRetries,
		RetryStepTicks:     cfg.RetryStepTicks,
		RetryFallbackTicks: cfg.RetryFallbackTicks,
	}, bus)

	e.machine = position.NewMachine("backtest", e.exec, ctrl, bus, position.Config{
		StopBufferTicks: cfg.StopBufferTicks,
		FeePerSide:      cfg.FeePerSide,
		Synchronous:     true,
	}, e.log)
	e.machine.SetTradeHandler(func(tr position.TradeResult) {
		e.trades = append(e.trades, tr)
	})
	return e
}

// Run fetches the stored alerts for the configured range and replays each
// entry against its surrounding bars. Close alerts and bar exhaustion both
// flatten open positions, so every entry produces at most one trade chain.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	stored, err := e.alerts.FetchAlerts(ctx, e.cfg.Start, e.cfg.End, e.cfg.AlertName)
	if err != nil {
		return nil, fmt.Errorf("alert fetch failed: %w", err)
	}

	replayed := 0
	for _, alert := range stored {
		if !e.symbolSelected(alert.Symbol) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.replayAlert(ctx, alert); err != nil {
			e.log.Warn("alert skipped", "alert_id", alert.ID, "symbol", alert.Symbol, "error", err)
			continue
		}
		replayed++
	}

	result := computeResult(e.trades)
	result.AlertsReplayed = replayed
	return result, nil
}

// replayAlert runs one alert through the machine: profile from the bars
// before it, ticks from the bars after it.
func (e *Engine) replayAlert(ctx context.Context, alert alerts.Alert) error {
	if alert.Quantity <= 0 {
		alert.Quantity = e.cfg.Quantity
	}

	contractID, err := contracts.FrontMonthID(alert.Symbol, alert.Timestamp)
	if err != nil {
		return err
	}

	if alert.IsClose() {
		return e.machine.HandleCloseAlert(ctx, alert)
	}
	if !alert.IsEntry() {
		return nil
	}

	lookback := time.Duration(e.cfg.LookbackBars) * time.Minute
	before, err := e.bars.RetrieveBars(ctx, contractID, alert.Timestamp.Add(-lookback), alert.Timestamp, 1, e.cfg.LookbackBars)
	if err != nil {
		return fmt.Errorf("lookback bars: %w", err)
	}

	profileCfg := market.DefaultProfileConfig()
	if e.cfg.BinCount > 0 {
		profileCfg.BinCount = e.cfg.BinCount
	}
	profile, err := market.ComputeVolumeProfile(before, profileCfg)
	if err != nil {
		return fmt.Errorf("volume profile: %w", err)
	}

	e.machine.SetClock(func() time.Time { return alert.Timestamp })
	if _, err := e.machine.HandleEntryAlert(ctx, alert, profile, contractID); err != nil {
		return err
	}

	horizon := time.Duration(e.cfg.HorizonBars) * time.Minute
	after, err := e.bars.RetrieveBars(ctx, contractID, alert.Timestamp, alert.Timestamp.Add(horizon), 1, e.cfg.HorizonBars)
	if err != nil {
		return fmt.Errorf("replay bars: %w", err)
	}

	e.replayBars(alert.Symbol, contractID, after)
	return nil
}

// replayBars walks the bar window forward, filling resting limit orders when
// a bar's range touches them and driving the tick path in the order that is
// pessimistic for the open side: adverse extreme first, favorable second.
func (e *Engine) replayBars(symbol, contractID string, bars []market.Bar) {
	for _, bar := range bars {
		e.machine.SetClock(func() time.Time { return bar.Timestamp })

		for _, order := range e.exec.resting() {
			if order.contractID != contractID {
				continue
			}
			filled := (order.side == position.SideLong && bar.Low <= order.price) ||
				(order.side == position.SideShort && bar.High >= order.price)
			if filled {
				e.exec.remove(order.id)
				e.machine.OnOrderFilled(order.id, order.price)
			}
		}

		pos, open := e.machine.Position(symbol)
		if !open {
			continue
		}
		if pos.Side == position.SideLong {
			e.machine.OnTick(symbol, bar.Low)
			e.machine.OnTick(symbol, bar.High)
		} else {
			e.machine.OnTick(symbol, bar.High)
			e.machine.OnTick(symbol, bar.Low)
		}
		e.machine.OnTick(symbol, bar.Close)
	}

	// Window exhausted: a still-unfilled entry is cancelled so its stale
	// order cannot fill inside a later alert's window, an open position is
	// liquidated the way the broker would at session end, and any retry legs
	// still resting are withdrawn.
	if pos, open := e.machine.Position(symbol); open {
		if pos.State == position.StatePendingEntry {
			e.machine.CancelEntry(symbol, "window_expired")
		} else {
			e.machine.OnBrokerFlat(contractID)
		}
	}
	e.machine.CancelRetryPair(symbol)
}

func (e *Engine) symbolSelected(symbol string) bool {
	if len(e.cfg.Symbols) == 0 {
		return true
	}
	for _, s := range e.cfg.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// simOrder is a resting simulated limit order.
type simOrder struct {
	id         string
	contractID string
	side       position.Side
	price      float64
}

// simExecutor acknowledges orders without broker I/O; fills are decided by
// the bar replay loop.
type simExecutor struct {
	seq    atomic.Int64
	orders []simOrder
}

func (s *simExecutor) PlaceLimitOrder(_ context.Context, contractID string, side position.Side, _ int, price float64) (string, error) {
	id := fmt.Sprintf("SIM-%d", s.seq.Add(1))
	s.orders = append(s.orders, simOrder{id: id, contractID: contractID, side: side, price: price})
	return id, nil
}

func (s *simExecutor) CancelOrder(_ context.Context, orderID string) error {
	s.remove(orderID)
	return nil
}

func (s *simExecutor) ClosePosition(context.Context, string) error { return nil }

func (s *simExecutor) resting() []simOrder {
	return append([]simOrder(nil), s.orders...)
}

func (s *simExecutor) remove(orderID string) {
	for i, o := range s.orders {
		if o.id == orderID {
			s.orders = append(s.orders[:i], s.orders[i+1:]...)
			return
		}
	}
}
