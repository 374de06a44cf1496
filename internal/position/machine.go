package position

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"topstepx-trading-bot/internal/alerts"
	"topstepx-trading-bot/internal/capacity"
	"topstepx-trading-bot/internal/contracts"
	"topstepx-trading-bot/internal/events"
	"topstepx-trading-bot/internal/logging"
	"topstepx-trading-bot/internal/market"
)

// OrderExecutor dispatches order intents to the broker. The live runner backs
// it with REST calls; the backtest simulator backs it with simulated fills.
type OrderExecutor interface {
	PlaceLimitOrder(ctx context.Context, contractID string, side Side, quantity int, price float64) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	ClosePosition(ctx context.Context, contractID string) error
}

// Config holds per-account state machine settings.
type Config struct {
	// StopBufferTicks sets the initial stop distance from the entry price.
	// 0 falls back to mirroring the TP1 distance.
	StopBufferTicks int
	// FeePerSide is the per-contract commission charged on each fill.
	FeePerSide float64
	// Synchronous runs broker dispatches inline instead of in goroutines.
	// The backtest simulator relies on this for deterministic replay.
	Synchronous bool
}

// Machine is the per-account position state machine. One instance owns the
// symbol-keyed position map for exactly one account; no state is shared
// across accounts. Every event handler runs its transition to completion
// under the machine lock, so invariants hold at every observable point.
type Machine struct {
	mu        sync.Mutex
	accountID string
	exec      OrderExecutor
	capacity  *capacity.Controller
	bus       *events.Bus
	cfg       Config
	log       *logging.Logger

	positions map[string]*ManagedPosition // symbol -> non-terminal position
	terminal  []*ManagedPosition          // terminal, awaiting persistence flush
	retries   map[string]*retryPair       // symbol -> in-flight retry order pair

	onTrade func(TradeResult)
	now     func() time.Time
}

// NewMachine creates a state machine for one account.
func NewMachine(accountID string, exec OrderExecutor, cap *capacity.Controller, bus *events.Bus, cfg Config, log *logging.Logger) *Machine {
	if log == nil {
		log = logging.WithComponent("machine")
	}
	return &Machine{
		accountID: accountID,
		exec:      exec,
		capacity:  cap,
		bus:       bus,
		cfg:       cfg,
		log:       log.WithField("account", accountID),
		positions: make(map[string]*ManagedPosition),
		retries:   make(map[string]*retryPair),
		now:       time.Now,
	}
}

// SetTradeHandler registers the callback invoked with each TradeResult.
func (m *Machine) SetTradeHandler(fn func(TradeResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrade = fn
}

// SetClock overrides the machine's time source. Used by the backtest
// simulator to stamp transitions with historical time.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// AccountID returns the owning account id.
func (m *Machine) AccountID() string {
	return m.accountID
}

// HandleEntryAlert processes a buy/sell alert: derives price levels from the
// volume profile, checks capacity, places the entry limit order, and creates
// a pending_entry position. A symbol already holding a non-terminal position
// rejects the alert; the existing position is never replaced.
func (m *Machine) HandleEntryAlert(ctx context.Context, alert alerts.Alert, profile *market.VolumeProfile, contractID string) (*ManagedPosition, error) {
	if profile == nil {
		m.log.Warn("entry alert skipped, no volume profile", "symbol", alert.Symbol, "alert_id", alert.ID)
		return nil, nil
	}

	side := SideLong
	if alert.Action == alerts.ActionSell {
		side = SideShort
	}

	m.mu.Lock()
	if existing, ok := m.positions[alert.Symbol]; ok {
		m.mu.Unlock()
		m.log.Warn("entry alert rejected, position already open",
			"symbol", alert.Symbol, "alert_id", alert.ID, "state", string(existing.State))
		m.publish(events.AlertRejected{
			At:        m.now(),
			AccountID: m.accountID,
			Symbol:    alert.Symbol,
			AlertID:   alert.ID,
			Reason:    "position_open",
		})
		return nil, nil
	}
	if _, ok := m.retries[alert.Symbol]; ok {
		m.mu.Unlock()
		m.log.Warn("entry alert rejected, retry orders in flight",
			"symbol", alert.Symbol, "alert_id", alert.ID)
		m.publish(events.AlertRejected{
			At:        m.now(),
			AccountID: m.accountID,
			Symbol:    alert.Symbol,
			AlertID:   alert.ID,
			Reason:    "retry_in_flight",
		})
		return nil, nil
	}
	m.mu.Unlock()

	if !m.capacity.Admit(alert.Symbol, alert.Quantity) {
		m.log.Info("entry alert dropped by capacity controller",
			"symbol", alert.Symbol, "alert_id", alert.ID, "quantity", alert.Quantity)
		return nil, nil
	}

	levels := deriveLevels(side, profile, alert.Symbol, m.cfg.StopBufferTicks)

	orderID, err := m.exec.PlaceLimitOrder(ctx, contractID, side, alert.Quantity, levels.entry)
	if err != nil {
		m.capacity.Release(alert.Symbol, alert.Quantity)
		return nil, fmt.Errorf("entry order placement failed for %s: %w", alert.Symbol, err)
	}

	now := m.now()
	pos := &ManagedPosition{
		ID:               uuid.NewString(),
		AlertID:          alert.ID,
		OriginAlertID:    alert.ID,
		AccountID:        m.accountID,
		Symbol:           alert.Symbol,
		ContractID:       contractID,
		Side:             side,
		Quantity:         alert.Quantity,
		TargetEntryPrice: levels.entry,
		TP1Price:         levels.tp1,
		TP2Price:         levels.tp2,
		TP3Price:         levels.tp3,
		InitialStopLoss:  levels.stop,
		CurrentStopLoss:  levels.stop,
		Profile:          profile,
		State:            StatePendingEntry,
		CreatedAt:        now,
		Dirty:            true,
		EntryOrderID:     orderID,
	}

	m.mu.Lock()
	m.positions[alert.Symbol] = pos
	m.mu.Unlock()

	m.publish(events.OrderPlaced{
		At: now, AccountID: m.accountID, Symbol: alert.Symbol,
		OrderID: orderID, Side: string(side), Price: levels.entry, Quantity: alert.Quantity,
	})
	m.publish(events.PositionStateChanged{
		At: now, AccountID: m.accountID, Symbol: alert.Symbol,
		PositionID: pos.ID, FromState: "", ToState: string(StatePendingEntry), Price: levels.entry,
	})
	m.log.Info("position opened pending entry",
		"symbol", alert.Symbol, "side", string(side), "entry", levels.entry,
		"tp1", levels.tp1, "tp2", levels.tp2, "tp3", levels.tp3, "stop", levels.stop)

	return pos, nil
}

// HandleCloseAlert processes close/close_long/close_short. A pending entry is
// cancelled outright; an open position gets a market-close intent and moves
// to closed with reason manual_close once the broker call succeeds.
func (m *Machine) HandleCloseAlert(ctx context.Context, alert alerts.Alert) error {
	m.mu.Lock()
	pos, ok := m.positions[alert.Symbol]
	if !ok {
		m.mu.Unlock()
		m.log.Info("close alert for untracked symbol, ignored", "symbol", alert.Symbol, "alert_id", alert.ID)
		return nil
	}
	if alert.Action == alerts.ActionCloseLong && pos.Side != SideLong ||
		alert.Action == alerts.ActionCloseShort && pos.Side != SideShort {
		m.mu.Unlock()
		return nil
	}
	state := pos.State
	contractID := pos.ContractID
	entryOrderID := pos.EntryOrderID
	m.mu.Unlock()

	if state == StatePendingEntry {
		if err := m.exec.CancelOrder(ctx, entryOrderID); err != nil {
			m.log.Error("entry order cancel failed", "symbol", alert.Symbol, "error", err)
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.closeLocked(pos, 0, ExitManualClose, StateCancelled)
		return nil
	}

	if err := m.exec.ClosePosition(ctx, contractID); err != nil {
		return fmt.Errorf("market close failed for %s: %w", alert.Symbol, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(pos, pos.LastPrice, ExitManualClose, StateClosed)
	return nil
}

// OnOrderFilled routes a broker fill event. It either activates a pending
// entry or resolves one leg of an in-flight retry pair, cancelling the
// sibling order.
func (m *Machine) OnOrderFilled(orderID string, fillPrice float64) {
	m.mu.Lock()

	for _, pos := range m.positions {
		if pos.State == StatePendingEntry && pos.EntryOrderID == orderID {
			pos.State = StateActive
			pos.EntryPrice = fillPrice
			pos.LastPrice = fillPrice
			pos.Dirty = true
			symbol, posID := pos.Symbol, pos.ID
			now := m.now()
			m.mu.Unlock()
			m.publish(events.PositionStateChanged{
				At: now, AccountID: m.accountID, Symbol: symbol,
				PositionID: posID, FromState: string(StatePendingEntry), ToState: string(StateActive), Price: fillPrice,
			})
			m.log.Info("entry filled", "symbol", symbol, "price", fillPrice)
			return
		}
	}

	for symbol, pair := range m.retries {
		var sibling string
		switch orderID {
		case pair.steppedOrderID:
			sibling = pair.fallbackOrderID
		case pair.fallbackOrderID:
			sibling = pair.steppedOrderID
		default:
			continue
		}
		delete(m.retries, symbol)
		pos := m.retryPositionLocked(pair, fillPrice)
		m.mu.Unlock()

		if sibling != "" {
			m.dispatch(func() {
				if err := m.exec.CancelOrder(context.Background(), sibling); err != nil {
					m.log.Error("retry sibling cancel failed", "symbol", symbol, "order_id", sibling, "error", err)
				}
			})
		}
		m.publish(events.PositionStateChanged{
			At: m.now(), AccountID: m.accountID, Symbol: symbol,
			PositionID: pos.ID, FromState: "", ToState: string(StateActive), Price: fillPrice,
		})
		m.log.Info("retry entry filled", "symbol", symbol, "price", fillPrice, "retry_count", pos.RetryCount)
		return
	}

	m.mu.Unlock()
}

// OnOrderRejected handles a broker rejection for a pending entry or a retry
// leg. The rejection message is embedded in the exit reason; it is never
// surfaced as an error.
func (m *Machine) OnOrderRejected(orderID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pos := range m.positions {
		if pos.State == StatePendingEntry && pos.EntryOrderID == orderID {
			m.closeLocked(pos, 0, "rejected: "+reason, StateCancelled)
			return
		}
	}

	for symbol, pair := range m.retries {
		switch orderID {
		case pair.steppedOrderID:
			pair.steppedOrderID = ""
		case pair.fallbackOrderID:
			pair.fallbackOrderID = ""
		default:
			continue
		}
		if pair.steppedOrderID == "" && pair.fallbackOrderID == "" && !pair.placing {
			delete(m.retries, symbol)
			m.capacity.Release(symbol, pair.closed.Quantity)
			m.log.Warn("both retry orders rejected, abandoning chain", "symbol", symbol, "reason", reason)
		}
		return
	}
}

// OnTick applies a market tick to the symbol's position: stop-loss checks
// first, then take-profit advancement with stop ratcheting. Crossing several
// TP levels in one tick advances through each, recording the full hit
// progression.
func (m *Machine) OnTick(symbol string, price float64) {
	m.mu.Lock()

	pos, ok := m.positions[symbol]
	if !ok {
		m.mu.Unlock()
		return
	}

	pos.LastPrice = price
	if pos.EntryPrice != 0 {
		pv := contracts.PointValueFor(symbol)
		pos.UnrealizedPnl = (price - pos.EntryPrice) * pos.Side.Sign() * pv * float64(pos.Quantity)
		pos.Dirty = true
	}

	// Stop-loss breach ends the position from any non-terminal state.
	if crossedStop(pos.Side, price, pos.CurrentStopLoss) {
		fromState := pos.State
		reason := "sl_hit_from_" + string(fromState)
		contractID := pos.ContractID
		entryOrderID := pos.EntryOrderID

		terminalState := StateClosed
		if fromState == StatePendingEntry {
			terminalState = StateCancelled
		}
		m.closeLocked(pos, price, reason, terminalState)
		var retry func()
		if terminalState == StateClosed {
			retry = m.maybeRetryLocked(pos, price)
		}
		m.mu.Unlock()
		if retry != nil {
			m.dispatch(retry)
		}

		if fromState == StatePendingEntry {
			m.dispatch(func() {
				if err := m.exec.CancelOrder(context.Background(), entryOrderID); err != nil {
					m.log.Error("entry cancel after stop breach failed", "symbol", symbol, "error", err)
				}
			})
		} else {
			m.dispatch(func() {
				if err := m.exec.ClosePosition(context.Background(), contractID); err != nil {
					m.log.Error("stop-loss market close failed", "symbol", symbol, "error", err)
				}
			})
		}
		return
	}

	// Take-profit advancement, one state per level crossed.
	for pos.State.Rank() >= StateActive.Rank() && pos.State.Rank() < StateTP3Hit.Rank() {
		level, target := nextTarget(pos)
		if !crossedTarget(pos.Side, price, target) {
			break
		}
		from := pos.State
		pos.State = tpState(level)
		pos.LevelsHit = append(pos.LevelsHit, level)
		pos.HighestTP = level
		pos.CurrentStopLoss = ratchetStop(pos, level)
		pos.Dirty = true
		m.log.Info("take profit hit",
			"symbol", symbol, "level", level, "price", price, "new_stop", pos.CurrentStopLoss)
		m.busStateChange(pos, from, price)
	}

	m.mu.Unlock()
}

// OnBrokerFlat handles a reconciliation-detected flatten: the broker reports
// zero size for a contract the bot still tracks as open.
func (m *Machine) OnBrokerFlat(contractID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pos := range m.positions {
		if pos.ContractID != contractID || pos.State == StatePendingEntry {
			continue
		}
		exitPrice := pos.LastPrice
		if exitPrice == 0 {
			exitPrice = pos.CurrentStopLoss
		}
		m.log.Warn("broker reports flat for tracked position, closing locally",
			"symbol", pos.Symbol, "contract_id", contractID)
		m.closeLocked(pos, exitPrice, ExitEODLiquidation, StateClosed)
		return
	}
}

// CancelEntry cancels a position still waiting for its entry fill: the
// resting order is withdrawn from the broker and the position moves to
// cancelled, releasing its capacity. The backtest simulator calls this when a
// replay window closes before the entry fills.
func (m *Machine) CancelEntry(symbol, reason string) {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok || pos.State != StatePendingEntry {
		m.mu.Unlock()
		return
	}
	orderID := pos.EntryOrderID
	m.closeLocked(pos, 0, reason, StateCancelled)
	m.mu.Unlock()

	m.dispatch(func() {
		if err := m.exec.CancelOrder(context.Background(), orderID); err != nil {
			m.log.Error("entry order cancel failed", "symbol", symbol, "order_id", orderID, "error", err)
		}
	})
	m.log.Info("pending entry cancelled", "symbol", symbol, "reason", reason)
}

// CancelRetryPair abandons an in-flight retry pair: both resting legs are
// withdrawn and the reserved capacity is released.
func (m *Machine) CancelRetryPair(symbol string) {
	m.mu.Lock()
	pair, ok := m.retries[symbol]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.retries, symbol)
	stepped, fallback := pair.steppedOrderID, pair.fallbackOrderID
	qty := pair.closed.Quantity
	m.capacity.Release(symbol, qty)
	m.mu.Unlock()

	for _, orderID := range []string{stepped, fallback} {
		if orderID == "" {
			continue
		}
		id := orderID
		m.dispatch(func() {
			if err := m.exec.CancelOrder(context.Background(), id); err != nil {
				m.log.Error("retry order cancel failed", "symbol", symbol, "order_id", id, "error", err)
			}
		})
	}
	m.log.Info("retry pair abandoned", "symbol", symbol)
}

// AttachAdvisory attaches a best-effort advisory annotation to a still-open
// position. Late results for closed positions are silently discarded.
func (m *Machine) AttachAdvisory(symbol, reasoning string, confidence float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return
	}
	pos.AdvisorReasoning = reasoning
	pos.AdvisorConfidence = confidence
	pos.Dirty = true
}

// HasPendingOrder reports whether the order id belongs to this machine's
// pending entry orders or in-flight retry legs. The runner uses it to route
// order events to the right account.
func (m *Machine) HasPendingOrder(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pos := range m.positions {
		if pos.State == StatePendingEntry && pos.EntryOrderID == orderID {
			return true
		}
	}
	for _, pair := range m.retries {
		if pair.steppedOrderID == orderID || pair.fallbackOrderID == orderID {
			return true
		}
	}
	return false
}

// Position returns a copy of the non-terminal position for a symbol.
func (m *Machine) Position(symbol string) (ManagedPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return ManagedPosition{}, false
	}
	return *pos, true
}

// OpenPositions returns copies of all non-terminal positions.
func (m *Machine) OpenPositions() []ManagedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ManagedPosition, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// OpenCount returns the number of non-terminal positions.
func (m *Machine) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// TrackedContracts returns the contract ids of all open (filled) positions,
// for the reconciliation loop.
func (m *Machine) TrackedContracts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.positions))
	for _, pos := range m.positions {
		if pos.State != StatePendingEntry {
			out = append(out, pos.ContractID)
		}
	}
	return out
}

// CollectDirty returns copies of every position with uncommitted changes and
// clears their dirty flags. Terminal positions are handed out once and then
// dropped from the flush queue. MarkDirty restores the flag if persistence
// fails so the next flush retries.
func (m *Machine) CollectDirty() []ManagedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ManagedPosition
	for _, pos := range m.positions {
		if pos.Dirty {
			out = append(out, *pos)
			pos.Dirty = false
		}
	}
	for _, pos := range m.terminal {
		out = append(out, *pos)
	}
	m.terminal = m.terminal[:0]
	return out
}

// MarkDirty re-flags a position after a failed persistence flush.
func (m *Machine) MarkDirty(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos, ok := m.positions[symbol]; ok {
		pos.Dirty = true
	}
}

// PendingWriteCount returns how many positions await a persistence flush.
func (m *Machine) PendingWriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.terminal)
	for _, pos := range m.positions {
		if pos.Dirty {
			n++
		}
	}
	return n
}

// closeLocked performs the terminal transition: records exit data, releases
// capacity, queues the position for its final flush, and emits the
// TradeResult when both entry and exit prices exist. Caller holds m.mu.
func (m *Machine) closeLocked(pos *ManagedPosition, exitPrice float64, reason string, terminal State) {
	// A concurrent event may have closed the position while its trigger was
	// waiting on broker I/O. The first terminal transition wins.
	if pos.State.IsTerminal() {
		return
	}
	from := pos.State
	now := m.now()

	pos.State = terminal
	pos.ExitPrice = exitPrice
	pos.ExitReason = reason
	pos.ClosedAt = &now
	pos.Dirty = true

	delete(m.positions, pos.Symbol)
	m.terminal = append(m.terminal, pos)
	m.capacity.Release(pos.Symbol, pos.Quantity)

	m.busStateChange(pos, from, exitPrice)

	if pos.EntryPrice == 0 || exitPrice == 0 {
		return
	}

	pv := contracts.PointValueFor(pos.Symbol)
	gross := (exitPrice - pos.EntryPrice) * pos.Side.Sign() * pv * float64(pos.Quantity)
	net := gross - 2*m.cfg.FeePerSide*float64(pos.Quantity)

	result := TradeResult{
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     exitPrice,
		EntryTime:     pos.CreatedAt,
		ExitTime:      now,
		ExitReason:    reason,
		HighestTP:     pos.HighestTP,
		LevelsHit:     append([]int(nil), pos.LevelsHit...),
		GrossPnl:      gross,
		NetPnl:        net,
		RetryCount:    pos.RetryCount,
		OriginAlertID: pos.OriginAlertID,
	}

	m.publish(events.TradeClosed{
		At: now, AccountID: m.accountID, Symbol: pos.Symbol, Side: string(pos.Side),
		EntryPrice: pos.EntryPrice, ExitPrice: exitPrice, ExitReason: reason,
		NetPnl: net, RetryCount: pos.RetryCount,
	})
	if m.onTrade != nil {
		m.onTrade(result)
	}
}

// maybeRetryLocked prepares the stepped/fallback re-entry pair after a
// stop-loss exit when retry budget remains. Caller holds m.mu. The returned
// closure performs the broker I/O and must run after the lock is released.
func (m *Machine) maybeRetryLocked(pos *ManagedPosition, lastPrice float64) func() {
	if !strings.HasPrefix(pos.ExitReason, "sl_hit") {
		return nil
	}
	if !m.capacity.CanRetry(pos.RetryCount) {
		return nil
	}
	if !m.capacity.Admit(pos.Symbol, pos.Quantity) {
		return nil
	}

	stepped, fallback := m.capacity.RetryPrices(pos.Symbol, pos.Side == SideLong, lastPrice)
	pair := &retryPair{
		steppedPrice:  stepped,
		fallbackPrice: fallback,
		closed:        pos,
		retryCount:    pos.RetryCount + 1,
		placing:       true,
	}
	m.retries[pos.Symbol] = pair

	symbol := pos.Symbol
	contractID := pos.ContractID
	side := pos.Side
	qty := pos.Quantity
	retryCount := pair.retryCount

	return func() {
		steppedID, err := m.exec.PlaceLimitOrder(context.Background(), contractID, side, qty, stepped)
		if err != nil {
			m.log.Error("stepped retry order failed", "symbol", symbol, "error", err)
		}
		// Each leg id is recorded as soon as the broker assigns it, so a fast
		// fill can be routed while the sibling placement is still in flight.
		if !m.storeRetryLeg(symbol, steppedID, true) {
			m.cancelStrayOrder(symbol, steppedID)
			return
		}

		fallbackID, err := m.exec.PlaceLimitOrder(context.Background(), contractID, side, qty, fallback)
		if err != nil {
			m.log.Error("fallback retry order failed", "symbol", symbol, "error", err)
		}
		if !m.storeRetryLeg(symbol, fallbackID, false) {
			m.cancelStrayOrder(symbol, fallbackID)
			return
		}

		m.mu.Lock()
		if p, ok := m.retries[symbol]; ok {
			p.placing = false
			if p.steppedOrderID == "" && p.fallbackOrderID == "" {
				delete(m.retries, symbol)
				m.capacity.Release(symbol, qty)
			}
		}
		m.mu.Unlock()

		m.publish(events.RetryOrdersPlaced{
			At: m.now(), AccountID: m.accountID, Symbol: symbol,
			SteppedPrice: stepped, FallbackPrice: fallback, RetryCount: retryCount,
		})
	}
}

// storeRetryLeg records a placed leg's order id on the symbol's pair. It
// reports false when the pair has already resolved or been abandoned, in
// which case the caller owns cleanup of the order it just placed.
func (m *Machine) storeRetryLeg(symbol, orderID string, stepped bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.retries[symbol]
	if !ok {
		return false
	}
	if stepped {
		pair.steppedOrderID = orderID
	} else {
		pair.fallbackOrderID = orderID
	}
	return true
}

func (m *Machine) cancelStrayOrder(symbol, orderID string) {
	if orderID == "" {
		return
	}
	if err := m.exec.CancelOrder(context.Background(), orderID); err != nil {
		m.log.Error("stray retry order cancel failed", "symbol", symbol, "order_id", orderID, "error", err)
	}
}

// retryPositionLocked creates the active position for a filled retry leg.
// Caller holds m.mu.
func (m *Machine) retryPositionLocked(pair *retryPair, fillPrice float64) *ManagedPosition {
	prev := pair.closed
	now := m.now()

	// The stop distance from the original attempt carries over to the new
	// entry; the take-profit ladder stays anchored to the original profile.
	stopDist := math.Abs(prev.TargetEntryPrice - prev.InitialStopLoss)
	stop := fillPrice - stopDist
	if prev.Side == SideShort {
		stop = fillPrice + stopDist
	}

	pos := &ManagedPosition{
		ID:               uuid.NewString(),
		AlertID:          prev.AlertID,
		OriginAlertID:    prev.OriginAlertID,
		AccountID:        m.accountID,
		Symbol:           prev.Symbol,
		ContractID:       prev.ContractID,
		Side:             prev.Side,
		Quantity:         prev.Quantity,
		TargetEntryPrice: fillPrice,
		EntryPrice:       fillPrice,
		LastPrice:        fillPrice,
		TP1Price:         prev.TP1Price,
		TP2Price:         prev.TP2Price,
		TP3Price:         prev.TP3Price,
		InitialStopLoss:  stop,
		CurrentStopLoss:  stop,
		Profile:          prev.Profile,
		State:            StateActive,
		CreatedAt:        now,
		Dirty:            true,
		RetryCount:       pair.retryCount,
	}
	m.positions[prev.Symbol] = pos
	return pos
}

// busStateChange publishes a PositionStateChanged event. Caller may hold m.mu;
// the bus dispatches asynchronously so this never blocks.
func (m *Machine) busStateChange(pos *ManagedPosition, from State, price float64) {
	m.publish(events.PositionStateChanged{
		At: m.now(), AccountID: m.accountID, Symbol: pos.Symbol,
		PositionID: pos.ID, FromState: string(from), ToState: string(pos.State), Price: price,
	})
}

func (m *Machine) publish(e events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}

// dispatch runs broker I/O off the event path unless the machine is in
// synchronous mode.
func (m *Machine) dispatch(fn func()) {
	if m.cfg.Synchronous {
		fn()
		return
	}
	go fn()
}

// levels holds the derived entry/exit prices for a new position.
type levels struct {
	entry, tp1, tp2, tp3, stop float64
}

// deriveLevels computes entry, take-profit and stop prices from a volume
// profile. Longs enter at the value-area low and target the value-area high;
// shorts mirror. TP2 and TP3 extend beyond the value area by half-width
// steps. All prices are tick-aligned.
func deriveLevels(side Side, profile *market.VolumeProfile, symbol string, bufferTicks int) levels {
	tick := 0.25
	if spec, ok := contracts.Lookup(symbol); ok {
		tick = spec.TickSize
	}

	width := profile.ValueAreaHigh - profile.ValueAreaLow

	var lv levels
	if side == SideLong {
		lv.entry = profile.ValueAreaLow
		lv.tp1 = profile.ValueAreaHigh
		lv.tp2 = lv.entry + 1.5*width
		lv.tp3 = lv.entry + 2.0*width
		if bufferTicks > 0 {
			lv.stop = lv.entry - float64(bufferTicks)*tick
		} else {
			lv.stop = lv.entry - width
		}
	} else {
		lv.entry = profile.ValueAreaHigh
		lv.tp1 = profile.ValueAreaLow
		lv.tp2 = lv.entry - 1.5*width
		lv.tp3 = lv.entry - 2.0*width
		if bufferTicks > 0 {
			lv.stop = lv.entry + float64(bufferTicks)*tick
		} else {
			lv.stop = lv.entry + width
		}
	}

	lv.entry = roundToTick(lv.entry, tick)
	lv.tp1 = roundToTick(lv.tp1, tick)
	lv.tp2 = roundToTick(lv.tp2, tick)
	lv.tp3 = roundToTick(lv.tp3, tick)
	lv.stop = roundToTick(lv.stop, tick)
	return lv
}

func roundToTick(price, tick float64) float64 {
	return math.Round(price/tick) * tick
}

// nextTarget returns the next take-profit level and price for a position.
func nextTarget(pos *ManagedPosition) (int, float64) {
	switch pos.State {
	case StateActive:
		return 1, pos.TP1Price
	case StateTP1Hit:
		return 2, pos.TP2Price
	default:
		return 3, pos.TP3Price
	}
}

// tpState maps a take-profit level to its state.
func tpState(level int) State {
	switch level {
	case 1:
		return StateTP1Hit
	case 2:
		return StateTP2Hit
	default:
		return StateTP3Hit
	}
}

// ratchetStop returns the new stop after a TP hit: TP1 moves the stop to
// breakeven, each later hit tightens it to the previous TP price.
func ratchetStop(pos *ManagedPosition, level int) float64 {
	switch level {
	case 1:
		return pos.EntryPrice
	case 2:
		return pos.TP1Price
	default:
		return pos.TP2Price
	}
}

// crossedStop reports whether price breaches the stop for the given side.
func crossedStop(side Side, price, stop float64) bool {
	if stop == 0 {
		return false
	}
	if side == SideLong {
		return price <= stop
	}
	return price >= stop
}

// crossedTarget reports whether price reaches the take-profit target.
func crossedTarget(side Side, price, target float64) bool {
	if side == SideLong {
		return price >= target
	}
	return price <= target
}
