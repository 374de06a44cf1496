package position

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"topstepx-trading-bot/internal/alerts"
	"topstepx-trading-bot/internal/capacity"
	"topstepx-trading-bot/internal/events"
	"topstepx-trading-bot/internal/market"
)

type placedOrder struct {
	contractID string
	side       Side
	quantity   int
	price      float64
	orderID    string
}

type mockExecutor struct {
	mu        sync.Mutex
	placed    []placedOrder
	cancelled []string
	closed    []string
	nextID    int
	placeErr  error
}

func (m *mockExecutor) PlaceLimitOrder(_ context.Context, contractID string, side Side, quantity int, price float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.placeErr != nil {
		return "", m.placeErr
	}
	m.nextID++
	id := fmt.Sprintf("ORD-%d", m.nextID)
	m.placed = append(m.placed, placedOrder{contractID, side, quantity, price, id})
	return id, nil
}

func (m *mockExecutor) CancelOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *mockExecutor) ClosePosition(_ context.Context, contractID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, contractID)
	return nil
}

func (m *mockExecutor) placedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.placed)
}

func (m *mockExecutor) lastPlaced() placedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placed[len(m.placed)-1]
}

// esProfile yields a 60-point value area on ES: VAL 5020, VAH 5080.
func esProfile() *market.VolumeProfile {
	return &market.VolumeProfile{
		PointOfControl: 5050,
		ValueAreaHigh:  5080,
		ValueAreaLow:   5020,
		RangeHigh:      5100,
		RangeLow:       5000,
		TotalVolume:    10000,
		BarCount:       60,
	}
}

func newTestMachine(capCfg capacity.Config) (*Machine, *mockExecutor) {
	exec := &mockExecutor{}
	ctrl := capacity.NewController("ACC-1", capCfg, nil)
	m := NewMachine("ACC-1", exec, ctrl, nil, Config{Synchronous: true}, nil)
	return m, exec
}

func buyAlert(id int64, symbol string, qty int) alerts.Alert {
	return alerts.Alert{ID: id, Timestamp: time.Now(), Symbol: symbol, Action: alerts.ActionBuy, Quantity: qty}
}

func TestEntryAlertCreatesPendingEntry(t *testing.T) {
	m, exec := newTestMachine(capacity.DefaultConfig())

	pos, err := m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 2), esProfile(), "CON.F.US.EP.H25")
	if err != nil {
		t.Fatalf("HandleEntryAlert: %v", err)
	}
	if pos == nil {
		t.Fatal("expected a position")
	}

	if pos.State != StatePendingEntry {
		t.Errorf("state = %s, want %s", pos.State, StatePendingEntry)
	}
	if pos.TargetEntryPrice != 5020 {
		t.Errorf("entry = %v, want 5020", pos.TargetEntryPrice)
	}
	if pos.TP1Price != 5080 || pos.TP2Price != 5110 || pos.TP3Price != 5140 {
		t.Errorf("tp ladder = %v/%v/%v, want 5080/5110/5140", pos.TP1Price, pos.TP2Price, pos.TP3Price)
	}
	if pos.InitialStopLoss != 4960 {
		t.Errorf("stop = %v, want 4960", pos.InitialStopLoss)
	}
	if pos.OriginAlertID != 1 || pos.RetryCount != 0 {
		t.Errorf("provenance wrong: origin=%d retries=%d", pos.OriginAlertID, pos.RetryCount)
	}

	if exec.placedCount() != 1 {
		t.Fatalf("placed %d orders, want 1", exec.placedCount())
	}
	order := exec.lastPlaced()
	if order.price != 5020 || order.side != SideLong || order.quantity != 2 {
		t.Errorf("order = %+v", order)
	}
}

func TestShortEntryMirrorsLevels(t *testing.T) {
	m, _ := newTestMachine(capacity.DefaultConfig())

	alert := buyAlert(2, "ES", 1)
	alert.Action = alerts.ActionSell
	pos, err := m.HandleEntryAlert(context.Background(), alert, esProfile(), "CON.F.US.EP.H25")
	if err != nil {
		t.Fatalf("HandleEntryAlert: %v", err)
	}

	if pos.Side != SideShort {
		t.Fatalf("side = %s", pos.Side)
	}
	if pos.TargetEntryPrice != 5080 || pos.TP1Price != 5020 {
		t.Errorf("entry/tp1 = %v/%v, want 5080/5020", pos.TargetEntryPrice, pos.TP1Price)
	}
	if pos.TP2Price != 4990 || pos.TP3Price != 4960 {
		t.Errorf("tp2/tp3 = %v/%v, want 4990/4960", pos.TP2Price, pos.TP3Price)
	}
	if pos.InitialStopLoss != 5140 {
		t.Errorf("stop = %v, want 5140", pos.InitialStopLoss)
	}
}

func TestEntryFillActivates(t *testing.T) {
	m, exec := newTestMachine(capacity.DefaultConfig())
	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")

	m.OnOrderFilled(exec.lastPlaced().orderID, 5020)

	pos, ok := m.Position("ES")
	if !ok {
		t.Fatal("position missing")
	}
	if pos.State != StateActive {
		t.Errorf("state = %s, want %s", pos.State, StateActive)
	}
	if pos.EntryPrice != 5020 {
		t.Errorf("entry price = %v, want 5020", pos.EntryPrice)
	}
}

func TestStopRatchetAndBreakevenExit(t *testing.T) {
	var results []TradeResult
	m, exec := newTestMachine(capacity.DefaultConfig())
	m.SetTradeHandler(func(r TradeResult) { results = append(results, r) })

	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	m.OnOrderFilled(exec.lastPlaced().orderID, 5020)

	m.OnTick("ES", 5080)
	pos, _ := m.Position("ES")
	if pos.State != StateTP1Hit {
		t.Fatalf("state = %s, want %s", pos.State, StateTP1Hit)
	}
	if pos.CurrentStopLoss != 5020 {
		t.Errorf("stop after TP1 = %v, want breakeven 5020", pos.CurrentStopLoss)
	}

	m.OnTick("ES", 5019)
	if _, ok := m.Position("ES"); ok {
		t.Fatal("position should be terminal")
	}
	if len(results) != 1 {
		t.Fatalf("got %d trade results, want 1", len(results))
	}
	r := results[0]
	if r.ExitReason != "sl_hit_from_tp1_hit" {
		t.Errorf("exit reason = %q", r.ExitReason)
	}
	if r.HighestTP != 1 {
		t.Errorf("highest tp = %d, want 1", r.HighestTP)
	}
	// one ES point is $50: (5019-5020) * 50 = -50 gross
	if r.GrossPnl != -50 {
		t.Errorf("gross pnl = %v, want -50", r.GrossPnl)
	}
}

func TestMultipleTargetsCrossedInOneTick(t *testing.T) {
	m, exec := newTestMachine(capacity.DefaultConfig())
	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	m.OnOrderFilled(exec.lastPlaced().orderID, 5020)

	m.OnTick("ES", 5141)

	pos, ok := m.Position("ES")
	if !ok {
		t.Fatal("position missing")
	}
	if pos.State != StateTP3Hit {
		t.Errorf("state = %s, want %s", pos.State, StateTP3Hit)
	}
	if len(pos.LevelsHit) != 3 || pos.LevelsHit[0] != 1 || pos.LevelsHit[2] != 3 {
		t.Errorf("levels hit = %v, want [1 2 3]", pos.LevelsHit)
	}
	if pos.CurrentStopLoss != pos.TP2Price {
		t.Errorf("stop = %v, want TP2 %v", pos.CurrentStopLoss, pos.TP2Price)
	}
}

func TestDuplicateAlertRejected(t *testing.T) {
	exec := &mockExecutor{}
	ctrl := capacity.NewController("ACC-1", capacity.DefaultConfig(), nil)
	bus := events.NewBus()
	rejected := make(chan events.AlertRejected, 1)
	bus.Subscribe(events.TypeAlertRejected, func(e events.Event) {
		rejected <- e.(events.AlertRejected)
	})
	m := NewMachine("ACC-1", exec, ctrl, bus, Config{Synchronous: true}, nil)

	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	pos, err := m.HandleEntryAlert(context.Background(), buyAlert(2, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	if err != nil {
		t.Fatalf("HandleEntryAlert: %v", err)
	}
	if pos != nil {
		t.Fatal("duplicate alert must not create a position")
	}
	if exec.placedCount() != 1 {
		t.Errorf("placed %d orders, want 1", exec.placedCount())
	}

	select {
	case e := <-rejected:
		if e.AlertID != 2 || e.Reason != "position_open" {
			t.Errorf("rejection = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no AlertRejected event")
	}
}

func TestCapacityCeilingDropsEntry(t *testing.T) {
	m, exec := newTestMachine(capacity.Config{MaxUnits: 10, MaxRetries: 2, RetryStepTicks: 4, RetryFallbackTicks: 12})

	// 1 ES = 10 micro units, fills the ceiling exactly.
	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	pos, err := m.HandleEntryAlert(context.Background(), buyAlert(2, "NQ", 1), esProfile(), "CON.F.US.ENQ.H25")
	if err != nil {
		t.Fatalf("HandleEntryAlert: %v", err)
	}
	if pos != nil {
		t.Fatal("over-ceiling alert must be dropped")
	}
	if exec.placedCount() != 1 {
		t.Errorf("placed %d orders, want 1", exec.placedCount())
	}
}

func TestStopLossRetryPlacesExactlyOnePair(t *testing.T) {
	m, exec := newTestMachine(capacity.Config{MaxRetries: 1, RetryStepTicks: 4, RetryFallbackTicks: 12})

	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	m.OnOrderFilled(exec.lastPlaced().orderID, 5020)

	m.OnTick("ES", 4959) // through the 4960 stop
	if exec.placedCount() != 3 {
		t.Fatalf("placed %d orders, want 3 (entry + stepped + fallback)", exec.placedCount())
	}

	exec.mu.Lock()
	stepped, fallback := exec.placed[1], exec.placed[2]
	exec.mu.Unlock()
	if stepped.price != 4958 { // 4959 - 4 ticks
		t.Errorf("stepped price = %v, want 4958", stepped.price)
	}
	if fallback.price != 4956 { // 4959 - 12 ticks
		t.Errorf("fallback price = %v, want 4956", fallback.price)
	}

	// Stepped leg fills: sibling cancelled, new active position with the
	// original TP ladder and incremented retry count.
	m.OnOrderFilled(stepped.orderID, 4958)
	pos, ok := m.Position("ES")
	if !ok {
		t.Fatal("retry position missing")
	}
	if pos.State != StateActive || pos.RetryCount != 1 {
		t.Errorf("state=%s retries=%d, want active/1", pos.State, pos.RetryCount)
	}
	if pos.OriginAlertID != 1 {
		t.Errorf("origin alert = %d, want 1", pos.OriginAlertID)
	}
	if pos.TP1Price != 5080 {
		t.Errorf("tp1 = %v, want original 5080", pos.TP1Price)
	}
	exec.mu.Lock()
	cancelled := append([]string(nil), exec.cancelled...)
	exec.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != fallback.orderID {
		t.Errorf("cancelled = %v, want [%s]", cancelled, fallback.orderID)
	}

	// Budget of 1 is spent: a second stop-out places nothing new.
	m.OnTick("ES", pos.CurrentStopLoss-1)
	if exec.placedCount() != 3 {
		t.Errorf("placed %d orders after exhausted budget, want 3", exec.placedCount())
	}
	if _, ok := m.Position("ES"); ok {
		t.Error("position should be terminal after second stop-out")
	}
}

func TestStopBreachWhilePendingCancelsWithoutTrade(t *testing.T) {
	var results []TradeResult
	m, exec := newTestMachine(capacity.DefaultConfig())
	m.SetTradeHandler(func(r TradeResult) { results = append(results, r) })

	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	entryOrder := exec.lastPlaced().orderID

	m.OnTick("ES", 4950) // through the stop before any fill

	if _, ok := m.Position("ES"); ok {
		t.Fatal("position should be terminal")
	}
	if len(results) != 0 {
		t.Errorf("got %d trade results for unfilled position, want 0", len(results))
	}
	exec.mu.Lock()
	cancelled := append([]string(nil), exec.cancelled...)
	exec.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != entryOrder {
		t.Errorf("cancelled = %v, want entry order %s", cancelled, entryOrder)
	}
}

func TestOrderRejectedCancelsAndReleasesCapacity(t *testing.T) {
	exec := &mockExecutor{}
	ctrl := capacity.NewController("ACC-1", capacity.Config{MaxUnits: 10, MaxRetries: 0, RetryStepTicks: 4, RetryFallbackTicks: 12}, nil)
	m := NewMachine("ACC-1", exec, ctrl, nil, Config{Synchronous: true}, nil)

	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	m.OnOrderRejected(exec.lastPlaced().orderID, "insufficient margin")

	if _, ok := m.Position("ES"); ok {
		t.Fatal("rejected position should be terminal")
	}
	if ctrl.Exposure() != 0 {
		t.Errorf("exposure = %v, want 0 after release", ctrl.Exposure())
	}

	// Capacity freed: the same symbol admits again.
	pos, err := m.HandleEntryAlert(context.Background(), buyAlert(2, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	if err != nil || pos == nil {
		t.Fatalf("re-entry after rejection failed: pos=%v err=%v", pos, err)
	}
}

func TestBrokerFlatClosesAsEODLiquidation(t *testing.T) {
	var results []TradeResult
	m, exec := newTestMachine(capacity.DefaultConfig())
	m.SetTradeHandler(func(r TradeResult) { results = append(results, r) })

	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	m.OnOrderFilled(exec.lastPlaced().orderID, 5020)
	m.OnTick("ES", 5040)

	m.OnBrokerFlat("CON.F.US.EP.H25")

	if _, ok := m.Position("ES"); ok {
		t.Fatal("position should be terminal")
	}
	if len(results) != 1 {
		t.Fatalf("got %d trade results, want 1", len(results))
	}
	if results[0].ExitReason != ExitEODLiquidation {
		t.Errorf("exit reason = %q", results[0].ExitReason)
	}
	if results[0].ExitPrice != 5040 {
		t.Errorf("exit price = %v, want last tick 5040", results[0].ExitPrice)
	}
}

func TestManualCloseAlert(t *testing.T) {
	var results []TradeResult
	m, exec := newTestMachine(capacity.DefaultConfig())
	m.SetTradeHandler(func(r TradeResult) { results = append(results, r) })

	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	m.OnOrderFilled(exec.lastPlaced().orderID, 5020)
	m.OnTick("ES", 5050)

	closeAlert := alerts.Alert{ID: 2, Symbol: "ES", Action: alerts.ActionClose}
	if err := m.HandleCloseAlert(context.Background(), closeAlert); err != nil {
		t.Fatalf("HandleCloseAlert: %v", err)
	}

	if len(results) != 1 || results[0].ExitReason != ExitManualClose {
		t.Fatalf("results = %+v", results)
	}
	exec.mu.Lock()
	closed := len(exec.closed)
	exec.mu.Unlock()
	if closed != 1 {
		t.Errorf("ClosePosition called %d times, want 1", closed)
	}
}

func TestCloseAlertSideFilter(t *testing.T) {
	m, exec := newTestMachine(capacity.DefaultConfig())
	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	m.OnOrderFilled(exec.lastPlaced().orderID, 5020)

	closeShort := alerts.Alert{ID: 2, Symbol: "ES", Action: alerts.ActionCloseShort}
	if err := m.HandleCloseAlert(context.Background(), closeShort); err != nil {
		t.Fatalf("HandleCloseAlert: %v", err)
	}
	if _, ok := m.Position("ES"); !ok {
		t.Error("close_short must not touch a long position")
	}
}

// callbackExecutor lets a test inject an event in the middle of a broker call.
type callbackExecutor struct {
	mockExecutor
	onClose func()
}

func (e *callbackExecutor) ClosePosition(ctx context.Context, contractID string) error {
	if fn := e.onClose; fn != nil {
		e.onClose = nil
		fn()
	}
	return e.mockExecutor.ClosePosition(ctx, contractID)
}

func TestCloseAlertRacingStopTickClosesOnce(t *testing.T) {
	var results []TradeResult
	exec := &callbackExecutor{}
	ctrl := capacity.NewController("ACC-1", capacity.Config{MaxUnits: 10, MaxRetries: 0, RetryStepTicks: 4, RetryFallbackTicks: 12}, nil)
	m := NewMachine("ACC-1", exec, ctrl, nil, Config{Synchronous: true}, nil)
	m.SetTradeHandler(func(r TradeResult) { results = append(results, r) })

	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	m.OnOrderFilled(exec.lastPlaced().orderID, 5020)

	// A stop-breaching tick lands while the manual close is on the wire.
	exec.onClose = func() { m.OnTick("ES", 4959) }

	closeAlert := alerts.Alert{ID: 2, Symbol: "ES", Action: alerts.ActionClose}
	if err := m.HandleCloseAlert(context.Background(), closeAlert); err != nil {
		t.Fatalf("HandleCloseAlert: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("got %d trade results, want exactly 1", len(results))
	}
	if results[0].ExitReason != "sl_hit_from_active" {
		t.Errorf("exit reason = %q, want the stop exit that landed first", results[0].ExitReason)
	}
	if _, ok := m.Position("ES"); ok {
		t.Error("position should be terminal")
	}
	if got := ctrl.Exposure(); got != 0 {
		t.Errorf("exposure = %v, want 0 (capacity released once)", got)
	}
}

func TestEntryRejectedWhileRetryInFlight(t *testing.T) {
	exec := &mockExecutor{}
	ctrl := capacity.NewController("ACC-1", capacity.Config{MaxRetries: 1, RetryStepTicks: 4, RetryFallbackTicks: 12}, nil)
	bus := events.NewBus()
	rejected := make(chan events.AlertRejected, 1)
	bus.Subscribe(events.TypeAlertRejected, func(e events.Event) {
		rejected <- e.(events.AlertRejected)
	})
	m := NewMachine("ACC-1", exec, ctrl, bus, Config{Synchronous: true}, nil)

	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	m.OnOrderFilled(exec.lastPlaced().orderID, 5020)
	m.OnTick("ES", 4959) // stop out, retry pair goes out

	if exec.placedCount() != 3 {
		t.Fatalf("placed %d orders, want 3 (entry + stepped + fallback)", exec.placedCount())
	}

	pos, err := m.HandleEntryAlert(context.Background(), buyAlert(2, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	if err != nil {
		t.Fatalf("HandleEntryAlert: %v", err)
	}
	if pos != nil {
		t.Fatal("entry with retry orders in flight must not create a position")
	}
	if exec.placedCount() != 3 {
		t.Errorf("placed %d orders, want 3 (no new entry order)", exec.placedCount())
	}

	select {
	case e := <-rejected:
		if e.AlertID != 2 || e.Reason != "retry_in_flight" {
			t.Errorf("rejection = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no AlertRejected event")
	}

	// The pair is untouched: its stepped leg still fills normally.
	exec.mu.Lock()
	stepped := exec.placed[1]
	exec.mu.Unlock()
	m.OnOrderFilled(stepped.orderID, stepped.price)
	if got, ok := m.Position("ES"); !ok || got.RetryCount != 1 {
		t.Errorf("retry fill after rejection: ok=%v pos=%+v", ok, got)
	}
}

// legFillExecutor fills the stepped retry leg while the fallback leg is still
// being placed.
type legFillExecutor struct {
	mockExecutor
	machine *Machine
}

func (e *legFillExecutor) PlaceLimitOrder(ctx context.Context, contractID string, side Side, quantity int, price float64) (string, error) {
	if e.placedCount() == 2 { // third call is the fallback leg
		stepped := e.lastPlaced()
		e.machine.OnOrderFilled(stepped.orderID, stepped.price)
	}
	return e.mockExecutor.PlaceLimitOrder(ctx, contractID, side, quantity, price)
}

func TestRetryLegFillDuringSiblingPlacement(t *testing.T) {
	exec := &legFillExecutor{}
	ctrl := capacity.NewController("ACC-1", capacity.Config{MaxRetries: 1, RetryStepTicks: 4, RetryFallbackTicks: 12}, nil)
	m := NewMachine("ACC-1", exec, ctrl, nil, Config{Synchronous: true}, nil)
	exec.machine = m

	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	m.OnOrderFilled(exec.lastPlaced().orderID, 5020)
	m.OnTick("ES", 4959) // stop out; the stepped leg fills mid-placement

	pos, ok := m.Position("ES")
	if !ok {
		t.Fatal("retry position missing")
	}
	if pos.State != StateActive || pos.RetryCount != 1 {
		t.Errorf("state=%s retries=%d, want active/1", pos.State, pos.RetryCount)
	}

	// The fallback leg placed after the fill must not stay resting.
	fallback := exec.lastPlaced()
	exec.mu.Lock()
	cancelled := append([]string(nil), exec.cancelled...)
	exec.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != fallback.orderID {
		t.Errorf("cancelled = %v, want [%s]", cancelled, fallback.orderID)
	}
	if m.HasPendingOrder(fallback.orderID) {
		t.Error("fallback leg still tracked after its pair resolved")
	}
}

func TestCancelEntryReleasesWithoutTrade(t *testing.T) {
	var results []TradeResult
	exec := &mockExecutor{}
	ctrl := capacity.NewController("ACC-1", capacity.Config{MaxUnits: 10, MaxRetries: 0, RetryStepTicks: 4, RetryFallbackTicks: 12}, nil)
	m := NewMachine("ACC-1", exec, ctrl, nil, Config{Synchronous: true}, nil)
	m.SetTradeHandler(func(r TradeResult) { results = append(results, r) })

	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	entryOrder := exec.lastPlaced().orderID

	m.CancelEntry("ES", "window_expired")

	if _, ok := m.Position("ES"); ok {
		t.Fatal("position should be terminal")
	}
	if len(results) != 0 {
		t.Errorf("got %d trade results for unfilled entry, want 0", len(results))
	}
	exec.mu.Lock()
	cancelled := append([]string(nil), exec.cancelled...)
	exec.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != entryOrder {
		t.Errorf("cancelled = %v, want [%s]", cancelled, entryOrder)
	}
	if ctrl.Exposure() != 0 {
		t.Errorf("exposure = %v, want 0", ctrl.Exposure())
	}

	// The symbol is free for the next alert.
	pos, err := m.HandleEntryAlert(context.Background(), buyAlert(2, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	if err != nil || pos == nil {
		t.Fatalf("re-entry after cancel failed: pos=%v err=%v", pos, err)
	}
}

func TestCollectDirtyDrainsOnce(t *testing.T) {
	m, exec := newTestMachine(capacity.DefaultConfig())
	m.HandleEntryAlert(context.Background(), buyAlert(1, "ES", 1), esProfile(), "CON.F.US.EP.H25")
	m.OnOrderFilled(exec.lastPlaced().orderID, 5020)

	dirty := m.CollectDirty()
	if len(dirty) != 1 {
		t.Fatalf("got %d dirty, want 1", len(dirty))
	}
	if got := m.CollectDirty(); len(got) != 0 {
		t.Fatalf("second collect returned %d, want 0", len(got))
	}

	// Terminal position flushes exactly once.
	m.OnTick("ES", 4000)
	dirty = m.CollectDirty()
	if len(dirty) != 1 || !dirty[0].State.IsTerminal() {
		t.Fatalf("terminal collect = %+v", dirty)
	}
	if got := m.CollectDirty(); len(got) != 0 {
		t.Fatalf("terminal position flushed twice: %+v", got)
	}
}
