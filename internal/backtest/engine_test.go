package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"topstepx-trading-bot/internal/alerts"
	"topstepx-trading-bot/internal/market"
	"topstepx-trading-bot/internal/position"
)

var alertTime = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

// stubBars serves the lookback window for requests ending at the alert time
// and the replay window for everything else.
type stubBars struct {
	lookback []market.Bar
	after    []market.Bar
}

func (s *stubBars) RetrieveBars(_ context.Context, _ string, _, end time.Time, _, _ int) ([]market.Bar, error) {
	if end.Equal(alertTime) {
		return s.lookback, nil
	}
	return s.after, nil
}

// windowBars serves bars keyed by the requested window, for replays spanning
// more than one alert.
type windowBars struct {
	serve func(start, end time.Time) []market.Bar
}

func (w *windowBars) RetrieveBars(_ context.Context, _ string, start, end time.Time, _, _ int) ([]market.Bar, error) {
	return w.serve(start, end), nil
}

type stubAlerts struct {
	stored []alerts.Alert
}

func (s *stubAlerts) FetchAlerts(context.Context, time.Time, time.Time, string) ([]alerts.Alert, error) {
	return s.stored, nil
}

// uniformBars spread volume evenly across 5000-5100, giving a stable profile.
func uniformBars(n int) []market.Bar {
	return uniformBarsBefore(alertTime, n)
}

func uniformBarsBefore(end time.Time, n int) []market.Bar {
	bars := make([]market.Bar, n)
	for i := range bars {
		bars[i] = market.Bar{
			Timestamp: end.Add(time.Duration(i-n) * time.Minute),
			Open:      5050, High: 5100, Low: 5000, Close: 5050,
			Volume: 100,
		}
	}
	return bars
}

func barAt(base time.Time, minute int, low, high, close float64) market.Bar {
	return market.Bar{
		Timestamp: base.Add(time.Duration(minute) * time.Minute),
		Open:      close, High: high, Low: low, Close: close,
		Volume: 50,
	}
}

func afterBar(minute int, low, high, close float64) market.Bar {
	return barAt(alertTime, minute, low, high, close)
}

func baseConfig() Config {
	return Config{
		Start:      alertTime.Add(-24 * time.Hour),
		End:        alertTime.Add(24 * time.Hour),
		Quantity:   1,
		FeePerSide: 1.40,
	}
}

func TestRunWinningTrade(t *testing.T) {
	bars := &stubBars{
		lookback: uniformBars(30),
		after: []market.Bar{
			// Dips just under the value-area-low entry, then rallies through
			// every target before the window closes.
			afterBar(1, 5001, 5010, 5005),
			afterBar(2, 5040, 5200, 5150),
			afterBar(3, 5140, 5210, 5180),
		},
	}
	src := &stubAlerts{stored: []alerts.Alert{
		{ID: 1, Timestamp: alertTime, Symbol: "ES", Action: alerts.ActionBuy, Quantity: 1},
	}}

	engine := NewEngine(baseConfig(), bars, src)
	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.AlertsReplayed != 1 || result.TotalTrades != 1 {
		t.Fatalf("replayed=%d trades=%d, want 1/1", result.AlertsReplayed, result.TotalTrades)
	}
	if result.WinningTrades != 1 {
		t.Errorf("wins = %d, want 1", result.WinningTrades)
	}
	if !math.IsInf(result.ProfitFactor, 1) {
		t.Errorf("profit factor = %v, want +Inf", result.ProfitFactor)
	}
	tr := result.Trades[0]
	if tr.HighestTP != 3 {
		t.Errorf("highest tp = %d, want 3", tr.HighestTP)
	}
	if tr.NetPnl <= 0 {
		t.Errorf("net pnl = %v, want positive", tr.NetPnl)
	}
	if s := result.BySymbol["ES"]; s.Trades != 1 || s.Wins != 1 {
		t.Errorf("symbol stats = %+v", s)
	}
}

func TestRunLosingTrade(t *testing.T) {
	bars := &stubBars{
		lookback: uniformBars(30),
		after: []market.Bar{
			afterBar(1, 5001, 5010, 5005),
			afterBar(2, 4800, 5005, 4850), // straight through the stop
		},
	}
	src := &stubAlerts{stored: []alerts.Alert{
		{ID: 1, Timestamp: alertTime, Symbol: "ES", Action: alerts.ActionBuy, Quantity: 1},
	}}

	engine := NewEngine(baseConfig(), bars, src)
	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.LosingTrades != 1 || result.WinningTrades != 0 {
		t.Fatalf("wins=%d losses=%d, want 0/1", result.WinningTrades, result.LosingTrades)
	}
	if result.ProfitFactor != 0 {
		t.Errorf("profit factor = %v, want 0", result.ProfitFactor)
	}
	if result.Trades[0].ExitReason != "sl_hit_from_active" {
		t.Errorf("exit reason = %s", result.Trades[0].ExitReason)
	}
}

func TestRunSymbolFilter(t *testing.T) {
	cfg := baseConfig()
	cfg.Symbols = []string{"NQ"}

	src := &stubAlerts{stored: []alerts.Alert{
		{ID: 1, Timestamp: alertTime, Symbol: "ES", Action: alerts.ActionBuy},
	}}
	engine := NewEngine(cfg, &stubBars{lookback: uniformBars(30)}, src)

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.AlertsReplayed != 0 || result.TotalTrades != 0 {
		t.Errorf("replayed=%d trades=%d, want 0/0", result.AlertsReplayed, result.TotalTrades)
	}
}

func TestUnfilledEntryExpiresBeforeNextAlert(t *testing.T) {
	secondTime := alertTime.Add(6 * time.Hour)

	bars := &windowBars{serve: func(start, end time.Time) []market.Bar {
		switch {
		case end.Equal(alertTime):
			return uniformBars(30)
		case end.Equal(secondTime):
			return uniformBarsBefore(secondTime, 30)
		case start.Equal(alertTime):
			// First window never trades down to the entry.
			return []market.Bar{
				barAt(alertTime, 1, 5040, 5060, 5050),
				barAt(alertTime, 2, 5045, 5070, 5055),
			}
		default:
			// Second window fills the entry and rallies through every target.
			return []market.Bar{
				barAt(secondTime, 1, 5001, 5010, 5005),
				barAt(secondTime, 2, 5040, 5200, 5150),
			}
		}
	}}
	src := &stubAlerts{stored: []alerts.Alert{
		{ID: 1, Timestamp: alertTime, Symbol: "ES", Action: alerts.ActionBuy, Quantity: 1},
		{ID: 2, Timestamp: secondTime, Symbol: "ES", Action: alerts.ActionBuy, Quantity: 1},
	}}

	engine := NewEngine(baseConfig(), bars, src)
	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.AlertsReplayed != 2 {
		t.Fatalf("replayed = %d, want 2 (expired entry must not block later alerts)", result.AlertsReplayed)
	}
	if result.TotalTrades != 1 {
		t.Fatalf("trades = %d, want 1 (an entry that never filled cannot trade)", result.TotalTrades)
	}
	if got := result.Trades[0].OriginAlertID; got != 2 {
		t.Errorf("origin alert = %d, want 2", got)
	}
}

func TestRunSkipsAlertWithoutBars(t *testing.T) {
	src := &stubAlerts{stored: []alerts.Alert{
		{ID: 1, Timestamp: alertTime, Symbol: "ES", Action: alerts.ActionBuy},
	}}
	// Too few lookback bars for a profile: alert is skipped, not fatal.
	engine := NewEngine(baseConfig(), &stubBars{lookback: uniformBars(3)}, src)

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TotalTrades != 0 {
		t.Errorf("trades = %d, want 0", result.TotalTrades)
	}
}

func trade(net float64) position.TradeResult {
	return position.TradeResult{Symbol: "ES", NetPnl: net}
}

func TestComputeResultAllWins(t *testing.T) {
	r := computeResult([]position.TradeResult{trade(150), trade(60)})

	if !math.IsInf(r.ProfitFactor, 1) {
		t.Errorf("profit factor = %v, want +Inf", r.ProfitFactor)
	}
	if r.WinRate != 100 {
		t.Errorf("win rate = %v, want 100", r.WinRate)
	}
	if r.NetPnl != 210 {
		t.Errorf("net pnl = %v, want 210", r.NetPnl)
	}
	if r.MaxDrawdown != 0 {
		t.Errorf("drawdown = %v, want 0", r.MaxDrawdown)
	}
}

func TestComputeResultMixed(t *testing.T) {
	r := computeResult([]position.TradeResult{trade(100), trade(-50), trade(-25), trade(80)})

	if r.ProfitFactor != 180.0/75.0 {
		t.Errorf("profit factor = %v, want %v", r.ProfitFactor, 180.0/75.0)
	}
	if r.WinRate != 50 {
		t.Errorf("win rate = %v, want 50", r.WinRate)
	}
	if r.MaxDrawdown != 75 {
		t.Errorf("drawdown = %v, want 75", r.MaxDrawdown)
	}

	want := func() float64 {
		vals := []float64{100, -50, -25, 80}
		mean := (100.0 - 50 - 25 + 80) / 4
		var sq float64
		for _, v := range vals {
			sq += (v - mean) * (v - mean)
		}
		return mean / math.Sqrt(sq/3) * math.Sqrt(252)
	}()
	if math.Abs(r.SharpeRatio-want) > 1e-9 {
		t.Errorf("sharpe = %v, want %v", r.SharpeRatio, want)
	}
}

func TestComputeResultSeparatesGrossAndNet(t *testing.T) {
	r := computeResult([]position.TradeResult{
		{Symbol: "ES", GrossPnl: 100, NetPnl: 97.2},
		{Symbol: "ES", GrossPnl: -50, NetPnl: -52.8},
	})

	if r.GrossPnl != 50 {
		t.Errorf("gross pnl = %v, want 50", r.GrossPnl)
	}
	if math.Abs(r.NetPnl-44.4) > 1e-9 {
		t.Errorf("net pnl = %v, want 44.4", r.NetPnl)
	}
}

func TestComputeResultEmpty(t *testing.T) {
	r := computeResult(nil)
	if r.ProfitFactor != 0 || r.SharpeRatio != 0 || r.TotalTrades != 0 {
		t.Errorf("result = %+v, want zeros", r)
	}
}
