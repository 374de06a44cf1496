package backtest

import (
	"math"

	"topstepx-trading-bot/internal/position"
)

// SymbolStats is the per-symbol slice of a run's results.
type SymbolStats struct {
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	NetPnl  float64 `json:"net_pnl"`
	WinRate float64 `json:"win_rate"`
}

// Result aggregates one backtest run.
type Result struct {
	AlertsReplayed int                    `json:"alerts_replayed"`
	TotalTrades    int                    `json:"total_trades"`
	WinningTrades  int                    `json:"winning_trades"`
	LosingTrades   int                    `json:"losing_trades"`
	WinRate        float64                `json:"win_rate"`
	GrossProfit    float64                `json:"gross_profit"`
	GrossLoss      float64                `json:"gross_loss"`
	GrossPnl       float64                `json:"gross_pnl"`
	NetPnl         float64                `json:"net_pnl"`
	AvgNetPnl      float64                `json:"avg_net_pnl"`
	ProfitFactor   float64                `json:"profit_factor"`
	SharpeRatio    float64                `json:"sharpe_ratio"`
	MaxDrawdown    float64                `json:"max_drawdown"`
	BySymbol       map[string]SymbolStats `json:"by_symbol"`
	Trades         []position.TradeResult `json:"trades"`
}

// computeResult folds closed trades into aggregate statistics.
func computeResult(trades []position.TradeResult) *Result {
	r := &Result{
		BySymbol: make(map[string]SymbolStats),
		Trades:   trades,
	}

	for _, tr := range trades {
		r.TotalTrades++
		r.GrossPnl += tr.GrossPnl
		r.NetPnl += tr.NetPnl
		if tr.NetPnl > 0 {
			r.WinningTrades++
			r.GrossProfit += tr.NetPnl
		} else if tr.NetPnl < 0 {
			r.LosingTrades++
			r.GrossLoss += -tr.NetPnl
		}

		s := r.BySymbol[tr.Symbol]
		s.Trades++
		if tr.NetPnl > 0 {
			s.Wins++
		}
		s.NetPnl += tr.NetPnl
		r.BySymbol[tr.Symbol] = s
	}

	if r.TotalTrades == 0 {
		return r
	}

	r.WinRate = float64(r.WinningTrades) / float64(r.TotalTrades) * 100
	r.AvgNetPnl = r.NetPnl / float64(r.TotalTrades)
	r.ProfitFactor = profitFactor(r.GrossProfit, r.GrossLoss)
	r.SharpeRatio = annualizedSharpe(trades)
	r.MaxDrawdown = maxDrawdown(trades)

	for symbol, s := range r.BySymbol {
		if s.Trades > 0 {
			s.WinRate = float64(s.Wins) / float64(s.Trades) * 100
		}
		r.BySymbol[symbol] = s
	}
	return r
}

// profitFactor is gross wins over gross losses. With wins and no losses it is
// infinite; with neither it is zero.
func profitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss == 0 {
		if grossProfit > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return grossProfit / grossLoss
}

// annualizedSharpe scales the per-trade mean/stddev ratio by sqrt(252).
// Fewer than two trades, or zero variance, yields zero.
func annualizedSharpe(trades []position.TradeResult) float64 {
	n := len(trades)
	if n < 2 {
		return 0
	}

	var sum float64
	for _, tr := range trades {
		sum += tr.NetPnl
	}
	mean := sum / float64(n)

	var sq float64
	for _, tr := range trades {
		d := tr.NetPnl - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(n-1))
	if stddev == 0 {
		return 0
	}
	return mean / stddev * math.Sqrt(252)
}

// maxDrawdown is the largest peak-to-trough drop of cumulative net P&L.
func maxDrawdown(trades []position.TradeResult) float64 {
	var equity, peak, worst float64
	for _, tr := range trades {
		equity += tr.NetPnl
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > worst {
			worst = dd
		}
	}
	return worst
}
