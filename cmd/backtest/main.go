// Command backtest replays stored alerts through the live decision rules
// against historical bars fetched from the gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"topstepx-trading-bot/config"
	"topstepx-trading-bot/internal/backtest"
	"topstepx-trading-bot/internal/database"
	"topstepx-trading-bot/internal/projectx"

	"github.com/joho/godotenv"
)

const dateLayout = "2006-01-02"

func main() {
	godotenv.Load()
	godotenv.Load(".env")

	var (
		startStr  = flag.String("start", "", "start date (YYYY-MM-DD), required")
		endStr    = flag.String("end", "", "end date (YYYY-MM-DD), required")
		alertName = flag.String("alert-name", "", "only replay alerts with this routing tag")
		symbols   = flag.String("symbols", "", "comma-separated symbol filter (empty = all)")
		quantity  = flag.Int("quantity", 1, "contracts per entry when the alert has none")
		maxUnits  = flag.Float64("max-units", 0, "exposure ceiling in micro units (0 = unlimited)")
		retries   = flag.Int("max-retries", 2, "re-entry budget per signal chain")
		stopTicks = flag.Int("stop-buffer-ticks", 0, "stop distance in ticks (0 mirrors the TP1 distance)")
		fees      = flag.Float64("fee-per-side", 1.40, "commission per side per contract")
		lookback  = flag.Int("lookback", 120, "profile window in minutes before each alert")
		horizon   = flag.Int("horizon", 240, "replay window in minutes after each entry")
	)
	flag.Parse()

	start, err := time.Parse(dateLayout, *startStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid -start date, expected YYYY-MM-DD")
		os.Exit(1)
	}
	end, err := time.Parse(dateLayout, *endStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid -end date, expected YYYY-MM-DD")
		os.Exit(1)
	}
	end = end.Add(24 * time.Hour) // inclusive end day

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.GatewayConfig.UserName == "" || cfg.GatewayConfig.APIKey == "" {
		fmt.Fprintln(os.Stderr, "GATEWAY_USERNAME and GATEWAY_API_KEY required")
		os.Exit(1)
	}

	broker := projectx.NewClientWithBaseURL(cfg.GatewayConfig.UserName, cfg.GatewayConfig.APIKey, cfg.GatewayConfig.BaseURL)
	ctx := context.Background()
	if err := broker.Authenticate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gateway auth: %v\n", err)
		os.Exit(1)
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	btCfg := backtest.Config{
		Start:              start,
		End:                end,
		AlertName:          *alertName,
		Quantity:           *quantity,
		MaxUnits:           *maxUnits,
		MaxRetries:         *retries,
		RetryStepTicks:     cfg.TradingConfig.RetryStepTicks,
		RetryFallbackTicks: cfg.TradingConfig.RetryFallbackTicks,
		StopBufferTicks:    *stopTicks,
		FeePerSide:         *fees,
		LookbackBars:       *lookback,
		HorizonBars:        *horizon,
		BinCount:           cfg.TradingConfig.ProfileBinCount,
	}
	if *symbols != "" {
		btCfg.Symbols = splitSymbols(*symbols)
	}

	engine := backtest.NewEngine(btCfg, broker, repo)
	result, err := engine.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
		os.Exit(1)
	}

	printResult(result, start, end)
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printResult(r *backtest.Result, start, end time.Time) {
	fmt.Printf("Backtest %s to %s\n", start.Format(dateLayout), end.Add(-24*time.Hour).Format(dateLayout))
	fmt.Printf("Alerts replayed:  %d\n", r.AlertsReplayed)
	fmt.Printf("Trades:           %d (%d wins / %d losses)\n", r.TotalTrades, r.WinningTrades, r.LosingTrades)
	fmt.Printf("Win rate:         %.1f%%\n", r.WinRate)
	fmt.Printf("Gross P&L:        %+.2f\n", r.GrossPnl)
	fmt.Printf("Net P&L:          %+.2f (avg %+.2f per trade)\n", r.NetPnl, r.AvgNetPnl)
	if math.IsInf(r.ProfitFactor, 1) {
		fmt.Printf("Profit factor:    inf (no losing trades)\n")
	} else {
		fmt.Printf("Profit factor:    %.2f\n", r.ProfitFactor)
	}
	fmt.Printf("Sharpe (annual):  %.2f\n", r.SharpeRatio)
	fmt.Printf("Max drawdown:     %.2f\n", r.MaxDrawdown)

	if len(r.BySymbol) > 0 {
		fmt.Println("\nPer symbol:")
		symbols := make([]string, 0, len(r.BySymbol))
		for sym := range r.BySymbol {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		for _, sym := range symbols {
			s := r.BySymbol[sym]
			fmt.Printf("  %-5s trades=%-3d wins=%-3d win_rate=%.1f%% net=%+.2f\n",
				sym, s.Trades, s.Wins, s.WinRate, s.NetPnl)
		}
	}
}
