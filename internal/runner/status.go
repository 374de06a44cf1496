package runner

import (
	"sort"
	"time"

	"topstepx-trading-bot/internal/position"
)

// AccountStatus is one account's live snapshot for the status API.
type AccountStatus struct {
	Name          string                     `json:"name"`
	Balance       float64                    `json:"balance"`
	Exposure      float64                    `json:"exposure_units"`
	OpenPositions []position.ManagedPosition `json:"open_positions"`
	PendingWrites int                        `json:"pending_writes"`
}

// Status is the runner-wide snapshot served by the status API.
type Status struct {
	Running            bool            `json:"running"`
	DryRun             bool            `json:"dry_run"`
	StartedAt          time.Time       `json:"started_at,omitempty"`
	UptimeSec          int64           `json:"uptime_sec"`
	MarketHubConnected bool            `json:"market_hub_connected"`
	UserHubConnected   bool            `json:"user_hub_connected"`
	Symbols            []string        `json:"symbols"`
	Accounts           []AccountStatus `json:"accounts"`
}

// Status reports the current state of every account.
func (r *Runner) Status() Status {
	r.mu.RLock()
	running := r.running
	startedAt := r.startedAt
	r.mu.RUnlock()

	st := Status{
		Running:   running,
		DryRun:    r.cfg.TradingConfig.DryRun,
		StartedAt: startedAt,
	}
	if running {
		st.UptimeSec = int64(time.Since(startedAt).Seconds())
	}
	if r.marketHub != nil {
		st.MarketHubConnected = r.marketHub.Connected()
	}
	if r.userHub != nil {
		st.UserHubConnected = r.userHub.Connected()
	}

	r.mu.RLock()
	for symbol := range r.contracts {
		st.Symbols = append(st.Symbols, symbol)
	}
	r.mu.RUnlock()
	sort.Strings(st.Symbols)

	for _, res := range r.resources() {
		st.Accounts = append(st.Accounts, AccountStatus{
			Name:          res.account.Name,
			Balance:       res.account.Balance,
			Exposure:      res.capacity.Exposure(),
			OpenPositions: res.machine.OpenPositions(),
			PendingWrites: res.machine.PendingWriteCount(),
		})
	}
	return st
}
