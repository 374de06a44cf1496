// Package runner orchestrates live trading: one broker session shared by all
// accounts, two websocket hubs, alert routing, tick fan-out, persistence
// write-back, and periodic broker reconciliation.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"topstepx-trading-bot/config"
	"topstepx-trading-bot/internal/ai"
	"topstepx-trading-bot/internal/alerts"
	"topstepx-trading-bot/internal/capacity"
	"topstepx-trading-bot/internal/contracts"
	"topstepx-trading-bot/internal/database"
	"topstepx-trading-bot/internal/events"
	"topstepx-trading-bot/internal/logging"
	"topstepx-trading-bot/internal/market"
	"topstepx-trading-bot/internal/position"
	"topstepx-trading-bot/internal/projectx"
)

// Broker is the REST surface the runner needs. *projectx.Client implements it.
type Broker interface {
	SearchAccounts(ctx context.Context) ([]projectx.Account, error)
	PlaceOrder(ctx context.Context, req projectx.OrderRequest) (int64, error)
	CancelOrder(ctx context.Context, accountID, orderID int64) error
	CloseContract(ctx context.Context, accountID int64, contractID string) error
	SearchOpenPositions(ctx context.Context, accountID int64) ([]projectx.BrokerPosition, error)
	RetrieveBars(ctx context.Context, contractID string, start, end time.Time, unitNumber, limit int) ([]market.Bar, error)
	SearchContracts(ctx context.Context, searchText string) ([]projectx.Contract, error)
}

// Hub is the subset of hub behavior the runner drives.
type Hub interface {
	Start() error
	Stop()
}

// accountResources bundles everything owned by one trading account. Every
// account gets the identical set; there are no special cases per account.
type accountResources struct {
	account  projectx.Account
	tag      string // routing tag; empty accepts every alert
	machine  *position.Machine
	capacity *capacity.Controller
}

// Runner wires the components together and routes events between them.
type Runner struct {
	cfg    *config.Config
	broker Broker
	bus    *events.Bus
	log    *logging.Logger

	marketHub interface {
		Hub
		SubscribeContract(string) error
		Connected() bool
	}
	userHub interface {
		Hub
		SubscribeAccount(int64) error
		Connected() bool
	}

	feed      alerts.Feed
	queue     *database.WriteBackQueue
	snapshots *database.RedisSnapshotRepository
	analyzer  *ai.Analyzer

	mu        sync.RWMutex
	accounts  []*accountResources
	contracts map[string]string // symbol -> contract id
	symbols   map[string]string // contract id -> symbol
	running   bool
	startedAt time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Options carries the optional collaborators.
type Options struct {
	Queue     *database.WriteBackQueue
	Snapshots *database.RedisSnapshotRepository
	Analyzer  *ai.Analyzer
}

// New creates a runner.
func New(cfg *config.Config, broker Broker, marketHub *projectx.MarketHub, userHub *projectx.UserHub, feed alerts.Feed, bus *events.Bus, opts Options) *Runner {
	r := &Runner{
		cfg:       cfg,
		broker:    broker,
		bus:       bus,
		log:       logging.WithComponent("runner"),
		feed:      feed,
		queue:     opts.Queue,
		snapshots: opts.Snapshots,
		analyzer:  opts.Analyzer,
		contracts: make(map[string]string),
		symbols:   make(map[string]string),
		stopChan:  make(chan struct{}),
	}
	if marketHub != nil {
		marketHub.SetQuoteCallback(r.onQuote)
		r.marketHub = marketHub
	}
	if userHub != nil {
		userHub.SetOrderCallback(r.onOrderUpdate)
		userHub.SetPositionCallback(r.onPositionUpdate)
		r.userHub = userHub
	}
	return r
}

// Start authenticates, builds per-account resources, opens both hubs, and
// begins consuming alerts.
func (r *Runner) Start(ctx context.Context) error {
	accounts, err := r.broker.SearchAccounts(ctx)
	if err != nil {
		return fmt.Errorf("account discovery failed: %w", err)
	}

	selected := filterAccounts(accounts, r.cfg.TradingConfig.Accounts)
	if len(selected) == 0 {
		return fmt.Errorf("no tradable accounts matched (have %d, want %v)", len(accounts), r.cfg.TradingConfig.Accounts)
	}

	capCfg := capacity.Config{
		MaxUnits:           r.cfg.TradingConfig.MaxUnits,
		MaxRetries:         r.cfg.TradingConfig.MaxRetries,
		RetryStepTicks:     r.cfg.TradingConfig.RetryStepTicks,
		RetryFallbackTicks: r.cfg.TradingConfig.RetryFallbackTicks,
	}

	r.mu.Lock()
	for _, acct := range selected {
		ctrl := capacity.NewController(acct.Name, capCfg, r.bus)
		exec := r.newExecutor(acct.ID)
		machine := position.NewMachine(acct.Name, exec, ctrl, r.bus, position.Config{
			StopBufferTicks: r.cfg.TradingConfig.StopBufferTicks,
			FeePerSide:      r.cfg.TradingConfig.FeePerSide,
		}, r.log)

		if r.queue != nil {
			r.queue.AddSource(machine)
			name := acct.Name
			machine.SetTradeHandler(func(tr position.TradeResult) {
				r.queue.EnqueueTrade(name, tr)
			})
		}

		r.accounts = append(r.accounts, &accountResources{
			account:  acct,
			tag:      r.cfg.TradingConfig.AccountTags[acct.Name],
			machine:  machine,
			capacity: ctrl,
		})
		r.log.Info("account ready", "account", acct.Name, "balance", acct.Balance,
			"tag", r.cfg.TradingConfig.AccountTags[acct.Name])
	}
	r.running = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	if r.userHub != nil {
		if err := r.userHub.Start(); err != nil {
			return fmt.Errorf("user hub start failed: %w", err)
		}
		for _, res := range r.resources() {
			if err := r.userHub.SubscribeAccount(res.account.ID); err != nil {
				r.log.Error("user hub subscribe failed", "account", res.account.Name, "error", err)
			}
		}
	}
	if r.marketHub != nil {
		if err := r.marketHub.Start(); err != nil {
			return fmt.Errorf("market hub start failed: %w", err)
		}
	}

	// Pre-resolve configured symbols so their quote streams are live before
	// the first alert.
	for _, symbol := range r.cfg.TradingConfig.Symbols {
		if _, err := r.resolveContract(ctx, symbol); err != nil {
			r.log.Warn("symbol pre-resolution failed", "symbol", symbol, "error", err)
		}
	}

	if err := r.feed.Subscribe(r.handleAlert); err != nil {
		return fmt.Errorf("alert feed subscribe failed: %w", err)
	}

	r.wg.Add(1)
	go r.reconcileLoop()

	if r.queue != nil {
		r.queue.Start()
	}

	r.publish(events.Lifecycle{At: time.Now(), Started: true})
	r.log.Info("runner started",
		"accounts", len(r.resources()), "dry_run", r.cfg.TradingConfig.DryRun)
	return nil
}

// Stop shuts everything down in dependency order, finishing with the
// persistence flush.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.feed.Unsubscribe()
	if r.marketHub != nil {
		r.marketHub.Stop()
	}
	if r.userHub != nil {
		r.userHub.Stop()
	}
	r.wg.Wait()

	if r.queue != nil {
		r.queue.Stop()
	}

	r.publish(events.Lifecycle{At: time.Now(), Started: false})
	r.log.Info("runner stopped")
}

// handleAlert routes one alert into the account machines. Entries get a
// freshly computed volume profile and go to the accounts whose routing tag
// matches; closes fan out to all accounts so a flatten always lands even when
// only some accounts hold the position.
func (r *Runner) handleAlert(alert alerts.Alert) {
	if tag := r.cfg.TradingConfig.AlertName; tag != "" && alert.Name != tag {
		r.log.Debug("alert skipped by routing tag", "alert_id", alert.ID, "name", alert.Name)
		return
	}
	if alert.Quantity <= 0 {
		alert.Quantity = r.cfg.TradingConfig.DefaultQuantity
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case alert.IsEntry():
		r.handleEntry(ctx, alert)
	case alert.IsClose():
		for _, res := range r.resources() {
			if err := res.machine.HandleCloseAlert(ctx, alert); err != nil {
				r.log.Error("close alert failed", "account", res.account.Name, "symbol", alert.Symbol, "error", err)
			}
		}
	default:
		r.log.Warn("alert with unknown action dropped", "alert_id", alert.ID, "action", string(alert.Action))
	}
}

func (r *Runner) handleEntry(ctx context.Context, alert alerts.Alert) {
	contractID, err := r.resolveContract(ctx, alert.Symbol)
	if err != nil {
		r.log.Error("contract resolution failed, alert dropped", "symbol", alert.Symbol, "error", err)
		return
	}

	profile, err := r.buildProfile(ctx, contractID)
	if err != nil {
		r.log.Error("profile computation failed, alert dropped", "symbol", alert.Symbol, "error", err)
		return
	}

	for _, res := range r.routeAlert(alert) {
		pos, err := res.machine.HandleEntryAlert(ctx, alert, profile, contractID)
		if err != nil {
			r.log.Error("entry alert failed", "account", res.account.Name, "symbol", alert.Symbol, "error", err)
			continue
		}
		if pos != nil && r.analyzer != nil {
			r.analyzer.Analyze(res.machine, ai.TradeContext{
				Symbol:     pos.Symbol,
				Side:       string(pos.Side),
				EntryPrice: pos.TargetEntryPrice,
				TP1Price:   pos.TP1Price,
				StopLoss:   pos.InitialStopLoss,
				Profile:    profile,
			})
		}
	}
}

// routeAlert selects the accounts whose routing tag matches the alert's tag.
// Untagged accounts accept every alert, and a sole account receives
// everything regardless of tags.
func (r *Runner) routeAlert(alert alerts.Alert) []*accountResources {
	all := r.resources()
	if len(all) <= 1 {
		return all
	}
	var out []*accountResources
	for _, res := range all {
		if res.tag == "" || res.tag == alert.Name {
			out = append(out, res)
		}
	}
	return out
}

// resolveContract maps a symbol to its front-month contract id, preferring
// the static registry and falling back to a live gateway search for symbols
// the registry does not know. Resolved ids are cached and their quote
// streams subscribed.
func (r *Runner) resolveContract(ctx context.Context, symbol string) (string, error) {
	r.mu.RLock()
	id, ok := r.contracts[symbol]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := contracts.FrontMonthID(symbol, time.Now())
	if err != nil {
		found, searchErr := r.broker.SearchContracts(ctx, symbol)
		if searchErr != nil {
			return "", fmt.Errorf("unknown symbol %s and contract search failed: %w", symbol, searchErr)
		}
		for _, c := range found {
			if c.ActiveMonth {
				id = c.ID
				break
			}
		}
		if id == "" {
			return "", fmt.Errorf("no active contract found for %s", symbol)
		}
	}

	r.mu.Lock()
	r.contracts[symbol] = id
	r.symbols[id] = symbol
	r.mu.Unlock()

	if r.marketHub != nil {
		if err := r.marketHub.SubscribeContract(id); err != nil {
			r.log.Error("quote subscribe failed", "contract_id", id, "error", err)
		}
	}
	r.log.Info("contract resolved", "symbol", symbol, "contract_id", id)
	return id, nil
}

// buildProfile fetches recent minute bars and computes the volume profile.
func (r *Runner) buildProfile(ctx context.Context, contractID string) (*market.VolumeProfile, error) {
	lookback := time.Duration(r.cfg.TradingConfig.ProfileLookbackMin) * time.Minute
	end := time.Now()
	bars, err := r.broker.RetrieveBars(ctx, contractID, end.Add(-lookback), end, 1, r.cfg.TradingConfig.ProfileLookbackMin)
	if err != nil {
		return nil, err
	}

	profileCfg := market.DefaultProfileConfig()
	if r.cfg.TradingConfig.ProfileBinCount > 0 {
		profileCfg.BinCount = r.cfg.TradingConfig.ProfileBinCount
	}
	return market.ComputeVolumeProfile(bars, profileCfg)
}

// onQuote fans a price tick out to every account's machine.
func (r *Runner) onQuote(q projectx.Quote) {
	r.mu.RLock()
	symbol, ok := r.symbols[q.ContractID]
	r.mu.RUnlock()
	if !ok || q.LastPrice == 0 {
		return
	}
	for _, res := range r.resources() {
		res.machine.OnTick(symbol, q.LastPrice)
	}
}

// onOrderUpdate routes an order event to the machine holding that order.
func (r *Runner) onOrderUpdate(update projectx.OrderUpdate) {
	orderID := strconv.FormatInt(update.ID, 10)

	for _, res := range r.resources() {
		if !res.machine.HasPendingOrder(orderID) {
			continue
		}
		switch update.Status {
		case projectx.OrderStatusFilled:
			res.machine.OnOrderFilled(orderID, update.FilledPrice)
		case projectx.OrderStatusRejected:
			res.machine.OnOrderRejected(orderID, update.ErrorMessage)
		case projectx.OrderStatusExpired:
			res.machine.OnOrderRejected(orderID, "order expired")
		}
		return
	}
}

// onPositionUpdate handles broker position events; a zero size means the
// broker flattened the contract (EOD liquidation, manual intervention).
func (r *Runner) onPositionUpdate(update projectx.PositionUpdate) {
	if update.Size != 0 {
		return
	}
	all := r.resources()
	for _, res := range all {
		if res.account.ID == update.AccountID {
			res.machine.OnBrokerFlat(update.ContractID)
			return
		}
	}
	// Unrecognized account id: offer the flatten to every machine. Machines
	// that do not track the contract ignore it.
	r.log.Warn("flatten event for unknown account, checking all accounts",
		"account_id", update.AccountID, "contract_id", update.ContractID)
	for _, res := range all {
		res.machine.OnBrokerFlat(update.ContractID)
	}
}

// reconcileLoop periodically compares local state against the broker. A
// tracked position the broker no longer holds is closed locally; a broker
// position the bot does not track is surfaced but never acted on.
func (r *Runner) reconcileLoop() {
	defer r.wg.Done()

	interval := r.cfg.TradingConfig.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.reconcileOnce()
		}
	}
}

func (r *Runner) reconcileOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	for _, res := range r.resources() {
		brokerPositions, err := r.broker.SearchOpenPositions(ctx, res.account.ID)
		if err != nil {
			r.log.Error("reconciliation fetch failed", "account", res.account.Name, "error", err)
			continue
		}

		held := make(map[string]projectx.BrokerPosition, len(brokerPositions))
		for _, bp := range brokerPositions {
			held[bp.ContractID] = bp
		}

		tracked := make(map[string]bool)
		for _, contractID := range res.machine.TrackedContracts() {
			tracked[contractID] = true
			if _, ok := held[contractID]; !ok {
				res.machine.OnBrokerFlat(contractID)
			}
		}

		for contractID, bp := range held {
			if !tracked[contractID] {
				r.log.Warn("broker holds untracked position",
					"account", res.account.Name, "contract_id", contractID, "size", bp.Size)
				r.publish(events.ReconcileMismatch{
					At: time.Now(), AccountID: res.account.Name,
					ContractID: contractID, BrokerSize: float64(bp.Size),
				})
			}
		}

		if r.snapshots != nil {
			if err := r.snapshots.SaveSnapshot(ctx, res.account.Name, res.machine.OpenPositions()); err != nil {
				r.log.Warn("snapshot save failed", "account", res.account.Name, "error", err)
			}
		}
	}
}

func (r *Runner) resources() []*accountResources {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*accountResources(nil), r.accounts...)
}

func (r *Runner) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

func filterAccounts(all []projectx.Account, names []string) []projectx.Account {
	var out []projectx.Account
	for _, acct := range all {
		if !acct.CanTrade {
			continue
		}
		if len(names) == 0 {
			out = append(out, acct)
			continue
		}
		for _, name := range names {
			if acct.Name == name {
				out = append(out, acct)
				break
			}
		}
	}
	return out
}
