package database

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"topstepx-trading-bot/internal/position"
)

// DirtySource hands out position snapshots with uncommitted changes.
// The per-account state machines implement it.
type DirtySource interface {
	CollectDirty() []position.ManagedPosition
}

type accountTrade struct {
	accountID string
	trade     position.TradeResult
}

// WriteBackQueue decouples persistence from the event path: state machines
// mark positions dirty in memory, and the queue flushes snapshots and trade
// records on a timer. Failed writes are requeued for the next flush, and a
// final flush runs on shutdown.
type WriteBackQueue struct {
	store    PositionStore
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	sources []DirtySource
	pending []position.ManagedPosition
	trades  []accountTrade

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWriteBackQueue creates a queue flushing on the given interval.
func NewWriteBackQueue(store PositionStore, interval time.Duration) *WriteBackQueue {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &WriteBackQueue{
		store:    store,
		interval: interval,
		log:      zerolog.New(os.Stderr).With().Timestamp().Str("component", "writeback").Logger(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// AddSource registers a dirty-position source.
func (q *WriteBackQueue) AddSource(src DirtySource) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sources = append(q.sources, src)
}

// EnqueueTrade queues a completed trade for insertion on the next flush.
func (q *WriteBackQueue) EnqueueTrade(accountID string, trade position.TradeResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.trades = append(q.trades, accountTrade{accountID: accountID, trade: trade})
}

// Start runs the flush loop until Stop.
func (q *WriteBackQueue) Start() {
	go func() {
		defer close(q.doneChan)
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stopChan:
				// Final flush so nothing dirty is lost on shutdown.
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				q.Flush(ctx)
				cancel()
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), q.interval)
				q.Flush(ctx)
				cancel()
			}
		}
	}()
}

// Stop triggers the final flush and waits for the loop to exit.
func (q *WriteBackQueue) Stop() {
	close(q.stopChan)
	<-q.doneChan
}

// Flush writes all dirty snapshots and queued trades. Failures are kept for
// the next flush; upserts are keyed by position id so re-flushing a snapshot
// is idempotent.
func (q *WriteBackQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	trades := q.trades
	q.trades = nil
	sources := append([]DirtySource(nil), q.sources...)
	q.mu.Unlock()

	for _, src := range sources {
		batch = append(batch, src.CollectDirty()...)
	}

	var failedPositions []position.ManagedPosition
	for _, pos := range batch {
		if err := q.store.UpsertPosition(ctx, pos); err != nil {
			q.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("position flush failed, requeued")
			failedPositions = append(failedPositions, pos)
		}
	}

	var failedTrades []accountTrade
	for _, t := range trades {
		if err := q.store.InsertTrade(ctx, t.accountID, t.trade); err != nil {
			q.log.Warn().Err(err).Str("symbol", t.trade.Symbol).Msg("trade flush failed, requeued")
			failedTrades = append(failedTrades, t)
		}
	}

	if len(failedPositions) > 0 || len(failedTrades) > 0 {
		q.mu.Lock()
		q.pending = append(failedPositions, q.pending...)
		q.trades = append(failedTrades, q.trades...)
		q.mu.Unlock()
	}
}

// PendingCount returns the number of requeued writes awaiting retry.
func (q *WriteBackQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.trades)
}
