package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"topstepx-trading-bot/internal/alerts"
	"topstepx-trading-bot/internal/position"
)

type mockStore struct {
	mu       sync.Mutex
	upserts  []position.ManagedPosition
	trades   []position.TradeResult
	failNext int
}

func (m *mockStore) UpsertPosition(_ context.Context, pos position.ManagedPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return errors.New("connection refused")
	}
	m.upserts = append(m.upserts, pos)
	return nil
}

func (m *mockStore) InsertTrade(_ context.Context, _ string, trade position.TradeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func (m *mockStore) FetchAlerts(context.Context, time.Time, time.Time, string) ([]alerts.Alert, error) {
	return nil, nil
}

type staticSource struct {
	mu    sync.Mutex
	dirty []position.ManagedPosition
}

func (s *staticSource) CollectDirty() []position.ManagedPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.dirty
	s.dirty = nil
	return out
}

func TestFlushWritesDirtyPositionsOnce(t *testing.T) {
	store := &mockStore{}
	q := NewWriteBackQueue(store, time.Minute)
	src := &staticSource{dirty: []position.ManagedPosition{
		{ID: "a", Symbol: "ES", State: position.StateActive},
		{ID: "b", Symbol: "NQ", State: position.StateClosed},
	}}
	q.AddSource(src)

	q.Flush(context.Background())
	if len(store.upserts) != 2 {
		t.Fatalf("upserts = %d, want 2", len(store.upserts))
	}

	// Nothing new: second flush writes nothing.
	q.Flush(context.Background())
	if len(store.upserts) != 2 {
		t.Errorf("upserts after empty flush = %d, want 2", len(store.upserts))
	}
}

func TestFailedWritesAreRequeued(t *testing.T) {
	store := &mockStore{failNext: 1}
	q := NewWriteBackQueue(store, time.Minute)
	src := &staticSource{dirty: []position.ManagedPosition{{ID: "a", Symbol: "ES"}}}
	q.AddSource(src)

	q.Flush(context.Background())
	if len(store.upserts) != 0 {
		t.Fatalf("upserts = %d, want 0 after failure", len(store.upserts))
	}
	if q.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", q.PendingCount())
	}

	q.Flush(context.Background())
	if len(store.upserts) != 1 {
		t.Errorf("upserts = %d, want 1 after retry", len(store.upserts))
	}
	if q.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", q.PendingCount())
	}
}

func TestTradesFlushWithAccount(t *testing.T) {
	store := &mockStore{}
	q := NewWriteBackQueue(store, time.Minute)

	q.EnqueueTrade("ACC-1", position.TradeResult{Symbol: "ES", NetPnl: 150})
	q.Flush(context.Background())

	if len(store.trades) != 1 || store.trades[0].NetPnl != 150 {
		t.Fatalf("trades = %+v", store.trades)
	}
}

func TestStopRunsFinalFlush(t *testing.T) {
	store := &mockStore{}
	q := NewWriteBackQueue(store, time.Hour) // ticker never fires
	src := &staticSource{dirty: []position.ManagedPosition{{ID: "a", Symbol: "ES"}}}
	q.AddSource(src)

	q.Start()
	q.Stop()

	if len(store.upserts) != 1 {
		t.Errorf("upserts = %d, want 1 from shutdown flush", len(store.upserts))
	}
}
