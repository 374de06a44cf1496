package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"topstepx-trading-bot/internal/alerts"
	"topstepx-trading-bot/internal/position"
)

// PositionStore persists position snapshots and completed trades, and serves
// archived alerts for replay.
type PositionStore interface {
	UpsertPosition(ctx context.Context, pos position.ManagedPosition) error
	InsertTrade(ctx context.Context, accountID string, trade position.TradeResult) error
	FetchAlerts(ctx context.Context, start, end time.Time, name string) ([]alerts.Alert, error)
}

// Repository is the pgx-backed PositionStore.
type Repository struct {
	db  *DB
	log zerolog.Logger
}

// NewRepository creates a repository over an open database.
func NewRepository(db *DB) *Repository {
	return &Repository{
		db:  db,
		log: zerolog.New(os.Stderr).With().Timestamp().Str("component", "repository").Logger(),
	}
}

// UpsertPosition writes the current snapshot of a position, keyed by its id.
// Re-flushing the same snapshot is harmless, which keeps the write-back queue
// idempotent across retries.
func (r *Repository) UpsertPosition(ctx context.Context, pos position.ManagedPosition) error {
	query := `
		INSERT INTO positions (
			id, account_id, symbol, contract_id, side, quantity,
			target_entry_price, entry_price, tp1_price, tp2_price, tp3_price,
			initial_stop_loss, current_stop_loss, state, exit_price, exit_reason,
			highest_tp, retry_count, alert_id, origin_alert_id,
			advisor_reasoning, advisor_confidence, created_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			entry_price = EXCLUDED.entry_price,
			current_stop_loss = EXCLUDED.current_stop_loss,
			state = EXCLUDED.state,
			exit_price = EXCLUDED.exit_price,
			exit_reason = EXCLUDED.exit_reason,
			highest_tp = EXCLUDED.highest_tp,
			retry_count = EXCLUDED.retry_count,
			advisor_reasoning = EXCLUDED.advisor_reasoning,
			advisor_confidence = EXCLUDED.advisor_confidence,
			closed_at = EXCLUDED.closed_at,
			updated_at = NOW()`

	_, err := r.db.Pool.Exec(ctx, query,
		pos.ID, pos.AccountID, pos.Symbol, pos.ContractID, string(pos.Side), pos.Quantity,
		pos.TargetEntryPrice, nullFloat(pos.EntryPrice), pos.TP1Price, pos.TP2Price, pos.TP3Price,
		pos.InitialStopLoss, pos.CurrentStopLoss, string(pos.State), nullFloat(pos.ExitPrice), nullString(pos.ExitReason),
		pos.HighestTP, pos.RetryCount, pos.AlertID, pos.OriginAlertID,
		nullString(pos.AdvisorReasoning), pos.AdvisorConfidence, pos.CreatedAt, pos.ClosedAt,
	)
	if err != nil {
		r.log.Error().Err(err).Str("symbol", pos.Symbol).Str("state", string(pos.State)).Msg("position upsert failed")
		return fmt.Errorf("failed to upsert position %s: %w", pos.ID, err)
	}
	return nil
}

// InsertTrade records a completed round trip.
func (r *Repository) InsertTrade(ctx context.Context, accountID string, trade position.TradeResult) error {
	query := `
		INSERT INTO trades (
			account_id, symbol, side, entry_price, exit_price,
			entry_time, exit_time, exit_reason, highest_tp,
			gross_pnl, net_pnl, retry_count, origin_alert_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.Pool.Exec(ctx, query,
		accountID, trade.Symbol, string(trade.Side), trade.EntryPrice, trade.ExitPrice,
		trade.EntryTime, trade.ExitTime, trade.ExitReason, trade.HighestTP,
		trade.GrossPnl, trade.NetPnl, trade.RetryCount, trade.OriginAlertID,
	)
	if err != nil {
		r.log.Error().Err(err).Str("symbol", trade.Symbol).Msg("trade insert failed")
		return fmt.Errorf("failed to insert trade for %s: %w", trade.Symbol, err)
	}
	r.log.Info().
		Str("symbol", trade.Symbol).
		Float64("net_pnl", trade.NetPnl).
		Str("exit_reason", trade.ExitReason).
		Msg("trade recorded")
	return nil
}

// FetchAlerts returns archived alerts in [start, end), oldest first,
// optionally filtered by routing tag. Used by the backtest simulator.
func (r *Repository) FetchAlerts(ctx context.Context, start, end time.Time, name string) ([]alerts.Alert, error) {
	query := `
		SELECT id, received_at, symbol, action, quantity,
		       COALESCE(price, 0), COALESCE(name, ''), COALESCE(strategy, ''), COALESCE(raw, '')
		FROM alerts
		WHERE received_at >= $1 AND received_at < $2
		  AND ($3 = '' OR name = $3)
		ORDER BY received_at ASC, id ASC`

	rows, err := r.db.Pool.Query(ctx, query, start, end, name)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch alerts: %w", err)
	}
	defer rows.Close()

	var out []alerts.Alert
	for rows.Next() {
		var a alerts.Alert
		var action string
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.Symbol, &action, &a.Quantity, &a.Price, &a.Name, &a.Strategy, &a.Raw); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		parsed, ok := alerts.ParseAction(action)
		if !ok {
			r.log.Warn().Int64("alert_id", a.ID).Str("action", action).Msg("skipping alert with unknown action")
			continue
		}
		a.Action = parsed
		out = append(out, a)
	}
	return out, rows.Err()
}

// nullFloat maps the zero value to NULL so unset prices stay NULL in SQL.
func nullFloat(v float64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
