package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			account_id VARCHAR(40) NOT NULL,
			symbol VARCHAR(10) NOT NULL,
			contract_id VARCHAR(40) NOT NULL,
			side VARCHAR(5) NOT NULL,
			quantity INTEGER NOT NULL,
			target_entry_price DECIMAL(16, 4) NOT NULL,
			entry_price DECIMAL(16, 4),
			tp1_price DECIMAL(16, 4),
			tp2_price DECIMAL(16, 4),
			tp3_price DECIMAL(16, 4),
			initial_stop_loss DECIMAL(16, 4),
			current_stop_loss DECIMAL(16, 4),
			state VARCHAR(16) NOT NULL,
			exit_price DECIMAL(16, 4),
			exit_reason VARCHAR(40),
			highest_tp SMALLINT NOT NULL DEFAULT 0,
			retry_count SMALLINT NOT NULL DEFAULT 0,
			alert_id BIGINT,
			origin_alert_id BIGINT,
			advisor_reasoning TEXT,
			advisor_confidence DECIMAL(5, 4),
			created_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			account_id VARCHAR(40) NOT NULL,
			symbol VARCHAR(10) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(16, 4) NOT NULL,
			exit_price DECIMAL(16, 4) NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			exit_time TIMESTAMPTZ NOT NULL,
			exit_reason VARCHAR(40) NOT NULL,
			highest_tp SMALLINT NOT NULL DEFAULT 0,
			gross_pnl DECIMAL(16, 2) NOT NULL,
			net_pnl DECIMAL(16, 2) NOT NULL,
			retry_count SMALLINT NOT NULL DEFAULT 0,
			origin_alert_id BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time)`,

		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			received_at TIMESTAMPTZ NOT NULL,
			symbol VARCHAR(10) NOT NULL,
			action VARCHAR(12) NOT NULL,
			quantity INTEGER NOT NULL DEFAULT 1,
			price DECIMAL(16, 4),
			name VARCHAR(100),
			strategy VARCHAR(100),
			raw TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_received_at ON alerts(received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_symbol ON alerts(symbol)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}
