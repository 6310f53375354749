// Package postgres implements the tryout persistence adapter on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pavelanni/tryout/internal/tryout"
	"github.com/pavelanni/tryout/internal/wallet"
)

// Store is the PostgreSQL implementation of tryout.Persistence and wallet.Ledger.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ tryout.Persistence  = (*Store)(nil)
	_ tryout.ResultSource = (*Store)(nil)
	_ wallet.Ledger       = (*Store)(nil)
)

// New connects to dsn and applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping database: %v", tryout.ErrTransport, err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to postgres", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS packages (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		sections JSONB NOT NULL DEFAULT '[]',
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		price NUMERIC(14,2) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT NOT NULL,
		package_id TEXT NOT NULL REFERENCES packages(id),
		section TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL,
		options JSONB NOT NULL DEFAULT '[]',
		correct_option TEXT NOT NULL,
		points DOUBLE PRECISION NOT NULL DEFAULT 1,
		PRIMARY KEY (package_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_questions_package ON questions(package_id, position);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		package_id TEXT NOT NULL REFERENCES packages(id),
		user_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		started_at TIMESTAMPTZ NOT NULL,
		deadline TIMESTAMPTZ,
		submitted_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_package_status ON sessions(package_id, status);

	CREATE TABLE IF NOT EXISTS answers (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		question_id TEXT NOT NULL,
		selected_option TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, question_id)
	);

	CREATE TABLE IF NOT EXISTS results (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id),
		package_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		sections JSONB NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		max_score DOUBLE PRECISION NOT NULL,
		percentage DOUBLE PRECISION NOT NULL,
		computed_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount NUMERIC(14,2) NOT NULL,
		kind TEXT NOT NULL,
		package_id TEXT,
		promo_code TEXT,
		payment_id TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		package_id TEXT NOT NULL REFERENCES packages(id),
		transaction_id TEXT REFERENCES transactions(id),
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, package_id)
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount NUMERIC(14,2) NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		external_id TEXT NOT NULL DEFAULT '',
		invoice_url TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ NOT NULL,
		paid_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS promo_codes (
		code TEXT PRIMARY KEY,
		discount_percent INTEGER NOT NULL CHECK (discount_percent BETWEEN 1 AND 100),
		max_uses INTEGER NOT NULL DEFAULT 0,
		uses INTEGER NOT NULL DEFAULT 0,
		expires_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// notFound maps pgx.ErrNoRows to tryout.ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %q", tryout.ErrNotFound, what, id)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// parseAmount decodes a NUMERIC column selected as text.
func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode amount %q: %w", s, err)
	}
	return d, nil
}
