package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/tryout/internal/tryout"

	_ "modernc.org/sqlite"
)

// Store is the SQLite implementation of tryout.Persistence and wallet.Ledger.
type Store struct {
	db *sql.DB
}

var _ tryout.Persistence = (*Store)(nil)

// New opens (or creates) the database at dbPath and applies the schema.
// Use ":memory:" for a throwaway database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS packages (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		sections TEXT NOT NULL DEFAULT '[]',
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		price TEXT NOT NULL DEFAULT '0',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT NOT NULL,
		package_id TEXT NOT NULL,
		section TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		correct_option TEXT NOT NULL,
		points REAL NOT NULL DEFAULT 1,
		PRIMARY KEY (package_id, id),
		FOREIGN KEY (package_id) REFERENCES packages(id)
	);
	CREATE INDEX IF NOT EXISTS idx_questions_package ON questions(package_id, position);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		package_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		started_at DATETIME NOT NULL,
		deadline DATETIME,
		submitted_at DATETIME,
		FOREIGN KEY (package_id) REFERENCES packages(id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_package_status ON sessions(package_id, status);

	CREATE TABLE IF NOT EXISTS answers (
		session_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		selected_option TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, question_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS results (
		session_id TEXT PRIMARY KEY,
		package_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		sections TEXT NOT NULL,
		score REAL NOT NULL,
		max_score REAL NOT NULL,
		percentage REAL NOT NULL,
		computed_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		package_id TEXT,
		promo_code TEXT,
		payment_id TEXT UNIQUE,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		package_id TEXT NOT NULL,
		transaction_id TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (user_id, package_id),
		FOREIGN KEY (package_id) REFERENCES packages(id),
		FOREIGN KEY (transaction_id) REFERENCES transactions(id)
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		external_id TEXT NOT NULL DEFAULT '',
		invoice_url TEXT NOT NULL DEFAULT '',
		expires_at DATETIME NOT NULL,
		paid_at DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS promo_codes (
		code TEXT PRIMARY KEY,
		discount_percent INTEGER NOT NULL,
		max_uses INTEGER NOT NULL DEFAULT 0,
		uses INTEGER NOT NULL DEFAULT 0,
		expires_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// notFound maps sql.ErrNoRows to tryout.ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %q", tryout.ErrNotFound, what, id)
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
