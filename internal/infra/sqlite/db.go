// Package sqlite provides SQLite-based persistent storage for Ziggurat.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db, now: time.Now}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Intake queue: tasks pulled from the marketplace
		`CREATE TABLE IF NOT EXISTS tasks (
			id                 TEXT PRIMARY KEY,
			agent_id           TEXT NOT NULL DEFAULT '',
			input_data         TEXT NOT NULL,
			complexity_tier    TEXT NOT NULL,
			requested_currency TEXT NOT NULL,
			discovered_at      INTEGER NOT NULL,
			queue_state        TEXT NOT NULL DEFAULT 'DISCOVERED',
			claimed_at         INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(queue_state, discovered_at)`,

		// One terminal record per task
		`CREATE TABLE IF NOT EXISTS task_records (
			task_id         TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			status          TEXT NOT NULL,
			metrics         TEXT,
			quote           TEXT,
			fingerprint     TEXT,
			consensus       INTEGER,
			idempotency_key TEXT,
			error           TEXT,
			started_at      INTEGER NOT NULL,
			completed_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_status ON task_records(status)`,
		`CREATE INDEX IF NOT EXISTS idx_records_agent ON task_records(agent_id, completed_at)`,

		// Verification records keyed by explanation fingerprint
		`CREATE TABLE IF NOT EXISTS verification_records (
			fingerprint TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL,
			threshold   REAL NOT NULL,
			round       INTEGER NOT NULL DEFAULT 1,
			consensus   INTEGER NOT NULL DEFAULT 0,
			decided_at  INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS attestations (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint  TEXT NOT NULL REFERENCES verification_records(fingerprint),
			round        INTEGER NOT NULL,
			network_id   TEXT NOT NULL,
			agree        INTEGER NOT NULL,
			responded_at INTEGER NOT NULL,
			error        TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attestations_fp ON attestations(fingerprint, id)`,

		// Payment ledger: at most one row per idempotency key
		`CREATE TABLE IF NOT EXISTS payments (
			idempotency_key    TEXT PRIMARY KEY,
			task_id            TEXT NOT NULL,
			agent_id           TEXT NOT NULL,
			status             TEXT NOT NULL,
			rail               TEXT NOT NULL,
			quote_amount       INTEGER NOT NULL,
			quote_currency     TEXT NOT NULL,
			settled_amount     INTEGER NOT NULL DEFAULT 0,
			settled_currency   TEXT NOT NULL DEFAULT '',
			rate               REAL NOT NULL DEFAULT 0,
			external_reference TEXT NOT NULL DEFAULT '',
			attempts           INTEGER NOT NULL DEFAULT 0,
			last_error         TEXT NOT NULL DEFAULT '',
			claim_token        TEXT NOT NULL DEFAULT '',
			claimed_at         INTEGER,
			created_at         INTEGER NOT NULL,
			updated_at         INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_agent ON payments(agent_id, status)`,

		// Agent profiles merged by the registry sync
		`CREATE TABLE IF NOT EXISTS agent_profiles (
			agent_id      TEXT PRIMARY KEY,
			profile       TEXT NOT NULL,
			revision      INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,

		// Credit ledger (double-entry bookkeeping)
		`CREATE TABLE IF NOT EXISTS credit_ledger (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp       INTEGER NOT NULL,
			entry_type      TEXT NOT NULL,
			account         TEXT NOT NULL,
			currency        TEXT NOT NULL,
			amount          INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL,
			description     TEXT,
			balance         INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_account ON credit_ledger(account, currency)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_posting ON credit_ledger(idempotency_key, entry_type)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromUnix(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
