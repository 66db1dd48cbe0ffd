// Package sqlite provides SQLite-based persistent storage for synthd.
// Uses WAL mode for concurrent reads and crash-safe writes. The store is
// the source of truth for tasks, credit packages, reservations, and
// upstream credentials; every credit-affecting operation runs inside a
// single transaction here.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

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

	d := &DB{db: db}
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
		`CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			owner_id       TEXT NOT NULL,
			kind           TEXT NOT NULL,
			provider_class TEXT NOT NULL,
			credential_id  TEXT,
			reservation_id TEXT NOT NULL,
			status         TEXT NOT NULL,
			progress       INTEGER NOT NULL DEFAULT 0,
			cost_estimate  INTEGER NOT NULL,
			cost_final     INTEGER NOT NULL DEFAULT 0,
			payload        TEXT NOT NULL DEFAULT '{}',
			upstream_id    TEXT,
			result_ref     TEXT,
			error          TEXT,
			created_at     INTEGER NOT NULL,
			started_at     INTEGER,
			completed_at   INTEGER,
			expires_at     INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(kind, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_expires ON tasks(expires_at)`,

		// Expiring credit packages, consumed oldest-expiring-first.
		`CREATE TABLE IF NOT EXISTS credit_packages (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			credits_initial   INTEGER NOT NULL,
			credits_remaining INTEGER NOT NULL,
			created_at        INTEGER NOT NULL,
			expires_at        INTEGER NOT NULL,
			source            TEXT NOT NULL DEFAULT 'purchase'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_user_expires ON credit_packages(user_id, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_expires ON credit_packages(expires_at)`,

		// Reservations: provisional debits with per-package legs so a
		// refund can reverse exactly the debits it covers.
		`CREATE TABLE IF NOT EXISTS reservations (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			credits       INTEGER NOT NULL,
			state         TEXT NOT NULL DEFAULT 'held',
			final_credits INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL,
			settled_at    INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS reservation_legs (
			reservation_id TEXT NOT NULL,
			seq            INTEGER NOT NULL,
			package_id     TEXT NOT NULL,
			credits        INTEGER NOT NULL,
			PRIMARY KEY (reservation_id, seq)
		)`,

		// Upstream API credentials with hourly and concurrency budgets.
		`CREATE TABLE IF NOT EXISTS credentials (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL DEFAULT '',
			provider_class     TEXT NOT NULL,
			api_key            TEXT NOT NULL,
			hourly_limit       INTEGER NOT NULL DEFAULT 2000,
			requests_this_hour INTEGER NOT NULL DEFAULT 0,
			hour_window_start  INTEGER NOT NULL DEFAULT 0,
			concurrent_limit   INTEGER NOT NULL DEFAULT 10,
			current_concurrent INTEGER NOT NULL DEFAULT 0,
			is_active          INTEGER NOT NULL DEFAULT 1,
			total_requests     INTEGER NOT NULL DEFAULT 0,
			failed_requests    INTEGER NOT NULL DEFAULT 0,
			created_at         INTEGER NOT NULL,
			last_used          INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_class ON credentials(provider_class, is_active)`,

		// Per-model image pricing. Voice is priced per character and
		// needs no table.
		`CREATE TABLE IF NOT EXISTS model_pricing (
			model_id          TEXT PRIMARY KEY,
			credits_per_image INTEGER NOT NULL DEFAULT 1,
			updated_at        INTEGER NOT NULL
		)`,

		// Scheduler slice of the user record. Identity/auth live with
		// the collaborating service; this is only slots + active flag.
		`CREATE TABLE IF NOT EXISTS users (
			id                     TEXT PRIMARY KEY,
			concurrent_slots       INTEGER NOT NULL DEFAULT 1,
			image_concurrent_slots INTEGER NOT NULL DEFAULT 3,
			is_active              INTEGER NOT NULL DEFAULT 1
		)`,

		// Operator-facing audit trail.
		`CREATE TABLE IF NOT EXISTS event_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			level      TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message    TEXT NOT NULL,
			user_id    TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_created ON event_log(created_at)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	return d.seedPricing()
}

// seedPricing inserts default per-model image prices if absent.
func (d *DB) seedPricing() error {
	defaults := map[string]int64{
		"flux-schnell":     1,
		"flux-kontext-pro": 3,
		"dall-e-3":         1,
		"imagen-3":         2,
		"midjourney":       10,
	}
	now := time.Now().Unix()
	for model, credits := range defaults {
		_, err := d.db.Exec(
			`INSERT OR IGNORE INTO model_pricing (model_id, credits_per_image, updated_at) VALUES (?, ?, ?)`,
			model, credits, now,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// ─── Event Log ──────────────────────────────────────────────────────────────

// LogEvent appends to the audit trail. Best-effort: the caller treats
// failures as non-fatal.
func (d *DB) LogEvent(level, eventType, message, userID string) error {
	_, err := d.db.Exec(
		`INSERT INTO event_log (level, event_type, message, user_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		level, eventType, message, nullStr(userID), time.Now().Unix(),
	)
	return err
}

// Event is one audit trail row.
type Event struct {
	ID        int64     `json:"id"`
	Level     string    `json:"level"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecentEvents returns the newest audit entries, newest first.
func (d *DB) RecentEvents(limit int) ([]Event, error) {
	rows, err := d.db.Query(
		`SELECT id, level, event_type, message, user_id, created_at
		 FROM event_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var userID sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.Level, &e.EventType, &e.Message, &userID, &ts); err != nil {
			return nil, err
		}
		e.UserID = userID.String
		e.CreatedAt = time.Unix(ts, 0)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ─── Scan Helpers ───────────────────────────────────────────────────────────

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func unixOrZero(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}
