package sqlite

import (
	"database/sql"
	"time"

	"github.com/fiftyfive-labs/synthd/internal/domain"
)

// ─── Credential Repository ──────────────────────────────────────────────────
// Admin configuration owns the slot definitions; the credential pool
// owns the runtime counters and persists them here so a restart can
// rebuild its state.

const credentialColumns = `id, name, provider_class, api_key, hourly_limit, requests_this_hour,
	hour_window_start, concurrent_limit, current_concurrent, is_active,
	total_requests, failed_requests, created_at, last_used`

// InsertCredential adds an upstream credential slot.
func (d *DB) InsertCredential(c domain.CredentialSlot) error {
	_, err := d.db.Exec(
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.ProviderClass, c.APIKey, c.HourlyLimit, c.RequestsThisHour,
		c.HourWindowStart.Unix(), c.ConcurrentLimit, c.CurrentConcurrent, boolInt(c.Active),
		c.TotalRequests, c.FailedRequests, c.CreatedAt.Unix(), nullableUnix(c.LastUsed),
	)
	return err
}

// UpdateCredentialConfig updates the admin-editable fields of a slot.
func (d *DB) UpdateCredentialConfig(id, name string, hourlyLimit, concurrentLimit int, active bool) error {
	res, err := d.db.Exec(
		`UPDATE credentials SET name = ?, hourly_limit = ?, concurrent_limit = ?, is_active = ? WHERE id = ?`,
		name, hourlyLimit, concurrentLimit, boolInt(active), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrCredentialNotFound
	}
	return nil
}

// DeleteCredential removes a slot definition.
func (d *DB) DeleteCredential(id string) error {
	res, err := d.db.Exec(`DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrCredentialNotFound
	}
	return nil
}

// ListCredentials returns all slots, optionally filtered by provider
// class, in insertion order (stable round-robin order).
func (d *DB) ListCredentials(providerClass string) ([]domain.CredentialSlot, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials`
	var args []any
	if providerClass != "" {
		query += ` WHERE provider_class = ?`
		args = append(args, providerClass)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []domain.CredentialSlot
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, c)
	}
	return slots, rows.Err()
}

// GetCredential fetches one slot by id.
func (d *DB) GetCredential(id string) (*domain.CredentialSlot, error) {
	row := d.db.QueryRow(`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredentialRow(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveCredentialUsage persists the pool's runtime counters for a slot.
func (d *DB) SaveCredentialUsage(c domain.CredentialSlot) error {
	_, err := d.db.Exec(
		`UPDATE credentials SET requests_this_hour = ?, hour_window_start = ?,
			current_concurrent = ?, total_requests = ?, failed_requests = ?, last_used = ?
		 WHERE id = ?`,
		c.RequestsThisHour, c.HourWindowStart.Unix(), c.CurrentConcurrent,
		c.TotalRequests, c.FailedRequests, nullableUnix(c.LastUsed), c.ID,
	)
	return err
}

func scanCredential(rows *sql.Rows) (domain.CredentialSlot, error) {
	return scanCredentialRow(rows)
}

func scanCredentialRow(s scanner) (domain.CredentialSlot, error) {
	var c domain.CredentialSlot
	var active int
	var windowStart, createdAt int64
	var lastUsed sql.NullInt64
	err := s.Scan(&c.ID, &c.Name, &c.ProviderClass, &c.APIKey,
		&c.HourlyLimit, &c.RequestsThisHour, &windowStart,
		&c.ConcurrentLimit, &c.CurrentConcurrent, &active,
		&c.TotalRequests, &c.FailedRequests, &createdAt, &lastUsed)
	if err != nil {
		return c, err
	}
	c.Active = active != 0
	c.HourWindowStart = time.Unix(windowStart, 0)
	c.CreatedAt = time.Unix(createdAt, 0)
	c.LastUsed = unixOrZero(lastUsed)
	return c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
