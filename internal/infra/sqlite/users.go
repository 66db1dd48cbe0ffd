package sqlite

import (
	"context"
	"database/sql"

	"github.com/fiftyfive-labs/synthd/internal/domain"
)

// ─── User Slice ─────────────────────────────────────────────────────────────
// Only the scheduler-relevant slice of the user record lives here:
// per-kind concurrency slots and the active flag. Identity and auth
// belong to the collaborating service.

// UpsertUser creates or updates a user's scheduling slice.
func (d *DB) UpsertUser(u domain.User) error {
	_, err := d.db.Exec(
		`INSERT INTO users (id, concurrent_slots, image_concurrent_slots, is_active)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			concurrent_slots = excluded.concurrent_slots,
			image_concurrent_slots = excluded.image_concurrent_slots,
			is_active = excluded.is_active`,
		u.ID, u.VoiceSlots, u.ImageSlots, boolInt(u.Active),
	)
	return err
}

// GetUser fetches a user's scheduling slice.
func (d *DB) GetUser(id string) (*domain.User, error) {
	var u domain.User
	var active int
	err := d.db.QueryRow(
		`SELECT id, concurrent_slots, image_concurrent_slots, is_active FROM users WHERE id = ?`,
		id,
	).Scan(&u.ID, &u.VoiceSlots, &u.ImageSlots, &active)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Active = active != 0
	return &u, nil
}

// Directory adapts the store to the domain.UserDirectory collaborator
// interface consumed by the scheduler.
type Directory struct {
	DB *DB
	// DefaultVoiceSlots/DefaultImageSlots apply to users the identity
	// service has not provisioned yet.
	DefaultVoiceSlots int
	DefaultImageSlots int
}

// User implements domain.UserDirectory. Unknown users get the default
// slot allowance rather than an error: admission still fails later on
// credits, and a user with packages but no explicit row is valid.
func (dir Directory) User(_ context.Context, id string) (domain.User, error) {
	u, err := dir.DB.GetUser(id)
	if err == domain.ErrNotFound {
		return domain.User{
			ID:         id,
			VoiceSlots: dir.DefaultVoiceSlots,
			ImageSlots: dir.DefaultImageSlots,
			Active:     true,
		}, nil
	}
	if err != nil {
		return domain.User{}, err
	}
	return *u, nil
}
