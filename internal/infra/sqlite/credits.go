package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fiftyfive-labs/synthd/internal/domain"
)

// ─── Credit Packages & Reservations ─────────────────────────────────────────
// Reserve debits packages oldest-expiring-first inside one transaction;
// Settle/Refund reverse the recorded legs in reverse order, capped at
// each package's credits_initial. Settlement is idempotent via a
// compare-and-set on reservation state.

// InsertPackage adds a credit package for a user.
func (d *DB) InsertPackage(p domain.CreditPackage) error {
	_, err := d.db.Exec(
		`INSERT INTO credit_packages (id, user_id, credits_initial, credits_remaining, created_at, expires_at, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.CreditsInitial, p.CreditsRemaining,
		p.CreatedAt.Unix(), p.ExpiresAt.Unix(), string(p.Source),
	)
	return err
}

// ListPackages returns a user's usable packages, oldest-expiring-first.
// Expired packages are filtered lazily, not physically zeroed.
func (d *DB) ListPackages(userID string, now time.Time) ([]domain.CreditPackage, error) {
	rows, err := d.db.Query(
		`SELECT id, user_id, credits_initial, credits_remaining, created_at, expires_at, source
		 FROM credit_packages
		 WHERE user_id = ? AND credits_remaining > 0 AND expires_at > ?
		 ORDER BY expires_at ASC, id ASC`,
		userID, now.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packages []domain.CreditPackage
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

// TotalCredits sums a user's usable credit across packages.
func (d *DB) TotalCredits(userID string, now time.Time) (int64, error) {
	var total sql.NullInt64
	err := d.db.QueryRow(
		`SELECT SUM(credits_remaining) FROM credit_packages
		 WHERE user_id = ? AND credits_remaining > 0 AND expires_at > ?`,
		userID, now.Unix(),
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// Reserve atomically debits the given amount across the user's usable
// packages, oldest-expiring-first, and records a held reservation with
// one leg per debited package. If the amount is not covered, nothing is
// mutated and ErrInsufficientCredits is returned.
func (d *DB) Reserve(resID, userID string, amount int64, now time.Time) (*domain.Reservation, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, credits_remaining FROM credit_packages
		 WHERE user_id = ? AND credits_remaining > 0 AND expires_at > ?
		 ORDER BY expires_at ASC, id ASC`,
		userID, now.Unix(),
	)
	if err != nil {
		return nil, err
	}

	type pkg struct {
		id        string
		remaining int64
	}
	var packages []pkg
	var available int64
	for rows.Next() {
		var p pkg
		if err := rows.Scan(&p.id, &p.remaining); err != nil {
			rows.Close()
			return nil, err
		}
		packages = append(packages, p)
		available += p.remaining
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if available < amount {
		return nil, fmt.Errorf("%w: need %d, have %d", domain.ErrInsufficientCredits, amount, available)
	}

	res := &domain.Reservation{
		ID:        resID,
		UserID:    userID,
		Credits:   amount,
		State:     domain.ReservationHeld,
		CreatedAt: now,
	}

	left := amount
	for seq, p := range packages {
		if left <= 0 {
			break
		}
		take := min(p.remaining, left)
		if _, err := tx.Exec(
			`UPDATE credit_packages SET credits_remaining = credits_remaining - ? WHERE id = ?`,
			take, p.id,
		); err != nil {
			return nil, err
		}
		leg := domain.ReservationLeg{PackageID: p.id, Credits: take, Seq: seq}
		if _, err := tx.Exec(
			`INSERT INTO reservation_legs (reservation_id, seq, package_id, credits) VALUES (?, ?, ?, ?)`,
			resID, seq, p.id, take,
		); err != nil {
			return nil, err
		}
		res.Legs = append(res.Legs, leg)
		left -= take
	}

	if _, err := tx.Exec(
		`INSERT INTO reservations (id, user_id, credits, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		resID, userID, amount, string(domain.ReservationHeld), now.Unix(),
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// Settle finalizes a held reservation at finalCredits, crediting the
// difference back to the debited packages in reverse order of debit,
// capped at each package's credits_initial. Idempotent: a second call
// finds the reservation no longer held and returns (0, false, nil).
// Returns the credits actually refunded.
func (d *DB) Settle(resID string, finalCredits int64, now time.Time) (refunded int64, applied bool, err error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	var reserved int64
	var state string
	err = tx.QueryRow(`SELECT credits, state FROM reservations WHERE id = ?`, resID).
		Scan(&reserved, &state)
	if err == sql.ErrNoRows {
		return 0, false, domain.ErrReservationNotFound
	}
	if err != nil {
		return 0, false, err
	}
	if domain.ReservationState(state) != domain.ReservationHeld {
		return 0, false, nil // already settled or refunded
	}

	if finalCredits < 0 {
		finalCredits = 0
	}
	if finalCredits > reserved {
		finalCredits = reserved // final cost never exceeds the estimate
	}
	toRefund := reserved - finalCredits

	if toRefund > 0 {
		rows, err := tx.Query(
			`SELECT l.package_id, l.credits, p.credits_initial, p.credits_remaining
			 FROM reservation_legs l JOIN credit_packages p ON p.id = l.package_id
			 WHERE l.reservation_id = ? ORDER BY l.seq DESC`,
			resID,
		)
		if err != nil {
			return 0, false, err
		}
		type leg struct {
			packageID          string
			credits            int64
			initial, remaining int64
		}
		var legs []leg
		for rows.Next() {
			var l leg
			if err := rows.Scan(&l.packageID, &l.credits, &l.initial, &l.remaining); err != nil {
				rows.Close()
				return 0, false, err
			}
			legs = append(legs, l)
		}
		if err := rows.Close(); err != nil {
			return 0, false, err
		}

		left := toRefund
		for _, l := range legs {
			if left <= 0 {
				break
			}
			back := min(l.credits, left)
			if room := l.initial - l.remaining; back > room {
				back = room
			}
			if back <= 0 {
				continue
			}
			if _, err := tx.Exec(
				`UPDATE credit_packages SET credits_remaining = credits_remaining + ? WHERE id = ?`,
				back, l.packageID,
			); err != nil {
				return 0, false, err
			}
			left -= back
		}
		refunded = toRefund - left
	}

	newState := domain.ReservationSettled
	if finalCredits == 0 {
		newState = domain.ReservationRefunded
	}
	res, err := tx.Exec(
		`UPDATE reservations SET state = ?, final_credits = ?, settled_at = ? WHERE id = ? AND state = ?`,
		string(newState), finalCredits, now.Unix(), resID, string(domain.ReservationHeld),
	)
	if err != nil {
		return 0, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return refunded, true, nil
}

// GetReservation fetches a reservation with its legs.
func (d *DB) GetReservation(resID string) (*domain.Reservation, error) {
	var r domain.Reservation
	var state string
	var createdAt int64
	var settledAt sql.NullInt64
	err := d.db.QueryRow(
		`SELECT id, user_id, credits, state, final_credits, created_at, settled_at
		 FROM reservations WHERE id = ?`, resID,
	).Scan(&r.ID, &r.UserID, &r.Credits, &state, &r.FinalCredits, &createdAt, &settledAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	r.State = domain.ReservationState(state)
	r.CreatedAt = time.Unix(createdAt, 0)
	r.SettledAt = unixOrZero(settledAt)

	rows, err := d.db.Query(
		`SELECT package_id, credits, seq FROM reservation_legs WHERE reservation_id = ? ORDER BY seq ASC`,
		resID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l domain.ReservationLeg
		if err := rows.Scan(&l.PackageID, &l.Credits, &l.Seq); err != nil {
			return nil, err
		}
		r.Legs = append(r.Legs, l)
	}
	return &r, rows.Err()
}

// ZeroExpiredPackages physically empties packages whose expiry has
// passed and returns the credits voided. Lazy filtering makes this
// purely hygienic; the reaper calls it on its sweep tick.
func (d *DB) ZeroExpiredPackages(now time.Time) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var voided sql.NullInt64
	err = tx.QueryRow(
		`SELECT SUM(credits_remaining) FROM credit_packages
		 WHERE credits_remaining > 0 AND expires_at <= ?`,
		now.Unix(),
	).Scan(&voided)
	if err != nil {
		return 0, err
	}
	if voided.Int64 == 0 {
		return 0, nil
	}

	if _, err := tx.Exec(
		`UPDATE credit_packages SET credits_remaining = 0
		 WHERE credits_remaining > 0 AND expires_at <= ?`,
		now.Unix(),
	); err != nil {
		return 0, err
	}
	return voided.Int64, tx.Commit()
}

func scanPackage(s scanner) (domain.CreditPackage, error) {
	var p domain.CreditPackage
	var source string
	var createdAt, expiresAt int64
	err := s.Scan(&p.ID, &p.UserID, &p.CreditsInitial, &p.CreditsRemaining,
		&createdAt, &expiresAt, &source)
	if err != nil {
		return p, err
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	p.ExpiresAt = time.Unix(expiresAt, 0)
	p.Source = domain.PackageSource(source)
	return p, nil
}
