// Package ledger implements the prepaid credit ledger: cost estimation,
// atomic reservation against a user's expiring packages, and
// exactly-once settlement or refund at task completion.
//
// Conservation invariant: for every reservation,
// credits_kept + credits_refunded == credits_reserved, and no
// reservation settles more than once.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fiftyfive-labs/synthd/internal/domain"
	"github.com/fiftyfive-labs/synthd/internal/infra/sqlite"
)

// Service manages the credit economy.
type Service struct {
	db    *sqlite.DB
	clock domain.Clock

	// Per-user admission serialization: two concurrent reservations
	// for one user must not both observe the same package balances.
	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewService creates a ledger service.
func NewService(db *sqlite.DB, clock domain.Clock) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{db: db, clock: clock, users: make(map[string]*sync.Mutex)}
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.users[userID]
	if !ok {
		l = &sync.Mutex{}
		s.users[userID] = l
	}
	return l
}

// EstimateCost prices a request deterministically, with no side
// effects. Voice costs one credit per character of text; image costs
// the model's per-image price times the image count.
func (s *Service) EstimateCost(kind domain.TaskKind, payload domain.TaskPayload) (int64, error) {
	switch kind {
	case domain.KindVoice:
		if payload.Text == "" {
			return 0, fmt.Errorf("%w: empty text", domain.ErrValidation)
		}
		return int64(len(payload.Text)), nil

	case domain.KindImage:
		if payload.Prompt == "" {
			return 0, fmt.Errorf("%w: empty prompt", domain.ErrValidation)
		}
		count := payload.ImageCount
		if count <= 0 {
			count = 1
		}
		perImage, err := s.db.CreditsPerImage(payload.ModelID)
		if err != nil {
			return 0, fmt.Errorf("price model %q: %w", payload.ModelID, err)
		}
		return perImage * int64(count), nil

	default:
		return 0, fmt.Errorf("%w: unknown kind %q", domain.ErrValidation, kind)
	}
}

// Reserve atomically debits credits across the user's non-expired
// packages, oldest-expiring-first. On shortfall nothing is mutated and
// ErrInsufficientCredits is returned. Serialized per user.
func (s *Service) Reserve(userID string, credits int64) (*domain.Reservation, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("%w: reservation must be positive, got %d", domain.ErrValidation, credits)
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	return s.db.Reserve(uuid.NewString(), userID, credits, s.clock.Now())
}

// Settle finalizes a reservation at finalCredits, refunding the
// difference to the debited packages in reverse order of debit.
// Idempotent: the second settlement of a reservation is a no-op.
// Returns the credits refunded by this call.
func (s *Service) Settle(reservationID string, finalCredits int64) (int64, error) {
	refunded, applied, err := s.db.Settle(reservationID, finalCredits, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if !applied {
		return 0, nil
	}
	return refunded, nil
}

// Refund reverses a reservation in full. Equivalent to Settle(id, 0).
func (s *Service) Refund(reservationID string) (int64, error) {
	return s.Settle(reservationID, 0)
}

// Balance returns a user's total usable credit plus the per-package
// breakdown, oldest-expiring-first.
func (s *Service) Balance(userID string) (domain.Balance, error) {
	now := s.clock.Now()
	packages, err := s.db.ListPackages(userID, now)
	if err != nil {
		return domain.Balance{}, err
	}
	var total int64
	for _, p := range packages {
		total += p.CreditsRemaining
	}
	return domain.Balance{UserID: userID, Total: total, Packages: packages}, nil
}

// AddPackage grants a user a new expiring credit package. Billing and
// admin top-ups both enter here.
func (s *Service) AddPackage(userID string, credits int64, validity time.Duration, source domain.PackageSource) (domain.CreditPackage, error) {
	if credits <= 0 {
		return domain.CreditPackage{}, fmt.Errorf("%w: package must hold positive credits", domain.ErrValidation)
	}
	now := s.clock.Now()
	p := domain.CreditPackage{
		ID:               uuid.NewString(),
		UserID:           userID,
		CreditsInitial:   credits,
		CreditsRemaining: credits,
		CreatedAt:        now,
		ExpiresAt:        now.Add(validity),
		Source:           source,
	}
	if err := s.db.InsertPackage(p); err != nil {
		return domain.CreditPackage{}, err
	}
	return p, nil
}

// ExpireSweep physically zeroes packages whose expiry has passed.
// Callers rely on lazy filtering for correctness; this is hygiene,
// driven by the reaper.
func (s *Service) ExpireSweep() (int64, error) {
	return s.db.ZeroExpiredPackages(s.clock.Now())
}

// Reservation exposes a reservation's current state, mainly for
// reconciliation and tests.
func (s *Service) Reservation(id string) (*domain.Reservation, error) {
	return s.db.GetReservation(id)
}
