package domain

import "time"

// ─── Credit Types ───────────────────────────────────────────────────────────
// Credits are the platform currency: 1 credit ≈ 1 character of speech or
// one model-priced image unit. Users hold expiring packages; tasks hold
// reservations against them.

// PackageSource records where a credit package came from.
type PackageSource string

const (
	SourcePurchase PackageSource = "purchase"
	SourceAdmin    PackageSource = "admin"
	SourceRefund   PackageSource = "refund"
	SourceBonus    PackageSource = "bonus"
)

// CreditPackage is one expiring block of prepaid credits.
// Invariant: 0 <= CreditsRemaining <= CreditsInitial.
type CreditPackage struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	CreditsInitial   int64         `json:"credits_initial"`
	CreditsRemaining int64         `json:"credits_remaining"`
	CreatedAt        time.Time     `json:"created_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	Source           PackageSource `json:"source"`
}

// Usable reports whether the package can still be drawn from.
// Expiry is enforced lazily: an expired package counts as empty even
// before a sweep physically zeroes it.
func (p *CreditPackage) Usable(now time.Time) bool {
	return p.CreditsRemaining > 0 && p.ExpiresAt.After(now)
}

// ReservationState tracks the settlement lifecycle of a reservation.
type ReservationState string

const (
	ReservationHeld     ReservationState = "held"
	ReservationSettled  ReservationState = "settled"
	ReservationRefunded ReservationState = "refunded"
)

// ReservationLeg is one debit applied to a single package while
// covering a reservation. Legs are refunded in reverse order.
type ReservationLeg struct {
	PackageID string `json:"package_id"`
	Credits   int64  `json:"credits"`
	Seq       int    `json:"seq"`
}

// Reservation is a provisional credit debit made at task submission
// and finalized (settled) or reversed (refunded) exactly once at task
// completion.
type Reservation struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Credits   int64            `json:"credits"`
	State     ReservationState `json:"state"`
	Legs      []ReservationLeg `json:"legs"`
	CreatedAt time.Time        `json:"created_at"`
	SettledAt time.Time        `json:"settled_at,omitempty"`
	// FinalCredits is the amount actually kept at settlement.
	FinalCredits int64 `json:"final_credits"`
}

// Balance is the user-facing view of available credits.
type Balance struct {
	UserID   string          `json:"user_id"`
	Total    int64           `json:"total_credits"`
	Packages []CreditPackage `json:"packages"`
}
