package domain

import "time"

// CredentialSlot is one upstream API credential with its own hourly
// request quota and concurrency budget. Admin configuration creates and
// edits slots; at runtime only the credential pool mutates the counters.
//
// Invariants: 0 <= CurrentConcurrent <= ConcurrentLimit;
// RequestsThisHour resets to 0 when the wall clock crosses into a new
// hour window.
type CredentialSlot struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ProviderClass string `json:"provider_class"`
	APIKey        string `json:"-"` // never serialized outward

	HourlyLimit      int       `json:"hourly_limit"`
	RequestsThisHour int       `json:"requests_this_hour"`
	HourWindowStart  time.Time `json:"hour_window_start"`

	ConcurrentLimit   int `json:"concurrent_limit"`
	CurrentConcurrent int `json:"current_concurrent"`

	Active bool `json:"is_active"`

	TotalRequests  int64     `json:"total_requests"`
	FailedRequests int64     `json:"failed_requests"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsed       time.Time `json:"last_used,omitempty"`
}

// HourWindowExpired reports whether the hourly counter is stale and due
// for a lazy reset on the next acquire.
func (c *CredentialSlot) HourWindowExpired(now time.Time) bool {
	return now.Sub(c.HourWindowStart) >= time.Hour
}

// Saturated reports whether the slot can take no further request right
// now. Callers must apply the hour-window reset first.
func (c *CredentialSlot) Saturated() bool {
	return c.CurrentConcurrent >= c.ConcurrentLimit || c.RequestsThisHour >= c.HourlyLimit
}
