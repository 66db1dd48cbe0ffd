package domain

// User is the slice of the identity service's user record that the
// scheduler cares about: who they are and how many tasks of each kind
// they may run at once. Nicknames, auth, and plans live elsewhere.
type User struct {
	ID         string `json:"id"`
	VoiceSlots int    `json:"concurrent_slots"`
	ImageSlots int    `json:"image_concurrent_slots"`
	Active     bool   `json:"is_active"`
}

// SlotsFor returns the per-kind concurrency allowance.
func (u *User) SlotsFor(kind TaskKind) int {
	if kind == KindImage {
		return u.ImageSlots
	}
	return u.VoiceSlots
}
