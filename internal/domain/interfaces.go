package domain

import "context"

// ArtifactStore is the storage collaborator holding produced audio and
// images. The core only ever passes opaque refs through it.
type ArtifactStore interface {
	// Release frees the storage behind a result ref. Idempotent.
	Release(ctx context.Context, ref string) error
}

// UserDirectory is the identity collaborator. The scheduler reads user
// concurrency slots and the active flag; it never writes users.
type UserDirectory interface {
	User(ctx context.Context, id string) (User, error)
}
