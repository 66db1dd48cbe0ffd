// Package domain holds the core types of the generation platform:
// tasks, credit packages, upstream credentials, reservations, and the
// clock everything runs on. Domain types are pure — no infrastructure
// dependency.
package domain

import "time"

// TaskStatus tracks the task lifecycle.
// pending → queued → processing → {completed | failed | cancelled}.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskKind categorizes the generation request.
type TaskKind string

const (
	KindVoice TaskKind = "voice"
	KindImage TaskKind = "image"
)

// TaskPayload carries the request parameters for both kinds.
// Voice tasks use Text/VoiceID/VoiceSettings; image tasks use
// Prompt/ImageCount/Width/Height. ModelID applies to both.
type TaskPayload struct {
	Text          string             `json:"text,omitempty"`
	VoiceID       string             `json:"voice_id,omitempty"`
	VoiceSettings map[string]float64 `json:"voice_settings,omitempty"`

	Prompt     string `json:"prompt,omitempty"`
	ImageCount int    `json:"image_count,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`

	ModelID string `json:"model_id,omitempty"`
}

// Task is one generation request as durably recorded in the store.
// Mutated only by the scheduler; readers get copies.
type Task struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"owner_id"`
	Kind          TaskKind    `json:"kind"`
	Payload       TaskPayload `json:"payload"`
	ProviderClass string      `json:"provider_class"`
	CredentialID  string      `json:"credential_id,omitempty"`
	ReservationID string      `json:"reservation_id"`

	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"` // 0–100, monotonic while processing

	CostEstimate int64 `json:"cost_estimate"`
	CostFinal    int64 `json:"cost_final"` // 0 until settled; <= CostEstimate

	// UpstreamID is the provider-side task handle, set once dispatch
	// hands the request to the upstream API.
	UpstreamID string `json:"upstream_id,omitempty"`
	// ResultRef is an opaque artifact handle resolved by the storage
	// collaborator. Never a binary payload.
	ResultRef string `json:"result_ref,omitempty"`
	Error     string `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// IsTerminal reports whether the task has reached a final state.
// No task ever transitions out of a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed || t.Status == TaskCancelled
}

// IsActive reports whether the task still occupies (or may come to
// occupy) a user concurrency slot.
func (t *Task) IsActive() bool {
	return t.Status == TaskQueued || t.Status == TaskProcessing
}

// Expired reports whether the task's artifact retention window has
// passed. Only meaningful for completed tasks.
func (t *Task) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Duration returns processing wall time (0 if not started/completed).
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}
