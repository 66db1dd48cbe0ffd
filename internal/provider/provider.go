// Package provider abstracts the upstream generation APIs. The
// scheduler only sees this interface; the concrete request and response
// shapes of each vendor stay inside the per-class clients.
package provider

import (
	"context"

	"github.com/fiftyfive-labs/synthd/internal/domain"
)

// Reporter receives mid-flight updates from a provider call. Both
// methods may be called from the provider's goroutine at any point
// before Generate returns.
type Reporter interface {
	// Started reports the provider-side task handle as soon as it is
	// known, so that cancellation can target the upstream call.
	Started(upstreamID string)
	// Progress reports completion percent in [0, 100]. Deliveries may
	// arrive out of order; consumers keep the maximum.
	Progress(percent int)
}

// Result is the outcome of a successful upstream call.
type Result struct {
	// Ref is the opaque artifact handle (URL or storage key).
	Ref string
	// UnitsConsumed lets a provider report actual consumption when it
	// differs from the estimate (e.g. fewer images produced than
	// requested). Negative means "unknown — charge the estimate".
	UnitsConsumed int64
}

// Provider is one upstream generation API class.
type Provider interface {
	// Class names the credential class this provider consumes.
	Class() string
	// Generate runs one request to completion. It must honor ctx
	// cancellation by returning promptly; the scheduler tolerates
	// upstream work that finishes anyway.
	Generate(ctx context.Context, apiKey string, task domain.Task, rep Reporter) (Result, error)
	// Abort best-effort cancels the upstream call. Errors are logged,
	// never propagated: the terminal-state CAS is the real arbiter.
	Abort(ctx context.Context, apiKey, upstreamID string) error
}

// PartialCoster is implemented by providers that can price partially
// completed work at cancellation time. Providers without it get a full
// refund on cancel.
type PartialCoster interface {
	// PartialCost returns the credits consumed by a task cancelled at
	// the given progress percent, clamped by the caller to the
	// estimate.
	PartialCost(task domain.Task, progress int) int64
}

// Registry maps credential classes to providers.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Class()] = p
	}
	return r
}

// For returns the provider for a credential class.
func (r *Registry) For(class string) (Provider, error) {
	p, ok := r.providers[class]
	if !ok {
		return nil, domain.ErrProviderUnknown
	}
	return p, nil
}
