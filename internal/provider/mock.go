package provider

import (
	"context"
	"sync"

	"github.com/fiftyfive-labs/synthd/internal/domain"
)

// Mock is a scriptable in-memory provider for tests. With no functions
// set it completes immediately with a synthetic artifact ref.
type Mock struct {
	ClassName  string
	GenerateFn func(ctx context.Context, task domain.Task, rep Reporter) (Result, error)
	AbortFn    func(upstreamID string) error
	PartialFn  func(task domain.Task, progress int) int64

	mu      sync.Mutex
	aborted []string
	calls   int
}

// NewMock creates a mock provider for the given credential class.
func NewMock(class string) *Mock {
	return &Mock{ClassName: class}
}

// Class implements Provider.
func (m *Mock) Class() string { return m.ClassName }

// Generate implements Provider.
func (m *Mock) Generate(ctx context.Context, apiKey string, task domain.Task, rep Reporter) (Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.GenerateFn != nil {
		return m.GenerateFn(ctx, task, rep)
	}
	rep.Started("mock-" + task.ID)
	rep.Progress(100)
	return Result{Ref: "mock://" + task.ID, UnitsConsumed: -1}, nil
}

// Abort implements Provider, recording the aborted upstream IDs.
func (m *Mock) Abort(ctx context.Context, apiKey, upstreamID string) error {
	m.mu.Lock()
	m.aborted = append(m.aborted, upstreamID)
	m.mu.Unlock()
	if m.AbortFn != nil {
		return m.AbortFn(upstreamID)
	}
	return nil
}

// PartialCost implements PartialCoster when PartialFn is set.
func (m *Mock) PartialCost(task domain.Task, progress int) int64 {
	if m.PartialFn != nil {
		return m.PartialFn(task, progress)
	}
	return 0
}

// Calls returns how many generations were started.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Aborted returns the upstream IDs abort was requested for.
func (m *Mock) Aborted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.aborted...)
}
