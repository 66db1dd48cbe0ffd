// Package health provides periodic health checks over the task store
// and credential pool, surfaced through the /health endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fiftyfive-labs/synthd/internal/app/credpool"
	"github.com/fiftyfive-labs/synthd/internal/domain"
	"github.com/fiftyfive-labs/synthd/internal/infra/sqlite"
)

// Check defines a single health check.
type Check struct {
	Name    string
	CheckFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// queueStaleThreshold is how long the oldest queued task may wait
// before the queue counts as stalled.
const queueStaleThreshold = time.Hour

// NewChecker creates a health checker with the standard checks: store
// reachability, per-class credential availability, and queue liveness.
func NewChecker(db *sqlite.DB, pool *credpool.Pool, clock domain.Clock) *Checker {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Checker{
		interval: 60 * time.Second,
		checks: []Check{
			{
				Name: "sqlite",
				CheckFn: func(ctx context.Context) error {
					return db.Ping()
				},
			},
			{
				Name: "credentials",
				CheckFn: func(ctx context.Context) error {
					return checkCredentials(pool)
				},
			},
			{
				Name: "queue",
				CheckFn: func(ctx context.Context) error {
					return checkQueueLiveness(db, clock.Now())
				},
			},
		},
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
		} else {
			s.Healthy = true
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

// checkCredentials fails when no active credential exists at all. A
// pool with zero slots accepts tasks it can never dispatch.
func checkCredentials(pool *credpool.Pool) error {
	for _, c := range pool.Snapshot() {
		if c.Active {
			return nil
		}
	}
	return fmt.Errorf("no active credentials in the pool")
}

// checkQueueLiveness fails when a queued task has waited past the
// staleness threshold, which means dispatch has stalled.
func checkQueueLiveness(db *sqlite.DB, now time.Time) error {
	for _, kind := range []domain.TaskKind{domain.KindVoice, domain.KindImage} {
		queued, err := db.ListQueued(kind)
		if err != nil {
			return fmt.Errorf("list %s queue: %w", kind, err)
		}
		if len(queued) == 0 {
			continue
		}
		if age := now.Sub(queued[0].CreatedAt); age > queueStaleThreshold {
			return fmt.Errorf("%s queue stalled: oldest task %s waiting %s",
				kind, queued[0].ID, age.Round(time.Second))
		}
	}
	return nil
}
