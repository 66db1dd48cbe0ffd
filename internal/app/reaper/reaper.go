// Package reaper removes what has outlived its purpose: completed-task
// artifacts past their retention window, and credit packages past their
// expiry. Everything here is best-effort and periodic; a failed release
// is logged and retried on the next sweep.
package reaper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fiftyfive-labs/synthd/internal/app/ledger"
	"github.com/fiftyfive-labs/synthd/internal/domain"
	"github.com/fiftyfive-labs/synthd/internal/infra/metrics"
	"github.com/fiftyfive-labs/synthd/internal/infra/sqlite"
)

// DefaultInterval is the sweep cadence.
const DefaultInterval = 10 * time.Minute

// Reaper sweeps expired artifacts and credit packages.
type Reaper struct {
	db        *sqlite.DB
	ledger    *ledger.Service
	artifacts domain.ArtifactStore
	clock     domain.Clock
	interval  time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a reaper. artifacts may be nil, in which case expired
// result references are cleared without a release call.
func New(db *sqlite.DB, led *ledger.Service, artifacts domain.ArtifactStore, clock domain.Clock, interval time.Duration) *Reaper {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{db: db, ledger: led, artifacts: artifacts, clock: clock, interval: interval}
}

// Start launches the sweep loop and runs one sweep immediately.
func (r *Reaper) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Sweep(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-progress sweep.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Sweep releases artifacts past retention and zeroes expired credit
// packages. Errors on individual items are logged; the item stays for
// the next sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.clock.Now()

	expired, err := r.db.ListExpiredArtifacts(now)
	if err != nil {
		log.Printf("[reaper] list expired artifacts: %v", err)
	}
	for i := range expired {
		if ctx.Err() != nil {
			return
		}
		task := expired[i]
		if err := r.release(ctx, task); err != nil {
			log.Printf("[reaper] release artifact for %s: %v", task.ID, err)
			continue
		}
		metrics.ArtifactsReaped.Inc()
	}
	if n := len(expired); n > 0 {
		log.Printf("[reaper] released %d expired artifact(s)", n)
	}

	zeroed, err := r.ledger.ExpireSweep()
	if err != nil {
		log.Printf("[reaper] expire credit packages: %v", err)
		return
	}
	if zeroed > 0 {
		metrics.CreditsExpired.Add(float64(zeroed))
		log.Printf("[reaper] voided %d expired credit(s)", zeroed)
	}
}

func (r *Reaper) release(ctx context.Context, task domain.Task) error {
	if r.artifacts != nil && task.ResultRef != "" {
		if err := r.artifacts.Release(ctx, task.ResultRef); err != nil {
			return fmt.Errorf("release %q: %w", task.ResultRef, err)
		}
	}
	return r.db.ClearResultRef(task.ID)
}
