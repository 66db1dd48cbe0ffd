package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fiftyfive-labs/synthd/internal/app/credpool"
	"github.com/fiftyfive-labs/synthd/internal/domain"
	"github.com/fiftyfive-labs/synthd/internal/infra/metrics"
	"github.com/fiftyfive-labs/synthd/internal/infra/sqlite"
	"github.com/fiftyfive-labs/synthd/internal/provider"
)

// ─── Dispatch Loop ──────────────────────────────────────────────────────────
// Queued tasks are retried on a ticker and whenever a slot frees up.
// The scan respects FIFO per kind: a user's earlier task always starts
// before their later one, and credential saturation stops the whole
// kind until capacity returns.

func (s *Service) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.dispatchQueued(ctx)
	}
}

// dispatchQueued walks each kind's FIFO queue and starts every task
// whose owner has a free slot, until the kind's credentials saturate.
func (s *Service) dispatchQueued(ctx context.Context) {
	for _, kind := range []domain.TaskKind{domain.KindVoice, domain.KindImage} {
		if ctx.Err() != nil {
			return
		}
		s.dispatchKind(ctx, kind)
	}
}

func (s *Service) dispatchKind(ctx context.Context, kind domain.TaskKind) {
	queued, err := s.db.ListQueued(kind)
	if err != nil {
		log.Printf("[scheduler] list queued %s: %v", kind, err)
		return
	}
	metrics.QueueDepth.WithLabelValues(string(kind)).Set(float64(len(queued)))

	// A user whose slots are full blocks their own later tasks
	// (per-user FIFO) but not other users'.
	blocked := make(map[string]bool)

	for i := range queued {
		task := queued[i]
		if ctx.Err() != nil {
			return
		}
		if blocked[task.OwnerID] {
			continue
		}

		user, err := s.users.User(ctx, task.OwnerID)
		if err != nil {
			log.Printf("[scheduler] resolve user %s: %v", task.OwnerID, err)
			blocked[task.OwnerID] = true
			continue
		}
		processing, err := s.db.CountProcessing(task.OwnerID, kind)
		if err != nil || processing >= user.SlotsFor(kind) {
			blocked[task.OwnerID] = true
			continue
		}

		switch s.tryDispatch(&task) {
		case dispatchNoCapacity:
			// Credential saturation is kind-wide: stop scanning this
			// kind until the ticker tries again.
			return
		case dispatchStarted:
			blocked[task.OwnerID] = true // one start per user per scan
		case dispatchResolved:
			// Task reached a terminal state (or lost a race); the
			// scan moves on.
		}
	}
}

// dispatchResult reports how tryDispatch disposed of a task.
type dispatchResult int

const (
	dispatchStarted    dispatchResult = iota // worker launched, task processing
	dispatchNoCapacity                       // stays queued, credentials saturated
	dispatchResolved                         // terminal without a worker (failed, or a racing cancel won)
)

// tryDispatch acquires a credential and moves the task into
// processing. Capacity shortage is never an error — the task simply
// stays queued.
func (s *Service) tryDispatch(task *domain.Task) dispatchResult {
	prov, err := s.providers.For(task.ProviderClass)
	if err != nil {
		// Misconfiguration, not capacity: fail the task outright.
		s.failTask(task, nil, fmt.Errorf("%w: %s", err, task.ProviderClass))
		return dispatchResolved
	}

	lease, err := s.pool.Acquire(task.ProviderClass)
	if err != nil {
		if !errors.Is(err, domain.ErrNoCapacity) {
			log.Printf("[scheduler] acquire credential for %s: %v", task.ID, err)
		}
		return dispatchNoCapacity
	}

	won, err := s.db.MarkDispatched(task.ID, lease.CredentialID, "", s.clock.Now())
	if err != nil || !won {
		// Cancelled (or failed) while we were acquiring.
		lease.Release()
		if err != nil {
			log.Printf("[scheduler] mark dispatched %s: %v", task.ID, err)
		}
		return dispatchResolved
	}

	metrics.TasksProcessing.Inc()
	s.startWorker(*task, lease, prov)
	return dispatchStarted
}

// startWorker runs the upstream call as an independent unit of work.
func (s *Service) startWorker(task domain.Task, lease *credpool.Lease, prov provider.Provider) {
	base := s.baseCtx()
	callCtx, cancel := context.WithTimeout(base, s.cfg.UpstreamTimeout)

	s.runMu.Lock()
	s.running[task.ID] = &runningTask{cancel: cancel, lease: lease, prov: prov}
	s.runMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer metrics.TasksProcessing.Dec()

		start := time.Now()
		result, err := prov.Generate(callCtx, lease.APIKey, task, &storeReporter{s: s, taskID: task.ID})
		metrics.UpstreamLatency.WithLabelValues(task.ProviderClass).Observe(time.Since(start).Seconds())

		s.runMu.Lock()
		delete(s.running, task.ID)
		s.runMu.Unlock()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w after %s", domain.ErrUpstreamTimeout, s.cfg.UpstreamTimeout)
			}
			s.failTask(&task, lease, err)
			return
		}
		s.completeTask(&task, lease, result)
	}()
}

// completeTask applies the completed terminal state and settles the
// reservation at the final cost. The CAS protects against a racing
// cancellation: the loser releases the lease and settles nothing.
func (s *Service) completeTask(task *domain.Task, lease *credpool.Lease, result provider.Result) {
	defer lease.Release()

	final := task.CostEstimate
	if result.UnitsConsumed >= 0 && result.UnitsConsumed < final {
		final = result.UnitsConsumed
	}

	now := s.clock.Now()
	won, err := s.db.FinishTask(task.ID, sqlite.TerminalUpdate{
		Status:      domain.TaskCompleted,
		CostFinal:   final,
		ResultRef:   result.Ref,
		CompletedAt: now,
		ExpiresAt:   now.Add(s.cfg.Retention),
	})
	if err != nil {
		log.Printf("[scheduler] finish %s: %v", task.ID, err)
		return
	}
	if !won {
		return // cancellation won the race; it owns settlement
	}

	refunded, err := s.ledger.Settle(task.ReservationID, final)
	if err != nil {
		log.Printf("[scheduler] settle %s: %v", task.ID, err)
	}
	metrics.TasksCompleted.WithLabelValues(string(task.Kind)).Inc()
	metrics.CreditsCharged.Add(float64(final))
	metrics.CreditsRefunded.Add(float64(refunded))
	s.logEvent("info", "task_completed",
		fmt.Sprintf("task %s completed, %d credits charged", task.ID, final), task.OwnerID)

	s.poke()
}

// failTask applies the failed terminal state with a full refund — the
// user is never charged for a failed generation.
func (s *Service) failTask(task *domain.Task, lease *credpool.Lease, cause error) {
	if lease != nil {
		defer lease.Release()
	}

	won, err := s.db.FinishTask(task.ID, sqlite.TerminalUpdate{
		Status:      domain.TaskFailed,
		CostFinal:   0,
		Error:       shortErr(cause),
		CompletedAt: s.clock.Now(),
	})
	if err != nil {
		log.Printf("[scheduler] finish %s: %v", task.ID, err)
		return
	}
	if !won {
		// A cancellation owns this task; its failure is not the
		// credential's fault.
		return
	}
	if lease != nil {
		s.pool.MarkFailure(lease.CredentialID)
	}

	refunded, err := s.ledger.Refund(task.ReservationID)
	if err != nil {
		log.Printf("[scheduler] refund %s: %v", task.ID, err)
	}
	metrics.TasksFailed.WithLabelValues(string(task.Kind)).Inc()
	metrics.CreditsRefunded.Add(float64(refunded))
	s.logEvent("error", "task_failed",
		fmt.Sprintf("task %s failed: %v", task.ID, cause), task.OwnerID)

	s.poke()
}

// storeReporter persists provider progress. The MAX() in the store
// keeps progress monotonic against out-of-order callbacks.
type storeReporter struct {
	s      *Service
	taskID string
}

func (r *storeReporter) Started(upstreamID string) {
	if upstreamID == "" {
		return
	}
	if err := r.s.db.SetUpstreamID(r.taskID, upstreamID); err != nil {
		log.Printf("[scheduler] record upstream id for %s: %v", r.taskID, err)
	}
}

func (r *storeReporter) Progress(percent int) {
	if percent < 0 {
		return
	}
	if percent > 100 {
		percent = 100
	}
	if err := r.s.db.UpdateProgress(r.taskID, percent); err != nil {
		log.Printf("[scheduler] progress for %s: %v", r.taskID, err)
	}
}
