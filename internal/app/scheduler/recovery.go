package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fiftyfive-labs/synthd/internal/domain"
	"github.com/fiftyfive-labs/synthd/internal/infra/sqlite"
)

// ─── Startup Reconciliation ─────────────────────────────────────────────────

// Reconcile repairs state left by an unclean shutdown. Tasks stranded
// in processing have no worker anymore: they are failed with a full
// refund rather than left to hold slots forever. Terminal tasks whose
// reservation was never settled (crash between the terminal write and
// the ledger transaction) get their settlement replayed from the
// recorded cost_final. Credential concurrency counters are then rebuilt
// from what actually remains in the store.
//
// Call once after opening the store, before Start.
func (s *Service) Reconcile(ctx context.Context) error {
	stranded, err := s.db.ListProcessing()
	if err != nil {
		return fmt.Errorf("list processing: %w", err)
	}

	for i := range stranded {
		task := stranded[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}
		won, err := s.db.FinishTask(task.ID, sqlite.TerminalUpdate{
			Status:      domain.TaskFailed,
			CostFinal:   0,
			Error:       "interrupted by service restart",
			CompletedAt: s.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("fail stranded task %s: %w", task.ID, err)
		}
		if !won {
			continue
		}
		refunded, err := s.ledger.Refund(task.ReservationID)
		if err != nil {
			log.Printf("[scheduler] refund stranded %s: %v", task.ID, err)
		}
		s.logEvent("warn", "task_reconciled",
			fmt.Sprintf("task %s failed on restart, %d credits refunded", task.ID, refunded), task.OwnerID)
	}
	if len(stranded) > 0 {
		log.Printf("[scheduler] reconciled %d stranded task(s)", len(stranded))
	}

	unsettled, err := s.db.ListUnsettledTerminal()
	if err != nil {
		return fmt.Errorf("list unsettled terminal: %w", err)
	}
	for i := range unsettled {
		task := unsettled[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// cost_final is 0 for failed and cancelled-before-progress
		// tasks, so Settle degrades to a full refund there.
		refunded, err := s.ledger.Settle(task.ReservationID, task.CostFinal)
		if err != nil {
			log.Printf("[scheduler] replay settlement for %s: %v", task.ID, err)
			continue
		}
		s.logEvent("warn", "settlement_replayed",
			fmt.Sprintf("task %s settled on restart at %d credits, %d refunded",
				task.ID, task.CostFinal, refunded), task.OwnerID)
	}
	if len(unsettled) > 0 {
		log.Printf("[scheduler] replayed %d unsettled settlement(s)", len(unsettled))
	}

	if err := s.pool.SyncCounters(); err != nil {
		return fmt.Errorf("rebuild credential counters: %w", err)
	}
	return nil
}

// ─── Watchdog ───────────────────────────────────────────────────────────────

// watchdogLoop periodically fails processing tasks that exceeded the
// stuck threshold. Workers normally self-terminate on the upstream
// timeout; the watchdog is the backstop for anything that leaked past
// it or that lost its worker.
func (s *Service) watchdogLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.WatchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStuck()
		}
	}
}

func (s *Service) sweepStuck() {
	processing, err := s.db.ListProcessing()
	if err != nil {
		log.Printf("[scheduler] watchdog list: %v", err)
		return
	}
	now := s.clock.Now()

	for i := range processing {
		task := processing[i]
		if task.StartedAt.IsZero() || now.Sub(task.StartedAt) < s.cfg.StuckThreshold {
			continue
		}

		s.runMu.Lock()
		run := s.running[task.ID]
		s.runMu.Unlock()
		if run != nil {
			// A live worker exists; cancel it and let its own
			// finalization fail the task and refund.
			log.Printf("[scheduler] watchdog cancelling stuck worker for %s (age %s)",
				task.ID, now.Sub(task.StartedAt).Round(time.Second))
			run.cancel()
			continue
		}

		// No worker: terminal-fail it directly.
		s.failTask(&task, nil, fmt.Errorf("%w: stuck for %s",
			domain.ErrUpstreamTimeout, now.Sub(task.StartedAt).Round(time.Second)))
		s.logEvent("warn", "task_stuck",
			fmt.Sprintf("task %s failed by watchdog", task.ID), task.OwnerID)
	}
}
