// Package scheduler orchestrates the task lifecycle: admission against
// the credit ledger, per-user and per-credential concurrency limits,
// FIFO queueing per kind, dispatch to upstream providers through leased
// credentials, and exactly-once financial settlement on terminal states.
//
// State machine: pending → queued → processing → {completed | failed |
// cancelled}. pending is transient and exists only during admission.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fiftyfive-labs/synthd/internal/app/credpool"
	"github.com/fiftyfive-labs/synthd/internal/app/ledger"
	"github.com/fiftyfive-labs/synthd/internal/domain"
	"github.com/fiftyfive-labs/synthd/internal/infra/metrics"
	"github.com/fiftyfive-labs/synthd/internal/infra/sqlite"
	"github.com/fiftyfive-labs/synthd/internal/provider"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config tunes the scheduler.
type Config struct {
	DispatchTick    time.Duration // queued-dispatch retry interval
	UpstreamTimeout time.Duration // hard bound on one upstream call
	Retention       time.Duration // artifact retention after completion
	StuckThreshold  time.Duration // processing-age watchdog limit
	WatchdogTick    time.Duration // watchdog sweep interval

	// ClassFor maps a task to its credential class. Defaults to the
	// kind name, which matches the built-in voice/image providers.
	ClassFor func(kind domain.TaskKind, payload domain.TaskPayload) string
}

// DefaultConfig returns production scheduler defaults.
func DefaultConfig() Config {
	return Config{
		DispatchTick:    2 * time.Second,
		UpstreamTimeout: 10 * time.Minute,
		Retention:       12 * time.Hour,
		StuckThreshold:  30 * time.Minute,
		WatchdogTick:    5 * time.Minute,
	}
}

// ─── Service ────────────────────────────────────────────────────────────────

// Service is the scheduler.
type Service struct {
	cfg       Config
	db        *sqlite.DB
	ledger    *ledger.Service
	pool      *credpool.Pool
	providers *provider.Registry
	users     domain.UserDirectory
	clock     domain.Clock

	// Per-user admission serialization: slot check + reserve + create
	// must not interleave for one user.
	admitMu sync.Mutex
	admits  map[string]*sync.Mutex

	// In-flight upstream calls, keyed by task ID.
	runMu   sync.Mutex
	running map[string]*runningTask

	kick chan struct{} // pokes the dispatch loop

	wg     sync.WaitGroup
	mu     sync.Mutex // guards base and cancel
	base   context.Context
	cancel context.CancelFunc
}

// runningTask tracks one in-flight upstream call.
type runningTask struct {
	cancel context.CancelFunc
	lease  *credpool.Lease
	prov   provider.Provider
}

// New wires a scheduler from its collaborators.
func New(cfg Config, db *sqlite.DB, led *ledger.Service, pool *credpool.Pool,
	providers *provider.Registry, users domain.UserDirectory, clock domain.Clock) *Service {

	if clock == nil {
		clock = domain.SystemClock{}
	}
	if cfg.ClassFor == nil {
		cfg.ClassFor = func(kind domain.TaskKind, _ domain.TaskPayload) string { return string(kind) }
	}
	return &Service{
		cfg:       cfg,
		db:        db,
		ledger:    led,
		pool:      pool,
		providers: providers,
		users:     users,
		clock:     clock,
		admits:    make(map[string]*sync.Mutex),
		running:   make(map[string]*runningTask),
		kick:      make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop and watchdog. Reconcile should have
// run first.
func (s *Service) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.base = ctx
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.dispatchLoop(ctx)
	go s.watchdogLoop(ctx)
}

// Stop cancels background loops and in-flight upstream calls, then
// waits for them to unwind.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// baseCtx is the lifetime context for workers. Background before Start
// so direct Submit dispatch works in isolation.
func (s *Service) baseCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base != nil {
		return s.base
	}
	return context.Background()
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	l, ok := s.admits[userID]
	if !ok {
		l = &sync.Mutex{}
		s.admits[userID] = l
	}
	return l
}

// ─── Submit ─────────────────────────────────────────────────────────────────

// SubmitResult is returned to the caller of Submit.
type SubmitResult struct {
	TaskID        string            `json:"task_id"`
	Status        domain.TaskStatus `json:"status"`
	EstimatedCost int64             `json:"estimated_cost"`
	QueuePosition int               `json:"queue_position,omitempty"`
}

// Submit admits a new generation request: validate, price, reserve
// credits, create the task, then queue or dispatch. Admission failures
// (validation, insufficient credits) surface synchronously and leave no
// task row behind.
func (s *Service) Submit(ctx context.Context, userID string, kind domain.TaskKind, payload domain.TaskPayload) (SubmitResult, error) {
	if userID == "" {
		return SubmitResult{}, fmt.Errorf("%w: missing user id", domain.ErrValidation)
	}

	user, err := s.users.User(ctx, userID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	if !user.Active {
		return SubmitResult{}, domain.ErrUserInactive
	}

	// EstimateCost also validates the payload shape for the kind.
	cost, err := s.ledger.EstimateCost(kind, payload)
	if err != nil {
		return SubmitResult{}, err
	}
	if cost <= 0 {
		return SubmitResult{}, fmt.Errorf("%w: request prices to zero credits", domain.ErrValidation)
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.ledger.Reserve(userID, cost)
	if err != nil {
		return SubmitResult{}, err // no task row on admission failure
	}

	now := s.clock.Now()
	task := domain.Task{
		ID:            "tsk_" + uuid.NewString(),
		OwnerID:       userID,
		Kind:          kind,
		Payload:       payload,
		ProviderClass: s.cfg.ClassFor(kind, payload),
		ReservationID: res.ID,
		Status:        domain.TaskPending,
		CostEstimate:  cost,
		CreatedAt:     now,
	}

	if err := s.db.InsertTask(task); err != nil {
		// Creating the row failed after the debit: reverse it so the
		// conservation invariant holds.
		if _, rerr := s.ledger.Refund(res.ID); rerr != nil {
			log.Printf("[scheduler] CRITICAL: refund after failed insert for %s: %v", task.ID, rerr)
		}
		return SubmitResult{}, fmt.Errorf("create task: %w", err)
	}
	metrics.TasksSubmitted.WithLabelValues(string(kind)).Inc()
	s.logEvent("info", "task_submitted",
		fmt.Sprintf("task %s submitted (%s, %d credits)", task.ID, kind, cost), userID)

	active, err := s.db.CountActive(userID, kind)
	if err != nil {
		active = user.SlotsFor(kind) // on error, be conservative: queue
	}
	// The new pending task is not counted by CountActive.
	if active >= user.SlotsFor(kind) {
		if _, err := s.db.MarkQueued(task.ID); err != nil {
			return SubmitResult{}, fmt.Errorf("queue task: %w", err)
		}
		stored, _ := s.db.GetTask(task.ID)
		rank := 0
		if stored != nil {
			rank, _ = s.db.QueueRank(stored)
		}
		return SubmitResult{TaskID: task.ID, Status: domain.TaskQueued, EstimatedCost: cost, QueuePosition: rank}, nil
	}

	// Free slot: try immediate dispatch. Capacity shortage is not an
	// error — the task just waits in the queue.
	switch s.tryDispatch(&task) {
	case dispatchStarted:
		return SubmitResult{TaskID: task.ID, Status: domain.TaskProcessing, EstimatedCost: cost}, nil
	case dispatchResolved:
		// Terminal before it ever ran (no provider registered for the
		// class): report the state the caller would see on a poll.
		stored, err := s.db.GetTask(task.ID)
		if err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{TaskID: task.ID, Status: stored.Status, EstimatedCost: cost}, nil
	}
	if _, err := s.db.MarkQueued(task.ID); err != nil {
		return SubmitResult{}, fmt.Errorf("queue task: %w", err)
	}
	stored, _ := s.db.GetTask(task.ID)
	rank := 0
	if stored != nil {
		rank, _ = s.db.QueueRank(stored)
	}
	return SubmitResult{TaskID: task.ID, Status: domain.TaskQueued, EstimatedCost: cost, QueuePosition: rank}, nil
}

// ─── Cancel ─────────────────────────────────────────────────────────────────

// CancelResult reports the outcome of a cancellation.
type CancelResult struct {
	Status          domain.TaskStatus `json:"status"`
	CreditsRefunded int64             `json:"credits_refunded"`
}

// Cancel stops a task on behalf of its owner (or an admin). Queued
// tasks leave the queue with a full refund; processing tasks get a
// best-effort upstream abort and a refund of the unconsumed portion.
// Cancelling a terminal task is a no-op reporting the existing status.
func (s *Service) Cancel(ctx context.Context, taskID, requesterID string, isAdmin bool) (CancelResult, error) {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return CancelResult{}, err
	}
	if !isAdmin && task.OwnerID != requesterID {
		return CancelResult{}, domain.ErrForbidden
	}
	if task.IsTerminal() {
		return CancelResult{Status: task.Status}, nil // idempotent cancel
	}

	// Best-effort upstream abort before the terminal write; the CAS
	// below is the real arbiter if upstream completes anyway.
	s.runMu.Lock()
	run := s.running[taskID]
	s.runMu.Unlock()

	partial := int64(0)
	if run != nil {
		if task.UpstreamID != "" {
			abortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := run.prov.Abort(abortCtx, run.lease.APIKey, task.UpstreamID); err != nil {
				log.Printf("[scheduler] abort upstream for %s: %v", taskID, err)
			}
			cancel()
		}
		if pc, ok := run.prov.(provider.PartialCoster); ok {
			current, _ := s.db.GetTask(taskID)
			if current != nil {
				partial = pc.PartialCost(*current, current.Progress)
			}
		}
	}

	won, err := s.db.FinishTask(taskID, sqlite.TerminalUpdate{
		Status:      domain.TaskCancelled,
		CostFinal:   partial,
		Error:       "cancelled by user",
		CompletedAt: s.clock.Now(),
	})
	if err != nil {
		return CancelResult{}, err
	}
	if !won {
		// Upstream completion raced us and won; report what stands.
		final, err := s.db.GetTask(taskID)
		if err != nil {
			return CancelResult{}, err
		}
		return CancelResult{Status: final.Status}, nil
	}

	if run != nil {
		run.cancel()
		run.lease.Release()
	}

	refunded, err := s.ledger.Settle(task.ReservationID, partial)
	if err != nil {
		log.Printf("[scheduler] settle cancelled %s: %v", taskID, err)
	}
	metrics.TasksCancelled.WithLabelValues(string(task.Kind)).Inc()
	metrics.CreditsRefunded.Add(float64(refunded))
	s.logEvent("info", "task_cancelled",
		fmt.Sprintf("task %s cancelled, %d credits refunded", taskID, refunded), task.OwnerID)

	s.poke()
	return CancelResult{Status: domain.TaskCancelled, CreditsRefunded: refunded}, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Status is the polling clients' view of a task.
type Status struct {
	TaskID        string            `json:"task_id"`
	Status        domain.TaskStatus `json:"status"`
	Progress      int               `json:"progress"`
	QueuePosition int               `json:"queue_position,omitempty"`
	CostEstimate  int64             `json:"cost_estimate"`
	CostFinal     int64             `json:"cost_final,omitempty"`
	ResultRef     string            `json:"result_ref,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// GetStatus returns a task's current state with the queue position
// recomputed live.
func (s *Service) GetStatus(taskID string) (Status, error) {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		TaskID:       task.ID,
		Status:       task.Status,
		Progress:     task.Progress,
		CostEstimate: task.CostEstimate,
		CostFinal:    task.CostFinal,
		ResultRef:    task.ResultRef,
		Error:        task.Error,
	}
	if task.Status == domain.TaskQueued {
		st.QueuePosition, _ = s.db.QueueRank(task)
	}
	return st, nil
}

// GetTask returns the full task record (owner or admin use).
func (s *Service) GetTask(taskID string) (*domain.Task, error) {
	return s.db.GetTask(taskID)
}

// ListActive returns a user's queued and processing tasks.
func (s *Service) ListActive(userID string, kind domain.TaskKind) ([]domain.Task, error) {
	return s.db.ListActive(userID, kind)
}

// ListQueued returns the full FIFO queue of a kind (admin view).
func (s *Service) ListQueued(kind domain.TaskKind) ([]domain.Task, error) {
	return s.db.ListQueued(kind)
}

// ─── Internal ───────────────────────────────────────────────────────────────

// poke nudges the dispatch loop without blocking.
func (s *Service) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// logEvent writes to the durable audit trail; failures only log.
func (s *Service) logEvent(level, eventType, message, userID string) {
	if err := s.db.LogEvent(level, eventType, message, userID); err != nil {
		log.Printf("[scheduler] event log: %v", err)
	}
}

func shortErr(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
