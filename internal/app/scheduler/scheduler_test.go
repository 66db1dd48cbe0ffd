package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fiftyfive-labs/synthd/internal/app/credpool"
	"github.com/fiftyfive-labs/synthd/internal/app/ledger"
	"github.com/fiftyfive-labs/synthd/internal/domain"
	"github.com/fiftyfive-labs/synthd/internal/infra/sqlite"
	"github.com/fiftyfive-labs/synthd/internal/provider"
)

// fakeDirectory serves canned users; unknown IDs get one voice slot.
type fakeDirectory map[string]domain.User

func (d fakeDirectory) User(_ context.Context, id string) (domain.User, error) {
	if u, ok := d[id]; ok {
		return u, nil
	}
	return domain.User{ID: id, VoiceSlots: 1, ImageSlots: 1, Active: true}, nil
}

// fakeClock is a mutable clock safe for concurrent readers.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	db    *sqlite.DB
	led   *ledger.Service
	pool  *credpool.Pool
	mock  *provider.Mock
	svc   *Service
	users fakeDirectory
	clk   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		db:    db,
		users: fakeDirectory{},
		clk:   &fakeClock{t: base},
		mock:  provider.NewMock("voice"),
	}
	clock := domain.Clock(f.clk)
	f.led = ledger.NewService(db, clock)

	err = db.InsertCredential(domain.CredentialSlot{
		ID: "crd_a", Name: "a", ProviderClass: "voice", APIKey: "k",
		HourlyLimit: 1000, ConcurrentLimit: 10,
		HourWindowStart: base.Truncate(time.Hour),
		Active:          true, CreatedAt: base,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.pool, err = credpool.New(db, clock)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.DispatchTick = 10 * time.Millisecond
	f.svc = New(cfg, db, f.led, f.pool, provider.NewRegistry(f.mock), f.users, clock)
	t.Cleanup(f.svc.Stop)
	return f
}

func (f *fixture) topup(t *testing.T, user string, credits int64) {
	t.Helper()
	if _, err := f.led.AddPackage(user, credits, 24*time.Hour, domain.SourcePurchase); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) balance(t *testing.T, user string) int64 {
	t.Helper()
	bal, err := f.led.Balance(user)
	if err != nil {
		t.Fatal(err)
	}
	return bal.Total
}

// waitTerminal polls until the task leaves its active states.
func (f *fixture) waitTerminal(t *testing.T, id string) *domain.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := f.db.GetTask(id)
		if err != nil {
			t.Fatal(err)
		}
		if task.IsTerminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", id)
	return nil
}

func voicePayload(text string) domain.TaskPayload {
	return domain.TaskPayload{Text: text, VoiceID: "v1"}
}

// ─── Admission ──────────────────────────────────────────────────────────────

func TestSubmit_InsufficientCreditsLeavesNoTask(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 3)

	_, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("hello"))
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("error = %v, want ErrInsufficientCredits", err)
	}

	tasks, _ := f.db.ListActive("u1", domain.KindVoice)
	if len(tasks) != 0 {
		t.Errorf("active tasks = %d, want 0 after rejected admission", len(tasks))
	}
	if got := f.balance(t, "u1"); got != 3 {
		t.Errorf("balance = %d, want untouched 3", got)
	}
}

func TestSubmit_InactiveUser(t *testing.T) {
	f := newFixture(t)
	f.users["u1"] = domain.User{ID: "u1", VoiceSlots: 1, Active: false}
	f.topup(t, "u1", 100)

	_, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("hello"))
	if !errors.Is(err, domain.ErrUserInactive) {
		t.Errorf("error = %v, want ErrUserInactive", err)
	}
}

func TestSubmit_ValidationError(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)

	_, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, domain.TaskPayload{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation for empty text", err)
	}
}

// ─── Dispatch & completion ──────────────────────────────────────────────────

func TestSubmit_ImmediateDispatchAndSettle(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)

	res, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("hello"))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res.EstimatedCost != 5 {
		t.Errorf("estimate = %d, want 5", res.EstimatedCost)
	}
	if res.Status != domain.TaskProcessing {
		t.Errorf("status = %s, want processing with free slot and capacity", res.Status)
	}

	task := f.waitTerminal(t, res.TaskID)
	if task.Status != domain.TaskCompleted {
		t.Fatalf("terminal status = %s (%s), want completed", task.Status, task.Error)
	}
	if task.ResultRef != "mock://"+task.ID {
		t.Errorf("result ref = %q", task.ResultRef)
	}
	if task.CostFinal != 5 {
		t.Errorf("final cost = %d, want estimate 5 (mock reports unknown units)", task.CostFinal)
	}
	if task.ExpiresAt.IsZero() {
		t.Error("completed task must carry a retention expiry")
	}
	if got := f.balance(t, "u1"); got != 95 {
		t.Errorf("balance = %d, want 95", got)
	}
}

func TestCompletion_UnderConsumptionRefundsDifference(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)
	f.mock.GenerateFn = func(ctx context.Context, task domain.Task, rep provider.Reporter) (provider.Result, error) {
		return provider.Result{Ref: "mock://done", UnitsConsumed: 2}, nil
	}

	res, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("hello"))
	if err != nil {
		t.Fatal(err)
	}
	task := f.waitTerminal(t, res.TaskID)
	if task.CostFinal != 2 {
		t.Errorf("final cost = %d, want reported 2", task.CostFinal)
	}
	if got := f.balance(t, "u1"); got != 98 {
		t.Errorf("balance = %d, want 98 (3 refunded)", got)
	}
}

func TestFailure_FullRefund(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)
	f.mock.GenerateFn = func(ctx context.Context, task domain.Task, rep provider.Reporter) (provider.Result, error) {
		return provider.Result{}, domain.ErrUpstream
	}

	res, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("hello"))
	if err != nil {
		t.Fatal(err)
	}
	task := f.waitTerminal(t, res.TaskID)
	if task.Status != domain.TaskFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if task.Error == "" {
		t.Error("failed task must record an error message")
	}
	if got := f.balance(t, "u1"); got != 100 {
		t.Errorf("balance = %d, want full refund to 100", got)
	}

	snap := f.pool.Snapshot()
	if snap[0].FailedRequests != 1 {
		t.Errorf("credential failures = %d, want 1", snap[0].FailedRequests)
	}
	if snap[0].CurrentConcurrent != 0 {
		t.Errorf("credential concurrent = %d, want lease released", snap[0].CurrentConcurrent)
	}
}

func TestSubmit_UnregisteredProviderClassReportsFailure(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)

	// The fixture registry only knows voice; an image submission has a
	// free slot but no provider to run on.
	res, err := f.svc.Submit(context.Background(), "u1", domain.KindImage,
		domain.TaskPayload{Prompt: "a lighthouse", ImageCount: 1, ModelID: "flux-schnell"})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res.Status != domain.TaskFailed {
		t.Errorf("status = %s, want failed reported synchronously", res.Status)
	}

	task, err := f.db.GetTask(res.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskFailed {
		t.Errorf("stored status = %s, want failed", task.Status)
	}
	if !strings.Contains(task.Error, "no provider registered") {
		t.Errorf("task error = %q, want the provider lookup failure recorded", task.Error)
	}
	if got := f.balance(t, "u1"); got != 100 {
		t.Errorf("balance = %d, want full refund to 100", got)
	}
}

// ─── Queueing & FIFO ────────────────────────────────────────────────────────

func TestSubmit_QueuesPastSlotLimit(t *testing.T) {
	f := newFixture(t)
	f.users["u1"] = domain.User{ID: "u1", VoiceSlots: 1, Active: true}
	f.topup(t, "u1", 100)

	block := make(chan struct{})
	f.mock.GenerateFn = func(ctx context.Context, task domain.Task, rep provider.Reporter) (provider.Result, error) {
		select {
		case <-block:
			return provider.Result{Ref: "mock://" + task.ID, UnitsConsumed: -1}, nil
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		}
	}

	first, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("one"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != domain.TaskProcessing {
		t.Fatalf("first status = %s, want processing", first.Status)
	}

	second, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("two"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != domain.TaskQueued {
		t.Fatalf("second status = %s, want queued at slot limit 1", second.Status)
	}
	if second.QueuePosition != 1 {
		t.Errorf("queue position = %d, want 1", second.QueuePosition)
	}

	// Releasing the first lets the dispatch loop start the second.
	f.svc.Start(context.Background())
	close(block)

	if task := f.waitTerminal(t, first.TaskID); task.Status != domain.TaskCompleted {
		t.Fatalf("first terminal = %s, want completed", task.Status)
	}
	if task := f.waitTerminal(t, second.TaskID); task.Status != domain.TaskCompleted {
		t.Fatalf("second terminal = %s, want completed", task.Status)
	}
	if got := f.balance(t, "u1"); got != 94 {
		t.Errorf("balance = %d, want 94 (3+3 charged)", got)
	}
}

func TestDispatch_FIFOSkipsBlockedUserOnly(t *testing.T) {
	f := newFixture(t)
	f.users["a"] = domain.User{ID: "a", VoiceSlots: 1, Active: true}
	f.users["b"] = domain.User{ID: "b", VoiceSlots: 1, Active: true}
	f.topup(t, "a", 100)
	f.topup(t, "b", 100)

	block := make(chan struct{})
	f.mock.GenerateFn = func(ctx context.Context, task domain.Task, rep provider.Reporter) (provider.Result, error) {
		select {
		case <-block:
			return provider.Result{Ref: "mock://" + task.ID, UnitsConsumed: -1}, nil
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		}
	}
	defer close(block)

	a1, _ := f.svc.Submit(context.Background(), "a", domain.KindVoice, voicePayload("a-one"))
	f.clk.Advance(time.Second)
	a2, _ := f.svc.Submit(context.Background(), "a", domain.KindVoice, voicePayload("a-two"))
	f.clk.Advance(time.Second)
	b1, _ := f.svc.Submit(context.Background(), "b", domain.KindVoice, voicePayload("b-one"))

	if a1.Status != domain.TaskProcessing {
		t.Fatalf("a1 = %s, want processing", a1.Status)
	}
	if a2.Status != domain.TaskQueued {
		t.Fatalf("a2 = %s, want queued behind a's slot", a2.Status)
	}
	if b1.Status != domain.TaskProcessing {
		t.Fatalf("b1 = %s, want processing: user b has a free slot", b1.Status)
	}

	// A queue scan must not start a2 while a1 holds user a's only slot.
	f.svc.dispatchQueued(context.Background())

	got := func(id string) domain.TaskStatus {
		task, err := f.db.GetTask(id)
		if err != nil {
			t.Fatal(err)
		}
		return task.Status
	}
	if got(a2.TaskID) != domain.TaskQueued {
		t.Errorf("a2 = %s, want still queued: user a's slot is held by a1", got(a2.TaskID))
	}
	if got(b1.TaskID) != domain.TaskProcessing {
		t.Errorf("b1 = %s, want processing: user b is not blocked by user a", got(b1.TaskID))
	}
}

// ─── Cancellation ───────────────────────────────────────────────────────────

func TestCancel_QueuedFullRefund(t *testing.T) {
	f := newFixture(t)
	f.users["u1"] = domain.User{ID: "u1", VoiceSlots: 1, Active: true}
	f.topup(t, "u1", 100)

	block := make(chan struct{})
	defer close(block)
	f.mock.GenerateFn = func(ctx context.Context, task domain.Task, rep provider.Reporter) (provider.Result, error) {
		select {
		case <-block:
			return provider.Result{Ref: "mock://x", UnitsConsumed: -1}, nil
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		}
	}

	f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("one"))
	queued, _ := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("two"))

	res, err := f.svc.Cancel(context.Background(), queued.TaskID, "u1", false)
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if res.Status != domain.TaskCancelled {
		t.Errorf("status = %s, want cancelled", res.Status)
	}
	if res.CreditsRefunded != 3 {
		t.Errorf("refunded = %d, want full 3", res.CreditsRefunded)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)

	res, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("hello"))
	if err != nil {
		t.Fatal(err)
	}
	f.waitTerminal(t, res.TaskID)

	// Cancelling a completed task reports the standing status, refunds
	// nothing, and never rewrites the terminal state.
	for i := 0; i < 2; i++ {
		c, err := f.svc.Cancel(context.Background(), res.TaskID, "u1", false)
		if err != nil {
			t.Fatalf("cancel %d: %v", i, err)
		}
		if c.Status != domain.TaskCompleted {
			t.Errorf("cancel %d status = %s, want completed", i, c.Status)
		}
		if c.CreditsRefunded != 0 {
			t.Errorf("cancel %d refunded = %d, want 0", i, c.CreditsRefunded)
		}
	}
	if got := f.balance(t, "u1"); got != 95 {
		t.Errorf("balance = %d, want 95 held", got)
	}
}

func TestCancel_ForbiddenForNonOwner(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)

	res, _ := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("hello"))

	if _, err := f.svc.Cancel(context.Background(), res.TaskID, "intruder", false); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("error = %v, want ErrForbidden", err)
	}
	// Admin override is allowed.
	if _, err := f.svc.Cancel(context.Background(), res.TaskID, "", true); err != nil {
		t.Errorf("admin cancel error: %v", err)
	}
}

func TestCancel_ProcessingPartialCost(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)

	started := make(chan struct{})
	block := make(chan struct{})
	f.mock.GenerateFn = func(ctx context.Context, task domain.Task, rep provider.Reporter) (provider.Result, error) {
		rep.Started("up-1")
		rep.Progress(40)
		close(started)
		select {
		case <-block:
			return provider.Result{Ref: "mock://x", UnitsConsumed: -1}, nil
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		}
	}
	f.mock.PartialFn = func(task domain.Task, progress int) int64 {
		return task.CostEstimate * int64(progress) / 100
	}
	defer close(block)

	res, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("hello"))
	if err != nil {
		t.Fatal(err)
	}
	<-started

	c, err := f.svc.Cancel(context.Background(), res.TaskID, "u1", false)
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if c.Status != domain.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", c.Status)
	}
	// Estimate 5 at 40% progress: 2 kept, 3 refunded.
	if c.CreditsRefunded != 3 {
		t.Errorf("refunded = %d, want 3", c.CreditsRefunded)
	}
	if got := f.balance(t, "u1"); got != 98 {
		t.Errorf("balance = %d, want 98", got)
	}
	if aborted := f.mock.Aborted(); len(aborted) != 1 || aborted[0] != "up-1" {
		t.Errorf("aborted = %v, want [up-1]", aborted)
	}
}

func TestCancel_LateUpstreamSuccessDoesNotResettle(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)

	started := make(chan struct{})
	proceed := make(chan struct{})
	f.mock.GenerateFn = func(ctx context.Context, task domain.Task, rep provider.Reporter) (provider.Result, error) {
		rep.Started("up-1")
		close(started)
		// Ignore ctx: upstream finishes the work despite the abort and
		// reports success after the cancellation settled.
		<-proceed
		return provider.Result{Ref: "mock://late", UnitsConsumed: -1}, nil
	}

	res, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("hello"))
	if err != nil {
		t.Fatal(err)
	}
	<-started

	c, err := f.svc.Cancel(context.Background(), res.TaskID, "u1", false)
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if c.Status != domain.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", c.Status)
	}
	if c.CreditsRefunded != 5 {
		t.Errorf("refunded = %d, want full 5 at zero progress", c.CreditsRefunded)
	}

	// Let the worker deliver its success and fully unwind.
	close(proceed)
	f.svc.Stop()

	task, err := f.db.GetTask(res.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskCancelled {
		t.Errorf("status = %s, want cancelled to stand against the late success", task.Status)
	}
	if task.ResultRef != "" {
		t.Errorf("result ref = %q, want none recorded after cancellation", task.ResultRef)
	}

	// Exactly one settlement: the cancellation's refund, nothing more.
	if got := f.balance(t, "u1"); got != 100 {
		t.Errorf("balance = %d, want 100 after a single refund", got)
	}
	stored, err := f.led.Reservation(task.ReservationID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != domain.ReservationRefunded {
		t.Errorf("reservation state = %s, want refunded once", stored.State)
	}
}

// ─── Progress ───────────────────────────────────────────────────────────────

func TestProgress_Monotonic(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)

	checkpoints := make(chan struct{})
	f.mock.GenerateFn = func(ctx context.Context, task domain.Task, rep provider.Reporter) (provider.Result, error) {
		rep.Progress(60)
		rep.Progress(30) // late, out-of-order delivery
		checkpoints <- struct{}{}
		<-checkpoints
		return provider.Result{Ref: "mock://x", UnitsConsumed: -1}, nil
	}

	res, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("hello"))
	if err != nil {
		t.Fatal(err)
	}
	<-checkpoints

	task, err := f.db.GetTask(res.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Progress != 60 {
		t.Errorf("progress = %d, want 60 (monotonic against regression)", task.Progress)
	}
	checkpoints <- struct{}{}
	f.waitTerminal(t, res.TaskID)
}

// ─── Status queries ─────────────────────────────────────────────────────────

func TestGetStatus_LiveQueuePosition(t *testing.T) {
	f := newFixture(t)
	f.users["u1"] = domain.User{ID: "u1", VoiceSlots: 1, Active: true}
	f.topup(t, "u1", 100)

	block := make(chan struct{})
	defer close(block)
	f.mock.GenerateFn = func(ctx context.Context, task domain.Task, rep provider.Reporter) (provider.Result, error) {
		select {
		case <-block:
			return provider.Result{Ref: "mock://x", UnitsConsumed: -1}, nil
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		}
	}

	// All three land in the same clock second: insertion order alone
	// decides the queue.
	f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("one"))
	q1, _ := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("two"))
	q2, _ := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("three"))

	st2, err := f.svc.GetStatus(q2.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if st2.QueuePosition != 2 {
		t.Errorf("q2 position = %d, want 2", st2.QueuePosition)
	}

	// Cancelling the task ahead moves q2 up on the next read.
	if _, err := f.svc.Cancel(context.Background(), q1.TaskID, "u1", false); err != nil {
		t.Fatal(err)
	}
	st2, _ = f.svc.GetStatus(q2.TaskID)
	if st2.QueuePosition != 1 {
		t.Errorf("q2 position after cancel ahead = %d, want 1", st2.QueuePosition)
	}
}

// ─── Recovery ───────────────────────────────────────────────────────────────

func TestReconcile_FailsStrandedProcessing(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)

	// Simulate a crash: a reservation and a processing task exist with
	// no live worker.
	reservation, err := f.led.Reserve("u1", 7)
	if err != nil {
		t.Fatal(err)
	}
	task := domain.Task{
		ID: "tsk_stranded", OwnerID: "u1", Kind: domain.KindVoice,
		Payload: voicePayload("stranded"), ProviderClass: "voice",
		ReservationID: reservation.ID, Status: domain.TaskPending,
		CostEstimate: 7, CreatedAt: f.clk.Now(),
	}
	if err := f.db.InsertTask(task); err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.MarkDispatched(task.ID, "crd_a", "", f.clk.Now()); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}

	got, _ := f.db.GetTask(task.ID)
	if got.Status != domain.TaskFailed {
		t.Errorf("status = %s, want failed after restart", got.Status)
	}
	if bal := f.balance(t, "u1"); bal != 100 {
		t.Errorf("balance = %d, want 100 (stranded reservation refunded)", bal)
	}
	snap := f.pool.Snapshot()
	if snap[0].CurrentConcurrent != 0 {
		t.Errorf("concurrent = %d, want 0 after counter rebuild", snap[0].CurrentConcurrent)
	}
}

func TestReconcile_ReplaysUnsettledSettlement(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)

	// Simulate a crash between the terminal write and the ledger
	// transaction: the task is completed at a recorded final cost but
	// its reservation is still held.
	reservation, err := f.led.Reserve("u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	task := domain.Task{
		ID: "tsk_unsettled", OwnerID: "u1", Kind: domain.KindVoice,
		Payload: voicePayload("unsettled"), ProviderClass: "voice",
		ReservationID: reservation.ID, Status: domain.TaskPending,
		CostEstimate: 10, CreatedAt: f.clk.Now(),
	}
	if err := f.db.InsertTask(task); err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.MarkDispatched(task.ID, "crd_a", "", f.clk.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.FinishTask(task.ID, sqlite.TerminalUpdate{
		Status: domain.TaskCompleted, CostFinal: 7, ResultRef: "mock://x",
		CompletedAt: f.clk.Now(), ExpiresAt: f.clk.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if bal := f.balance(t, "u1"); bal != 90 {
		t.Fatalf("balance before reconcile = %d, want 90 held", bal)
	}

	if err := f.svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}

	got, _ := f.db.GetTask(task.ID)
	if got.Status != domain.TaskCompleted {
		t.Errorf("status = %s, want completed left intact", got.Status)
	}
	stored, err := f.led.Reservation(reservation.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != domain.ReservationSettled {
		t.Errorf("reservation state = %s, want settled at cost_final", stored.State)
	}
	if stored.FinalCredits != 7 {
		t.Errorf("final credits = %d, want 7", stored.FinalCredits)
	}
	if bal := f.balance(t, "u1"); bal != 93 {
		t.Errorf("balance = %d, want 93 (7 charged, 3 back)", bal)
	}

	// A second pass finds nothing to replay.
	if err := f.svc.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if bal := f.balance(t, "u1"); bal != 93 {
		t.Errorf("balance after second pass = %d, want unchanged 93", bal)
	}
}

func TestReconcile_RefundsUnsettledCancellation(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)

	reservation, err := f.led.Reserve("u1", 5)
	if err != nil {
		t.Fatal(err)
	}
	task := domain.Task{
		ID: "tsk_cut", OwnerID: "u1", Kind: domain.KindVoice,
		Payload: voicePayload("cut"), ProviderClass: "voice",
		ReservationID: reservation.ID, Status: domain.TaskPending,
		CostEstimate: 5, CreatedAt: f.clk.Now(),
	}
	if err := f.db.InsertTask(task); err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.FinishTask(task.ID, sqlite.TerminalUpdate{
		Status: domain.TaskCancelled, CostFinal: 0,
		Error: "cancelled by user", CompletedAt: f.clk.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}

	stored, err := f.led.Reservation(reservation.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != domain.ReservationRefunded {
		t.Errorf("reservation state = %s, want refunded at zero cost", stored.State)
	}
	if bal := f.balance(t, "u1"); bal != 100 {
		t.Errorf("balance = %d, want full 100 back", bal)
	}
}

func TestWatchdog_FailsStuckTaskWithoutWorker(t *testing.T) {
	f := newFixture(t)
	f.topup(t, "u1", 100)

	reservation, err := f.led.Reserve("u1", 7)
	if err != nil {
		t.Fatal(err)
	}
	task := domain.Task{
		ID: "tsk_stuck", OwnerID: "u1", Kind: domain.KindVoice,
		Payload: voicePayload("stuck"), ProviderClass: "voice",
		ReservationID: reservation.ID, Status: domain.TaskPending,
		CostEstimate: 7, CreatedAt: f.clk.Now(),
	}
	if err := f.db.InsertTask(task); err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.MarkDispatched(task.ID, "crd_a", "", f.clk.Now()); err != nil {
		t.Fatal(err)
	}

	f.clk.Advance(31 * time.Minute) // past the 30m threshold
	f.svc.sweepStuck()

	got, _ := f.db.GetTask(task.ID)
	if got.Status != domain.TaskFailed {
		t.Errorf("status = %s, want failed by watchdog", got.Status)
	}
	if bal := f.balance(t, "u1"); bal != 100 {
		t.Errorf("balance = %d, want full refund", bal)
	}
}

// ─── Scenario ───────────────────────────────────────────────────────────────

// The two-task scenario on a concurrency limit of one: submit both,
// watch them run strictly in order, end with both settled.
func TestScenario_TwoTasksOneSlot(t *testing.T) {
	f := newFixture(t)
	f.users["u1"] = domain.User{ID: "u1", VoiceSlots: 1, Active: true}
	f.topup(t, "u1", 20)

	order := make(chan string, 2)
	f.mock.GenerateFn = func(ctx context.Context, task domain.Task, rep provider.Reporter) (provider.Result, error) {
		order <- task.ID
		return provider.Result{Ref: "mock://" + task.ID, UnitsConsumed: -1}, nil
	}

	f.svc.Start(context.Background())

	first, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("first"))
	if err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Second)
	second, err := f.svc.Submit(context.Background(), "u1", domain.KindVoice, voicePayload("second"))
	if err != nil {
		t.Fatal(err)
	}

	f.waitTerminal(t, first.TaskID)
	f.waitTerminal(t, second.TaskID)

	if a, b := <-order, <-order; a != first.TaskID || b != second.TaskID {
		t.Errorf("execution order = [%s %s], want submission order", a, b)
	}
	if got := f.balance(t, "u1"); got != 9 {
		t.Errorf("balance = %d, want 9 (5+6 charged)", got)
	}
}
