package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fiftyfive-labs/synthd/internal/app/ledger"
	"github.com/fiftyfive-labs/synthd/internal/domain"
	"github.com/fiftyfive-labs/synthd/internal/infra/sqlite"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type fakeArtifacts struct {
	mu       sync.Mutex
	released []string
	failRefs map[string]bool
}

func (f *fakeArtifacts) Release(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRefs[ref] {
		return errors.New("storage unavailable")
	}
	f.released = append(f.released, ref)
	return nil
}

func newFixture(t *testing.T, store domain.ArtifactStore) (*Reaper, *sqlite.DB, *ledger.Service, *fakeClock) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	led := ledger.NewService(db, clk)
	r := New(db, led, store, clk, time.Minute)
	return r, db, led, clk
}

func completedTask(t *testing.T, db *sqlite.DB, id, ref string, expires time.Time) {
	t.Helper()
	at := expires.Add(-13 * time.Hour)
	err := db.InsertTask(domain.Task{
		ID: id, OwnerID: "usr_1", Kind: domain.KindVoice,
		Payload:       domain.TaskPayload{Text: "x"},
		ProviderClass: "voice", ReservationID: "res_" + id,
		Status: domain.TaskPending, CostEstimate: 1, CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	db.MarkDispatched(id, "crd_a", "", at)
	db.FinishTask(id, sqlite.TerminalUpdate{
		Status:      domain.TaskCompleted,
		ResultRef:   ref,
		CompletedAt: at.Add(time.Minute),
		ExpiresAt:   expires,
	})
}

func TestSweep_ReleasesExpiredArtifacts(t *testing.T) {
	store := &fakeArtifacts{}
	r, db, _, clk := newFixture(t, store)

	completedTask(t, db, "tsk_old", "store://old", clk.Now().Add(-time.Hour))
	completedTask(t, db, "tsk_fresh", "store://fresh", clk.Now().Add(time.Hour))

	r.Sweep(context.Background())

	if len(store.released) != 1 || store.released[0] != "store://old" {
		t.Errorf("released = %v, want [store://old]", store.released)
	}
	old, _ := db.GetTask("tsk_old")
	if old.ResultRef != "" {
		t.Errorf("expired ref not cleared: %q", old.ResultRef)
	}
	fresh, _ := db.GetTask("tsk_fresh")
	if fresh.ResultRef != "store://fresh" {
		t.Errorf("fresh ref touched: %q", fresh.ResultRef)
	}
}

func TestSweep_FailedReleaseRetriesNextSweep(t *testing.T) {
	store := &fakeArtifacts{failRefs: map[string]bool{"store://flaky": true}}
	r, db, _, clk := newFixture(t, store)
	completedTask(t, db, "tsk_flaky", "store://flaky", clk.Now().Add(-time.Hour))

	r.Sweep(context.Background())

	// Release failed: the ref must survive for the next sweep.
	task, _ := db.GetTask("tsk_flaky")
	if task.ResultRef != "store://flaky" {
		t.Fatalf("ref cleared despite failed release: %q", task.ResultRef)
	}

	store.mu.Lock()
	store.failRefs = nil
	store.mu.Unlock()
	r.Sweep(context.Background())

	task, _ = db.GetTask("tsk_flaky")
	if task.ResultRef != "" {
		t.Errorf("ref not cleared on retry: %q", task.ResultRef)
	}
}

func TestSweep_NilArtifactStoreClearsRefs(t *testing.T) {
	r, db, _, clk := newFixture(t, nil)
	completedTask(t, db, "tsk_old", "store://old", clk.Now().Add(-time.Minute))

	r.Sweep(context.Background())

	task, _ := db.GetTask("tsk_old")
	if task.ResultRef != "" {
		t.Errorf("ref not cleared: %q", task.ResultRef)
	}
}

func TestSweep_ZeroesExpiredPackages(t *testing.T) {
	r, _, led, _ := newFixture(t, nil)

	if _, err := led.AddPackage("usr_1", 40, -time.Hour, domain.SourcePurchase); err != nil {
		t.Fatalf("add expired package: %v", err)
	}
	if _, err := led.AddPackage("usr_1", 60, time.Hour, domain.SourcePurchase); err != nil {
		t.Fatalf("add live package: %v", err)
	}

	r.Sweep(context.Background())

	bal, err := led.Balance("usr_1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Total != 60 {
		t.Errorf("balance = %d, want 60", bal.Total)
	}
}

func TestStartStop(t *testing.T) {
	r, db, _, clk := newFixture(t, nil)
	completedTask(t, db, "tsk_old", "store://old", clk.Now().Add(-time.Minute))

	r.Start(context.Background())
	defer r.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, _ := db.GetTask("tsk_old")
		if task.ResultRef == "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("initial sweep never cleared the expired ref")
}
