package credpool

import (
	"errors"
	"testing"
	"time"

	"github.com/fiftyfive-labs/synthd/internal/domain"
	"github.com/fiftyfive-labs/synthd/internal/infra/sqlite"
)

func newTestStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedCredential(t *testing.T, db *sqlite.DB, id string, hourly, concurrent int, at time.Time) {
	t.Helper()
	err := db.InsertCredential(domain.CredentialSlot{
		ID:              id,
		Name:            id,
		ProviderClass:   "voice",
		APIKey:          "key-" + id,
		HourlyLimit:     hourly,
		ConcurrentLimit: concurrent,
		HourWindowStart: at.Truncate(time.Hour),
		Active:          true,
		CreatedAt:       at,
	})
	if err != nil {
		t.Fatalf("InsertCredential(%s) error: %v", id, err)
	}
}

func TestAcquire_RoundRobin(t *testing.T) {
	db := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCredential(t, db, "a", 100, 10, base)
	seedCredential(t, db, "b", 100, 10, base.Add(time.Second))
	seedCredential(t, db, "c", 100, 10, base.Add(2*time.Second))

	pool, err := New(db, domain.ClockFunc(func() time.Time { return base }))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	var got []string
	for i := 0; i < 6; i++ {
		lease, err := pool.Acquire("voice")
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		got = append(got, lease.CredentialID)
		lease.Release()
	}

	want := []string{"b", "c", "a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selection order = %v, want %v", got, want)
		}
	}
}

func TestAcquire_SkipsSaturatedConcurrency(t *testing.T) {
	db := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCredential(t, db, "a", 100, 1, base)
	seedCredential(t, db, "b", 100, 1, base.Add(time.Second))

	pool, _ := New(db, domain.ClockFunc(func() time.Time { return base }))

	l1, err := pool.Acquire("voice")
	if err != nil {
		t.Fatal(err)
	}
	l2, err := pool.Acquire("voice")
	if err != nil {
		t.Fatal(err)
	}
	if l1.CredentialID == l2.CredentialID {
		t.Errorf("both leases on %s, want distinct credentials", l1.CredentialID)
	}

	// Both at their concurrency limit now.
	if _, err := pool.Acquire("voice"); !errors.Is(err, domain.ErrNoCapacity) {
		t.Errorf("third acquire error = %v, want ErrNoCapacity", err)
	}

	l1.Release()
	if _, err := pool.Acquire("voice"); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestAcquire_HourlyLimitAndReset(t *testing.T) {
	db := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 50, 0, 0, time.UTC)
	seedCredential(t, db, "a", 2, 10, now)

	pool, _ := New(db, domain.ClockFunc(func() time.Time { return now }))

	for i := 0; i < 2; i++ {
		lease, err := pool.Acquire("voice")
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		lease.Release()
	}
	if _, err := pool.Acquire("voice"); !errors.Is(err, domain.ErrNoCapacity) {
		t.Fatalf("over hourly limit error = %v, want ErrNoCapacity", err)
	}

	// Crossing into the next wall-clock hour resets the window lazily.
	now = time.Date(2026, 3, 1, 13, 0, 1, 0, time.UTC)
	lease, err := pool.Acquire("voice")
	if err != nil {
		t.Fatalf("acquire after hour rollover: %v", err)
	}
	lease.Release()

	snap := pool.Snapshot()
	if snap[0].RequestsThisHour != 1 {
		t.Errorf("requests this hour = %d, want 1 after reset", snap[0].RequestsThisHour)
	}
	if !snap[0].HourWindowStart.Equal(time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("window start = %v, want top of hour", snap[0].HourWindowStart)
	}
}

func TestAcquire_NoCredentialsForClass(t *testing.T) {
	db := newTestStore(t)
	pool, _ := New(db, nil)

	if _, err := pool.Acquire("image"); !errors.Is(err, domain.ErrNoCapacity) {
		t.Errorf("error = %v, want ErrNoCapacity for empty class", err)
	}
}

func TestLease_ReleaseIdempotent(t *testing.T) {
	db := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCredential(t, db, "a", 100, 5, base)

	pool, _ := New(db, domain.ClockFunc(func() time.Time { return base }))

	lease, err := pool.Acquire("voice")
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()
	lease.Release() // second release must not double-decrement
	lease.Release()

	snap := pool.Snapshot()
	if snap[0].CurrentConcurrent != 0 {
		t.Errorf("concurrent = %d, want 0 after idempotent release", snap[0].CurrentConcurrent)
	}
}

func TestReload_PreservesRuntimeCounters(t *testing.T) {
	db := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCredential(t, db, "a", 100, 5, base)

	pool, _ := New(db, domain.ClockFunc(func() time.Time { return base }))
	lease, err := pool.Acquire("voice")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	seedCredential(t, db, "b", 100, 5, base.Add(time.Second))
	if err := pool.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	snap := pool.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("slots = %d, want 2 after reload", len(snap))
	}
	for _, s := range snap {
		if s.ID == "a" && s.CurrentConcurrent != 1 {
			t.Errorf("slot a concurrent = %d, want 1 preserved across reload", s.CurrentConcurrent)
		}
	}
}

func TestMarkFailure(t *testing.T) {
	db := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCredential(t, db, "a", 100, 5, base)

	pool, _ := New(db, domain.ClockFunc(func() time.Time { return base }))
	pool.MarkFailure("a")
	pool.MarkFailure("a")

	snap := pool.Snapshot()
	if snap[0].FailedRequests != 2 {
		t.Errorf("failed requests = %d, want 2", snap[0].FailedRequests)
	}
	if snap[0].Active != true {
		t.Error("failures must not deactivate the slot")
	}
}

func TestSyncCounters_RebuildsFromStore(t *testing.T) {
	db := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedCredential(t, db, "a", 100, 5, base)

	// Two processing tasks on credential a in the store.
	for _, id := range []string{"tsk_1", "tsk_2"} {
		task := domain.Task{
			ID: id, OwnerID: "u1", Kind: domain.KindVoice,
			ProviderClass: "voice", ReservationID: "res_" + id,
			Status: domain.TaskPending, CostEstimate: 1, CreatedAt: base,
		}
		if err := db.InsertTask(task); err != nil {
			t.Fatal(err)
		}
		if _, err := db.MarkDispatched(id, "a", "", base); err != nil {
			t.Fatal(err)
		}
	}

	pool, _ := New(db, domain.ClockFunc(func() time.Time { return base }))
	if err := pool.SyncCounters(); err != nil {
		t.Fatalf("SyncCounters() error: %v", err)
	}

	snap := pool.Snapshot()
	if snap[0].CurrentConcurrent != 2 {
		t.Errorf("concurrent = %d, want 2 rebuilt from processing tasks", snap[0].CurrentConcurrent)
	}
}
