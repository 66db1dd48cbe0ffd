// Package credpool manages the pool of upstream API credentials.
// Each credential carries an hourly request quota and a concurrency
// budget; acquisition is round-robin with skip-if-saturated, so load
// spreads across credentials deterministically.
package credpool

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fiftyfive-labs/synthd/internal/domain"
	"github.com/fiftyfive-labs/synthd/internal/infra/metrics"
	"github.com/fiftyfive-labs/synthd/internal/infra/sqlite"
)

// Pool selects credentials for new tasks and tracks in-flight counts.
// In-memory state is authoritative at runtime; counters are persisted
// through the store so a restart can rebuild them.
type Pool struct {
	db    *sqlite.DB
	clock domain.Clock

	mu      sync.Mutex
	slots   []*domain.CredentialSlot // stable pool order
	cursors map[string]int           // provider class → last-selected index
}

// New creates a pool and loads credential slots from the store.
func New(db *sqlite.DB, clock domain.Clock) (*Pool, error) {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	p := &Pool{db: db, clock: clock, cursors: make(map[string]int)}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads slot definitions from the store, preserving runtime
// counters for slots that survive. Admin credential CRUD takes effect
// here without a restart.
func (p *Pool) Reload() error {
	fresh, err := p.db.ListCredentials("")
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current := make(map[string]*domain.CredentialSlot, len(p.slots))
	for _, s := range p.slots {
		current[s.ID] = s
	}

	slots := make([]*domain.CredentialSlot, 0, len(fresh))
	for i := range fresh {
		c := fresh[i]
		if old, ok := current[c.ID]; ok {
			c.CurrentConcurrent = old.CurrentConcurrent
			c.RequestsThisHour = old.RequestsThisHour
			c.HourWindowStart = old.HourWindowStart
		}
		slots = append(slots, &c)
	}
	p.slots = slots
	return nil
}

// Lease represents temporary exclusive use of one unit of a
// credential's concurrency budget. Release is idempotent and must be
// called on every exit path of the holding task.
type Lease struct {
	CredentialID  string
	ProviderClass string
	APIKey        string

	pool     *Pool
	released bool
	mu       sync.Mutex
}

// Release returns the concurrency unit to the credential. Safe to call
// more than once; only the first call decrements.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.release(l.CredentialID)
}

// Acquire selects an active credential of the given provider class in
// round-robin order starting after the last-selected index, skipping
// saturated slots. On success the slot's concurrency and hourly
// counters are already incremented. Returns ErrNoCapacity when every
// eligible credential is saturated — "try again later", not "request
// is wrong".
func (p *Pool) Acquire(providerClass string) (*Lease, error) {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var class []*domain.CredentialSlot
	for _, s := range p.slots {
		if s.ProviderClass == providerClass && s.Active {
			class = append(class, s)
		}
	}
	if len(class) == 0 {
		return nil, fmt.Errorf("%w: no active credentials for class %q", domain.ErrNoCapacity, providerClass)
	}

	start := (p.cursors[providerClass] + 1) % len(class)
	for i := 0; i < len(class); i++ {
		idx := (start + i) % len(class)
		s := class[idx]

		// Lazy hourly reset on read.
		if s.HourWindowExpired(now) {
			s.RequestsThisHour = 0
			s.HourWindowStart = now.Truncate(time.Hour)
		}
		if s.Saturated() {
			continue
		}

		s.CurrentConcurrent++
		s.RequestsThisHour++
		s.TotalRequests++
		s.LastUsed = now
		p.cursors[providerClass] = idx
		p.persist(s)
		metrics.CredentialInUse.WithLabelValues(s.ID).Set(float64(s.CurrentConcurrent))

		return &Lease{
			CredentialID:  s.ID,
			ProviderClass: providerClass,
			APIKey:        s.APIKey,
			pool:          p,
		}, nil
	}

	return nil, fmt.Errorf("%w: class %q", domain.ErrNoCapacity, providerClass)
}

func (p *Pool) release(credentialID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.ID == credentialID {
			if s.CurrentConcurrent > 0 {
				s.CurrentConcurrent--
			}
			p.persist(s)
			metrics.CredentialInUse.WithLabelValues(s.ID).Set(float64(s.CurrentConcurrent))
			return
		}
	}
}

// MarkFailure bumps a credential's failure counter for operator
// visibility. Does not deactivate the slot.
func (p *Pool) MarkFailure(credentialID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.ID == credentialID {
			s.FailedRequests++
			p.persist(s)
			metrics.CredentialFailures.WithLabelValues(s.ID).Inc()
			return
		}
	}
}

// SyncCounters rebuilds every slot's concurrency counter from the
// store's processing tasks. Run at startup after reconciliation, and on
// operator demand when counters are suspected to have drifted.
func (p *Pool) SyncCounters() error {
	counts, err := p.db.ProcessingByCredential()
	if err != nil {
		return fmt.Errorf("count processing tasks: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		s.CurrentConcurrent = counts[s.ID]
		p.persist(s)
	}
	return nil
}

// Snapshot returns a copy of every slot for queries. API keys are
// stripped by JSON serialization, not here.
func (p *Pool) Snapshot() []domain.CredentialSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.CredentialSlot, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, *s)
	}
	return out
}

// persist writes a slot's counters through to the store. Called with
// p.mu held. Persistence failures are logged, not fatal: in-memory
// state stays authoritative and SyncCounters repairs drift.
func (p *Pool) persist(s *domain.CredentialSlot) {
	if err := p.db.SaveCredentialUsage(*s); err != nil {
		log.Printf("[credpool] persist counters for %s: %v", s.ID, err)
	}
}
