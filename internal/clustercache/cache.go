// Package clustercache caches tier assignments keyed by feature-set
// fingerprint. A cache hit lets the miner skip a full k-means recompute when
// no source vector has changed since the last run. Entries expire on a TTL
// and the whole cache is invalidated whenever a CLUSTER block commits.
//
// Two backends exist: Redis, shared across every node pointed at the same
// instance, and an in-process map for single-node or test runs.
package clustercache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cairn-oracle/cairn/pkg/ledger"
)

// DefaultTTL is how long a cached assignment stays valid.
const DefaultTTL = 300 * time.Second

// Entry is one cached tier assignment.
type Entry struct {
	Tiers        map[string]ledger.Tier `json:"tiers"`
	ComputedAtMs int64                  `json:"computed_at_ms"`
}

// Cache stores tier assignments by fingerprint. Get returns
// ledger.ErrNotFound on a miss or an expired entry.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	Put(ctx context.Context, fingerprint string, tiers map[string]ledger.Tier) error
	Invalidate(ctx context.Context) error
	Close() error
}

// Memory is the process-local backend.
type Memory struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemory returns an in-process cache. A non-positive ttl means DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (m *Memory) Get(_ context.Context, fingerprint string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fingerprint]
	if !ok {
		return nil, fmt.Errorf("%w: no cached assignment for %s", ledger.ErrNotFound, shortFingerprint(fingerprint))
	}
	if time.Now().After(e.expiresAt) {
		delete(m.entries, fingerprint)
		return nil, fmt.Errorf("%w: cached assignment for %s expired", ledger.ErrNotFound, shortFingerprint(fingerprint))
	}
	// Hand out a copy so callers cannot mutate the stored assignment.
	out := Entry{
		Tiers:        copyTiers(e.entry.Tiers),
		ComputedAtMs: e.entry.ComputedAtMs,
	}
	return &out, nil
}

func (m *Memory) Put(_ context.Context, fingerprint string, tiers map[string]ledger.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[fingerprint] = memoryEntry{
		entry:     Entry{Tiers: copyTiers(tiers), ComputedAtMs: ledger.NowMs()},
		expiresAt: time.Now().Add(m.ttl),
	}
	return nil
}

func copyTiers(tiers map[string]ledger.Tier) map[string]ledger.Tier {
	out := make(map[string]ledger.Tier, len(tiers))
	for k, v := range tiers {
		out[k] = v
	}
	return out
}

func (m *Memory) Invalidate(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
