package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meschain/meschain-sync/internal/marketplace"
)

// MemoryStore keeps sessions, conflicts and pass logs in process memory.
// It is used by tests and by the one-shot CLI.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]SyncSession
	conflicts map[string]Conflict
	order     []string // conflict ids by insertion
	passes    []SyncResult
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]SyncSession),
		conflicts: make(map[string]Conflict),
	}
}

func (m *MemoryStore) SaveSession(_ context.Context, s *SyncSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) LoadSessions(_ context.Context) ([]SyncSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SyncSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) SaveConflicts(_ context.Context, conflicts []*Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range conflicts {
		if _, ok := m.conflicts[c.ID]; !ok {
			m.order = append(m.order, c.ID)
		}
		m.conflicts[c.ID] = copyConflict(c)
	}
	return nil
}

func (m *MemoryStore) SettleConflict(_ context.Context, c *Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.conflicts[c.ID]
	if !ok {
		return ErrConflictNotFound
	}
	if stored.Status != ConflictPending && stored.Status != ConflictManualReviewRequired {
		return fmt.Errorf("%w: %s is %s", ErrConflictSettled, c.ID, stored.Status)
	}
	m.conflicts[c.ID] = copyConflict(c)
	return nil
}

func (m *MemoryStore) GetConflict(_ context.Context, id string) (*Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, ErrConflictNotFound
	}
	out := copyConflict(&c)
	return &out, nil
}

func (m *MemoryStore) ListConflicts(_ context.Context, mp marketplace.Marketplace, statuses ...ConflictStatus) ([]*Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[ConflictStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	out := make([]*Conflict, 0)
	for _, id := range m.order {
		c := m.conflicts[id]
		if c.Marketplace != mp || (len(want) > 0 && !want[c.Status]) {
			continue
		}
		cp := copyConflict(&c)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SavePass(_ context.Context, r *SyncResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Steps = append([]StepResult(nil), r.Steps...)
	m.passes = append(m.passes, cp)
	return nil
}

func (m *MemoryStore) ListPasses(_ context.Context, sessionID string) ([]SyncResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SyncResult, 0)
	for _, p := range m.passes {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out, nil
}

func copyConflict(c *Conflict) Conflict {
	cp := *c
	if c.Resolution != nil {
		r := *c.Resolution
		cp.Resolution = &r
	}
	return cp
}

type catalogKey struct {
	mp marketplace.Marketplace
	et marketplace.EntityType
	id string
}

type outboxEntry struct {
	change marketplace.Change
	mp     marketplace.Marketplace
	acked  bool
}

// MemoryCatalog is an in-memory outbox and entity snapshot store
type MemoryCatalog struct {
	mu        sync.RWMutex
	outbox    []*outboxEntry
	snapshots map[catalogKey]marketplace.Payload
	now       func() time.Time
}

// NewMemoryCatalog creates an empty catalog
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		snapshots: make(map[catalogKey]marketplace.Payload),
		now:       time.Now,
	}
}

// Enqueue adds a local change to the outbox of a marketplace
func (c *MemoryCatalog) Enqueue(mp marketplace.Marketplace, change marketplace.Change) marketplace.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	if change.ID == "" {
		change.ID = uuid.New().String()
	}
	if change.UpdatedAt.IsZero() {
		change.UpdatedAt = c.now()
	}
	if change.EntityType == "" && change.Data != nil {
		change.EntityType = change.Data.EntityType()
	}
	c.outbox = append(c.outbox, &outboxEntry{change: change, mp: mp})
	return change
}

// Snapshot returns the stored version of an entity
func (c *MemoryCatalog) Snapshot(mp marketplace.Marketplace, et marketplace.EntityType, id string) (marketplace.Payload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.snapshots[catalogKey{mp, et, id}]
	return p, ok
}

// Pending counts unacknowledged changes of a marketplace
func (c *MemoryCatalog) Pending(mp marketplace.Marketplace) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.outbox {
		if e.mp == mp && !e.acked {
			n++
		}
	}
	return n
}

func (c *MemoryCatalog) PendingChanges(_ context.Context, mp marketplace.Marketplace, et marketplace.EntityType, limit int) (marketplace.Batch, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var batch marketplace.Batch
	for _, e := range c.outbox {
		if e.mp != mp || e.acked || e.change.EntityType != et {
			continue
		}
		batch = append(batch, e.change)
		if limit > 0 && len(batch) >= limit {
			break
		}
	}
	return batch, nil
}

func (c *MemoryCatalog) PendingChange(_ context.Context, mp marketplace.Marketplace, et marketplace.EntityType, entityID string) (marketplace.Change, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.outbox) - 1; i >= 0; i-- {
		e := c.outbox[i]
		if e.mp == mp && !e.acked && e.change.EntityType == et && e.change.EntityID == entityID {
			return e.change, true, nil
		}
	}
	return marketplace.Change{}, false, nil
}

func (c *MemoryCatalog) Acknowledge(_ context.Context, mp marketplace.Marketplace, changeIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := toSet(changeIDs)
	for _, e := range c.outbox {
		if e.mp == mp && ids[e.change.ID] && !e.acked {
			e.acked = true
			c.snapshots[catalogKey{mp, e.change.EntityType, e.change.EntityID}] = e.change.Data
		}
	}
	return nil
}

func (c *MemoryCatalog) ApplyRemote(_ context.Context, mp marketplace.Marketplace, records []marketplace.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		c.snapshots[catalogKey{mp, r.EntityType, r.EntityID}] = r.Data
	}
	return nil
}

// ApplyResolution stores the resolved data and settles the outbox entry.
// When the store version won, fully or by merge, the resolved data is queued
// again so the marketplace receives it.
func (c *MemoryCatalog) ApplyResolution(_ context.Context, mp marketplace.Marketplace, conflict *Conflict) error {
	if conflict.Resolution == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.outbox {
		if e.mp != mp || e.acked {
			continue
		}
		if conflict.ChangeID != "" {
			if e.change.ID == conflict.ChangeID {
				e.acked = true
			}
		} else if e.change.EntityType == conflict.EntityType && e.change.EntityID == conflict.EntityID {
			e.acked = true
		}
	}
	c.snapshots[catalogKey{mp, conflict.EntityType, conflict.EntityID}] = conflict.Resolution.Data

	if requeue, ok := conflict.Requeue(uuid.New().String(), c.now()); ok {
		c.outbox = append(c.outbox, &outboxEntry{mp: mp, change: requeue})
	}
	return nil
}
