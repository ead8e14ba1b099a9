package sync

import (
	"context"

	"github.com/meschain/meschain-sync/internal/marketplace"
)

// SessionStore persists session snapshots
type SessionStore interface {
	SaveSession(ctx context.Context, s *SyncSession) error
	LoadSessions(ctx context.Context) ([]SyncSession, error)
}

// ConflictStore persists conflicts and serves the review queue
type ConflictStore interface {
	SaveConflicts(ctx context.Context, conflicts []*Conflict) error
	// SettleConflict stores a resolved conflict only while the stored copy
	// is still pending or awaiting review, ErrConflictSettled otherwise
	SettleConflict(ctx context.Context, c *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	// ListConflicts returns conflicts of a marketplace, oldest first. No
	// statuses means all.
	ListConflicts(ctx context.Context, mp marketplace.Marketplace, statuses ...ConflictStatus) ([]*Conflict, error)
}

// PassLogStore keeps one row per sync pass
type PassLogStore interface {
	SavePass(ctx context.Context, r *SyncResult) error
	ListPasses(ctx context.Context, sessionID string) ([]SyncResult, error)
}

// Catalog is the local side of the sync: the outbox of pending changes and
// the last known snapshot of each entity.
type Catalog interface {
	// PendingChanges returns up to limit unacknowledged changes, oldest first
	PendingChanges(ctx context.Context, mp marketplace.Marketplace, et marketplace.EntityType, limit int) (marketplace.Batch, error)
	// PendingChange returns the newest unacknowledged change of one entity
	PendingChange(ctx context.Context, mp marketplace.Marketplace, et marketplace.EntityType, entityID string) (marketplace.Change, bool, error)
	// Acknowledge marks outbox entries as pushed
	Acknowledge(ctx context.Context, mp marketplace.Marketplace, changeIDs []string) error
	// ApplyRemote stores entities received from the marketplace
	ApplyRemote(ctx context.Context, mp marketplace.Marketplace, records []marketplace.Record) error
	// ApplyResolution stores the resolved version of a conflict entity
	ApplyResolution(ctx context.Context, mp marketplace.Marketplace, c *Conflict) error
}
