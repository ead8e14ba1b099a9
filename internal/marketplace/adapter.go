package marketplace

import (
	"context"
	"time"
)

// Version is one side of a divergent entity
type Version struct {
	Data      Payload   `json:"data"`
	Changed   []string  `json:"changed,omitempty"`    // fields edited on this side, empty = unknown
	UpdatedAt time.Time `json:"updated_at,omitempty"` // zero = unknown
	Pending   bool      `json:"pending,omitempty"`    // uncommitted local edit
}

// HasTimestamp reports whether the version carries a usable timestamp
func (v Version) HasTimestamp() bool {
	return !v.UpdatedAt.IsZero()
}

// ChangedFields returns the explicitly changed fields, or every field of the
// payload when the change set is unknown.
func (v Version) ChangedFields() []string {
	if len(v.Changed) > 0 {
		return v.Changed
	}
	if v.Data == nil {
		return nil
	}
	return SortedKeys(v.Data.Fields())
}

// Change is one local outbox entry waiting to be pushed
type Change struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Data       Payload    `json:"data"`
	Changed    []string   `json:"changed,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`

	// BaseUpdatedAt is the remote version a resolved change was decided
	// against, zero for plain local edits
	BaseUpdatedAt time.Time `json:"base_updated_at,omitempty"`
}

// Version returns the change as the local side of a conflict
func (c Change) Version() Version {
	return Version{Data: c.Data, Changed: c.Changed, UpdatedAt: c.UpdatedAt, Pending: true}
}

// Batch is an ordered list of outbound changes of a single entity type
type Batch []Change

// IDs returns the change ids of the batch in order
func (b Batch) IDs() []string {
	ids := make([]string, 0, len(b))
	for _, c := range b {
		ids = append(ids, c.ID)
	}
	return ids
}

// Record is one entity received from a marketplace
type Record struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Data       Payload    `json:"data"`
	Changed    []string   `json:"changed,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Version returns the record as the remote side of a conflict
func (r Record) Version() Version {
	return Version{Data: r.Data, Changed: r.Changed, UpdatedAt: r.UpdatedAt}
}

// LocalView lets an inbound pull see uncommitted local edits
type LocalView interface {
	PendingChange(entityType EntityType, entityID string) (Change, bool)
}

// RawConflict is a divergence reported by an adapter before classification
type RawConflict struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	ChangeID   string     `json:"change_id,omitempty"`
	Local      Version    `json:"local"`
	Remote     Version    `json:"remote"`
	Reason     string     `json:"reason,omitempty"`
}

// OperationResult is the outcome of one adapter step
type OperationResult struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Conflicts  []RawConflict `json:"conflicts,omitempty"`
	// Records holds the accepted inbound entities
	Records []Record `json:"records,omitempty"`
	// Accepted holds the change ids the marketplace applied
	Accepted []string `json:"accepted,omitempty"`
	// Cursor is the newest updated_at a pull saw, zero when it did not move
	Cursor time.Time `json:"cursor,omitempty"`
}

// Failed is the number of operations that neither succeeded nor conflicted
func (r OperationResult) Failed() int {
	failed := r.Total - r.Successful - len(r.Conflicts)
	if failed < 0 {
		return 0
	}
	return failed
}

// CursorCommitter is implemented by adapters that resume pulls from a
// cursor. The cursor only moves once the caller has stored the records.
type CursorCommitter interface {
	CommitCursor(entityType EntityType, to time.Time)
}

// Adapter translates the canonical model to and from one marketplace API
type Adapter interface {
	Marketplace() Marketplace

	// HealthCheck verifies the marketplace API is reachable
	HealthCheck(ctx context.Context) error

	PushProducts(ctx context.Context, batch Batch) (OperationResult, error)
	PushInventory(ctx context.Context, batch Batch) (OperationResult, error)
	PushPrices(ctx context.Context, batch Batch) (OperationResult, error)
	PushCategories(ctx context.Context, batch Batch) (OperationResult, error)

	PullOrders(ctx context.Context, local LocalView) (OperationResult, error)
	PullProductUpdates(ctx context.Context, local LocalView) (OperationResult, error)
	PullInventoryUpdates(ctx context.Context, local LocalView) (OperationResult, error)
	PullPriceUpdates(ctx context.Context, local LocalView) (OperationResult, error)
}
