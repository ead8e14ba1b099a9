package sync

import (
	"time"

	"github.com/meschain/meschain-sync/internal/marketplace"
)

// SessionStatus is the lifecycle state of a sync session
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionActive       SessionStatus = "active"
	SessionPaused       SessionStatus = "paused"
	SessionStopped      SessionStatus = "stopped"
	SessionError        SessionStatus = "error"
)

// IsOpen reports whether the session still accepts work
func (s SessionStatus) IsOpen() bool {
	return s == SessionInitializing || s == SessionActive || s == SessionPaused
}

// ConflictStatus represents the status of a conflict
type ConflictStatus string

const (
	ConflictPending              ConflictStatus = "pending"
	ConflictResolved             ConflictStatus = "resolved"
	ConflictManualReviewRequired ConflictStatus = "manual_review_required"
	ConflictFailed               ConflictStatus = "failed"
)

// IsTerminal reports whether the status can never change again
func (s ConflictStatus) IsTerminal() bool {
	return s == ConflictResolved || s == ConflictFailed
}

// Strategy defines how a conflict gets resolved
type Strategy string

const (
	StrategyAutomatic     Strategy = "automatic"
	StrategyPriorityBased Strategy = "priority_based"
	StrategyMerge         Strategy = "merge"
	StrategyManualReview  Strategy = "manual_review"
)

// SyncSession is the tracked state of one marketplace's sync activity
type SyncSession struct {
	ID                   string                  `json:"session_id"`
	Marketplace          marketplace.Marketplace `json:"marketplace"`
	Status               SessionStatus           `json:"status"`
	OperationsTotal      int                     `json:"operations_total"`
	OperationsSuccessful int                     `json:"operations_successful"`
	OperationsFailed     int                     `json:"operations_failed"`
	ConflictsDetected    int                     `json:"conflicts_detected"`
	ConflictsResolved    int                     `json:"conflicts_resolved"`
	SuccessRate          float64                 `json:"success_rate"`
	StartedAt            time.Time               `json:"started_at"`
	LastActivity         time.Time               `json:"last_activity"`
	StoppedAt            *time.Time              `json:"stopped_at,omitempty"`
	ErrorMessage         string                  `json:"error_message,omitempty"`
}

// ComputeSuccessRate returns successful/total as a percentage
func ComputeSuccessRate(successful, total int) float64 {
	if total <= 0 {
		return 0
	}
	rate := float64(successful) / float64(total) * 100
	if rate > 100 {
		return 100
	}
	if rate < 0 {
		return 0
	}
	return rate
}

// OperationBatch is the counter delta of one sync pass
type OperationBatch struct {
	Total             int `json:"total"`
	Successful        int `json:"successful"`
	Failed            int `json:"failed"`
	ConflictsDetected int `json:"conflicts_detected"`
	ConflictsResolved int `json:"conflicts_resolved"`
}

// Resolution records how a conflict was settled
type Resolution struct {
	Data           marketplace.Payload `json:"data"`
	Winner         marketplace.Side    `json:"winner"`
	Superseded     marketplace.Side    `json:"superseded,omitempty"`
	SupersededData marketplace.Payload `json:"superseded_data,omitempty"`
	Reason         string              `json:"reason"`
	ResolvedBy     string              `json:"resolved_by"`
	ResolvedAt     time.Time           `json:"resolved_at"`
}

// Conflict represents a divergence between the local and remote version of
// one entity
type Conflict struct {
	ID          string                  `json:"conflict_id"`
	SessionID   string                  `json:"session_id"`
	Marketplace marketplace.Marketplace `json:"marketplace"`
	EntityType  marketplace.EntityType  `json:"entity_type"`
	EntityID    string                  `json:"entity_id"`
	ChangeID    string                  `json:"change_id,omitempty"`
	Local       marketplace.Version     `json:"local"`
	Remote      marketplace.Version     `json:"remote"`
	Strategy    Strategy                `json:"strategy,omitempty"`
	Status      ConflictStatus          `json:"status"`
	Resolution  *Resolution             `json:"resolution,omitempty"`
	Reason      string                  `json:"reason,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// Requeue builds the outbox change that carries a store-won resolution back
// to the marketplace. It reports false when the remote version won. The
// change is based on the remote version so the next push is not rejected
// as stale again.
func (c *Conflict) Requeue(id string, now time.Time) (marketplace.Change, bool) {
	if c.Resolution == nil || c.Resolution.Data == nil || c.Resolution.Winner == marketplace.SideRemote {
		return marketplace.Change{}, false
	}
	var changed []string
	switch c.Resolution.Winner {
	case marketplace.SideLocal:
		changed = append(changed, c.Local.Changed...)
	case marketplace.SideMerged:
		if len(c.Local.Changed) > 0 && len(c.Remote.Changed) > 0 {
			seen := make(map[string]bool)
			for _, f := range append(append([]string(nil), c.Local.Changed...), c.Remote.Changed...) {
				if !seen[f] {
					seen[f] = true
					changed = append(changed, f)
				}
			}
		}
	}
	return marketplace.Change{
		ID:            id,
		EntityType:    c.EntityType,
		EntityID:      c.EntityID,
		Data:          c.Resolution.Data,
		Changed:       changed,
		UpdatedAt:     now,
		BaseUpdatedAt: c.Remote.UpdatedAt,
	}, true
}

// ResolutionReport summarises one Resolve call
type ResolutionReport struct {
	Total                int         `json:"total"`
	Resolved             int         `json:"resolved"`
	ManualReview         int         `json:"manual_review"`
	Failed               int         `json:"failed"`
	AlreadySettled       int         `json:"already_settled"`
	ResolutionRate       float64     `json:"resolution_rate"`
	ManualReviewRequired bool        `json:"manual_review_required"`
	Conflicts            []*Conflict `json:"-"`
	// Newly holds the conflicts resolved by this call, in resolution order
	Newly []*Conflict `json:"-"`
}

// PassMode tells how a sync pass ran
type PassMode string

const (
	ModeNormal   PassMode = "normal"
	ModeFallback PassMode = "fallback"
)

// PassStatus is the outcome of one pass
type PassStatus string

const (
	PassCompleted PassStatus = "completed"
	PassPartial   PassStatus = "partial"
	PassError     PassStatus = "error"
	PassSkipped   PassStatus = "skipped"
	PassDiscarded PassStatus = "discarded"
)

// Step names one adapter call within a pass
type Step string

const (
	StepPushProducts         Step = "push_products"
	StepPushInventory        Step = "push_inventory"
	StepPushPrices           Step = "push_prices"
	StepPushCategories       Step = "push_categories"
	StepPullOrders           Step = "pull_orders"
	StepPullProductUpdates   Step = "pull_product_updates"
	StepPullInventoryUpdates Step = "pull_inventory_updates"
	StepPullPriceUpdates     Step = "pull_price_updates"
)

// StepResult is the per-step part of a SyncResult
type StepResult struct {
	Step       Step                  `json:"step"`
	Direction  marketplace.Direction `json:"direction"`
	Total      int                   `json:"total"`
	Successful int                   `json:"successful"`
	Failed     int                   `json:"failed"`
	Conflicts  int                   `json:"conflicts"`
	Attempts   int                   `json:"attempts"`
	Skipped    bool                  `json:"skipped,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// SyncResult represents the result of one sync pass
type SyncResult struct {
	SessionID         string                  `json:"session_id"`
	Marketplace       marketplace.Marketplace `json:"marketplace"`
	Mode              PassMode                `json:"mode"`
	Status            PassStatus              `json:"status"`
	Steps             []StepResult            `json:"steps"`
	OperationsTotal   int                     `json:"operations_total"`
	Successful        int                     `json:"successful"`
	Failed            int                     `json:"failed"`
	ConflictsDetected int                     `json:"conflicts_detected"`
	ConflictsResolved int                     `json:"conflicts_resolved"`
	ResolutionRate    float64                 `json:"resolution_rate"`
	ManualReview      bool                    `json:"manual_review_required"`
	NewOrders         int                     `json:"new_orders"`
	StartedAt         time.Time               `json:"started_at"`
	Duration          time.Duration           `json:"duration_ns"`
	Error             string                  `json:"error,omitempty"`
}

// SuccessRate of the pass alone
func (r *SyncResult) SuccessRate() float64 {
	return ComputeSuccessRate(r.Successful, r.OperationsTotal)
}

// Event types published to realtime subscribers
const (
	EventSyncUpdate       = "sync_update"
	EventNewOrders        = "new_orders"
	EventConflictResolved = "conflict_resolved"
)

// Notifier fans out sync events. Publish must not block.
type Notifier interface {
	Publish(marketplace string, eventType string, payload interface{})
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, string, interface{}) {}
