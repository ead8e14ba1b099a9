package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meschain/meschain-sync/internal/marketplace"
	"github.com/meschain/meschain-sync/internal/sync"
)

func TestConflictRecord_KeepsTypedPayloads(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &sync.Conflict{
		ID:          "c-1",
		SessionID:   "s-1",
		Marketplace: marketplace.Trendyol,
		EntityType:  marketplace.EntityOrder,
		EntityID:    "TY-100",
		ChangeID:    "ch-1",
		Local: marketplace.Version{
			Data:      marketplace.OrderData{OrderNumber: "TY-100", Status: "pending"},
			UpdatedAt: now,
			Pending:   true,
		},
		Remote: marketplace.Version{
			Data:    marketplace.OrderData{OrderNumber: "TY-100", Status: "shipped"},
			Changed: []string{"status"},
		},
		Strategy: sync.StrategyPriorityBased,
		Status:   sync.ConflictResolved,
		Resolution: &sync.Resolution{
			Data:           marketplace.OrderData{OrderNumber: "TY-100", Status: "shipped"},
			Winner:         marketplace.SideRemote,
			Superseded:     marketplace.SideLocal,
			SupersededData: marketplace.OrderData{OrderNumber: "TY-100", Status: "pending"},
			Reason:         "order data is authoritative on the marketplace",
			ResolvedBy:     "system",
			ResolvedAt:     now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	rec, err := conflictToRecord(c)
	require.NoError(t, err)
	assert.Equal(t, "trendyol", rec.Marketplace)
	assert.Equal(t, "resolved", rec.Status)

	back, err := recordToConflict(rec)
	require.NoError(t, err)
	assert.Equal(t, c.Local.Data, back.Local.Data)
	assert.True(t, back.Local.Pending)
	assert.Equal(t, []string{"status"}, back.Remote.Changed)
	require.NotNil(t, back.Resolution)
	assert.Equal(t, marketplace.SideRemote, back.Resolution.Winner)
	assert.Equal(t, c.Resolution.SupersededData, back.Resolution.SupersededData)
	assert.True(t, now.Equal(back.Resolution.ResolvedAt))
}

func TestConflictRecord_PendingHasNoResolution(t *testing.T) {
	c := &sync.Conflict{
		ID:          "c-2",
		Marketplace: marketplace.Amazon,
		EntityType:  marketplace.EntityPrice,
		EntityID:    "SKU-1",
		Local:       marketplace.Version{Data: marketplace.PriceData{SKU: "SKU-1", SalePrice: 10}},
		Remote:      marketplace.Version{Data: marketplace.PriceData{SKU: "SKU-1", SalePrice: 12}},
		Status:      sync.ConflictManualReviewRequired,
	}
	rec, err := conflictToRecord(c)
	require.NoError(t, err)
	assert.Empty(t, rec.Resolution)

	back, err := recordToConflict(rec)
	require.NoError(t, err)
	assert.Nil(t, back.Resolution)
	assert.Equal(t, sync.ConflictManualReviewRequired, back.Status)
}

func TestSessionRecord_RecomputesSuccessRate(t *testing.T) {
	s := &sync.SyncSession{
		ID:                   "s-1",
		Marketplace:          marketplace.N11,
		Status:               sync.SessionActive,
		OperationsTotal:      60,
		OperationsSuccessful: 45,
		OperationsFailed:     15,
		SuccessRate:          99, // stale
	}
	rec := sessionToRecord(s)
	assert.InDelta(t, 75.0, rec.SuccessRate, 0.001)

	rec.SuccessRate = 1
	back := recordToSession(rec)
	assert.InDelta(t, 75.0, back.SuccessRate, 0.001)
}

func TestHistoryRow_StepsRoundTrip(t *testing.T) {
	r := &sync.SyncResult{
		SessionID:   "s-1",
		Marketplace: marketplace.Ozon,
		Mode:        sync.ModeNormal,
		Status:      sync.PassPartial,
		Steps: []sync.StepResult{
			{Step: sync.StepPushProducts, Direction: marketplace.Outbound, Total: 40, Successful: 38, Attempts: 1},
			{Step: sync.StepPullOrders, Direction: marketplace.Inbound, Error: "timeout", Attempts: 3},
		},
		OperationsTotal: 41,
		Successful:      38,
		Failed:          3,
		Duration:        1500 * time.Millisecond,
	}
	h, err := passToHistory(r)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), h.Duration)

	back, err := historyToPass(h)
	require.NoError(t, err)
	assert.Equal(t, r.Steps, back.Steps)
	assert.Equal(t, r.Duration, back.Duration)
}
