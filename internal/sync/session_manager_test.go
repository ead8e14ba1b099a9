package sync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meschain/meschain-sync/internal/marketplace"
)

type failingSessionStore struct {
	*MemoryStore
	fail bool
}

func (f *failingSessionStore) SaveSession(ctx context.Context, s *SyncSession) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.SaveSession(ctx, s)
}

func TestSessionManager_SingleOpenSessionPerMarketplace(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sm := NewSessionManager(store, nil)

	id, err := sm.StartSession(ctx, marketplace.Trendyol)
	require.NoError(t, err)

	_, err = sm.StartSession(ctx, marketplace.Trendyol)
	require.ErrorIs(t, err, ErrAlreadyActive)
	var stateErr *SessionStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, id, stateErr.SessionID)

	persisted, err := store.LoadSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 1, "second start must create nothing")

	_, err = sm.StartSession(ctx, marketplace.Amazon)
	require.NoError(t, err)

	_, err = sm.StopSession(ctx, id)
	require.NoError(t, err)
	_, err = sm.StartSession(ctx, marketplace.Trendyol)
	assert.NoError(t, err, "a new session may start after the old one stopped")
}

func TestSessionManager_CounterConservation(t *testing.T) {
	ctx := context.Background()
	sm := NewSessionManager(NewMemoryStore(), nil)
	id, err := sm.StartSession(ctx, marketplace.N11)
	require.NoError(t, err)

	_, err = sm.RecordOperationBatch(ctx, id, OperationBatch{Total: 10, Successful: 8, Failed: 2, ConflictsDetected: 1, ConflictsResolved: 1})
	require.NoError(t, err)
	s, err := sm.RecordOperationBatch(ctx, id, OperationBatch{Total: 5, Successful: 5})
	require.NoError(t, err)

	assert.Equal(t, 15, s.OperationsTotal)
	assert.Equal(t, 13, s.OperationsSuccessful)
	assert.Equal(t, 2, s.OperationsFailed)
	assert.LessOrEqual(t, s.OperationsSuccessful+s.OperationsFailed, s.OperationsTotal)
	assert.InDelta(t, 86.666, s.SuccessRate, 0.01)
}

func TestSessionManager_RejectsInvalidBatch(t *testing.T) {
	ctx := context.Background()
	sm := NewSessionManager(NewMemoryStore(), nil)
	id, err := sm.StartSession(ctx, marketplace.N11)
	require.NoError(t, err)

	tests := []struct {
		name  string
		batch OperationBatch
	}{
		{"negative", OperationBatch{Total: -1}},
		{"more outcomes than operations", OperationBatch{Total: 2, Successful: 2, Failed: 1}},
		{"more resolved than detected", OperationBatch{Total: 1, Successful: 1, ConflictsDetected: 1, ConflictsResolved: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sm.RecordOperationBatch(ctx, id, tt.batch)
			assert.ErrorIs(t, err, ErrInvalidBatch)
		})
	}

	s, err := sm.GetStatus(id)
	require.NoError(t, err)
	assert.Zero(t, s.OperationsTotal)
}

func TestSessionManager_SuccessRateBounds(t *testing.T) {
	ctx := context.Background()
	sm := NewSessionManager(NewMemoryStore(), nil)
	id, err := sm.StartSession(ctx, marketplace.Ebay)
	require.NoError(t, err)

	s, err := sm.GetStatus(id)
	require.NoError(t, err)
	assert.Zero(t, s.SuccessRate, "no operations means 0%")

	for _, b := range []OperationBatch{{Total: 3, Successful: 3}, {Total: 4}, {Total: 1, Successful: 1}} {
		s, err = sm.RecordOperationBatch(ctx, id, b)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, s.SuccessRate, 0.0)
		assert.LessOrEqual(t, s.SuccessRate, 100.0)
	}
	assert.Equal(t, 50.0, s.SuccessRate)
}

func TestSessionManager_ClosedSessionRejectsWork(t *testing.T) {
	ctx := context.Background()
	sm := NewSessionManager(NewMemoryStore(), nil)
	id, err := sm.StartSession(ctx, marketplace.Ozon)
	require.NoError(t, err)

	_, err = sm.StopSession(ctx, id)
	require.NoError(t, err)

	_, err = sm.RecordOperationBatch(ctx, id, OperationBatch{Total: 1, Successful: 1})
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = sm.PauseSession(ctx, id)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = sm.StopSession(ctx, id)
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = sm.RecordOperationBatch(ctx, "missing", OperationBatch{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionManager_PauseResume(t *testing.T) {
	ctx := context.Background()
	sm := NewSessionManager(NewMemoryStore(), nil)
	id, err := sm.StartSession(ctx, marketplace.Hepsiburada)
	require.NoError(t, err)

	s, err := sm.Activate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, s.Status)

	s, err = sm.PauseSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SessionPaused, s.Status)
	assert.Len(t, sm.ListActiveSessions(), 1, "paused sessions are still open")

	s, err = sm.ResumeSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, s.Status)
}

func TestSessionManager_StoreFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store := &failingSessionStore{MemoryStore: NewMemoryStore()}
	sm := NewSessionManager(store, nil)
	id, err := sm.StartSession(ctx, marketplace.Amazon)
	require.NoError(t, err)

	store.fail = true
	_, err = sm.RecordOperationBatch(ctx, id, OperationBatch{Total: 4, Successful: 4})
	require.Error(t, err)

	s, err := sm.GetStatus(id)
	require.NoError(t, err)
	assert.Zero(t, s.OperationsTotal)

	_, err = sm.StartSession(ctx, marketplace.N11)
	assert.Error(t, err)
	_, ok := sm.OpenSession(marketplace.N11)
	assert.False(t, ok)
}

func TestSessionManager_Recover(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first := NewSessionManager(store, nil)
	open, err := first.StartSession(ctx, marketplace.Trendyol)
	require.NoError(t, err)
	closed, err := first.StartSession(ctx, marketplace.Amazon)
	require.NoError(t, err)
	_, err = first.StopSession(ctx, closed)
	require.NoError(t, err)

	second := NewSessionManager(store, nil)
	n, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, err := second.GetStatus(open)
	require.NoError(t, err)
	assert.Equal(t, SessionError, s.Status)
	assert.Equal(t, "interrupted", s.ErrorMessage)
	assert.Empty(t, second.ListActiveSessions())

	s, err = second.GetStatus(closed)
	require.NoError(t, err)
	assert.Equal(t, SessionStopped, s.Status)
}

func TestSessionManager_ConcurrentBatches(t *testing.T) {
	ctx := context.Background()
	sm := NewSessionManager(NewMemoryStore(), nil)
	id, err := sm.StartSession(ctx, marketplace.Trendyol)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sm.RecordOperationBatch(ctx, id, OperationBatch{Total: 2, Successful: 1, Failed: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	s, err := sm.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 100, s.OperationsTotal)
	assert.Equal(t, 50, s.OperationsSuccessful)
	assert.Equal(t, 50, s.OperationsFailed)
	assert.Equal(t, 50.0, s.SuccessRate)
}

func TestSessionManager_RecordResolvedConflicts(t *testing.T) {
	ctx := context.Background()
	sm := NewSessionManager(NewMemoryStore(), nil)
	id, err := sm.StartSession(ctx, marketplace.Trendyol)
	require.NoError(t, err)
	_, err = sm.RecordOperationBatch(ctx, id, OperationBatch{Total: 2, Successful: 1, Failed: 1, ConflictsDetected: 1})
	require.NoError(t, err)

	s, err := sm.RecordResolvedConflicts(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ConflictsResolved)

	_, err = sm.RecordResolvedConflicts(ctx, id, 1)
	assert.ErrorIs(t, err, ErrInvalidBatch)
}
