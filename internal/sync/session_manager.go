package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meschain/meschain-sync/internal/marketplace"
)

// SessionManager owns session state and is the only writer of session
// counters. Every mutation is written through to the store before it
// becomes visible.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*SyncSession
	open     map[marketplace.Marketplace]string

	store  SessionStore
	logger *zap.Logger
	now    func() time.Time
}

// NewSessionManager creates a session manager on top of a store
func NewSessionManager(store SessionStore, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		sessions: make(map[string]*SyncSession),
		open:     make(map[marketplace.Marketplace]string),
		store:    store,
		logger:   logger.With(zap.String("component", "session_manager")),
		now:      time.Now,
	}
}

// Recover loads persisted sessions. Sessions a previous process left open
// are marked as errored since their passes cannot be resumed.
func (sm *SessionManager) Recover(ctx context.Context) (int, error) {
	persisted, err := sm.store.LoadSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load sessions: %w", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	interrupted := 0
	for i := range persisted {
		s := persisted[i]
		if s.Status.IsOpen() {
			now := sm.now()
			s.Status = SessionError
			s.ErrorMessage = "interrupted"
			s.StoppedAt = &now
			if err := sm.store.SaveSession(ctx, &s); err != nil {
				return interrupted, fmt.Errorf("failed to close interrupted session %s: %w", s.ID, err)
			}
			interrupted++
		}
		sm.sessions[s.ID] = &s
	}
	if interrupted > 0 {
		sm.logger.Warn("closed interrupted sessions", zap.Int("count", interrupted))
	}
	return interrupted, nil
}

// StartSession opens a new session for a marketplace
func (sm *SessionManager) StartSession(ctx context.Context, mp marketplace.Marketplace) (string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if id, ok := sm.open[mp]; ok {
		return "", &SessionStateError{SessionID: id, Status: sm.sessions[id].Status, Err: ErrAlreadyActive}
	}

	now := sm.now()
	s := &SyncSession{
		ID:           uuid.New().String(),
		Marketplace:  mp,
		Status:       SessionInitializing,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := sm.store.SaveSession(ctx, s); err != nil {
		return "", fmt.Errorf("failed to persist session: %w", err)
	}

	sm.sessions[s.ID] = s
	sm.open[mp] = s.ID
	sm.logger.Info("🔄 session started", zap.String("session_id", s.ID), zap.String("marketplace", string(mp)))
	return s.ID, nil
}

// OpenSession returns the open session of a marketplace, if any
func (sm *SessionManager) OpenSession(mp marketplace.Marketplace) (SyncSession, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	id, ok := sm.open[mp]
	if !ok {
		return SyncSession{}, false
	}
	return *sm.sessions[id], true
}

// Activate moves an initializing session to active
func (sm *SessionManager) Activate(ctx context.Context, id string) (SyncSession, error) {
	return sm.mutate(ctx, id, func(s *SyncSession) error {
		if !s.Status.IsOpen() {
			return ErrSessionClosed
		}
		if s.Status == SessionInitializing {
			s.Status = SessionActive
		}
		return nil
	})
}

// RecordOperationBatch adds the counters of one pass to the session
func (sm *SessionManager) RecordOperationBatch(ctx context.Context, id string, b OperationBatch) (SyncSession, error) {
	if err := b.validate(); err != nil {
		return SyncSession{}, err
	}
	return sm.mutate(ctx, id, func(s *SyncSession) error {
		if !s.Status.IsOpen() {
			return ErrSessionClosed
		}
		s.OperationsTotal += b.Total
		s.OperationsSuccessful += b.Successful
		s.OperationsFailed += b.Failed
		s.ConflictsDetected += b.ConflictsDetected
		s.ConflictsResolved += b.ConflictsResolved
		s.SuccessRate = ComputeSuccessRate(s.OperationsSuccessful, s.OperationsTotal)
		s.LastActivity = sm.now()
		return nil
	})
}

// RecordResolvedConflicts counts conflicts settled outside a pass
func (sm *SessionManager) RecordResolvedConflicts(ctx context.Context, id string, n int) (SyncSession, error) {
	if n < 0 {
		return SyncSession{}, fmt.Errorf("%w: negative count", ErrInvalidBatch)
	}
	return sm.mutate(ctx, id, func(s *SyncSession) error {
		if !s.Status.IsOpen() {
			return ErrSessionClosed
		}
		if s.ConflictsResolved+n > s.ConflictsDetected {
			return fmt.Errorf("%w: more conflicts resolved than detected", ErrInvalidBatch)
		}
		s.ConflictsResolved += n
		s.LastActivity = sm.now()
		return nil
	})
}

// PauseSession suspends future passes of a session
func (sm *SessionManager) PauseSession(ctx context.Context, id string) (SyncSession, error) {
	return sm.mutate(ctx, id, func(s *SyncSession) error {
		if !s.Status.IsOpen() {
			return ErrSessionClosed
		}
		s.Status = SessionPaused
		return nil
	})
}

// ResumeSession re-activates a paused session
func (sm *SessionManager) ResumeSession(ctx context.Context, id string) (SyncSession, error) {
	return sm.mutate(ctx, id, func(s *SyncSession) error {
		if !s.Status.IsOpen() {
			return ErrSessionClosed
		}
		s.Status = SessionActive
		return nil
	})
}

// StopSession closes a session. No counter changes are accepted afterwards.
func (sm *SessionManager) StopSession(ctx context.Context, id string) (SyncSession, error) {
	s, err := sm.close(ctx, id, SessionStopped, "")
	if err == nil {
		sm.logger.Info("🛑 session stopped", zap.String("session_id", id))
	}
	return s, err
}

// MarkError closes a session after a fatal failure
func (sm *SessionManager) MarkError(ctx context.Context, id string, message string) (SyncSession, error) {
	s, err := sm.close(ctx, id, SessionError, message)
	if err == nil {
		sm.logger.Error("session failed", zap.String("session_id", id), zap.String("error", message))
	}
	return s, err
}

func (sm *SessionManager) close(ctx context.Context, id string, status SessionStatus, message string) (SyncSession, error) {
	return sm.mutate(ctx, id, func(s *SyncSession) error {
		if !s.Status.IsOpen() {
			return ErrSessionClosed
		}
		now := sm.now()
		s.Status = status
		s.ErrorMessage = message
		s.StoppedAt = &now
		return nil
	})
}

// mutate applies fn to a copy of the session, persists it and only then
// swaps it in
func (sm *SessionManager) mutate(ctx context.Context, id string, fn func(s *SyncSession) error) (SyncSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	current, ok := sm.sessions[id]
	if !ok {
		return SyncSession{}, &SessionStateError{SessionID: id, Err: ErrSessionNotFound}
	}

	next := *current
	if err := fn(&next); err != nil {
		if err == ErrSessionClosed {
			return *current, &SessionStateError{SessionID: id, Status: current.Status, Err: err}
		}
		return *current, err
	}
	if err := sm.store.SaveSession(ctx, &next); err != nil {
		return *current, fmt.Errorf("failed to persist session %s: %w", id, err)
	}

	*current = next
	if !next.Status.IsOpen() && sm.open[next.Marketplace] == id {
		delete(sm.open, next.Marketplace)
	}
	return next, nil
}

// GetStatus returns a snapshot of one session
func (sm *SessionManager) GetStatus(id string) (SyncSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[id]
	if !ok {
		return SyncSession{}, &SessionStateError{SessionID: id, Err: ErrSessionNotFound}
	}
	return *s, nil
}

// ListActiveSessions returns the open sessions in marketplace priority order
func (sm *SessionManager) ListActiveSessions() []SyncSession {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make([]SyncSession, 0, len(sm.open))
	for _, mp := range marketplace.All() {
		if id, ok := sm.open[mp]; ok {
			out = append(out, *sm.sessions[id])
		}
	}
	return out
}

// ListSessions returns every known session, newest first
func (sm *SessionManager) ListSessions() []SyncSession {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make([]SyncSession, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (b OperationBatch) validate() error {
	switch {
	case b.Total < 0 || b.Successful < 0 || b.Failed < 0 || b.ConflictsDetected < 0 || b.ConflictsResolved < 0:
		return fmt.Errorf("%w: negative counter", ErrInvalidBatch)
	case b.Successful+b.Failed > b.Total:
		return fmt.Errorf("%w: successful %d + failed %d exceeds total %d", ErrInvalidBatch, b.Successful, b.Failed, b.Total)
	case b.ConflictsResolved > b.ConflictsDetected:
		return fmt.Errorf("%w: resolved %d exceeds detected %d", ErrInvalidBatch, b.ConflictsResolved, b.ConflictsDetected)
	}
	return nil
}
