// Package store persists sync sessions, conflicts, pass history and the
// local catalog in PostgreSQL through gorm.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/meschain/meschain-sync/internal/marketplace"
	"github.com/meschain/meschain-sync/internal/models"
	"github.com/meschain/meschain-sync/internal/sync"
)

// Store implements the session, conflict and pass log stores of the sync
// engine
type Store struct {
	db *gorm.DB
}

var (
	_ sync.SessionStore = (*Store)(nil)
	_ sync.ConflictStore = (*Store)(nil)
	_ sync.PassLogStore = (*Store)(nil)
)

// New creates a Store on an open connection
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// SaveSession upserts the session snapshot
func (s *Store) SaveSession(ctx context.Context, session *sync.SyncSession) error {
	rec := sessionToRecord(session)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// LoadSessions returns every stored session, oldest first
func (s *Store) LoadSessions(ctx context.Context) ([]sync.SyncSession, error) {
	var recs []models.SyncSessionRecord
	if err := s.db.WithContext(ctx).Order("started_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	out := make([]sync.SyncSession, 0, len(recs))
	for _, r := range recs {
		out = append(out, recordToSession(r))
	}
	return out, nil
}

// SaveConflicts upserts a batch of conflicts in one transaction
func (s *Store) SaveConflicts(ctx context.Context, conflicts []*sync.Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	recs := make([]models.SyncConflictRecord, 0, len(conflicts))
	for _, c := range conflicts {
		rec, err := conflictToRecord(c)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&recs).Error; err != nil {
			return fmt.Errorf("save conflicts: %w", err)
		}
		return nil
	})
}

// SettleConflict writes the resolution with a conditional update so only one
// resolver of a conflict wins
func (s *Store) SettleConflict(ctx context.Context, c *sync.Conflict) error {
	rec, err := conflictToRecord(c)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.SyncConflictRecord{}).
		Where("id = ? AND status IN ?", c.ID, []string{string(sync.ConflictPending), string(sync.ConflictManualReviewRequired)}).
		Updates(map[string]interface{}{
			"strategy":   rec.Strategy,
			"status":     rec.Status,
			"resolution": rec.Resolution,
			"reason":     rec.Reason,
			"updated_at": rec.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("settle conflict %s: %w", c.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var n int64
	if err := s.db.WithContext(ctx).Model(&models.SyncConflictRecord{}).Where("id = ?", c.ID).Count(&n).Error; err != nil {
		return fmt.Errorf("settle conflict %s: %w", c.ID, err)
	}
	if n == 0 {
		return sync.ErrConflictNotFound
	}
	return fmt.Errorf("%w: %s", sync.ErrConflictSettled, c.ID)
}

// GetConflict loads one conflict
func (s *Store) GetConflict(ctx context.Context, id string) (*sync.Conflict, error) {
	var rec models.SyncConflictRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, sync.ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict %s: %w", id, err)
	}
	return recordToConflict(rec)
}

// ListConflicts returns the conflicts of a marketplace, oldest first
func (s *Store) ListConflicts(ctx context.Context, mp marketplace.Marketplace, statuses ...sync.ConflictStatus) ([]*sync.Conflict, error) {
	q := s.db.WithContext(ctx).Where("marketplace = ?", string(mp))
	if len(statuses) > 0 {
		names := make([]string, 0, len(statuses))
		for _, st := range statuses {
			names = append(names, string(st))
		}
		q = q.Where("status IN ?", names)
	}

	var recs []models.SyncConflictRecord
	if err := q.Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	out := make([]*sync.Conflict, 0, len(recs))
	for _, r := range recs {
		c, err := recordToConflict(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// SavePass appends one row to sync_history
func (s *Store) SavePass(ctx context.Context, r *sync.SyncResult) error {
	h, err := passToHistory(r)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&h).Error; err != nil {
		return fmt.Errorf("save pass: %w", err)
	}
	return nil
}

// ListPasses returns the passes of a session in execution order
func (s *Store) ListPasses(ctx context.Context, sessionID string) ([]sync.SyncResult, error) {
	var rows []models.SyncHistory
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("started_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list passes: %w", err)
	}
	out := make([]sync.SyncResult, 0, len(rows))
	for _, h := range rows {
		p, err := historyToPass(h)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
