package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/meschain/meschain-sync/internal/marketplace"
	"github.com/meschain/meschain-sync/internal/models"
	"github.com/meschain/meschain-sync/internal/sync"
)

// versionRow is the column form of a marketplace.Version
type versionRow struct {
	Data      json.RawMessage `json:"data"`
	Changed   []string        `json:"changed,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Pending   bool            `json:"pending,omitempty"`
}

// resolutionRow is the column form of a sync.Resolution
type resolutionRow struct {
	Data           json.RawMessage  `json:"data"`
	Winner         marketplace.Side `json:"winner"`
	Superseded     marketplace.Side `json:"superseded,omitempty"`
	SupersededData json.RawMessage  `json:"superseded_data,omitempty"`
	Reason         string           `json:"reason"`
	ResolvedBy     string           `json:"resolved_by"`
	ResolvedAt     time.Time        `json:"resolved_at"`
}

func encodeVersion(v marketplace.Version) (datatypes.JSON, error) {
	data, err := marketplace.EncodePayload(v.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(versionRow{Data: data, Changed: v.Changed, UpdatedAt: v.UpdatedAt, Pending: v.Pending})
}

func decodeVersion(raw datatypes.JSON) (marketplace.Version, error) {
	if len(raw) == 0 {
		return marketplace.Version{}, nil
	}
	var row versionRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return marketplace.Version{}, fmt.Errorf("failed to decode version: %w", err)
	}
	p, err := marketplace.DecodePayload(row.Data)
	if err != nil {
		return marketplace.Version{}, err
	}
	return marketplace.Version{Data: p, Changed: row.Changed, UpdatedAt: row.UpdatedAt, Pending: row.Pending}, nil
}

func encodeResolution(r *sync.Resolution) (datatypes.JSON, error) {
	if r == nil {
		return nil, nil
	}
	data, err := marketplace.EncodePayload(r.Data)
	if err != nil {
		return nil, err
	}
	row := resolutionRow{
		Data:       data,
		Winner:     r.Winner,
		Superseded: r.Superseded,
		Reason:     r.Reason,
		ResolvedBy: r.ResolvedBy,
		ResolvedAt: r.ResolvedAt,
	}
	if r.SupersededData != nil {
		if row.SupersededData, err = marketplace.EncodePayload(r.SupersededData); err != nil {
			return nil, err
		}
	}
	return json.Marshal(row)
}

func decodeResolution(raw datatypes.JSON) (*sync.Resolution, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var row resolutionRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("failed to decode resolution: %w", err)
	}
	data, err := marketplace.DecodePayload(row.Data)
	if err != nil {
		return nil, err
	}
	superseded, err := marketplace.DecodePayload(row.SupersededData)
	if err != nil {
		return nil, err
	}
	return &sync.Resolution{
		Data:           data,
		Winner:         row.Winner,
		Superseded:     row.Superseded,
		SupersededData: superseded,
		Reason:         row.Reason,
		ResolvedBy:     row.ResolvedBy,
		ResolvedAt:     row.ResolvedAt,
	}, nil
}

func sessionToRecord(s *sync.SyncSession) models.SyncSessionRecord {
	return models.SyncSessionRecord{
		ID:                   s.ID,
		Marketplace:          string(s.Marketplace),
		Status:               string(s.Status),
		OperationsTotal:      s.OperationsTotal,
		OperationsSuccessful: s.OperationsSuccessful,
		OperationsFailed:     s.OperationsFailed,
		ConflictsDetected:    s.ConflictsDetected,
		ConflictsResolved:    s.ConflictsResolved,
		// the stored rate is always recomputed from the counters
		SuccessRate:  sync.ComputeSuccessRate(s.OperationsSuccessful, s.OperationsTotal),
		StartedAt:    s.StartedAt,
		LastActivity: s.LastActivity,
		StoppedAt:    s.StoppedAt,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.StartedAt,
	}
}

func recordToSession(r models.SyncSessionRecord) sync.SyncSession {
	return sync.SyncSession{
		ID:                   r.ID,
		Marketplace:          marketplace.Marketplace(r.Marketplace),
		Status:               sync.SessionStatus(r.Status),
		OperationsTotal:      r.OperationsTotal,
		OperationsSuccessful: r.OperationsSuccessful,
		OperationsFailed:     r.OperationsFailed,
		ConflictsDetected:    r.ConflictsDetected,
		ConflictsResolved:    r.ConflictsResolved,
		SuccessRate:          sync.ComputeSuccessRate(r.OperationsSuccessful, r.OperationsTotal),
		StartedAt:            r.StartedAt,
		LastActivity:         r.LastActivity,
		StoppedAt:            r.StoppedAt,
		ErrorMessage:         r.ErrorMessage,
	}
}

func conflictToRecord(c *sync.Conflict) (models.SyncConflictRecord, error) {
	local, err := encodeVersion(c.Local)
	if err != nil {
		return models.SyncConflictRecord{}, fmt.Errorf("conflict %s local: %w", c.ID, err)
	}
	remote, err := encodeVersion(c.Remote)
	if err != nil {
		return models.SyncConflictRecord{}, fmt.Errorf("conflict %s remote: %w", c.ID, err)
	}
	resolution, err := encodeResolution(c.Resolution)
	if err != nil {
		return models.SyncConflictRecord{}, fmt.Errorf("conflict %s resolution: %w", c.ID, err)
	}
	return models.SyncConflictRecord{
		ID:          c.ID,
		SessionID:   c.SessionID,
		Marketplace: string(c.Marketplace),
		EntityType:  string(c.EntityType),
		EntityID:    c.EntityID,
		ChangeID:    c.ChangeID,
		Local:       local,
		Remote:      remote,
		Strategy:    string(c.Strategy),
		Status:      string(c.Status),
		Resolution:  resolution,
		Reason:      c.Reason,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}, nil
}

func recordToConflict(r models.SyncConflictRecord) (*sync.Conflict, error) {
	local, err := decodeVersion(r.Local)
	if err != nil {
		return nil, fmt.Errorf("conflict %s local: %w", r.ID, err)
	}
	remote, err := decodeVersion(r.Remote)
	if err != nil {
		return nil, fmt.Errorf("conflict %s remote: %w", r.ID, err)
	}
	resolution, err := decodeResolution(r.Resolution)
	if err != nil {
		return nil, fmt.Errorf("conflict %s resolution: %w", r.ID, err)
	}
	return &sync.Conflict{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Marketplace: marketplace.Marketplace(r.Marketplace),
		EntityType:  marketplace.EntityType(r.EntityType),
		EntityID:    r.EntityID,
		ChangeID:    r.ChangeID,
		Local:       local,
		Remote:      remote,
		Strategy:    sync.Strategy(r.Strategy),
		Status:      sync.ConflictStatus(r.Status),
		Resolution:  resolution,
		Reason:      r.Reason,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func passToHistory(r *sync.SyncResult) (models.SyncHistory, error) {
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return models.SyncHistory{}, err
	}
	return models.SyncHistory{
		SessionID:         r.SessionID,
		Marketplace:       string(r.Marketplace),
		Mode:              string(r.Mode),
		Status:            string(r.Status),
		StartedAt:         r.StartedAt,
		Duration:          r.Duration.Milliseconds(),
		OperationsTotal:   r.OperationsTotal,
		Successful:        r.Successful,
		Failed:            r.Failed,
		ConflictsDetected: r.ConflictsDetected,
		ConflictsResolved: r.ConflictsResolved,
		ResolutionRate:    r.ResolutionRate,
		ManualReview:      r.ManualReview,
		NewOrders:         r.NewOrders,
		Steps:             steps,
		ErrorDetail:       r.Error,
	}, nil
}

func historyToPass(h models.SyncHistory) (sync.SyncResult, error) {
	var steps []sync.StepResult
	if len(h.Steps) > 0 {
		if err := json.Unmarshal(h.Steps, &steps); err != nil {
			return sync.SyncResult{}, fmt.Errorf("pass %d steps: %w", h.ID, err)
		}
	}
	return sync.SyncResult{
		SessionID:         h.SessionID,
		Marketplace:       marketplace.Marketplace(h.Marketplace),
		Mode:              sync.PassMode(h.Mode),
		Status:            sync.PassStatus(h.Status),
		Steps:             steps,
		OperationsTotal:   h.OperationsTotal,
		Successful:        h.Successful,
		Failed:            h.Failed,
		ConflictsDetected: h.ConflictsDetected,
		ConflictsResolved: h.ConflictsResolved,
		ResolutionRate:    h.ResolutionRate,
		ManualReview:      h.ManualReview,
		NewOrders:         h.NewOrders,
		StartedAt:         h.StartedAt,
		Duration:          time.Duration(h.Duration) * time.Millisecond,
		Error:             h.ErrorDetail,
	}, nil
}

func queueToChange(q models.SyncQueue) (marketplace.Change, error) {
	p, err := marketplace.DecodePayload(q.Data)
	if err != nil {
		return marketplace.Change{}, fmt.Errorf("queue entry %s: %w", q.ID, err)
	}
	change := marketplace.Change{
		ID:         q.ID,
		EntityType: marketplace.EntityType(q.EntityType),
		EntityID:   q.EntityID,
		Data:       p,
		Changed:    []string(q.Changed),
		UpdatedAt:  q.ChangedAt,
	}
	if q.BaseAt != nil {
		change.BaseUpdatedAt = *q.BaseAt
	}
	return change, nil
}
