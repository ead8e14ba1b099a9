package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/meschain/meschain-sync/internal/marketplace"
	"github.com/meschain/meschain-sync/internal/models"
	"github.com/meschain/meschain-sync/internal/sync"
)

// Snapshot sources
const (
	SourceLocal    = "local"
	SourceRemote   = "remote"
	SourceResolved = "resolved"
)

// Catalog is the PostgreSQL side of the sync: the sync_queue outbox and the
// catalog_entities snapshots
type Catalog struct {
	db  *gorm.DB
	now func() time.Time
}

var _ sync.Catalog = (*Catalog)(nil)

// NewCatalog creates a Catalog on an open connection
func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue adds a local change to the outbox of a marketplace
func (c *Catalog) Enqueue(ctx context.Context, mp marketplace.Marketplace, change marketplace.Change) (marketplace.Change, error) {
	if change.Data == nil {
		return change, fmt.Errorf("enqueue %s/%s: empty payload", change.EntityType, change.EntityID)
	}
	if change.ID == "" {
		change.ID = uuid.New().String()
	}
	if change.UpdatedAt.IsZero() {
		change.UpdatedAt = c.now()
	}
	if change.EntityType == "" {
		change.EntityType = change.Data.EntityType()
	}
	if err := c.db.WithContext(ctx).Create(c.queueRow(mp, change)).Error; err != nil {
		return change, fmt.Errorf("enqueue %s/%s: %w", change.EntityType, change.EntityID, err)
	}
	return change, nil
}

func (c *Catalog) queueRow(mp marketplace.Marketplace, change marketplace.Change) *models.SyncQueue {
	data, _ := marketplace.EncodePayload(change.Data)
	row := &models.SyncQueue{
		ID:          change.ID,
		Marketplace: string(mp),
		EntityType:  string(change.EntityType),
		EntityID:    change.EntityID,
		Data:        data,
		Changed:     change.Changed,
		Status:      models.QueuePending,
		ChangedAt:   change.UpdatedAt,
	}
	if !change.BaseUpdatedAt.IsZero() {
		base := change.BaseUpdatedAt
		row.BaseAt = &base
	}
	return row
}

// PendingChanges returns up to limit unacknowledged changes, oldest first
func (c *Catalog) PendingChanges(ctx context.Context, mp marketplace.Marketplace, et marketplace.EntityType, limit int) (marketplace.Batch, error) {
	q := c.db.WithContext(ctx).
		Where("marketplace = ? AND entity_type = ? AND status = ?", string(mp), string(et), models.QueuePending).
		Order("changed_at ASC, created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []models.SyncQueue
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("pending changes: %w", err)
	}
	batch := make(marketplace.Batch, 0, len(rows))
	for _, r := range rows {
		ch, err := queueToChange(r)
		if err != nil {
			return nil, err
		}
		batch = append(batch, ch)
	}
	return batch, nil
}

// PendingChange returns the newest unacknowledged change of one entity
func (c *Catalog) PendingChange(ctx context.Context, mp marketplace.Marketplace, et marketplace.EntityType, entityID string) (marketplace.Change, bool, error) {
	var row models.SyncQueue
	err := c.db.WithContext(ctx).
		Where("marketplace = ? AND entity_type = ? AND entity_id = ? AND status = ?", string(mp), string(et), entityID, models.QueuePending).
		Order("changed_at DESC, created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return marketplace.Change{}, false, nil
	}
	if err != nil {
		return marketplace.Change{}, false, fmt.Errorf("pending change: %w", err)
	}
	ch, err := queueToChange(row)
	if err != nil {
		return marketplace.Change{}, false, err
	}
	return ch, true, nil
}

// PendingCount counts unacknowledged changes of a marketplace
func (c *Catalog) PendingCount(ctx context.Context, mp marketplace.Marketplace) (int64, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&models.SyncQueue{}).
		Where("marketplace = ? AND status = ?", string(mp), models.QueuePending).
		Count(&n).Error
	return n, err
}

// Acknowledge marks outbox entries as pushed and records their data as the
// marketplace's current version
func (c *Catalog) Acknowledge(ctx context.Context, mp marketplace.Marketplace, changeIDs []string) error {
	if len(changeIDs) == 0 {
		return nil
	}
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.SyncQueue
		err := tx.Where("marketplace = ? AND id IN ? AND status = ?", string(mp), changeIDs, models.QueuePending).
			Order("changed_at ASC").
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("acknowledge: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		now := c.now()
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
		err = tx.Model(&models.SyncQueue{}).Where("id IN ?", ids).
			Updates(map[string]interface{}{"status": models.QueuePushed, "acked_at": now}).Error
		if err != nil {
			return fmt.Errorf("acknowledge: %w", err)
		}

		for _, r := range rows {
			ch, err := queueToChange(r)
			if err != nil {
				return err
			}
			if err := c.upsert(tx, mp, ch.EntityType, ch.EntityID, ch.Data, SourceLocal, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyRemote stores entities received from the marketplace. Rows whose
// checksum did not change are left untouched.
func (c *Catalog) ApplyRemote(ctx context.Context, mp marketplace.Marketplace, records []marketplace.Record) error {
	if len(records) == 0 {
		return nil
	}
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := c.now()
		for _, r := range records {
			if err := c.upsert(tx, mp, r.EntityType, r.EntityID, r.Data, SourceRemote, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyResolution stores the resolved data and settles the outbox entry.
// When the store version won, fully or by merge, the resolved data is queued
// again so the marketplace receives it.
func (c *Catalog) ApplyResolution(ctx context.Context, mp marketplace.Marketplace, conflict *sync.Conflict) error {
	if conflict.Resolution == nil {
		return nil
	}
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := c.now()

		q := tx.Model(&models.SyncQueue{}).Where("marketplace = ? AND status = ?", string(mp), models.QueuePending)
		if conflict.ChangeID != "" {
			q = q.Where("id = ?", conflict.ChangeID)
		} else {
			q = q.Where("entity_type = ? AND entity_id = ?", string(conflict.EntityType), conflict.EntityID)
		}
		if err := q.Updates(map[string]interface{}{"status": models.QueueSuperseded, "acked_at": now}).Error; err != nil {
			return fmt.Errorf("settle outbox: %w", err)
		}

		if err := c.upsert(tx, mp, conflict.EntityType, conflict.EntityID, conflict.Resolution.Data, SourceResolved, now); err != nil {
			return err
		}

		requeue, ok := conflict.Requeue(uuid.New().String(), now)
		if !ok {
			return nil
		}
		if err := tx.Create(c.queueRow(mp, requeue)).Error; err != nil {
			return fmt.Errorf("requeue resolution: %w", err)
		}
		return nil
	})
}

// Snapshot returns the stored version of an entity and its checksum
func (c *Catalog) Snapshot(ctx context.Context, mp marketplace.Marketplace, et marketplace.EntityType, id string) (marketplace.Payload, string, bool, error) {
	var row models.CatalogEntity
	err := c.db.WithContext(ctx).
		Where("marketplace = ? AND entity_type = ? AND entity_id = ?", string(mp), string(et), id).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("snapshot: %w", err)
	}
	p, err := marketplace.DecodePayload(row.Data)
	if err != nil {
		return nil, "", false, err
	}
	return p, row.Checksum, true, nil
}

func (c *Catalog) upsert(tx *gorm.DB, mp marketplace.Marketplace, et marketplace.EntityType, id string, p marketplace.Payload, source string, now time.Time) error {
	checksum, err := sync.ComputeChecksum(p)
	if err != nil {
		return fmt.Errorf("checksum %s/%s: %w", et, id, err)
	}
	data, err := marketplace.EncodePayload(p)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", et, id, err)
	}

	row := models.CatalogEntity{
		Marketplace: string(mp),
		EntityType:  string(et),
		EntityID:    id,
		Data:        data,
		Checksum:    checksum,
		Source:      source,
		SyncedAt:    now,
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "marketplace"}, {Name: "entity_type"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "checksum", "source", "synced_at", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("catalog_entities.checksum <> excluded.checksum OR catalog_entities.source <> excluded.source"),
		}},
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store %s/%s: %w", et, id, err)
	}
	return nil
}
