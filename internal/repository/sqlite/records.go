package sqlite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

// CreateHealthRecord stores a health event for an existing flock.
func (s *Store) CreateHealthRecord(ctx context.Context, h *models.HealthRecord) error {
	if err := h.Validate(); err != nil {
		return err
	}
	if h.ID == "" {
		h.ID = s.newID()
	}
	tables := []string{string(models.EntityFlock), string(models.EntityHealthRecord)}
	return s.write(ctx, tables, func(tx *gorm.DB, w *writeSet) error {
		ok, err := exists(tx, string(models.EntityFlock), "id", h.FlockID)
		if err != nil {
			return err
		}
		if !ok {
			return models.NewError(models.ErrReferentialIntegrity, "create health record", models.EntityFlock, h.FlockID,
				fmt.Errorf("unknown flock"))
		}
		if h.RecordedAt.IsZero() {
			h.RecordedAt = w.now
		}
		h.RecordedAt = h.RecordedAt.UTC()
		h.CreatedAt = w.now
		h.UpdatedAt = w.now
		stage(h, 0)
		if err := tx.Create(h).Error; err != nil {
			return fmt.Errorf("insert health record: %w", err)
		}
		if err := enqueue(tx, models.EntityHealthRecord, h.ID, h.Generation, false, w.now); err != nil {
			return err
		}
		w.record(models.EntityHealthRecord, h.ID, OpCreate)
		return nil
	})
}

// ListHealthRecords returns a flock's health records, oldest first, optionally
// restricted to one kind.
func (s *Store) ListHealthRecords(ctx context.Context, flockID string, kind models.HealthKind) ([]models.HealthRecord, error) {
	var rows []models.HealthRecord
	err := s.read(ctx, func(db *gorm.DB) error {
		q := db.Where("flock_id = ?", flockID)
		if kind != "" {
			q = q.Where("kind = ?", kind)
		}
		return q.Order("recorded_at, id").Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list health records: %w", err)
	}
	return rows, nil
}

// UpdateHealthRecord replaces the contents of an existing health record. The
// kind may change; the record is validated again as a whole. A zero
// RecordedAt keeps the stored one.
func (s *Store) UpdateHealthRecord(ctx context.Context, h *models.HealthRecord) error {
	if err := h.Validate(); err != nil {
		return err
	}
	tables := []string{string(models.EntityFlock), string(models.EntityHealthRecord)}
	return s.write(ctx, tables, func(tx *gorm.DB, w *writeSet) error {
		var current models.HealthRecord
		if err := tx.Where("id = ?", h.ID).Take(&current).Error; err != nil {
			if notFound(err) {
				return models.NewError(models.ErrNotFound, "update health record", models.EntityHealthRecord, h.ID, nil)
			}
			return fmt.Errorf("load health record: %w", err)
		}
		if err := requireFlock(tx, "update health record", h.FlockID); err != nil {
			return err
		}

		next := *h
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.SyncState = current.SyncState
		if next.RecordedAt.IsZero() {
			next.RecordedAt = current.RecordedAt
		}
		next.RecordedAt = next.RecordedAt.UTC()
		next.UpdatedAt = w.now
		stage(&next, current.Generation)

		if err := tx.Save(&next).Error; err != nil {
			return fmt.Errorf("save health record: %w", err)
		}
		if err := enqueue(tx, models.EntityHealthRecord, next.ID, next.Generation, false, w.now); err != nil {
			return err
		}
		w.record(models.EntityHealthRecord, next.ID, OpUpdate)
		*h = next
		return nil
	})
}

// DeleteHealthRecord removes one health record.
func (s *Store) DeleteHealthRecord(ctx context.Context, id string) error {
	return s.deleteByID(ctx, models.EntityHealthRecord, id, &models.HealthRecord{})
}

// CreateProductionRecord stores production figures for an existing flock.
func (s *Store) CreateProductionRecord(ctx context.Context, p *models.ProductionRecord) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = s.newID()
	}
	tables := []string{string(models.EntityFlock), string(models.EntityProductionRecord)}
	return s.write(ctx, tables, func(tx *gorm.DB, w *writeSet) error {
		ok, err := exists(tx, string(models.EntityFlock), "id", p.FlockID)
		if err != nil {
			return err
		}
		if !ok {
			return models.NewError(models.ErrReferentialIntegrity, "create production record", models.EntityFlock, p.FlockID,
				fmt.Errorf("unknown flock"))
		}
		if p.RecordedAt.IsZero() {
			p.RecordedAt = w.now
		}
		p.RecordedAt = p.RecordedAt.UTC()
		p.CreatedAt = w.now
		p.UpdatedAt = w.now
		stage(p, 0)
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("insert production record: %w", err)
		}
		if err := enqueue(tx, models.EntityProductionRecord, p.ID, p.Generation, false, w.now); err != nil {
			return err
		}
		w.record(models.EntityProductionRecord, p.ID, OpCreate)
		return nil
	})
}

// ListProductionRecords returns a flock's production records in [from, to],
// oldest first. Zero bounds are open.
func (s *Store) ListProductionRecords(ctx context.Context, flockID string, from, to time.Time) ([]models.ProductionRecord, error) {
	var rows []models.ProductionRecord
	err := s.read(ctx, func(db *gorm.DB) error {
		q := db.Where("flock_id = ?", flockID)
		if !from.IsZero() {
			q = q.Where("recorded_at >= ?", from.UTC())
		}
		if !to.IsZero() {
			q = q.Where("recorded_at <= ?", to.UTC())
		}
		return q.Order("recorded_at, id").Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list production records: %w", err)
	}
	return rows, nil
}

// UpdateProductionRecord replaces the figures of an existing production
// record. A zero RecordedAt keeps the stored one.
func (s *Store) UpdateProductionRecord(ctx context.Context, p *models.ProductionRecord) error {
	if err := p.Validate(); err != nil {
		return err
	}
	tables := []string{string(models.EntityFlock), string(models.EntityProductionRecord)}
	return s.write(ctx, tables, func(tx *gorm.DB, w *writeSet) error {
		var current models.ProductionRecord
		if err := tx.Where("id = ?", p.ID).Take(&current).Error; err != nil {
			if notFound(err) {
				return models.NewError(models.ErrNotFound, "update production record", models.EntityProductionRecord, p.ID, nil)
			}
			return fmt.Errorf("load production record: %w", err)
		}
		if err := requireFlock(tx, "update production record", p.FlockID); err != nil {
			return err
		}

		next := *p
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.SyncState = current.SyncState
		if next.RecordedAt.IsZero() {
			next.RecordedAt = current.RecordedAt
		}
		next.RecordedAt = next.RecordedAt.UTC()
		next.UpdatedAt = w.now
		stage(&next, current.Generation)

		if err := tx.Save(&next).Error; err != nil {
			return fmt.Errorf("save production record: %w", err)
		}
		if err := enqueue(tx, models.EntityProductionRecord, next.ID, next.Generation, false, w.now); err != nil {
			return err
		}
		w.record(models.EntityProductionRecord, next.ID, OpUpdate)
		*p = next
		return nil
	})
}

// DeleteProductionRecord removes one production record.
func (s *Store) DeleteProductionRecord(ctx context.Context, id string) error {
	return s.deleteByID(ctx, models.EntityProductionRecord, id, &models.ProductionRecord{})
}

func requireFlock(tx *gorm.DB, op, flockID string) error {
	ok, err := exists(tx, string(models.EntityFlock), "id", flockID)
	if err != nil {
		return err
	}
	if !ok {
		return models.NewError(models.ErrReferentialIntegrity, op, models.EntityFlock, flockID, fmt.Errorf("unknown flock"))
	}
	return nil
}

func (s *Store) deleteByID(ctx context.Context, entity models.EntityType, id string, model any) error {
	reg := registry[entity]
	return s.write(ctx, []string{string(entity)}, func(tx *gorm.DB, w *writeSet) error {
		ok, err := exists(tx, reg.table, reg.idColumn, id)
		if err != nil {
			return err
		}
		if !ok {
			return models.NewError(models.ErrNotFound, "delete", entity, id, nil)
		}
		if err := tombstone(tx, w, entity, reg.idColumn+" = ?", id); err != nil {
			return err
		}
		if err := tx.Table(reg.table).Where(reg.idColumn+" = ?", id).Delete(model).Error; err != nil {
			return fmt.Errorf("delete %s %s: %w", entity, id, err)
		}
		return nil
	})
}
