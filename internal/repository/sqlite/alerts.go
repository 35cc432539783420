package sqlite

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

// RaiseAlert stores a new alert unless an unacknowledged one already exists
// for the same source and type, in which case that one is returned and
// created is false.
func (s *Store) RaiseAlert(ctx context.Context, a *models.AlertInfo) (*models.AlertInfo, bool, error) {
	return s.raise(ctx, a, true)
}

// InsertAlert stores a new alert even if an older one for the same condition
// is still unacknowledged. The newest unacknowledged alert is the active one.
func (s *Store) InsertAlert(ctx context.Context, a *models.AlertInfo) (*models.AlertInfo, error) {
	out, _, err := s.raise(ctx, a, false)
	return out, err
}

func (s *Store) raise(ctx context.Context, a *models.AlertInfo, dedupe bool) (*models.AlertInfo, bool, error) {
	if a.Type == "" {
		return nil, false, fmt.Errorf("%w: alert type is required", models.ErrInvalidInput)
	}
	src := a.Source()
	if src.DeviceID == "" && src.FlockID == "" {
		return nil, false, fmt.Errorf("%w: alert needs a device or flock", models.ErrInvalidInput)
	}
	if a.ID == "" {
		a.ID = s.newID()
	}

	var (
		out     *models.AlertInfo
		created bool
	)
	tables := []string{string(models.EntityAlert), string(models.EntityFlock)}
	err := s.write(ctx, tables, func(tx *gorm.DB, w *writeSet) error {
		if dedupe {
			current, err := activeAlert(tx, src, a.Type)
			if err != nil {
				return err
			}
			if current != nil {
				out = current
				return nil
			}
		}
		if src.FlockID != "" {
			ok, err := exists(tx, string(models.EntityFlock), "id", src.FlockID)
			if err != nil {
				return err
			}
			if !ok {
				return models.NewError(models.ErrReferentialIntegrity, "raise alert", models.EntityFlock, src.FlockID,
					fmt.Errorf("unknown flock"))
			}
		}
		if a.Severity == "" {
			a.Severity = models.SeverityWarning
		}
		if a.Timestamp.IsZero() {
			a.Timestamp = w.now
		}
		a.Timestamp = a.Timestamp.UTC()
		a.Acknowledged = false
		a.AcknowledgedAt = nil
		a.UpdatedAt = w.now
		stage(a, 0)
		if err := tx.Create(a).Error; err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		if err := enqueue(tx, models.EntityAlert, a.ID, a.Generation, false, w.now); err != nil {
			return err
		}
		w.record(models.EntityAlert, a.ID, OpCreate)
		out, created = a, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// ActiveAlert returns the unacknowledged alert for (source, type), or nil.
func (s *Store) ActiveAlert(ctx context.Context, src models.AlertSource, typ models.AlertType) (*models.AlertInfo, error) {
	var out *models.AlertInfo
	err := s.read(ctx, func(db *gorm.DB) error {
		var err error
		out, err = activeAlert(db, src, typ)
		return err
	})
	return out, err
}

// LatestAlert returns the newest alert for (source, type) whether or not it
// was acknowledged, or nil.
func (s *Store) LatestAlert(ctx context.Context, src models.AlertSource, typ models.AlertType) (*models.AlertInfo, error) {
	var out *models.AlertInfo
	err := s.read(ctx, func(db *gorm.DB) error {
		var err error
		out, err = latestAlert(db, src, typ, false)
		return err
	})
	return out, err
}

// AcknowledgeAlert marks an alert as seen. Acknowledging twice is a no-op.
func (s *Store) AcknowledgeAlert(ctx context.Context, id string) (*models.AlertInfo, error) {
	var out models.AlertInfo
	err := s.write(ctx, []string{string(models.EntityAlert)}, func(tx *gorm.DB, w *writeSet) error {
		if err := tx.Where("id = ?", id).Take(&out).Error; err != nil {
			if notFound(err) {
				return models.NewError(models.ErrNotFound, "acknowledge alert", models.EntityAlert, id, nil)
			}
			return fmt.Errorf("load alert: %w", err)
		}
		if out.Acknowledged {
			return nil
		}
		at := w.now
		out.Acknowledged = true
		out.AcknowledgedAt = &at
		out.UpdatedAt = w.now
		stage(&out, out.Generation)
		if err := tx.Save(&out).Error; err != nil {
			return fmt.Errorf("save alert: %w", err)
		}
		if err := enqueue(tx, models.EntityAlert, out.ID, out.Generation, false, w.now); err != nil {
			return err
		}
		w.record(models.EntityAlert, out.ID, OpUpdate)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAlert loads one alert.
func (s *Store) GetAlert(ctx context.Context, id string) (*models.AlertInfo, error) {
	var a models.AlertInfo
	err := s.read(ctx, func(db *gorm.DB) error {
		return db.Where("id = ?", id).Take(&a).Error
	})
	if err != nil {
		if notFound(err) {
			return nil, models.NewError(models.ErrNotFound, "get alert", models.EntityAlert, id, nil)
		}
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return &a, nil
}

// ListAlerts returns alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, f models.AlertFilter) ([]models.AlertInfo, error) {
	var rows []models.AlertInfo
	err := s.read(ctx, func(db *gorm.DB) error {
		q := db.Order("timestamp DESC, id")
		if f.DeviceID != "" {
			q = q.Where("device_id = ?", f.DeviceID)
		}
		if f.FlockID != "" {
			q = q.Where("flock_id = ?", f.FlockID)
		}
		if f.ActiveOnly {
			q = q.Where("acknowledged = ?", false)
		}
		if !f.Since.IsZero() {
			q = q.Where("timestamp >= ?", f.Since.UTC())
		}
		if f.Limit > 0 {
			q = q.Limit(f.Limit)
		}
		return q.Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return rows, nil
}

func activeAlert(db *gorm.DB, src models.AlertSource, typ models.AlertType) (*models.AlertInfo, error) {
	return latestAlert(db, src, typ, true)
}

func latestAlert(db *gorm.DB, src models.AlertSource, typ models.AlertType, unacknowledged bool) (*models.AlertInfo, error) {
	q := db.Where("type = ?", typ)
	if unacknowledged {
		q = q.Where("acknowledged = ?", false)
	}
	if src.FlockID != "" {
		q = q.Where("flock_id = ?", src.FlockID)
	} else {
		q = q.Where("device_id = ? AND flock_id IS NULL", src.DeviceID)
	}
	var rows []models.AlertInfo
	if err := q.Order("timestamp DESC, updated_at DESC").Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load latest alert: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
