package sqlite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

// InsertReading appends a sample to its kind's table.
func (s *Store) InsertReading(ctx context.Context, r *models.SensorReading) error {
	if _, err := models.ParseSensorKind(string(r.Kind)); err != nil {
		return err
	}
	if r.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", models.ErrInvalidInput)
	}
	if r.ID == "" {
		r.ID = s.newID()
	}
	if r.Unit == "" {
		r.Unit = r.Kind.DefaultUnit()
	}
	entity := r.Kind.Entity()
	return s.write(ctx, []string{string(entity)}, func(tx *gorm.DB, w *writeSet) error {
		if r.Timestamp.IsZero() {
			r.Timestamp = w.now
		}
		r.Timestamp = r.Timestamp.UTC()
		r.CreatedAt = w.now
		stage(r, 0)
		if err := tx.Table(r.Kind.Table()).Create(r).Error; err != nil {
			return fmt.Errorf("insert %s reading: %w", r.Kind, err)
		}
		if err := enqueue(tx, entity, r.ID, r.Generation, false, w.now); err != nil {
			return err
		}
		w.record(entity, r.ID, OpCreate)
		return nil
	})
}

// ReadingsInRange returns a device's samples of one kind with timestamps in
// [from, to], ascending. Zero bounds are open.
func (s *Store) ReadingsInRange(ctx context.Context, kind models.SensorKind, deviceID string, from, to time.Time) ([]models.SensorReading, error) {
	if _, err := models.ParseSensorKind(string(kind)); err != nil {
		return nil, err
	}
	var rows []models.SensorReading
	err := s.read(ctx, func(db *gorm.DB) error {
		q := db.Table(kind.Table()).Where("device_id = ?", deviceID)
		if !from.IsZero() {
			q = q.Where("timestamp >= ?", from.UTC())
		}
		if !to.IsZero() {
			q = q.Where("timestamp <= ?", to.UTC())
		}
		return q.Order("timestamp, id").Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("read %s readings: %w", kind, err)
	}
	for i := range rows {
		rows[i].Kind = kind
	}
	return rows, nil
}

// LatestReadingAt returns the newest sample time for a device across all
// kinds, and false when the device has never reported.
func (s *Store) LatestReadingAt(ctx context.Context, deviceID string) (time.Time, bool, error) {
	var latest time.Time
	var found bool
	err := s.read(ctx, func(db *gorm.DB) error {
		for _, kind := range models.SensorKinds {
			var rows []models.SensorReading
			err := db.Table(kind.Table()).
				Where("device_id = ?", deviceID).
				Order("timestamp DESC").
				Limit(1).
				Find(&rows).Error
			if err != nil {
				return fmt.Errorf("latest %s reading: %w", kind, err)
			}
			if len(rows) == 1 && (!found || rows[0].Timestamp.After(latest)) {
				latest = rows[0].Timestamp.UTC()
				found = true
			}
		}
		return nil
	})
	return latest, found, err
}

// ReportingDevices returns every device id that has at least one sample.
func (s *Store) ReportingDevices(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.read(ctx, func(db *gorm.DB) error {
		query := ""
		for i, kind := range models.SensorKinds {
			if i > 0 {
				query += " UNION "
			}
			query += "SELECT DISTINCT device_id FROM " + kind.Table()
		}
		return db.Raw(query + " ORDER BY device_id").Scan(&ids).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list reporting devices: %w", err)
	}
	return ids, nil
}

// PruneReport counts removed readings per kind.
type PruneReport map[models.SensorKind]int64

// Total sums all kinds.
func (p PruneReport) Total() int64 {
	var n int64
	for _, c := range p {
		n += c
	}
	return n
}

// PruneReadings deletes samples older than cutoff. Readings that have not yet
// been confirmed by the server are kept. Each kind is pruned in its own
// transaction; the first failure stops the run and is returned with what was
// already removed.
func (s *Store) PruneReadings(ctx context.Context, cutoff time.Time) (PruneReport, error) {
	report := PruneReport{}
	for _, kind := range models.SensorKinds {
		kind := kind
		entity := kind.Entity()
		var removed int64
		err := s.write(ctx, []string{string(entity)}, func(tx *gorm.DB, w *writeSet) error {
			res := tx.Exec("DELETE FROM "+kind.Table()+" WHERE timestamp < ? AND dirty = 0", cutoff.UTC())
			if res.Error != nil {
				return res.Error
			}
			removed = res.RowsAffected
			return nil
		})
		if err != nil {
			return report, models.NewError(models.ErrRetentionPrune, "prune readings", entity, "", err)
		}
		report[kind] = removed
	}
	return report, nil
}
