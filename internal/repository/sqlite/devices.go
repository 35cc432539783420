package sqlite

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

// DefaultReportingIntervalSeconds applies to devices without a stored config.
const DefaultReportingIntervalSeconds = 60

// UpsertDeviceConfig creates or replaces a device's settings.
func (s *Store) UpsertDeviceConfig(ctx context.Context, d *models.DeviceConfig) error {
	if d.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", models.ErrInvalidInput)
	}
	if d.ReportingIntervalSeconds < 0 {
		return fmt.Errorf("%w: reporting interval must not be negative", models.ErrInvalidInput)
	}
	if d.ReportingIntervalSeconds == 0 {
		d.ReportingIntervalSeconds = DefaultReportingIntervalSeconds
	}
	return s.write(ctx, []string{string(models.EntityDeviceConfig)}, func(tx *gorm.DB, w *writeSet) error {
		var current []models.DeviceConfig
		if err := tx.Where("device_id = ?", d.DeviceID).Limit(1).Find(&current).Error; err != nil {
			return fmt.Errorf("load device config: %w", err)
		}
		op := OpCreate
		var prev int64
		d.CreatedAt = w.now
		if len(current) == 1 {
			op = OpUpdate
			prev = current[0].Generation
			d.CreatedAt = current[0].CreatedAt
			d.ServerUpdatedAt = current[0].ServerUpdatedAt
			d.SyncedGeneration = current[0].SyncedGeneration
		}
		d.UpdatedAt = w.now
		stage(d, prev)
		if err := tx.Save(d).Error; err != nil {
			return fmt.Errorf("save device config: %w", err)
		}
		if err := enqueue(tx, models.EntityDeviceConfig, d.DeviceID, d.Generation, false, w.now); err != nil {
			return err
		}
		w.record(models.EntityDeviceConfig, d.DeviceID, op)
		return nil
	})
}

// GetDeviceConfig returns the stored config, or ErrNotFound.
func (s *Store) GetDeviceConfig(ctx context.Context, deviceID string) (*models.DeviceConfig, error) {
	var d models.DeviceConfig
	err := s.read(ctx, func(db *gorm.DB) error {
		return db.Where("device_id = ?", deviceID).Take(&d).Error
	})
	if err != nil {
		if notFound(err) {
			return nil, models.NewError(models.ErrNotFound, "get device config", models.EntityDeviceConfig, deviceID, nil)
		}
		return nil, fmt.Errorf("get device config: %w", err)
	}
	return &d, nil
}

// ListDeviceConfigs returns every stored device config ordered by id.
func (s *Store) ListDeviceConfigs(ctx context.Context) ([]models.DeviceConfig, error) {
	var rows []models.DeviceConfig
	err := s.read(ctx, func(db *gorm.DB) error {
		return db.Order("device_id").Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list device configs: %w", err)
	}
	return rows, nil
}
