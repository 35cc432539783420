package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

type rowPtr[T any] interface {
	*T
	models.Syncable
}

// tableInfo describes how a syncable table is read for pushes and written
// when remote records are applied.
type tableInfo struct {
	table        string
	idColumn     string
	hasUpdatedAt bool
	load         func(tx *gorm.DB, ids []string) (map[string]models.SyncRecord, error)
	apply        func(tx *gorm.DB, rec models.SyncRecord, generation int64) error
}

var registry = map[models.EntityType]tableInfo{
	models.EntityFlock:            newTableInfo[models.Flock](models.EntityFlock, "id", true, nil),
	models.EntityLineageLink:      newTableInfo[models.LineageLink](models.EntityLineageLink, "id", true, nil),
	models.EntityHealthRecord:     newTableInfo[models.HealthRecord](models.EntityHealthRecord, "id", true, nil),
	models.EntityProductionRecord: newTableInfo[models.ProductionRecord](models.EntityProductionRecord, "id", true, nil),
	models.EntityDeviceConfig:     newTableInfo[models.DeviceConfig](models.EntityDeviceConfig, "device_id", true, nil),
	models.EntityAlert:            newTableInfo[models.AlertInfo](models.EntityAlert, "id", true, nil),
}

func init() {
	for _, kind := range models.SensorKinds {
		registry[kind.Entity()] = newTableInfo[models.SensorReading](kind.Entity(), "id", false, func(r *models.SensorReading) {
			r.Kind = kind
		})
	}
}

func newTableInfo[T any, P rowPtr[T]](entity models.EntityType, idColumn string, hasUpdatedAt bool, decorate func(P)) tableInfo {
	table := string(entity)
	return tableInfo{
		table:        table,
		idColumn:     idColumn,
		hasUpdatedAt: hasUpdatedAt,
		load: func(tx *gorm.DB, ids []string) (map[string]models.SyncRecord, error) {
			out := make(map[string]models.SyncRecord, len(ids))
			if len(ids) == 0 {
				return out, nil
			}
			var rows []T
			if err := tx.Table(table).Where(idColumn+" IN ?", ids).Find(&rows).Error; err != nil {
				return nil, fmt.Errorf("load %s: %w", table, err)
			}
			for i := range rows {
				row := P(&rows[i])
				if decorate != nil {
					decorate(row)
				}
				payload, err := json.Marshal(row)
				if err != nil {
					return nil, fmt.Errorf("encode %s %s: %w", table, row.RecordID(), err)
				}
				out[row.RecordID()] = models.SyncRecord{
					ID:         row.RecordID(),
					Generation: row.SyncMeta().Generation,
					UpdatedAt:  row.Touched(),
					Payload:    payload,
				}
			}
			return out, nil
		},
		apply: func(tx *gorm.DB, rec models.SyncRecord, generation int64) error {
			var row T
			p := P(&row)
			if err := json.Unmarshal(rec.Payload, p); err != nil {
				return models.NewError(models.ErrInvalidInput, "decode remote record", entity, rec.ID, err)
			}
			p.SetRecordID(rec.ID)
			serverAt := rec.UpdatedAt.UTC()
			*p.SyncMeta() = models.SyncState{
				Dirty:            false,
				Generation:       generation,
				SyncedGeneration: generation,
				ServerUpdatedAt:  &serverAt,
			}
			return tx.Table(table).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: idColumn}},
				UpdateAll: true,
			}).Create(p).Error
		},
	}
}

// localState is the sync bookkeeping of one stored row.
type localState struct {
	Generation       int64
	SyncedGeneration int64
	Dirty            bool
	ServerUpdatedAt  *time.Time
}

func stateOf(tx *gorm.DB, reg tableInfo, id string) (*localState, error) {
	var rows []localState
	err := tx.Table(reg.table).
		Select("generation, synced_generation, dirty, server_updated_at").
		Where(reg.idColumn+" = ?", id).
		Limit(1).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("read sync state of %s %s: %w", reg.table, id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func lookup(entity models.EntityType) (tableInfo, error) {
	reg, ok := registry[entity]
	if !ok {
		return tableInfo{}, fmt.Errorf("%w: unknown entity type %q", models.ErrInvalidInput, entity)
	}
	return reg, nil
}
