package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

type queueRow struct {
	Entity        string `gorm:"primaryKey"`
	RecordID      string `gorm:"primaryKey"`
	Generation    int64
	Deleted       bool
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	EnqueuedAt    time.Time
}

func (queueRow) TableName() string { return "sync_queue" }

// PendingSync returns up to limit queued changes of entity that are due at
// now. Rows are re-read at call time so the latest local state is pushed; a
// queued row that no longer exists is reported as a deletion.
func (s *Store) PendingSync(ctx context.Context, entity models.EntityType, now time.Time, limit int) ([]models.PendingRecord, error) {
	reg, err := lookup(entity)
	if err != nil {
		return nil, err
	}

	var out []models.PendingRecord
	err = s.read(ctx, func(db *gorm.DB) error {
		var queued []queueRow
		q := db.Where("entity = ? AND next_attempt_at <= ?", string(entity), now.UTC()).Order("enqueued_at, record_id")
		if limit > 0 {
			q = q.Limit(limit)
		}
		if err := q.Find(&queued).Error; err != nil {
			return fmt.Errorf("list sync queue: %w", err)
		}

		ids := make([]string, 0, len(queued))
		for _, row := range queued {
			if !row.Deleted {
				ids = append(ids, row.RecordID)
			}
		}
		loaded, err := reg.load(db, ids)
		if err != nil {
			return err
		}

		out = make([]models.PendingRecord, 0, len(queued))
		for _, row := range queued {
			rec, ok := loaded[row.RecordID]
			if row.Deleted || !ok {
				rec = models.SyncRecord{
					ID:         row.RecordID,
					Generation: row.Generation,
					UpdatedAt:  row.EnqueuedAt,
					Deleted:    true,
				}
			}
			out = append(out, models.PendingRecord{
				Entity:     entity,
				Record:     rec,
				Attempts:   row.Attempts,
				EnqueuedAt: row.EnqueuedAt,
			})
		}
		return nil
	})
	return out, err
}

// PendingCounts reports the number of queued changes per entity.
func (s *Store) PendingCounts(ctx context.Context) (map[models.EntityType]int, error) {
	counts := make(map[models.EntityType]int)
	err := s.read(ctx, func(db *gorm.DB) error {
		var rows []struct {
			Entity string
			N      int
		}
		if err := db.Model(&queueRow{}).Select("entity, COUNT(*) AS n").Group("entity").Scan(&rows).Error; err != nil {
			return fmt.Errorf("count sync queue: %w", err)
		}
		for _, r := range rows {
			counts[models.EntityType(r.Entity)] = r.N
		}
		return nil
	})
	return counts, err
}

// ConfirmSync clears the dirty flag of a record only if its current generation
// is the one the remote authority confirmed. It reports whether the queue
// entry was settled; false means the record changed after the push and stays
// dirty.
func (s *Store) ConfirmSync(ctx context.Context, entity models.EntityType, id string, generation int64, serverAt time.Time) (bool, error) {
	reg, err := lookup(entity)
	if err != nil {
		return false, err
	}

	var settled bool
	err = s.write(ctx, []string{string(entity)}, func(tx *gorm.DB, w *writeSet) error {
		updates := map[string]any{
			"dirty":             false,
			"synced_generation": generation,
		}
		if !serverAt.IsZero() {
			updates["server_updated_at"] = serverAt.UTC()
		}
		res := tx.Table(reg.table).Where(reg.idColumn+" = ? AND generation = ?", id, generation).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("confirm %s %s: %w", entity, id, res.Error)
		}
		if res.RowsAffected > 0 {
			w.record(entity, id, OpUpdate)
		}

		del := tx.Where("entity = ? AND record_id = ? AND generation = ?", string(entity), id, generation).Delete(&queueRow{})
		if del.Error != nil {
			return fmt.Errorf("dequeue %s %s: %w", entity, id, del.Error)
		}
		settled = del.RowsAffected > 0
		return nil
	})
	return settled, err
}

// RecordSyncFailure bumps the attempt counter of a queued generation and
// defers its next attempt. A newer write resets the entry, so failures of a
// superseded generation are ignored.
func (s *Store) RecordSyncFailure(ctx context.Context, entity models.EntityType, id string, generation int64, nextAttempt time.Time, reason string) error {
	if _, err := lookup(entity); err != nil {
		return err
	}
	return s.write(ctx, []string{string(entity)}, func(tx *gorm.DB, _ *writeSet) error {
		err := tx.Model(&queueRow{}).
			Where("entity = ? AND record_id = ? AND generation = ?", string(entity), id, generation).
			Updates(map[string]any{
				"attempts":        gorm.Expr("attempts + 1"),
				"next_attempt_at": nextAttempt.UTC(),
				"last_error":      reason,
			}).Error
		if err != nil {
			return fmt.Errorf("record sync failure for %s %s: %w", entity, id, err)
		}
		return nil
	})
}

// ApplyServerID re-keys a locally created record with the id the remote
// authority assigned. Foreign keys follow through ON UPDATE CASCADE; flock
// parent columns are rewritten explicitly.
func (s *Store) ApplyServerID(ctx context.Context, entity models.EntityType, localID, serverID string) error {
	reg, err := lookup(entity)
	if err != nil {
		return err
	}
	if localID == serverID || serverID == "" {
		return nil
	}

	tables := make([]string, 0, len(models.SyncOrder))
	for _, e := range models.SyncOrder {
		tables = append(tables, string(e))
	}

	return s.write(ctx, tables, func(tx *gorm.DB, w *writeSet) error {
		taken, err := exists(tx, reg.table, reg.idColumn, serverID)
		if err != nil {
			return err
		}
		if taken {
			return models.NewError(models.ErrConflict, "apply server id", entity, localID,
				fmt.Errorf("server id %s already present locally", serverID))
		}

		res := tx.Table(reg.table).Where(reg.idColumn+" = ?", localID).Update(reg.idColumn, serverID)
		if res.Error != nil {
			return fmt.Errorf("re-key %s %s: %w", entity, localID, res.Error)
		}
		if res.RowsAffected == 0 {
			return models.NewError(models.ErrNotFound, "apply server id", entity, localID, nil)
		}

		if entity == models.EntityFlock {
			for _, col := range []string{"father_id", "mother_id"} {
				if err := tx.Table(reg.table).Where(col+" = ?", localID).Update(col, serverID).Error; err != nil {
					return fmt.Errorf("re-key %s references: %w", col, err)
				}
			}
		}

		err = tx.Model(&queueRow{}).
			Where("entity = ? AND record_id = ?", string(entity), localID).
			Update("record_id", serverID).Error
		if err != nil {
			return fmt.Errorf("re-key sync queue: %w", err)
		}

		w.record(entity, localID, OpDelete)
		w.record(entity, serverID, OpCreate)
		return nil
	})
}

// ApplyOutcome reports what happened to a remote record.
type ApplyOutcome int

const (
	ApplySkipped ApplyOutcome = iota
	ApplyInserted
	ApplyUpdated
	ApplyDeleted
	// ApplyLocalWins: an unpushed local change (edit or deletion) is kept
	// and re-pushed.
	ApplyLocalWins
	// ApplyStaleRemote: the remote timestamp is older than the last one seen
	// for a clean row; the remote value is still applied.
	ApplyStaleRemote
	// ApplyRejected: applying the record would break a local integrity rule
	// such as an acyclic lineage; nothing was changed.
	ApplyRejected
)

// Conflict reports whether the outcome should be counted as a conflict.
func (o ApplyOutcome) Conflict() bool {
	return o == ApplyLocalWins || o == ApplyStaleRemote || o == ApplyRejected
}

// Changed reports whether local state took the remote value.
func (o ApplyOutcome) Changed() bool {
	switch o {
	case ApplyInserted, ApplyUpdated, ApplyDeleted, ApplyStaleRemote:
		return true
	}
	return false
}

func (o ApplyOutcome) String() string {
	switch o {
	case ApplyInserted:
		return "inserted"
	case ApplyUpdated:
		return "updated"
	case ApplyDeleted:
		return "deleted"
	case ApplyLocalWins:
		return "local_wins"
	case ApplyStaleRemote:
		return "stale_remote"
	case ApplyRejected:
		return "rejected"
	default:
		return "skipped"
	}
}

// ApplyRemote reconciles one pulled record with local state using
// last-writer-wins: an unpushed local change wins, including a deletion still
// waiting in the queue; otherwise the remote value overwrites local state.
func (s *Store) ApplyRemote(ctx context.Context, entity models.EntityType, rec models.SyncRecord) (ApplyOutcome, error) {
	reg, err := lookup(entity)
	if err != nil {
		return ApplySkipped, err
	}

	tables := []string{string(entity)}
	switch entity {
	case models.EntityFlock:
		if rec.Deleted {
			tables = flockDependents
		}
	case models.EntityLineageLink:
		tables = lineageTables
	}

	outcome := ApplySkipped
	err = s.write(ctx, tables, func(tx *gorm.DB, w *writeSet) error {
		local, err := stateOf(tx, reg, rec.ID)
		if err != nil {
			return err
		}

		if local != nil && local.Dirty {
			outcome = ApplyLocalWins
			return nil
		}
		if local == nil && !rec.Deleted {
			pending, err := queuedDeletion(tx, entity, rec.ID)
			if err != nil {
				return err
			}
			if pending {
				outcome = ApplyLocalWins
				return nil
			}
		}

		if rec.Deleted {
			if local == nil {
				return nil
			}
			switch entity {
			case models.EntityFlock:
				err = dropRemoteFlock(tx, w, rec.ID)
			case models.EntityLineageLink:
				err = dropRemoteLink(tx, w, rec.ID)
			default:
				err = dropRows(tx, w, entity, reg.idColumn+" = ?", rec.ID)
			}
			if err != nil {
				return err
			}
			outcome = ApplyDeleted
			return nil
		}

		if entity == models.EntityLineageLink {
			outcome, err = applyRemoteLink(tx, w, rec, local)
			return err
		}

		var generation int64
		op := OpCreate
		outcome = ApplyInserted
		if local != nil {
			generation = local.Generation
			op = OpUpdate
			outcome = ApplyUpdated
			if local.ServerUpdatedAt != nil && rec.UpdatedAt.Before(*local.ServerUpdatedAt) {
				outcome = ApplyStaleRemote
			}
		}

		if err := reg.apply(tx, rec, generation); err != nil {
			if isForeignKeyViolation(err) {
				return models.NewError(models.ErrReferentialIntegrity, "apply remote", entity, rec.ID, err)
			}
			return fmt.Errorf("apply remote %s %s: %w", entity, rec.ID, err)
		}
		w.record(entity, rec.ID, op)
		return nil
	})
	if errors.Is(err, errRemoteRejected) {
		s.logger.Warn("remote record not applied",
			zap.String("entity", string(entity)),
			zap.String("id", rec.ID),
			zap.String("outcome", outcome.String()))
		return outcome, nil
	}
	if err != nil {
		return ApplySkipped, err
	}
	return outcome, nil
}

// SyncStateOf returns the sync bookkeeping of a stored record.
func (s *Store) SyncStateOf(ctx context.Context, entity models.EntityType, id string) (*models.SyncState, error) {
	reg, err := lookup(entity)
	if err != nil {
		return nil, err
	}
	var state *localState
	err = s.read(ctx, func(db *gorm.DB) error {
		state, err = stateOf(db, reg, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, models.NewError(models.ErrNotFound, "sync state", entity, id, nil)
	}
	return &models.SyncState{
		Dirty:            state.Dirty,
		Generation:       state.Generation,
		SyncedGeneration: state.SyncedGeneration,
		ServerUpdatedAt:  state.ServerUpdatedAt,
	}, nil
}

type cursorRow struct {
	Entity      string `gorm:"primaryKey"`
	PulledUntil time.Time
}

func (cursorRow) TableName() string { return tableSyncCursors }

// SyncCursor returns the remote timestamp up to which entity has been pulled.
func (s *Store) SyncCursor(ctx context.Context, entity models.EntityType) (time.Time, error) {
	var rows []cursorRow
	err := s.read(ctx, func(db *gorm.DB) error {
		return db.Where("entity = ?", string(entity)).Limit(1).Find(&rows).Error
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("read sync cursor: %w", err)
	}
	if len(rows) == 0 {
		return time.Time{}, nil
	}
	return rows[0].PulledUntil, nil
}

// SetSyncCursor records the pull position of entity.
func (s *Store) SetSyncCursor(ctx context.Context, entity models.EntityType, until time.Time) error {
	return s.write(ctx, []string{tableSyncCursors}, func(tx *gorm.DB, _ *writeSet) error {
		return tx.Save(&cursorRow{Entity: string(entity), PulledUntil: until.UTC()}).Error
	})
}
