package sqlite

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

var flockDependents = []string{
	string(models.EntityFlock),
	string(models.EntityLineageLink),
	string(models.EntityHealthRecord),
	string(models.EntityProductionRecord),
	string(models.EntityAlert),
}

// CreateFlock persists a new flock. Parent ids, when given, must reference
// locally known flocks; matching lineage links are created in the same
// transaction.
func (s *Store) CreateFlock(ctx context.Context, f *models.Flock) error {
	if f.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", models.ErrInvalidInput)
	}
	if f.FatherID != nil && f.MotherID != nil && *f.FatherID == *f.MotherID {
		return fmt.Errorf("%w: father and mother must differ", models.ErrInvalidInput)
	}
	if f.ID == "" {
		f.ID = s.newID()
	}

	tables := []string{string(models.EntityFlock), string(models.EntityLineageLink)}
	return s.write(ctx, tables, func(tx *gorm.DB, w *writeSet) error {
		parents := map[models.ParentKind]*string{
			models.ParentFather: f.FatherID,
			models.ParentMother: f.MotherID,
		}
		for kind, parentID := range parents {
			if parentID == nil {
				continue
			}
			if *parentID == f.ID {
				return models.NewError(models.ErrCycle, "create flock", models.EntityFlock, f.ID,
					fmt.Errorf("flock cannot be its own %s", kind))
			}
			ok, err := exists(tx, string(models.EntityFlock), "id", *parentID)
			if err != nil {
				return err
			}
			if !ok {
				return models.NewError(models.ErrReferentialIntegrity, "create flock", models.EntityFlock, *parentID,
					fmt.Errorf("unknown %s", kind))
			}
		}

		f.CreatedAt = w.now
		f.UpdatedAt = w.now
		stage(f, 0)
		if err := tx.Create(f).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: flock %s already exists", models.ErrInvalidInput, f.ID)
			}
			return fmt.Errorf("insert flock: %w", err)
		}
		if err := enqueue(tx, models.EntityFlock, f.ID, f.Generation, false, w.now); err != nil {
			return err
		}
		w.record(models.EntityFlock, f.ID, OpCreate)

		for _, kind := range []models.ParentKind{models.ParentFather, models.ParentMother} {
			if parents[kind] == nil {
				continue
			}
			link := &models.LineageLink{
				ID:        s.newID(),
				ChildID:   f.ID,
				ParentID:  *parents[kind],
				Kind:      kind,
				CreatedAt: w.now,
				UpdatedAt: w.now,
			}
			if err := insertLink(tx, w, link); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateFlock overwrites a flock's descriptive fields (last writer wins).
// Parentage changes go through the lineage link operations.
func (s *Store) UpdateFlock(ctx context.Context, f *models.Flock) error {
	return s.write(ctx, []string{string(models.EntityFlock)}, func(tx *gorm.DB, w *writeSet) error {
		var current models.Flock
		if err := tx.Where("id = ?", f.ID).Take(&current).Error; err != nil {
			if notFound(err) {
				return models.NewError(models.ErrNotFound, "update flock", models.EntityFlock, f.ID, nil)
			}
			return fmt.Errorf("load flock: %w", err)
		}

		current.OwnerID = f.OwnerID
		current.Type = f.Type
		current.Name = f.Name
		current.Breed = f.Breed
		current.Weight = f.Weight
		current.Certified = f.Certified
		current.Verified = f.Verified
		current.UpdatedAt = w.now
		stage(&current, current.Generation)

		if err := tx.Save(&current).Error; err != nil {
			return fmt.Errorf("save flock: %w", err)
		}
		if err := enqueue(tx, models.EntityFlock, current.ID, current.Generation, false, w.now); err != nil {
			return err
		}
		w.record(models.EntityFlock, current.ID, OpUpdate)
		*f = current
		return nil
	})
}

// DeleteFlock removes a flock together with its health, production and
// lineage rows. Children that named it as a parent lose that reference and
// alerts about it lose their flock id; every affected row is queued for sync.
func (s *Store) DeleteFlock(ctx context.Context, id string) error {
	return s.write(ctx, flockDependents, func(tx *gorm.DB, w *writeSet) error {
		var current models.Flock
		if err := tx.Where("id = ?", id).Take(&current).Error; err != nil {
			if notFound(err) {
				return models.NewError(models.ErrNotFound, "delete flock", models.EntityFlock, id, nil)
			}
			return fmt.Errorf("load flock: %w", err)
		}

		if err := bumpRows(tx, w, models.EntityFlock, map[string]any{"father_id": nil}, "father_id = ?", id); err != nil {
			return err
		}
		if err := bumpRows(tx, w, models.EntityFlock, map[string]any{"mother_id": nil}, "mother_id = ?", id); err != nil {
			return err
		}
		if err := bumpRows(tx, w, models.EntityAlert, map[string]any{"flock_id": nil}, "flock_id = ?", id); err != nil {
			return err
		}

		if err := tombstone(tx, w, models.EntityLineageLink, "child_id = ? OR parent_id = ?", id, id); err != nil {
			return err
		}
		if err := tombstone(tx, w, models.EntityHealthRecord, "flock_id = ?", id); err != nil {
			return err
		}
		if err := tombstone(tx, w, models.EntityProductionRecord, "flock_id = ?", id); err != nil {
			return err
		}

		if err := tx.Delete(&models.Flock{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete flock: %w", err)
		}
		if err := enqueue(tx, models.EntityFlock, id, current.Generation+1, true, w.now); err != nil {
			return err
		}
		w.record(models.EntityFlock, id, OpDelete)
		return nil
	})
}

// dropRemoteFlock removes a flock the remote authority deleted. Children and
// alerts lose their reference to it and its health, production and lineage
// rows go with it, all without being queued for push.
func dropRemoteFlock(tx *gorm.DB, w *writeSet, id string) error {
	for _, col := range []string{"father_id", "mother_id"} {
		if err := clearReference(tx, w, models.EntityFlock, col, id); err != nil {
			return err
		}
	}
	if err := clearReference(tx, w, models.EntityAlert, "flock_id", id); err != nil {
		return err
	}
	if err := dropRows(tx, w, models.EntityLineageLink, "child_id = ? OR parent_id = ?", id, id); err != nil {
		return err
	}
	if err := dropRows(tx, w, models.EntityHealthRecord, "flock_id = ?", id); err != nil {
		return err
	}
	if err := dropRows(tx, w, models.EntityProductionRecord, "flock_id = ?", id); err != nil {
		return err
	}
	return dropRows(tx, w, models.EntityFlock, "id = ?", id)
}

// GetFlock loads a flock by id.
func (s *Store) GetFlock(ctx context.Context, id string) (*models.Flock, error) {
	var f models.Flock
	err := s.read(ctx, func(db *gorm.DB) error {
		return db.Where("id = ?", id).Take(&f).Error
	})
	if err != nil {
		if notFound(err) {
			return nil, models.NewError(models.ErrNotFound, "get flock", models.EntityFlock, id, nil)
		}
		return nil, fmt.Errorf("get flock: %w", err)
	}
	return &f, nil
}

// GetFlocks loads the flocks with the given ids that exist locally.
func (s *Store) GetFlocks(ctx context.Context, ids []string) (map[string]models.Flock, error) {
	out := make(map[string]models.Flock, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.Flock
	err := s.read(ctx, func(db *gorm.DB) error {
		return db.Where("id IN ?", ids).Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("get flocks: %w", err)
	}
	for _, f := range rows {
		out[f.ID] = f
	}
	return out, nil
}

// ListFlocks returns flocks ordered by creation, optionally for one owner.
func (s *Store) ListFlocks(ctx context.Context, ownerID string) ([]models.Flock, error) {
	var rows []models.Flock
	err := s.read(ctx, func(db *gorm.DB) error {
		q := db.Order("created_at, id")
		if ownerID != "" {
			q = q.Where("owner_id = ?", ownerID)
		}
		return q.Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list flocks: %w", err)
	}
	return rows, nil
}
