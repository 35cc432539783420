package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

var lineageTables = []string{string(models.EntityFlock), string(models.EntityLineageLink)}

func parentColumn(kind models.ParentKind) string {
	if kind == models.ParentFather {
		return "father_id"
	}
	return "mother_id"
}

// InsertLineageLink links parentID as the kind-parent of childID. The cycle
// check and the insert run in one transaction holding the flock and lineage
// locks, so two concurrent inserts cannot together close a loop.
//
// When the child already has a different parent of that kind the call fails
// with ErrParentExists unless replace is set, in which case the old link is
// removed first. Re-inserting an identical link returns the stored one.
func (s *Store) InsertLineageLink(ctx context.Context, childID, parentID string, kind models.ParentKind, replace bool) (*models.LineageLink, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown parent kind %q", models.ErrInvalidInput, kind)
	}
	if childID == parentID {
		return nil, models.NewError(models.ErrCycle, "insert lineage link", models.EntityLineageLink, childID,
			fmt.Errorf("flock cannot be its own parent"))
	}

	var out *models.LineageLink
	err := s.write(ctx, lineageTables, func(tx *gorm.DB, w *writeSet) error {
		var child models.Flock
		if err := tx.Where("id = ?", childID).Take(&child).Error; err != nil {
			if notFound(err) {
				return models.NewError(models.ErrReferentialIntegrity, "insert lineage link", models.EntityFlock, childID,
					fmt.Errorf("unknown child"))
			}
			return fmt.Errorf("load child: %w", err)
		}
		ok, err := exists(tx, string(models.EntityFlock), "id", parentID)
		if err != nil {
			return err
		}
		if !ok {
			return models.NewError(models.ErrReferentialIntegrity, "insert lineage link", models.EntityFlock, parentID,
				fmt.Errorf("unknown parent"))
		}

		existing, err := linkOf(tx, childID, kind)
		if err != nil {
			return err
		}
		current := child.ParentID(kind)
		if existing != nil && existing.ParentID == parentID {
			out = existing
			return nil
		}
		if existing != nil || (current != nil && *current != parentID) {
			if !replace {
				return models.NewError(models.ErrParentExists, "insert lineage link", models.EntityFlock, childID,
					fmt.Errorf("%s already set", kind))
			}
			if existing != nil {
				if err := removeLink(tx, w, existing); err != nil {
					return err
				}
			}
		}

		// parent must not already descend from child
		cyclic, err := reachesAncestor(tx, parentID, childID)
		if err != nil {
			return err
		}
		if cyclic {
			return models.NewError(models.ErrCycle, "insert lineage link", models.EntityLineageLink, childID,
				fmt.Errorf("%s is a descendant of %s", parentID, childID))
		}

		link := &models.LineageLink{
			ID:        s.newID(),
			ChildID:   childID,
			ParentID:  parentID,
			Kind:      kind,
			CreatedAt: w.now,
			UpdatedAt: w.now,
		}
		if err := insertLink(tx, w, link); err != nil {
			return err
		}
		if current == nil || *current != parentID {
			if err := bumpRows(tx, w, models.EntityFlock, map[string]any{parentColumn(kind): parentID}, "id = ?", childID); err != nil {
				return err
			}
		}
		out = link
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteLineageLink removes the kind-parent of childID.
func (s *Store) DeleteLineageLink(ctx context.Context, childID string, kind models.ParentKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown parent kind %q", models.ErrInvalidInput, kind)
	}
	return s.write(ctx, lineageTables, func(tx *gorm.DB, w *writeSet) error {
		existing, err := linkOf(tx, childID, kind)
		if err != nil {
			return err
		}
		var cleared int64
		if err := tx.Model(&models.Flock{}).Where("id = ? AND "+parentColumn(kind)+" IS NOT NULL", childID).Count(&cleared).Error; err != nil {
			return fmt.Errorf("load child: %w", err)
		}
		if existing == nil && cleared == 0 {
			return models.NewError(models.ErrNotFound, "delete lineage link", models.EntityLineageLink, childID,
				fmt.Errorf("no %s linked", kind))
		}
		if existing != nil {
			if err := removeLink(tx, w, existing); err != nil {
				return err
			}
		}
		if cleared > 0 {
			return bumpRows(tx, w, models.EntityFlock, map[string]any{parentColumn(kind): nil}, "id = ?", childID)
		}
		return nil
	})
}

// Parents returns the known parents of a flock by kind. Links and the flock's
// own parent columns are both consulted; a link wins when they disagree.
func (s *Store) Parents(ctx context.Context, flockID string) (map[models.ParentKind]string, error) {
	out := make(map[models.ParentKind]string, 2)
	err := s.read(ctx, func(db *gorm.DB) error {
		var f models.Flock
		if err := db.Where("id = ?", flockID).Take(&f).Error; err != nil {
			if notFound(err) {
				return models.NewError(models.ErrNotFound, "parents", models.EntityFlock, flockID, nil)
			}
			return fmt.Errorf("load flock: %w", err)
		}
		if f.FatherID != nil {
			out[models.ParentFather] = *f.FatherID
		}
		if f.MotherID != nil {
			out[models.ParentMother] = *f.MotherID
		}
		var links []models.LineageLink
		if err := db.Where("child_id = ?", flockID).Find(&links).Error; err != nil {
			return fmt.Errorf("load links: %w", err)
		}
		for _, l := range links {
			out[l.Kind] = l.ParentID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ChildIDs returns the flocks that name parentID as a parent, sorted.
func (s *Store) ChildIDs(ctx context.Context, parentID string) ([]string, error) {
	var ids []string
	err := s.read(ctx, func(db *gorm.DB) error {
		var err error
		ids, err = childrenOf(db, parentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListLineageLinks returns the links where flockID is child or parent.
func (s *Store) ListLineageLinks(ctx context.Context, flockID string) ([]models.LineageLink, error) {
	var links []models.LineageLink
	err := s.read(ctx, func(db *gorm.DB) error {
		return db.Where("child_id = ? OR parent_id = ?", flockID, flockID).Order("created_at, id").Find(&links).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list lineage links: %w", err)
	}
	return links, nil
}

// IsAncestor reports whether ancestorID appears anywhere above flockID.
func (s *Store) IsAncestor(ctx context.Context, ancestorID, flockID string) (bool, error) {
	var found bool
	err := s.read(ctx, func(db *gorm.DB) error {
		var err error
		found, err = reachesAncestor(db, flockID, ancestorID)
		return err
	})
	return found, err
}

// errRemoteRejected rolls back a remote record that would break a local
// integrity rule.
var errRemoteRejected = errors.New("remote record rejected")

// applyRemoteLink applies a pulled lineage link with the same rules local
// inserts follow: both flocks must exist, a child has one parent per kind and
// the graph stays acyclic. A clean link holding the child's slot is replaced;
// a dirty one wins. The child's parent column mirrors the result.
func applyRemoteLink(tx *gorm.DB, w *writeSet, rec models.SyncRecord, local *localState) (ApplyOutcome, error) {
	var link models.LineageLink
	if err := json.Unmarshal(rec.Payload, &link); err != nil {
		return ApplySkipped, models.NewError(models.ErrInvalidInput, "decode remote record", models.EntityLineageLink, rec.ID, err)
	}
	link.ID = rec.ID
	if !link.Kind.Valid() || link.ChildID == "" || link.ChildID == link.ParentID {
		return ApplyRejected, errRemoteRejected
	}
	for _, id := range []string{link.ChildID, link.ParentID} {
		ok, err := exists(tx, string(models.EntityFlock), "id", id)
		if err != nil {
			return ApplySkipped, err
		}
		if !ok {
			return ApplySkipped, models.NewError(models.ErrReferentialIntegrity, "apply remote", models.EntityLineageLink, rec.ID,
				fmt.Errorf("unknown flock %s", id))
		}
	}

	var previous []models.LineageLink
	if err := tx.Where("id = ?", rec.ID).Limit(1).Find(&previous).Error; err != nil {
		return ApplySkipped, fmt.Errorf("load lineage link: %w", err)
	}
	if len(previous) == 1 {
		if err := clearMirror(tx, w, &previous[0]); err != nil {
			return ApplySkipped, err
		}
	}

	holder, err := linkOf(tx, link.ChildID, link.Kind)
	if err != nil {
		return ApplySkipped, err
	}
	if holder != nil && holder.ID != rec.ID {
		if holder.Dirty {
			return ApplyLocalWins, errRemoteRejected
		}
		if err := dropRows(tx, w, models.EntityLineageLink, "id = ?", holder.ID); err != nil {
			return ApplySkipped, err
		}
		if err := clearMirror(tx, w, holder); err != nil {
			return ApplySkipped, err
		}
	}

	// a parent column that disagrees is stale once the link is authoritative
	col := parentColumn(link.Kind)
	if err := tx.Table(string(models.EntityFlock)).Where("id = ?", link.ChildID).Update(col, nil).Error; err != nil {
		return ApplySkipped, fmt.Errorf("reset %s of %s: %w", col, link.ChildID, err)
	}
	cyclic, err := reachesAncestor(tx, link.ParentID, link.ChildID)
	if err != nil {
		return ApplySkipped, err
	}
	if cyclic {
		return ApplyRejected, errRemoteRejected
	}

	outcome := ApplyInserted
	var generation int64
	if local != nil {
		generation = local.Generation
		outcome = ApplyUpdated
		if local.ServerUpdatedAt != nil && rec.UpdatedAt.Before(*local.ServerUpdatedAt) {
			outcome = ApplyStaleRemote
		}
	}
	if err := registry[models.EntityLineageLink].apply(tx, rec, generation); err != nil {
		return ApplySkipped, fmt.Errorf("apply remote %s %s: %w", models.EntityLineageLink, rec.ID, err)
	}
	if err := tx.Table(string(models.EntityFlock)).Where("id = ?", link.ChildID).Update(col, link.ParentID).Error; err != nil {
		return ApplySkipped, fmt.Errorf("mirror %s of %s: %w", col, link.ChildID, err)
	}
	w.record(models.EntityFlock, link.ChildID, OpUpdate)
	if outcome == ApplyInserted {
		w.record(models.EntityLineageLink, rec.ID, OpCreate)
	} else {
		w.record(models.EntityLineageLink, rec.ID, OpUpdate)
	}
	return outcome, nil
}

// dropRemoteLink removes a lineage link the remote authority deleted.
func dropRemoteLink(tx *gorm.DB, w *writeSet, id string) error {
	var links []models.LineageLink
	if err := tx.Where("id = ?", id).Limit(1).Find(&links).Error; err != nil {
		return fmt.Errorf("load lineage link: %w", err)
	}
	if len(links) == 0 {
		return nil
	}
	if err := dropRows(tx, w, models.EntityLineageLink, "id = ?", id); err != nil {
		return err
	}
	return clearMirror(tx, w, &links[0])
}

// clearMirror nulls the child's parent column when it still names the
// link's parent.
func clearMirror(tx *gorm.DB, w *writeSet, link *models.LineageLink) error {
	col := parentColumn(link.Kind)
	res := tx.Table(string(models.EntityFlock)).
		Where("id = ? AND "+col+" = ?", link.ChildID, link.ParentID).
		Update(col, nil)
	if res.Error != nil {
		return fmt.Errorf("clear %s of %s: %w", col, link.ChildID, res.Error)
	}
	if res.RowsAffected > 0 {
		w.record(models.EntityFlock, link.ChildID, OpUpdate)
	}
	return nil
}

func insertLink(tx *gorm.DB, w *writeSet, link *models.LineageLink) error {
	stage(link, 0)
	if err := tx.Create(link).Error; err != nil {
		if isUniqueViolation(err) {
			return models.NewError(models.ErrParentExists, "insert lineage link", models.EntityLineageLink, link.ChildID, err)
		}
		if isForeignKeyViolation(err) {
			return models.NewError(models.ErrReferentialIntegrity, "insert lineage link", models.EntityLineageLink, link.ChildID, err)
		}
		return fmt.Errorf("insert lineage link: %w", err)
	}
	if err := enqueue(tx, models.EntityLineageLink, link.ID, link.Generation, false, w.now); err != nil {
		return err
	}
	w.record(models.EntityLineageLink, link.ID, OpCreate)
	return nil
}

func removeLink(tx *gorm.DB, w *writeSet, link *models.LineageLink) error {
	if err := tombstone(tx, w, models.EntityLineageLink, "id = ?", link.ID); err != nil {
		return err
	}
	if err := tx.Delete(&models.LineageLink{}, "id = ?", link.ID).Error; err != nil {
		return fmt.Errorf("delete lineage link: %w", err)
	}
	return nil
}

func linkOf(tx *gorm.DB, childID string, kind models.ParentKind) (*models.LineageLink, error) {
	var links []models.LineageLink
	if err := tx.Where("child_id = ? AND kind = ?", childID, kind).Limit(1).Find(&links).Error; err != nil {
		return nil, fmt.Errorf("load lineage link: %w", err)
	}
	if len(links) == 0 {
		return nil, nil
	}
	return &links[0], nil
}

func parentsOf(db *gorm.DB, id string) ([]string, error) {
	var ids []string
	err := db.Raw(`SELECT parent_id FROM lineage_links WHERE child_id = ?
UNION SELECT father_id FROM flocks WHERE id = ? AND father_id IS NOT NULL
UNION SELECT mother_id FROM flocks WHERE id = ? AND mother_id IS NOT NULL`, id, id, id).Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("load parents of %s: %w", id, err)
	}
	return ids, nil
}

func childrenOf(db *gorm.DB, id string) ([]string, error) {
	var ids []string
	err := db.Raw(`SELECT child_id FROM lineage_links WHERE parent_id = ?
UNION SELECT id FROM flocks WHERE father_id = ? OR mother_id = ?`, id, id, id).Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("load children of %s: %w", id, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// reachesAncestor walks upward from start and reports whether target is
// start itself or one of its ancestors. Already visited flocks are skipped so
// malformed data cannot loop forever.
func reachesAncestor(db *gorm.DB, start, target string) (bool, error) {
	visited := map[string]struct{}{}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == target {
			return true, nil
		}
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		parents, err := parentsOf(db, id)
		if err != nil {
			return false, err
		}
		queue = append(queue, parents...)
	}
	return false, nil
}
