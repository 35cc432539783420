package lineage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/repository/sqlite"
)

// Policy decides what AddParent does when the child already has a parent of
// the requested kind.
type Policy int

const (
	// PolicyReject fails with models.ErrParentExists.
	PolicyReject Policy = iota
	// PolicyReplace unlinks the existing parent first.
	PolicyReplace
)

// ParsePolicy maps "reject" / "replace" to a Policy.
func ParsePolicy(raw string) (Policy, error) {
	switch raw {
	case "", "reject":
		return PolicyReject, nil
	case "replace":
		return PolicyReplace, nil
	}
	return PolicyReject, fmt.Errorf("%w: unknown parent policy %q", models.ErrInvalidInput, raw)
}

// DefaultMaxDepth bounds ancestor trees when the caller passes no depth.
const DefaultMaxDepth = 4

// AncestorNode is one flock in an ancestor tree. A parent id that cannot be
// resolved locally (for example, still pending sync) is an Unresolved leaf.
type AncestorNode struct {
	FlockID    string        `json:"flock_id"`
	Flock      *models.Flock `json:"flock,omitempty"`
	Unresolved bool          `json:"unresolved,omitempty"`
	Father     *AncestorNode `json:"father,omitempty"`
	Mother     *AncestorNode `json:"mother,omitempty"`
}

// Store is the slice of the local store lineage needs.
type Store interface {
	GetFlock(ctx context.Context, id string) (*models.Flock, error)
	GetFlocks(ctx context.Context, ids []string) (map[string]models.Flock, error)
	Parents(ctx context.Context, flockID string) (map[models.ParentKind]string, error)
	ChildIDs(ctx context.Context, parentID string) ([]string, error)
	IsAncestor(ctx context.Context, ancestorID, flockID string) (bool, error)
	InsertLineageLink(ctx context.Context, childID, parentID string, kind models.ParentKind, replace bool) (*models.LineageLink, error)
	DeleteLineageLink(ctx context.Context, childID string, kind models.ParentKind) error
}

var _ Store = (*sqlite.Store)(nil)

// Service builds and queries the family tree over flocks.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a lineage service.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// AddParent links parentID as the kind-parent of childID. Existence, the
// existing-parent policy and the cycle check are all enforced in one store
// transaction.
func (s *Service) AddParent(ctx context.Context, childID, parentID string, kind models.ParentKind, policy Policy) (*models.LineageLink, error) {
	link, err := s.store.InsertLineageLink(ctx, childID, parentID, kind, policy == PolicyReplace)
	if err != nil {
		if errors.Is(err, models.ErrCycle) {
			s.logger.Info("lineage link rejected",
				zap.String("child_id", childID),
				zap.String("parent_id", parentID),
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
		return nil, err
	}
	s.logger.Debug("lineage link added",
		zap.String("child_id", childID),
		zap.String("parent_id", parentID),
		zap.String("kind", string(kind)))
	return link, nil
}

// RemoveParent unlinks the kind-parent of childID.
func (s *Service) RemoveParent(ctx context.Context, childID string, kind models.ParentKind) error {
	return s.store.DeleteLineageLink(ctx, childID, kind)
}

// IsAncestor reports whether ancestorID is above flockID in the tree.
func (s *Service) IsAncestor(ctx context.Context, ancestorID, flockID string) (bool, error) {
	if ancestorID == flockID {
		return false, nil
	}
	return s.store.IsAncestor(ctx, ancestorID, flockID)
}

// GetAncestors returns the tree rooted at flockID with up to maxDepth
// generations of parents. maxDepth <= 0 uses DefaultMaxDepth.
func (s *Service) GetAncestors(ctx context.Context, flockID string, maxDepth int) (*AncestorNode, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	root, err := s.store.GetFlock(ctx, flockID)
	if err != nil {
		return nil, err
	}
	node := &AncestorNode{FlockID: root.ID, Flock: root}
	onPath := map[string]bool{root.ID: true}
	if err := s.expand(ctx, node, maxDepth, onPath); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Service) expand(ctx context.Context, node *AncestorNode, depth int, onPath map[string]bool) error {
	if depth == 0 {
		return nil
	}
	parents, err := s.store.Parents(ctx, node.FlockID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(parents))
	for _, id := range parents {
		ids = append(ids, id)
	}
	known, err := s.store.GetFlocks(ctx, ids)
	if err != nil {
		return err
	}

	for _, kind := range []models.ParentKind{models.ParentFather, models.ParentMother} {
		id, ok := parents[kind]
		if !ok {
			continue
		}
		child := &AncestorNode{FlockID: id}
		f, found := known[id]
		switch {
		case !found:
			child.Unresolved = true
		case onPath[id]:
			// malformed data that loops back; stop here
			child.Flock = &f
			s.logger.Warn("lineage loop detected", zap.String("flock_id", id))
		default:
			child.Flock = &f
			onPath[id] = true
			if err := s.expand(ctx, child, depth-1, onPath); err != nil {
				return err
			}
			delete(onPath, id)
		}
		if kind == models.ParentFather {
			node.Father = child
		} else {
			node.Mother = child
		}
	}
	return nil
}

// GetDescendants returns every flock transitively below flockID, breadth
// first.
func (s *Service) GetDescendants(ctx context.Context, flockID string) ([]models.Flock, error) {
	if _, err := s.store.GetFlock(ctx, flockID); err != nil {
		return nil, err
	}

	seen := map[string]bool{flockID: true}
	var order []string
	frontier := []string{flockID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			children, err := s.store.ChildIDs(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				if seen[c] {
					continue
				}
				seen[c] = true
				order = append(order, c)
				next = append(next, c)
			}
		}
		frontier = next
	}

	known, err := s.store.GetFlocks(ctx, order)
	if err != nil {
		return nil, err
	}
	out := make([]models.Flock, 0, len(order))
	for _, id := range order {
		if f, ok := known[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}
