package sqlite

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

func TestInsertLineageLink_RejectsCycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := mustFlock(t, s, "A", nil, nil)
	b := mustFlock(t, s, "B", &a.ID, nil)

	_, err := s.InsertLineageLink(ctx, a.ID, b.ID, models.ParentFather, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCycle)

	_, err = s.InsertLineageLink(ctx, a.ID, a.ID, models.ParentMother, false)
	assert.ErrorIs(t, err, models.ErrCycle)
}

func TestInsertLineageLink_DeepCycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := mustFlock(t, s, "A", nil, nil)
	b := mustFlock(t, s, "B", nil, &a.ID)
	c := mustFlock(t, s, "C", &b.ID, nil)

	_, err := s.InsertLineageLink(ctx, a.ID, c.ID, models.ParentFather, false)
	assert.ErrorIs(t, err, models.ErrCycle)

	ok, err := s.IsAncestor(ctx, a.ID, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsAncestor(ctx, c.ID, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertLineageLink_ExistingParentPolicy(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := mustFlock(t, s, "Rooster 1", nil, nil)
	second := mustFlock(t, s, "Rooster 2", nil, nil)
	child := mustFlock(t, s, "Chicks", &first.ID, nil)

	_, err := s.InsertLineageLink(ctx, child.ID, second.ID, models.ParentFather, false)
	assert.ErrorIs(t, err, models.ErrParentExists)

	again, err := s.InsertLineageLink(ctx, child.ID, first.ID, models.ParentFather, false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ParentID)

	link, err := s.InsertLineageLink(ctx, child.ID, second.ID, models.ParentFather, true)
	require.NoError(t, err)
	assert.Equal(t, second.ID, link.ParentID)

	got, err := s.GetFlock(ctx, child.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FatherID)
	assert.Equal(t, second.ID, *got.FatherID)

	links, err := s.ListLineageLinks(ctx, child.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestInsertLineageLink_UnknownFlock(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustFlock(t, s, "A", nil, nil)

	_, err := s.InsertLineageLink(context.Background(), a.ID, "nobody", models.ParentMother, false)
	assert.ErrorIs(t, err, models.ErrReferentialIntegrity)
}

func TestDeleteLineageLink(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mother := mustFlock(t, s, "Hen", nil, nil)
	child := mustFlock(t, s, "Chicks", nil, &mother.ID)

	require.NoError(t, s.DeleteLineageLink(ctx, child.ID, models.ParentMother))
	got, err := s.GetFlock(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, got.MotherID)

	err = s.DeleteLineageLink(ctx, child.ID, models.ParentMother)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// Two writers racing to close a loop between the same pair: exactly one wins.
func TestInsertLineageLink_ConcurrentOppositeEdges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	x := mustFlock(t, s, "X", nil, nil)
	y := mustFlock(t, s, "Y", nil, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = s.InsertLineageLink(ctx, x.ID, y.ID, models.ParentFather, false)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = s.InsertLineageLink(ctx, y.ID, x.ID, models.ParentFather, false)
	}()
	wg.Wait()

	var failed int
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, models.ErrCycle)
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}
