package lineage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/repository/sqlite"
)

func setup(t *testing.T) (*Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "lineage.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store, nil), store
}

func flock(t *testing.T, store *sqlite.Store, name string, father, mother *string) string {
	t.Helper()
	f := &models.Flock{OwnerID: "owner", Name: name, FatherID: father, MotherID: mother}
	require.NoError(t, store.CreateFlock(context.Background(), f))
	return f.ID
}

func TestAddParent_ChildCannotBecomeParentOfItsParent(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	a := flock(t, store, "A", nil, nil)
	b := flock(t, store, "B", &a, nil)

	_, err := svc.AddParent(ctx, a, b, models.ParentFather, PolicyReject)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCycle)
	assert.True(t, models.IsUserFacing(err))

	ok, err := svc.IsAncestor(ctx, b, a)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddParent_Policies(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	m1 := flock(t, store, "Hen 1", nil, nil)
	m2 := flock(t, store, "Hen 2", nil, nil)
	child := flock(t, store, "Chicks", nil, nil)

	_, err := svc.AddParent(ctx, child, m1, models.ParentMother, PolicyReject)
	require.NoError(t, err)

	_, err = svc.AddParent(ctx, child, m2, models.ParentMother, PolicyReject)
	assert.ErrorIs(t, err, models.ErrParentExists)

	link, err := svc.AddParent(ctx, child, m2, models.ParentMother, PolicyReplace)
	require.NoError(t, err)
	assert.Equal(t, m2, link.ParentID)

	require.NoError(t, svc.RemoveParent(ctx, child, models.ParentMother))
	tree, err := svc.GetAncestors(ctx, child, 1)
	require.NoError(t, err)
	assert.Nil(t, tree.Mother)
}

func TestGetAncestors_TwoGenerations(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	ff := flock(t, store, "Father's father", nil, nil)
	fm := flock(t, store, "Father's mother", nil, nil)
	mf := flock(t, store, "Mother's father", nil, nil)
	father := flock(t, store, "Father", &ff, &fm)
	mother := flock(t, store, "Mother", &mf, nil)
	root := flock(t, store, "Root", &father, &mother)
	// a great-grandparent beyond the requested depth
	_, err := svc.AddParent(ctx, ff, flock(t, store, "Old", nil, nil), models.ParentFather, PolicyReject)
	require.NoError(t, err)

	tree, err := svc.GetAncestors(ctx, root, 2)
	require.NoError(t, err)

	require.NotNil(t, tree.Father)
	require.NotNil(t, tree.Mother)
	assert.Equal(t, father, tree.Father.FlockID)
	assert.Equal(t, mother, tree.Mother.FlockID)
	assert.Equal(t, "Father", tree.Father.Flock.Name)

	require.NotNil(t, tree.Father.Father)
	require.NotNil(t, tree.Father.Mother)
	require.NotNil(t, tree.Mother.Father)
	assert.Nil(t, tree.Mother.Mother)
	assert.Equal(t, ff, tree.Father.Father.FlockID)
	assert.Nil(t, tree.Father.Father.Father, "depth bound must stop the walk")
}

func TestGetAncestors_UnresolvedParent(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	// a pulled record may reference a parent that has not arrived yet
	rec := models.SyncRecord{
		ID:      "remote-child",
		Payload: []byte(`{"id":"remote-child","owner_id":"o","name":"Pulled","father_id":"not-here-yet"}`),
	}
	_, err := store.ApplyRemote(ctx, models.EntityFlock, rec)
	require.NoError(t, err)

	tree, err := svc.GetAncestors(ctx, "remote-child", 3)
	require.NoError(t, err)
	require.NotNil(t, tree.Father)
	assert.True(t, tree.Father.Unresolved)
	assert.Equal(t, "not-here-yet", tree.Father.FlockID)
	assert.Nil(t, tree.Father.Flock)
}

func TestGetDescendants(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	a := flock(t, store, "A", nil, nil)
	b := flock(t, store, "B", &a, nil)
	c := flock(t, store, "C", nil, &a)
	d := flock(t, store, "D", &b, &c)
	flock(t, store, "Unrelated", nil, nil)

	got, err := svc.GetDescendants(ctx, a)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, f := range got {
		ids = append(ids, f.ID)
	}
	assert.ElementsMatch(t, []string{b, c, d}, ids)
	assert.Equal(t, d, ids[2])

	_, err = svc.GetDescendants(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("replace")
	require.NoError(t, err)
	assert.Equal(t, PolicyReplace, p)

	_, err = ParsePolicy("merge")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
