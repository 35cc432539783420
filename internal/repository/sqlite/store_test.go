package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

var testEpoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type testClock struct{ now atomic.Int64 }

func newTestClock(start time.Time) *testClock {
	c := &testClock{}
	c.now.Store(start.UnixNano())
	return c
}

func (c *testClock) Now() time.Time          { return time.Unix(0, c.now.Load()).UTC() }
func (c *testClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock(testEpoch)
	var seq atomic.Int64
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "farm.db"), zap.NewNop(),
		WithClock(clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func mustFlock(t *testing.T, s *Store, name string, father, mother *string) *models.Flock {
	t.Helper()
	f := &models.Flock{OwnerID: "owner-1", Name: name, Type: "layer", FatherID: father, MotherID: mother}
	require.NoError(t, s.CreateFlock(context.Background(), f))
	return f
}

func TestOpen_MigratesToLatest(t *testing.T) {
	var steps []Step
	dir := t.TempDir()
	store, err := Open(context.Background(), filepath.Join(dir, "farm.db"), nil,
		WithMigrationObserver(func(s Step) { steps = append(steps, s) }))
	require.NoError(t, err)

	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), version)
	require.Len(t, steps, 5)
	assert.Equal(t, Step{From: 0, To: 1, Description: "initial schema"}, steps[0])
	assert.Equal(t, "lineage links", steps[1].Description)
	require.NoError(t, store.Close())

	// reopening an up-to-date store applies nothing
	steps = nil
	store, err = Open(context.Background(), filepath.Join(dir, "farm.db"), nil,
		WithMigrationObserver(func(s Step) { steps = append(steps, s) }))
	require.NoError(t, err)
	assert.Empty(t, steps)
	require.NoError(t, store.Close())
}

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "raw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrator_FailureKeepsLastCompletedVersion(t *testing.T) {
	db := openRaw(t)
	fsys := fstest.MapFS{
		"migrations/00001_first.sql":  {Data: []byte("-- +goose Up\nCREATE TABLE a (id TEXT PRIMARY KEY);\n")},
		"migrations/00002_second.sql": {Data: []byte("-- +goose Up\nCREATE TABLE b (id TEXT PRIMARY KEY);\n")},
		"migrations/00003_broken.sql": {Data: []byte("-- +goose Up\nCREATE TABLE c (;\n")},
	}
	m := NewMigrator(db, nil).WithSource(fsys, "migrations")

	applied, err := m.Up(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSchema)
	require.Len(t, applied, 2)
	assert.Equal(t, int64(2), applied[1].To)

	version, err := m.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestMigrator_RejectsNewerOnDiskVersion(t *testing.T) {
	db := openRaw(t)
	newer := fstest.MapFS{
		"migrations/00001_first.sql":  {Data: []byte("-- +goose Up\nCREATE TABLE a (id TEXT PRIMARY KEY);\n")},
		"migrations/00002_second.sql": {Data: []byte("-- +goose Up\nCREATE TABLE b (id TEXT PRIMARY KEY);\n")},
	}
	_, err := NewMigrator(db, nil).WithSource(newer, "migrations").Up(context.Background())
	require.NoError(t, err)

	older := fstest.MapFS{
		"migrations/00001_first.sql": newer["migrations/00001_first.sql"],
	}
	_, err = NewMigrator(db, nil).WithSource(older, "migrations").Up(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSchema)
	assert.True(t, models.IsUserFacing(err))
}

func TestPlanFile_LeavesDatabaseUntouched(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	missing := filepath.Join(dir, "absent.db")
	steps, err := PlanFile(ctx, missing, nil)
	require.NoError(t, err)
	assert.Len(t, steps, 5)
	_, err = os.Stat(missing)
	assert.True(t, os.IsNotExist(err), "planning must not create the file")

	path := filepath.Join(dir, "legacy.db")
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec("CREATE TABLE notes (id TEXT PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	steps, err = PlanFile(ctx, path, nil)
	require.NoError(t, err)
	require.Len(t, steps, 5)
	assert.Equal(t, int64(0), steps[0].From)

	raw, err = sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	var n int
	require.NoError(t, raw.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'goose_db_version'").Scan(&n))
	assert.Zero(t, n)

	store, err := Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	steps, err = PlanFile(ctx, path, nil)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestWrite_MarksDirtyAndQueues(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	f := mustFlock(t, s, "Layers A", nil, nil)
	state, err := s.SyncStateOf(ctx, models.EntityFlock, f.ID)
	require.NoError(t, err)
	assert.True(t, state.Dirty)
	assert.Equal(t, int64(1), state.Generation)

	pending, err := s.PendingSync(ctx, models.EntityFlock, s.Now(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, f.ID, pending[0].Record.ID)
	assert.False(t, pending[0].Record.Deleted)
	assert.Contains(t, string(pending[0].Record.Payload), "Layers A")
}

func TestConfirmSync_StaleGenerationStaysDirty(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	f := mustFlock(t, s, "Broilers", nil, nil)
	pushed, err := s.PendingSync(ctx, models.EntityFlock, s.Now(), 10)
	require.NoError(t, err)
	require.Len(t, pushed, 1)

	// local edit lands while the push is in flight
	clock.Advance(time.Second)
	f.Name = "Broilers renamed"
	require.NoError(t, s.UpdateFlock(ctx, f))

	settled, err := s.ConfirmSync(ctx, models.EntityFlock, f.ID, pushed[0].Record.Generation, s.Now())
	require.NoError(t, err)
	assert.False(t, settled)

	state, err := s.SyncStateOf(ctx, models.EntityFlock, f.ID)
	require.NoError(t, err)
	assert.True(t, state.Dirty)
	assert.Equal(t, int64(2), state.Generation)

	settled, err = s.ConfirmSync(ctx, models.EntityFlock, f.ID, 2, s.Now())
	require.NoError(t, err)
	assert.True(t, settled)

	state, err = s.SyncStateOf(ctx, models.EntityFlock, f.ID)
	require.NoError(t, err)
	assert.False(t, state.Dirty)
	assert.Equal(t, int64(2), state.SyncedGeneration)

	counts, err := s.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[models.EntityFlock])
}

func TestRecordSyncFailure_DefersRetry(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	f := mustFlock(t, s, "Layers", nil, nil)
	require.NoError(t, s.RecordSyncFailure(ctx, models.EntityFlock, f.ID, 1, s.Now().Add(2*time.Second), "boom"))

	due, err := s.PendingSync(ctx, models.EntityFlock, s.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	clock.Advance(3 * time.Second)
	due, err = s.PendingSync(ctx, models.EntityFlock, s.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
}

func TestCreateFlock_UnknownParent(t *testing.T) {
	s, _ := newTestStore(t)
	ghost := "ghost"
	err := s.CreateFlock(context.Background(), &models.Flock{OwnerID: "o", FatherID: &ghost})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrReferentialIntegrity)
}

func TestCreateFlock_ParentsBecomeLinks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	father := mustFlock(t, s, "Rooster", nil, nil)
	mother := mustFlock(t, s, "Hen", nil, nil)
	child := mustFlock(t, s, "Chicks", &father.ID, &mother.ID)

	parents, err := s.Parents(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, father.ID, parents[models.ParentFather])
	assert.Equal(t, mother.ID, parents[models.ParentMother])

	children, err := s.ChildIDs(ctx, father.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{child.ID}, children)

	links, err := s.ListLineageLinks(ctx, child.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestDeleteFlock_CascadesAndQueuesTombstones(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	parent := mustFlock(t, s, "Parent", nil, nil)
	child := mustFlock(t, s, "Child", &parent.ID, nil)

	count := 3
	require.NoError(t, s.CreateHealthRecord(ctx, &models.HealthRecord{
		FlockID: parent.ID, Kind: models.HealthMortality, Count: &count,
	}))
	require.NoError(t, s.CreateProductionRecord(ctx, &models.ProductionRecord{FlockID: parent.ID, Eggs: 120}))

	require.NoError(t, s.DeleteFlock(ctx, parent.ID))

	_, err := s.GetFlock(ctx, parent.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	health, err := s.ListHealthRecords(ctx, parent.ID, "")
	require.NoError(t, err)
	assert.Empty(t, health)

	reloaded, err := s.GetFlock(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.FatherID)

	links, err := s.ListLineageLinks(ctx, child.ID)
	require.NoError(t, err)
	assert.Empty(t, links)

	pending, err := s.PendingSync(ctx, models.EntityFlock, s.Now(), 10)
	require.NoError(t, err)
	var tombstoned bool
	for _, p := range pending {
		if p.Record.ID == parent.ID {
			tombstoned = p.Record.Deleted
		}
	}
	assert.True(t, tombstoned)

	prod, err := s.PendingSync(ctx, models.EntityProductionRecord, s.Now(), 10)
	require.NoError(t, err)
	require.Len(t, prod, 1)
	assert.True(t, prod[0].Record.Deleted)
}

func TestHealthRecord_RequiresKindFields(t *testing.T) {
	s, _ := newTestStore(t)
	f := mustFlock(t, s, "Layers", nil, nil)

	err := s.CreateHealthRecord(context.Background(), &models.HealthRecord{FlockID: f.ID, Kind: models.HealthVaccination})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	err = s.CreateHealthRecord(context.Background(), &models.HealthRecord{FlockID: "missing", Kind: models.HealthCheckup})
	assert.ErrorIs(t, err, models.ErrReferentialIntegrity)
}

func TestSubscribe_DeliversCommittedChangesInOrder(t *testing.T) {
	s, _ := newTestStore(t)
	sub := s.Subscribe(string(models.EntityFlock))
	defer sub.Close()

	a := mustFlock(t, s, "A", nil, nil)
	b := mustFlock(t, s, "B", nil, nil)

	for _, want := range []string{a.ID, b.ID} {
		select {
		case c := <-sub.C:
			assert.Equal(t, want, c.ID)
			assert.Equal(t, OpCreate, c.Op)
		case <-time.After(2 * time.Second):
			t.Fatalf("no change delivered for %s", want)
		}
	}
}

func TestApplyRemote_LastWriterWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	local := mustFlock(t, s, "Local", nil, nil)

	remote := models.SyncRecord{
		ID:        local.ID,
		UpdatedAt: testEpoch.Add(time.Hour),
		Payload:   []byte(`{"id":"` + local.ID + `","owner_id":"owner-1","name":"Remote"}`),
	}
	outcome, err := s.ApplyRemote(ctx, models.EntityFlock, remote)
	require.NoError(t, err)
	assert.Equal(t, ApplyLocalWins, outcome)

	got, err := s.GetFlock(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, "Local", got.Name)

	_, err = s.ConfirmSync(ctx, models.EntityFlock, local.ID, 1, testEpoch.Add(2*time.Hour))
	require.NoError(t, err)

	// older than what the server last confirmed: applied but flagged
	outcome, err = s.ApplyRemote(ctx, models.EntityFlock, remote)
	require.NoError(t, err)
	assert.Equal(t, ApplyStaleRemote, outcome)
	assert.True(t, outcome.Conflict())

	got, err = s.GetFlock(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, "Remote", got.Name)
	assert.False(t, got.Dirty)

	outcome, err = s.ApplyRemote(ctx, models.EntityFlock, models.SyncRecord{ID: local.ID, Deleted: true})
	require.NoError(t, err)
	assert.Equal(t, ApplyDeleted, outcome)
}

func TestApplyRemote_UnknownFlockReference(t *testing.T) {
	s, _ := newTestStore(t)
	rec := models.SyncRecord{
		ID:        "h1",
		UpdatedAt: testEpoch,
		Payload:   []byte(`{"id":"h1","flock_id":"nope","kind":"CHECKUP","recorded_at":"2026-03-01T08:00:00Z"}`),
	}
	_, err := s.ApplyRemote(context.Background(), models.EntityHealthRecord, rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrReferentialIntegrity)
}

func TestApplyServerID_RekeysReferences(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	parent := mustFlock(t, s, "Parent", nil, nil)
	child := mustFlock(t, s, "Child", &parent.ID, nil)

	require.NoError(t, s.ApplyServerID(ctx, models.EntityFlock, parent.ID, "srv-1"))

	got, err := s.GetFlock(ctx, child.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FatherID)
	assert.Equal(t, "srv-1", *got.FatherID)

	parents, err := s.Parents(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", parents[models.ParentFather])
}
