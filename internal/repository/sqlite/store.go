package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

const tableSyncCursors = "sync_cursors"

// Store is the on-device relational store. Writes to a table are serialized
// by a per-table mutex; reads run concurrently against SQLite's WAL snapshot.
// Migrations hold the gate exclusively.
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	gate  sync.RWMutex
	locks map[string]*sync.Mutex
	hub   *hub

	onMigrated func(Step)
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides local id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithMigrationObserver is called for every migration step applied on open.
func WithMigrationObserver(fn func(Step)) Option {
	return func(s *Store) { s.onMigrated = fn }
}

// Open opens (creating if needed) the SQLite file at path and migrates it to
// the newest schema. A migration failure closes the database and is returned;
// the store is never handed out at an older schema.
func Open(ctx context.Context, path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(4)

	s := &Store{
		db:     db,
		sqlDB:  sqlDB,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
		locks:  make(map[string]*sync.Mutex),
		hub:    newHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, entity := range models.SyncOrder {
		s.locks[string(entity)] = &sync.Mutex{}
	}
	s.locks[tableSyncCursors] = &sync.Mutex{}

	if _, err := s.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return s, nil
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
}

// PlanFile lists the migration steps the database at path still needs,
// without applying them. The file is opened read-only; a missing file plans
// every step and is not created.
func PlanFile(ctx context.Context, path string, logger *zap.Logger) ([]Step, error) {
	source := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		source = ":memory:"
	}
	db, err := sql.Open("sqlite3", source)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	defer db.Close()
	return NewMigrator(db, logger).Plan(ctx)
}

// Migrate brings the schema to the newest version while excluding every other
// store access.
func (s *Store) Migrate(ctx context.Context) ([]Step, error) {
	s.gate.Lock()
	defer s.gate.Unlock()

	m := NewMigrator(s.sqlDB, s.logger.Named("migrator"))
	if s.onMigrated != nil {
		m.OnApplied(s.onMigrated)
	}
	return m.Up(ctx)
}

// SchemaVersion returns the on-disk schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return NewMigrator(s.sqlDB, s.logger).Version(ctx)
}

// Close releases the database and ends all subscriptions.
func (s *Store) Close() error {
	s.hub.closeAll()
	return s.sqlDB.Close()
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.now() }

// lockTables takes the write mutexes for tables in a fixed order so that
// multi-table writers cannot deadlock.
func (s *Store) lockTables(tables ...string) func() {
	names := make([]string, 0, len(tables))
	seen := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		if _, ok := seen[t]; ok {
			continue
		}
		if _, ok := s.locks[t]; !ok {
			continue
		}
		seen[t] = struct{}{}
		names = append(names, t)
	}
	sort.Strings(names)
	for _, n := range names {
		s.locks[n].Lock()
	}
	return func() {
		for i := len(names) - 1; i >= 0; i-- {
			s.locks[names[i]].Unlock()
		}
	}
}

// write runs fn in a transaction holding the named table locks and publishes
// the recorded changes once the transaction commits.
func (s *Store) write(ctx context.Context, tables []string, fn func(tx *gorm.DB, w *writeSet) error) error {
	s.gate.RLock()
	defer s.gate.RUnlock()

	unlock := s.lockTables(tables...)
	defer unlock()

	w := &writeSet{now: s.now()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, w)
	})
	if err != nil {
		return err
	}
	s.hub.publish(w.changes)
	return nil
}

// read runs fn against the database holding only the shared migration gate.
func (s *Store) read(ctx context.Context, fn func(db *gorm.DB) error) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return fn(s.db.WithContext(ctx))
}

// writeSet collects what a transaction changed.
type writeSet struct {
	now     time.Time
	changes []Change
}

func (w *writeSet) record(entity models.EntityType, id string, op Op) {
	w.changes = append(w.changes, Change{Table: string(entity), ID: id, Op: op})
}

// stage marks a row as locally modified: one generation newer than prev and
// dirty.
func stage(row models.Syncable, prevGeneration int64) {
	meta := row.SyncMeta()
	meta.Generation = prevGeneration + 1
	meta.Dirty = true
}

// enqueue records (entity, id, generation) as awaiting confirmation. A newer
// write replaces the pending generation and resets the backoff.
func enqueue(tx *gorm.DB, entity models.EntityType, id string, generation int64, deleted bool, now time.Time) error {
	err := tx.Exec(`INSERT INTO sync_queue (entity, record_id, generation, deleted, attempts, next_attempt_at, last_error, enqueued_at)
VALUES (?, ?, ?, ?, 0, ?, '', ?)
ON CONFLICT(entity, record_id) DO UPDATE SET
    generation = excluded.generation,
    deleted = excluded.deleted,
    attempts = 0,
    next_attempt_at = excluded.next_attempt_at,
    last_error = '',
    enqueued_at = excluded.enqueued_at`,
		string(entity), id, generation, deleted, now, now).Error
	if err != nil {
		return fmt.Errorf("enqueue %s %s: %w", entity, id, err)
	}
	return nil
}

// bumpRows applies updates to every row of entity matching where, bumping
// each row's generation and enqueuing it.
func bumpRows(tx *gorm.DB, w *writeSet, entity models.EntityType, updates map[string]any, where string, args ...any) error {
	reg := registry[entity]
	type genRow struct {
		ID         string
		Generation int64
	}
	var rows []genRow
	if err := tx.Table(reg.table).Select(reg.idColumn+" AS id, generation").Where(where, args...).Scan(&rows).Error; err != nil {
		return fmt.Errorf("select %s rows: %w", entity, err)
	}
	for _, r := range rows {
		values := make(map[string]any, len(updates)+3)
		for k, v := range updates {
			values[k] = v
		}
		values["generation"] = r.Generation + 1
		values["dirty"] = true
		if reg.hasUpdatedAt {
			values["updated_at"] = w.now
		}
		if err := tx.Table(reg.table).Where(reg.idColumn+" = ?", r.ID).Updates(values).Error; err != nil {
			return fmt.Errorf("update %s %s: %w", entity, r.ID, err)
		}
		if err := enqueue(tx, entity, r.ID, r.Generation+1, false, w.now); err != nil {
			return err
		}
		w.record(entity, r.ID, OpUpdate)
	}
	return nil
}

// tombstone enqueues deletions for every row of entity matching where. It must
// run before the rows are removed.
func tombstone(tx *gorm.DB, w *writeSet, entity models.EntityType, where string, args ...any) error {
	reg := registry[entity]
	type genRow struct {
		ID         string
		Generation int64
	}
	var rows []genRow
	if err := tx.Table(reg.table).Select(reg.idColumn+" AS id, generation").Where(where, args...).Scan(&rows).Error; err != nil {
		return fmt.Errorf("select %s rows: %w", entity, err)
	}
	for _, r := range rows {
		if err := enqueue(tx, entity, r.ID, r.Generation+1, true, w.now); err != nil {
			return err
		}
		w.record(entity, r.ID, OpDelete)
	}
	return nil
}

// dropRows deletes every row of entity matching where together with its sync
// queue entries. It is used for deletions the remote authority already knows
// about, so nothing is queued.
func dropRows(tx *gorm.DB, w *writeSet, entity models.EntityType, where string, args ...any) error {
	reg := registry[entity]
	var ids []string
	if err := tx.Table(reg.table).Where(where, args...).Pluck(reg.idColumn, &ids).Error; err != nil {
		return fmt.Errorf("select %s rows: %w", entity, err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Exec("DELETE FROM "+reg.table+" WHERE "+reg.idColumn+" IN ?", ids).Error; err != nil {
		return fmt.Errorf("delete %s rows: %w", entity, err)
	}
	if err := tx.Where("entity = ? AND record_id IN ?", string(entity), ids).Delete(&queueRow{}).Error; err != nil {
		return fmt.Errorf("dequeue %s rows: %w", entity, err)
	}
	for _, id := range ids {
		w.record(entity, id, OpDelete)
	}
	return nil
}

// clearReference nulls column on every row of entity that points at id,
// leaving generations alone.
func clearReference(tx *gorm.DB, w *writeSet, entity models.EntityType, column, id string) error {
	reg := registry[entity]
	var ids []string
	if err := tx.Table(reg.table).Where(column+" = ?", id).Pluck(reg.idColumn, &ids).Error; err != nil {
		return fmt.Errorf("select %s referencing %s: %w", entity, id, err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Table(reg.table).Where(reg.idColumn+" IN ?", ids).Update(column, nil).Error; err != nil {
		return fmt.Errorf("clear %s.%s: %w", entity, column, err)
	}
	for _, rid := range ids {
		w.record(entity, rid, OpUpdate)
	}
	return nil
}

// queuedDeletion reports whether a local deletion of (entity, id) is still
// waiting to be pushed.
func queuedDeletion(tx *gorm.DB, entity models.EntityType, id string) (bool, error) {
	var n int64
	err := tx.Model(&queueRow{}).
		Where("entity = ? AND record_id = ? AND deleted = ?", string(entity), id, true).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("read sync queue for %s %s: %w", entity, id, err)
	}
	return n > 0, nil
}

func exists(tx *gorm.DB, table, idColumn, id string) (bool, error) {
	var n int64
	if err := tx.Table(table).Where(idColumn+" = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
