package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// goose keeps its dialect, base FS and logger in package globals.
var gooseMu sync.Mutex

// Step is one forward schema transition.
type Step struct {
	From        int64
	To          int64
	Description string
}

func (s Step) String() string {
	return fmt.Sprintf("%d->%d %s", s.From, s.To, s.Description)
}

// Migrator applies the embedded goose migrations one version at a time.
type Migrator struct {
	db        *sql.DB
	fsys      fs.FS
	dir       string
	logger    *zap.Logger
	onApplied func(Step)
}

// NewMigrator builds a migrator over the embedded migration set.
func NewMigrator(db *sql.DB, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, fsys: migrationsFS, dir: migrationsDir, logger: logger}
}

// WithSource swaps the migration source, mainly for tests.
func (m *Migrator) WithSource(fsys fs.FS, dir string) *Migrator {
	m.fsys = fsys
	m.dir = dir
	return m
}

// OnApplied registers a callback invoked after each successful step.
func (m *Migrator) OnApplied(fn func(Step)) *Migrator {
	m.onApplied = fn
	return m
}

// Version returns the on-disk schema version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := m.prepare(); err != nil {
		return 0, err
	}
	return m.current(ctx)
}

// current reads the schema version without creating goose's version table,
// so planning against a database never changes it. A database without the
// table is at version 0.
func (m *Migrator) current(ctx context.Context) (int64, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", goose.TableName()).Scan(&n)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return goose.GetDBVersionContext(ctx, m.db)
}

// Plan lists the steps needed to reach the newest known version. An empty
// plan means the store is current.
func (m *Migrator) Plan(ctx context.Context) ([]Step, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := m.prepare(); err != nil {
		return nil, err
	}
	return m.plan(ctx)
}

// Up applies every pending step in order, each in its own transaction. The
// first failure stops the run; the store stays at the last completed version
// and the returned error matches models.ErrSchema.
func (m *Migrator) Up(ctx context.Context) ([]Step, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := m.prepare(); err != nil {
		return nil, err
	}

	steps, err := m.plan(ctx)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		m.logger.Debug("schema up to date")
		return nil, nil
	}

	applied := make([]Step, 0, len(steps))
	for _, step := range steps {
		if err := goose.UpByOneContext(ctx, m.db, m.dir); err != nil {
			m.logger.Error("schema migration failed",
				zap.Int64("from_version", step.From),
				zap.Int64("to_version", step.To),
				zap.String("description", step.Description),
				zap.Error(err))
			return applied, models.NewError(models.ErrSchema, "migrate "+step.String(), "", "", err)
		}
		m.logger.Info("schema migrated",
			zap.Int64("from_version", step.From),
			zap.Int64("to_version", step.To),
			zap.String("description", step.Description))
		applied = append(applied, step)
		if m.onApplied != nil {
			m.onApplied(step)
		}
	}
	return applied, nil
}

func (m *Migrator) prepare() error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return models.NewError(models.ErrSchema, "set dialect", "", "", err)
	}
	goose.SetBaseFS(m.fsys)
	goose.SetLogger(gooseLogger{sugar: m.logger.Sugar()})
	return nil
}

func (m *Migrator) plan(ctx context.Context) ([]Step, error) {
	current, err := m.current(ctx)
	if err != nil {
		return nil, models.NewError(models.ErrSchema, "read schema version", "", "", err)
	}

	known, err := goose.CollectMigrations(m.dir, 0, goose.MaxVersion)
	if err != nil {
		return nil, models.NewError(models.ErrSchema, "collect migrations", "", "", err)
	}
	latest, err := known.Last()
	if err != nil {
		return nil, models.NewError(models.ErrSchema, "collect migrations", "", "", err)
	}
	if current > latest.Version {
		return nil, models.NewError(models.ErrSchema, "open", "", "",
			fmt.Errorf("on-disk schema version %d is newer than supported version %d", current, latest.Version))
	}

	var steps []Step
	from := current
	for _, mig := range known {
		if mig.Version <= current {
			continue
		}
		steps = append(steps, Step{From: from, To: mig.Version, Description: describe(mig.Source)})
		from = mig.Version
	}
	return steps, nil
}

// describe turns "migrations/00003_flock_verification.sql" into
// "flock verification".
func describe(source string) string {
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	if i := strings.IndexByte(name, '_'); i >= 0 {
		name = name[i+1:]
	}
	return strings.ReplaceAll(name, "_", " ")
}

type gooseLogger struct {
	sugar *zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.sugar.Debugf(strings.TrimSpace(format), v...)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	// goose only calls Fatalf from its CLI helpers.
	l.sugar.Errorf(strings.TrimSpace(format), v...)
}
