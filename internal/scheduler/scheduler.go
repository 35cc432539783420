package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/config"
	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/metrics"
	"github.com/mamadbah2/farmsync/internal/repository/sqlite"
	"github.com/mamadbah2/farmsync/internal/service/syncer"
)

const jobTimeout = 2 * time.Minute

// Syncer drains local changes and pulls remote ones.
type Syncer interface {
	Drain(ctx context.Context) (syncer.DrainReport, error)
	Pull(ctx context.Context) (syncer.PullReport, error)
}

// StaleChecker raises offline alerts for silent devices.
type StaleChecker interface {
	CheckStale(ctx context.Context, now time.Time) ([]models.AlertInfo, error)
}

// Pruner deletes raw readings older than a cutoff.
type Pruner interface {
	PruneReadings(ctx context.Context, cutoff time.Time) (sqlite.PruneReport, error)
}

// Scheduler runs the periodic background jobs.
type Scheduler struct {
	cron    *cron.Cron
	cfg     config.Config
	syncer  Syncer
	stale   StaleChecker
	pruner  Pruner
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler's notion of now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithMetrics records prune outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// NewScheduler creates a new scheduler instance. syncer may be nil when no
// sync backend is configured.
func NewScheduler(cfg config.Config, sync Syncer, stale StaleChecker, pruner Pruner, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	cl := cronLogger{logger.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	s := &Scheduler{
		cron:   c,
		cfg:    cfg,
		syncer: sync,
		stale:  stale,
		pruner: pruner,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers every job and starts the scheduler.
func (s *Scheduler) Start() error {
	s.logger.Info("starting scheduler")

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
		skip bool
	}{
		{"sync drain", s.cfg.Sync.Schedule, s.RunDrain, s.syncer == nil},
		{"sync pull", s.cfg.Sync.PullSchedule, s.RunPull, s.syncer == nil},
		{"stale device check", s.cfg.Sync.StaleSchedule, s.RunStaleCheck, s.stale == nil},
		{"retention prune", s.cfg.Retention.Schedule, s.RunPrune, s.pruner == nil},
	}
	for _, job := range jobs {
		if job.skip || job.spec == "" {
			s.logger.Info("job disabled", zap.String("job", job.name))
			continue
		}
		if _, err := s.cron.AddFunc(job.spec, s.wrap(job.name, job.run)); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.name, job.spec, err)
		}
		s.logger.Info("job scheduled", zap.String("job", job.name), zap.String("spec", job.spec))
	}

	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
}

// Jobs reports how many jobs are registered.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

func (s *Scheduler) wrap(name string, run func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if err := run(ctx); err != nil {
			s.logger.Warn("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	}
}

// RunDrain pushes pending local changes once.
func (s *Scheduler) RunDrain(ctx context.Context) error {
	report, err := s.syncer.Drain(ctx)
	if err != nil {
		return err
	}
	totals := report.Totals()
	if totals.Pushed > 0 || len(report.Errors) > 0 {
		s.logger.Info("sync drain finished",
			zap.Int("pushed", totals.Pushed),
			zap.Int("confirmed", totals.Confirmed),
			zap.Int("rejected", totals.Rejected),
			zap.Int("failed", totals.Failed),
			zap.Int("errors", len(report.Errors)))
	}
	return nil
}

// RunPull applies remote changes once.
func (s *Scheduler) RunPull(ctx context.Context) error {
	report, err := s.syncer.Pull(ctx)
	if err != nil {
		return err
	}
	var applied, conflicts int
	for _, n := range report.Applied {
		applied += n
	}
	for _, n := range report.Conflicts {
		conflicts += n
	}
	if applied > 0 || conflicts > 0 || len(report.Errors) > 0 {
		s.logger.Info("sync pull finished",
			zap.Int("applied", applied),
			zap.Int("conflicts", conflicts),
			zap.Int("errors", len(report.Errors)))
	}
	return nil
}

// RunStaleCheck raises offline alerts for devices past their grace window.
func (s *Scheduler) RunStaleCheck(ctx context.Context) error {
	raised, err := s.stale.CheckStale(ctx, s.now())
	if err != nil {
		return err
	}
	for _, a := range raised {
		s.logger.Info("device offline", zap.String("alert_id", a.ID), zap.String("source", a.Source().String()))
	}
	return nil
}

// RunPrune removes readings older than the retention window. Failures are
// counted and picked up again on the next run.
func (s *Scheduler) RunPrune(ctx context.Context) error {
	cutoff := s.now().Add(-time.Duration(s.cfg.Retention.Days) * 24 * time.Hour)
	report, err := s.pruner.PruneReadings(ctx, cutoff)
	total := report.Total()
	if s.metrics != nil {
		s.metrics.PrunedReadings.Add(float64(total))
		if err != nil {
			s.metrics.PruneErrors.Inc()
		}
	}
	if err != nil {
		return err
	}
	s.logger.Info("retention prune finished", zap.Time("cutoff", cutoff), zap.Int64("deleted", total))
	return nil
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
