package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/config"
	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/metrics"
	"github.com/mamadbah2/farmsync/internal/repository/sqlite"
)

// Store is the persistence side of the dirty tracker.
type Store interface {
	PendingSync(ctx context.Context, entity models.EntityType, now time.Time, limit int) ([]models.PendingRecord, error)
	PendingCounts(ctx context.Context) (map[models.EntityType]int, error)
	ConfirmSync(ctx context.Context, entity models.EntityType, id string, generation int64, serverAt time.Time) (bool, error)
	RecordSyncFailure(ctx context.Context, entity models.EntityType, id string, generation int64, nextAttempt time.Time, reason string) error
	ApplyServerID(ctx context.Context, entity models.EntityType, localID, serverID string) error
	ApplyRemote(ctx context.Context, entity models.EntityType, rec models.SyncRecord) (sqlite.ApplyOutcome, error)
	SyncCursor(ctx context.Context, entity models.EntityType) (time.Time, error)
	SetSyncCursor(ctx context.Context, entity models.EntityType, until time.Time) error
}

var _ Store = (*sqlite.Store)(nil)

// Settings tune batching and retry.
type Settings struct {
	BatchSize   int
	PushTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// SettingsFromConfig copies the sync section of the configuration.
func SettingsFromConfig(cfg config.SyncConfig) Settings {
	return Settings{
		BatchSize:   cfg.BatchSize,
		PushTimeout: cfg.PushTimeout,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}
}

func (s Settings) withDefaults() Settings {
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
	if s.PushTimeout <= 0 {
		s.PushTimeout = 20 * time.Second
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = time.Second
	}
	if s.BackoffMax < s.BackoffBase {
		s.BackoffMax = 30 * time.Second
	}
	return s
}

// Backoff returns the delay before the next attempt after attempts failures:
// min(base * 2^attempts, max).
func (s Settings) Backoff(attempts int) time.Duration {
	d := s.BackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= s.BackoffMax {
			return s.BackoffMax
		}
	}
	if d > s.BackoffMax {
		return s.BackoffMax
	}
	return d
}

// EntityReport summarizes one entity's part of a drain.
type EntityReport struct {
	Pushed     int `json:"pushed"`
	Confirmed  int `json:"confirmed"`
	Superseded int `json:"superseded"`
	Rejected   int `json:"rejected"`
	Failed     int `json:"failed"`
}

// DrainReport summarizes a drain run.
type DrainReport struct {
	Entities map[models.EntityType]*EntityReport `json:"entities"`
	Errors   []string                            `json:"errors,omitempty"`
}

func (r *DrainReport) entity(e models.EntityType) *EntityReport {
	if r.Entities == nil {
		r.Entities = make(map[models.EntityType]*EntityReport)
	}
	er, ok := r.Entities[e]
	if !ok {
		er = &EntityReport{}
		r.Entities[e] = er
	}
	return er
}

// Totals adds up every entity.
func (r DrainReport) Totals() EntityReport {
	var t EntityReport
	for _, er := range r.Entities {
		t.Pushed += er.Pushed
		t.Confirmed += er.Confirmed
		t.Superseded += er.Superseded
		t.Rejected += er.Rejected
		t.Failed += er.Failed
	}
	return t
}

// PullReport summarizes a pull run.
type PullReport struct {
	Applied   map[models.EntityType]int `json:"applied"`
	Conflicts map[models.EntityType]int `json:"conflicts"`
	Errors    []string                  `json:"errors,omitempty"`
}

// ErrBusy is returned when a drain or pull is already running.
var ErrBusy = errors.New("sync already running")

// Tracker drains the sync queue to the remote authority and applies remote
// changes. Only one run happens at a time.
type Tracker struct {
	store     Store
	transport models.Transport
	settings  Settings
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	running sync.Mutex
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock overrides the tracker clock.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithMetrics counts pushes, transport errors and conflicts.
func WithMetrics(m *metrics.Metrics) Option { return func(t *Tracker) { t.metrics = m } }

// NewTracker wires a tracker.
func NewTracker(store Store, transport models.Transport, settings Settings, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		store:     store,
		transport: transport,
		settings:  settings.withDefaults(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Pending reports queued changes per entity.
func (t *Tracker) Pending(ctx context.Context) (map[models.EntityType]int, error) {
	return t.store.PendingCounts(ctx)
}

// Drain pushes every due queued change, parents before children. Transport
// failures are retried on a later run and are reported, not returned; the
// returned error is reserved for local store failures and ErrBusy.
func (t *Tracker) Drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	if !t.running.TryLock() {
		return report, ErrBusy
	}
	defer t.running.Unlock()

	for _, entity := range models.SyncOrder {
		for {
			if err := ctx.Err(); err != nil {
				return report, nil
			}
			due, err := t.store.PendingSync(ctx, entity, t.now(), t.settings.BatchSize)
			if err != nil {
				return report, fmt.Errorf("load pending %s: %w", entity, err)
			}
			if len(due) == 0 {
				break
			}
			progressed, err := t.pushBatch(ctx, entity, due, &report)
			if err != nil {
				return report, err
			}
			// a batch that failed outright is deferred; move on to the next
			// entity instead of spinning on it
			if !progressed || len(due) < t.settings.BatchSize {
				break
			}
		}
	}
	return report, nil
}

func (t *Tracker) pushBatch(ctx context.Context, entity models.EntityType, due []models.PendingRecord, report *DrainReport) (bool, error) {
	er := report.entity(entity)
	records := make([]models.SyncRecord, len(due))
	byID := make(map[string]models.PendingRecord, len(due))
	for i, p := range due {
		records[i] = p.Record
		byID[p.Record.ID] = p
	}
	er.Pushed += len(records)

	pushCtx, cancel := context.WithTimeout(ctx, t.settings.PushTimeout)
	result, err := t.transport.PushBatch(pushCtx, entity, records)
	cancel()

	// settle the batch even if the run was cancelled meanwhile; only an
	// explicit acceptance clears a record
	store := context.WithoutCancel(ctx)

	if err != nil {
		err = models.NewError(models.ErrSyncTransport, "push batch", entity, "", err)
		t.logger.Warn("sync push failed",
			zap.String("entity", string(entity)),
			zap.Int("records", len(records)),
			zap.Error(err))
		t.count(func(m *metrics.Metrics) {
			m.SyncTransportErrors.WithLabelValues(string(entity)).Inc()
			m.SyncPushed.WithLabelValues(string(entity), "failed").Add(float64(len(records)))
		})
		report.Errors = append(report.Errors, err.Error())
		for _, p := range due {
			if ferr := t.fail(store, entity, p, err.Error()); ferr != nil {
				return false, ferr
			}
		}
		er.Failed += len(due)
		return false, nil
	}

	settledIDs := make(map[string]bool, len(result.AcceptedIDs))
	for _, id := range result.AcceptedIDs {
		p, ok := byID[id]
		if !ok {
			t.logger.Warn("remote accepted an id that was not pushed",
				zap.String("entity", string(entity)), zap.String("id", id))
			continue
		}
		settledIDs[id] = true

		localID := id
		if serverID, ok := result.ReassignedIDs[id]; ok && serverID != "" && serverID != id && !p.Record.Deleted {
			if err := t.store.ApplyServerID(store, entity, id, serverID); err != nil {
				if !errors.Is(err, models.ErrConflict) {
					return true, fmt.Errorf("apply server id for %s %s: %w", entity, id, err)
				}
				t.logger.Warn("server id collides with a local record",
					zap.String("entity", string(entity)),
					zap.String("local_id", id),
					zap.String("server_id", serverID))
			} else {
				localID = serverID
			}
		}

		serverAt := result.ServerTimestamps[id]
		settled, err := t.store.ConfirmSync(store, entity, localID, p.Record.Generation, serverAt)
		if err != nil {
			return true, fmt.Errorf("confirm %s %s: %w", entity, localID, err)
		}
		if settled {
			er.Confirmed++
		} else {
			// changed while in flight; the newer generation stays queued
			er.Superseded++
		}
	}
	t.count(func(m *metrics.Metrics) {
		m.SyncPushed.WithLabelValues(string(entity), "accepted").Add(float64(len(settledIDs)))
	})

	var unsettled int
	for _, p := range due {
		if settledIDs[p.Record.ID] {
			continue
		}
		unsettled++
		reason := "not confirmed"
		if contains(result.RejectedIDs, p.Record.ID) {
			reason = "rejected"
			er.Rejected++
		} else {
			er.Failed++
		}
		if err := t.fail(store, entity, p, reason); err != nil {
			return true, err
		}
	}
	if unsettled > 0 {
		t.count(func(m *metrics.Metrics) {
			m.SyncPushed.WithLabelValues(string(entity), "rejected").Add(float64(unsettled))
		})
		t.logger.Info("sync push partially rejected",
			zap.String("entity", string(entity)),
			zap.Int("accepted", len(settledIDs)),
			zap.Int("unsettled", unsettled))
	}
	return len(settledIDs) > 0, nil
}

func (t *Tracker) fail(ctx context.Context, entity models.EntityType, p models.PendingRecord, reason string) error {
	next := t.now().Add(t.settings.Backoff(p.Attempts))
	if err := t.store.RecordSyncFailure(ctx, entity, p.Record.ID, p.Record.Generation, next, reason); err != nil {
		return fmt.Errorf("record sync failure for %s %s: %w", entity, p.Record.ID, err)
	}
	return nil
}

// Pull fetches remote changes for every entity since its cursor and applies
// them with last-writer-wins. Transports return records in ascending
// UpdatedAt order and only those strictly after the cursor. When a record
// cannot be applied the cursor stops one tick before its timestamp, so it and
// every record sharing that timestamp come back on the next pull; applying
// them again is idempotent.
func (t *Tracker) Pull(ctx context.Context) (PullReport, error) {
	report := PullReport{
		Applied:   make(map[models.EntityType]int),
		Conflicts: make(map[models.EntityType]int),
	}
	if !t.running.TryLock() {
		return report, ErrBusy
	}
	defer t.running.Unlock()

	for _, entity := range models.SyncOrder {
		if ctx.Err() != nil {
			return report, nil
		}
		since, err := t.store.SyncCursor(ctx, entity)
		if err != nil {
			return report, err
		}

		pullCtx, cancel := context.WithTimeout(ctx, t.settings.PushTimeout)
		records, err := t.transport.PullChanges(pullCtx, entity, since)
		cancel()
		if err != nil {
			err = models.NewError(models.ErrSyncTransport, "pull changes", entity, "", err)
			t.logger.Warn("sync pull failed", zap.String("entity", string(entity)), zap.Error(err))
			t.count(func(m *metrics.Metrics) { m.SyncTransportErrors.WithLabelValues(string(entity)).Inc() })
			report.Errors = append(report.Errors, err.Error())
			continue
		}

		cursor := since
		for _, rec := range records {
			outcome, err := t.store.ApplyRemote(ctx, entity, rec)
			if err != nil {
				t.logger.Warn("apply remote record failed",
					zap.String("entity", string(entity)),
					zap.String("id", rec.ID),
					zap.Error(err))
				report.Errors = append(report.Errors, err.Error())
				if !cursor.Before(rec.UpdatedAt) {
					cursor = rec.UpdatedAt.Add(-time.Nanosecond)
				}
				break
			}
			if outcome.Conflict() {
				report.Conflicts[entity]++
				t.count(func(m *metrics.Metrics) { m.SyncConflicts.WithLabelValues(string(entity)).Inc() })
				t.logger.Info("sync conflict resolved",
					zap.String("entity", string(entity)),
					zap.String("id", rec.ID),
					zap.String("outcome", outcome.String()),
					zap.Error(models.NewError(models.ErrConflict, "pull", entity, rec.ID, nil)))
			}
			if outcome.Changed() {
				report.Applied[entity]++
			}
			if rec.UpdatedAt.After(cursor) {
				cursor = rec.UpdatedAt
			}
		}
		if cursor.After(since) {
			if err := t.store.SetSyncCursor(ctx, entity, cursor); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

func (t *Tracker) count(fn func(m *metrics.Metrics)) {
	if t.metrics != nil {
		fn(t.metrics)
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
