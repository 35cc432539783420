package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/config"
	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/metrics"
	"github.com/mamadbah2/farmsync/internal/repository/sqlite"
)

// Store is the persistence the engine reads active alerts from and writes new
// ones to.
type Store interface {
	RaiseAlert(ctx context.Context, a *models.AlertInfo) (*models.AlertInfo, bool, error)
	InsertAlert(ctx context.Context, a *models.AlertInfo) (*models.AlertInfo, error)
	ActiveAlert(ctx context.Context, src models.AlertSource, typ models.AlertType) (*models.AlertInfo, error)
	LatestAlert(ctx context.Context, src models.AlertSource, typ models.AlertType) (*models.AlertInfo, error)
	AcknowledgeAlert(ctx context.Context, id string) (*models.AlertInfo, error)
	LatestReadingAt(ctx context.Context, deviceID string) (time.Time, bool, error)
	ReportingDevices(ctx context.Context) ([]string, error)
	ListDeviceConfigs(ctx context.Context) ([]models.DeviceConfig, error)
}

var _ Store = (*sqlite.Store)(nil)

// Notifier delivers alert notifications.
type Notifier interface {
	Notify(ctx context.Context, alert models.AlertInfo, reminder bool) error
}

// Thresholds are the configured limits for each condition.
type Thresholds struct {
	TempHigh      float64
	TempLow       float64
	HumidityHigh  float64
	HumidityLow   float64
	FeedLow       float64
	MortalityHigh int
	// StaleGrace multiplies a device's reporting interval before it counts
	// as offline.
	StaleGrace float64
}

// ThresholdsFromConfig copies the alert section of the configuration.
func ThresholdsFromConfig(cfg config.AlertConfig) Thresholds {
	return Thresholds{
		TempHigh:      cfg.TempHigh,
		TempLow:       cfg.TempLow,
		HumidityHigh:  cfg.HumidityHigh,
		HumidityLow:   cfg.HumidityLow,
		FeedLow:       cfg.FeedLow,
		MortalityHigh: cfg.MortalityHigh,
		StaleGrace:    cfg.StaleGrace,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithNotifier sets where new alerts are announced.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithReminder re-notifies a still-breaching, unacknowledged alert at most
// once per interval. Zero disables reminders.
func WithReminder(interval time.Duration) Option {
	return func(e *Engine) { e.reminder = interval }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithMetrics counts raised alerts.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

type conditionKey struct {
	source models.AlertSource
	typ    models.AlertType
}

// conditionState is Normal when breaching is false. A key with no entry has
// not been observed since the engine started.
type conditionState struct {
	breaching    bool
	alertID      string
	lastNotified time.Time
}

// Engine evaluates samples and health events against thresholds and raises
// at most one alert per continuous breach of a condition.
type Engine struct {
	store      Store
	thresholds Thresholds
	logger     *zap.Logger
	notifier   Notifier
	metrics    *metrics.Metrics
	reminder   time.Duration
	now        func() time.Time

	mu     sync.Mutex
	states map[conditionKey]*conditionState
}

// NewEngine creates an alert engine.
func NewEngine(store Store, thresholds Thresholds, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:      store,
		thresholds: thresholds,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		states:     make(map[conditionKey]*conditionState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.thresholds.StaleGrace < 1 {
		e.thresholds.StaleGrace = 1
	}
	return e
}

// check is one evaluated condition for a sample or event.
type check struct {
	typ       models.AlertType
	breaching bool
	severity  models.Severity
	message   string
	value     *float64
}

// EvaluateReading runs every condition the reading's kind feeds and returns
// the alerts newly raised.
func (e *Engine) EvaluateReading(ctx context.Context, r models.SensorReading) ([]models.AlertInfo, error) {
	v := r.Value
	t := e.thresholds
	var checks []check

	switch r.Kind {
	case models.SensorTemperature:
		checks = append(checks,
			check{models.AlertTemperatureHigh, v > t.TempHigh, models.SeverityWarning,
				fmt.Sprintf("Temperature %.1f%s above %.1f", v, r.Unit, t.TempHigh), &v},
			check{models.AlertTemperatureLow, v < t.TempLow, models.SeverityWarning,
				fmt.Sprintf("Temperature %.1f%s below %.1f", v, r.Unit, t.TempLow), &v},
		)
	case models.SensorHumidity:
		checks = append(checks,
			check{models.AlertHumidityHigh, v > t.HumidityHigh, models.SeverityWarning,
				fmt.Sprintf("Humidity %.1f%s above %.1f", v, r.Unit, t.HumidityHigh), &v},
			check{models.AlertHumidityLow, v < t.HumidityLow, models.SeverityWarning,
				fmt.Sprintf("Humidity %.1f%s below %.1f", v, r.Unit, t.HumidityLow), &v},
		)
	case models.SensorFeedLevel:
		checks = append(checks,
			check{models.AlertFeedLow, v < t.FeedLow, models.SeverityCritical,
				fmt.Sprintf("Feed level %.1f%s below %.1f", v, r.Unit, t.FeedLow), &v},
		)
	}
	// any sample proves the device is alive
	checks = append(checks, check{typ: models.AlertDeviceOffline})

	at := r.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	return e.apply(ctx, models.DeviceSource(r.DeviceID), at, checks)
}

// EvaluateHealth runs the flock conditions a health record feeds.
func (e *Engine) EvaluateHealth(ctx context.Context, h models.HealthRecord) ([]models.AlertInfo, error) {
	var checks []check
	switch h.Kind {
	case models.HealthMortality:
		count := 0
		if h.Count != nil {
			count = *h.Count
		}
		value := float64(count)
		msg := fmt.Sprintf("%d deaths recorded", count)
		if h.Cause != nil && *h.Cause != "" {
			msg += " (" + *h.Cause + ")"
		}
		checks = append(checks, check{models.AlertMortalityHigh, count >= e.thresholds.MortalityHigh,
			models.SeverityCritical, msg, &value})
	case models.HealthDisease:
		msg := "Disease reported"
		if h.Diagnosis != nil {
			msg += ": " + *h.Diagnosis
		}
		checks = append(checks, check{models.AlertDiseaseReported, true, models.SeverityCritical, msg, nil})
	case models.HealthCheckup:
		checks = append(checks, check{typ: models.AlertDiseaseReported})
	default:
		return nil, nil
	}

	at := h.RecordedAt
	if at.IsZero() {
		at = e.now()
	}
	return e.apply(ctx, models.FlockSource(h.FlockID), at, checks)
}

// CheckStale raises DEVICE_OFFLINE for every device whose newest sample is
// older than its reporting interval times the grace multiplier. Devices that
// never reported are skipped.
func (e *Engine) CheckStale(ctx context.Context, now time.Time) ([]models.AlertInfo, error) {
	configs, err := e.store.ListDeviceConfigs(ctx)
	if err != nil {
		return nil, err
	}
	intervals := make(map[string]time.Duration, len(configs))
	for _, c := range configs {
		intervals[c.DeviceID] = c.ReportingInterval()
	}
	devices, err := e.store.ReportingDevices(ctx)
	if err != nil {
		return nil, err
	}

	var raised []models.AlertInfo
	for _, dev := range devices {
		interval, ok := intervals[dev]
		if !ok || interval <= 0 {
			interval = sqlite.DefaultReportingIntervalSeconds * time.Second
		}
		latest, ok, err := e.store.LatestReadingAt(ctx, dev)
		if err != nil {
			return raised, err
		}
		if !ok {
			continue
		}
		limit := time.Duration(float64(interval) * e.thresholds.StaleGrace)
		silent := now.Sub(latest)
		if silent <= limit {
			// recovery is observed through the next sample, not the clock
			continue
		}
		got, err := e.apply(ctx, models.DeviceSource(dev), now, []check{{
			typ:       models.AlertDeviceOffline,
			breaching: true,
			severity:  models.SeverityCritical,
			message:   fmt.Sprintf("No data from %s for %s", dev, silent.Truncate(time.Second)),
		}})
		raised = append(raised, got...)
		if err != nil {
			return raised, err
		}
	}
	return raised, nil
}

// Acknowledge marks an alert as seen. The underlying condition keeps being
// tracked: a new alert for it is only raised after it returns to normal.
func (e *Engine) Acknowledge(ctx context.Context, alertID string) (*models.AlertInfo, error) {
	return e.store.AcknowledgeAlert(ctx, alertID)
}

// Breaching reports whether the engine currently considers the condition in
// breach.
func (e *Engine) Breaching(src models.AlertSource, typ models.AlertType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[conditionKey{src, typ}]
	return ok && st.breaching
}

// notice is a notification decided under the engine lock and sent after it
// is released.
type notice struct {
	alert    models.AlertInfo
	reminder bool
}

func (e *Engine) apply(ctx context.Context, src models.AlertSource, at time.Time, checks []check) ([]models.AlertInfo, error) {
	raised, notices, err := e.transition(ctx, src, at, checks)
	for _, n := range notices {
		e.notify(ctx, n.alert, n.reminder)
	}
	return raised, err
}

func (e *Engine) transition(ctx context.Context, src models.AlertSource, at time.Time, checks []check) ([]models.AlertInfo, []notice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		raised  []models.AlertInfo
		notices []notice
	)
	for _, c := range checks {
		key := conditionKey{source: src, typ: c.typ}
		st, seen := e.states[key]

		if !c.breaching {
			if seen && st.breaching {
				e.logger.Info("condition cleared",
					zap.String("source", src.String()),
					zap.String("type", string(c.typ)))
			}
			e.states[key] = &conditionState{}
			continue
		}

		if seen && st.breaching {
			if n, ok := e.remind(ctx, src, c.typ, st); ok {
				notices = append(notices, n)
			}
			continue
		}

		alert, created, err := e.raise(ctx, src, at, c, !seen)
		if err != nil {
			return raised, notices, err
		}
		st = &conditionState{breaching: true, alertID: alert.ID}
		if created {
			raised = append(raised, *alert)
			st.lastNotified = e.now()
			notices = append(notices, notice{alert: *alert})
		}
		e.states[key] = st
	}
	return raised, notices, nil
}

// raise persists a new alert for a Normal -> Breaching transition. When the
// condition has not been observed since start, the newest alert a previous
// run left for it, acknowledged or not, is taken as the ongoing breach.
func (e *Engine) raise(ctx context.Context, src models.AlertSource, at time.Time, c check, adopt bool) (*models.AlertInfo, bool, error) {
	alert := &models.AlertInfo{
		Type:      c.typ,
		Severity:  c.severity,
		Message:   c.message,
		Value:     c.value,
		Timestamp: at,
	}
	if src.DeviceID != "" {
		id := src.DeviceID
		alert.DeviceID = &id
	}
	if src.FlockID != "" {
		id := src.FlockID
		alert.FlockID = &id
	}

	var (
		out     *models.AlertInfo
		created = true
		err     error
	)
	if adopt {
		out, err = e.store.LatestAlert(ctx, src, c.typ)
		switch {
		case err != nil:
		case out != nil:
			created = false
		default:
			out, created, err = e.store.RaiseAlert(ctx, alert)
		}
	} else {
		out, err = e.store.InsertAlert(ctx, alert)
	}
	if err != nil {
		return nil, false, fmt.Errorf("raise %s alert for %s: %w", c.typ, src, err)
	}

	if created {
		if e.metrics != nil {
			e.metrics.AlertsRaised.WithLabelValues(string(c.typ)).Inc()
		}
		e.logger.Info("alert raised",
			zap.String("alert_id", out.ID),
			zap.String("source", src.String()),
			zap.String("type", string(c.typ)),
			zap.String("severity", string(out.Severity)))
	} else {
		e.logger.Debug("adopted alert from earlier run",
			zap.String("alert_id", out.ID),
			zap.String("source", src.String()),
			zap.String("type", string(c.typ)),
			zap.Bool("acknowledged", out.Acknowledged))
	}
	return out, created, nil
}

func (e *Engine) remind(ctx context.Context, src models.AlertSource, typ models.AlertType, st *conditionState) (notice, bool) {
	if e.reminder <= 0 || e.notifier == nil {
		return notice{}, false
	}
	now := e.now()
	if now.Sub(st.lastNotified) < e.reminder {
		return notice{}, false
	}
	active, err := e.store.ActiveAlert(ctx, src, typ)
	if err != nil {
		e.logger.Warn("load active alert for reminder", zap.String("source", src.String()), zap.Error(err))
		return notice{}, false
	}
	if active == nil || active.ID != st.alertID {
		// acknowledged: keep tracking, stop reminding
		return notice{}, false
	}
	st.lastNotified = now
	return notice{alert: *active, reminder: true}, true
}

func (e *Engine) notify(ctx context.Context, alert models.AlertInfo, reminder bool) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, alert, reminder); err != nil {
		e.logger.Warn("alert notification failed",
			zap.String("alert_id", alert.ID),
			zap.Bool("reminder", reminder),
			zap.Error(err))
	}
}
