package telemetry

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/repository/sqlite"
)

// Store is the slice of the local store telemetry needs.
type Store interface {
	InsertReading(ctx context.Context, r *models.SensorReading) error
	ReadingsInRange(ctx context.Context, kind models.SensorKind, deviceID string, from, to time.Time) ([]models.SensorReading, error)
}

var _ Store = (*sqlite.Store)(nil)

// Evaluator checks a sample against the alert conditions.
type Evaluator interface {
	EvaluateReading(ctx context.Context, r models.SensorReading) ([]models.AlertInfo, error)
}

// Exporter receives device history, e.g. a spreadsheet.
type Exporter interface {
	ExportReadings(ctx context.Context, deviceID string, readings []models.SensorReading) error
}

// Result is what Ingest did with one sample.
type Result struct {
	Reading models.SensorReading `json:"reading"`
	Alerts  []models.AlertInfo   `json:"alerts"`
}

// Service ingests device samples and serves their history.
type Service struct {
	store     Store
	evaluator Evaluator
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time assigned to samples without a timestamp.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires the telemetry service. evaluator may be nil.
func NewService(store Store, evaluator Evaluator, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     store,
		evaluator: evaluator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest validates a sample, persists it and then runs it through the alert
// engine. A sample that could not be stored is never evaluated; a failed
// evaluation is logged and the sample stays stored.
func (s *Service) Ingest(ctx context.Context, r models.SensorReading) (*Result, error) {
	kind, err := models.ParseSensorKind(string(r.Kind))
	if err != nil {
		return nil, err
	}
	r.Kind = kind
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	if r.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", models.ErrInvalidInput)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return nil, fmt.Errorf("%w: reading value must be a finite number", models.ErrInvalidInput)
	}
	if r.Unit == "" {
		r.Unit = kind.DefaultUnit()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}
	r.Timestamp = r.Timestamp.UTC()

	if err := s.store.InsertReading(ctx, &r); err != nil {
		return nil, fmt.Errorf("store reading: %w", err)
	}
	res := &Result{Reading: r}

	if s.evaluator != nil {
		alerts, err := s.evaluator.EvaluateReading(ctx, r)
		if err != nil {
			s.logger.Warn("alert evaluation failed",
				zap.String("device_id", r.DeviceID),
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
		res.Alerts = alerts
	}

	s.logger.Debug("reading ingested",
		zap.String("device_id", r.DeviceID),
		zap.String("kind", string(kind)),
		zap.Float64("value", r.Value),
		zap.Int("alerts", len(res.Alerts)))
	return res, nil
}

// ParseKinds reads a comma separated kind list. An empty list means all kinds.
func ParseKinds(raw string) ([]models.SensorKind, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return slices.Clone(models.SensorKinds), nil
	}
	var kinds []models.SensorKind
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kind, err := models.ParseSensorKind(part)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(kinds, kind) {
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

// History returns a device's samples of the given kinds in [from, to],
// merged by timestamp ascending. Equal timestamps keep the kinds' order.
func (s *Service) History(ctx context.Context, deviceID string, kinds []models.SensorKind, from, to time.Time) ([]models.SensorReading, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", models.ErrInvalidInput)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("%w: history range ends before it starts", models.ErrInvalidInput)
	}
	if len(kinds) == 0 {
		kinds = models.SensorKinds
	}

	var out []models.SensorReading
	for _, kind := range kinds {
		rows, err := s.store.ReadingsInRange(ctx, kind, deviceID, from, to)
		if err != nil {
			return nil, fmt.Errorf("read %s history: %w", kind, err)
		}
		out = append(out, rows...)
	}
	slices.SortStableFunc(out, func(a, b models.SensorReading) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

// ExportHistory sends a device's history to exporter and returns how many
// samples were exported.
func (s *Service) ExportHistory(ctx context.Context, exporter Exporter, deviceID string, kinds []models.SensorKind, from, to time.Time) (int, error) {
	if exporter == nil {
		return 0, fmt.Errorf("%w: no history exporter configured", models.ErrInvalidInput)
	}
	rows, err := s.History(ctx, deviceID, kinds, from, to)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := exporter.ExportReadings(ctx, deviceID, rows); err != nil {
		return 0, fmt.Errorf("export history for %s: %w", deviceID, err)
	}
	s.logger.Info("history exported", zap.String("device_id", deviceID), zap.Int("rows", len(rows)))
	return len(rows), nil
}

// CSVHeader is the first line written by WriteCSV.
var CSVHeader = []string{"timestamp", "kind", "device_id", "value", "unit"}

// WriteCSV renders readings as CSV with a header row.
func WriteCSV(w io.Writer, readings []models.SensorReading) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range readings {
		record := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			string(r.Kind),
			r.DeviceID,
			strconv.FormatFloat(r.Value, 'f', -1, 64),
			r.Unit,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
