package alerting

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/metrics"
	"github.com/mamadbah2/farmsync/internal/repository/sqlite"
)

var t0 = time.Date(2026, 5, 10, 6, 0, 0, 0, time.UTC)

var testThresholds = Thresholds{
	TempHigh:      30,
	TempLow:       10,
	HumidityHigh:  80,
	HumidityLow:   30,
	FeedLow:       15,
	MortalityHigh: 5,
	StaleGrace:    3,
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []models.AlertInfo
	kinds []bool
}

func (n *recordingNotifier) Notify(_ context.Context, a models.AlertInfo, reminder bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, a)
	n.kinds = append(n.kinds, reminder)
	return nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "alerts.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func temperature(device string, at time.Time, v float64) models.SensorReading {
	return models.SensorReading{Kind: models.SensorTemperature, DeviceID: device, Timestamp: at, Value: v, Unit: "C"}
}

func TestEvaluateReading_OneAlertPerBreach(t *testing.T) {
	store := openStore(t)
	m := metrics.New()
	notifier := &recordingNotifier{}
	engine := NewEngine(store, testThresholds, nil, WithNotifier(notifier), WithMetrics(m))
	ctx := context.Background()

	var raised []models.AlertInfo
	for i, v := range []float64{20, 20, 35, 36, 34, 20} {
		got, err := engine.EvaluateReading(ctx, temperature("coop-1", t0.Add(time.Duration(i)*time.Minute), v))
		require.NoError(t, err)
		if v == 35 {
			require.Len(t, got, 1, "the first breaching sample raises")
		} else {
			assert.Empty(t, got, "value %v", v)
		}
		raised = append(raised, got...)
	}
	require.Len(t, raised, 1)
	assert.Equal(t, models.AlertTemperatureHigh, raised[0].Type)
	require.NotNil(t, raised[0].Value)
	assert.Equal(t, 35.0, *raised[0].Value)

	again, err := engine.EvaluateReading(ctx, temperature("coop-1", t0.Add(10*time.Minute), 31))
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.NotEqual(t, raised[0].ID, again[0].ID)

	all, err := store.ListAlerts(ctx, models.AlertFilter{DeviceID: "coop-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Len(t, notifier.sent, 2)
	var counter dto.Metric
	require.NoError(t, m.AlertsRaised.WithLabelValues(string(models.AlertTemperatureHigh)).Write(&counter))
	assert.Equal(t, 2.0, counter.GetCounter().GetValue())
}

func TestAcknowledge_DoesNotResetBreach(t *testing.T) {
	store := openStore(t)
	engine := NewEngine(store, testThresholds, nil)
	ctx := context.Background()

	got, err := engine.EvaluateReading(ctx, temperature("coop-1", t0, 5))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.AlertTemperatureLow, got[0].Type)

	_, err = engine.Acknowledge(ctx, got[0].ID)
	require.NoError(t, err)

	got, err = engine.EvaluateReading(ctx, temperature("coop-1", t0.Add(time.Minute), 4))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.True(t, engine.Breaching(models.DeviceSource("coop-1"), models.AlertTemperatureLow))

	_, err = engine.EvaluateReading(ctx, temperature("coop-1", t0.Add(2*time.Minute), 18))
	require.NoError(t, err)
	got, err = engine.EvaluateReading(ctx, temperature("coop-1", t0.Add(3*time.Minute), 6))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEngine_AdoptsActiveAlertAfterRestart(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first := NewEngine(store, testThresholds, nil)
	got, err := first.EvaluateReading(ctx, models.SensorReading{Kind: models.SensorFeedLevel, DeviceID: "silo", Timestamp: t0, Value: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)

	restarted := NewEngine(store, testThresholds, nil)
	got, err = restarted.EvaluateReading(ctx, models.SensorReading{Kind: models.SensorFeedLevel, DeviceID: "silo", Timestamp: t0.Add(time.Minute), Value: 4})
	require.NoError(t, err)
	assert.Empty(t, got)

	all, err := store.ListAlerts(ctx, models.AlertFilter{DeviceID: "silo"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEngine_AcknowledgedBreachSurvivesRestart(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first := NewEngine(store, testThresholds, nil)
	got, err := first.EvaluateReading(ctx, temperature("coop-2", t0, 40))
	require.NoError(t, err)
	require.Len(t, got, 1)
	_, err = first.Acknowledge(ctx, got[0].ID)
	require.NoError(t, err)

	restarted := NewEngine(store, testThresholds, nil)
	got, err = restarted.EvaluateReading(ctx, temperature("coop-2", t0.Add(time.Minute), 41))
	require.NoError(t, err)
	assert.Empty(t, got, "still the same breach")
	assert.True(t, restarted.Breaching(models.DeviceSource("coop-2"), models.AlertTemperatureHigh))

	_, err = restarted.EvaluateReading(ctx, temperature("coop-2", t0.Add(2*time.Minute), 22))
	require.NoError(t, err)
	got, err = restarted.EvaluateReading(ctx, temperature("coop-2", t0.Add(3*time.Minute), 39))
	require.NoError(t, err)
	assert.Len(t, got, 1, "a new breach after returning to normal")
}

// blockingNotifier holds every delivery until release is closed.
type blockingNotifier struct {
	entered chan struct{}
	release chan struct{}
}

func (n *blockingNotifier) Notify(ctx context.Context, _ models.AlertInfo, _ bool) error {
	n.entered <- struct{}{}
	select {
	case <-n.release:
	case <-ctx.Done():
	}
	return nil
}

func TestEngine_NotificationDoesNotBlockOtherEvaluations(t *testing.T) {
	store := openStore(t)
	notifier := &blockingNotifier{entered: make(chan struct{}, 4), release: make(chan struct{})}
	engine := NewEngine(store, testThresholds, nil, WithNotifier(notifier))
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() {
		_, err := engine.EvaluateReading(ctx, temperature("coop-a", t0, 45))
		slow <- err
	}()
	select {
	case <-notifier.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was never called")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := engine.EvaluateReading(ctx, temperature("coop-b", t0, 20))
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation waited on a pending notification")
	}
	assert.True(t, engine.Breaching(models.DeviceSource("coop-a"), models.AlertTemperatureHigh))

	close(notifier.release)
	require.NoError(t, <-slow)
}

func TestEngine_Reminders(t *testing.T) {
	store := openStore(t)
	clk := &clock{now: t0}
	notifier := &recordingNotifier{}
	engine := NewEngine(store, testThresholds, nil,
		WithNotifier(notifier), WithReminder(time.Hour), WithClock(clk.Now))
	ctx := context.Background()

	got, err := engine.EvaluateReading(ctx, models.SensorReading{Kind: models.SensorHumidity, DeviceID: "coop", Timestamp: t0, Value: 90})
	require.NoError(t, err)
	require.Len(t, got, 1)

	clk.now = t0.Add(30 * time.Minute)
	_, err = engine.EvaluateReading(ctx, models.SensorReading{Kind: models.SensorHumidity, DeviceID: "coop", Timestamp: clk.now, Value: 91})
	require.NoError(t, err)
	assert.Len(t, notifier.sent, 1)

	clk.now = t0.Add(61 * time.Minute)
	_, err = engine.EvaluateReading(ctx, models.SensorReading{Kind: models.SensorHumidity, DeviceID: "coop", Timestamp: clk.now, Value: 92})
	require.NoError(t, err)
	require.Len(t, notifier.sent, 2)
	assert.True(t, notifier.kinds[1])

	_, err = engine.Acknowledge(ctx, got[0].ID)
	require.NoError(t, err)
	clk.now = t0.Add(3 * time.Hour)
	_, err = engine.EvaluateReading(ctx, models.SensorReading{Kind: models.SensorHumidity, DeviceID: "coop", Timestamp: clk.now, Value: 93})
	require.NoError(t, err)
	assert.Len(t, notifier.sent, 2, "acknowledged alerts are not re-notified")
}

func TestEvaluateHealth(t *testing.T) {
	store := openStore(t)
	engine := NewEngine(store, testThresholds, nil)
	ctx := context.Background()

	f := &models.Flock{OwnerID: "o", Name: "Layers"}
	require.NoError(t, store.CreateFlock(ctx, f))

	few, many := 2, 7
	got, err := engine.EvaluateHealth(ctx, models.HealthRecord{FlockID: f.ID, Kind: models.HealthMortality, Count: &few, RecordedAt: t0})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = engine.EvaluateHealth(ctx, models.HealthRecord{FlockID: f.ID, Kind: models.HealthMortality, Count: &many, RecordedAt: t0})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.AlertMortalityHigh, got[0].Type)
	require.NotNil(t, got[0].FlockID)
	assert.Equal(t, f.ID, *got[0].FlockID)

	diagnosis := "coccidiosis"
	got, err = engine.EvaluateHealth(ctx, models.HealthRecord{FlockID: f.ID, Kind: models.HealthDisease, Diagnosis: &diagnosis, RecordedAt: t0})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Message, diagnosis)

	_, err = engine.EvaluateHealth(ctx, models.HealthRecord{FlockID: f.ID, Kind: models.HealthCheckup, RecordedAt: t0})
	require.NoError(t, err)
	assert.False(t, engine.Breaching(models.FlockSource(f.ID), models.AlertDiseaseReported))
}

func TestCheckStale(t *testing.T) {
	store := openStore(t)
	engine := NewEngine(store, testThresholds, nil)
	ctx := context.Background()

	require.NoError(t, store.UpsertDeviceConfig(ctx, &models.DeviceConfig{DeviceID: "coop", ReportingIntervalSeconds: 60}))
	sample := temperature("coop", t0, 22)
	require.NoError(t, store.InsertReading(ctx, &sample))

	got, err := engine.CheckStale(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = engine.CheckStale(ctx, t0.Add(4*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.AlertDeviceOffline, got[0].Type)

	got, err = engine.CheckStale(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = engine.EvaluateReading(ctx, temperature("coop", t0.Add(6*time.Minute), 22))
	require.NoError(t, err)
	assert.False(t, engine.Breaching(models.DeviceSource("coop"), models.AlertDeviceOffline))
}
