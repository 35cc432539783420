package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("SYNC_BASE_URL", "https://sync.example.test")

	cfg, err := Load("does-not-exist.env")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "farmsync.db", cfg.Database.Path)
	assert.Equal(t, SyncBackendHTTP, cfg.Sync.Backend)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Sync.BackoffMax)
	assert.Equal(t, 90, cfg.Retention.Days)
	assert.Equal(t, 30.0, cfg.Alerts.TempHigh)
	assert.Equal(t, 3.0, cfg.Alerts.StaleGrace)
	assert.Equal(t, "farmsync/devices/+/readings/+", cfg.MQTT.Topic)
	assert.False(t, cfg.WhatsApp.Enabled())
	assert.False(t, cfg.Sheets.Enabled())
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("SYNC_BACKEND", "mongo")
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")
	t.Setenv("SYNC_BATCH_SIZE", "10")
	t.Setenv("SYNC_BACKOFF_MAX", "1m")
	t.Setenv("ALERT_TEMP_HIGH", "32.5")
	t.Setenv("ALERT_REMINDER_INTERVAL", "15m")

	cfg, err := Load("does-not-exist.env")
	require.NoError(t, err)

	assert.Equal(t, SyncBackendMongo, cfg.Sync.Backend)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, time.Minute, cfg.Sync.BackoffMax)
	assert.Equal(t, 32.5, cfg.Alerts.TempHigh)
	assert.Equal(t, 15*time.Minute, cfg.Alerts.ReminderInterval)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "http backend without url", env: map[string]string{"SYNC_BACKEND": "http"}},
		{name: "unknown backend", env: map[string]string{"SYNC_BACKEND": "ftp"}},
		{name: "bad integer", env: map[string]string{"SYNC_BACKEND": "none", "SYNC_BATCH_SIZE": "lots"}},
		{name: "backoff inverted", env: map[string]string{"SYNC_BACKEND": "none", "SYNC_BACKOFF_BASE": "1m", "SYNC_BACKOFF_MAX": "1s"}},
		{name: "thresholds inverted", env: map[string]string{"SYNC_BACKEND": "none", "ALERT_TEMP_LOW": "40"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("does-not-exist.env")
			assert.Error(t, err)
		})
	}
}
