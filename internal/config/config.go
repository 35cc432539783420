package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the full application configuration surface.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Database  DatabaseConfig
	Sync      SyncConfig
	MongoDB   MongoDBConfig
	Retention RetentionConfig
	Alerts    AlertConfig
	MQTT      MQTTConfig
	WhatsApp  WhatsAppConfig
	Sheets    SheetsConfig
}

// ServerConfig holds HTTP server related options.
type ServerConfig struct {
	Port string
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string
	Format string
}

// DatabaseConfig points at the on-device SQLite file.
type DatabaseConfig struct {
	Path string
}

// Sync backends.
const (
	SyncBackendHTTP  = "http"
	SyncBackendMongo = "mongo"
	SyncBackendNone  = "none"
)

// SyncConfig drives the dirty tracker and its transport.
type SyncConfig struct {
	Backend       string
	BaseURL       string
	APIToken      string
	BatchSize     int
	PushTimeout   time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	Schedule      string
	PullSchedule  string
	StaleSchedule string
}

// MongoDBConfig holds settings for the MongoDB remote authority.
type MongoDBConfig struct {
	URI    string
	DBName string
}

// RetentionConfig controls pruning of raw sensor readings.
type RetentionConfig struct {
	Days     int
	Schedule string
}

// AlertConfig holds alert engine thresholds.
type AlertConfig struct {
	TempHigh         float64
	TempLow          float64
	HumidityHigh     float64
	HumidityLow      float64
	FeedLow          float64
	MortalityHigh    int
	StaleGrace       float64
	ReminderInterval time.Duration
}

// MQTTConfig configures device sample ingestion. Empty broker disables it.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
}

// WhatsAppConfig contains credentials for the Meta WhatsApp Cloud API used to
// deliver alert notifications.
type WhatsAppConfig struct {
	AccessToken    string
	PhoneNumberID  string
	BaseURL        string
	APIVersion     string
	AlertRecipient string
}

// Enabled reports whether alert notifications can be delivered.
func (w WhatsAppConfig) Enabled() bool {
	return w.AccessToken != "" && w.PhoneNumberID != "" && w.AlertRecipient != ""
}

// SheetsConfig contains configuration required to export history to Google Sheets.
type SheetsConfig struct {
	CredentialsPath string
	SpreadsheetID   string
	HistoryRange    string
}

// Enabled reports whether the sheets exporter is configured.
func (s SheetsConfig) Enabled() bool {
	return s.CredentialsPath != "" && s.SpreadsheetID != ""
}

// Load reads environment variables (optionally from the provided file) and
// materializes a Config instance.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed loading env file %s: %w", envFile, err)
			}
		}
	} else {
		// Ignore the returned error here; missing .env files are acceptable when
		// configuration comes from the environment directly.
		_ = godotenv.Load()
	}

	var p parser
	cfg := &Config{
		Server: ServerConfig{
			Port: getenvWithDefault("APP_PORT", "8080"),
		},
		Log: LogConfig{
			Level:  getenvWithDefault("LOG_LEVEL", "info"),
			Format: getenvWithDefault("LOG_FORMAT", "json"),
		},
		Database: DatabaseConfig{
			Path: getenvWithDefault("DB_PATH", "farmsync.db"),
		},
		Sync: SyncConfig{
			Backend:       getenvWithDefault("SYNC_BACKEND", SyncBackendHTTP),
			BaseURL:       os.Getenv("SYNC_BASE_URL"),
			APIToken:      os.Getenv("SYNC_API_TOKEN"),
			BatchSize:     p.int("SYNC_BATCH_SIZE", 50),
			PushTimeout:   p.duration("SYNC_PUSH_TIMEOUT", 20*time.Second),
			BackoffBase:   p.duration("SYNC_BACKOFF_BASE", time.Second),
			BackoffMax:    p.duration("SYNC_BACKOFF_MAX", 30*time.Second),
			Schedule:      getenvWithDefault("SYNC_SCHEDULE", "@every 30s"),
			PullSchedule:  getenvWithDefault("PULL_SCHEDULE", "@every 5m"),
			StaleSchedule: getenvWithDefault("STALE_CHECK_SCHEDULE", "@every 1m"),
		},
		MongoDB: MongoDBConfig{
			URI:    os.Getenv("MONGODB_URI"),
			DBName: getenvWithDefault("MONGODB_DB_NAME", "farmsync"),
		},
		Retention: RetentionConfig{
			Days:     p.int("RETENTION_DAYS", 90),
			Schedule: getenvWithDefault("RETENTION_SCHEDULE", "0 3 * * *"),
		},
		Alerts: AlertConfig{
			TempHigh:         p.float("ALERT_TEMP_HIGH", 30),
			TempLow:          p.float("ALERT_TEMP_LOW", 10),
			HumidityHigh:     p.float("ALERT_HUMIDITY_HIGH", 80),
			HumidityLow:      p.float("ALERT_HUMIDITY_LOW", 30),
			FeedLow:          p.float("ALERT_FEED_LOW", 15),
			MortalityHigh:    p.int("ALERT_MORTALITY_HIGH", 5),
			StaleGrace:       p.float("ALERT_STALE_GRACE", 3),
			ReminderInterval: p.duration("ALERT_REMINDER_INTERVAL", 0),
		},
		MQTT: MQTTConfig{
			Broker:   os.Getenv("MQTT_BROKER"),
			ClientID: getenvWithDefault("MQTT_CLIENT_ID", "farmsync"),
			Topic:    getenvWithDefault("MQTT_TOPIC", "farmsync/devices/+/readings/+"),
			Username: os.Getenv("MQTT_USERNAME"),
			Password: os.Getenv("MQTT_PASSWORD"),
		},
		WhatsApp: WhatsAppConfig{
			AccessToken:    os.Getenv("WHATSAPP_TOKEN"),
			PhoneNumberID:  os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
			BaseURL:        getenvWithDefault("WHATSAPP_BASE_URL", "https://graph.facebook.com"),
			APIVersion:     getenvWithDefault("WHATSAPP_API_VERSION", "v20.0"),
			AlertRecipient: os.Getenv("WHATSAPP_ALERT_RECIPIENT"),
		},
		Sheets: SheetsConfig{
			CredentialsPath: os.Getenv("GOOGLE_SHEETS_CREDENTIALS_PATH"),
			SpreadsheetID:   os.Getenv("GOOGLE_SHEET_EXPORT_ID"),
			HistoryRange:    getenvWithDefault("GOOGLE_SHEET_HISTORY_RANGE", "History!A:E"),
		},
	}

	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures that required configuration fields are populated.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.Server.Port == "" {
		return errors.New("APP_PORT must be provided")
	}

	if c.Database.Path == "" {
		return errors.New("DB_PATH must be provided")
	}

	switch c.Sync.Backend {
	case SyncBackendHTTP:
		if c.Sync.BaseURL == "" {
			return errors.New("SYNC_BASE_URL must be provided for the http sync backend")
		}
	case SyncBackendMongo:
		if c.MongoDB.URI == "" {
			return errors.New("MONGODB_URI must be provided for the mongo sync backend")
		}
	case SyncBackendNone:
	default:
		return fmt.Errorf("unsupported SYNC_BACKEND %q", c.Sync.Backend)
	}

	switch {
	case c.Sync.BatchSize <= 0:
		return errors.New("SYNC_BATCH_SIZE must be positive")
	case c.Sync.PushTimeout <= 0:
		return errors.New("SYNC_PUSH_TIMEOUT must be positive")
	case c.Sync.BackoffBase <= 0:
		return errors.New("SYNC_BACKOFF_BASE must be positive")
	case c.Sync.BackoffMax < c.Sync.BackoffBase:
		return errors.New("SYNC_BACKOFF_MAX must not be lower than SYNC_BACKOFF_BASE")
	}

	if c.Retention.Days <= 0 {
		return errors.New("RETENTION_DAYS must be positive")
	}

	if c.Alerts.TempLow >= c.Alerts.TempHigh {
		return errors.New("ALERT_TEMP_LOW must be lower than ALERT_TEMP_HIGH")
	}
	if c.Alerts.HumidityLow >= c.Alerts.HumidityHigh {
		return errors.New("ALERT_HUMIDITY_LOW must be lower than ALERT_HUMIDITY_HIGH")
	}
	if c.Alerts.StaleGrace < 1 {
		return errors.New("ALERT_STALE_GRACE must be at least 1")
	}

	return nil
}

func getenvWithDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) int(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return v
}

func (p *parser) float(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s must be a number: %w", key, err)
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return v
}
