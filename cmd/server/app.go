package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/config"
	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/metrics"
	"github.com/mamadbah2/farmsync/internal/repository/mongodb"
	"github.com/mamadbah2/farmsync/internal/repository/sheets"
	"github.com/mamadbah2/farmsync/internal/repository/sqlite"
	"github.com/mamadbah2/farmsync/internal/service/alerting"
	"github.com/mamadbah2/farmsync/internal/service/lineage"
	"github.com/mamadbah2/farmsync/internal/service/syncer"
	"github.com/mamadbah2/farmsync/internal/service/telemetry"
	whatsappsvc "github.com/mamadbah2/farmsync/internal/service/whatsapp"
	"github.com/mamadbah2/farmsync/pkg/clients/syncapi"
	whatsappclient "github.com/mamadbah2/farmsync/pkg/clients/whatsapp"
	"github.com/mamadbah2/farmsync/pkg/logger"
)

// app holds every wired component. Optional parts are nil when their
// configuration is missing.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	store     *sqlite.Store
	alerts    *alerting.Engine
	lineage   *lineage.Service
	telemetry *telemetry.Service
	tracker   *syncer.Tracker
	exporter  telemetry.Exporter

	closers []func(context.Context) error
}

func loadConfig(opts *rootOptions) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.EnvFile)
	if err != nil {
		return nil, nil, err
	}
	base, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(base)
	return cfg, base, nil
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, base, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: base, metrics: metrics.New()}

	a.store, err = sqlite.Open(ctx, cfg.Database.Path, logger.Named(base, "repo.sqlite"),
		sqlite.WithMigrationObserver(func(sqlite.Step) { a.metrics.MigrationsApplied.Inc() }))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

	engineOpts := []alerting.Option{
		alerting.WithMetrics(a.metrics),
		alerting.WithReminder(cfg.Alerts.ReminderInterval),
	}
	if cfg.WhatsApp.Enabled() {
		notifier := whatsappsvc.NewAlertNotifier(cfg.WhatsApp, whatsappclient.NewClient(cfg.WhatsApp), logger.Named(base, "svc.whatsapp"))
		engineOpts = append(engineOpts, alerting.WithNotifier(notifier))
		base.Info("whatsapp alert notifications enabled")
	} else {
		base.Warn("whatsapp credentials missing, alert notifications disabled")
	}
	a.alerts = alerting.NewEngine(a.store, alerting.ThresholdsFromConfig(cfg.Alerts), logger.Named(base, "svc.alerting"), engineOpts...)
	a.lineage = lineage.NewService(a.store, logger.Named(base, "svc.lineage"))
	a.telemetry = telemetry.NewService(a.store, a.alerts, logger.Named(base, "svc.telemetry"))

	transport, err := a.transport(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if transport != nil {
		a.tracker = syncer.NewTracker(a.store, transport, syncer.SettingsFromConfig(cfg.Sync),
			logger.Named(base, "svc.syncer"), syncer.WithMetrics(a.metrics))
	}

	if cfg.Sheets.Enabled() {
		repo, err := sheets.NewGoogleSheetRepository(ctx, cfg.Sheets, logger.Named(base, "repo.sheets"))
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("init sheets repository: %w", err)
		}
		a.exporter = sheets.NewHistoryExporter(repo, cfg.Sheets.HistoryRange)
	}

	return a, nil
}

func (a *app) transport(ctx context.Context) (models.Transport, error) {
	switch a.cfg.Sync.Backend {
	case config.SyncBackendHTTP:
		a.logger.Info("sync backend: http", zap.String("base_url", a.cfg.Sync.BaseURL))
		return syncapi.NewClient(a.cfg.Sync), nil
	case config.SyncBackendMongo:
		authority, err := mongodb.NewAuthority(ctx, a.cfg.MongoDB.URI, a.cfg.MongoDB.DBName, logger.Named(a.logger, "repo.mongodb"))
		if err != nil {
			return nil, fmt.Errorf("init mongodb authority: %w", err)
		}
		a.closers = append(a.closers, authority.Close)
		a.logger.Info("sync backend: mongo", zap.String("db", a.cfg.MongoDB.DBName))
		return authority, nil
	default:
		a.logger.Warn("sync backend disabled")
		return nil, nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
