package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/ingest/mqtt"
	"github.com/mamadbah2/farmsync/internal/repository/sqlite"
	"github.com/mamadbah2/farmsync/internal/scheduler"
	"github.com/mamadbah2/farmsync/internal/server/handlers"
	"github.com/mamadbah2/farmsync/internal/server/router"
	"github.com/mamadbah2/farmsync/pkg/logger"
)

type rootOptions struct {
	EnvFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "farmsync",
		Short:         "Offline-first farm data hub",
		Long:          "Keeps flock, health, production and sensor data on the device and synchronizes it with a remote authority.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "optional .env file to load")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newPruneCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler and MQTT ingestion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	log := a.logger

	var syncJob scheduler.Syncer
	if a.tracker != nil {
		syncJob = a.tracker
	}
	sched := scheduler.NewScheduler(*a.cfg, syncJob, a.alerts, a.store, logger.Named(log, "scheduler"),
		scheduler.WithMetrics(a.metrics))
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	if a.cfg.MQTT.Broker != "" {
		sub := mqtt.NewSubscriber(a.cfg.MQTT, a.telemetry, logger.Named(log, "ingest.mqtt"))
		if err := sub.Start(ctx); err != nil {
			log.Error("mqtt ingestion unavailable", zap.Error(err))
		} else {
			defer sub.Stop()
		}
	} else {
		log.Warn("MQTT_BROKER not set, device ingestion over mqtt disabled")
	}

	deps := handlers.Deps{
		Store:     a.store,
		Lineage:   a.lineage,
		Telemetry: a.telemetry,
		Alerts:    a.alerts,
		Exporter:  a.exporter,
	}
	if a.tracker != nil {
		deps.Sync = a.tracker
	}
	engine := router.New(handlers.New(deps, logger.Named(log, "handlers")), a.metrics, logger.Named(log, "router"))

	srv := &http.Server{
		Addr:         ":" + a.cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("http server crashed", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var planOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bring the local database schema to the newest version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if planOnly {
				steps, err := sqlite.PlanFile(ctx, cfg.Database.Path, logger.Named(log, "migrator"))
				if err != nil {
					return err
				}
				if len(steps) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				}
				for _, s := range steps {
					fmt.Fprintln(cmd.OutOrStdout(), s.String())
				}
				return nil
			}

			var applied []sqlite.Step
			store, err := sqlite.Open(ctx, cfg.Database.Path, logger.Named(log, "repo.sqlite"),
				sqlite.WithMigrationObserver(func(s sqlite.Step) { applied = append(applied, s) }))
			if err != nil {
				return err
			}
			defer store.Close()
			version, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d step(s), schema version %d\n", len(applied), version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&planOnly, "plan", false, "list pending steps without applying them")
	return cmd
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var pull bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending local changes once (and optionally pull)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			if a.tracker == nil {
				return errors.New("sync backend is disabled (SYNC_BACKEND=none)")
			}

			out := map[string]any{}
			drained, err := a.tracker.Drain(ctx)
			if err != nil {
				return err
			}
			out["push"] = drained
			if pull {
				pulled, err := a.tracker.Pull(ctx)
				if err != nil {
					return err
				}
				out["pull"] = pulled
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&pull, "pull", false, "also pull remote changes")
	return cmd
}

func newPruneCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete sensor readings older than RETENTION_DAYS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			sched := scheduler.NewScheduler(*a.cfg, nil, nil, a.store, logger.Named(a.logger, "scheduler"),
				scheduler.WithMetrics(a.metrics))
			return sched.RunPrune(ctx)
		},
	}
}
