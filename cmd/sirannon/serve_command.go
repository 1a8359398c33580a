// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sirannon/sirannon/internal/api"
	"github.com/sirannon/sirannon/internal/backups"
	"github.com/sirannon/sirannon/internal/cdc"
	"github.com/sirannon/sirannon/internal/config"
	"github.com/sirannon/sirannon/internal/domain"
	"github.com/sirannon/sirannon/internal/engine"
	"github.com/sirannon/sirannon/internal/hooks"
	"github.com/sirannon/sirannon/internal/logger"
	"github.com/sirannon/sirannon/internal/metrics"
)

func RunServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sirannon server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appConfig, err := config.New(configPath, version)
			if err != nil {
				return err
			}

			logger.Setup(appConfig.Config)
			return serve(cmd.Context(), appConfig.Config)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	return cmd
}

func serve(ctx context.Context, cfg *domain.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hookRegistry := hooks.NewRegistry(nil)

	registry := engine.NewRegistry()

	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector()
		collector.Bind(hookRegistry)
		collector.BindRegistry(registry)
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := registry.CloseAll(closeCtx); err != nil {
			log.Warn().Err(err).Msg("failed to close databases cleanly")
		}
	}()

	for _, dbCfg := range cfg.Databases {
		if err := openDatabase(ctx, registry, hookRegistry, collector, cfg, dbCfg); err != nil {
			return err
		}
	}

	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = cfg.DataDir
	}
	backupService := backups.NewService(backups.Config{Dir: backupDir, Keep: cfg.BackupKeep})

	router := api.NewRouter(&api.Dependencies{
		Config:        cfg,
		Registry:      registry,
		BackupService: backupService,
		Metrics:       collector,
	})

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("version", cfg.Version).Msg("sirannon listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openDatabase(ctx context.Context, registry *engine.Registry, hookRegistry *hooks.Registry, collector *metrics.Collector, cfg *domain.Config, dbCfg domain.DatabaseConfig) error {
	if dbCfg.ID == "" || dbCfg.Path == "" {
		return fmt.Errorf("database config requires id and path")
	}

	readPoolSize := dbCfg.ReadPoolSize
	if readPoolSize == 0 {
		readPoolSize = 4
	}

	opts := engine.Options{
		ID:           dbCfg.ID,
		Path:         dbCfg.Path,
		ReadOnly:     dbCfg.ReadOnly,
		ReadPoolSize: readPoolSize,
		WALMode:      !dbCfg.DisableWAL,
		PollInterval: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		CDC: cdc.TrackerOptions{
			ChangesTable:  dbCfg.ChangesTable,
			PollBatchSize: dbCfg.PollBatchSize,
			Retention:     time.Duration(dbCfg.RetentionSeconds) * time.Second,
		},
	}
	if collector != nil {
		opts.OnDispatch = func(count int) {
			collector.ObserveDispatch(dbCfg.ID, count)
		}
	}

	db, err := registry.Open(ctx, opts, hookRegistry)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbCfg.ID, err)
	}

	if dbCfg.MigrationsDir != "" && !dbCfg.ReadOnly {
		if _, err := db.Migrate(ctx, dbCfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrate database %s: %w", dbCfg.ID, err)
		}
	}

	return nil
}
