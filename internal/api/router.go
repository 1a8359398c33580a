// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/sirannon/sirannon/internal/api/handlers"
	apimiddleware "github.com/sirannon/sirannon/internal/api/middleware"
	"github.com/sirannon/sirannon/internal/backups"
	"github.com/sirannon/sirannon/internal/domain"
	"github.com/sirannon/sirannon/internal/engine"
	"github.com/sirannon/sirannon/internal/metrics"
)

// Dependencies holds everything the router wires together.
type Dependencies struct {
	Config        *domain.Config
	Registry      *engine.Registry
	BackupService *backups.Service
	Metrics       *metrics.Collector
}

// NewRouter creates and configures the main application router
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID) // Must be before logger to capture request ID
	r.Use(apimiddleware.HTTPLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// HTTP compression - handles gzip, brotli, zstd, deflate automatically
	compressor, err := httpcompression.DefaultAdapter()
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	if len(deps.Config.CORSOrigins) > 0 {
		r.Use(apimiddleware.CORSWithCredentials(deps.Config.CORSOrigins))
	}

	healthHandler := handlers.NewHealthHandler(deps.Registry)
	databasesHandler := handlers.NewDatabasesHandler(deps.Registry)
	wsHandler := NewWSHandler(deps.Registry)

	r.Get("/health", healthHandler.Liveness)
	r.Get("/health/ready", healthHandler.Readiness)

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/db/{id}", func(r chi.Router) {
		r.Post("/query", databasesHandler.Query)
		r.Post("/execute", databasesHandler.Execute)
		r.Post("/transaction", databasesHandler.Transaction)

		if deps.BackupService != nil {
			backupsHandler := handlers.NewBackupsHandler(deps.Registry, deps.BackupService)
			r.Post("/backup", backupsHandler.Create)
		}

		// WebSocket upgrade on the bare database path.
		r.Get("/", wsHandler.Serve)
	})

	return r
}
