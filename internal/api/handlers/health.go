// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/sirannon/sirannon/internal/engine"
)

type HealthHandler struct {
	registry *engine.Registry
}

func NewHealthHandler(registry *engine.Registry) *HealthHandler {
	return &HealthHandler{registry: registry}
}

// Liveness always reports ok while the process serves requests.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readinessResponse struct {
	Status    string          `json:"status"`
	Databases []engine.Status `json:"databases"`
}

// Readiness reports degraded when any registered database is closed. The
// status code is 200 either way; consumers read the body.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	databases := h.registry.Snapshot()

	status := "ok"
	for _, db := range databases {
		if db.Closed {
			status = "degraded"
			break
		}
	}

	RespondJSON(w, http.StatusOK, readinessResponse{Status: status, Databases: databases})
}
