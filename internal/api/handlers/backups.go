// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/sirannon/sirannon/internal/backups"
	"github.com/sirannon/sirannon/internal/engine"
)

type BackupsHandler struct {
	registry *engine.Registry
	service  *backups.Service
}

func NewBackupsHandler(registry *engine.Registry, service *backups.Service) *BackupsHandler {
	return &BackupsHandler{registry: registry, service: service}
}

// Create runs an immediate VACUUM INTO backup of the database.
func (h *BackupsHandler) Create(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}

	path, err := h.service.Backup(r.Context(), db)
	if err != nil {
		RespondError(w, err)
		return
	}

	RespondJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (h *BackupsHandler) database(w http.ResponseWriter, r *http.Request) (*engine.Database, bool) {
	dbh := DatabasesHandler{registry: h.registry}
	return dbh.database(w, r)
}
