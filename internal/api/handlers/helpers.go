// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/sirannon/sirannon/internal/database"
	"github.com/sirannon/sirannon/internal/engine"
	"github.com/sirannon/sirannon/internal/protocol"
)

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("Failed to encode JSON response")
		}
	}
}

// errorEnvelope is the HTTP error body: {"error":{"code","message"}}.
type errorEnvelope struct {
	Error protocol.ErrorBody `json:"error"`
}

// RespondError maps an engine error to a status code and the wire error body.
func RespondError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, engine.ErrDatabaseNotFound):
		status = http.StatusNotFound
	case errors.Is(err, database.ErrPoolClosed):
		status = http.StatusConflict
	case errors.Is(err, database.ErrReadOnly):
		status = http.StatusForbidden
	}

	RespondJSON(w, status, errorEnvelope{Error: protocol.ErrorBody{
		Code:    database.ErrorCode(err),
		Message: err.Error(),
	}})
}

// DecodeJSON decodes the request body into the provided struct.
// Returns false if decoding fails (error already sent to client).
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		RespondJSON(w, http.StatusBadRequest, errorEnvelope{Error: protocol.ErrorBody{
			Code:    protocol.CodeTransport,
			Message: "invalid request body",
		}})
		return false
	}
	return true
}
