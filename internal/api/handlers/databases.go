// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sirannon/sirannon/internal/database"
	"github.com/sirannon/sirannon/internal/engine"
	"github.com/sirannon/sirannon/internal/protocol"
)

// DatabasesHandler serves query/execute/transaction over HTTP. The shapes
// match the WebSocket frames; HTTP is additionally the only channel that
// supports transactions.
type DatabasesHandler struct {
	registry *engine.Registry
}

func NewDatabasesHandler(registry *engine.Registry) *DatabasesHandler {
	return &DatabasesHandler{registry: registry}
}

type statementRequest struct {
	SQL    string          `json:"sql"`
	Params json.RawMessage `json:"params,omitempty"`
}

type transactionRequest struct {
	Statements []statementRequest `json:"statements"`
}

func (h *DatabasesHandler) database(w http.ResponseWriter, r *http.Request) (*engine.Database, bool) {
	db, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, err)
		return nil, false
	}
	return db, true
}

func (h *DatabasesHandler) Query(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}

	var req statementRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	params, err := protocol.DecodeParams(req.Params)
	if err != nil {
		RespondError(w, err)
		return
	}

	rows, err := db.Query(r.Context(), req.SQL, params)
	if err != nil {
		RespondError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (h *DatabasesHandler) Execute(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}

	var req statementRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	params, err := protocol.DecodeParams(req.Params)
	if err != nil {
		RespondError(w, err)
		return
	}

	res, err := db.Execute(r.Context(), req.SQL, params)
	if err != nil {
		RespondError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, protocol.ToExecuteResponse(*res))
}

func (h *DatabasesHandler) Transaction(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}

	var req transactionRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	stmts := make([]database.Statement, 0, len(req.Statements))
	for _, st := range req.Statements {
		params, err := protocol.DecodeParams(st.Params)
		if err != nil {
			RespondError(w, err)
			return
		}
		stmts = append(stmts, database.Statement{SQL: st.SQL, Params: params})
	}

	results, err := db.Transaction(r.Context(), stmts)
	if err != nil {
		RespondError(w, err)
		return
	}

	out := make([]protocol.ExecuteResponse, 0, len(results))
	for _, res := range results {
		out = append(out, protocol.ToExecuteResponse(res))
	}
	RespondJSON(w, http.StatusOK, map[string]any{"results": out})
}
