// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sirannon/sirannon/internal/cdc"
	"github.com/sirannon/sirannon/internal/engine"
	"github.com/sirannon/sirannon/internal/protocol"
)

const requestTimeout = 30 * time.Second

// WSHandler upgrades /db/{id} and runs one session per connection. A session
// is bound to a single database for its lifetime.
type WSHandler struct {
	registry *engine.Registry
	upgrader websocket.Upgrader
}

func NewWSHandler(registry *engine.Registry) *WSHandler {
	return &WSHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Hooks are the designated auth extension point; origin policy
			// belongs to the deployment, not the engine.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	db, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		db:   db,
		subs: make(map[string]int64),
	}
	s.run()
}

// session is the per-connection request/subscription state machine. subs maps
// wire subscription ids to engine subscription ids. Frames are handled
// synchronously in the read loop, so there is never more than one in-flight
// request per session; CDC pushes arrive from the poller goroutine and only
// contend on the write mutex.
type session struct {
	id   string
	conn *websocket.Conn
	db   *engine.Database

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]int64
}

func (s *session) run() {
	log.Debug().Str("session", s.id).Str("database", s.db.ID()).Msg("websocket session open")
	defer s.cleanup()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Str("session", s.id).Msg("websocket session closed by client")
			} else {
				log.Debug().Str("session", s.id).Err(err).Msg("websocket session read failed")
			}
			return
		}
		s.handle(data)
	}
}

func (s *session) handle(data []byte) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		s.send(protocol.Response{
			Type:  protocol.TypeError,
			Error: &protocol.ErrorBody{Code: protocol.CodeTransport, Message: err.Error()},
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch req.Type {
	case protocol.TypeQuery:
		s.handleQuery(ctx, req)
	case protocol.TypeExecute:
		s.handleExecute(ctx, req)
	case protocol.TypeSubscribe:
		s.handleSubscribe(ctx, req)
	case protocol.TypeUnsubscribe:
		s.handleUnsubscribe(req)
	case protocol.TypeTransaction:
		// Transactions ride HTTP only.
		s.send(protocol.Response{
			Type: protocol.TypeError,
			ID:   req.ID,
			Error: &protocol.ErrorBody{
				Code:    protocol.CodeTransport,
				Message: "transactions are not supported over websocket",
			},
		})
	default:
		s.send(protocol.Response{
			Type: protocol.TypeError,
			ID:   req.ID,
			Error: &protocol.ErrorBody{
				Code:    protocol.CodeTransport,
				Message: "unknown message type " + req.Type,
			},
		})
	}
}

func (s *session) handleQuery(ctx context.Context, req *protocol.Request) {
	params, err := protocol.DecodeParams(req.Params)
	if err != nil {
		s.send(protocol.ErrorResponse(req.ID, err))
		return
	}

	rows, err := s.db.Query(ctx, req.SQL, params)
	if err != nil {
		s.send(protocol.ErrorResponse(req.ID, err))
		return
	}

	s.send(protocol.Response{Type: protocol.TypeResult, ID: req.ID, Data: rows})
}

func (s *session) handleExecute(ctx context.Context, req *protocol.Request) {
	params, err := protocol.DecodeParams(req.Params)
	if err != nil {
		s.send(protocol.ErrorResponse(req.ID, err))
		return
	}

	res, err := s.db.Execute(ctx, req.SQL, params)
	if err != nil {
		s.send(protocol.ErrorResponse(req.ID, err))
		return
	}

	s.send(protocol.Response{Type: protocol.TypeResult, ID: req.ID, Data: protocol.ToExecuteResponse(*res)})
}

func (s *session) handleSubscribe(ctx context.Context, req *protocol.Request) {
	wireID := req.ID

	sub, err := s.db.Subscribe(ctx, req.Table, req.Filter, func(ev cdc.ChangeEvent) {
		s.send(protocol.Response{Type: protocol.TypeChange, ID: wireID, Event: protocol.EncodeChange(ev)})
	})
	if err != nil {
		s.send(protocol.ErrorResponse(wireID, err))
		return
	}

	s.mu.Lock()
	if prev, ok := s.subs[wireID]; ok {
		// Re-subscribe under the same wire id replaces the old binding
		// (restoration after reconnect reuses ids).
		s.db.Unsubscribe(prev)
	}
	s.subs[wireID] = sub.ID
	s.mu.Unlock()

	s.send(protocol.Response{Type: protocol.TypeSubscribed, ID: wireID})
}

func (s *session) handleUnsubscribe(req *protocol.Request) {
	s.mu.Lock()
	subID, ok := s.subs[req.ID]
	delete(s.subs, req.ID)
	s.mu.Unlock()

	if ok {
		s.db.Unsubscribe(subID)
	}
	s.send(protocol.Response{Type: protocol.TypeUnsubscribed, ID: req.ID})
}

func (s *session) send(resp protocol.Response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteJSON(resp); err != nil {
		log.Debug().Str("session", s.id).Err(err).Msg("websocket write failed")
	}
}

// cleanup unsubscribes every live subscription and releases the connection.
// Pending client-side state is the client's concern.
func (s *session) cleanup() {
	s.mu.Lock()
	subs := make([]int64, 0, len(s.subs))
	for _, id := range s.subs {
		subs = append(subs, id)
	}
	s.subs = make(map[string]int64)
	s.mu.Unlock()

	for _, id := range subs {
		s.db.Unsubscribe(id)
	}

	_ = s.conn.Close()
	log.Debug().Str("session", s.id).Msg("websocket session released")
}
