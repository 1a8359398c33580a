// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package client mirrors the server API for Go embedders. The default
// transport is a WebSocket session with automatic reconnection and
// subscription restoration; a plain HTTP transport covers query, execute and
// transaction (the only channel where transactions are allowed).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/sirannon/sirannon/internal/cdc"
	"github.com/sirannon/sirannon/internal/protocol"
)

// Transports.
const (
	TransportWebSocket = "websocket"
	TransportHTTP      = "http"
)

const (
	defaultReconnectInterval = time.Second
	defaultRequestTimeout    = 30 * time.Second
	dialAttempts             = 3
)

// Error is the client-visible failure shape, code plus message.
type Error = protocol.ErrorBody

// ChangeEvent re-exports the engine event shape for subscribers.
type ChangeEvent = cdc.ChangeEvent

// ExecuteResult is a decoded write result; LastInsertRowID is exact even when
// the server stringified it past 2^53-1.
type ExecuteResult struct {
	Changes         int64
	LastInsertRowID int64
}

// Options tunes a client connection.
type Options struct {
	Transport         string
	Headers           http.Header
	AutoReconnect     *bool
	ReconnectInterval time.Duration
	RequestTimeout    time.Duration
}

type clientSub struct {
	table  string
	filter map[string]any
	fn     func(ChangeEvent)
}

// Client is bound to one database id on one server.
type Client struct {
	baseURL   string
	dbID      string
	transport string
	headers   http.Header

	autoReconnect     bool
	reconnectInterval time.Duration
	requestTimeout    time.Duration

	httpc *http.Client

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
	subs    map[string]*clientSub

	nextID atomic.Uint64
	closed atomic.Bool
}

// New connects a client to baseURL (http:// or https://) for database dbID.
func New(ctx context.Context, baseURL, dbID string, opts Options) (*Client, error) {
	c := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		dbID:              dbID,
		transport:         opts.Transport,
		headers:           opts.Headers,
		autoReconnect:     true,
		reconnectInterval: opts.ReconnectInterval,
		requestTimeout:    opts.RequestTimeout,
		httpc:             &http.Client{},
		pending:           make(map[string]chan *protocol.Response),
		subs:              make(map[string]*clientSub),
	}
	if c.transport == "" {
		c.transport = TransportWebSocket
	}
	if opts.AutoReconnect != nil {
		c.autoReconnect = *opts.AutoReconnect
	}
	if c.reconnectInterval <= 0 {
		c.reconnectInterval = defaultReconnectInterval
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}

	if c.transport == TransportWebSocket {
		if err := c.dial(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) wsURL() string {
	url := c.baseURL
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return url + "/db/" + c.dbID
}

func (c *Client) dial(ctx context.Context) error {
	var conn *websocket.Conn
	err := retry.Do(
		func() error {
			var err error
			conn, _, err = websocket.DefaultDialer.DialContext(ctx, c.wsURL(), c.headers)
			return err
		},
		retry.Attempts(dialAttempts),
		retry.Delay(c.reconnectInterval),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return &Error{Code: protocol.CodeConnection, Message: pkgerrors.Wrap(err, "dial").Error()}
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp protocol.Response
		if err := conn.ReadJSON(&resp); err != nil {
			c.handleDisconnect(conn)
			return
		}

		switch resp.Type {
		case protocol.TypeChange:
			c.deliverChange(&resp)
		default:
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &resp
			}
		}
	}
}

func (c *Client) deliverChange(resp *protocol.Response) {
	c.mu.Lock()
	sub, ok := c.subs[resp.ID]
	c.mu.Unlock()
	if !ok || resp.Event == nil {
		return
	}

	seq, err := protocol.ParseInt64(resp.Event.Seq)
	if err != nil {
		log.Warn().Err(err).Msg("discarding change event with malformed seq")
		return
	}

	sub.fn(ChangeEvent{
		Type:      resp.Event.Type,
		Table:     resp.Event.Table,
		Row:       resp.Event.Row,
		OldRow:    resp.Event.OldRow,
		Seq:       seq,
		Timestamp: resp.Event.Timestamp,
	})
}

// handleDisconnect rejects every pending request and, when reconnection is
// on and subscriptions exist, starts the restore loop.
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	_ = conn.Close()
	if c.closed.Load() {
		return
	}

	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- &protocol.Response{
			Type:  protocol.TypeError,
			ID:    id,
			Error: &Error{Code: protocol.CodeConnection, Message: "connection lost"},
		}
	}
	hasSubs := len(c.subs) > 0
	c.mu.Unlock()

	if c.autoReconnect && hasSubs {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	for !c.closed.Load() {
		time.Sleep(c.reconnectInterval)
		if c.closed.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			log.Debug().Err(err).Msg("reconnect attempt failed")
			continue
		}

		c.restoreSubscriptions()
		return
	}
}

// restoreSubscriptions re-sends subscribe for every known subscription with
// its original id, table and filter. A subscription the server refuses is
// dropped locally so it is not retried forever.
func (c *Client) restoreSubscriptions() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.mu.Lock()
		sub, ok := c.subs[id]
		c.mu.Unlock()
		if !ok {
			continue
		}

		resp, err := c.roundTrip(&protocol.Request{
			Type:   protocol.TypeSubscribe,
			ID:     id,
			Table:  sub.table,
			Filter: sub.filter,
		})
		if err != nil || resp.Type != protocol.TypeSubscribed {
			log.Warn().Str("subscription", id).Msg("dropping subscription that failed to restore")
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		}
	}
}

func (c *Client) newID() string {
	return fmt.Sprintf("req-%d", c.nextID.Add(1))
}

// roundTrip sends one frame and waits for the reply with the same id,
// honoring the request timeout.
func (c *Client) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	if c.closed.Load() {
		return nil, &Error{Code: protocol.CodeTransport, Message: "client is closed"}
	}

	ch := make(chan *protocol.Response, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		c.dropPending(req.ID)
		return nil, &Error{Code: protocol.CodeConnection, Message: "not connected"}
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(req.ID)
		return nil, &Error{Code: protocol.CodeConnection, Message: err.Error()}
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-timer.C:
		c.dropPending(req.ID)
		return nil, &Error{Code: protocol.CodeTimeout, Message: "request timed out"}
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Query runs a read statement. Params may be nil, a scalar or a slice.
func (c *Client) Query(ctx context.Context, sql string, params any) ([]map[string]any, error) {
	if c.transport == TransportHTTP {
		var out struct {
			Rows []map[string]any `json:"rows"`
		}
		if err := c.post(ctx, "/query", map[string]any{"sql": sql, "params": params}, &out); err != nil {
			return nil, err
		}
		return out.Rows, nil
	}

	resp, err := c.roundTrip(&protocol.Request{
		Type:   protocol.TypeQuery,
		ID:     c.newID(),
		SQL:    sql,
		Params: marshalParams(params),
	})
	if err != nil {
		return nil, err
	}
	return decodeRows(resp.Data), nil
}

// Execute runs a write statement.
func (c *Client) Execute(ctx context.Context, sql string, params any) (*ExecuteResult, error) {
	if c.transport == TransportHTTP {
		var out map[string]any
		if err := c.post(ctx, "/execute", map[string]any{"sql": sql, "params": params}, &out); err != nil {
			return nil, err
		}
		return decodeExecuteResult(out)
	}

	resp, err := c.roundTrip(&protocol.Request{
		Type:   protocol.TypeExecute,
		ID:     c.newID(),
		SQL:    sql,
		Params: marshalParams(params),
	})
	if err != nil {
		return nil, err
	}

	data, _ := resp.Data.(map[string]any)
	return decodeExecuteResult(data)
}

// Statement is one entry of a Transaction call.
type Statement struct {
	SQL    string `json:"sql"`
	Params any    `json:"params,omitempty"`
}

// Transaction runs statements atomically. It is HTTP-only; on a WebSocket
// client it fails immediately with TRANSPORT_ERROR, matching the server.
func (c *Client) Transaction(ctx context.Context, stmts []Statement) ([]ExecuteResult, error) {
	if c.transport != TransportHTTP {
		return nil, &Error{Code: protocol.CodeTransport, Message: "transactions are not supported over websocket"}
	}

	var out struct {
		Results []map[string]any `json:"results"`
	}
	if err := c.post(ctx, "/transaction", map[string]any{"statements": stmts}, &out); err != nil {
		return nil, err
	}

	results := make([]ExecuteResult, 0, len(out.Results))
	for _, raw := range out.Results {
		res, err := decodeExecuteResult(raw)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// Subscribe registers fn for events on table. The callback is stored before
// the request is sent so a change racing the ack is still delivered. Returns
// the subscription id used for Unsubscribe and for restoration.
func (c *Client) Subscribe(ctx context.Context, table string, filter map[string]any, fn func(ChangeEvent)) (string, error) {
	if c.transport != TransportWebSocket {
		return "", &Error{Code: protocol.CodeTransport, Message: "subscriptions require the websocket transport"}
	}

	id := c.newID()

	c.mu.Lock()
	c.subs[id] = &clientSub{table: table, filter: filter, fn: fn}
	c.mu.Unlock()

	resp, err := c.roundTrip(&protocol.Request{
		Type:   protocol.TypeSubscribe,
		ID:     id,
		Table:  table,
		Filter: filter,
	})
	if err != nil || resp.Type != protocol.TypeSubscribed {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		if err == nil {
			err = &Error{Code: protocol.CodeTransport, Message: "unexpected reply " + resp.Type}
		}
		return "", err
	}
	return id, nil
}

// Unsubscribe tears a subscription down on both sides.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()

	_, err := c.roundTrip(&protocol.Request{Type: protocol.TypeUnsubscribe, ID: id})
	return err
}

// Close shuts the client down. Idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return &Error{Code: protocol.CodeTransport, Message: err.Error()}
	}

	url := c.baseURL + "/db/" + c.dbID + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return &Error{Code: protocol.CodeTransport, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &Error{Code: protocol.CodeConnection, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error Error `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error.Code != "" {
			return &envelope.Error
		}
		return &Error{Code: protocol.CodeTransport, Message: resp.Status}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return raw
}

func decodeRows(data any) []map[string]any {
	arr, ok := data.([]any)
	if !ok {
		return nil
	}
	rows := make([]map[string]any, 0, len(arr))
	for _, el := range arr {
		if m, ok := el.(map[string]any); ok {
			rows = append(rows, m)
		}
	}
	return rows
}

func decodeExecuteResult(data map[string]any) (*ExecuteResult, error) {
	if data == nil {
		return nil, &Error{Code: protocol.CodeTransport, Message: "malformed execute response"}
	}
	changes, err := protocol.ParseInt64(data["changes"])
	if err != nil {
		return nil, &Error{Code: protocol.CodeTransport, Message: "malformed changes: " + err.Error()}
	}
	lastID, err := protocol.ParseInt64(data["lastInsertRowId"])
	if err != nil {
		return nil, &Error{Code: protocol.CodeTransport, Message: "malformed lastInsertRowId: " + err.Error()}
	}
	return &ExecuteResult{Changes: changes, LastInsertRowID: lastID}, nil
}
