// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package protocol defines the wire format shared by the HTTP and WebSocket
// transports and the client. Everything is JSON; integers that cannot
// round-trip through a float64 (rowids and CDC sequence numbers past 2^53-1)
// travel as decimal strings.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirannon/sirannon/internal/cdc"
	"github.com/sirannon/sirannon/internal/database"
)

// MaxSafeInteger is the largest integer a float64 (and thus plain JSON
// number) represents exactly.
const MaxSafeInteger = int64(1)<<53 - 1

// Client→server message types. Transaction is listed for completeness: it is
// accepted over HTTP only and rejected on the WebSocket channel.
const (
	TypeQuery       = "query"
	TypeExecute     = "execute"
	TypeTransaction = "transaction"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Server→client message types.
const (
	TypeResult       = "result"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeChange       = "change"
	TypeError        = "error"
)

// Transport-level machine codes, alongside the database taxonomy codes.
const (
	CodeTransport  = "TRANSPORT_ERROR"
	CodeConnection = "CONNECTION_ERROR"
	CodeTimeout    = "TIMEOUT"
)

// Request is a client→server frame.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	SQL    string          `json:"sql,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Table  string          `json:"table,omitempty"`
	Filter map[string]any  `json:"filter,omitempty"`
}

// Response is a server→client frame.
type Response struct {
	Type  string       `json:"type"`
	ID    string       `json:"id"`
	Data  any          `json:"data,omitempty"`
	Event *ChangeEvent `json:"event,omitempty"`
	Error *ErrorBody   `json:"error,omitempty"`
}

// ErrorBody carries the machine code and human message of a failure.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorBody) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ExecuteResponse is the wire shape of a write result. LastInsertRowID is a
// JSON number within the safe range and a decimal string beyond it.
type ExecuteResponse struct {
	Changes         int64 `json:"changes"`
	LastInsertRowID any   `json:"lastInsertRowId"`
}

// ToExecuteResponse passes safe integers through and stringifies large ones.
func ToExecuteResponse(res database.ExecResult) ExecuteResponse {
	return ExecuteResponse{
		Changes:         res.Changes,
		LastInsertRowID: safeInt(res.LastInsertRowID),
	}
}

// ChangeEvent is the wire shape of a CDC event; Seq follows the same BigInt
// rule as LastInsertRowID.
type ChangeEvent struct {
	Type      string         `json:"type"`
	Table     string         `json:"table"`
	Row       map[string]any `json:"row,omitempty"`
	OldRow    map[string]any `json:"oldRow,omitempty"`
	Seq       any            `json:"seq"`
	Timestamp float64        `json:"timestamp"`
}

// EncodeChange converts an engine change event to its wire shape.
func EncodeChange(ev cdc.ChangeEvent) *ChangeEvent {
	return &ChangeEvent{
		Type:      ev.Type,
		Table:     ev.Table,
		Row:       ev.Row,
		OldRow:    ev.OldRow,
		Seq:       safeInt(ev.Seq),
		Timestamp: ev.Timestamp,
	}
}

func safeInt(v int64) any {
	if v > MaxSafeInteger || v < -MaxSafeInteger {
		return strconv.FormatInt(v, 10)
	}
	return v
}

// ParseInt64 reverses safeInt on the receiving side: JSON numbers and
// decimal strings both reconstruct the exact integer.
func ParseInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("cannot parse %T as integer", v)
	}
}

// DecodeRequest parses one client frame.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	return &req, nil
}

// DecodeParams normalizes the polymorphic params field to a positional slice:
// absent/null → nil, array → the elements, scalar → a one-element slice.
// Integral JSON numbers decode as int64 so parameter binding stays exact.
func DecodeParams(raw json.RawMessage) ([]any, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	if arr, ok := v.([]any); ok {
		out := make([]any, len(arr))
		for i, el := range arr {
			out[i] = normalizeValue(el)
		}
		return out, nil
	}
	return []any{normalizeValue(v)}, nil
}

func normalizeValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// ErrorResponse builds an error frame for id from any engine error.
func ErrorResponse(id string, err error) Response {
	return Response{
		Type: TypeError,
		ID:   id,
		Error: &ErrorBody{
			Code:    errorCode(err),
			Message: err.Error(),
		},
	}
}

func errorCode(err error) string {
	var body *ErrorBody
	if errors.As(err, &body) {
		return body.Code
	}
	return database.ErrorCode(err)
}
