// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: MIT

package api

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirannon/sirannon/internal/protocol"
)

func dialWS(t *testing.T, serverURL, dbID string) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(serverURL, "http://", "ws://", 1) + "/db/" + dbID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

// readFrame reads frames until it sees one of the wanted types, skipping
// asynchronous change frames interleaved with request replies.
func readFrame(t *testing.T, conn *websocket.Conn, wantTypes ...string) *protocol.Response {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))

	for {
		var resp protocol.Response
		require.NoError(t, conn.ReadJSON(&resp))
		for _, want := range wantTypes {
			if resp.Type == want {
				return &resp
			}
		}
	}
}

func TestWSQueryAndExecute(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialWS(t, server.URL, "test")

	sendFrame(t, conn, map[string]any{
		"type": "execute", "id": "1",
		"sql": "INSERT INTO users (name) VALUES (?)", "params": []any{"Alice"},
	})
	resp := readFrame(t, conn, protocol.TypeResult, protocol.TypeError)
	require.Equal(t, protocol.TypeResult, resp.Type, "execute failed: %+v", resp.Error)
	assert.Equal(t, "1", resp.ID)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), data["changes"])

	sendFrame(t, conn, map[string]any{
		"type": "query", "id": "2",
		"sql": "SELECT name FROM users ORDER BY id",
	})
	resp = readFrame(t, conn, protocol.TypeResult, protocol.TypeError)
	require.Equal(t, protocol.TypeResult, resp.Type)
	assert.Equal(t, "2", resp.ID)

	rows, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0].(map[string]any)["name"])
}

func TestWSSubscribeDeliversFilteredChanges(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialWS(t, server.URL, "test")

	sendFrame(t, conn, map[string]any{
		"type": "subscribe", "id": "sub-1",
		"table": "users", "filter": map[string]any{"name": "Alice"},
	})
	resp := readFrame(t, conn, protocol.TypeSubscribed, protocol.TypeError)
	require.Equal(t, protocol.TypeSubscribed, resp.Type, "subscribe failed: %+v", resp.Error)
	assert.Equal(t, "sub-1", resp.ID)

	sendFrame(t, conn, map[string]any{
		"type": "execute", "id": "3",
		"sql": "INSERT INTO users (name) VALUES ('Alice'), ('Bob')",
	})
	readFrame(t, conn, protocol.TypeResult)

	change := readFrame(t, conn, protocol.TypeChange)
	assert.Equal(t, "sub-1", change.ID)
	require.NotNil(t, change.Event)
	assert.Equal(t, "insert", change.Event.Type)
	assert.Equal(t, "users", change.Event.Table)
	assert.Equal(t, "Alice", change.Event.Row["name"])

	sendFrame(t, conn, map[string]any{"type": "unsubscribe", "id": "sub-1"})
	resp = readFrame(t, conn, protocol.TypeUnsubscribed)
	assert.Equal(t, "sub-1", resp.ID)
}

func TestWSTransactionIsRejected(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialWS(t, server.URL, "test")

	sendFrame(t, conn, map[string]any{"type": "transaction", "id": "9"})
	resp := readFrame(t, conn, protocol.TypeError)
	assert.Equal(t, "9", resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeTransport, resp.Error.Code)
}

func TestWSMalformedFrame(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialWS(t, server.URL, "test")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	resp := readFrame(t, conn, protocol.TypeError)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeTransport, resp.Error.Code)
}

func TestWSSessionCleanupOnClose(t *testing.T) {
	server, registry := newTestServer(t)
	db, err := registry.Get("test")
	require.NoError(t, err)

	conn := dialWS(t, server.URL, "test")
	sendFrame(t, conn, map[string]any{"type": "subscribe", "id": "sub-1", "table": "users"})
	readFrame(t, conn, protocol.TypeSubscribed)
	require.Equal(t, 1, db.Subscriptions())

	// Normal client close (1000) tears the session's subscriptions down.
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	require.Eventually(t, func() bool {
		return db.Subscriptions() == 0
	}, 5*time.Second, 10*time.Millisecond, "server must unsubscribe on session close")
}

func TestWSUnknownDatabaseRejectsUpgrade(t *testing.T) {
	server, _ := newTestServer(t)

	wsURL := strings.Replace(server.URL, "http://", "ws://", 1) + "/db/missing"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}
