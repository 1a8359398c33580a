// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirannon/sirannon/internal/api"
	"github.com/sirannon/sirannon/internal/domain"
	"github.com/sirannon/sirannon/internal/engine"
	"github.com/sirannon/sirannon/internal/protocol"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	registry := engine.NewRegistry()
	db, err := registry.Open(context.Background(), engine.Options{
		ID:           "app",
		Path:         filepath.Join(t.TempDir(), "app.db"),
		ReadPoolSize: 2,
		WALMode:      true,
		PollInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.CloseAll(context.Background()) })

	_, err = db.Execute(context.Background(), "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)", nil)
	require.NoError(t, err)

	server := httptest.NewServer(api.NewRouter(&api.Dependencies{
		Config:   &domain.Config{},
		Registry: registry,
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, server *httptest.Server, opts Options) *Client {
	t.Helper()

	c, err := New(context.Background(), server.URL, "app", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientQueryAndExecute(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server, Options{})

	res, err := c.Execute(context.Background(), "INSERT INTO users (name) VALUES (?)", []any{"Alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Changes)
	assert.Equal(t, int64(1), res.LastInsertRowID)

	rows, err := c.Query(context.Background(), "SELECT name FROM users WHERE id = ?", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0]["name"])
}

func TestClientBigIntRoundTrip(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server, Options{})

	const big = int64(9007199254740993) // 2^53 + 1, not representable in float64

	res, err := c.Execute(context.Background(),
		"INSERT INTO users (id, name) VALUES (?, ?)", []any{big, "Huge"})
	require.NoError(t, err)
	assert.Equal(t, big, res.LastInsertRowID, "rowid must survive the wire exactly")
}

func TestClientSubscribeReceivesChanges(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server, Options{})

	events := make(chan ChangeEvent, 8)
	id, err := c.Subscribe(context.Background(), "users", map[string]any{"name": "Alice"}, func(ev ChangeEvent) {
		events <- ev
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = c.Execute(context.Background(), "INSERT INTO users (name) VALUES ('Alice'), ('Bob')", nil)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "insert", ev.Type)
		assert.Equal(t, "users", ev.Table)
		assert.Equal(t, "Alice", ev.Row["name"])
		assert.Positive(t, ev.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change event")
	}

	require.NoError(t, c.Unsubscribe(context.Background(), id))
}

func TestClientReconnectRestoresSubscriptions(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server, Options{ReconnectInterval: 50 * time.Millisecond})

	events := make(chan ChangeEvent, 32)
	id, err := c.Subscribe(context.Background(), "users", map[string]any{"name": "Alice"}, func(ev ChangeEvent) {
		events <- ev
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Drop the transport out from under the client; the read loop notices
	// and the restore sequence re-subscribes with the same id and filter.
	c.connMu.Lock()
	dropped := c.conn
	c.connMu.Unlock()
	require.NoError(t, dropped.Close())

	// Writes go over a separate HTTP client so they do not depend on the
	// reconnecting transport. Once the subscription is restored, an insert
	// reaches the original callback again.
	writer := newTestClient(t, server, Options{Transport: TransportHTTP})

	received := false
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_, err := writer.Execute(context.Background(), "INSERT INTO users (name) VALUES (?)", "Alice")
		require.NoError(t, err)

		select {
		case ev := <-events:
			assert.Equal(t, "insert", ev.Type)
			assert.Equal(t, "Alice", ev.Row["name"])
			received = true
		case <-time.After(500 * time.Millisecond):
		}
		if received {
			break
		}
	}
	require.True(t, received, "subscription must survive a reconnect")
}

func TestClientTransactionIsHTTPOnly(t *testing.T) {
	server := newTestServer(t)

	ws := newTestClient(t, server, Options{})
	_, err := ws.Transaction(context.Background(), []Statement{{SQL: "SELECT 1"}})
	var wireErr *Error
	require.True(t, errors.As(err, &wireErr))
	assert.Equal(t, protocol.CodeTransport, wireErr.Code)

	httpClient := newTestClient(t, server, Options{Transport: TransportHTTP})
	results, err := httpClient.Transaction(context.Background(), []Statement{
		{SQL: "INSERT INTO users (name) VALUES (?)", Params: []any{"Alice"}},
		{SQL: "INSERT INTO users (name) VALUES (?)", Params: []any{"Bob"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[1].LastInsertRowID)
}

func TestClientHTTPTransportQuery(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server, Options{Transport: TransportHTTP})

	_, err := c.Execute(context.Background(), "INSERT INTO users (name) VALUES (?)", "Alice")
	require.NoError(t, err)

	rows, err := c.Query(context.Background(), "SELECT name FROM users", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0]["name"])

	// Subscriptions need the websocket transport.
	_, err = c.Subscribe(context.Background(), "users", nil, func(ChangeEvent) {})
	var wireErr *Error
	require.True(t, errors.As(err, &wireErr))
	assert.Equal(t, protocol.CodeTransport, wireErr.Code)
}

func TestClientServerSideErrorsSurface(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server, Options{})

	_, err := c.Query(context.Background(), "SELECT nope FROM users", nil)
	var wireErr *Error
	require.True(t, errors.As(err, &wireErr))
	assert.Equal(t, "QUERY_ERROR", wireErr.Code)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server, Options{})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Query(context.Background(), "SELECT 1", nil)
	require.Error(t, err)
}
