// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: MIT

package cdc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirannon/sirannon/internal/database"
)

func newTrackedDB(t *testing.T) (*database.Pool, *database.Handle, *Tracker) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "cdc.db")
	pool, err := database.NewPool(context.Background(), dbPath, database.PoolOptions{ReadPoolSize: 1, WALMode: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	w, err := pool.AcquireWriter()
	require.NoError(t, err)

	err = database.ExecScript(context.Background(), w, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	tracker, err := NewTracker(context.Background(), w, TrackerOptions{})
	require.NoError(t, err)
	require.NoError(t, tracker.Watch(context.Background(), w, "users"))

	return pool, w, tracker
}

func TestTrackerEmitsInsertUpdateDelete(t *testing.T) {
	_, w, tracker := newTrackedDB(t)
	ctx := context.Background()

	_, err := database.Execute(ctx, w, "INSERT INTO users (name) VALUES (?)", []any{"Alice"})
	require.NoError(t, err)
	_, err = database.Execute(ctx, w, "UPDATE users SET name = ? WHERE id = ?", []any{"Alicia", int64(1)})
	require.NoError(t, err)
	_, err = database.Execute(ctx, w, "DELETE FROM users WHERE id = ?", []any{int64(1)})
	require.NoError(t, err)

	events, err := tracker.Poll(ctx, w)
	require.NoError(t, err)
	require.Len(t, events, 3)

	insert := events[0]
	assert.Equal(t, EventInsert, insert.Type)
	assert.Equal(t, "users", insert.Table)
	assert.Equal(t, "Alice", insert.Row["name"])
	assert.Nil(t, insert.OldRow, "insert has no before-image")

	update := events[1]
	assert.Equal(t, EventUpdate, update.Type)
	assert.Equal(t, "Alice", update.OldRow["name"])
	assert.Equal(t, "Alicia", update.Row["name"])

	del := events[2]
	assert.Equal(t, EventDelete, del.Type)
	assert.Nil(t, del.Row, "delete has no after-image")
	assert.Equal(t, "Alicia", del.OldRow["name"])

	// seq is strictly increasing.
	assert.Less(t, insert.Seq, update.Seq)
	assert.Less(t, update.Seq, del.Seq)
	assert.Positive(t, insert.Timestamp)
}

func TestTrackerHighWaterMarkSkipsHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cdc.db")
	pool, err := database.NewPool(context.Background(), dbPath, database.PoolOptions{ReadPoolSize: 1, WALMode: true})
	require.NoError(t, err)
	defer pool.Close()

	w, err := pool.AcquireWriter()
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, database.ExecScript(ctx, w, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`))

	first, err := NewTracker(ctx, w, TrackerOptions{})
	require.NoError(t, err)
	require.NoError(t, first.Watch(ctx, w, "users"))

	_, err = database.Execute(ctx, w, "INSERT INTO users (name) VALUES (?)", []any{"old"})
	require.NoError(t, err)

	// A tracker built now starts above the existing journal rows.
	second, err := NewTracker(ctx, w, TrackerOptions{})
	require.NoError(t, err)

	events, err := second.Poll(ctx, w)
	require.NoError(t, err)
	assert.Empty(t, events, "historical changes must not replay")

	_, err = database.Execute(ctx, w, "INSERT INTO users (name) VALUES (?)", []any{"new"})
	require.NoError(t, err)

	events, err = second.Poll(ctx, w)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].Row["name"])
}

func TestTrackerSkipsPoisonRow(t *testing.T) {
	_, w, tracker := newTrackedDB(t)
	ctx := context.Background()

	// A malformed journal row must not halt the stream.
	err := database.ExecScript(ctx, w,
		`INSERT INTO _sirannon_changes (table_name, operation, row_id, new_data) VALUES ('users', 'INSERT', 1, 'not json')`)
	require.NoError(t, err)

	_, err = database.Execute(ctx, w, "INSERT INTO users (name) VALUES (?)", []any{"Alice"})
	require.NoError(t, err)

	events, err := tracker.Poll(ctx, w)
	require.NoError(t, err)
	require.Len(t, events, 1, "poison row is skipped, later rows still deliver")
	assert.Equal(t, "Alice", events[0].Row["name"])

	events, err = tracker.Poll(ctx, w)
	require.NoError(t, err)
	assert.Empty(t, events, "seq advanced past the poison row")
}

func TestTrackerMultiColumnPrimaryKeyRowID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cdc.db")
	pool, err := database.NewPool(context.Background(), dbPath, database.PoolOptions{ReadPoolSize: 1, WALMode: true})
	require.NoError(t, err)
	defer pool.Close()

	w, err := pool.AcquireWriter()
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, database.ExecScript(ctx, w, `
		CREATE TABLE memberships (
			org TEXT NOT NULL,
			user TEXT NOT NULL,
			role TEXT,
			PRIMARY KEY (org, user)
		)
	`))

	tracker, err := NewTracker(ctx, w, TrackerOptions{})
	require.NoError(t, err)
	require.NoError(t, tracker.Watch(ctx, w, "memberships"))

	_, err = database.Execute(ctx, w, "INSERT INTO memberships (org, user, role) VALUES (?, ?, ?)",
		[]any{"acme", "alice", "admin"})
	require.NoError(t, err)

	row, err := database.QueryOne(ctx, w, "SELECT row_id FROM _sirannon_changes ORDER BY seq DESC LIMIT 1", nil)
	require.NoError(t, err)
	assert.Equal(t, "acme|alice", row["row_id"], "multi-column keys concatenate with the pipe delimiter")
}

func TestTrackerWatchIsIdempotent(t *testing.T) {
	_, w, tracker := newTrackedDB(t)
	ctx := context.Background()

	require.NoError(t, tracker.Watch(ctx, w, "users"))
	require.True(t, tracker.Watched("users"))

	_, err := database.Execute(ctx, w, "INSERT INTO users (name) VALUES (?)", []any{"Alice"})
	require.NoError(t, err)

	events, err := tracker.Poll(ctx, w)
	require.NoError(t, err)
	assert.Len(t, events, 1, "double Watch must not double the triggers")
}
