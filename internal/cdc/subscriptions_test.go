// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: MIT

package cdc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertEvent(seq int64, table string, row map[string]any) ChangeEvent {
	return ChangeEvent{Type: EventInsert, Table: table, Row: row, Seq: seq}
}

func TestDispatchScopesByTableAndFilter(t *testing.T) {
	m := NewManager()

	var alice, all, other []ChangeEvent
	m.Subscribe("users", map[string]any{"name": "Alice"}, func(ev ChangeEvent) { alice = append(alice, ev) })
	m.Subscribe("users", nil, func(ev ChangeEvent) { all = append(all, ev) })
	m.Subscribe("orders", nil, func(ev ChangeEvent) { other = append(other, ev) })

	m.Dispatch([]ChangeEvent{
		insertEvent(1, "users", map[string]any{"id": float64(1), "name": "Alice"}),
		insertEvent(2, "users", map[string]any{"id": float64(2), "name": "Bob"}),
	})

	require.Len(t, alice, 1)
	assert.Equal(t, "Alice", alice[0].Row["name"])
	assert.Len(t, all, 2)
	assert.Empty(t, other, "no events for an unrelated table")
}

func TestFilterMatchesEffectiveRow(t *testing.T) {
	m := NewManager()

	var got []ChangeEvent
	m.Subscribe("users", map[string]any{"name": "Alice"}, func(ev ChangeEvent) { got = append(got, ev) })

	// The update's new image no longer matches: the filter applies to the
	// effective row, which for updates is the new image.
	m.Dispatch([]ChangeEvent{{
		Type:   EventUpdate,
		Table:  "users",
		Row:    map[string]any{"id": float64(1), "name": "Alicia"},
		OldRow: map[string]any{"id": float64(1), "name": "Alice"},
		Seq:    1,
	}})
	assert.Empty(t, got)

	// For deletes the effective row is the old image.
	m.Dispatch([]ChangeEvent{{
		Type:   EventDelete,
		Table:  "users",
		OldRow: map[string]any{"id": float64(1), "name": "Alice"},
		Seq:    2,
	}})
	require.Len(t, got, 1)
	assert.Equal(t, EventDelete, got[0].Type)
}

func TestFilterNumericComparison(t *testing.T) {
	m := NewManager()

	var got []ChangeEvent
	// Filters passed by Go callers may carry int64; journal images decode to
	// float64. Both must match by value.
	m.Subscribe("users", map[string]any{"id": int64(7)}, func(ev ChangeEvent) { got = append(got, ev) })

	m.Dispatch([]ChangeEvent{insertEvent(1, "users", map[string]any{"id": float64(7)})})
	assert.Len(t, got, 1)
}

func TestPanickingCallbackIsIsolated(t *testing.T) {
	m := NewManager()

	var first, second int
	m.Subscribe("users", nil, func(ChangeEvent) {
		first++
		panic("boom")
	})
	m.Subscribe("users", nil, func(ChangeEvent) { second++ })

	m.Dispatch([]ChangeEvent{
		insertEvent(1, "users", map[string]any{"id": float64(1)}),
		insertEvent(2, "users", map[string]any{"id": float64(2)}),
	})

	assert.Equal(t, 2, first, "a panicking callback keeps receiving later events")
	assert.Equal(t, 2, second, "other subscribers are unaffected")
}

func TestUnsubscribeKeepsIndexesConsistent(t *testing.T) {
	m := NewManager()

	var got int
	sub := m.Subscribe("users", nil, func(ChangeEvent) { got++ })
	require.Equal(t, 1, m.Count())

	assert.True(t, m.Unsubscribe(sub.ID))
	assert.False(t, m.Unsubscribe(sub.ID), "second unsubscribe is a no-op")
	assert.Equal(t, 0, m.Count())

	m.Dispatch([]ChangeEvent{insertEvent(1, "users", nil)})
	assert.Equal(t, 0, got, "unsubscribed callbacks receive nothing")
}

func TestStartPollingStopsOnPollError(t *testing.T) {
	polls := make(chan struct{}, 16)
	var fail atomic.Bool

	stop := StartPolling(5*time.Millisecond, func() ([]ChangeEvent, error) {
		polls <- struct{}{}
		if fail.Load() {
			return nil, assert.AnError
		}
		return nil, nil
	}, func([]ChangeEvent) {})
	defer stop()

	// Let a few cycles run, then make the journal "break".
	<-polls
	<-polls
	fail.Store(true)
	<-polls

	// After the failing poll the timer is gone: no further polls arrive.
	time.Sleep(30 * time.Millisecond)
	drained := len(polls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, drained, len(polls), "poller must stop after a poll error")

	// The cancel function is idempotent.
	stop()
	stop()
}
