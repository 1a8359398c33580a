// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package cdc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Callback receives matched change events. A panicking callback is isolated:
// it cannot block delivery to other subscribers or to itself on later events.
type Callback func(ChangeEvent)

// Subscription binds a table and an optional equality filter to a callback.
type Subscription struct {
	ID     int64
	Table  string
	Filter map[string]any

	fn Callback
}

// Manager indexes subscriptions by id and by table and fans polled events out
// to every matching callback.
type Manager struct {
	nextID atomic.Int64

	mu      sync.RWMutex
	subs    map[int64]*Subscription
	byTable map[string]map[int64]struct{}
}

func NewManager() *Manager {
	return &Manager{
		subs:    make(map[int64]*Subscription),
		byTable: make(map[string]map[int64]struct{}),
	}
}

// Subscribe registers a callback for events on table. A nil or empty filter
// matches every event on the table.
func (m *Manager) Subscribe(table string, filter map[string]any, fn Callback) *Subscription {
	sub := &Subscription{
		ID:     m.nextID.Add(1),
		Table:  table,
		Filter: filter,
		fn:     fn,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs[sub.ID] = sub
	set, ok := m.byTable[table]
	if !ok {
		set = make(map[int64]struct{})
		m.byTable[table] = set
	}
	set[sub.ID] = struct{}{}

	return sub
}

// Unsubscribe removes a subscription from both indexes. It reports whether
// the id was known.
func (m *Manager) Unsubscribe(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return false
	}
	delete(m.subs, id)

	if set, ok := m.byTable[sub.Table]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byTable, sub.Table)
		}
	}
	return true
}

// Count returns the number of live subscriptions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Dispatch delivers events in the order given (the poll batch is already in
// seq order and is not reordered here).
func (m *Manager) Dispatch(events []ChangeEvent) {
	for _, ev := range events {
		m.dispatchOne(ev)
	}
}

func (m *Manager) dispatchOne(ev ChangeEvent) {
	m.mu.RLock()
	set, ok := m.byTable[ev.Table]
	if !ok {
		m.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(set))
	for id := range set {
		if sub, ok := m.subs[id]; ok {
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	row := ev.EffectiveRow()
	for _, sub := range targets {
		if !matchesFilter(sub.Filter, row) {
			continue
		}
		deliver(sub, ev)
	}
}

func deliver(sub *Subscription, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int64("subscription", sub.ID).
				Str("table", sub.Table).
				Interface("panic", r).
				Msg("subscription callback panicked")
		}
	}()
	sub.fn(ev)
}

// matchesFilter requires every filter entry to equal-match the effective row.
func matchesFilter(filter map[string]any, row map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	if row == nil {
		return false
	}
	for k, want := range filter {
		got, ok := row[k]
		if !ok || !valuesEqual(want, got) {
			return false
		}
	}
	return true
}

// valuesEqual compares SQLite values against filter literals. Journal images
// decode through encoding/json (numbers become float64) while filters may
// carry int64 or float64, so numerics compare by value.
func valuesEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// StartPolling spawns a recurring timer that polls for changes and dispatches
// them. A poll error stops the timer: the journal is considered broken.
// Dispatch never errors; callback failures are isolated in deliver. The
// returned cancel function halts the timer and is idempotent.
func StartPolling(interval time.Duration, poll func() ([]ChangeEvent, error), dispatch func([]ChangeEvent)) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				events, err := poll()
				if err != nil {
					log.Error().Err(err).Msg("change polling failed, stopping poller")
					return
				}
				if len(events) > 0 {
					dispatch(events)
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}
