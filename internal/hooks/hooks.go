// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hooks lets embedders observe and veto engine operations. Handlers
// fire in registration order; an invocation iterates the handler list as it
// was at entry, and a handler error aborts the chain and propagates — which
// is how before-hooks deny an operation.
package hooks

import (
	"context"
	"sync"
	"time"
)

// Event names the points the engine exposes.
type Event string

const (
	BeforeQuery     Event = "beforeQuery"
	AfterQuery      Event = "afterQuery"
	BeforeConnect   Event = "beforeConnect"
	DatabaseOpen    Event = "databaseOpen"
	DatabaseClose   Event = "databaseClose"
	BeforeSubscribe Event = "beforeSubscribe"
)

// Payload carries the fields relevant to the firing event. Query events set
// Database/SQL/Params (AfterQuery adds Duration); subscribe events set
// Database/Table/Filter; lifecycle events set Database and Path.
type Payload struct {
	Database string
	Path     string
	SQL      string
	Params   []any
	Table    string
	Filter   map[string]any
	Duration time.Duration
}

// Handler observes an event. Returning an error vetoes the pending operation
// for beforeX events and propagates to the caller for the rest.
type Handler func(ctx context.Context, p Payload) error

type registration struct {
	fn Handler
}

// Registry maps event names to ordered handler chains.
type Registry struct {
	mu       sync.Mutex
	handlers map[Event][]*registration
}

// Config maps configuration keys to initial handlers, registered in field
// order at construction.
type Config struct {
	OnBeforeQuery     []Handler
	OnAfterQuery      []Handler
	OnBeforeConnect   []Handler
	OnDatabaseOpen    []Handler
	OnDatabaseClose   []Handler
	OnBeforeSubscribe []Handler
}

func NewRegistry(cfg *Config) *Registry {
	r := &Registry{handlers: make(map[Event][]*registration)}
	if cfg == nil {
		return r
	}
	for _, binding := range []struct {
		event    Event
		handlers []Handler
	}{
		{BeforeQuery, cfg.OnBeforeQuery},
		{AfterQuery, cfg.OnAfterQuery},
		{BeforeConnect, cfg.OnBeforeConnect},
		{DatabaseOpen, cfg.OnDatabaseOpen},
		{DatabaseClose, cfg.OnDatabaseClose},
		{BeforeSubscribe, cfg.OnBeforeSubscribe},
	} {
		for _, h := range binding.handlers {
			r.On(binding.event, h)
		}
	}
	return r
}

// On appends a handler to the event's chain and returns an idempotent dispose
// function. Registering the same function twice records two independent
// entries; one dispose removes one entry.
func (r *Registry) On(event Event, fn Handler) (dispose func()) {
	reg := &registration{fn: fn}

	r.mu.Lock()
	r.handlers[event] = append(r.handlers[event], reg)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			chain := r.handlers[event]
			for i, cand := range chain {
				if cand == reg {
					r.handlers[event] = append(chain[:i:i], chain[i+1:]...)
					break
				}
			}
		})
	}
}

// Invoke runs the event's handlers sequentially, awaiting each before the
// next. The chain is snapshotted once at entry: handlers registered during
// the call do not fire this cycle, and a handler disposed during the call
// still runs if it had not been reached yet. The first handler error aborts
// the chain and propagates.
func (r *Registry) Invoke(ctx context.Context, event Event, p Payload) error {
	r.mu.Lock()
	snapshot := make([]*registration, len(r.handlers[event]))
	copy(snapshot, r.handlers[event])
	r.mu.Unlock()

	for _, reg := range snapshot {
		if err := reg.fn(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of handlers currently registered for event.
func (r *Registry) Count(event Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[event])
}

// Clear removes all handlers for the given events, or every handler when
// called without arguments.
func (r *Registry) Clear(events ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(events) == 0 {
		r.handlers = make(map[Event][]*registration)
		return
	}
	for _, event := range events {
		delete(r.handlers, event)
	}
}
