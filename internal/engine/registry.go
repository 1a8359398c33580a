// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirannon/sirannon/internal/hooks"
)

// ErrDatabaseExists is returned when opening an id that is already live.
var ErrDatabaseExists = errors.New("database id already open")

// ErrDatabaseNotFound is returned for lookups of unknown ids.
var ErrDatabaseNotFound = errors.New("database not found")

// Status is one row of the readiness snapshot.
type Status struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	ReadOnly bool   `json:"readOnly"`
	Closed   bool   `json:"closed"`
}

// Registry hosts every database the server exposes. Closed databases stay
// registered as tombstones so readiness can report them and reopening the id
// is possible.
type Registry struct {
	mu  sync.RWMutex
	dbs map[string]*Database
}

func NewRegistry() *Registry {
	return &Registry{dbs: make(map[string]*Database)}
}

// Open opens a database under opts.ID and registers it. A closed entry under
// the same id is replaced; a live one is an error.
func (r *Registry) Open(ctx context.Context, opts Options, reg *hooks.Registry) (*Database, error) {
	r.mu.Lock()
	if existing, ok := r.dbs[opts.ID]; ok && !existing.Closed() {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDatabaseExists, opts.ID)
	}
	r.mu.Unlock()

	db, err := Open(ctx, opts, reg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.dbs[opts.ID] = db
	r.mu.Unlock()
	return db, nil
}

// Get returns the registered database for id, closed (tombstoned) entries
// included; operations on a tombstone fail with a closed-pool error. Only an
// unknown id yields ErrDatabaseNotFound.
func (r *Registry) Get(id string) (*Database, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	db, ok := r.dbs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, id)
	}
	return db, nil
}

// Close closes the database but keeps its tombstoned descriptor registered.
func (r *Registry) Close(ctx context.Context, id string) error {
	db, err := r.Get(id)
	if err != nil {
		return err
	}
	return db.Close(ctx)
}

// CloseAll closes every live database, joining errors.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	dbs := make([]*Database, 0, len(r.dbs))
	for _, db := range r.dbs {
		dbs = append(dbs, db)
	}
	r.mu.RUnlock()

	var errs []error
	for _, db := range dbs {
		if err := db.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", db.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Databases returns every registered database, tombstones included.
func (r *Registry) Databases() []*Database {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Database, 0, len(r.dbs))
	for _, db := range r.dbs {
		out = append(out, db)
	}
	return out
}

// Snapshot returns the readiness view of every registered database.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.dbs))
	for _, db := range r.dbs {
		out = append(out, Status{
			ID:       db.ID(),
			Path:     db.Path(),
			ReadOnly: db.ReadOnly(),
			Closed:   db.Closed(),
		})
	}
	return out
}
