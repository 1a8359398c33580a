// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package engine composes the connection pool, executor, change tracker,
// subscription manager and hook registry into the per-database facade the
// transports talk to.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sirannon/sirannon/internal/cdc"
	"github.com/sirannon/sirannon/internal/database"
	"github.com/sirannon/sirannon/internal/hooks"
)

const defaultPollInterval = 100 * time.Millisecond

// Options describes one database to open.
type Options struct {
	ID           string
	Path         string
	ReadOnly     bool
	ReadPoolSize int
	WALMode      bool

	PollInterval time.Duration
	CDC          cdc.TrackerOptions

	// OnDispatch, when set, observes the size of every dispatched CDC
	// batch (metrics).
	OnDispatch func(count int)
}

// Database is the per-database facade. All writes funnel through the pool's
// single writer handle; reads round-robin across the reader handles.
type Database struct {
	id       string
	path     string
	readOnly bool

	pool    *database.Pool
	tracker *cdc.Tracker
	subs    *cdc.Manager
	hooks   *hooks.Registry

	pollInterval time.Duration
	pollOnce     sync.Once
	stopPolling  atomic.Value // func()
	onDispatch   func(count int)

	closeOnce sync.Once
	closeErr  error
}

// Open fires beforeConnect (veto via error), builds the pool and tracker and
// fires databaseOpen. Read-only databases carry no tracker: triggers cannot
// fire on them and subscribe is rejected.
func Open(ctx context.Context, opts Options, reg *hooks.Registry) (*Database, error) {
	if reg == nil {
		reg = hooks.NewRegistry(nil)
	}

	if err := reg.Invoke(ctx, hooks.BeforeConnect, hooks.Payload{Database: opts.ID, Path: opts.Path}); err != nil {
		return nil, err
	}

	pool, err := database.NewPool(ctx, opts.Path, database.PoolOptions{
		ReadOnly:     opts.ReadOnly,
		ReadPoolSize: opts.ReadPoolSize,
		WALMode:      opts.WALMode,
	})
	if err != nil {
		return nil, err
	}

	db := &Database{
		id:           opts.ID,
		path:         opts.Path,
		readOnly:     opts.ReadOnly,
		pool:         pool,
		subs:         cdc.NewManager(),
		hooks:        reg,
		pollInterval: opts.PollInterval,
		onDispatch:   opts.OnDispatch,
	}
	if db.pollInterval <= 0 {
		db.pollInterval = defaultPollInterval
	}

	if !opts.ReadOnly {
		w, err := pool.AcquireWriter()
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		tracker, err := cdc.NewTracker(ctx, w, opts.CDC)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		db.tracker = tracker
	}

	if err := reg.Invoke(ctx, hooks.DatabaseOpen, hooks.Payload{Database: opts.ID, Path: opts.Path}); err != nil {
		_ = pool.Close()
		return nil, err
	}

	log.Info().Str("database", opts.ID).Str("path", opts.Path).Bool("readOnly", opts.ReadOnly).Msg("database open")
	return db, nil
}

// ID returns the database identity.
func (db *Database) ID() string { return db.id }

// Path returns the database file path.
func (db *Database) Path() string { return db.path }

// ReadOnly reports whether the database was opened without a writer.
func (db *Database) ReadOnly() bool { return db.readOnly }

// Closed reports whether Close has been called.
func (db *Database) Closed() bool { return db.pool.Closed() }

// Hooks exposes the registry so embedders can attach observers after open.
func (db *Database) Hooks() *hooks.Registry { return db.hooks }

// Subscriptions returns the live subscription count.
func (db *Database) Subscriptions() int { return db.subs.Count() }

// Readers returns the reader handle count.
func (db *Database) Readers() int { return db.pool.Readers() }

// Query fires beforeQuery, runs the statement on the next reader and fires
// afterQuery with the observed duration.
func (db *Database) Query(ctx context.Context, query string, params []any) ([]map[string]any, error) {
	if err := db.hooks.Invoke(ctx, hooks.BeforeQuery, hooks.Payload{Database: db.id, SQL: query, Params: params}); err != nil {
		return nil, err
	}

	h, err := db.pool.AcquireReader()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := database.Query(ctx, h, query, params)
	if err != nil {
		return nil, err
	}

	if err := db.hooks.Invoke(ctx, hooks.AfterQuery, hooks.Payload{Database: db.id, SQL: query, Params: params, Duration: time.Since(start)}); err != nil {
		return nil, err
	}
	return rows, nil
}

// QueryOne returns the first row or nil.
func (db *Database) QueryOne(ctx context.Context, query string, params []any) (map[string]any, error) {
	rows, err := db.Query(ctx, query, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Execute fires beforeQuery, runs the write on the single writer and fires
// afterQuery with the observed duration.
func (db *Database) Execute(ctx context.Context, query string, params []any) (*database.ExecResult, error) {
	if err := db.hooks.Invoke(ctx, hooks.BeforeQuery, hooks.Payload{Database: db.id, SQL: query, Params: params}); err != nil {
		return nil, err
	}

	w, err := db.pool.AcquireWriter()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := database.Execute(ctx, w, query, params)
	if err != nil {
		return nil, err
	}

	if err := db.hooks.Invoke(ctx, hooks.AfterQuery, hooks.Payload{Database: db.id, SQL: query, Params: params, Duration: time.Since(start)}); err != nil {
		return nil, err
	}
	return res, nil
}

// Transaction runs the statements atomically on the writer and returns
// per-statement results. Any failure rolls back and propagates.
func (db *Database) Transaction(ctx context.Context, stmts []database.Statement) ([]database.ExecResult, error) {
	w, err := db.pool.AcquireWriter()
	if err != nil {
		return nil, err
	}
	return database.ExecuteTransaction(ctx, w, stmts)
}

// Subscribe fires beforeSubscribe (deny via error), installs CDC triggers on
// the table if not already installed, registers the subscription and lazily
// starts the poll loop.
func (db *Database) Subscribe(ctx context.Context, table string, filter map[string]any, fn cdc.Callback) (*cdc.Subscription, error) {
	if err := db.hooks.Invoke(ctx, hooks.BeforeSubscribe, hooks.Payload{Database: db.id, Table: table, Filter: filter}); err != nil {
		return nil, err
	}

	if db.tracker == nil {
		return nil, &database.ConnectionPoolError{Message: "subscribe", Err: database.ErrReadOnly}
	}

	w, err := db.pool.AcquireWriter()
	if err != nil {
		return nil, err
	}
	if err := db.tracker.Watch(ctx, w, table); err != nil {
		return nil, err
	}

	sub := db.subs.Subscribe(table, filter, fn)
	db.ensurePolling()
	return sub, nil
}

// Unsubscribe removes a subscription by id.
func (db *Database) Unsubscribe(id int64) bool {
	return db.subs.Unsubscribe(id)
}

func (db *Database) ensurePolling() {
	db.pollOnce.Do(func() {
		stop := cdc.StartPolling(db.pollInterval, db.pollChanges, func(events []cdc.ChangeEvent) {
			db.subs.Dispatch(events)
			if db.onDispatch != nil {
				db.onDispatch(len(events))
			}
		})
		db.stopPolling.Store(stop)
	})
}

// pollChanges drains the journal through a reader and prunes expired rows
// through the writer, once per cycle.
func (db *Database) pollChanges() ([]cdc.ChangeEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h, err := db.pool.AcquireReader()
	if err != nil {
		return nil, err
	}
	events, err := db.tracker.Poll(ctx, h)
	if err != nil {
		return nil, err
	}

	if w, err := db.pool.AcquireWriter(); err == nil {
		if err := db.tracker.Prune(ctx, w); err != nil {
			log.Warn().Err(err).Str("database", db.id).Msg("journal prune failed")
		}
	}

	return events, nil
}

// Migrate applies pending migrations from dir on the writer.
func (db *Database) Migrate(ctx context.Context, dir string) (*database.MigrationResult, error) {
	w, err := db.pool.AcquireWriter()
	if err != nil {
		return nil, err
	}
	return database.RunMigrations(ctx, w, dir)
}

// VacuumInto writes a consistent copy of the database to dest via VACUUM
// INTO. The destination must not exist.
func (db *Database) VacuumInto(ctx context.Context, dest string) error {
	w, err := db.pool.AcquireWriter()
	if err != nil {
		return err
	}
	escaped := strings.ReplaceAll(dest, "'", "''")
	return database.ExecScript(ctx, w, fmt.Sprintf("VACUUM INTO '%s'", escaped))
}

// Close cancels polling, closes the pool and fires databaseClose. Idempotent:
// later calls return the first result, and the descriptor stays tombstoned so
// operations fail with a closed-pool error.
func (db *Database) Close(ctx context.Context) error {
	db.closeOnce.Do(func() {
		if stop, ok := db.stopPolling.Load().(func()); ok && stop != nil {
			stop()
		}

		db.closeErr = db.pool.Close()

		if err := db.hooks.Invoke(ctx, hooks.DatabaseClose, hooks.Payload{Database: db.id, Path: db.path}); err != nil && db.closeErr == nil {
			db.closeErr = err
		}

		log.Info().Str("database", db.id).Msg("database closed")
	})
	return db.closeErr
}
