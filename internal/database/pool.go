// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database provides the SQLite connection pool, query executor and
// migration runner. Each database keeps one dedicated writer connection plus
// a small pool of read-only connections so WAL mode can serve readers
// concurrently with the single writer.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	stmtCacheSize            = 128
	defaultBusyTimeout       = 5 * time.Second
	defaultBusyTimeoutMillis = int(defaultBusyTimeout / time.Millisecond)
	connectionSetupTimeout   = 5 * time.Second
)

// PoolOptions configures a connection pool. ReadPoolSize is clamped to at
// least one; the configuration layer supplies the default of four.
type PoolOptions struct {
	ReadOnly     bool
	ReadPoolSize int
	WALMode      bool
}

// Handle is a single SQLite connection with its prepared-statement cache.
// A handle serves one call at a time; the executor locks it for the duration
// of each operation.
type Handle struct {
	conn  *sql.Conn
	mu    sync.Mutex
	stmts *lru.Cache[string, *sql.Stmt]
}

func newHandle(conn *sql.Conn) (*Handle, error) {
	stmts, err := lru.NewWithEvict[string, *sql.Stmt](stmtCacheSize, func(_ string, s *sql.Stmt) {
		if s != nil {
			_ = s.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	return &Handle{conn: conn, stmts: stmts}, nil
}

// getStmt returns a cached prepared statement for query, compiling and
// inserting it on a miss. Access order drives eviction: a hit refreshes the
// entry, an insert past capacity closes the least recently used statement.
func (h *Handle) getStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if s, ok := h.stmts.Get(query); ok && s != nil {
		return s, nil
	}
	s, err := h.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	h.stmts.Add(query, s)
	return s, nil
}

func (h *Handle) close() error {
	h.stmts.Purge()
	return h.conn.Close()
}

// Pool owns one writer handle (absent when read-only) and an ordered set of
// reader handles over a single database file. Readers are selected by
// round-robin; the writer is unique for the lifetime of the pool.
type Pool struct {
	path    string
	db      *sql.DB
	writer  *Handle
	readers []*Handle

	next      atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	readOnly bool
	walMode  bool
}

// NewPool opens the writer first (unless read-only), then the readers. If any
// open fails partway, previously opened handles are closed best-effort and
// the original error propagates.
func NewPool(ctx context.Context, path string, opts PoolOptions) (*Pool, error) {
	readPoolSize := opts.ReadPoolSize
	if readPoolSize < 1 {
		readPoolSize = 1
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &ConnectionPoolError{Message: fmt.Sprintf("open %s", path), Err: err}
	}

	maxConns := readPoolSize
	if !opts.ReadOnly {
		maxConns++
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)

	p := &Pool{
		path:     path,
		db:       db,
		readOnly: opts.ReadOnly,
		walMode:  opts.WALMode,
	}

	if err := p.openHandles(ctx, readPoolSize); err != nil {
		p.closeHandlesBestEffort()
		_ = db.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Int("readers", readPoolSize).Bool("readOnly", opts.ReadOnly).Msg("connection pool ready")
	return p, nil
}

func (p *Pool) openHandles(ctx context.Context, readPoolSize int) error {
	setupCtx, cancel := context.WithTimeout(ctx, connectionSetupTimeout)
	defer cancel()

	if !p.readOnly {
		w, err := p.openHandle(setupCtx, true)
		if err != nil {
			return &ConnectionPoolError{Message: "open writer", Err: err}
		}
		p.writer = w
	}

	for i := 0; i < readPoolSize; i++ {
		r, err := p.openHandle(setupCtx, false)
		if err != nil {
			return &ConnectionPoolError{Message: fmt.Sprintf("open reader %d", i), Err: err}
		}
		p.readers = append(p.readers, r)
	}

	return nil
}

func (p *Pool) openHandle(ctx context.Context, writer bool) (*Handle, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	h, err := newHandle(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := p.applyPragmas(ctx, h, writer); err != nil {
		_ = h.close()
		return nil, err
	}

	return h, nil
}

// applyPragmas configures a fresh connection. Every handle gets foreign keys
// and a busy timeout; the writer additionally gets WAL journaling (when
// enabled) and relaxed synchronous mode, readers are pinned query-only.
func (p *Pool) applyPragmas(ctx context.Context, h *Handle, writer bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeoutMillis),
	}
	if writer {
		if p.walMode {
			pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
		}
		pragmas = append(pragmas, "PRAGMA synchronous = NORMAL")
	} else {
		// Readers must never slip a write past the single-writer funnel.
		pragmas = append(pragmas, "PRAGMA query_only = ON")
	}

	for _, pragma := range pragmas {
		if _, err := h.conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply connection pragma %q: %w", pragma, err)
		}
	}

	return nil
}

func (p *Pool) closeHandlesBestEffort() {
	for _, r := range p.readers {
		_ = r.close()
	}
	if p.writer != nil {
		_ = p.writer.close()
	}
}

// AcquireReader returns the next reader handle by round-robin.
func (p *Pool) AcquireReader() (*Handle, error) {
	if p.closed.Load() {
		return nil, &ConnectionPoolError{Message: "acquire reader", Err: ErrPoolClosed}
	}
	idx := p.next.Add(1) - 1
	return p.readers[int(idx%uint64(len(p.readers)))], nil
}

// AcquireWriter returns the single writer handle.
func (p *Pool) AcquireWriter() (*Handle, error) {
	if p.closed.Load() {
		return nil, &ConnectionPoolError{Message: "acquire writer", Err: ErrPoolClosed}
	}
	if p.readOnly {
		return nil, &ConnectionPoolError{Message: "acquire writer", Err: ErrReadOnly}
	}
	return p.writer, nil
}

// ReadOnly reports whether the pool was opened without a writer.
func (p *Pool) ReadOnly() bool { return p.readOnly }

// Readers returns the number of reader handles.
func (p *Pool) Readers() int { return len(p.readers) }

// Path returns the database file path the pool was opened with.
func (p *Pool) Path() string { return p.path }

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool { return p.closed.Load() }

// Close closes every reader and then the writer, accumulating errors into a
// single aggregate report. It is idempotent; repeated calls return the result
// of the first.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)

		var errs []error
		for i, r := range p.readers {
			if err := r.close(); err != nil {
				errs = append(errs, fmt.Errorf("reader %d: %w", i, err))
			}
		}
		if p.writer != nil {
			if err := p.writer.close(); err != nil {
				errs = append(errs, fmt.Errorf("writer: %w", err))
			}
		}
		if err := p.db.Close(); err != nil {
			errs = append(errs, err)
		}

		if len(errs) > 0 {
			p.closeErr = &ConnectionPoolError{
				Message: fmt.Sprintf("close completed with %d errors", len(errs)),
				Err:     errors.Join(errs...),
			}
		}
	})

	return p.closeErr
}
