// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"errors"
	"fmt"
)

// Machine codes carried over the wire for each error kind.
const (
	CodeConnectionPool = "CONNECTION_POOL_ERROR"
	CodeQuery          = "QUERY_ERROR"
	CodeMigration      = "MIGRATION_ERROR"
	CodeBackup         = "BACKUP_ERROR"
)

// Coder is implemented by errors that map to a wire-level machine code.
type Coder interface {
	Code() string
}

var (
	// ErrPoolClosed is returned on any acquisition after Close.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrReadOnly is returned when a writer is requested from a read-only pool.
	ErrReadOnly = errors.New("pool is read-only, no writer available")
)

// ConnectionPoolError covers open failures, acquisition from a closed pool and
// writer acquisition on a read-only pool.
type ConnectionPoolError struct {
	Message string
	Err     error
}

func (e *ConnectionPoolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection pool: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("connection pool: %s", e.Message)
}

func (e *ConnectionPoolError) Unwrap() error { return e.Err }

func (e *ConnectionPoolError) Code() string { return CodeConnectionPool }

// QueryError wraps a SQL engine failure with the offending statement attached.
type QueryError struct {
	SQL string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v (sql: %s)", e.Err, e.SQL)
}

func (e *QueryError) Unwrap() error { return e.Err }

func (e *QueryError) Code() string { return CodeQuery }

func wrapQueryError(query string, err error) error {
	if err == nil {
		return nil
	}
	return &QueryError{SQL: query, Err: err}
}

// MigrationError reports a failure while scanning or applying migrations.
// Version is -1 when the failure is not tied to a specific migration.
type MigrationError struct {
	Version int64
	Message string
	Err     error
}

func (e *MigrationError) Error() string {
	if e.Version >= 0 {
		return fmt.Sprintf("migration %d: %s", e.Version, e.message())
	}
	return fmt.Sprintf("migration: %s", e.message())
}

func (e *MigrationError) message() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *MigrationError) Unwrap() error { return e.Err }

func (e *MigrationError) Code() string { return CodeMigration }

// BackupError reports a failed backup attempt.
type BackupError struct {
	Path    string
	Message string
	Err     error
}

func (e *BackupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backup %s: %s: %v", e.Path, e.Message, e.Err)
	}
	return fmt.Sprintf("backup %s: %s", e.Path, e.Message)
}

func (e *BackupError) Unwrap() error { return e.Err }

func (e *BackupError) Code() string { return CodeBackup }

// ErrorCode resolves the machine code for err, falling back to the generic
// query code for anything the taxonomy does not name.
func ErrorCode(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeQuery
}
