// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
)

// ExecResult reports the outcome of a single write statement.
type ExecResult struct {
	Changes         int64
	LastInsertRowID int64
}

// Statement pairs a SQL string with its bound parameters.
type Statement struct {
	SQL    string
	Params []any
}

// Query runs a read statement on the given handle and returns every row as a
// column-name keyed map. The handle is held exclusively for the duration of
// the call.
func Query(ctx context.Context, h *Handle, query string, params []any) ([]map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stmt, err := h.getStmt(ctx, query)
	if err != nil {
		return nil, wrapQueryError(query, err)
	}

	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, wrapQueryError(query, err)
	}
	defer rows.Close()

	out, err := scanAll(rows)
	if err != nil {
		return nil, wrapQueryError(query, err)
	}
	return out, nil
}

// QueryOne returns the first row of a query, or nil when it matches nothing.
func QueryOne(ctx context.Context, h *Handle, query string, params []any) (map[string]any, error) {
	rows, err := Query(ctx, h, query, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Execute runs a write statement on the given handle.
func Execute(ctx context.Context, h *Handle, query string, params []any) (*ExecResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return execLocked(ctx, h, query, params)
}

func execLocked(ctx context.Context, h *Handle, query string, params []any) (*ExecResult, error) {
	stmt, err := h.getStmt(ctx, query)
	if err != nil {
		return nil, wrapQueryError(query, err)
	}

	res, err := stmt.ExecContext(ctx, params...)
	if err != nil {
		return nil, wrapQueryError(query, err)
	}
	return execResult(query, res)
}

// ExecuteBatch runs one statement over a sequence of parameter tuples inside
// a single transaction and returns per-tuple results. Any failure rolls the
// whole batch back.
func ExecuteBatch(ctx context.Context, h *Handle, query string, paramSets [][]any) ([]ExecResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tx, err := h.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapQueryError(query, err)
	}
	defer tx.Rollback()

	stmt, err := h.getStmt(ctx, query)
	if err != nil {
		return nil, wrapQueryError(query, err)
	}
	txStmt := tx.StmtContext(ctx, stmt)
	defer txStmt.Close()

	results := make([]ExecResult, 0, len(paramSets))
	for _, params := range paramSets {
		res, err := txStmt.ExecContext(ctx, params...)
		if err != nil {
			return nil, wrapQueryError(query, err)
		}
		r, err := execResult(query, res)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapQueryError(query, err)
	}
	return results, nil
}

// ExecuteTransaction runs heterogeneous statements atomically and returns
// per-statement results. Any failure rolls back and propagates with the
// failing statement attached.
func ExecuteTransaction(ctx context.Context, h *Handle, stmts []Statement) ([]ExecResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tx, err := h.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapQueryError("BEGIN", err)
	}
	defer tx.Rollback()

	results := make([]ExecResult, 0, len(stmts))
	for _, st := range stmts {
		stmt, err := h.getStmt(ctx, st.SQL)
		if err != nil {
			return nil, wrapQueryError(st.SQL, err)
		}
		txStmt := tx.StmtContext(ctx, stmt)
		res, err := txStmt.ExecContext(ctx, st.Params...)
		txStmt.Close()
		if err != nil {
			return nil, wrapQueryError(st.SQL, err)
		}
		r, err := execResult(st.SQL, res)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapQueryError("COMMIT", err)
	}
	return results, nil
}

// ExecScript runs raw, possibly multi-statement SQL without preparing it.
// Used for trigger installation, migrations and VACUUM INTO.
func ExecScript(ctx context.Context, h *Handle, script string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.conn.ExecContext(ctx, script)
	return wrapQueryError(script, err)
}

func execResult(query string, res sql.Result) (*ExecResult, error) {
	changes, err := res.RowsAffected()
	if err != nil {
		return nil, wrapQueryError(query, err)
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		return nil, wrapQueryError(query, err)
	}
	return &ExecResult{Changes: changes, LastInsertRowID: lastID}, nil
}

func scanAll(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = vals[i]
		}
		out = append(out, row)
	}

	return out, rows.Err()
}
