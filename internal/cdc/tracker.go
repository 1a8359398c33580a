// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cdc turns row-level mutations into an event stream. A Tracker
// installs AFTER triggers that append row images to a journal table, and
// polling above a high-water mark converts journal rows into change events
// for the subscription manager to fan out.
package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sirannon/sirannon/internal/database"
)

const (
	// DefaultChangesTable is the journal table written by the CDC triggers.
	DefaultChangesTable = "_sirannon_changes"
	// DefaultPollBatchSize bounds how many journal rows one poll consumes.
	DefaultPollBatchSize = 500

	// rowIDDelimiter joins the columns of a multi-column primary key into a
	// single row_id value.
	rowIDDelimiter = "|"

	pruneBatchSize = 1000
)

// Change event types, post-decode.
const (
	EventInsert = "insert"
	EventUpdate = "update"
	EventDelete = "delete"
)

// ChangeEvent is one decoded journal row.
type ChangeEvent struct {
	Type      string
	Table     string
	Row       map[string]any
	OldRow    map[string]any
	Seq       int64
	Timestamp float64
}

// EffectiveRow is the image filters match against: the new image for
// insert/update, the old image for delete.
func (e ChangeEvent) EffectiveRow() map[string]any {
	if e.Type == EventDelete {
		return e.OldRow
	}
	return e.Row
}

// TrackerOptions tune journal naming, poll batching and retention.
type TrackerOptions struct {
	ChangesTable  string
	PollBatchSize int
	// Retention deletes journal rows older than this once per poll cycle.
	// Zero keeps the journal forever.
	Retention time.Duration
}

// Tracker owns schema-side CDC instrumentation for one database and the
// per-database high-water mark used by polling.
type Tracker struct {
	changesTable string
	batchSize    int
	retention    time.Duration

	lastSeq atomic.Int64

	mu        sync.Mutex
	installed map[string]struct{}
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewTracker ensures the journal table exists and initializes the high-water
// mark to the current MAX(seq) so historical changes are not replayed.
func NewTracker(ctx context.Context, w *database.Handle, opts TrackerOptions) (*Tracker, error) {
	t := &Tracker{
		changesTable: opts.ChangesTable,
		batchSize:    opts.PollBatchSize,
		retention:    opts.Retention,
		installed:    make(map[string]struct{}),
	}
	if t.changesTable == "" {
		t.changesTable = DefaultChangesTable
	}
	if t.batchSize <= 0 {
		t.batchSize = DefaultPollBatchSize
	}
	if !identPattern.MatchString(t.changesTable) {
		return nil, fmt.Errorf("invalid changes table name %q", t.changesTable)
	}

	script := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT,
			operation TEXT,
			row_id,
			changed_at REAL DEFAULT (unixepoch('subsec')),
			old_data TEXT,
			new_data TEXT
		)
	`, t.changesTable)
	if err := database.ExecScript(ctx, w, script); err != nil {
		return nil, err
	}

	row, err := database.QueryOne(ctx, w, fmt.Sprintf("SELECT MAX(seq) AS max_seq FROM %s", t.changesTable), nil)
	if err != nil {
		return nil, err
	}
	if row != nil {
		if max, ok := row["max_seq"].(int64); ok {
			t.lastSeq.Store(max)
		}
	}

	return t, nil
}

// LastSeq returns the high-water mark.
func (t *Tracker) LastSeq() int64 { return t.lastSeq.Load() }

// Watch installs the INSERT/UPDATE/DELETE triggers for table. Installation is
// idempotent: the DDL uses IF NOT EXISTS and installed tables are remembered
// in memory so the DDL is not reissued.
func (t *Tracker) Watch(ctx context.Context, w *database.Handle, table string) error {
	if !identPattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.installed[table]; ok {
		return nil
	}

	columns, pks, err := tableColumns(ctx, w, table)
	if err != nil {
		return err
	}
	if len(pks) == 0 {
		// Tables without a declared primary key still have a rowid.
		pks = []string{"rowid"}
	}

	for _, script := range t.triggerScripts(table, columns, pks) {
		if err := database.ExecScript(ctx, w, script); err != nil {
			return err
		}
	}

	t.installed[table] = struct{}{}
	log.Debug().Str("table", table).Msg("change tracking installed")
	return nil
}

// Watched reports whether triggers are installed for table.
func (t *Tracker) Watched(table string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.installed[table]
	return ok
}

func tableColumns(ctx context.Context, h *database.Handle, table string) (columns []string, pks []string, err error) {
	rows, err := database.Query(ctx, h, fmt.Sprintf("PRAGMA table_info(%q)", table), nil)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("table %s does not exist", table)
	}

	// pk is 0 for non-key columns, otherwise the 1-based position of the
	// column within the primary key.
	type pkCol struct {
		name string
		pos  int64
	}
	var pkCols []pkCol
	for _, row := range rows {
		name, _ := row["name"].(string)
		columns = append(columns, name)
		if pos, ok := row["pk"].(int64); ok && pos > 0 {
			pkCols = append(pkCols, pkCol{name: name, pos: pos})
		}
	}
	sort.Slice(pkCols, func(i, j int) bool { return pkCols[i].pos < pkCols[j].pos })
	for _, c := range pkCols {
		pks = append(pks, c.name)
	}
	return columns, pks, nil
}

func (t *Tracker) triggerScripts(table string, columns, pks []string) []string {
	insert := fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS %[1]s_%[2]s_insert
		AFTER INSERT ON %[2]q
		BEGIN
			INSERT INTO %[1]s (table_name, operation, row_id, new_data)
			VALUES ('%[2]s', 'INSERT', %[3]s, %[4]s);
		END
	`, t.changesTable, table, rowIDExpr("NEW", pks), jsonObjectExpr("NEW", columns))

	update := fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS %[1]s_%[2]s_update
		AFTER UPDATE ON %[2]q
		BEGIN
			INSERT INTO %[1]s (table_name, operation, row_id, old_data, new_data)
			VALUES ('%[2]s', 'UPDATE', %[3]s, %[4]s, %[5]s);
		END
	`, t.changesTable, table, rowIDExpr("NEW", pks), jsonObjectExpr("OLD", columns), jsonObjectExpr("NEW", columns))

	del := fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS %[1]s_%[2]s_delete
		AFTER DELETE ON %[2]q
		BEGIN
			INSERT INTO %[1]s (table_name, operation, row_id, old_data)
			VALUES ('%[2]s', 'DELETE', %[3]s, %[4]s);
		END
	`, t.changesTable, table, rowIDExpr("OLD", pks), jsonObjectExpr("OLD", columns))

	return []string{insert, update, del}
}

// rowIDExpr writes a single-column primary key verbatim; multi-column keys
// are concatenated with rowIDDelimiter in declaration order.
func rowIDExpr(ref string, pks []string) string {
	if len(pks) == 1 {
		return fmt.Sprintf("%s.%q", ref, pks[0])
	}
	parts := make([]string, 0, len(pks))
	for _, pk := range pks {
		parts = append(parts, fmt.Sprintf("%s.%q", ref, pk))
	}
	return strings.Join(parts, fmt.Sprintf(" || '%s' || ", rowIDDelimiter))
}

func jsonObjectExpr(ref string, columns []string) string {
	parts := make([]string, 0, len(columns)*2)
	for _, col := range columns {
		parts = append(parts, fmt.Sprintf("'%s', %s.%q", col, ref, col))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

// Poll reads journal rows strictly above the high-water mark in seq order,
// decodes them and advances the mark. A row whose images fail to parse is
// logged and skipped; its seq still advances so a poison row cannot halt the
// stream.
func (t *Tracker) Poll(ctx context.Context, h *database.Handle) ([]ChangeEvent, error) {
	query := fmt.Sprintf(`
		SELECT seq, table_name, operation, row_id, changed_at, old_data, new_data
		FROM %s WHERE seq > ? ORDER BY seq ASC LIMIT ?
	`, t.changesTable)

	rows, err := database.Query(ctx, h, query, []any{t.lastSeq.Load(), t.batchSize})
	if err != nil {
		return nil, err
	}

	events := make([]ChangeEvent, 0, len(rows))
	for _, row := range rows {
		seq, _ := row["seq"].(int64)
		t.lastSeq.Store(seq)

		ev, err := decodeJournalRow(row)
		if err != nil {
			log.Warn().Err(err).Int64("seq", seq).Msg("skipping malformed change row")
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

func decodeJournalRow(row map[string]any) (ChangeEvent, error) {
	ev := ChangeEvent{}
	ev.Seq, _ = row["seq"].(int64)
	ev.Table, _ = row["table_name"].(string)
	ev.Timestamp, _ = row["changed_at"].(float64)

	op, _ := row["operation"].(string)
	switch op {
	case "INSERT":
		ev.Type = EventInsert
	case "UPDATE":
		ev.Type = EventUpdate
	case "DELETE":
		ev.Type = EventDelete
	default:
		return ev, fmt.Errorf("unknown operation %q", op)
	}

	var err error
	if ev.OldRow, err = decodeImage(row["old_data"]); err != nil {
		return ev, fmt.Errorf("old_data: %w", err)
	}
	if ev.Row, err = decodeImage(row["new_data"]); err != nil {
		return ev, fmt.Errorf("new_data: %w", err)
	}
	return ev, nil
}

func decodeImage(v any) (map[string]any, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Prune deletes delivered journal rows older than the retention window. The
// delete is bounded per call to avoid stalling a poll cycle. No-op when no
// retention is configured.
func (t *Tracker) Prune(ctx context.Context, w *database.Handle) error {
	if t.retention <= 0 {
		return nil
	}

	cutoff := float64(time.Now().Add(-t.retention).UnixMilli()) / 1000.0
	query := fmt.Sprintf(`
		DELETE FROM %[1]s WHERE seq IN (
			SELECT seq FROM %[1]s WHERE changed_at < ? AND seq <= ? LIMIT ?
		)
	`, t.changesTable)

	_, err := database.Execute(ctx, w, query, []any{cutoff, t.lastSeq.Load(), pruneBatchSize})
	return err
}
