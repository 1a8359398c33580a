// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const migrationsTable = "_sirannon_migrations"

var migrationFilePattern = regexp.MustCompile(`^(\d+)_(\w+)\.sql$`)

// MigrationFile is one versioned schema change discovered on disk.
type MigrationFile struct {
	Version  int64
	Name     string
	Filename string
	SQL      string
}

// MigrationResult reports what a RunMigrations call did.
type MigrationResult struct {
	Applied []MigrationFile
	Skipped int
}

// RunMigrations applies every pending migration from dir in ascending version
// order inside a single transaction. Rows in the tracking table are only ever
// inserted; running twice applies nothing the second time.
func RunMigrations(ctx context.Context, h *Handle, dir string) (*MigrationResult, error) {
	files, err := scanMigrationDir(dir)
	if err != nil {
		return nil, err
	}

	if err := ensureMigrationsTable(ctx, h); err != nil {
		return nil, err
	}

	applied, err := appliedVersions(ctx, h)
	if err != nil {
		return nil, err
	}

	var pending []MigrationFile
	for _, f := range files {
		if _, ok := applied[f.Version]; !ok {
			pending = append(pending, f)
		}
	}

	result := &MigrationResult{Skipped: len(files) - len(pending)}
	if len(pending) == 0 {
		log.Debug().Str("dir", dir).Int("skipped", result.Skipped).Msg("no pending migrations")
		return result, nil
	}

	if err := applyMigrations(ctx, h, pending); err != nil {
		return nil, err
	}

	result.Applied = pending
	log.Info().Str("dir", dir).Int("applied", len(pending)).Int("skipped", result.Skipped).Msg("migrations applied")
	return result, nil
}

func scanMigrationDir(dir string) ([]MigrationFile, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &MigrationError{Version: -1, Message: fmt.Sprintf("migrations directory %s does not exist", dir), Err: err}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &MigrationError{Version: -1, Message: "read migrations directory", Err: err}
	}

	byVersion := make(map[int64]string)
	var files []MigrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := migrationFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}

		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, &MigrationError{Version: -1, Message: fmt.Sprintf("parse version in %s", entry.Name()), Err: err}
		}

		if prev, ok := byVersion[version]; ok {
			return nil, &MigrationError{
				Version: version,
				Message: fmt.Sprintf("duplicate version %d in %s and %s", version, prev, entry.Name()),
			}
		}
		byVersion[version] = entry.Name()

		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, &MigrationError{Version: version, Message: fmt.Sprintf("read %s", entry.Name()), Err: err}
		}
		if strings.TrimSpace(string(content)) == "" {
			return nil, &MigrationError{Version: version, Message: fmt.Sprintf("migration file %s is empty", entry.Name())}
		}

		files = append(files, MigrationFile{
			Version:  version,
			Name:     m[2],
			Filename: entry.Name(),
			SQL:      string(content),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}

func ensureMigrationsTable(ctx context.Context, h *Handle) error {
	script := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at REAL DEFAULT (unixepoch('subsec'))
		)
	`, migrationsTable)
	if err := ExecScript(ctx, h, script); err != nil {
		return &MigrationError{Version: -1, Message: "create migrations table", Err: err}
	}
	return nil
}

func appliedVersions(ctx context.Context, h *Handle) (map[int64]struct{}, error) {
	rows, err := Query(ctx, h, fmt.Sprintf("SELECT version FROM %s", migrationsTable), nil)
	if err != nil {
		return nil, &MigrationError{Version: -1, Message: "read applied versions", Err: err}
	}

	applied := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		if v, ok := row["version"].(int64); ok {
			applied[v] = struct{}{}
		}
	}
	return applied, nil
}

func applyMigrations(ctx context.Context, h *Handle, pending []MigrationFile) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	tx, err := h.conn.BeginTx(ctx, nil)
	if err != nil {
		return &MigrationError{Version: -1, Message: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	for _, f := range pending {
		if _, err := tx.ExecContext(ctx, f.SQL); err != nil {
			return &MigrationError{Version: f.Version, Message: fmt.Sprintf("execute %s", f.Filename), Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (version, name) VALUES (?, ?)", migrationsTable),
			f.Version, f.Name,
		); err != nil {
			return &MigrationError{Version: f.Version, Message: fmt.Sprintf("record %s", f.Filename), Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &MigrationError{Version: -1, Message: "commit migrations", Err: err}
	}
	return nil
}
