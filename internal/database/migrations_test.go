// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: MIT

package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigration(t *testing.T, dir, name, sql string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o644))
}

func TestMigrationsApplyInVersionOrder(t *testing.T) {
	pool := newTestPool(t, PoolOptions{ReadPoolSize: 1, WALMode: true})
	w, err := pool.AcquireWriter()
	require.NoError(t, err)

	dir := t.TempDir()
	writeMigration(t, dir, "001_a.sql", "CREATE TABLE a (id INTEGER PRIMARY KEY)")
	writeMigration(t, dir, "010_c.sql", "CREATE TABLE c (id INTEGER PRIMARY KEY)")
	writeMigration(t, dir, "002_b.sql", "CREATE TABLE b (id INTEGER PRIMARY KEY)")
	writeMigration(t, dir, "notes.txt", "ignored")

	result, err := RunMigrations(context.Background(), w, dir)
	require.NoError(t, err)
	require.Len(t, result.Applied, 3)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, int64(1), result.Applied[0].Version)
	assert.Equal(t, int64(2), result.Applied[1].Version)
	assert.Equal(t, int64(10), result.Applied[2].Version)

	// Second run applies nothing and skips everything.
	result, err = RunMigrations(context.Background(), w, dir)
	require.NoError(t, err)
	assert.Empty(t, result.Applied)
	assert.Equal(t, 3, result.Skipped)
}

func TestMigrationsDuplicateVersion(t *testing.T) {
	pool := newTestPool(t, PoolOptions{ReadPoolSize: 1, WALMode: true})
	w, err := pool.AcquireWriter()
	require.NoError(t, err)

	dir := t.TempDir()
	writeMigration(t, dir, "002_b.sql", "CREATE TABLE b (id INTEGER PRIMARY KEY)")
	writeMigration(t, dir, "002_d.sql", "CREATE TABLE d (id INTEGER PRIMARY KEY)")

	_, err = RunMigrations(context.Background(), w, dir)
	require.Error(t, err)

	var migErr *MigrationError
	require.True(t, errors.As(err, &migErr))
	assert.Contains(t, migErr.Error(), "002_b.sql")
	assert.Contains(t, migErr.Error(), "002_d.sql")
}

func TestMigrationsEmptyFile(t *testing.T) {
	pool := newTestPool(t, PoolOptions{ReadPoolSize: 1, WALMode: true})
	w, err := pool.AcquireWriter()
	require.NoError(t, err)

	dir := t.TempDir()
	writeMigration(t, dir, "001_empty.sql", "   \n\t ")

	_, err = RunMigrations(context.Background(), w, dir)
	require.Error(t, err)

	var migErr *MigrationError
	require.True(t, errors.As(err, &migErr))
	assert.Equal(t, int64(1), migErr.Version)
}

func TestMigrationsMissingDirectory(t *testing.T) {
	pool := newTestPool(t, PoolOptions{ReadPoolSize: 1, WALMode: true})
	w, err := pool.AcquireWriter()
	require.NoError(t, err)

	_, err = RunMigrations(context.Background(), w, filepath.Join(t.TempDir(), "nope"))
	var migErr *MigrationError
	require.True(t, errors.As(err, &migErr))
}

func TestMigrationsRollBackOnFailure(t *testing.T) {
	pool := newTestPool(t, PoolOptions{ReadPoolSize: 1, WALMode: true})
	w, err := pool.AcquireWriter()
	require.NoError(t, err)

	dir := t.TempDir()
	writeMigration(t, dir, "001_ok.sql", "CREATE TABLE ok (id INTEGER PRIMARY KEY)")
	writeMigration(t, dir, "002_bad.sql", "CREATE TABLE bad (id INTEGER PRIMARY KEY); INSERT INTO missing VALUES (1);")

	_, err = RunMigrations(context.Background(), w, dir)
	require.Error(t, err)

	var migErr *MigrationError
	require.True(t, errors.As(err, &migErr))
	assert.Equal(t, int64(2), migErr.Version)

	// The whole run rolled back: neither table exists and nothing was
	// recorded.
	r, err := pool.AcquireReader()
	require.NoError(t, err)
	row, err := QueryOne(context.Background(), r,
		"SELECT COUNT(*) AS n FROM sqlite_master WHERE type = 'table' AND name IN ('ok', 'bad')", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), row["n"])

	row, err = QueryOne(context.Background(), r, "SELECT COUNT(*) AS n FROM _sirannon_migrations", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), row["n"])
}
