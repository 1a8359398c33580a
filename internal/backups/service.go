// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package backups writes consistent snapshots of a live database with VACUUM
// INTO and rotates old snapshots per database.
package backups

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/sirannon/sirannon/internal/database"
	"github.com/sirannon/sirannon/internal/engine"
)

// Config controls where snapshots land and how many are kept per database.
type Config struct {
	Dir  string
	Keep int
}

type Service struct {
	cfg Config
	now func() time.Time
}

func NewService(cfg Config) *Service {
	if cfg.Keep <= 0 {
		cfg.Keep = 5
	}
	return &Service{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Backup snapshots db into <dir>/<id>/backup-<stamp>.db and rotates old
// snapshots. The stamp is ISO 8601 with ':' and '.' replaced by '-' so the
// name is filesystem-safe everywhere.
func (s *Service) Backup(ctx context.Context, db *engine.Database) (string, error) {
	dir := filepath.Join(s.cfg.Dir, db.ID())
	if err := validatePath(dir); err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &database.BackupError{Path: dir, Message: "create backup directory", Err: err}
	}

	dest := filepath.Join(dir, backupFilename(s.now()))
	if _, err := os.Stat(dest); err == nil {
		return "", &database.BackupError{Path: dest, Message: "destination already exists"}
	}

	if err := db.VacuumInto(ctx, dest); err != nil {
		// A failed VACUUM INTO can leave a partial file behind.
		if rmErr := os.Remove(dest); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn().Err(rmErr).Str("path", dest).Msg("failed to remove partial backup")
		}
		return "", &database.BackupError{Path: dest, Message: "vacuum into", Err: err}
	}

	s.rotate(dir)

	log.Info().Str("database", db.ID()).Str("path", dest).Msg("backup written")
	return dest, nil
}

func backupFilename(now time.Time) string {
	stamp := now.Format("2006-01-02T15:04:05.000Z07:00")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return "backup-" + stamp + ".db"
}

func validatePath(path string) error {
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return &database.BackupError{Path: path, Message: "path contains control characters"}
		}
	}
	return nil
}

// rotate keeps the newest Keep snapshots; removal failures are logged, never
// propagated past a successful backup.
func (s *Service) rotate(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn().Err(errors.Wrap(err, "list backups")).Str("dir", dir).Msg("backup rotation skipped")
		return
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, "backup-") && strings.HasSuffix(name, ".db") {
			names = append(names, name)
		}
	}
	if len(names) <= s.cfg.Keep {
		return
	}

	// The timestamp format sorts lexicographically; oldest first.
	sort.Strings(names)
	for _, name := range names[:len(names)-s.cfg.Keep] {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to remove expired backup")
		}
	}
}

// Filename exposes the naming convention for tests and tooling.
func Filename(now time.Time) string {
	return backupFilename(now.UTC())
}
