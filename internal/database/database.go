// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database opens the sqlite run history database and applies migrations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// migrations are applied in order; the index+1 is the schema version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		triggered_by  TEXT NOT NULL,
		mode          TEXT NOT NULL,
		dry_run       INTEGER NOT NULL DEFAULT 0,
		status        TEXT NOT NULL,
		started_at    DATETIME NOT NULL,
		completed_at  DATETIME,
		torrents      INTEGER NOT NULL DEFAULT 0,
		indexers      INTEGER NOT NULL DEFAULT 0,
		units         INTEGER NOT NULL DEFAULT 0,
		matches       INTEGER NOT NULL DEFAULT 0,
		actions       INTEGER NOT NULL DEFAULT 0,
		skipped       INTEGER NOT NULL DEFAULT 0,
		failed        INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		results_json  TEXT,
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);`,
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

// DB wraps the sqlite handle. It satisfies dbinterface.Querier.
type DB struct {
	*sql.DB
	path string
}

// New opens (creating if needed) the database at path and migrates it.
func New(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	// sqlite allows a single writer; one connection also keeps :memory: databases shared.
	conn.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, errors.Wrapf(err, "apply %q", pragma)
		}
	}

	db := &DB{DB: conn, path: path}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("Database ready")
	return db, nil
}

func (db *DB) Path() string {
	return db.path
}

// Version returns the applied schema version.
func (db *DB) Version(ctx context.Context) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, errors.Wrap(err, "read schema version")
	}
	return version, nil
}

func (db *DB) migrate(ctx context.Context) error {
	current, err := db.Version(ctx)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)", current, len(migrations))
	}

	for i := current; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin migration")
		}

		for _, stmt := range splitStatements(migrations[i]) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return errors.Wrapf(err, "apply migration %d", i+1)
			}
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "record schema version")
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %d", i+1)
		}

		log.Debug().Int("version", i+1).Msg("Applied database migration")
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
