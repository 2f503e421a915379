// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/autobrr/torbox-manager/internal/dbinterface"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sqlite handle and satisfies dbinterface.Querier.
type DB struct {
	conn *sql.DB
	path string
}

var _ dbinterface.Querier = (*DB)(nil)

// New opens (or creates) the sqlite database at path and applies pending migrations.
// Pass ":memory:" for a throwaway database.
func New(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// a single connection serialises writers and keeps :memory: databases shared
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, path: path}

	ctx := context.Background()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("database ready")
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return errors.Wrap(err, "list migrations")
	}
	slices.Sort(files)

	applied := make(map[string]bool)
	rows, err := db.conn.QueryContext(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return errors.Wrap(err, "read applied migrations")
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan migration")
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "read applied migrations")
	}

	for _, file := range files {
		name := strings.TrimPrefix(file, "migrations/")
		if applied[name] {
			continue
		}

		stmt, err := migrationsFS.ReadFile(file)
		if err != nil {
			return errors.Wrapf(err, "read migration %s", name)
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin migration")
		}
		if _, err := tx.ExecContext(ctx, string(stmt)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "apply migration %s", name)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES (?)`, name); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record migration %s", name)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %s", name)
		}

		log.Info().Str("migration", name).Msg("applied database migration")
	}

	return nil
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, query, args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (dbinterface.TxQuerier, error) {
	return db.conn.BeginTx(ctx, opts)
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) Close() error {
	return db.conn.Close()
}
