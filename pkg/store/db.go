// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists the agent registry and run history in SQL. SQLite
// (modernc.org/sqlite, no cgo) is the embedded default; PostgreSQL
// (github.com/lib/pq) serves shared deployments.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/jllopis/tessera/pkg/errors"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database.
type Config struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
	// MaxOpenConns bounds the pool; SQLite always uses one connection.
	MaxOpenConns int `koanf:"max_open_conns"`
}

// DB is an open, migrated database.
type DB struct {
	db      *sql.DB
	driver  string
	logger  *slog.Logger
	version int
}

// Open connects and applies pending migrations.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if driver == "sqlite3" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, errors.New(errors.CodeConfig, "unsupported store driver", nil).WithContext("driver", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New(errors.CodeConfig, "store dsn is required", nil).WithContext("driver", driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, errors.New(errors.CodeConfig, "open store", err).WithContext("driver", driver)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.New(errors.CodeInternal, "connect store", err).WithContext("driver", driver)
	}
	d := &DB{db: db, driver: driver, logger: logger}
	if driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, errors.New(errors.CodeInternal, "enable foreign keys", err)
		}
	}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// SQLDB returns the underlying pool. Close it through DB.Close.
func (d *DB) SQLDB() *sql.DB { return d.db }

// Driver returns the normalized driver name.
func (d *DB) Driver() string { return d.driver }

// SchemaVersion returns the applied migration version.
func (d *DB) SchemaVersion() int { return d.version }

// Close closes the pool.
func (d *DB) Close() error { return d.db.Close() }

// rebind rewrites ? placeholders for drivers that number them.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.rebind(query), args...)
}

func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL PRIMARY KEY)"); err != nil {
		return errors.New(errors.CodeInternal, "create schema_version", err)
	}
	current, err := d.currentVersion(ctx)
	if err != nil {
		return err
	}
	names, err := migrationNames(d.driver)
	if err != nil {
		return errors.New(errors.CodeInternal, "list migrations", err)
	}
	for _, name := range names {
		n, err := migrationNumber(name)
		if err != nil || n <= current {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, path.Join("migrations", d.driver, name))
		if err != nil {
			return errors.New(errors.CodeInternal, "read migration", err).WithContext("migration", name)
		}
		if err := d.apply(ctx, n, string(body)); err != nil {
			return errors.New(errors.CodeInternal, "apply migration", err).WithContext("migration", name)
		}
		d.logger.Info("store.migration.applied",
			slog.String("driver", d.driver),
			slog.String("migration", name),
		)
		current = n
	}
	d.version = current
	return nil
}

func (d *DB) apply(ctx context.Context, version int, body string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version"); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, d.rebind("INSERT INTO schema_version (version) VALUES (?)"), version); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (d *DB) currentVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := d.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&v)
	if err != nil && err != sql.ErrNoRows {
		return 0, errors.New(errors.CodeInternal, "read schema version", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func migrationNames(driver string) ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, path.Join("migrations", driver))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func migrationNumber(name string) (int, error) {
	prefix, _, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
	if !ok {
		return 0, fmt.Errorf("invalid migration name %q", name)
	}
	return strconv.Atoi(prefix)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
