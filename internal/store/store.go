// Package store persists the robot inventory and the map library in a
// single sqlite database. Schema changes ship as embedded migrations and
// apply on open.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sqlite handle shared by the repositories.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations. WAL keeps reloads readable while the mapping sync writes.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc sqlite is single-writer; a second writer conn only produces
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &DB{sql: db}, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Robots returns the inventory repository.
func (d *DB) Robots() *RobotRepo {
	return &RobotRepo{db: d.sql}
}

// Maps returns the map repository.
func (d *DB) Maps() *MapRepo {
	return &MapRepo{db: d.sql}
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.sql.Close()
}
