// Package db opens the ledger database and applies its schema migrations.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed migrations
var migrationsFS embed.FS

// Open opens a connection pool for driver and validates connectivity.
func Open(driver, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("ledger DSN is empty")
	}

	var db *sql.DB
	var err error
	switch driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, err
		}
		// A single connection serialises writers and keeps ":memory:" databases alive.
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// sqliteDSN stores timestamps in SQLite's own text format so they sort and
// scan back as time.Time.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite"
}

// Migrate applies all pending up migrations for driver. For SQLite it runs on
// db itself, so in-memory databases are migrated in place. For PostgreSQL it
// opens a separate connection from dsn.
func Migrate(driver string, db *sql.DB, dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("load migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case DriverSQLite:
		drv, err := sqlite.WithInstance(db, &sqlite.Config{})
		if err != nil {
			return fmt.Errorf("create migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		// m.Close would close db, which the caller still owns.
	case DriverPostgres:
		m, err = migrate.NewWithSourceInstance("iofs", src, pgxURL(dsn))
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		defer m.Close()
	default:
		return fmt.Errorf("unsupported ledger driver %q", driver)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// pgxURL rewrites a postgres:// URL to the scheme the pgx/v5 migration driver
// registers.
func pgxURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
