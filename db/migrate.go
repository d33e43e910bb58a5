package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Both dialects read the same NNNNNN_name.{up,down}.sql files, so statements
// stay within the subset Postgres and SQLite share.
//
//go:embed migrations/*.sql
var migrationFS embed.FS

// migrateLogger routes golang-migrate's progress lines into slog at debug level.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "db_migrate"))
}

func (migrateLogger) Verbose() bool { return false }

// withMigrator builds a migrator over conn and hands it to fn. The migrator
// is not closed afterwards since closing it would close conn as well.
func withMigrator(conn *sql.DB, dialect Dialect, fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("embedded migrations: %w", err)
	}
	var driver database.Driver
	switch dialect {
	case Postgres:
		driver, err = postgres.WithInstance(conn, &postgres.Config{})
	case SQLite:
		driver, err = sqlite.WithInstance(conn, &sqlite.Config{})
	default:
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return fmt.Errorf("%s migration driver: %w", dialect, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(dialect), driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	m.Log = migrateLogger{}
	return fn(m)
}

// schemaVersion reads m's version, mapping "nothing applied" to 0 and
// refusing a dirty schema.
func schemaVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if dirty {
		return v, fmt.Errorf("schema is dirty at version %d; fix it by hand and force the version", v)
	}
	return v, nil
}

// RunMigrations applies every pending migration. Running it on an up to date
// schema is a no-op.
func RunMigrations(conn *sql.DB, dialect Dialect) error {
	return withMigrator(conn, dialect, func(m *migrate.Migrate) error {
		err := m.Up()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
		v, verr := schemaVersion(m)
		if verr != nil {
			return verr
		}
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("schema up to date", slog.String("component", "db_migrate"), slog.Uint64("version", uint64(v)))
			return nil
		}
		slog.Info("schema migrated",
			slog.String("component", "db_migrate"),
			slog.String("dialect", string(dialect)),
			slog.Uint64("version", uint64(v)))
		return nil
	})
}

// MigrateDown reverts the newest applied migration, dropping the tables it
// created along with their rows.
func MigrateDown(conn *sql.DB, dialect Dialect) error {
	return withMigrator(conn, dialect, func(m *migrate.Migrate) error {
		if err := m.Steps(-1); err != nil {
			if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, migrate.ErrNilVersion) {
				slog.Info("nothing to roll back", slog.String("component", "db_migrate"))
				return nil
			}
			return fmt.Errorf("migrate down: %w", err)
		}
		v, err := schemaVersion(m)
		if err != nil {
			return err
		}
		slog.Info("schema rolled back", slog.String("component", "db_migrate"), slog.Uint64("version", uint64(v)))
		return nil
	})
}

// MigrationVersion reports the applied version (0 when none) and whether the
// last migration failed halfway.
func MigrationVersion(conn *sql.DB, dialect Dialect) (version uint, dirty bool, err error) {
	err = withMigrator(conn, dialect, func(m *migrate.Migrate) error {
		v, d, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		if verr != nil {
			return fmt.Errorf("migration version: %w", verr)
		}
		version, dirty = v, d
		return nil
	})
	return version, dirty, err
}
