package postgres

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies all pending schema migrations.
func Migrate(databaseUrl string) error {
	m, err := newMigrate(databaseUrl)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// MigrateDown rolls back the last applied migration.
func MigrateDown(databaseUrl string) error {
	m, err := newMigrate(databaseUrl)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}

	return nil
}

func newMigrate(databaseUrl string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateUrl(databaseUrl))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}

	return m, nil
}

// migrateUrl rewrites a postgres url to the scheme the pgx migrate driver registers.
func migrateUrl(databaseUrl string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseUrl, scheme) {
			return "pgx5://" + strings.TrimPrefix(databaseUrl, scheme)
		}
	}
	return databaseUrl
}
