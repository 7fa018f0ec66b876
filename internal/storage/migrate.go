package storage

import (
	"embed"
	"fmt"

	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies pending schema migrations. Already-applied versions are
// skipped, so it is safe on every start. A dirty state from an interrupted
// run is forced back one version and retried.
func Migrate(databaseURL string, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.NewLogger("Migrate")
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info("Empty schema, applying all migrations")
	case err != nil:
		return fmt.Errorf("failed to read migration version: %w", err)
	case dirty:
		logger.Warn("Dirty migration state, retrying last version", "version", version)
		if err := m.Force(int(version) - 1); err != nil {
			return fmt.Errorf("failed to reset dirty migration: %w", err)
		}
	default:
		logger.Info("Current migration version", "version", version)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("Database is up to date")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	if version, _, err := m.Version(); err == nil {
		logger.Info("Migrations applied", "version", version)
	}
	return nil
}
