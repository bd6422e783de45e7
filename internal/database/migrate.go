package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/reliefmap/locus/internal/config"
	"github.com/reliefmap/locus/internal/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunMigrations applies every pending embedded migration.
func RunMigrations(cfg config.DatabaseConfig, log *logger.Logger) error {
	log.Info("Running database migrations", nil)

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, ConnectionURL(cfg, "pgx5"))
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			log.Warn("Error closing migration handles", map[string]interface{}{
				"source_error":   fmt.Sprint(srcErr),
				"database_error": fmt.Sprint(dbErr),
			})
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		log.Warn("Could not determine migration version", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if dirty {
		return fmt.Errorf("migration state is dirty at version %d", version)
	}

	log.Info("Database migrations applied", map[string]interface{}{"version": version})
	return nil
}

// MigrationNames lists the embedded migration files in order.
func MigrationNames() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
