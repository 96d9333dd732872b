package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"

	"ad-rule-engine/migrations"
)

// Migration directions accepted by Migrate.
const (
	MigrateUp      = "up"
	MigrateDown    = "down"
	MigrateVersion = "version"
)

func newMigrator(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrationURL(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// migrationURL switches a postgres:// DSN to the pgx/v5 migrate driver scheme.
func migrationURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// Migrate applies the embedded schema migrations. It returns the schema
// version after the command.
func Migrate(dsn, command string) (uint, error) {
	m, err := newMigrator(dsn)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	switch command {
	case MigrateUp:
		err = m.Up()
	case MigrateDown:
		err = m.Down()
	case MigrateVersion:
	default:
		return 0, fmt.Errorf("unknown migration command %q (use: up, down, version)", command)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info().Msg("no migrations to run (database is up to date)")
	} else if err != nil {
		return 0, fmt.Errorf("migrate %s: %w", command, err)
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}
