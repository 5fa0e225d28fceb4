// Package main provides the schema migration command for the literature pipeline.
//
// Usage:
//
//	migrate [-path dir] [-dsn url] up
//	migrate [-path dir] [-dsn url] down -confirm
//	migrate [-path dir] [-dsn url] steps N
//	migrate [-path dir] [-dsn url] version
//	migrate [-path dir] [-dsn url] force V
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/app"
	"github.com/helixir/literature-pipeline/internal/config"
	"github.com/helixir/literature-pipeline/internal/database"
)

const connectTimeout = 30 * time.Second

var errUsage = errors.New("usage: migrate [-path dir] [-dsn url] up | down -confirm | steps N | version | force V")

// command is a parsed migration action.
type command struct {
	name string
	n    int
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	migrationsPath := fs.String("path", "", "migrations directory (defaults to database.migration_path)")
	dsn := fs.String("dsn", "", "PostgreSQL URL used instead of the configured database")
	confirm := fs.Bool("confirm", false, "required by down, which drops every pipeline table")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cmd, err := parseCommand(fs.Args())
	if err != nil {
		return err
	}
	if cmd.name == "down" && !*confirm {
		return errors.New("down removes all project data; pass -confirm to proceed")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := cfg.Logging
	logCfg.Format = "console"
	logger := app.NewLogger(logCfg, "migrate")

	dir := cfg.Database.MigrationPath
	if *migrationsPath != "" {
		dir = *migrationsPath
	}

	migrator, release, err := openMigrator(cfg, *dsn, dir, logger)
	if err != nil {
		return err
	}
	defer release()
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	if err := apply(migrator, cmd, logger); err != nil {
		return err
	}
	logVersion(migrator, logger)
	return nil
}

// parseCommand reads the positional action and its numeric argument, if any.
func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errUsage
	}

	cmd := command{name: args[0]}
	switch cmd.name {
	case "up", "down", "version":
		if len(args) != 1 {
			return command{}, errUsage
		}
	case "steps", "force":
		if len(args) != 2 {
			return command{}, errUsage
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return command{}, fmt.Errorf("%s: invalid number %q", cmd.name, args[1])
		}
		if cmd.name == "steps" && n == 0 {
			return command{}, errors.New("steps: N must be non-zero")
		}
		if cmd.name == "force" && n < 0 {
			return command{}, errors.New("force: version must not be negative")
		}
		cmd.n = n
	default:
		return command{}, fmt.Errorf("unknown command %q: %w", cmd.name, errUsage)
	}
	return cmd, nil
}

func apply(m *database.Migrator, cmd command, logger zerolog.Logger) error {
	switch cmd.name {
	case "up":
		logger.Info().Msg("applying pending migrations")
		if err := m.Up(); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		logger.Warn().Msg("rolling back all migrations")
		if err := m.Down(); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case "steps":
		logger.Info().Int("steps", cmd.n).Msg("applying migration steps")
		if err := m.Steps(cmd.n); err != nil {
			return fmt.Errorf("migrate steps: %w", err)
		}
	case "force":
		logger.Warn().Int("version", cmd.n).Msg("forcing migration version")
		if err := m.Force(cmd.n); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
	}
	return nil
}

// openMigrator connects through lib/pq when a DSN is given and through the configured pgx
// pool otherwise. The returned func releases the pool.
func openMigrator(cfg *config.Config, dsn, dir string, logger zerolog.Logger) (*database.Migrator, func(), error) {
	if dsn != "" {
		m, err := database.NewMigratorFromDSN(dsn, dir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create migrator: %w", err)
		}
		return m, func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	m, err := database.NewMigrator(db, dir, logger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, db.Close, nil
}

func logVersion(m *database.Migrator, logger zerolog.Logger) {
	v, dirty, err := m.Version()
	if err != nil {
		logger.Warn().Err(err).Msg("could not determine migration version")
		return
	}
	logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("schema version")
}
