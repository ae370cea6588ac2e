// Package main provides a CLI tool for running database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/contract-catalog/internal/config"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/storage"
)

func main() {
	var (
		action  = flag.String("action", "up", "Migration action: up, down, version, force")
		dbType  = flag.String("db", "all", "Database: postgres, clickhouse, all")
		dir     = flag.String("dir", "migrations", "Directory holding the postgres/ and clickhouse/ migrations")
		version = flag.Int("version", -1, "Version to force with -action force")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("migrate")

	targets := []string{*dbType}
	if *dbType == "all" {
		targets = []string{"postgres", "clickhouse"}
	}

	for _, target := range targets {
		var err error
		switch target {
		case "postgres":
			err = runPostgres(cfg, *dir+"/postgres", *action, *version)
		case "clickhouse":
			err = runClickHouse(cfg, *dir+"/clickhouse", *action)
		default:
			err = fmt.Errorf("unknown database type: %s", target)
		}
		if err != nil {
			logger.WithError(err).WithField("db", target).Fatal("Migration failed")
		}
	}
}

func runPostgres(cfg *config.Config, path, action string, version int) error {
	logger := logging.GetGlobalLogger().WithField("db", "postgres")
	url := cfg.Database.Postgres.URL()

	switch action {
	case "up":
		logger.Info("Running Postgres migrations...")
		if err := storage.RunMigrations(url, path); err != nil {
			return err
		}
	case "down":
		logger.Info("Rolling back last Postgres migration...")
		if err := storage.RollbackMigrations(url, path); err != nil {
			return err
		}
	case "force":
		if version < 0 {
			return fmt.Errorf("-action force requires -version")
		}
		if err := storage.ForceMigrationVersion(url, path, version); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	v, dirty, err := storage.MigrationVersion(url, path)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{"version": v, "dirty": dirty}).Info("Postgres schema version")
	return nil
}

func runClickHouse(cfg *config.Config, path, action string) error {
	logger := logging.GetGlobalLogger().WithField("db", "clickhouse")
	switch action {
	case "up":
	case "version", "down", "force":
		// applied files are tracked in schema_migrations; nothing to roll back
		logger.WithField("action", action).Warn("ClickHouse migrations only support up; skipping")
		return nil
	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("migrations directory not found: %s", path)
	}

	db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}()

	ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), 5*time.Minute)
	defer cancel()

	applied, err := storage.RunClickHouseMigrations(ctx, db, path)
	if err != nil {
		return err
	}
	logger.WithField("applied", applied).Info("ClickHouse migrations complete")
	return nil
}
