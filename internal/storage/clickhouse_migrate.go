package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/contract-catalog/internal/logging"
)

const clickhouseMigrationsTable = "schema_migrations"

// RunClickHouseMigrations applies the warehouse SQL files in lexical order.
// Applied file names are recorded so reruns skip them.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, migrationsPath string) ([]string, error) {
	log := logging.FromContext(ctx).WithComponent("clickhouse-migrate")

	files, err := migrationFiles(migrationsPath)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		log.Warn("no migration files found")
		return nil, nil
	}

	if err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+clickhouseMigrationsTable+` (
		name String,
		applied_at DateTime64(3, 'UTC') DEFAULT now64(3)
	) ENGINE = ReplacingMergeTree() ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedClickHouseMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, name := range files {
		if applied[name] {
			continue
		}
		content, err := os.ReadFile(filepath.Join(migrationsPath, name)) // #nosec G304 - path built from trusted migrationsPath
		if err != nil {
			return ran, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			if err := db.Exec(ctx, stmt); err != nil {
				log.WithError(err).WithFields(map[string]interface{}{
					"file":      name,
					"statement": i + 1,
					"sql":       truncate(stmt, 120),
				}).Error("migration statement failed")
				return ran, fmt.Errorf("failed to execute statement %d in %s: %w", i+1, name, err)
			}
		}

		if err := db.Exec(ctx, `INSERT INTO `+clickhouseMigrationsTable+` (name) VALUES (?)`, name); err != nil {
			return ran, fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		log.WithField("file", name).Info("applied migration")
		ran = append(ran, name)
	}
	return ran, nil
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func appliedClickHouseMigrations(ctx context.Context, db *ClickHouseDB) (map[string]bool, error) {
	names, err := db.QueryStrings(ctx, `SELECT name FROM `+clickhouseMigrationsTable+` FINAL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	applied := make(map[string]bool, len(names))
	for _, name := range names {
		applied[name] = true
	}
	return applied, nil
}

// splitSQLStatements splits a file into statements on lines ending with a
// semicolon. Comment-only lines are dropped.
func splitSQLStatements(content string) []string {
	var statements []string
	var cur strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(cur.String()), ";")
		if stmt != "" {
			statements = append(statements, stmt)
		}
		cur.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return statements
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
