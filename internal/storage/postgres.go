// Package storage provides database connections and the catalogue and
// warehouse repositories behind the pipeline's store interfaces.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contract-catalog/internal/config"
	apperrors "github.com/contract-catalog/internal/errors"
)

// PostgresDB wraps the pgxpool connection holding the contract and token
// catalogue, pipeline runs and watermarks.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB connects to the catalogue database
func NewPostgresDB(cfg *config.PostgresConfig) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections) // #nosec G115 - small operator supplied value
	}
	// Enrichment holds row locks across short transactions; keep a couple warm
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "contract-catalog"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the database connection pool
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool returns the underlying connection pool
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks if the database is reachable
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// InTx runs fn in a transaction that commits when fn returns nil. Errors
// from fn are returned unchanged; begin and commit failures are database
// errors named after op.
func (db *PostgresDB) InTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return apperrors.NewDatabaseError("begin "+op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewDatabaseError("commit "+op, err)
	}
	return nil
}

// lockStatus reads a lifecycle column under FOR UPDATE. A missing row is
// reported as not found for resource.
func lockStatus(ctx context.Context, tx pgx.Tx, query, resource, id string) (string, error) {
	var cur string
	if err := tx.QueryRow(ctx, query, id).Scan(&cur); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.NewNotFoundError(resource, id)
		}
		return "", apperrors.NewDatabaseError("lock "+resource, err)
	}
	return cur, nil
}
