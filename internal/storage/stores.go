package storage

import (
	"context"
	"time"

	"github.com/contract-catalog/internal/adapter"
	"github.com/contract-catalog/internal/config"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/ratelimit"
)

// Stores bundles the production repositories. Its method set matches the
// in-memory store, so either can back the pipeline, worker and API.
type Stores struct {
	*ContractRepository
	*TokenRepository
	*RunRepository
	*WarehouseRepository
	*RunLock

	Metadata *MetadataCache
	// Budget is nil when the shared chain API budget is disabled
	Budget *ratelimit.Budget

	pg    *PostgresDB
	ch    *ClickHouseDB
	redis *RedisCache
}

// OpenStores connects to Postgres, ClickHouse and Redis
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	log := logging.FromContext(ctx).WithComponent("storage")

	pg, err := NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, err
	}
	ch, err := NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		pg.Close()
		return nil, err
	}
	rc, err := NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		pg.Close()
		_ = ch.Close()
		return nil, err
	}
	log.Info("connected to postgres, clickhouse and redis")

	var budget *ratelimit.Budget
	if cfg.Chain.RequestBudget > 0 {
		budget, err = ratelimit.NewBudget(&ratelimit.BudgetConfig{
			Redis:          rc.Client(),
			TotalBudget:    cfg.Chain.RequestBudget,
			ReservedBudget: cfg.Chain.ReservedBudget,
		})
		if err != nil {
			pg.Close()
			_ = ch.Close()
			_ = rc.Close()
			return nil, err
		}
	}

	return &Stores{
		ContractRepository:  NewContractRepository(pg),
		TokenRepository:     NewTokenRepository(pg),
		RunRepository:       NewRunRepository(pg),
		WarehouseRepository: NewWarehouseRepository(ch),
		RunLock:             NewRunLock(rc),
		Metadata:            NewMetadataCache(rc, cfg.Enrichment.CacheTTL),
		Budget:              budget,
		pg:                  pg,
		ch:                  ch,
		redis:               rc,
	}, nil
}

// Ping checks every backing store
func (s *Stores) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.pg.Ping(ctx); err != nil {
		return err
	}
	if err := s.ch.Ping(ctx); err != nil {
		return err
	}
	return s.redis.Ping(ctx)
}

// Close releases every connection
func (s *Stores) Close() error {
	s.pg.Close()
	chErr := s.ch.Close()
	redisErr := s.redis.Close()
	if chErr != nil {
		return chErr
	}
	return redisErr
}

// ChainBudget returns the request budget pool for priority, or nil when the
// shared budget is disabled
func (s *Stores) ChainBudget(priority ratelimit.Priority) adapter.RequestBudget {
	if s.Budget == nil {
		return nil
	}
	return s.Budget.Pool(priority)
}
