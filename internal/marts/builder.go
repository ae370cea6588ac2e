package marts

import (
	"context"
	"fmt"
	"time"

	"github.com/contract-catalog/internal/classify"
	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/features"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

const listPageSize = 500

// Source reads the relations marts are computed from
type Source interface {
	ReadStaging(ctx context.Context, w models.Window) (*models.StagingBatch, error)
	ListContracts(ctx context.Context, f models.ContractFilter) ([]*models.Contract, error)
	ListTokens(ctx context.Context, f models.TokenFilter) ([]*models.Token, error)
}

// Writer materializes a mart with the given disposition and returns rows written
type Writer interface {
	WriteMart(ctx context.Context, table models.MartTable, disposition types.Disposition) (int64, error)
}

// BuilderConfig holds configuration for a mart builder
type BuilderConfig struct {
	Source     Source
	Writer     Writer
	Thresholds *classify.Thresholds
	// ActivityWindow bounds the staging slice the fact and archetype marts read
	ActivityWindow time.Duration
	Now            func() time.Time
	Logger         *logging.Logger
}

// Builder computes and writes marts
type Builder struct {
	cfg    BuilderConfig
	logger *logging.Logger
}

// NewBuilder creates a mart builder
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("mart source cannot be nil")
	}
	if cfg.Writer == nil {
		return nil, fmt.Errorf("mart writer cannot be nil")
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = classify.DefaultThresholds()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Builder{cfg: cfg, logger: logger.WithComponent("marts")}, nil
}

// Materialize builds one mart and writes it with its disposition
func (b *Builder) Materialize(ctx context.Context, name string) (int64, error) {
	table, err := b.Build(ctx, name)
	if err != nil {
		return 0, err
	}
	n, err := b.cfg.Writer.WriteMart(ctx, table, Disposition(name))
	if err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", name, err)
	}
	b.logger.WithFields(map[string]interface{}{
		"mart": name,
		"rows": n,
	}).Info("mart materialized")
	return n, nil
}

// Build computes one mart in memory
func (b *Builder) Build(ctx context.Context, name string) (models.MartTable, error) {
	switch name {
	case DimContracts:
		contracts, err := b.contracts(ctx)
		if err != nil {
			return models.MartTable{}, err
		}
		return BuildDimContracts(contracts), nil

	case DimTokens:
		tokens, err := b.tokens(ctx)
		if err != nil {
			return models.MartTable{}, err
		}
		return BuildDimTokens(tokens), nil

	case FctDailyActivity:
		batch, err := b.staging(ctx)
		if err != nil {
			return models.MartTable{}, err
		}
		return BuildDailyActivity(batch), nil

	case MartContractArchetypes:
		contracts, err := b.contracts(ctx)
		if err != nil {
			return models.MartTable{}, err
		}
		batch, err := b.staging(ctx)
		if err != nil {
			return models.MartTable{}, err
		}
		in := b.input(batch)
		return BuildContractArchetypes(features.Contracts(contracts, in, b.cfg.Thresholds, b.options(nil, contracts)), b.cfg.Thresholds), nil

	case MartWalletArchetypes:
		contracts, err := b.contracts(ctx)
		if err != nil {
			return models.MartTable{}, err
		}
		tokens, err := b.tokens(ctx)
		if err != nil {
			return models.MartTable{}, err
		}
		batch, err := b.staging(ctx)
		if err != nil {
			return models.MartTable{}, err
		}
		return BuildWalletArchetypes(features.Wallets(b.input(batch), b.options(tokens, contracts)), b.cfg.Thresholds), nil

	case FctPipelineSnapshots:
		contracts, err := b.contracts(ctx)
		if err != nil {
			return models.MartTable{}, err
		}
		tokens, err := b.tokens(ctx)
		if err != nil {
			return models.MartTable{}, err
		}
		batch, err := b.staging(ctx)
		if err != nil {
			return models.MartTable{}, err
		}
		return BuildPipelineSnapshot(NewSnapshot(b.cfg.Now(), contracts, tokens, len(batch.Transactions))), nil
	}
	return models.MartTable{}, apperrors.NewInvalidParameterError("mart", fmt.Sprintf("unknown mart %q", name))
}

func (b *Builder) window() models.Window {
	return models.Trailing(b.cfg.Now(), b.cfg.ActivityWindow)
}

func (b *Builder) input(batch *models.StagingBatch) features.Input {
	return features.Input{
		Transactions: batch.Transactions,
		Operations:   batch.Operations,
		Events:       batch.Events,
		Window:       b.window(),
	}
}

func (b *Builder) options(tokens []*models.Token, contracts []*models.Contract) features.Options {
	opts := features.Options{
		Symbols:      map[string]string{},
		Decimals:     map[string]int32{},
		AMMContracts: map[string]bool{},
		Now:          b.cfg.Now,
	}
	for _, t := range tokens {
		if t.Symbol != nil {
			opts.Symbols[t.ContractIdentifier] = *t.Symbol
		}
		if t.Decimals != nil {
			opts.Decimals[t.ContractIdentifier] = int32(*t.Decimals)
		}
	}
	for _, c := range contracts {
		if c.Classification == nil {
			continue
		}
		if *c.Classification == classify.LabelDEX || *c.Classification == classify.LabelAMM {
			opts.AMMContracts[c.Identifier] = true
		}
	}
	return opts
}

func (b *Builder) staging(ctx context.Context) (*models.StagingBatch, error) {
	batch, err := b.cfg.Source.ReadStaging(ctx, b.window())
	if err != nil {
		return nil, fmt.Errorf("failed to read staging: %w", err)
	}
	return batch, nil
}

func (b *Builder) contracts(ctx context.Context) ([]*models.Contract, error) {
	var out []*models.Contract
	for offset := 0; ; offset += listPageSize {
		page, err := b.cfg.Source.ListContracts(ctx, models.ContractFilter{Limit: listPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("failed to list contracts: %w", err)
		}
		out = append(out, page...)
		if len(page) < listPageSize {
			return out, nil
		}
	}
}

func (b *Builder) tokens(ctx context.Context) ([]*models.Token, error) {
	var out []*models.Token
	for offset := 0; ; offset += listPageSize {
		page, err := b.cfg.Source.ListTokens(ctx, models.TokenFilter{Limit: listPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("failed to list tokens: %w", err)
		}
		out = append(out, page...)
		if len(page) < listPageSize {
			return out, nil
		}
	}
}
