// Package discovery finds catalogue candidates in the staging relations and
// inserts them without ever rewriting existing rows.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/contract-catalog/internal/classify"
	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/metrics"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

// StagingReader reads staged rows whose timestamp falls in a window
type StagingReader interface {
	ReadStaging(ctx context.Context, w models.Window) (*models.StagingBatch, error)
}

// Catalog is the insert-only view of the catalogue discovery needs
type Catalog interface {
	InsertContractIfAbsent(ctx context.Context, c *models.Contract) (bool, error)
	CountContractsSince(ctx context.Context, since time.Time) (int64, error)
	ListContracts(ctx context.Context, f models.ContractFilter) ([]*models.Contract, error)
	InsertTokenIfAbsent(ctx context.Context, t *models.Token) (bool, error)
	CountTokensSince(ctx context.Context, since time.Time) (int64, error)
}

// Options tune a discovery pass
type Options struct {
	Window models.Window
	// MinTransactions drops identifiers seen in fewer transactions
	MinTransactions int64
	// Limit caps candidates considered, after ranking; zero means no cap
	Limit int
	// TrailingWindow bounds RecentlyDiscovered
	TrailingWindow time.Duration
}

// Result summarizes a discovery pass
type Result struct {
	Scanned            int   `json:"scanned"`
	Inserted           int   `json:"inserted"`
	Existing           int   `json:"existing"`
	RecentlyDiscovered int64 `json:"recentlyDiscovered"`
}

// Engine runs contract and token discovery
type Engine struct {
	staging    StagingReader
	catalog    Catalog
	thresholds *classify.Thresholds
	now        func() time.Time
	logger     *logging.Logger
}

// NewEngine creates a discovery engine
func NewEngine(staging StagingReader, catalog Catalog, thresholds *classify.Thresholds) *Engine {
	if thresholds == nil {
		thresholds = classify.DefaultThresholds()
	}
	return &Engine{
		staging:    staging,
		catalog:    catalog,
		thresholds: thresholds,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logging.GetGlobalLogger().WithComponent("discovery"),
	}
}

type activity struct {
	identifier string
	txs        map[string]bool
	lastSeen   time.Time
}

func (a *activity) see(txHash string, ts time.Time) {
	a.txs[txHash] = true
	if ts.After(a.lastSeen) {
		a.lastSeen = ts
	}
}

// DiscoverContracts inserts a discovered row for each staged contract
// identifier not yet catalogued, highest transaction count first.
func (e *Engine) DiscoverContracts(ctx context.Context, opts Options) (*Result, error) {
	batch, err := e.staging.ReadStaging(ctx, opts.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging: %w", err)
	}

	seen := make(map[string]*activity)
	touch := func(id, txHash string, ts time.Time) {
		if _, _, ok := models.SplitContractIdentifier(id); !ok {
			return
		}
		a, ok := seen[id]
		if !ok {
			a = &activity{identifier: id, txs: map[string]bool{}}
			seen[id] = a
		}
		a.see(txHash, ts)
	}

	for _, tx := range batch.Transactions {
		if tx.Kind == types.TxContractCall || tx.Kind == types.TxContractDeploy {
			touch(tx.ContractIdentifier, tx.TxHash, tx.Timestamp)
		}
	}
	for _, ev := range batch.Events {
		touch(ev.ContractIdentifier, ev.TxHash, ev.Timestamp)
		if c := models.AssetContract(ev.AssetIdentifier); c != "" && c != ev.ContractIdentifier {
			touch(c, ev.TxHash, ev.Timestamp)
		}
	}

	ranked := make([]*activity, 0, len(seen))
	for _, a := range seen {
		if int64(len(a.txs)) >= opts.MinTransactions {
			ranked = append(ranked, a)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if len(ranked[i].txs) != len(ranked[j].txs) {
			return len(ranked[i].txs) > len(ranked[j].txs)
		}
		if !ranked[i].lastSeen.Equal(ranked[j].lastSeen) {
			return ranked[i].lastSeen.After(ranked[j].lastSeen)
		}
		return ranked[i].identifier < ranked[j].identifier
	})
	if opts.Limit > 0 && len(ranked) > opts.Limit {
		ranked = ranked[:opts.Limit]
	}

	res := &Result{Scanned: len(ranked)}
	for _, a := range ranked {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		c, ok := models.NewDiscoveredContract(a.identifier, int64(len(a.txs)), a.lastSeen)
		if !ok {
			continue
		}
		inserted, err := e.catalog.InsertContractIfAbsent(ctx, c)
		if err != nil {
			return res, fmt.Errorf("failed to insert contract %s: %w", a.identifier, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Existing++
			e.logger.Debug(apperrors.NewDiscoveryConflict(a.identifier).Message)
		}
	}

	since := e.trailingSince(opts.TrailingWindow)
	if res.RecentlyDiscovered, err = e.catalog.CountContractsSince(ctx, since); err != nil {
		return res, fmt.Errorf("failed to count recent contracts: %w", err)
	}

	metrics.AddDiscovered("contract", res.Inserted)
	e.logger.WithFields(map[string]interface{}{
		"scanned":  res.Scanned,
		"inserted": res.Inserted,
		"existing": res.Existing,
		"recent":   res.RecentlyDiscovered,
	}).Info("contract discovery complete")
	return res, nil
}

const listPageSize = 500

// DiscoverTokens inserts a pending token row for each analyzed contract whose
// interface, or source when no interface was obtained, passes token detection.
func (e *Engine) DiscoverTokens(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{}
	for offset := 0; ; offset += listPageSize {
		contracts, err := e.catalog.ListContracts(ctx, models.ContractFilter{
			Status: types.AnalysisAnalyzed,
			Limit:  listPageSize,
			Offset: offset,
		})
		if err != nil {
			return res, fmt.Errorf("failed to list analyzed contracts: %w", err)
		}

		for _, c := range contracts {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if opts.Limit > 0 && res.Scanned >= opts.Limit {
				break
			}
			res.Scanned++

			d := e.detect(c)
			if !d.Label.IsToken() {
				continue
			}
			inserted, err := e.catalog.InsertTokenIfAbsent(ctx, newPendingToken(c, d.Label))
			if err != nil {
				return res, fmt.Errorf("failed to insert token %s: %w", c.Identifier, err)
			}
			if inserted {
				res.Inserted++
			} else {
				res.Existing++
			}
		}
		if len(contracts) < listPageSize || (opts.Limit > 0 && res.Scanned >= opts.Limit) {
			break
		}
	}

	var err error
	if res.RecentlyDiscovered, err = e.catalog.CountTokensSince(ctx, e.trailingSince(opts.TrailingWindow)); err != nil {
		return res, fmt.Errorf("failed to count recent tokens: %w", err)
	}

	metrics.AddDiscovered("token", res.Inserted)
	e.logger.WithFields(map[string]interface{}{
		"scanned":  res.Scanned,
		"inserted": res.Inserted,
		"existing": res.Existing,
		"recent":   res.RecentlyDiscovered,
	}).Info("token discovery complete")
	return res, nil
}

func (e *Engine) detect(c *models.Contract) classify.Detection {
	var ci *models.ContractInterface
	if c.Interface != nil {
		parsed, err := models.ParseContractInterface(*c.Interface)
		if err != nil {
			e.logger.WithError(err).WithField("contract", c.Identifier).Warn("unparseable interface, falling back to source")
		} else {
			ci = parsed
		}
	}
	source := ""
	if c.Source != nil {
		source = *c.Source
	}
	d := classify.DetectToken(ci, source, e.thresholds)
	metrics.ObserveClassification("token", string(d.Label))
	return d
}

func (e *Engine) trailingSince(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return e.now().Add(-d)
}

func newPendingToken(c *models.Contract, label types.TokenType) *models.Token {
	now := time.Now().UTC()
	return &models.Token{
		ContractIdentifier: c.Identifier,
		TokenType:          label,
		ValidationStatus:   types.ValidationPending,
		TransactionCount:   c.TransactionCount,
		LastSeen:           c.LastSeen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
