package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/contract-catalog/internal/circuitbreaker"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/metrics"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

// TokenStore is the enrichment-owned view of the token catalogue
type TokenStore interface {
	ListPendingTokens(ctx context.Context, limit int, retryBefore time.Time) ([]*models.Token, error)
	SaveEnrichment(ctx context.Context, t *models.Token) error
}

// TokenEnricherConfig holds configuration for a token enricher
type TokenEnricherConfig struct {
	Store   TokenStore
	Chain   ChainReader
	Fetcher MetadataFetcher
	Cache   MetadataCache           // optional
	Breaker *circuitbreaker.Manager // optional, keyed by metadata host
	Limiter *rate.Limiter           // optional, spaces metadata fetches
	Logger  *logging.Logger         // optional
	Now     func() time.Time        // optional

	BatchSize   int
	Concurrency int
	CallTimeout time.Duration
	URITimeout  time.Duration
	// RetryAfter is the minimum gap before a pending token is attempted again
	RetryAfter time.Duration
	Gateway    string
}

// BatchResult summarizes one enrichment batch
type BatchResult struct {
	Processed int `json:"processed"`
	Validated int `json:"validated"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

func (r *BatchResult) add(status types.ValidationStatus) {
	switch status {
	case types.ValidationValidated:
		r.Validated++
	case types.ValidationFailed:
		r.Failed++
	default:
		r.Pending++
	}
}

// TokenEnricher fills token attributes from read-only calls and token URIs
type TokenEnricher struct {
	cfg    TokenEnricherConfig
	logger *logging.Logger
	mu     sync.Mutex
}

// NewTokenEnricher creates a token enricher
func NewTokenEnricher(cfg TokenEnricherConfig) (*TokenEnricher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("token store cannot be nil")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("chain reader cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 30
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 8 * time.Second
	}
	if cfg.URITimeout <= 0 {
		cfg.URITimeout = 10 * time.Second
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 15 * time.Minute
	}
	if cfg.Gateway == "" {
		cfg.Gateway = DefaultGateway
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &TokenEnricher{cfg: cfg, logger: logger.WithComponent("token-enricher")}, nil
}

// EnrichBatch enriches up to BatchSize pending tokens, Concurrency at a time.
// Per-token failures are counted and logged, never returned.
func (e *TokenEnricher) EnrichBatch(ctx context.Context) (*BatchResult, error) {
	retryBefore := e.cfg.Now().Add(-e.cfg.RetryAfter)
	tokens, err := e.cfg.Store.ListPendingTokens(ctx, e.cfg.BatchSize, retryBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tokens: %w", err)
	}

	res := &BatchResult{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, t := range tokens {
		g.Go(func() error {
			next, _ := e.EnrichToken(gctx, t)
			saveErr := e.cfg.Store.SaveEnrichment(gctx, next)

			e.mu.Lock()
			defer e.mu.Unlock()
			res.Processed++
			if saveErr != nil {
				res.Errors++
				e.logger.WithError(saveErr).WithField("token", t.ContractIdentifier).Error("failed to save enrichment")
				return nil
			}
			res.add(next.ValidationStatus)
			return nil
		})
	}
	_ = g.Wait()

	if len(tokens) > 0 {
		e.logger.WithFields(map[string]interface{}{
			"processed": res.Processed,
			"validated": res.Validated,
			"failed":    res.Failed,
			"pending":   res.Pending,
			"errors":    res.Errors,
		}).Info("token enrichment batch complete")
	}
	return res, ctx.Err()
}

// EnrichToken runs the read-only calls and the metadata fetch for one token
// and returns the merged row together with the individual call results.
func (e *TokenEnricher) EnrichToken(ctx context.Context, t *models.Token) (*models.Token, Results) {
	results := e.callAll(ctx, t.ContractIdentifier)

	var md *TokenMetadata
	uri := ""
	if t.TokenURI != nil {
		uri = *t.TokenURI
	} else if s := stringResult(results, FieldTokenURI); s != nil {
		uri = *s
	}
	if uri != "" && e.cfg.Fetcher != nil {
		var err error
		md, err = e.metadata(ctx, uri)
		if err != nil {
			e.logger.WithError(err).WithFields(map[string]interface{}{
				"token": t.ContractIdentifier,
				"uri":   uri,
			}).Warn("token metadata unavailable")
		}
	}

	next := Merge(t, results, md, e.cfg.Gateway, e.cfg.Now())
	if summary := results.Summary(); len(summary) > 0 {
		e.logger.WithFields(map[string]interface{}{
			"token":  t.ContractIdentifier,
			"status": next.ValidationStatus,
			"calls":  summary,
		}).Debug("token calls incomplete")
	}
	return next, results
}

// callAll fans out the fixed read-only calls. Each call has its own timeout
// and a failure of one never cancels the others.
func (e *TokenEnricher) callAll(ctx context.Context, contract string) Results {
	slots := make([]CallResult, len(TokenCalls))
	var wg sync.WaitGroup
	for i, fn := range TokenCalls {
		wg.Add(1)
		go func(i int, fn string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
			defer cancel()
			v, err := e.cfg.Chain.CallReadOnly(cctx, contract, fn)
			if err != nil && cctx.Err() == context.DeadlineExceeded && !errors.Is(err, ErrAbsent) {
				err = context.DeadlineExceeded
			}
			slots[i] = classifyCall(fn, v, err)
			metrics.ObserveEnrichmentCall(fn, string(slots[i].Status))
		}(i, fn)
	}
	wg.Wait()

	out := make(Results, len(slots))
	for _, r := range slots {
		out[r.Field] = r
	}
	return out
}

// metadata resolves a token URI document through the cache, the rate
// limiter and the per-host circuit breaker.
func (e *TokenEnricher) metadata(ctx context.Context, uri string) (*TokenMetadata, error) {
	if e.cfg.Cache != nil {
		if md, ok, err := e.cfg.Cache.GetMetadata(ctx, uri); err == nil && ok {
			metrics.ObserveEnrichmentCall("token-uri-document", "cached")
			return md, nil
		}
	}

	fetchURL := uri
	if norm := NormalizeImageURL(uri, e.cfg.Gateway); norm != nil && !isDataURI(*norm) {
		fetchURL = *norm
	}

	if e.cfg.Limiter != nil {
		if err := e.cfg.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	fctx, cancel := context.WithTimeout(ctx, e.cfg.URITimeout)
	defer cancel()

	var md *TokenMetadata
	fetch := func() error {
		var err error
		md, err = e.cfg.Fetcher.FetchMetadata(fctx, fetchURL)
		return err
	}

	var err error
	if e.cfg.Breaker != nil {
		err = e.cfg.Breaker.Get(hostOf(fetchURL)).Execute(fctx, fetch)
	} else {
		err = fetch()
	}
	if err != nil {
		status := CallFailed
		if errors.Is(err, context.DeadlineExceeded) {
			status = CallTimeout
		}
		metrics.ObserveEnrichmentCall("token-uri-document", string(status))
		return nil, err
	}
	metrics.ObserveEnrichmentCall("token-uri-document", string(CallOK))

	if e.cfg.Cache != nil {
		if err := e.cfg.Cache.SetMetadata(ctx, uri, md); err != nil {
			e.logger.WithError(err).Warn("failed to cache token metadata")
		}
	}
	return md, nil
}

func isDataURI(s string) bool {
	return len(s) >= 5 && (s[:5] == "data:" || s[:5] == "DATA:")
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
