// Package app assembles the catalogue pipeline from configuration. The
// server, pipeline CLI and enricher binaries share this wiring.
package app

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/contract-catalog/internal/adapter"
	"github.com/contract-catalog/internal/circuitbreaker"
	"github.com/contract-catalog/internal/classify"
	"github.com/contract-catalog/internal/config"
	"github.com/contract-catalog/internal/discovery"
	"github.com/contract-catalog/internal/enrich"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/marts"
	"github.com/contract-catalog/internal/pipeline"
	"github.com/contract-catalog/internal/staging"
	"github.com/contract-catalog/internal/worker"
)

// Backend is everything the pipeline components read from and write to.
// *storage.Stores and *memory.Store both satisfy it.
type Backend interface {
	staging.RawEventSource
	staging.Store
	staging.WatermarkStore
	discovery.Catalog
	enrich.ContractStore
	enrich.TokenStore
	enrich.DeploySourceReader
	enrich.ActivityReader
	marts.Source
	marts.Writer
	pipeline.RunRecorder
	pipeline.Locker
}

// App holds the assembled components
type App struct {
	Config       *config.Config
	Thresholds   *classify.Thresholds
	Orchestrator *pipeline.Orchestrator
	Analyzer     *enrich.ContractAnalyzer
	Enricher     *enrich.TokenEnricher
	Breakers     *circuitbreaker.Manager
}

// Options override the remote dependencies, mostly for tests
type Options struct {
	Chain   enrich.ChainReader
	Fetcher enrich.MetadataFetcher
	Cache   enrich.MetadataCache
	// Budget is the shared chain API budget pool for this process
	Budget adapter.RequestBudget
}

// Build assembles every component on top of backend
func Build(cfg *config.Config, backend Backend, opts Options) (*App, error) {
	logger := logging.GetGlobalLogger()

	thresholds := classify.DefaultThresholds()
	if cfg.Classify.ThresholdsFile != "" {
		t, err := classify.LoadThresholds(cfg.Classify.ThresholdsFile)
		if err != nil {
			return nil, err
		}
		thresholds = t
		logger.WithField("file", cfg.Classify.ThresholdsFile).Info("loaded classification thresholds")
	}

	chain := opts.Chain
	if chain == nil {
		chain = adapter.NewChainClient(adapter.ChainClientConfig{
			BaseURL:    cfg.Chain.APIURL,
			Sender:     cfg.Chain.SenderAddress,
			Budget:     opts.Budget,
			HTTPClient: &http.Client{Timeout: cfg.Enrichment.CallTimeout + 5*time.Second},
		})
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = adapter.NewMetadataFetcher(&http.Client{Timeout: cfg.Enrichment.URITimeout})
	}

	transformer, err := staging.NewTransformer(backend, backend, backend, staging.Config{})
	if err != nil {
		return nil, fmt.Errorf("staging transformer: %w", err)
	}

	analyzer, err := enrich.NewContractAnalyzer(enrich.ContractAnalyzerConfig{
		Store:          backend,
		Chain:          chain,
		Deploys:        backend,
		Activity:       backend,
		Thresholds:     thresholds,
		Logger:         logger.WithComponent("contract-analyzer"),
		BatchSize:      cfg.Pipeline.AnalyzeBatchSize,
		Concurrency:    cfg.Enrichment.Concurrency,
		CallTimeout:    cfg.Enrichment.CallTimeout,
		RetryDelay:     cfg.Enrichment.RetryDelay,
		ActivityWindow: cfg.Pipeline.TrailingWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("contract analyzer: %w", err)
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig)
	var limiter *rate.Limiter
	if cfg.Enrichment.FetchDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Enrichment.FetchDelay), 1)
	}
	enricher, err := enrich.NewTokenEnricher(enrich.TokenEnricherConfig{
		Store:       backend,
		Chain:       chain,
		Fetcher:     fetcher,
		Cache:       opts.Cache,
		Breaker:     breakers,
		Limiter:     limiter,
		Logger:      logger.WithComponent("token-enricher"),
		BatchSize:   cfg.Enrichment.BatchSize,
		Concurrency: cfg.Enrichment.Concurrency,
		CallTimeout: cfg.Enrichment.CallTimeout,
		URITimeout:  cfg.Enrichment.URITimeout,
		Gateway:     cfg.Enrichment.IPFSGateway,
	})
	if err != nil {
		return nil, fmt.Errorf("token enricher: %w", err)
	}

	builder, err := marts.NewBuilder(marts.BuilderConfig{
		Source:         backend,
		Writer:         backend,
		Thresholds:     thresholds,
		ActivityWindow: cfg.Pipeline.TrailingWindow,
		Logger:         logger.WithComponent("marts"),
	})
	if err != nil {
		return nil, fmt.Errorf("mart builder: %w", err)
	}

	orchestrator, err := pipeline.NewOrchestrator(pipeline.Config{
		StepTimeout:       cfg.Pipeline.StepTimeout,
		HeavyStepTimeout:  cfg.Pipeline.HeavyStepTimeout,
		StepAttempts:      cfg.Pipeline.StepAttempts,
		LockTTL:           cfg.Pipeline.LockTTL,
		DiscoveryLookback: cfg.Pipeline.DiscoveryLookback,
	}, pipeline.Components{
		Stager:     transformer,
		Discoverer: discovery.NewEngine(backend, backend, thresholds),
		Analyzer:   analyzer,
		Marts:      builder,
		Discovery:  discovery.Options{TrailingWindow: cfg.Pipeline.TrailingWindow},
	}, backend, backend)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	return &App{
		Config:       cfg,
		Thresholds:   thresholds,
		Orchestrator: orchestrator,
		Analyzer:     analyzer,
		Enricher:     enricher,
		Breakers:     breakers,
	}, nil
}

// NewWorker creates the background enrichment worker
func (a *App) NewWorker() (*worker.EnrichmentWorker, error) {
	return worker.NewEnrichmentWorker(&worker.EnrichmentWorkerConfig{
		Analyzer:     a.Analyzer,
		Enricher:     a.Enricher,
		PollInterval: a.Config.Enrichment.PollInterval,
		BatchDelay:   a.Config.Enrichment.BatchDelay,
	})
}
