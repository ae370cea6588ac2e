package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/contract-catalog/internal/enrich"
	"github.com/contract-catalog/internal/logging"
)

// ContractAnalyzer analyzes one batch of discovered contracts
type ContractAnalyzer interface {
	AnalyzeBatch(ctx context.Context) (*enrich.AnalysisResult, error)
}

// TokenEnricher enriches one batch of pending tokens
type TokenEnricher interface {
	EnrichBatch(ctx context.Context) (*enrich.BatchResult, error)
}

// EnrichmentWorker periodically drains contract analysis and token
// enrichment work outside the pipeline DAG.
type EnrichmentWorker struct {
	analyzer       ContractAnalyzer
	enricher       TokenEnricher
	pollInterval   time.Duration
	batchDelay     time.Duration
	maxBatches     int
	running        bool
	mu             sync.RWMutex
	stopCh         chan struct{}
	doneCh         chan struct{}
	lastPollTime   time.Time
	lastPollResult PollResult
	logger         *logging.Logger
}

// EnrichmentWorkerConfig holds configuration for an enrichment worker
type EnrichmentWorkerConfig struct {
	Analyzer     ContractAnalyzer // optional
	Enricher     TokenEnricher
	PollInterval time.Duration
	// BatchDelay is slept between consecutive batches to respect remote rate limits
	BatchDelay time.Duration
	// MaxBatchesPerPoll bounds one poll cycle (default: 20)
	MaxBatchesPerPoll int
}

// PollResult summarizes one poll cycle
type PollResult struct {
	Contracts enrich.AnalysisResult `json:"contracts"`
	Tokens    enrich.BatchResult    `json:"tokens"`
}

// EnrichmentWorkerStatus reports worker state
type EnrichmentWorkerStatus struct {
	Running      bool       `json:"running"`
	PollInterval string     `json:"pollInterval"`
	LastPollTime time.Time  `json:"lastPollTime"`
	LastPoll     PollResult `json:"lastPoll"`
}

// NewEnrichmentWorker creates a new enrichment worker
func NewEnrichmentWorker(cfg *EnrichmentWorkerConfig) (*EnrichmentWorker, error) {
	if cfg.Enricher == nil {
		return nil, fmt.Errorf("token enricher cannot be nil")
	}

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 5 * time.Minute
	}
	if pollInterval < time.Second {
		return nil, fmt.Errorf("poll interval must be at least 1s, got %v", pollInterval)
	}

	maxBatches := cfg.MaxBatchesPerPoll
	if maxBatches <= 0 {
		maxBatches = 20
	}

	return &EnrichmentWorker{
		analyzer:     cfg.Analyzer,
		enricher:     cfg.Enricher,
		pollInterval: pollInterval,
		batchDelay:   cfg.BatchDelay,
		maxBatches:   maxBatches,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		logger:       logging.GetGlobalLogger().WithComponent("enrichment-worker"),
	}, nil
}

// Start runs one poll immediately and then on every tick
func (w *EnrichmentWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("enrichment worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Infof("starting enrichment worker with poll interval %v", w.pollInterval)
	go w.pollLoop(ctx)
	return nil
}

// Stop gracefully stops the worker
func (w *EnrichmentWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("enrichment worker is not running")
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
		w.logger.Info("enrichment worker stopped gracefully")
	case <-ctx.Done():
		w.logger.Warn("enrichment worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

func (w *EnrichmentWorker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("context cancelled")
			return
		case <-w.stopCh:
			w.logger.Info("stop signal received")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *EnrichmentWorker) tick(ctx context.Context) {
	res, err := w.Poll(ctx)

	w.mu.Lock()
	w.lastPollTime = time.Now()
	w.lastPollResult = res
	w.mu.Unlock()

	if err != nil {
		// keep polling; the next cycle retries
		w.logger.WithError(err).Warn("poll error")
	}
}

// Poll drains contract analysis then token enrichment, one batch at a time,
// up to MaxBatchesPerPoll batches each.
func (w *EnrichmentWorker) Poll(ctx context.Context) (PollResult, error) {
	var out PollResult

	if w.analyzer != nil {
		for i := 0; i < w.maxBatches; i++ {
			res, err := w.analyzer.AnalyzeBatch(ctx)
			if err != nil {
				return out, fmt.Errorf("contract analysis: %w", err)
			}
			out.Contracts.Claimed += res.Claimed
			out.Contracts.Analyzed += res.Analyzed
			out.Contracts.Errored += res.Errored
			out.Contracts.Failures += res.Failures
			if res.Claimed == 0 {
				break
			}
			if err := w.pause(ctx); err != nil {
				return out, err
			}
		}
	}

	for i := 0; i < w.maxBatches; i++ {
		res, err := w.enricher.EnrichBatch(ctx)
		if err != nil {
			return out, fmt.Errorf("token enrichment: %w", err)
		}
		out.Tokens.Processed += res.Processed
		out.Tokens.Validated += res.Validated
		out.Tokens.Failed += res.Failed
		out.Tokens.Pending += res.Pending
		out.Tokens.Errors += res.Errors
		if res.Processed == 0 {
			break
		}
		if err := w.pause(ctx); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (w *EnrichmentWorker) pause(ctx context.Context) error {
	if w.batchDelay <= 0 {
		return nil
	}
	t := time.NewTimer(w.batchDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopCh:
		return fmt.Errorf("worker stopping")
	case <-t.C:
		return nil
	}
}

// GetStatus returns the current worker status
func (w *EnrichmentWorker) GetStatus() *EnrichmentWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return &EnrichmentWorkerStatus{
		Running:      w.running,
		PollInterval: w.pollInterval.String(),
		LastPollTime: w.lastPollTime,
		LastPoll:     w.lastPollResult,
	}
}
