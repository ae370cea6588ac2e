package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/contract-catalog/internal/classify"
	"github.com/contract-catalog/internal/features"
	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/metrics"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

// ContractStore is the analyzer-owned view of the contract catalogue
type ContractStore interface {
	ClaimContracts(ctx context.Context, limit int, staleBefore, retryBefore time.Time) ([]*models.Contract, error)
	SaveAnalysis(ctx context.Context, c *models.Contract) error
}

// DeploySourceReader finds a contract's source in its staged deploy transaction
type DeploySourceReader interface {
	DeploySource(ctx context.Context, identifier string) (string, bool, error)
}

// ActivityReader returns the staged calls and events touching one contract
type ActivityReader interface {
	ContractActivity(ctx context.Context, identifier string, w models.Window) (*models.StagingBatch, error)
}

// ContractAnalyzerConfig holds configuration for a contract analyzer
type ContractAnalyzerConfig struct {
	Store      ContractStore
	Chain      ChainReader
	Deploys    DeploySourceReader // optional
	Activity   ActivityReader     // optional; usage rules need it
	Thresholds *classify.Thresholds
	Logger     *logging.Logger
	Now        func() time.Time

	BatchSize   int
	Concurrency int
	CallTimeout time.Duration
	// StaleAfter reclaims rows stuck in analyzing, e.g. after a crash
	StaleAfter time.Duration
	// RetryDelay is the gap before a row deferred by a failed call is claimed again
	RetryDelay time.Duration
	// ActivityWindow is the trailing span of staged activity the usage rules see.
	// Zero means all staged history.
	ActivityWindow time.Duration
	// MaxBatches bounds AnalyzeAll
	MaxBatches int
}

// AnalysisResult summarizes analyzer work
type AnalysisResult struct {
	Claimed  int `json:"claimed"`
	Analyzed int `json:"analyzed"`
	Errored  int `json:"errored"`
	Deferred int `json:"deferred"`
	Failures int `json:"failures"`
}

func (r *AnalysisResult) merge(o *AnalysisResult) {
	r.Claimed += o.Claimed
	r.Analyzed += o.Analyzed
	r.Errored += o.Errored
	r.Deferred += o.Deferred
	r.Failures += o.Failures
}

// ContractAnalyzer fetches interface and source for discovered contracts
// and classifies them.
type ContractAnalyzer struct {
	cfg    ContractAnalyzerConfig
	logger *logging.Logger
}

// NewContractAnalyzer creates a contract analyzer
func NewContractAnalyzer(cfg ContractAnalyzerConfig) (*ContractAnalyzer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("contract store cannot be nil")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("chain reader cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 8 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Minute
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 100
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
	return &ContractAnalyzer{cfg: cfg, logger: logger.WithComponent("contract-analyzer")}, nil
}

// AnalyzeAll drains discovered contracts batch by batch
func (a *ContractAnalyzer) AnalyzeAll(ctx context.Context) (*AnalysisResult, error) {
	total := &AnalysisResult{}
	for i := 0; i < a.cfg.MaxBatches; i++ {
		res, err := a.AnalyzeBatch(ctx)
		if res != nil {
			total.merge(res)
		}
		if err != nil {
			return total, err
		}
		if res.Claimed < a.cfg.BatchSize {
			break
		}
	}
	return total, nil
}

// AnalyzeBatch claims up to BatchSize contracts and analyzes them
func (a *ContractAnalyzer) AnalyzeBatch(ctx context.Context) (*AnalysisResult, error) {
	now := a.cfg.Now()
	claimed, err := a.cfg.Store.ClaimContracts(ctx, a.cfg.BatchSize,
		now.Add(-a.cfg.StaleAfter), now.Add(-a.cfg.RetryDelay))
	if err != nil {
		return nil, fmt.Errorf("failed to claim contracts: %w", err)
	}

	res := &AnalysisResult{Claimed: len(claimed)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, c := range claimed {
		g.Go(func() error {
			next := a.Analyze(gctx, c)
			err := a.cfg.Store.SaveAnalysis(gctx, next)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failures++
				a.logger.WithError(err).WithField("contract", c.Identifier).Error("failed to save analysis")
			case next.AnalysisStatus == types.AnalysisError:
				res.Errored++
			case next.AnalysisStatus == types.AnalysisDiscovered:
				res.Deferred++
			default:
				res.Analyzed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(claimed) > 0 {
		a.logger.WithFields(map[string]interface{}{
			"claimed":  res.Claimed,
			"analyzed": res.Analyzed,
			"errored":  res.Errored,
		"deferred": res.Deferred,
			"failures": res.Failures,
		}).Info("contract analysis batch complete")
	}
	return res, ctx.Err()
}

// Analyze fetches interface and source concurrently and returns the next row.
// A failed or timed-out interface call, or a failed source call with no
// interface to fall back on, returns the row to discovered for a later pass.
// Only explicit absence of both marks it errored.
func (a *ContractAnalyzer) Analyze(ctx context.Context, c *models.Contract) *models.Contract {
	next := c.Clone()
	next.ClassificationErrors = []string{}

	var iface, source string
	var ifaceErr, sourceErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		iface, ifaceErr = a.fetch(ctx, "interface", func(cctx context.Context) (string, error) {
			return a.cfg.Chain.ContractInterface(cctx, c.Identifier)
		})
	}()
	go func() {
		defer wg.Done()
		source, sourceErr = a.fetch(ctx, "source", func(cctx context.Context) (string, error) {
			return a.cfg.Chain.ContractSource(cctx, c.Identifier)
		})
	}()
	wg.Wait()

	if sourceErr != nil && a.cfg.Deploys != nil {
		if staged, ok, err := a.cfg.Deploys.DeploySource(ctx, c.Identifier); err == nil && ok {
			source, sourceErr = staged, nil
		}
	}

	var ci *models.ContractInterface
	ifaceRetry := retryable(ifaceErr)
	if ifaceErr == nil {
		parsed, err := models.ParseContractInterface(iface)
		if err != nil {
			ifaceErr = apperrors.NewParseError(c.Identifier, "interface", err)
		} else {
			ci = parsed
		}
	}
	if ifaceErr != nil {
		next.ClassificationErrors = append(next.ClassificationErrors, "interface: "+ifaceErr.Error())
	}
	if sourceErr != nil {
		next.ClassificationErrors = append(next.ClassificationErrors, "source: "+sourceErr.Error())
	}

	now := a.cfg.Now()
	next.AnalyzedAt = &now
	if ifaceRetry || (ci == nil && retryable(sourceErr)) {
		next.AnalysisStatus = types.AnalysisDiscovered
		return next
	}
	if ci == nil && sourceErr != nil {
		next.AnalysisStatus = types.AnalysisError
		next.Classification = nil
		return next
	}

	if ci != nil {
		next.Interface = models.StringPtr(iface)
	}
	next.Source = models.StringPtr(source)

	feats, err := a.usage(ctx, c)
	if err != nil {
		a.logger.WithError(err).WithField("contract", c.Identifier).Warn("usage features unavailable")
	}

	detection := classify.DetectToken(ci, source, a.cfg.Thresholds)
	feats.Identifier = c.Identifier
	feats.Functions = functionNames(ci, source)
	feats.StandardToken = detection.IsStandardToken()
	result := classify.ClassifyContract(feats, a.cfg.Thresholds)
	if result.Label == classify.LabelSmartContract {
		next.ClassificationErrors = append(next.ClassificationErrors,
			apperrors.NewClassificationInconclusive(c.Identifier, "no archetype rule matched").Message)
	}
	metrics.ObserveClassification("contract", result.Label)

	next.AnalysisStatus = types.AnalysisAnalyzed
	next.Classification = models.StringPtr(result.Label)
	return next
}

func (a *ContractAnalyzer) fetch(ctx context.Context, call string, fn func(context.Context) (string, error)) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	out, err := fn(cctx)
	if err == nil && strings.TrimSpace(out) == "" {
		err = ErrAbsent
	}

	outcome := CallOK
	switch {
	case err == nil:
	case errors.Is(err, ErrAbsent):
		outcome = CallAbsent
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		outcome = CallTimeout
		err = apperrors.NewRemoteCallTimeout("contract " + call)
	default:
		outcome = CallFailed
		err = apperrors.NewRemoteCallFailure("contract "+call, err)
	}
	metrics.ObserveEnrichmentCall("contract-"+call, string(outcome))
	return out, err
}

// usage aggregates the contract's staged activity into the usage half of its
// feature vector
func (a *ContractAnalyzer) usage(ctx context.Context, c *models.Contract) (classify.ContractFeatures, error) {
	if a.cfg.Activity == nil {
		return classify.ContractFeatures{}, nil
	}
	now := a.cfg.Now()
	w := models.Trailing(now, a.cfg.ActivityWindow)
	batch, err := a.cfg.Activity.ContractActivity(ctx, c.Identifier, w)
	if err != nil {
		return classify.ContractFeatures{}, err
	}
	in := features.Input{Transactions: batch.Transactions, Events: batch.Events, Window: w}
	feats := features.Contracts([]*models.Contract{c}, in, a.cfg.Thresholds, features.Options{Now: a.cfg.Now})
	return feats[0], nil
}

// retryable reports a remote call that failed or timed out, as opposed to one
// that answered with nothing
func retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrAbsent) && apperrors.IsRetryable(err)
}

// functionNames uses the interface when present, else names defined in source
func functionNames(ci *models.ContractInterface, source string) []string {
	if ci != nil {
		return ci.FunctionNames()
	}
	return classify.SourceFunctions(source)
}
