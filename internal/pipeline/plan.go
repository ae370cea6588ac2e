// Package pipeline sequences the staging, discovery and mart steps of a run.
// It holds no business logic: each step delegates to its component.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/contract-catalog/internal/discovery"
	"github.com/contract-catalog/internal/enrich"
	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/marts"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/staging"
	"github.com/contract-catalog/internal/types"
)

// Step names outside the mart set
const (
	StepStageRawEvents    = "stage-raw-events"
	StepDiscoverContracts = "discover-contracts"
	StepAnalyzeContracts  = "analyze-contracts"
	StepDiscoverTokens    = "discover-tokens"
)

// StepFunc runs a step and reports rows written
type StepFunc func(ctx context.Context) (int64, error)

// Step is one named, independently retriable unit of a run
type Step struct {
	Name        string
	Destination string
	Disposition types.Disposition
	Timeout     time.Duration
	Run         StepFunc
}

// Request selects what a run executes
type Request struct {
	Stage types.Stage `json:"stage"`
	Marts []string    `json:"marts,omitempty"`
}

// Stager stages raw events
type Stager interface {
	Run(ctx context.Context, w models.Window) (*staging.Result, error)
}

// Discoverer inserts new catalogue rows
type Discoverer interface {
	DiscoverContracts(ctx context.Context, opts discovery.Options) (*discovery.Result, error)
	DiscoverTokens(ctx context.Context, opts discovery.Options) (*discovery.Result, error)
}

// Analyzer drains discovered contracts
type Analyzer interface {
	AnalyzeAll(ctx context.Context) (*enrich.AnalysisResult, error)
}

// MartBuilder materializes a named mart
type MartBuilder interface {
	Materialize(ctx context.Context, name string) (int64, error)
}

// Components are the step implementations a plan draws on
type Components struct {
	Stager     Stager
	Discoverer Discoverer
	// Analyzer is optional; without it full runs leave contracts discovered
	Analyzer  Analyzer
	Marts     MartBuilder
	Discovery discovery.Options
}

// Normalize validates a request and returns it with marts deduplicated in
// canonical order. Marts are only meaningful for the marts stage and are
// dropped otherwise.
func Normalize(req Request) (Request, error) {
	stage, ok := types.ParseStage(string(req.Stage))
	if !ok {
		return req, apperrors.NewInvalidParameterError("stage",
			fmt.Sprintf("unknown stage %q, expected one of %s", req.Stage, stageList()))
	}
	out := Request{Stage: stage}
	if stage != types.StageMarts || len(req.Marts) == 0 {
		return out, nil
	}

	want := make(map[string]bool, len(req.Marts))
	for _, m := range req.Marts {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if !marts.IsKnown(m) {
			return req, apperrors.NewInvalidParameterError("marts",
				fmt.Sprintf("unknown mart %q, expected one of %s", m, strings.Join(marts.Names, ", ")))
		}
		want[m] = true
	}
	for _, m := range marts.Names {
		if want[m] {
			out.Marts = append(out.Marts, m)
		}
	}
	return out, nil
}

func stageList() string {
	names := make([]string, len(types.AllStages))
	for i, s := range types.AllStages {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// Plan returns the ordered steps for a normalized request
func (o *Orchestrator) Plan(req Request) []Step {
	switch req.Stage {
	case types.StageStaging:
		return []Step{o.stagingStep(nil)}
	case types.StageMarts:
		names := req.Marts
		if len(names) == 0 {
			names = marts.Names
		}
		return o.martSteps(names)
	default:
		// discovery scans only what this run staged plus the lookback
		var staged models.Window
		steps := []Step{o.stagingStep(&staged), o.discoverContractsStep(&staged)}
		if o.components.Analyzer != nil {
			steps = append(steps, o.analyzeStep())
		}
		steps = append(steps, o.discoverTokensStep())
		return append(steps, o.martSteps(marts.Names)...)
	}
}

func (o *Orchestrator) stagingStep(staged *models.Window) Step {
	return Step{
		Name:        StepStageRawEvents,
		Destination: "stg_*",
		Disposition: types.DispositionOverwrite,
		Timeout:     o.cfg.HeavyStepTimeout,
		Run: func(ctx context.Context) (int64, error) {
			res, err := o.components.Stager.Run(ctx, models.Window{})
			if err != nil {
				return 0, err
			}
			if staged != nil {
				*staged = res.Span
			}
			return int64(res.Staged()), nil
		},
	}
}

// DiscoveryWindow bounds the contract discovery scan: from the earlier of the
// staged span start and now minus the lookback, open-ended.
func (o *Orchestrator) DiscoveryWindow(staged models.Window) models.Window {
	from := o.now().Add(-o.cfg.DiscoveryLookback)
	if !staged.From.IsZero() && staged.From.Before(from) {
		from = staged.From
	}
	return models.Window{From: from}
}

func (o *Orchestrator) discoverContractsStep(staged *models.Window) Step {
	return Step{
		Name:        StepDiscoverContracts,
		Destination: "contracts",
		Disposition: types.DispositionAppend,
		Timeout:     o.cfg.StepTimeout,
		Run: func(ctx context.Context) (int64, error) {
			opts := o.components.Discovery
			if opts.Window.From.IsZero() && opts.Window.To.IsZero() {
				opts.Window = o.DiscoveryWindow(*staged)
			}
			res, err := o.components.Discoverer.DiscoverContracts(ctx, opts)
			if err != nil {
				return 0, err
			}
			return int64(res.Inserted), nil
		},
	}
}

func (o *Orchestrator) analyzeStep() Step {
	return Step{
		Name:        StepAnalyzeContracts,
		Destination: "contracts",
		Disposition: types.DispositionOverwrite,
		Timeout:     o.cfg.HeavyStepTimeout,
		Run: func(ctx context.Context) (int64, error) {
			res, err := o.components.Analyzer.AnalyzeAll(ctx)
			if err != nil {
				return 0, err
			}
			return int64(res.Analyzed + res.Errored), nil
		},
	}
}

func (o *Orchestrator) discoverTokensStep() Step {
	return Step{
		Name:        StepDiscoverTokens,
		Destination: "tokens",
		Disposition: types.DispositionAppend,
		Timeout:     o.cfg.StepTimeout,
		Run: func(ctx context.Context) (int64, error) {
			res, err := o.components.Discoverer.DiscoverTokens(ctx, o.components.Discovery)
			if err != nil {
				return 0, err
			}
			return int64(res.Inserted), nil
		},
	}
}

func (o *Orchestrator) martSteps(names []string) []Step {
	steps := make([]Step, 0, len(names))
	for _, name := range names {
		timeout := o.cfg.StepTimeout
		if name == marts.MartContractArchetypes || name == marts.MartWalletArchetypes || name == marts.FctDailyActivity {
			timeout = o.cfg.HeavyStepTimeout
		}
		steps = append(steps, Step{
			Name:        name,
			Destination: name,
			Disposition: marts.Disposition(name),
			Timeout:     timeout,
			Run: func(ctx context.Context) (int64, error) {
				return o.components.Marts.Materialize(ctx, name)
			},
		})
	}
	return steps
}
