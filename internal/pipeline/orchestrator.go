package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/marts"
	"github.com/contract-catalog/internal/metrics"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/retry"
	"github.com/contract-catalog/internal/types"
)

// LockKey guards against overlapping runs
const LockKey = "pipeline:run"

// RunRecorder persists run records
type RunRecorder interface {
	SaveRun(ctx context.Context, run *models.PipelineRun) error
}

// Locker is a lease-based mutual exclusion lock
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// Config holds orchestrator configuration
type Config struct {
	StepTimeout      time.Duration // default 2m
	HeavyStepTimeout time.Duration // default 10m
	StepAttempts     int           // default 1
	RetryDelay       time.Duration // default 2s
	LockTTL          time.Duration // default 30m

	// DiscoveryLookback is how far before the newly staged rows contract
	// discovery rescans, so a run that failed after staging is caught up. Default 24h.
	DiscoveryLookback time.Duration
}

// Orchestrator executes planned steps sequentially and fails fast
type Orchestrator struct {
	cfg        Config
	components Components
	runs       RunRecorder // optional
	lock       Locker      // optional
	logger     *logging.Logger
	now        func() time.Time
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg Config, components Components, runs RunRecorder, lock Locker) (*Orchestrator, error) {
	if components.Stager == nil {
		return nil, fmt.Errorf("stager cannot be nil")
	}
	if components.Discoverer == nil {
		return nil, fmt.Errorf("discoverer cannot be nil")
	}
	if components.Marts == nil {
		return nil, fmt.Errorf("mart builder cannot be nil")
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 2 * time.Minute
	}
	if cfg.HeavyStepTimeout <= 0 {
		cfg.HeavyStepTimeout = 10 * time.Minute
	}
	if cfg.StepAttempts <= 0 {
		cfg.StepAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.DiscoveryLookback <= 0 {
		cfg.DiscoveryLookback = 24 * time.Hour
	}
	return &Orchestrator{
		cfg:        cfg,
		components: components,
		runs:       runs,
		lock:       lock,
		logger:     logging.GetGlobalLogger().WithComponent("pipeline"),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Status describes what a trigger accepts
type Status struct {
	Stages []types.Stage `json:"stages"`
	Marts  []string      `json:"marts"`
}

// Describe lists the accepted stages and mart names
func (o *Orchestrator) Describe() Status {
	return Status{Stages: types.AllStages, Marts: append([]string(nil), marts.Names...)}
}

// Run validates req, executes its plan and always returns the run record.
// The error is non-nil when the run did not succeed: a validation error, a
// conflict while another run holds the lock, or the StepFailure that aborted it.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*models.PipelineRun, error) {
	run := &models.PipelineRun{
		ID:        uuid.NewString(),
		Stage:     req.Stage,
		Marts:     req.Marts,
		Status:    types.RunRunning,
		StartedAt: o.now(),
		Steps:     []models.StepResult{},
	}
	logger := o.logger.WithFields(map[string]interface{}{"run_id": run.ID, "stage": req.Stage})

	norm, err := Normalize(req)
	if err != nil {
		o.finish(ctx, run, err)
		return run, err
	}
	run.Stage, run.Marts = norm.Stage, norm.Marts

	if o.lock != nil {
		token, ok, err := o.lock.TryLock(ctx, LockKey, o.cfg.LockTTL)
		if err != nil {
			err = apperrors.NewInternalError("failed to acquire run lock", err)
			o.finish(ctx, run, err)
			return run, err
		}
		if !ok {
			err = apperrors.NewConflictError("another pipeline run is in progress")
			o.finish(ctx, run, err)
			return run, err
		}
		defer func() {
			if err := o.lock.Unlock(context.WithoutCancel(ctx), LockKey, token); err != nil {
				logger.WithError(err).Warn("failed to release run lock")
			}
		}()
	}

	steps := o.Plan(norm)
	for _, s := range steps {
		run.Steps = append(run.Steps, models.StepResult{
			Name:        s.Name,
			Destination: s.Destination,
			Disposition: s.Disposition,
			Status:      types.StepPending,
		})
	}
	o.record(ctx, run)
	logger.Infof("pipeline run started with %d steps", len(steps))

	var runErr error
	for i, s := range steps {
		if runErr != nil {
			run.Steps[i].Status = types.StepSkipped
			continue
		}
		if err := ctx.Err(); err != nil {
			runErr = apperrors.NewStepFailure(s.Name, fmt.Errorf("run cancelled before step: %w", err))
			run.Steps[i].Status = types.StepSkipped
			continue
		}
		if err := o.execute(ctx, s, &run.Steps[i]); err != nil {
			runErr = apperrors.NewStepFailure(s.Name, err)
			logger.WithError(err).WithField("step", s.Name).Error("pipeline step failed, aborting run")
		}
		o.record(ctx, run)
	}

	o.finish(ctx, run, runErr)
	metrics.ObserveRun(string(run.Stage), runErr == nil)
	if runErr != nil {
		return run, runErr
	}
	logger.Info("pipeline run succeeded")
	return run, nil
}

// execute runs one step with its timeout and retries. An in-flight step is
// allowed to finish when the run context is cancelled.
func (o *Orchestrator) execute(ctx context.Context, s Step, res *models.StepResult) error {
	started := o.now()
	res.StartedAt = &started
	res.Status = types.StepRunning

	stepCtx := logging.WithLogger(context.WithoutCancel(ctx), o.logger.WithField("step", s.Name))
	var rows int64
	result := retry.WithExponentialBackoff(stepCtx, &retry.RetryConfig{
		MaxAttempts:  o.cfg.StepAttempts,
		InitialDelay: o.cfg.RetryDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		ShouldRetry: func(err error) bool {
			return !apperrors.IsCategory(err, apperrors.CategoryValidation)
		},
	}, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, s.Timeout)
		defer cancel()
		n, err := s.Run(actx)
		if err == nil {
			rows = n
		} else if actx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("step timed out after %v: %w", s.Timeout, err)
		}
		return err
	})

	finished := o.now()
	res.FinishedAt = &finished
	res.Attempts = result.Attempts
	elapsed := finished.Sub(started)
	if !result.Success {
		res.Status = types.StepFailed
		res.Error = result.LastError.Error()
		metrics.ObserveStep(s.Name, string(res.Status), elapsed)
		return result.LastError
	}
	res.Status = types.StepSucceeded
	res.Rows = rows
	metrics.ObserveStep(s.Name, string(res.Status), elapsed)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, run *models.PipelineRun, err error) {
	finished := o.now()
	run.FinishedAt = &finished
	if err != nil {
		run.Status = types.RunFailed
		msg := err.Error()
		if ce := apperrors.Categorize(err); ce != nil && ce.Cause != nil {
			msg = fmt.Sprintf("%s: %v", ce.Message, ce.Cause)
		}
		run.Error = &msg
	} else {
		run.Status = types.RunSucceeded
	}
	o.record(ctx, run)
}

// record persists the run; failures are logged only since runs are
// kept for observability.
func (o *Orchestrator) record(ctx context.Context, run *models.PipelineRun) {
	if o.runs == nil {
		return
	}
	if err := o.runs.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		o.logger.WithError(err).WithField("run_id", run.ID).Warn("failed to record pipeline run")
	}
}
