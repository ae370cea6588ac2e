package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-catalog/internal/discovery"
	"github.com/contract-catalog/internal/enrich"
	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/marts"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/pipeline"
	"github.com/contract-catalog/internal/staging"
	"github.com/contract-catalog/internal/storage/memory"
	"github.com/contract-catalog/internal/types"
)

type fakeStager struct {
	errs  []error
	calls int
	block bool
	span  models.Window
}

func (f *fakeStager) Run(ctx context.Context, w models.Window) (*staging.Result, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return nil, f.errs[f.calls-1]
	}
	return &staging.Result{Rows: map[string]int{staging.RelationTransactions: 4}, Span: f.span}, nil
}

type fakeDiscoverer struct {
	contracts, tokens int
	windows           []models.Window
}

func (f *fakeDiscoverer) DiscoverContracts(ctx context.Context, opts discovery.Options) (*discovery.Result, error) {
	f.contracts++
	f.windows = append(f.windows, opts.Window)
	return &discovery.Result{Inserted: 1}, nil
}

func (f *fakeDiscoverer) DiscoverTokens(ctx context.Context, opts discovery.Options) (*discovery.Result, error) {
	f.tokens++
	return &discovery.Result{}, nil
}

type fakeAnalyzer struct{ calls int }

func (f *fakeAnalyzer) AnalyzeAll(ctx context.Context) (*enrich.AnalysisResult, error) {
	f.calls++
	return &enrich.AnalysisResult{Analyzed: 1}, nil
}

type fakeMarts struct {
	mu    sync.Mutex
	built []string
}

func (f *fakeMarts) Materialize(ctx context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built = append(f.built, name)
	return 1, nil
}

type fixture struct {
	stager   *fakeStager
	disc     *fakeDiscoverer
	analyzer *fakeAnalyzer
	marts    *fakeMarts
	store    *memory.Store
	orch     *pipeline.Orchestrator
}

func newFixture(t *testing.T, cfg pipeline.Config) *fixture {
	t.Helper()
	f := &fixture{
		stager:   &fakeStager{},
		disc:     &fakeDiscoverer{},
		analyzer: &fakeAnalyzer{},
		marts:    &fakeMarts{},
		store:    memory.New(),
	}
	orch, err := pipeline.NewOrchestrator(cfg, pipeline.Components{
		Stager:     f.stager,
		Discoverer: f.disc,
		Analyzer:   f.analyzer,
		Marts:      f.marts,
	}, f.store, f.store)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func stepNames(steps []pipeline.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}

func TestNormalize(t *testing.T) {
	req, err := pipeline.Normalize(pipeline.Request{Stage: "MARTS", Marts: []string{marts.DimTokens, " dim_contracts ", marts.DimTokens}})
	require.NoError(t, err)
	assert.Equal(t, types.StageMarts, req.Stage)
	assert.Equal(t, []string{marts.DimContracts, marts.DimTokens}, req.Marts)

	req, err = pipeline.Normalize(pipeline.Request{Stage: types.StageStaging, Marts: []string{marts.DimTokens}})
	require.NoError(t, err)
	assert.Empty(t, req.Marts, "marts only apply to the marts stage")

	_, err = pipeline.Normalize(pipeline.Request{Stage: "nightly"})
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))

	_, err = pipeline.Normalize(pipeline.Request{Stage: types.StageMarts, Marts: []string{"dim_wallets"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dim_wallets")
}

func TestPlan(t *testing.T) {
	f := newFixture(t, pipeline.Config{})

	assert.Equal(t, []string{pipeline.StepStageRawEvents}, stepNames(f.orch.Plan(pipeline.Request{Stage: types.StageStaging})))
	assert.Equal(t, marts.Names, stepNames(f.orch.Plan(pipeline.Request{Stage: types.StageMarts})))

	full := f.orch.Plan(pipeline.Request{Stage: types.StageFull})
	want := append([]string{
		pipeline.StepStageRawEvents,
		pipeline.StepDiscoverContracts,
		pipeline.StepAnalyzeContracts,
		pipeline.StepDiscoverTokens,
	}, marts.Names...)
	assert.Equal(t, want, stepNames(full))

	last := full[len(full)-1]
	assert.Equal(t, marts.FctPipelineSnapshots, last.Name)
	assert.Equal(t, types.DispositionAppend, last.Disposition)
}

func TestRun_FullSucceeds(t *testing.T) {
	f := newFixture(t, pipeline.Config{})

	run, err := f.orch.Run(context.Background(), pipeline.Request{Stage: types.StageFull})
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, run.Status)
	for _, s := range run.Steps {
		assert.Equal(t, types.StepSucceeded, s.Status, s.Name)
		assert.Equal(t, 1, s.Attempts)
	}
	assert.Equal(t, int64(4), run.Steps[0].Rows)
	assert.Equal(t, marts.Names, f.marts.built)

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
}

func TestRun_FailFast(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	f.stager.errs = []error{errors.New("clickhouse: connection refused")}

	run, err := f.orch.Run(context.Background(), pipeline.Request{Stage: types.StageFull})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryStep))
	assert.Contains(t, err.Error(), pipeline.StepStageRawEvents)

	assert.Equal(t, types.RunFailed, run.Status)
	require.NotNil(t, run.FailedStep())
	assert.Equal(t, pipeline.StepStageRawEvents, run.FailedStep().Name)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "connection refused")
	for _, s := range run.Steps[1:] {
		assert.Equal(t, types.StepSkipped, s.Status, s.Name)
	}
	assert.Zero(t, f.disc.contracts)
	assert.Zero(t, f.analyzer.calls)
	assert.Empty(t, f.marts.built)

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, stored.Status)
}

func TestRun_RetriesStep(t *testing.T) {
	f := newFixture(t, pipeline.Config{StepAttempts: 2, RetryDelay: time.Millisecond})
	f.stager.errs = []error{errors.New("transient")}

	run, err := f.orch.Run(context.Background(), pipeline.Request{Stage: types.StageStaging})
	require.NoError(t, err)
	assert.Equal(t, 2, run.Steps[0].Attempts)
	assert.Equal(t, 2, f.stager.calls)
}

func TestRun_StepTimeout(t *testing.T) {
	f := newFixture(t, pipeline.Config{HeavyStepTimeout: 20 * time.Millisecond})
	f.stager.block = true

	run, err := f.orch.Run(context.Background(), pipeline.Request{Stage: types.StageStaging})
	require.Error(t, err)
	assert.Contains(t, run.Steps[0].Error, "timed out")
}

func TestRun_InvalidRequest(t *testing.T) {
	f := newFixture(t, pipeline.Config{})

	run, err := f.orch.Run(context.Background(), pipeline.Request{Stage: types.StageMarts, Marts: []string{"nope"}})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Empty(t, run.Steps)
	assert.Empty(t, f.marts.built)
}

func TestRun_LockHeld(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	_, ok, err := f.store.TryLock(context.Background(), pipeline.LockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	run, err := f.orch.Run(context.Background(), pipeline.Request{Stage: types.StageStaging})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryConflict))
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Zero(t, f.stager.calls)
}

func TestRun_ReleasesLock(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	for i := 0; i < 2; i++ {
		_, err := f.orch.Run(context.Background(), pipeline.Request{Stage: types.StageStaging})
		require.NoError(t, err)
	}
}

func TestRun_CancelledRunSkipsRemainingSteps(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := f.orch.Run(ctx, pipeline.Request{Stage: types.StageMarts})
	require.Error(t, err)
	for _, s := range run.Steps {
		assert.Equal(t, types.StepSkipped, s.Status)
	}
	assert.Empty(t, f.marts.built)
}

func TestRun_DiscoveryScansStagedSpan(t *testing.T) {
	f := newFixture(t, pipeline.Config{DiscoveryLookback: time.Hour})
	old := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.stager.span = models.Window{From: old, To: old.Add(time.Hour)}

	_, err := f.orch.Run(context.Background(), pipeline.Request{Stage: types.StageFull})
	require.NoError(t, err)
	require.Len(t, f.disc.windows, 1)
	assert.Equal(t, old, f.disc.windows[0].From, "older staged rows widen the scan")
	assert.True(t, f.disc.windows[0].To.IsZero())

	// nothing staged: only the lookback is rescanned
	f.stager.span = models.Window{}
	_, err = f.orch.Run(context.Background(), pipeline.Request{Stage: types.StageFull})
	require.NoError(t, err)
	require.Len(t, f.disc.windows, 2)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), f.disc.windows[1].From, time.Minute)
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := pipeline.NewOrchestrator(pipeline.Config{}, pipeline.Components{}, nil, nil)
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	status := f.orch.Describe()
	assert.Equal(t, types.AllStages, status.Stages)
	assert.Equal(t, marts.Names, status.Marts)
}
