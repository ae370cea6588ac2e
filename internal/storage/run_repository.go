package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

const runColumns = `id::text, stage, marts, status, started_at, finished_at, steps, error`

// RunRepository keeps pipeline run records and staging watermarks
type RunRepository struct {
	db *PostgresDB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *PostgresDB) *RunRepository {
	return &RunRepository{db: db}
}

func scanRun(row pgx.Row) (*models.PipelineRun, error) {
	var run models.PipelineRun
	var stage, status string
	var steps []byte
	if err := row.Scan(&run.ID, &stage, &run.Marts, &status, &run.StartedAt, &run.FinishedAt, &steps, &run.Error); err != nil {
		return nil, err
	}
	run.Stage = types.Stage(stage)
	run.Status = types.RunStatus(status)
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &run.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode steps: %w", err)
		}
	}
	return &run, nil
}

// SaveRun upserts a pipeline run
func (r *RunRepository) SaveRun(ctx context.Context, run *models.PipelineRun) error {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}
	marts := run.Marts
	if marts == nil {
		marts = []string{}
	}
	_, err = r.db.Pool().Exec(ctx, `
		INSERT INTO pipeline_runs (id, stage, marts, status, started_at, finished_at, steps, error)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			steps = EXCLUDED.steps,
			error = EXCLUDED.error
	`, run.ID, string(run.Stage), marts, string(run.Status), run.StartedAt, run.FinishedAt, steps, run.Error)
	if err != nil {
		return apperrors.NewDatabaseError("save pipeline run", err)
	}
	return nil
}

// GetRun returns a run by ID
func (r *RunRepository) GetRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	run, err := scanRun(r.db.Pool().QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id::text = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("pipeline run", id)
		}
		return nil, apperrors.NewDatabaseError("get pipeline run", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first
func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]*models.PipelineRun, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs ORDER BY started_at DESC LIMIT NULLIF($1, 0)`, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list pipeline runs", err)
	}
	defer rows.Close()

	var out []*models.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan pipeline run", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate pipeline runs", err)
	}
	return out, nil
}

// GetWatermark returns the named watermark, or the zero time when unset
func (r *RunRepository) GetWatermark(ctx context.Context, name string) (time.Time, error) {
	var t time.Time
	err := r.db.Pool().QueryRow(ctx, `SELECT position FROM watermarks WHERE name = $1`, name).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, apperrors.NewDatabaseError("get watermark", err)
	}
	return t.UTC(), nil
}

// SetWatermark advances the named watermark; it never moves backwards
func (r *RunRepository) SetWatermark(ctx context.Context, name string, t time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO watermarks (name, position) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET
			position = GREATEST(watermarks.position, EXCLUDED.position),
			updated_at = NOW()
	`, name, t)
	if err != nil {
		return apperrors.NewDatabaseError("set watermark", err)
	}
	return nil
}
