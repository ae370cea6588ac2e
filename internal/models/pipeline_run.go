package models

import (
	"time"

	"github.com/contract-catalog/internal/types"
)

// PipelineRun is one orchestrator invocation, kept for observability
type PipelineRun struct {
	ID         string          `json:"id" db:"id"`
	Stage      types.Stage     `json:"stage" db:"stage"`
	Marts      []string        `json:"marts,omitempty" db:"marts"`
	Status     types.RunStatus `json:"status" db:"status"`
	StartedAt  time.Time       `json:"startedAt" db:"started_at"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty" db:"finished_at"`
	Steps      []StepResult    `json:"steps" db:"steps"`
	Error      *string         `json:"error,omitempty" db:"error"`
}

// StepResult records the outcome of one step within a run
type StepResult struct {
	Name        string            `json:"name"`
	Destination string            `json:"destination"`
	Disposition types.Disposition `json:"disposition"`
	Status      types.StepStatus  `json:"status"`
	Attempts    int               `json:"attempts"`
	Rows        int64             `json:"rows"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	FinishedAt  *time.Time        `json:"finishedAt,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Succeeded reports whether the run completed every step
func (r *PipelineRun) Succeeded() bool {
	return r.Status == types.RunSucceeded
}

// FailedStep returns the first failed step, or nil
func (r *PipelineRun) FailedStep() *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Status == types.StepFailed {
			return &r.Steps[i]
		}
	}
	return nil
}
