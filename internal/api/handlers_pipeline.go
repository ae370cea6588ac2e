package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/pipeline"
	"github.com/contract-catalog/internal/types"
)

// TriggerRequest is the optional JSON body of POST /api/pipeline/run
type TriggerRequest struct {
	Stage string   `json:"stage"`
	Marts []string `json:"marts,omitempty"`
}

// TriggerResponse reports the outcome of a pipeline trigger
type TriggerResponse struct {
	Success bool                `json:"success"`
	Stage   types.Stage         `json:"stage,omitempty"`
	Marts   []string            `json:"marts,omitempty"`
	RunID   string              `json:"runId,omitempty"`
	Message string              `json:"message"`
	Steps   []models.StepResult `json:"steps,omitempty"`
}

// authorize checks the trigger secret from a Bearer token or X-Pipeline-Secret
func (s *Server) authorize(r *http.Request) error {
	if strings.TrimSpace(s.config.PipelineSecret) == "" {
		return apperrors.NewConfigurationError("PIPELINE_SECRET", "not set; pipeline triggers are disabled until it is configured")
	}
	presented := r.Header.Get("X-Pipeline-Secret")
	if auth := r.Header.Get("Authorization"); presented == "" && strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(s.config.PipelineSecret)) != 1 {
		return apperrors.NewUnauthorizedError("missing or invalid pipeline secret")
	}
	return nil
}

// parseTrigger reads the stage and marts from the JSON body, falling back
// to the stage and marts query parameters. Stage defaults to full.
func parseTrigger(w http.ResponseWriter, r *http.Request) (pipeline.Request, error) {
	var body TriggerRequest
	if r.Body != nil {
		if err := parseJSONBody(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
			return pipeline.Request{}, apperrors.NewInvalidParameterError("body", err.Error())
		}
	}

	q := r.URL.Query()
	if body.Stage == "" {
		body.Stage = q.Get("stage")
	}
	if len(body.Marts) == 0 && q.Get("marts") != "" {
		for _, m := range strings.Split(q.Get("marts"), ",") {
			if m = strings.TrimSpace(m); m != "" {
				body.Marts = append(body.Marts, m)
			}
		}
	}
	if body.Stage == "" {
		body.Stage = string(types.StageFull)
	}
	return pipeline.Request{Stage: types.Stage(strings.ToLower(strings.TrimSpace(body.Stage))), Marts: body.Marts}, nil
}

// handleRunPipeline triggers a pipeline run and always answers with a TriggerResponse
func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		ce := apperrors.Categorize(err)
		respondJSON(w, ce.StatusCode, TriggerResponse{Success: false, Message: ce.Message})
		return
	}

	req, err := parseTrigger(w, r)
	if err != nil {
		ce := apperrors.Categorize(err)
		respondJSON(w, ce.StatusCode, TriggerResponse{Success: false, Message: ce.Message})
		return
	}

	run, err := s.pipeline.Run(r.Context(), req)
	resp := TriggerResponse{Success: err == nil, Stage: req.Stage, Marts: req.Marts}
	if run != nil {
		resp.Stage = run.Stage
		resp.Marts = run.Marts
		resp.RunID = run.ID
		resp.Steps = run.Steps
	}
	if err != nil {
		ce := apperrors.Categorize(err)
		resp.Message = ce.Message
		if run != nil && run.Error != nil {
			resp.Message = *run.Error
		}
		respondJSON(w, ce.StatusCode, resp)
		return
	}

	resp.Message = "pipeline run succeeded"
	respondJSON(w, http.StatusOK, resp)
}

// handlePipelineStatus describes the accepted stages and marts
func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pipeline.Describe())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.catalog.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	runs, err := s.catalog.ListRuns(r.Context(), limit)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// pagination reads limit and offset, clamping bad values to defaults
func pagination(r *http.Request) (limit, offset int) {
	limit, offset = defaultPageSize, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
