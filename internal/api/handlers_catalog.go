package api

import (
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

// ContractListResponse is a page of catalogue contracts
type ContractListResponse struct {
	Contracts []*models.Contract `json:"contracts"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
}

// TokenListResponse is a page of catalogue tokens
type TokenListResponse struct {
	Tokens []*models.Token `json:"tokens"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	f := models.ContractFilter{
		Status:         types.AnalysisStatus(r.URL.Query().Get("status")),
		Classification: r.URL.Query().Get("classification"),
		Limit:          limit,
		Offset:         offset,
	}
	if f.Status != "" && !f.Status.IsValid() {
		respondErr(w, r, apperrors.NewInvalidParameterError("status", "unknown analysis status"))
		return
	}

	contracts, err := s.catalog.ListContracts(r.Context(), f)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if contracts == nil {
		contracts = []*models.Contract{}
	}
	respondJSON(w, http.StatusOK, ContractListResponse{Contracts: contracts, Limit: limit, Offset: offset})
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, _, ok := models.SplitContractIdentifier(id); !ok {
		respondErr(w, r, apperrors.NewInvalidParameterError("id", "not a contract identifier"))
		return
	}
	c, err := s.catalog.GetContract(r.Context(), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// handleReanalyze returns an analyzed or errored contract to discovered
func (s *Server) handleReanalyze(w http.ResponseWriter, r *http.Request) {
	c, err := s.catalog.RequestReanalysis(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, c)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	f := models.TokenFilter{
		Status:    types.ValidationStatus(r.URL.Query().Get("status")),
		TokenType: types.TokenType(r.URL.Query().Get("type")),
		Limit:     limit,
		Offset:    offset,
	}
	if f.Status != "" && !f.Status.IsValid() {
		respondErr(w, r, apperrors.NewInvalidParameterError("status", "unknown validation status"))
		return
	}

	tokens, err := s.catalog.ListTokens(r.Context(), f)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []*models.Token{}
	}
	respondJSON(w, http.StatusOK, TokenListResponse{Tokens: tokens, Limit: limit, Offset: offset})
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	t, err := s.catalog.GetToken(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}
