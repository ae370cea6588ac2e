package models

import (
	"strings"
	"time"

	"github.com/contract-catalog/internal/types"
)

// Contract is one catalogue row per on-chain contract identifier (deployer.name)
type Contract struct {
	Identifier           string               `json:"identifier" db:"identifier"`
	Deployer             string               `json:"deployer" db:"deployer"`
	Name                 string               `json:"name" db:"name"`
	TransactionCount     int64                `json:"transactionCount" db:"transaction_count"`
	LastSeen             time.Time            `json:"lastSeen" db:"last_seen"`
	AnalysisStatus       types.AnalysisStatus `json:"analysisStatus" db:"analysis_status"`
	Interface            *string              `json:"interface,omitempty" db:"interface"`
	Source               *string              `json:"source,omitempty" db:"source"`
	Classification       *string              `json:"classification,omitempty" db:"classification"`
	ClassificationErrors []string             `json:"classificationErrors" db:"classification_errors"`
	AnalyzedAt           *time.Time           `json:"analyzedAt,omitempty" db:"analyzed_at"`
	CreatedAt            time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time            `json:"updatedAt" db:"updated_at"`
}

// SplitContractIdentifier splits "deployer.name" into its parts.
// ok is false when the identifier is not a qualified contract identifier.
func SplitContractIdentifier(id string) (deployer, name string, ok bool) {
	id = strings.TrimSpace(id)
	idx := strings.Index(id, ".")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", false
	}
	deployer, name = id[:idx], id[idx+1:]
	if strings.ContainsAny(deployer, " :/") || strings.ContainsAny(name, " :/") {
		return "", "", false
	}
	return deployer, name, true
}

// AssetContract returns the contract half of an asset identifier ("deployer.name::asset")
func AssetContract(assetID string) string {
	if idx := strings.Index(assetID, "::"); idx > 0 {
		return assetID[:idx]
	}
	return ""
}

// NewDiscoveredContract builds the initial catalogue row for an identifier
func NewDiscoveredContract(id string, txCount int64, lastSeen time.Time) (*Contract, bool) {
	deployer, name, ok := SplitContractIdentifier(id)
	if !ok {
		return nil, false
	}
	now := time.Now().UTC()
	return &Contract{
		Identifier:           id,
		Deployer:             deployer,
		Name:                 name,
		TransactionCount:     txCount,
		LastSeen:             lastSeen,
		AnalysisStatus:       types.AnalysisDiscovered,
		ClassificationErrors: []string{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}, true
}
