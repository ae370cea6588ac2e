package models

import "github.com/contract-catalog/internal/types"

// ContractFilter narrows catalogue listings
type ContractFilter struct {
	Status         types.AnalysisStatus
	Classification string
	Limit          int
	Offset         int
}

// TokenFilter narrows token listings
type TokenFilter struct {
	Status    types.ValidationStatus
	TokenType types.TokenType
	Limit     int
	Offset    int
}

// MartTable is a materialized relation: named columns and positional rows
type MartTable struct {
	Name    string
	Columns []string
	Rows    [][]any
}
