// Package types provides common type definitions for the contract catalogue pipeline.
package types

import "strings"

// AnalysisStatus represents the lifecycle stage of a catalogued contract
type AnalysisStatus string

const (
	// AnalysisDiscovered is the initial state written by discovery
	AnalysisDiscovered AnalysisStatus = "discovered"
	// AnalysisAnalyzing marks a contract claimed by the analyzer
	AnalysisAnalyzing AnalysisStatus = "analyzing"
	// AnalysisAnalyzed marks a classified contract
	AnalysisAnalyzed AnalysisStatus = "analyzed"
	// AnalysisError marks a contract whose interface and source could not be obtained
	AnalysisError AnalysisStatus = "error"
)

// CanTransitionTo reports whether the analyzer may move a contract from s to next.
// A claimed contract goes back to discovered when a remote call failed and
// the attempt is retried later. Re-analysis requests do not use this check.
func (s AnalysisStatus) CanTransitionTo(next AnalysisStatus) bool {
	switch s {
	case AnalysisDiscovered:
		return next == AnalysisAnalyzing
	case AnalysisAnalyzing:
		return next == AnalysisAnalyzed || next == AnalysisError || next == AnalysisAnalyzing || next == AnalysisDiscovered
	default:
		return false
	}
}

// IsValid checks the status against the known set
func (s AnalysisStatus) IsValid() bool {
	switch s {
	case AnalysisDiscovered, AnalysisAnalyzing, AnalysisAnalyzed, AnalysisError:
		return true
	}
	return false
}

// ValidationStatus represents the lifecycle stage of a catalogued token
type ValidationStatus string

const (
	// ValidationPending is the initial state written by token discovery
	ValidationPending ValidationStatus = "pending"
	// ValidationValidated marks a token with at least one identifying attribute enriched
	ValidationValidated ValidationStatus = "validated"
	// ValidationFailed marks a token whose identifying calls are explicitly absent
	ValidationFailed ValidationStatus = "failed"
)

// CanTransitionTo reports whether enrichment may move a token from s to next
func (s ValidationStatus) CanTransitionTo(next ValidationStatus) bool {
	if s == next {
		return true
	}
	return s == ValidationPending && (next == ValidationValidated || next == ValidationFailed)
}

// IsValid checks the status against the known set
func (s ValidationStatus) IsValid() bool {
	switch s {
	case ValidationPending, ValidationValidated, ValidationFailed:
		return true
	}
	return false
}

// TokenType is the token-standard detection label
type TokenType string

const (
	TokenFull           TokenType = "full token"
	TokenPartial        TokenType = "partial token"
	TokenSourceDetected TokenType = "source-detected token"
	TokenUnknown        TokenType = "unknown"
)

// IsToken reports whether the label is strong enough to create a Token row
func (t TokenType) IsToken() bool {
	return t == TokenFull || t == TokenPartial || t == TokenSourceDetected
}

// Stage is the requested pipeline stage
type Stage string

const (
	StageFull    Stage = "full"
	StageStaging Stage = "staging"
	StageMarts   Stage = "marts"
)

// AllStages lists the stage values accepted by the trigger operation
var AllStages = []Stage{StageFull, StageStaging, StageMarts}

// ParseStage normalises a stage string
func ParseStage(s string) (Stage, bool) {
	switch Stage(strings.ToLower(strings.TrimSpace(s))) {
	case StageFull:
		return StageFull, true
	case StageStaging:
		return StageStaging, true
	case StageMarts:
		return StageMarts, true
	}
	return "", false
}

// Disposition is the write mode of a pipeline step destination
type Disposition string

const (
	DispositionOverwrite Disposition = "overwrite"
	DispositionAppend    Disposition = "append"
)

// StepStatus is the outcome of one pipeline step
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// RunStatus is the outcome of a pipeline run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// TransactionKind classifies a staged transaction
type TransactionKind string

const (
	TxContractCall   TransactionKind = "contract_call"
	TxContractDeploy TransactionKind = "contract_deploy"
	TxTokenTransfer  TransactionKind = "token_transfer"
	TxCoinbase       TransactionKind = "coinbase"
	TxOther          TransactionKind = "other"
)

// OperationType is the direction of an address operation
type OperationType string

const (
	OperationCredit OperationType = "CREDIT"
	OperationDebit  OperationType = "DEBIT"
)

// NativeAsset is the asset symbol used for native currency operations
const NativeAsset = "STX"

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return e.Message
}
