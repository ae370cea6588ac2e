package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/contract-catalog/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryParse is a single raw event that does not fit the expected shape
	CategoryParse ErrorCategory = "parse"
	// CategoryDiscoveryConflict is a duplicate identifier insert (a no-op)
	CategoryDiscoveryConflict ErrorCategory = "discovery_conflict"
	// CategoryInconclusive is a classification without enough evidence
	CategoryInconclusive ErrorCategory = "classification_inconclusive"
	// CategoryRemoteCall is a failed or timed-out enrichment call
	CategoryRemoteCall ErrorCategory = "remote_call"
	// CategoryStep is a pipeline step that failed outright
	CategoryStep ErrorCategory = "step"
	// CategoryConfiguration is a missing required secret or setting
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryValidation represents request validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflicts such as an already running pipeline
	CategoryConflict ErrorCategory = "conflict"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Pipeline taxonomy

// NewParseError creates a parse error for a single raw record
func NewParseError(recordID string, reason string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryParse,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "PARSE_ERROR",
		Message:    fmt.Sprintf("raw event %s: %s", recordID, reason),
		Cause:      cause,
		Details: map[string]interface{}{
			"record": recordID,
			"reason": reason,
		},
	}
}

// NewDiscoveryConflict creates a duplicate-identifier error
func NewDiscoveryConflict(identifier string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDiscoveryConflict,
		StatusCode: http.StatusConflict,
		Code:       "DISCOVERY_CONFLICT",
		Message:    fmt.Sprintf("identifier already catalogued: %s", identifier),
		Details: map[string]interface{}{
			"identifier": identifier,
		},
	}
}

// NewClassificationInconclusive creates an inconclusive classification error
func NewClassificationInconclusive(identifier string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInconclusive,
		StatusCode: http.StatusOK,
		Code:       "CLASSIFICATION_INCONCLUSIVE",
		Message:    fmt.Sprintf("insufficient evidence for %s: %s", identifier, reason),
		Details: map[string]interface{}{
			"identifier": identifier,
		},
	}
}

// NewRemoteCallFailure creates a remote call failure
func NewRemoteCallFailure(call string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRemoteCall,
		StatusCode: http.StatusBadGateway,
		Code:       "REMOTE_CALL_FAILED",
		Message:    fmt.Sprintf("remote call failed: %s", call),
		Cause:      cause,
		Details: map[string]interface{}{
			"call": call,
		},
	}
}

// NewRemoteCallTimeout creates a remote call timeout
func NewRemoteCallTimeout(call string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRemoteCall,
		StatusCode: http.StatusGatewayTimeout,
		Code:       "REMOTE_CALL_TIMEOUT",
		Message:    fmt.Sprintf("remote call timed out: %s", call),
		Details: map[string]interface{}{
			"call": call,
		},
	}
}

// NewStepFailure creates a step failure naming the failing step
func NewStepFailure(step string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStep,
		StatusCode: http.StatusInternalServerError,
		Code:       "STEP_FAILED",
		Message:    fmt.Sprintf("pipeline step %q failed", step),
		Cause:      cause,
		Details: map[string]interface{}{
			"step": step,
		},
	}
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(setting string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConfiguration,
		StatusCode: http.StatusInternalServerError,
		Code:       "CONFIGURATION_ERROR",
		Message:    fmt.Sprintf("configuration %s: %s", setting, reason),
		Details: map[string]interface{}{
			"setting": setting,
		},
	}
}

// Request errors (4xx)

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    message,
	}
}

// System errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	out := &CategorizedError{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}
	switch err.Code {
	case "CONTRACT_NOT_FOUND", "TOKEN_NOT_FOUND", "RUN_NOT_FOUND":
		out.Category, out.StatusCode = CategoryNotFound, http.StatusNotFound
	case "UNAUTHORIZED":
		out.Category, out.StatusCode = CategoryAuthorization, http.StatusUnauthorized
	case "PIPELINE_BUSY":
		out.Category, out.StatusCode = CategoryConflict, http.StatusConflict
	default:
		out.Category, out.StatusCode = CategorySystem, http.StatusInternalServerError
	}
	return out
}

// IsCategory reports whether err carries the given category anywhere in its chain
func IsCategory(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	for err != nil {
		if !stderrors.As(err, &catErr) {
			return false
		}
		if catErr.Category == category {
			return true
		}
		err = catErr.Cause
	}
	return false
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryRemoteCall, CategoryDatabase:
		return true
	case CategoryStep:
		return catErr.Cause != nil && IsRetryable(catErr.Cause)
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}
