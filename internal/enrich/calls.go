// Package enrich performs best-effort remote enrichment of catalogue rows:
// interface and source analysis for contracts, read-only calls and off-chain
// metadata for tokens. Every remote call is isolated and time-bounded.
package enrich

import (
	"context"
	"errors"
	"fmt"

	"github.com/contract-catalog/internal/clarity"
	apperrors "github.com/contract-catalog/internal/errors"
)

// ErrAbsent reports that the remote side answered, and the requested
// function, contract or document does not exist.
var ErrAbsent = errors.New("absent")

// ChainReader is the chain node read surface
type ChainReader interface {
	CallReadOnly(ctx context.Context, contract, function string) (clarity.Value, error)
	ContractInterface(ctx context.Context, contract string) (string, error)
	ContractSource(ctx context.Context, contract string) (string, error)
}

// TokenMetadata is the subset of an off-chain token document we keep
type TokenMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

// MetadataFetcher fetches and parses a token URI document
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, uri string) (*TokenMetadata, error)
}

// MetadataCache caches fetched documents by URI
type MetadataCache interface {
	GetMetadata(ctx context.Context, uri string) (*TokenMetadata, bool, error)
	SetMetadata(ctx context.Context, uri string, md *TokenMetadata) error
}

// CallStatus is the outcome of one isolated remote call
type CallStatus string

const (
	CallOK      CallStatus = "ok"
	CallFailed  CallStatus = "failed"
	CallTimeout CallStatus = "timeout"
	CallAbsent  CallStatus = "absent"
)

// Read-only functions called per token
const (
	FieldName        = "get-name"
	FieldSymbol      = "get-symbol"
	FieldDecimals    = "get-decimals"
	FieldTokenURI    = "get-token-uri"
	FieldTotalSupply = "get-total-supply"
)

// TokenCalls is the fixed set of read-only calls issued per token
var TokenCalls = []string{FieldName, FieldSymbol, FieldDecimals, FieldTokenURI, FieldTotalSupply}

// CallResult is the typed outcome of one call
type CallResult struct {
	Field  string
	Status CallStatus
	Value  clarity.Value
	Err    error
}

// OK reports a successful call carrying a value
func (r CallResult) OK() bool { return r.Status == CallOK }

// classify maps a call error onto a status. A context deadline is a
// timeout; ErrAbsent, (err ...) and none are explicit absence.
func classifyCall(field string, v clarity.Value, err error) CallResult {
	switch {
	case err == nil && (v.IsErr() || v.IsNone()):
		return CallResult{Field: field, Status: CallAbsent, Value: v}
	case err == nil:
		return CallResult{Field: field, Status: CallOK, Value: v}
	case errors.Is(err, ErrAbsent):
		return CallResult{Field: field, Status: CallAbsent, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return CallResult{Field: field, Status: CallTimeout, Err: apperrors.NewRemoteCallTimeout(field)}
	default:
		return CallResult{Field: field, Status: CallFailed, Err: apperrors.NewRemoteCallFailure(field, err)}
	}
}

// Results indexes call results by field
type Results map[string]CallResult

// Status returns a field's status, absent fields reading as failed
func (r Results) Status(field string) CallStatus {
	if c, ok := r[field]; ok {
		return c.Status
	}
	return CallFailed
}

// Summary renders non-ok outcomes for logs and error notes
func (r Results) Summary() []string {
	var out []string
	for _, f := range TokenCalls {
		c, ok := r[f]
		if !ok || c.OK() {
			continue
		}
		if c.Err != nil {
			out = append(out, fmt.Sprintf("%s: %s (%v)", f, c.Status, c.Err))
		} else {
			out = append(out, fmt.Sprintf("%s: %s", f, c.Status))
		}
	}
	return out
}
