package enrich

import (
	"math"
	"strings"
	"time"

	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

// Merge folds call results and an optional metadata document into a copy of
// cur. Only successful results are promoted, and a field that already holds
// a value is never overwritten.
func Merge(cur *models.Token, results Results, md *TokenMetadata, gateway string, now time.Time) *models.Token {
	next := cur.Clone()

	if next.Name == nil {
		next.Name = stringResult(results, FieldName)
	}
	if next.Symbol == nil {
		next.Symbol = stringResult(results, FieldSymbol)
	}
	if next.TokenURI == nil {
		next.TokenURI = stringResult(results, FieldTokenURI)
	}
	if next.Decimals == nil {
		if r, ok := results[FieldDecimals]; ok && r.OK() {
			if n, ok := r.Value.AsUint(); ok && n.IsInt64() && n.Int64() <= math.MaxInt32 {
				d := int(n.Int64())
				next.Decimals = &d
			}
		}
	}
	if next.TotalSupply == nil {
		if r, ok := results[FieldTotalSupply]; ok && r.OK() {
			if n, ok := r.Value.AsUint(); ok {
				s := n.String()
				next.TotalSupply = &s
			}
		}
	}

	if md != nil {
		if next.Name == nil {
			next.Name = models.StringPtr(strings.TrimSpace(md.Name))
		}
		if next.Description == nil {
			next.Description = models.StringPtr(strings.TrimSpace(md.Description))
		}
		if next.ImageURL == nil && md.Image != "" {
			next.ImageURL = NormalizeImageURL(md.Image, gateway)
		}
	}

	next.ValidationStatus = nextStatus(next, results)
	next.EnrichmentAttempts++
	ts := now.UTC()
	next.LastEnrichedAt = &ts
	return next
}

// nextStatus: any identifying attribute validates the token; explicit absence
// of both name and symbol fails it; anything else stays pending for retry.
func nextStatus(t *models.Token, results Results) types.ValidationStatus {
	if t.ValidationStatus != types.ValidationPending {
		return t.ValidationStatus
	}
	if t.HasIdentity() {
		return types.ValidationValidated
	}
	if results.Status(FieldName) == CallAbsent && results.Status(FieldSymbol) == CallAbsent {
		return types.ValidationFailed
	}
	return types.ValidationPending
}

func stringResult(results Results, field string) *string {
	r, ok := results[field]
	if !ok || !r.OK() {
		return nil
	}
	s, ok := r.Value.AsString()
	if !ok {
		return nil
	}
	return models.StringPtr(strings.TrimSpace(s))
}
