package models

import (
	"time"

	"github.com/contract-catalog/internal/types"
)

// Token is one catalogue row per contract believed to implement the fungible-token standard
type Token struct {
	ContractIdentifier string                 `json:"contractIdentifier" db:"contract_identifier"`
	TokenType          types.TokenType        `json:"tokenType" db:"token_type"`
	Name               *string                `json:"name,omitempty" db:"name"`
	Symbol             *string                `json:"symbol,omitempty" db:"symbol"`
	Decimals           *int                   `json:"decimals,omitempty" db:"decimals"`
	TotalSupply        *string                `json:"totalSupply,omitempty" db:"total_supply"`
	TokenURI           *string                `json:"tokenUri,omitempty" db:"token_uri"`
	ImageURL           *string                `json:"imageUrl,omitempty" db:"image_url"`
	Description        *string                `json:"description,omitempty" db:"description"`
	ValidationStatus   types.ValidationStatus `json:"validationStatus" db:"validation_status"`
	TransactionCount   int64                  `json:"transactionCount" db:"transaction_count"`
	LastSeen           time.Time              `json:"lastSeen" db:"last_seen"`
	EnrichmentAttempts int                    `json:"enrichmentAttempts" db:"enrichment_attempts"`
	LastEnrichedAt     *time.Time             `json:"lastEnrichedAt,omitempty" db:"last_enriched_at"`
	CreatedAt          time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time              `json:"updatedAt" db:"updated_at"`
}

// HasIdentity reports whether the token carries a name or a symbol
func (t *Token) HasIdentity() bool {
	return (t.Name != nil && *t.Name != "") || (t.Symbol != nil && *t.Symbol != "")
}

// Clone returns a deep copy so callers can merge without aliasing stored rows
func (t *Token) Clone() *Token {
	c := *t
	c.Name = cloneString(t.Name)
	c.Symbol = cloneString(t.Symbol)
	c.TotalSupply = cloneString(t.TotalSupply)
	c.TokenURI = cloneString(t.TokenURI)
	c.ImageURL = cloneString(t.ImageURL)
	c.Description = cloneString(t.Description)
	if t.Decimals != nil {
		d := *t.Decimals
		c.Decimals = &d
	}
	if t.LastEnrichedAt != nil {
		ts := *t.LastEnrichedAt
		c.LastEnrichedAt = &ts
	}
	return &c
}

// Clone returns a deep copy of the contract row
func (c *Contract) Clone() *Contract {
	out := *c
	out.Interface = cloneString(c.Interface)
	out.Source = cloneString(c.Source)
	out.Classification = cloneString(c.Classification)
	out.ClassificationErrors = append([]string{}, c.ClassificationErrors...)
	if c.AnalyzedAt != nil {
		ts := *c.AnalyzedAt
		out.AnalyzedAt = &ts
	}
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
