package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-catalog/internal/clarity"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

const (
	hexNameArkadiko = "0x070d0000000841726b6164696b6f"
	hexSymbolDIKO   = "0x070d0000000444494b4f"
	hexDecimals6    = "0x070100000000000000000000000000000006"
	hexURI          = "0x070a0e00000009697066733a2f2f516d"
	hexNone         = "0x0709"
)

func mustValue(t *testing.T, s string) clarity.Value {
	t.Helper()
	v, err := clarity.Decode(s)
	require.NoError(t, err)
	return v
}

func okResult(t *testing.T, field, hex string) CallResult {
	return classifyCall(field, mustValue(t, hex), nil)
}

func pendingToken() *models.Token {
	return &models.Token{
		ContractIdentifier: "SP2C2YFP12AJZB4MABJBAJ55XECVS7E4PMMZ89YZR.arkadiko-token",
		TokenType:          types.TokenFull,
		ValidationStatus:   types.ValidationPending,
	}
}

func TestClassifyCall(t *testing.T) {
	assert.Equal(t, CallOK, okResult(t, FieldName, hexNameArkadiko).Status)
	assert.Equal(t, CallAbsent, okResult(t, FieldName, hexNone).Status)
	assert.Equal(t, CallAbsent, classifyCall(FieldName, mustValue(t, "0x080100000000000000000000000000000001"), nil).Status)
	assert.Equal(t, CallAbsent, classifyCall(FieldName, clarity.Value{}, ErrAbsent).Status)
	assert.Equal(t, CallTimeout, classifyCall(FieldName, clarity.Value{}, context.DeadlineExceeded).Status)
	assert.Equal(t, CallFailed, classifyCall(FieldName, clarity.Value{}, assert.AnError).Status)
}

func TestMerge_PromotesSuccessfulResults(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	results := Results{
		FieldName:        okResult(t, FieldName, hexNameArkadiko),
		FieldSymbol:      okResult(t, FieldSymbol, hexSymbolDIKO),
		FieldDecimals:    okResult(t, FieldDecimals, hexDecimals6),
		FieldTokenURI:    okResult(t, FieldTokenURI, hexURI),
		FieldTotalSupply: {Field: FieldTotalSupply, Status: CallFailed, Err: assert.AnError},
	}
	md := &TokenMetadata{Name: "ignored", Description: " Governance token ", Image: "ipfs://QmLogo"}

	got := Merge(pendingToken(), results, md, "", now)

	assert.Equal(t, "Arkadiko", *got.Name)
	assert.Equal(t, "DIKO", *got.Symbol)
	assert.Equal(t, 6, *got.Decimals)
	assert.Equal(t, "ipfs://Qm", *got.TokenURI)
	assert.Nil(t, got.TotalSupply)
	assert.Equal(t, "Governance token", *got.Description)
	assert.Equal(t, "https://ipfs.io/ipfs/QmLogo", *got.ImageURL)
	assert.Equal(t, types.ValidationValidated, got.ValidationStatus)
	assert.Equal(t, 1, got.EnrichmentAttempts)
	assert.Equal(t, now, *got.LastEnrichedAt)
}

func TestMerge_NeverOverwrites(t *testing.T) {
	cur := pendingToken()
	cur.Name = models.StringPtr("Existing")
	cur.ImageURL = models.StringPtr("https://example.com/keep.png")

	got := Merge(cur, Results{FieldName: okResult(t, FieldName, hexNameArkadiko)},
		&TokenMetadata{Image: "ipfs://QmOther"}, "", time.Now())

	assert.Equal(t, "Existing", *got.Name)
	assert.Equal(t, "https://example.com/keep.png", *got.ImageURL)
	assert.Equal(t, "Existing", *cur.Name, "input row is not mutated")
	assert.Equal(t, 0, cur.EnrichmentAttempts)
}

func TestMerge_Status(t *testing.T) {
	failed := CallResult{Status: CallFailed, Err: assert.AnError}
	absent := CallResult{Status: CallAbsent}
	timeout := CallResult{Status: CallTimeout}

	tests := []struct {
		name   string
		result Results
		md     *TokenMetadata
		want   types.ValidationStatus
	}{
		{"symbol only validates", Results{FieldName: failed, FieldSymbol: okResult(t, FieldSymbol, hexSymbolDIKO)}, nil, types.ValidationValidated},
		{"both absent fails", Results{FieldName: absent, FieldSymbol: absent}, nil, types.ValidationFailed},
		{"timeout stays pending", Results{FieldName: timeout, FieldSymbol: absent}, nil, types.ValidationPending},
		{"transport failure stays pending", Results{FieldName: failed, FieldSymbol: failed}, nil, types.ValidationPending},
		{"metadata name validates", Results{FieldName: absent, FieldSymbol: absent}, &TokenMetadata{Name: "Wrapped"}, types.ValidationValidated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(pendingToken(), tt.result, tt.md, "", time.Now())
			assert.Equal(t, tt.want, got.ValidationStatus)
		})
	}
}

func TestMerge_TerminalStatusIsKept(t *testing.T) {
	cur := pendingToken()
	cur.ValidationStatus = types.ValidationFailed
	got := Merge(cur, Results{FieldName: okResult(t, FieldName, hexNameArkadiko)}, nil, "", time.Now())
	assert.Equal(t, types.ValidationFailed, got.ValidationStatus)
}
