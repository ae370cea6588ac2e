package classify

import (
	"encoding/json"
	"testing"

	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iface(names ...string) *models.ContractInterface {
	ci := &models.ContractInterface{}
	for _, n := range names {
		ci.Functions = append(ci.Functions, models.FunctionSpec{Name: n})
	}
	return ci
}

func arg(name, typ string) models.FunctionArg {
	raw, _ := json.Marshal(typ)
	return models.FunctionArg{Name: name, Type: raw}
}

func TestDetectToken_AllRequiredFunctions(t *testing.T) {
	d := DetectToken(iface(RequiredTokenFunctions...), "", nil)

	assert.Equal(t, types.TokenFull, d.Label)
	assert.Equal(t, 90, d.Score)
	assert.Len(t, d.Matched, 7)
	assert.Empty(t, d.Missing)
	assert.True(t, d.IsStandardToken())
}

func TestDetectToken_SignatureShapeBonus(t *testing.T) {
	ci := iface(RequiredTokenFunctions...)
	for i := range ci.Functions {
		switch ci.Functions[i].Name {
		case "transfer":
			ci.Functions[i].Args = []models.FunctionArg{
				arg("amount", "uint128"), arg("sender", "principal"), arg("recipient", "principal"),
				{Name: "memo", Type: json.RawMessage(`{"optional":{"buffer":{"length":34}}}`)},
			}
		case "get-balance":
			ci.Functions[i].Args = []models.FunctionArg{arg("who", "principal")}
		}
	}

	d := DetectToken(ci, "", nil)
	assert.Equal(t, 95, d.Score)
}

func TestDetectToken_PartialToken(t *testing.T) {
	d := DetectToken(iface("transfer", "get-balance", "get-total-supply"), "", nil)

	assert.Equal(t, types.TokenPartial, d.Label)
	assert.ElementsMatch(t, []string{"transfer", "get-balance", "get-total-supply"}, d.Matched)
	assert.ElementsMatch(t, []string{"get-name", "get-symbol", "get-decimals", "get-token-uri"}, d.Missing)
}

func TestDetectToken_FiveRequiredWithoutTransferIsPartial(t *testing.T) {
	// 57 - 20 + 5 = 42, below the full-token score cutoff
	d := DetectToken(iface("get-name", "get-symbol", "get-decimals", "get-total-supply", "get-balance"), "", nil)
	assert.Equal(t, types.TokenPartial, d.Label)
	assert.Equal(t, 42, d.Score)
}

func TestDetectToken_Unknown(t *testing.T) {
	d := DetectToken(&models.ContractInterface{}, "", nil)
	assert.Equal(t, types.TokenUnknown, d.Label)
	assert.Equal(t, 0, d.Score)
}

func TestDetectToken_OptionalBonusCapped(t *testing.T) {
	names := append([]string{}, RequiredTokenFunctions...)
	names = append(names, OptionalTokenFunctions...)
	d := DetectToken(iface(names...), "", nil)
	assert.Equal(t, 100, d.Score)
	assert.Len(t, d.Optional, len(OptionalTokenFunctions))
}

func TestDetectToken_ProtocolPenalty(t *testing.T) {
	names := append([]string{}, RequiredTokenFunctions...)
	names = append(names, "swap-x-for-y", "add-liquidity", "stake", "claim-rewards")
	d := DetectToken(iface(names...), "", nil)

	assert.Equal(t, 80, d.Score)
	assert.Len(t, d.ProtocolNames, 4)
}

func TestDetectToken_SourceNeverOverridesInterface(t *testing.T) {
	source := `(define-fungible-token wrapped)
(define-read-only (get-name) (ok "W"))
(define-read-only (get-symbol) (ok "W"))
(define-public (transfer (amount uint) (sender principal) (recipient principal)) (ft-transfer? wrapped amount sender recipient))`

	d := DetectToken(iface("execute", "withdraw"), source, nil)
	assert.Equal(t, types.TokenUnknown, d.Label)
	assert.False(t, d.FromSource)
	assert.NotEmpty(t, d.Notes)
}

func TestDetectToken_SourceFallback(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   types.TokenType
	}{
		{
			name: "defines required functions",
			source: `(define-read-only (get-name) (ok "A"))
(define-read-only (get-symbol) (ok "A"))
(define-read-only (get-decimals) (ok u6))`,
			want: types.TokenPartial,
		},
		{
			name:   "fungible token with supply words",
			source: `(define-fungible-token alpha u1000) (define-data-var supply uint u0)`,
			want:   types.TokenPartial,
		},
		{
			name:   "keywords only",
			source: `;; moves a token between accounts (define-public (move) (ok (transfer)))`,
			want:   types.TokenSourceDetected,
		},
		{
			name:   "nothing token-like",
			source: `(define-public (vote (id uint)) (ok id))`,
			want:   types.TokenUnknown,
		},
		{name: "empty", source: "", want: types.TokenUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DetectToken(nil, tt.source, nil)
			assert.Equal(t, tt.want, d.Label)
			assert.True(t, d.FromSource)
			assert.LessOrEqual(t, d.Score, DefaultThresholds().Token.SourceMaxConfidence)
		})
	}
}

func TestDetection_Result(t *testing.T) {
	d := DetectToken(iface(RequiredTokenFunctions...), "", nil)
	r := d.Result("SP1.token")
	require.Equal(t, "SP1.token", r.Identifier)
	assert.Equal(t, "full token", r.Label)
	assert.Equal(t, d.Score, r.Confidence)
}
