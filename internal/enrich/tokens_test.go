package enrich_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-catalog/internal/enrich"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/storage/memory"
	"github.com/contract-catalog/internal/types"
)

const tokenID = "SP2C2YFP12AJZB4MABJBAJ55XECVS7E4PMMZ89YZR.arkadiko-token"

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newEnricher(t *testing.T, store *memory.Store, chain *fakeChain, fetcher *fakeFetcher, cache *mapCache) *enrich.TokenEnricher {
	t.Helper()
	cfg := enrich.TokenEnricherConfig{
		Store:       store,
		Chain:       chain,
		Logger:      logging.NewDiscardLogger(),
		Now:         func() time.Time { return now },
		CallTimeout: 50 * time.Millisecond,
	}
	if fetcher != nil {
		cfg.Fetcher = fetcher
	}
	if cache != nil {
		cfg.Cache = cache
	}
	e, err := enrich.NewTokenEnricher(cfg)
	require.NoError(t, err)
	return e
}

func seedToken(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	_, err := store.InsertTokenIfAbsent(context.Background(), &models.Token{
		ContractIdentifier: id,
		TokenType:          types.TokenFull,
		ValidationStatus:   types.ValidationPending,
		TransactionCount:   10,
		LastSeen:           now,
	})
	require.NoError(t, err)
}

func TestNewTokenEnricher_Validation(t *testing.T) {
	_, err := enrich.NewTokenEnricher(enrich.TokenEnricherConfig{})
	assert.Error(t, err)
	_, err = enrich.NewTokenEnricher(enrich.TokenEnricherConfig{Store: memory.New()})
	assert.Error(t, err)
}

func TestEnrichToken_CallFailureIsIsolated(t *testing.T) {
	chain := &fakeChain{calls: map[string]reply{
		enrich.FieldName:     {hex: "0x070d0000000841726b6164696b6f"},
		enrich.FieldSymbol:   {err: errors.New("node returned 500")},
		enrich.FieldDecimals: {hex: "0x070100000000000000000000000000000006"},
	}}
	e := newEnricher(t, memory.New(), chain, nil, nil)

	got, results := e.EnrichToken(context.Background(), &models.Token{ContractIdentifier: tokenID, ValidationStatus: types.ValidationPending})

	assert.Equal(t, types.ValidationValidated, got.ValidationStatus)
	require.NotNil(t, got.Name)
	assert.Equal(t, "Arkadiko", *got.Name)
	assert.Nil(t, got.Symbol)
	assert.Equal(t, 6, *got.Decimals)
	assert.Equal(t, enrich.CallFailed, results.Status(enrich.FieldSymbol))
	assert.Equal(t, enrich.CallAbsent, results.Status(enrich.FieldTotalSupply))
	assert.Equal(t, len(enrich.TokenCalls), chain.callCount)
}

func TestEnrichToken_ExplicitAbsenceFails(t *testing.T) {
	chain := &fakeChain{calls: map[string]reply{
		enrich.FieldName:   {hex: "0x0709"},
		enrich.FieldSymbol: {hex: "0x0709"},
	}}
	e := newEnricher(t, memory.New(), chain, nil, nil)

	got, _ := e.EnrichToken(context.Background(), &models.Token{ContractIdentifier: tokenID, ValidationStatus: types.ValidationPending})
	assert.Equal(t, types.ValidationFailed, got.ValidationStatus)
	assert.Equal(t, 1, got.EnrichmentAttempts)
}

func TestEnrichToken_TimeoutStaysPending(t *testing.T) {
	chain := &fakeChain{calls: map[string]reply{
		enrich.FieldName:   {block: true},
		enrich.FieldSymbol: {hex: "0x0709"},
	}}
	e := newEnricher(t, memory.New(), chain, nil, nil)

	start := time.Now()
	got, results := e.EnrichToken(context.Background(), &models.Token{ContractIdentifier: tokenID, ValidationStatus: types.ValidationPending})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, enrich.CallTimeout, results.Status(enrich.FieldName))
	assert.Equal(t, types.ValidationPending, got.ValidationStatus)
	assert.NotNil(t, got.LastEnrichedAt)
}

func TestEnrichToken_MetadataThroughCache(t *testing.T) {
	chain := &fakeChain{calls: map[string]reply{
		enrich.FieldTokenURI: {hex: "0x070a0e00000009697066733a2f2f516d"},
	}}
	fetcher := &fakeFetcher{docs: map[string]*enrich.TokenMetadata{
		"https://ipfs.io/ipfs/Qm": {Name: "Arkadiko", Description: "Governance", Image: "ipfs://QmLogo"},
	}}
	cache := &mapCache{}
	e := newEnricher(t, memory.New(), chain, fetcher, cache)

	for i := 0; i < 2; i++ {
		got, _ := e.EnrichToken(context.Background(), &models.Token{ContractIdentifier: tokenID, ValidationStatus: types.ValidationPending})
		require.NotNil(t, got.Name)
		assert.Equal(t, "Arkadiko", *got.Name)
		assert.Equal(t, "ipfs://Qm", *got.TokenURI)
		assert.Equal(t, "https://ipfs.io/ipfs/QmLogo", *got.ImageURL)
		assert.Equal(t, types.ValidationValidated, got.ValidationStatus)
	}
	assert.Equal(t, []string{"https://ipfs.io/ipfs/Qm"}, fetcher.urls, "second lookup is served from cache")
}

func TestEnrichToken_MetadataFailureDoesNotBlockCalls(t *testing.T) {
	chain := &fakeChain{calls: map[string]reply{
		enrich.FieldSymbol:   {hex: "0x070d0000000444494b4f"},
		enrich.FieldTokenURI: {hex: "0x070a0e00000009697066733a2f2f516d"},
	}}
	e := newEnricher(t, memory.New(), chain, &fakeFetcher{}, nil)

	got, _ := e.EnrichToken(context.Background(), &models.Token{ContractIdentifier: tokenID, ValidationStatus: types.ValidationPending})
	assert.Equal(t, "DIKO", *got.Symbol)
	assert.Nil(t, got.Description)
	assert.Equal(t, types.ValidationValidated, got.ValidationStatus)
}

func TestEnrichBatch_PersistsAndRespectsRetryGap(t *testing.T) {
	store := memory.New()
	seedToken(t, store, tokenID)
	seedToken(t, store, "SP3.silent-token")

	chain := &fakeChain{calls: map[string]reply{
		enrich.FieldName: {err: errors.New("connection reset")},
	}}
	e := newEnricher(t, store, chain, nil, nil)

	res, err := e.EnrichBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Pending)

	stored, err := store.GetToken(context.Background(), tokenID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.EnrichmentAttempts)
	assert.Equal(t, now, *stored.LastEnrichedAt)

	res, err = e.EnrichBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed, "attempted tokens wait out the retry gap")
}

func TestEnrichBatch_TerminalTokensLeaveQueue(t *testing.T) {
	store := memory.New()
	seedToken(t, store, tokenID)

	chain := &fakeChain{calls: map[string]reply{
		enrich.FieldName: {hex: "0x070d0000000841726b6164696b6f"},
	}}
	e := newEnricher(t, store, chain, nil, nil)

	res, err := e.EnrichBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Validated)

	pending, err := store.ListPendingTokens(context.Background(), 10, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}
