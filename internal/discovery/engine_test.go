package discovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-catalog/internal/discovery"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/storage/memory"
	"github.com/contract-catalog/internal/types"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func stage(t *testing.T, store *memory.Store) {
	t.Helper()
	call := func(hash, contract string, at time.Duration) models.StagingTransaction {
		return models.StagingTransaction{TxHash: hash, Kind: types.TxContractCall, ContractIdentifier: contract, Timestamp: base.Add(at)}
	}
	require.NoError(t, store.WriteStaging(context.Background(), &models.StagingBatch{
		Transactions: []models.StagingTransaction{
			call("0x1", "SP1.busy", 0),
			call("0x2", "SP1.busy", time.Minute),
			call("0x3", "SP1.busy", 2*time.Minute),
			call("0x4", "SP2.quiet", 3*time.Minute),
			call("0x5", "not-a-contract", 0),
			{TxHash: "0x6", Kind: types.TxTokenTransfer, Timestamp: base},
		},
		Events: []models.StagingContractEvent{
			{TxHash: "0x4", EventIndex: 0, EventType: "ft_transfer", AssetIdentifier: "SP3.coin::coin", Timestamp: base.Add(3 * time.Minute)},
			{TxHash: "0x4", EventIndex: 1, EventType: "contract_event", ContractIdentifier: "SP2.quiet", Timestamp: base.Add(3 * time.Minute)},
		},
	}))
}

func TestDiscoverContracts(t *testing.T) {
	store := memory.New()
	stage(t, store)
	engine := discovery.NewEngine(store, store, nil)

	res, err := engine.DiscoverContracts(context.Background(), discovery.Options{TrailingWindow: 30 * 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, int64(3), res.RecentlyDiscovered)

	contracts, err := store.ListContracts(context.Background(), models.ContractFilter{})
	require.NoError(t, err)
	require.Len(t, contracts, 3)

	busy := contracts[0]
	assert.Equal(t, "SP1.busy", busy.Identifier)
	assert.Equal(t, "SP1", busy.Deployer)
	assert.Equal(t, "busy", busy.Name)
	assert.Equal(t, int64(3), busy.TransactionCount)
	assert.Equal(t, base.Add(2*time.Minute), busy.LastSeen)
	assert.Equal(t, types.AnalysisDiscovered, busy.AnalysisStatus)

	// tie on count, recency breaks it
	assert.Equal(t, "SP2.quiet", contracts[1].Identifier)
	assert.Equal(t, "SP3.coin", contracts[2].Identifier)
}

func TestDiscoverContracts_ReadsOnlyTheWindow(t *testing.T) {
	store := memory.New()
	stage(t, store)
	engine := discovery.NewEngine(store, store, nil)

	res, err := engine.DiscoverContracts(context.Background(), discovery.Options{
		Window: models.Window{From: base.Add(3 * time.Minute)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.Inserted)

	_, err = store.GetContract(context.Background(), "SP1.busy")
	require.Error(t, err, "calls before the window are not scanned")
	quiet, err := store.GetContract(context.Background(), "SP2.quiet")
	require.NoError(t, err)
	assert.Equal(t, int64(1), quiet.TransactionCount)
}

func TestDiscoverContracts_Idempotent(t *testing.T) {
	store := memory.New()
	stage(t, store)
	engine := discovery.NewEngine(store, store, nil)
	ctx := context.Background()

	_, err := engine.DiscoverContracts(ctx, discovery.Options{})
	require.NoError(t, err)
	before, err := store.ListContracts(ctx, models.ContractFilter{})
	require.NoError(t, err)

	res, err := engine.DiscoverContracts(ctx, discovery.Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, 3, res.Existing)

	after, err := store.ListContracts(ctx, models.ContractFilter{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDiscoverContracts_NeverRewritesRows(t *testing.T) {
	store := memory.New()
	stage(t, store)
	ctx := context.Background()

	existing, _ := models.NewDiscoveredContract("SP1.busy", 1, base)
	_, err := store.InsertContractIfAbsent(ctx, existing)
	require.NoError(t, err)
	_, err = store.ClaimContracts(ctx, 10, time.Time{}, time.Time{})
	require.NoError(t, err)

	_, err = discovery.NewEngine(store, store, nil).DiscoverContracts(ctx, discovery.Options{})
	require.NoError(t, err)

	got, err := store.GetContract(ctx, "SP1.busy")
	require.NoError(t, err)
	assert.Equal(t, types.AnalysisAnalyzing, got.AnalysisStatus)
	assert.Equal(t, int64(1), got.TransactionCount)
}

func TestDiscoverContracts_Filters(t *testing.T) {
	store := memory.New()
	stage(t, store)

	res, err := discovery.NewEngine(store, store, nil).DiscoverContracts(context.Background(), discovery.Options{MinTransactions: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	res, err = discovery.NewEngine(store, store, nil).DiscoverContracts(context.Background(), discovery.Options{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Existing)
}

func analyzed(t *testing.T, store *memory.Store, id, iface, source string) {
	t.Helper()
	ctx := context.Background()
	c, ok := models.NewDiscoveredContract(id, 5, base)
	require.True(t, ok)
	_, err := store.InsertContractIfAbsent(ctx, c)
	require.NoError(t, err)
	claimed, err := store.ClaimContracts(ctx, 100, time.Time{}, time.Time{})
	require.NoError(t, err)
	for _, cc := range claimed {
		if cc.Identifier != id {
			continue
		}
		cc.AnalysisStatus = types.AnalysisAnalyzed
		cc.Interface = models.StringPtr(iface)
		cc.Source = models.StringPtr(source)
		require.NoError(t, store.SaveAnalysis(ctx, cc))
	}
}

func TestDiscoverTokens(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	analyzed(t, store, "SP1.full", `["get-name","get-symbol","get-decimals","get-total-supply","get-token-uri","transfer","get-balance"]`, "")
	analyzed(t, store, "SP1.partial", `["transfer","get-balance","get-total-supply"]`, "")
	analyzed(t, store, "SP1.router", `["swap-x-for-y"]`, "")
	analyzed(t, store, "SP1.source", "", `(define-fungible-token s) (define-data-var supply uint u0)`)

	pending, _ := models.NewDiscoveredContract("SP1.pending", 1, base)
	_, err := store.InsertContractIfAbsent(ctx, pending)
	require.NoError(t, err)

	engine := discovery.NewEngine(store, store, nil)
	res, err := engine.DiscoverTokens(ctx, discovery.Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Scanned, "only analyzed contracts are scanned")
	assert.Equal(t, 3, res.Inserted)

	full, err := store.GetToken(ctx, "SP1.full")
	require.NoError(t, err)
	assert.Equal(t, types.TokenFull, full.TokenType)
	assert.Equal(t, types.ValidationPending, full.ValidationStatus)

	part, err := store.GetToken(ctx, "SP1.partial")
	require.NoError(t, err)
	assert.Equal(t, types.TokenPartial, part.TokenType)

	src, err := store.GetToken(ctx, "SP1.source")
	require.NoError(t, err)
	assert.Equal(t, types.TokenPartial, src.TokenType)

	_, err = store.GetToken(ctx, "SP1.router")
	assert.Error(t, err)

	again, err := engine.DiscoverTokens(ctx, discovery.Options{})
	require.NoError(t, err)
	assert.Zero(t, again.Inserted)
	assert.Equal(t, 3, again.Existing)
}
