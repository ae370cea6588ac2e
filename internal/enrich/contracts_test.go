package enrich_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-catalog/internal/classify"
	"github.com/contract-catalog/internal/enrich"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/storage/memory"
	"github.com/contract-catalog/internal/types"
)

const tokenSource = `(define-fungible-token diko)
(define-public (transfer (amount uint) (sender principal) (recipient principal) (memo (optional (buff 34)))) (ok true))
(define-read-only (get-balance (who principal)) (ok u0))`

func tokenInterface(t *testing.T) string {
	raw, err := json.Marshal(classify.RequiredTokenFunctions)
	require.NoError(t, err)
	return string(raw)
}

func newAnalyzer(t *testing.T, store *memory.Store, chain *fakeChain) *enrich.ContractAnalyzer {
	t.Helper()
	return newAnalyzerAt(t, store, chain, func() time.Time { return now })
}

func newAnalyzerAt(t *testing.T, store *memory.Store, chain *fakeChain, clock func() time.Time) *enrich.ContractAnalyzer {
	t.Helper()
	a, err := enrich.NewContractAnalyzer(enrich.ContractAnalyzerConfig{
		Store:          store,
		Chain:          chain,
		Deploys:        store,
		Activity:       store,
		Logger:         logging.NewDiscardLogger(),
		Now:            clock,
		CallTimeout:    50 * time.Millisecond,
		RetryDelay:     5 * time.Minute,
		ActivityWindow: 30 * 24 * time.Hour,
		BatchSize:      2,
	})
	require.NoError(t, err)
	return a
}

func seedContract(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	c, ok := models.NewDiscoveredContract(id, 5, now)
	require.True(t, ok)
	_, err := store.InsertContractIfAbsent(context.Background(), c)
	require.NoError(t, err)
}

func TestAnalyze_InterfaceAndSource(t *testing.T) {
	store := memory.New()
	seedContract(t, store, tokenID)
	chain := &fakeChain{
		iface:  map[string]reply{tokenID: {hex: tokenInterface(t)}},
		source: map[string]reply{tokenID: {hex: tokenSource}},
	}

	res, err := newAnalyzer(t, store, chain).AnalyzeBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Analyzed)

	c, err := store.GetContract(context.Background(), tokenID)
	require.NoError(t, err)
	assert.Equal(t, types.AnalysisAnalyzed, c.AnalysisStatus)
	assert.Equal(t, classify.LabelTokenContract, *c.Classification)
	assert.NotNil(t, c.Interface)
	assert.Equal(t, tokenSource, *c.Source)
	assert.Empty(t, c.ClassificationErrors)
	assert.Equal(t, now, *c.AnalyzedAt)
}

func TestAnalyze_FailedFetchesAreRetriedLater(t *testing.T) {
	store := memory.New()
	seedContract(t, store, "SP1.flaky")
	chain := &fakeChain{
		iface:  map[string]reply{"SP1.flaky": {err: errors.New("502 bad gateway")}},
		source: map[string]reply{"SP1.flaky": {block: true}},
	}
	clock := now
	a := newAnalyzerAt(t, store, chain, func() time.Time { return clock })

	res, err := a.AnalyzeBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Zero(t, res.Errored)

	c, err := store.GetContract(context.Background(), "SP1.flaky")
	require.NoError(t, err)
	assert.Equal(t, types.AnalysisDiscovered, c.AnalysisStatus)
	assert.Nil(t, c.Classification)
	require.Len(t, c.ClassificationErrors, 2)
	assert.Contains(t, c.ClassificationErrors[0], "REMOTE_CALL_FAILED")
	assert.Contains(t, c.ClassificationErrors[1], "REMOTE_CALL_TIMEOUT")

	res, err = a.AnalyzeBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "deferred rows wait out the retry delay")

	// chain recovers
	chain.iface = map[string]reply{"SP1.flaky": {hex: tokenInterface(t)}}
	chain.source = map[string]reply{"SP1.flaky": {hex: tokenSource}}
	clock = now.Add(6 * time.Minute)

	res, err = a.AnalyzeBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Analyzed)

	c, err = store.GetContract(context.Background(), "SP1.flaky")
	require.NoError(t, err)
	assert.Equal(t, types.AnalysisAnalyzed, c.AnalysisStatus)
	assert.Equal(t, classify.LabelTokenContract, *c.Classification)
	assert.Empty(t, c.ClassificationErrors)
}

func TestAnalyze_InterfaceTimeoutDefersDespiteSource(t *testing.T) {
	store := memory.New()
	seedContract(t, store, tokenID)
	chain := &fakeChain{
		iface:  map[string]reply{tokenID: {block: true}},
		source: map[string]reply{tokenID: {hex: tokenSource}},
	}

	res, err := newAnalyzer(t, store, chain).AnalyzeBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)

	c, err := store.GetContract(context.Background(), tokenID)
	require.NoError(t, err)
	assert.Equal(t, types.AnalysisDiscovered, c.AnalysisStatus, "source alone must not settle the row")
	assert.Nil(t, c.Classification)
}

func TestAnalyze_BothAbsentIsError(t *testing.T) {
	store := memory.New()
	seedContract(t, store, "SP1.gone")

	res, err := newAnalyzer(t, store, &fakeChain{}).AnalyzeBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errored)

	c, err := store.GetContract(context.Background(), "SP1.gone")
	require.NoError(t, err)
	assert.Equal(t, types.AnalysisError, c.AnalysisStatus)
	assert.Nil(t, c.Classification)
	require.Len(t, c.ClassificationErrors, 2)
	assert.Contains(t, c.ClassificationErrors[0], "interface")
	assert.Contains(t, c.ClassificationErrors[1], "source")
}

func TestAnalyze_UsageRulesReachTheCatalogue(t *testing.T) {
	store := memory.New()
	const bridge = "SP1.relay-v1"
	seedContract(t, store, bridge)

	batch := &models.StagingBatch{}
	for i := 0; i < 110; i++ {
		batch.Transactions = append(batch.Transactions, models.StagingTransaction{
			TxHash:             fmt.Sprintf("0x%04d", i),
			Kind:               types.TxContractCall,
			ContractIdentifier: bridge,
			FunctionName:       "lock-asset",
			Success:            true,
			Timestamp:          now.Add(-time.Duration(i+1) * time.Minute),
		})
	}
	batch.Events = []models.StagingContractEvent{
		{TxHash: "0x0001", EventIndex: 0, EventType: "ft_transfer_event", AssetIdentifier: "SP1.usda::usda",
			Sender: "SP2WALLET", Recipient: bridge, Amount: "1000000", Timestamp: now.Add(-2 * time.Minute)},
		{TxHash: "0x0002", EventIndex: 0, EventType: "ft_transfer_event", AssetIdentifier: "SP1.wbtc::wbtc",
			Sender: bridge, Recipient: "SP2WALLET", Amount: "1000000", Timestamp: now.Add(-3 * time.Minute)},
	}
	require.NoError(t, store.WriteStaging(context.Background(), batch))

	chain := &fakeChain{iface: map[string]reply{bridge: {hex: `["lock-asset","release-asset"]`}}}
	res, err := newAnalyzer(t, store, chain).AnalyzeBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Analyzed)

	c, err := store.GetContract(context.Background(), bridge)
	require.NoError(t, err)
	assert.Equal(t, types.AnalysisAnalyzed, c.AnalysisStatus)
	require.NotNil(t, c.Classification)
	assert.Equal(t, classify.LabelBridge, *c.Classification)
}

func TestAnalyze_FallsBackToDeploySource(t *testing.T) {
	store := memory.New()
	seedContract(t, store, tokenID)
	require.NoError(t, store.WriteStaging(context.Background(), &models.StagingBatch{
		Transactions: []models.StagingTransaction{{
			TxHash:             "0xdeploy",
			Kind:               types.TxContractDeploy,
			ContractIdentifier: tokenID,
			SourceCode:         tokenSource,
			Timestamp:          now,
		}},
	}))

	res, err := newAnalyzer(t, store, &fakeChain{}).AnalyzeBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Analyzed)

	c, err := store.GetContract(context.Background(), tokenID)
	require.NoError(t, err)
	assert.Equal(t, types.AnalysisAnalyzed, c.AnalysisStatus)
	assert.Nil(t, c.Interface)
	assert.Equal(t, tokenSource, *c.Source)
	require.NotEmpty(t, c.ClassificationErrors)
	assert.Contains(t, c.ClassificationErrors[0], "interface", "interface absence is recorded")
}

func TestAnalyze_InconclusiveIsNoted(t *testing.T) {
	store := memory.New()
	seedContract(t, store, "SP1.registry")
	chain := &fakeChain{
		iface: map[string]reply{"SP1.registry": {hex: `["register","lookup"]`}},
	}

	_, err := newAnalyzer(t, store, chain).AnalyzeBatch(context.Background())
	require.NoError(t, err)

	c, err := store.GetContract(context.Background(), "SP1.registry")
	require.NoError(t, err)
	assert.Equal(t, types.AnalysisAnalyzed, c.AnalysisStatus)
	assert.Equal(t, classify.LabelSmartContract, *c.Classification)
	assert.NotEmpty(t, c.ClassificationErrors)
}

func TestAnalyzeAll_DrainsAndSkipsTerminalRows(t *testing.T) {
	store := memory.New()
	for _, id := range []string{"SP1.a", "SP1.b", "SP1.c"} {
		seedContract(t, store, id)
	}
	chain := &fakeChain{source: map[string]reply{
		"SP1.a": {hex: tokenSource}, "SP1.b": {hex: tokenSource}, "SP1.c": {hex: tokenSource},
	}}
	a := newAnalyzer(t, store, chain)

	res, err := a.AnalyzeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 3, res.Analyzed)

	res, err = a.AnalyzeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
}
