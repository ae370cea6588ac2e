package marts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-catalog/internal/classify"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func column(t *testing.T, table models.MartTable, name string) int {
	t.Helper()
	for i, c := range table.Columns {
		if c == name {
			return i
		}
	}
	require.Failf(t, "missing column", "%s has no column %q", table.Name, name)
	return -1
}

func TestDisposition(t *testing.T) {
	for _, n := range Names {
		want := types.DispositionOverwrite
		if n == FctPipelineSnapshots {
			want = types.DispositionAppend
		}
		assert.Equal(t, want, Disposition(n), n)
		assert.True(t, IsKnown(n))
	}
	assert.False(t, IsKnown("dim_wallets"))
}

func TestBuildDimContracts(t *testing.T) {
	c, ok := models.NewDiscoveredContract("SP1.amm-pool", 12, day)
	require.True(t, ok)
	c.Classification = models.StringPtr(classify.LabelAMM)

	table := BuildDimContracts([]*models.Contract{c})
	require.Len(t, table.Rows, 1)
	row := table.Rows[0]
	assert.Len(t, row, len(table.Columns))
	assert.Equal(t, "SP1.amm-pool", row[column(t, table, "identifier")])
	assert.Equal(t, "discovered", row[column(t, table, "analysis_status")])
	assert.Equal(t, classify.LabelAMM, row[column(t, table, "classification")])
	assert.Nil(t, row[column(t, table, "analyzed_at")])
}

func TestBuildDimTokens_NullableColumns(t *testing.T) {
	table := BuildDimTokens([]*models.Token{{
		ContractIdentifier: "SP1.coin",
		TokenType:          types.TokenPartial,
		Symbol:             models.StringPtr("COIN"),
		ValidationStatus:   types.ValidationValidated,
	}})
	require.Len(t, table.Rows, 1)
	row := table.Rows[0]
	assert.Nil(t, row[column(t, table, "name")])
	assert.Nil(t, row[column(t, table, "decimals")])
	assert.Equal(t, "COIN", row[column(t, table, "symbol")])
	assert.Equal(t, "partial token", row[column(t, table, "token_type")])
}

func TestBuildDailyActivity(t *testing.T) {
	batch := &models.StagingBatch{
		Blocks: []models.StagingBlock{{BlockHash: "0xb1", Timestamp: day.Add(time.Hour)}},
		Transactions: []models.StagingTransaction{
			{TxHash: "0x1", Sender: "SPA", Kind: types.TxContractCall, ContractIdentifier: "SP1.dex", Success: true, Timestamp: day.Add(time.Hour)},
			{TxHash: "0x2", Sender: "SPA", Kind: types.TxContractDeploy, ContractIdentifier: "SP1.new", Success: true, Timestamp: day.Add(2 * time.Hour)},
			{TxHash: "0x3", Sender: "SPB", Kind: types.TxContractCall, ContractIdentifier: "SP1.dex", Success: false, Timestamp: day.Add(26 * time.Hour)},
		},
		Events: []models.StagingContractEvent{{TxHash: "0x1", Timestamp: day.Add(time.Hour)}},
	}

	table := BuildDailyActivity(batch)
	require.Len(t, table.Rows, 2)

	first := table.Rows[0]
	assert.Equal(t, day, first[column(t, table, "day")])
	assert.Equal(t, int64(2), first[column(t, table, "transactions")])
	assert.Equal(t, int64(1), first[column(t, table, "contract_deploys")])
	assert.Equal(t, int64(1), first[column(t, table, "active_senders")])
	assert.Equal(t, int64(2), first[column(t, table, "active_contracts")])
	assert.Equal(t, int64(1), first[column(t, table, "events")])

	second := table.Rows[1]
	assert.Equal(t, day.Add(24*time.Hour), second[column(t, table, "day")])
	assert.Equal(t, int64(1), second[column(t, table, "failed_transactions")])
}

func TestBuildArchetypes(t *testing.T) {
	th := classify.DefaultThresholds()
	contracts := BuildContractArchetypes([]classify.ContractFeatures{
		{Identifier: "SP1.farm", Functions: []string{"stake", "claim-rewards"}},
		{Identifier: "SP1.plain", Functions: []string{"register"}},
	}, th)
	require.Len(t, contracts.Rows, 2)
	assert.Equal(t, classify.LabelYieldFarm, contracts.Rows[0][column(t, contracts, "archetype")])
	assert.Equal(t, classify.LabelSmartContract, contracts.Rows[1][column(t, contracts, "archetype")])

	wallets := BuildWalletArchetypes([]classify.WalletFeatures{
		{Address: "SPBOT", DailyTxRate: th.Wallet.AutomatedDailyTx + 1},
	}, th)
	require.Len(t, wallets.Rows, 1)
	assert.Equal(t, classify.LabelAutomatedWallet, wallets.Rows[0][column(t, wallets, "archetype")])
}

func TestBuildPipelineSnapshot(t *testing.T) {
	a, _ := models.NewDiscoveredContract("SP1.a", 1, day)
	b, _ := models.NewDiscoveredContract("SP1.b", 1, day)
	b.AnalysisStatus = types.AnalysisAnalyzed
	tokens := []*models.Token{{ContractIdentifier: "SP1.b", ValidationStatus: types.ValidationPending}}

	table := BuildPipelineSnapshot(NewSnapshot(day, []*models.Contract{a, b}, tokens, 7))
	require.Len(t, table.Rows, 1)
	row := table.Rows[0]
	assert.Equal(t, int64(2), row[column(t, table, "contracts_total")])
	assert.Equal(t, int64(1), row[column(t, table, "contracts_discovered")])
	assert.Equal(t, int64(1), row[column(t, table, "contracts_analyzed")])
	assert.Equal(t, int64(1), row[column(t, table, "tokens_pending")])
	assert.Equal(t, int64(7), row[column(t, table, "staged_transactions")])
}
