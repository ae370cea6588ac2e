// Package marts builds the read-optimized catalogue relations from staging
// rows and the contract/token catalogue. Builders are pure functions over
// explicit inputs; Builder wires them to a source and a table writer.
package marts

import (
	"sort"
	"time"

	"github.com/contract-catalog/internal/classify"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

// Mart names, in canonical build order
const (
	DimContracts           = "dim_contracts"
	DimTokens              = "dim_tokens"
	FctDailyActivity       = "fct_daily_activity"
	MartContractArchetypes = "mart_contract_archetypes"
	MartWalletArchetypes   = "mart_wallet_archetypes"
	FctPipelineSnapshots   = "fct_pipeline_snapshots"
)

// Names lists every mart in canonical order
var Names = []string{
	DimContracts,
	DimTokens,
	FctDailyActivity,
	MartContractArchetypes,
	MartWalletArchetypes,
	FctPipelineSnapshots,
}

// Disposition returns the write mode of a mart
func Disposition(name string) types.Disposition {
	if name == FctPipelineSnapshots {
		return types.DispositionAppend
	}
	return types.DispositionOverwrite
}

// IsKnown reports whether name is a mart
func IsKnown(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

func optString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// BuildDimContracts projects the contract catalogue
func BuildDimContracts(contracts []*models.Contract) models.MartTable {
	t := models.MartTable{
		Name: DimContracts,
		Columns: []string{"identifier", "deployer", "name", "transaction_count", "last_seen",
			"analysis_status", "classification", "error_count", "analyzed_at"},
	}
	for _, c := range contracts {
		t.Rows = append(t.Rows, []any{
			c.Identifier, c.Deployer, c.Name, c.TransactionCount, c.LastSeen,
			string(c.AnalysisStatus), optString(c.Classification), int64(len(c.ClassificationErrors)), optTime(c.AnalyzedAt),
		})
	}
	return t
}

// BuildDimTokens projects the token catalogue
func BuildDimTokens(tokens []*models.Token) models.MartTable {
	t := models.MartTable{
		Name: DimTokens,
		Columns: []string{"contract_identifier", "token_type", "name", "symbol", "decimals", "total_supply",
			"image_url", "validation_status", "transaction_count", "last_seen", "enrichment_attempts"},
	}
	for _, tk := range tokens {
		var decimals any
		if tk.Decimals != nil {
			decimals = int64(*tk.Decimals)
		}
		t.Rows = append(t.Rows, []any{
			tk.ContractIdentifier, string(tk.TokenType), optString(tk.Name), optString(tk.Symbol), decimals,
			optString(tk.TotalSupply), optString(tk.ImageURL), string(tk.ValidationStatus),
			tk.TransactionCount, tk.LastSeen, int64(tk.EnrichmentAttempts),
		})
	}
	return t
}

type dayAgg struct {
	blocks, txs, calls, deploys, failed, events int64
	senders                                     map[string]bool
	contracts                                   map[string]bool
}

// BuildDailyActivity aggregates staging rows per UTC day
func BuildDailyActivity(batch *models.StagingBatch) models.MartTable {
	days := map[time.Time]*dayAgg{}
	get := func(ts time.Time) *dayAgg {
		d := ts.UTC().Truncate(24 * time.Hour)
		a, ok := days[d]
		if !ok {
			a = &dayAgg{senders: map[string]bool{}, contracts: map[string]bool{}}
			days[d] = a
		}
		return a
	}

	for _, b := range batch.Blocks {
		get(b.Timestamp).blocks++
	}
	for _, tx := range batch.Transactions {
		a := get(tx.Timestamp)
		a.txs++
		if !tx.Success {
			a.failed++
		}
		switch tx.Kind {
		case types.TxContractCall:
			a.calls++
		case types.TxContractDeploy:
			a.deploys++
		}
		if tx.Sender != "" {
			a.senders[tx.Sender] = true
		}
		if tx.ContractIdentifier != "" {
			a.contracts[tx.ContractIdentifier] = true
		}
	}
	for _, ev := range batch.Events {
		get(ev.Timestamp).events++
	}

	keys := make([]time.Time, 0, len(days))
	for d := range days {
		keys = append(keys, d)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	t := models.MartTable{
		Name: FctDailyActivity,
		Columns: []string{"day", "blocks", "transactions", "contract_calls", "contract_deploys",
			"failed_transactions", "active_senders", "active_contracts", "events"},
	}
	for _, d := range keys {
		a := days[d]
		t.Rows = append(t.Rows, []any{
			d, a.blocks, a.txs, a.calls, a.deploys, a.failed,
			int64(len(a.senders)), int64(len(a.contracts)), a.events,
		})
	}
	return t
}

// BuildContractArchetypes classifies every contract with usage features
func BuildContractArchetypes(features []classify.ContractFeatures, th *classify.Thresholds) models.MartTable {
	t := models.MartTable{
		Name: MartContractArchetypes,
		Columns: []string{"identifier", "archetype", "confidence", "rule", "calls_per_day",
			"avg_value_per_call", "token_diversity", "inbound_value", "outbound_value", "interaction_count"},
	}
	for _, f := range features {
		r := classify.ClassifyContract(f, th)
		t.Rows = append(t.Rows, []any{
			f.Identifier, r.Label, int64(r.Confidence), r.Rule, f.CallsPerDay,
			f.AvgValuePerCall, int64(f.TokenDiversity), f.InboundValue, f.OutboundValue, f.InteractionCount,
		})
	}
	return t
}

// BuildWalletArchetypes classifies every wallet seen in staging
func BuildWalletArchetypes(features []classify.WalletFeatures, th *classify.Thresholds) models.MartTable {
	t := models.MartTable{
		Name: MartWalletArchetypes,
		Columns: []string{"address", "archetype", "confidence", "rule", "daily_tx_rate",
			"token_diversity", "inbound_value", "outbound_value", "amm_counterparties"},
	}
	for _, f := range features {
		r := classify.ClassifyWallet(f, th)
		t.Rows = append(t.Rows, []any{
			f.Address, r.Label, int64(r.Confidence), r.Rule, f.DailyTxRate,
			int64(f.TokenDiversity), f.InboundValue, f.OutboundValue, int64(f.AMMCounterparties),
		})
	}
	return t
}

// Snapshot is a point-in-time count of the catalogue
type Snapshot struct {
	At                 time.Time
	Contracts          int64
	ContractsByStatus  map[types.AnalysisStatus]int64
	Tokens             int64
	TokensByStatus     map[types.ValidationStatus]int64
	StagedTransactions int64
}

// NewSnapshot counts catalogue rows by lifecycle state
func NewSnapshot(at time.Time, contracts []*models.Contract, tokens []*models.Token, stagedTxs int) Snapshot {
	s := Snapshot{
		At:                 at.UTC(),
		Contracts:          int64(len(contracts)),
		ContractsByStatus:  map[types.AnalysisStatus]int64{},
		Tokens:             int64(len(tokens)),
		TokensByStatus:     map[types.ValidationStatus]int64{},
		StagedTransactions: int64(stagedTxs),
	}
	for _, c := range contracts {
		s.ContractsByStatus[c.AnalysisStatus]++
	}
	for _, t := range tokens {
		s.TokensByStatus[t.ValidationStatus]++
	}
	return s
}

// BuildPipelineSnapshot renders one appended snapshot row
func BuildPipelineSnapshot(s Snapshot) models.MartTable {
	return models.MartTable{
		Name: FctPipelineSnapshots,
		Columns: []string{"snapshot_at", "contracts_total", "contracts_discovered", "contracts_analyzed",
			"contracts_error", "tokens_total", "tokens_pending", "tokens_validated", "tokens_failed",
			"staged_transactions"},
		Rows: [][]any{{
			s.At, s.Contracts,
			s.ContractsByStatus[types.AnalysisDiscovered],
			s.ContractsByStatus[types.AnalysisAnalyzed],
			s.ContractsByStatus[types.AnalysisError],
			s.Tokens,
			s.TokensByStatus[types.ValidationPending],
			s.TokensByStatus[types.ValidationValidated],
			s.TokensByStatus[types.ValidationFailed],
			s.StagedTransactions,
		}},
	}
}
