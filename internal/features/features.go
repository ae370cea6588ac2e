// Package features aggregates staging rows into the per-contract and
// per-wallet feature vectors consumed by the archetype rules.
package features

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/contract-catalog/internal/classify"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

// DefaultDecimals scales amounts of assets whose precision is unknown
const DefaultDecimals int32 = 6

// Input is the staging slice a feature build runs over
type Input struct {
	Transactions []models.StagingTransaction
	Operations   []models.StagingAddressOperation
	Events       []models.StagingContractEvent
	Window       models.Window
}

// Options carry catalogue knowledge into the aggregation
type Options struct {
	// Symbols maps a token contract identifier to its symbol
	Symbols map[string]string
	// Decimals maps an asset identifier to its precision
	Decimals map[string]int32
	// AMMContracts are contracts classified as DEX or AMM
	AMMContracts map[string]bool
	Now          func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o Options) decimals(asset string) int32 {
	if asset == types.NativeAsset {
		return 6
	}
	if d, ok := o.Decimals[asset]; ok {
		return d
	}
	if d, ok := o.Decimals[models.AssetContract(asset)]; ok {
		return d
	}
	return DefaultDecimals
}

// Symbol resolves an asset identifier to the symbol the wallet rules compare against
func (o Options) Symbol(asset string) string {
	if asset == types.NativeAsset {
		return asset
	}
	if s, ok := o.Symbols[models.AssetContract(asset)]; ok && s != "" {
		return s
	}
	if idx := strings.LastIndex(asset, "::"); idx >= 0 {
		return asset[idx+2:]
	}
	return asset
}

// Days is the observation span in days, never less than one
func Days(in Input, now time.Time) float64 {
	from, to := in.Window.From, in.Window.To
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		for _, tx := range in.Transactions {
			if !tx.Timestamp.IsZero() && (from.IsZero() || tx.Timestamp.Before(from)) {
				from = tx.Timestamp
			}
		}
		for _, op := range in.Operations {
			if !op.Timestamp.IsZero() && (from.IsZero() || op.Timestamp.Before(from)) {
				from = op.Timestamp
			}
		}
	}
	if from.IsZero() {
		return 1
	}
	days := to.Sub(from).Hours() / 24
	if days < 1 {
		return 1
	}
	return days
}

// Scale converts a raw integer amount to units. Unparseable amounts are zero.
func Scale(amount string, decimals int32) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return decimal.Zero
	}
	return d.Shift(-decimals)
}

type contractAgg struct {
	calls     int64
	events    int64
	functions map[string]bool
	assets    map[string]bool
	in, out   decimal.Decimal
}

// Contracts builds one feature vector per catalogued contract, ordered by identifier
func Contracts(contracts []*models.Contract, in Input, th *classify.Thresholds, opts Options) []classify.ContractFeatures {
	aggs := make(map[string]*contractAgg, len(contracts))
	for _, c := range contracts {
		aggs[c.Identifier] = &contractAgg{functions: map[string]bool{}, assets: map[string]bool{}}
	}

	txContract := make(map[string]string)
	for _, tx := range in.Transactions {
		if tx.Kind != types.TxContractCall || tx.ContractIdentifier == "" {
			continue
		}
		txContract[tx.TxHash] = tx.ContractIdentifier
		if a, ok := aggs[tx.ContractIdentifier]; ok {
			a.calls++
			if tx.FunctionName != "" {
				a.functions[tx.FunctionName] = true
			}
		}
	}

	for _, ev := range in.Events {
		amount := Scale(ev.Amount, opts.decimals(ev.AssetIdentifier))
		if a, ok := aggs[txContract[ev.TxHash]]; ok {
			a.events++
			if ev.AssetIdentifier != "" {
				a.assets[ev.AssetIdentifier] = true
			}
		}
		if a, ok := aggs[ev.Recipient]; ok {
			a.in = a.in.Add(amount)
			if ev.AssetIdentifier != "" {
				a.assets[ev.AssetIdentifier] = true
			}
		}
		if a, ok := aggs[ev.Sender]; ok {
			a.out = a.out.Add(amount)
			if ev.AssetIdentifier != "" {
				a.assets[ev.AssetIdentifier] = true
			}
		}
	}

	days := decimal.NewFromFloat(Days(in, opts.now()))
	out := make([]classify.ContractFeatures, 0, len(contracts))
	for _, c := range contracts {
		a := aggs[c.Identifier]
		f := classify.ContractFeatures{
			Identifier:       c.Identifier,
			TokenDiversity:   len(a.assets),
			InboundValue:     a.in.InexactFloat64(),
			OutboundValue:    a.out.InexactFloat64(),
			InteractionCount: a.calls + a.events,
			CallsPerDay:      decimal.NewFromInt(a.calls).Div(days).InexactFloat64(),
		}
		if a.calls > 0 {
			f.AvgValuePerCall = a.in.Add(a.out).Div(decimal.NewFromInt(a.calls)).InexactFloat64()
		}

		var ci *models.ContractInterface
		if c.Interface != nil {
			if parsed, err := models.ParseContractInterface(*c.Interface); err == nil {
				ci = parsed
			}
		}
		if ci != nil {
			f.Functions = ci.FunctionNames()
		} else {
			f.Functions = sortedKeys(a.functions)
		}
		source := ""
		if c.Source != nil {
			source = *c.Source
		}
		f.StandardToken = classify.DetectToken(ci, source, th).IsStandardToken()
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

type walletAgg struct {
	txs     map[string]bool
	assets  map[string]bool
	in, out decimal.Decimal
	inBy    map[string]decimal.Decimal
	outBy   map[string]decimal.Decimal
	amms    map[string]bool
}

// Wallets builds one feature vector per standard principal seen in operations.
// Contract principals are excluded.
func Wallets(in Input, opts Options) []classify.WalletFeatures {
	aggs := make(map[string]*walletAgg)
	get := func(addr string) *walletAgg {
		a, ok := aggs[addr]
		if !ok {
			a = &walletAgg{
				txs:    map[string]bool{},
				assets: map[string]bool{},
				inBy:   map[string]decimal.Decimal{},
				outBy:  map[string]decimal.Decimal{},
				amms:   map[string]bool{},
			}
			aggs[addr] = a
		}
		return a
	}

	for _, op := range in.Operations {
		if op.Address == "" || strings.Contains(op.Address, ".") {
			continue
		}
		a := get(op.Address)
		a.txs[op.TxHash] = true
		symbol := opts.Symbol(op.Asset)
		a.assets[symbol] = true

		amount := Scale(op.Amount, int32(op.Decimals))
		switch op.OperationType {
		case types.OperationCredit:
			a.in = a.in.Add(amount)
			a.inBy[symbol] = a.inBy[symbol].Add(amount)
		case types.OperationDebit:
			a.out = a.out.Add(amount)
			a.outBy[symbol] = a.outBy[symbol].Add(amount)
		}
	}

	for _, tx := range in.Transactions {
		if tx.Sender == "" || strings.Contains(tx.Sender, ".") {
			continue
		}
		a := get(tx.Sender)
		a.txs[tx.TxHash] = true
		if opts.AMMContracts[tx.ContractIdentifier] {
			a.amms[tx.ContractIdentifier] = true
		}
	}

	days := decimal.NewFromFloat(Days(in, opts.now()))
	out := make([]classify.WalletFeatures, 0, len(aggs))
	for addr, a := range aggs {
		out = append(out, classify.WalletFeatures{
			Address:           addr,
			DailyTxRate:       decimal.NewFromInt(int64(len(a.txs))).Div(days).InexactFloat64(),
			TokenDiversity:    len(a.assets),
			InboundValue:      a.in.InexactFloat64(),
			OutboundValue:     a.out.InexactFloat64(),
			InboundByAsset:    toFloats(a.inBy),
			OutboundByAsset:   toFloats(a.outBy),
			AMMCounterparties: len(a.amms),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func toFloats(m map[string]decimal.Decimal) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v.InexactFloat64()
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
