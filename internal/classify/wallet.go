package classify

import (
	"math"
	"strings"

	"github.com/contract-catalog/internal/models"
)

// Wallet archetype labels
const (
	LabelAutomatedWallet   = "Automated Wallet"
	LabelDistressedSeller  = "Distressed Seller"
	LabelPowerUser         = "Power User"
	LabelAccumulator       = "Accumulator"
	LabelActiveTrader      = "Active Trader"
	LabelLiquidityProvider = "Liquidity Provider"
	LabelCasualUser        = "Casual User"
	LabelActiveUser        = "Active User"
)

// WalletFeatures are the inputs of the counterparty archetype rules. Values are
// decimal-adjusted amounts; per-asset maps are keyed by asset symbol.
type WalletFeatures struct {
	Address           string
	DailyTxRate       float64
	TokenDiversity    int
	InboundValue      float64
	OutboundValue     float64
	InboundByAsset    map[string]float64
	OutboundByAsset   map[string]float64
	AMMCounterparties int
}

var walletRules = MustRuleTable([]Rule[WalletFeatures]{
	{Name: "automated-rate", Label: LabelAutomatedWallet, Priority: 10, Confidence: 80, Match: func(f WalletFeatures, t *Thresholds) bool {
		return f.DailyTxRate > t.Wallet.AutomatedDailyTx
	}},
	{Name: "reference-asset-exit", Label: LabelDistressedSeller, Priority: 20, Confidence: 70, Match: isDistressedSeller},
	{Name: "diverse-and-active", Label: LabelPowerUser, Priority: 30, Confidence: 65, Match: func(f WalletFeatures, t *Thresholds) bool {
		return f.TokenDiversity >= t.Wallet.PowerUserDiversity && f.DailyTxRate >= t.Wallet.PowerUserDailyTx
	}},
	{Name: "inflow-dominant", Label: LabelAccumulator, Priority: 40, Confidence: 60, Match: func(f WalletFeatures, t *Thresholds) bool {
		return f.InboundValue > 0 &&
			f.InboundValue >= t.Wallet.AccumulatorRatio*f.OutboundValue &&
			f.DailyTxRate < t.Wallet.AccumulatorMaxDailyTx
	}},
	{Name: "balanced-frequent", Label: LabelActiveTrader, Priority: 50, Confidence: 60, Match: func(f WalletFeatures, t *Thresholds) bool {
		volume := f.InboundValue + f.OutboundValue
		if f.DailyTxRate < t.Wallet.ActiveTraderDailyTx || volume <= 0 {
			return false
		}
		return math.Abs(f.InboundValue-f.OutboundValue) <= t.Wallet.ActiveTraderNetFlowRatio*volume
	}},
	{Name: "amm-counterparty", Label: LabelLiquidityProvider, Priority: 60, Confidence: 55, Match: func(f WalletFeatures, t *Thresholds) bool {
		return f.AMMCounterparties > 0 &&
			f.TokenDiversity >= t.Wallet.LPDiversityMin &&
			f.TokenDiversity <= t.Wallet.LPDiversityMax
	}},
	{Name: "rare-activity", Label: LabelCasualUser, Priority: 70, Confidence: 50, Match: func(f WalletFeatures, t *Thresholds) bool {
		return f.DailyTxRate < t.Wallet.CasualDailyTx
	}},
}, Rule[WalletFeatures]{Name: "fallback", Label: LabelActiveUser, Confidence: 30})

// ClassifyWallet assigns exactly one counterparty archetype
func ClassifyWallet(f WalletFeatures, t *Thresholds) models.ClassificationResult {
	if t == nil {
		t = DefaultThresholds()
	}
	rule, _ := walletRules.FirstMatch(f, t)
	return models.ClassificationResult{
		Identifier: f.Address,
		Label:      rule.Label,
		Confidence: rule.Confidence,
		Rule:       rule.Name,
	}
}

// WalletLabels lists the counterparty archetypes in rule order
func WalletLabels() []string {
	return walletRules.Labels()
}

// isDistressedSeller: mostly receives reference assets and mostly sends
// everything else, above minimum volumes on both sides. Symbols compare
// case-insensitively.
func isDistressedSeller(f WalletFeatures, t *Thresholds) bool {
	ref := make(map[string]bool, len(t.Wallet.ReferenceAssets))
	for _, a := range t.Wallet.ReferenceAssets {
		ref[strings.ToUpper(a)] = true
	}

	assets := make(map[string]bool)
	var refIn, totalIn, otherOut, totalOut float64
	for a, v := range f.InboundByAsset {
		assets[a] = true
		totalIn += v
		if ref[strings.ToUpper(a)] {
			refIn += v
		}
	}
	for a, v := range f.OutboundByAsset {
		assets[a] = true
		totalOut += v
		if !ref[strings.ToUpper(a)] {
			otherOut += v
		}
	}

	if len(assets) < t.Wallet.DistressedMinAssets || totalIn <= 0 || totalOut <= 0 {
		return false
	}
	if refIn < t.Wallet.DistressedMinVolume || otherOut < t.Wallet.DistressedMinVolume {
		return false
	}
	return refIn/totalIn >= t.Wallet.DistressedMinShare && otherOut/totalOut >= t.Wallet.DistressedMinShare
}
