package classify

import (
	"regexp"
	"strings"

	"github.com/contract-catalog/internal/models"
)

// Contract archetype labels
const (
	LabelTokenContract = "Token Contract"
	LabelYieldFarm     = "Yield Farm"
	LabelArbitrage     = "Arbitrage Contract"
	LabelDEX           = "DEX"
	LabelAMM           = "Automated Market Maker"
	LabelBridge        = "Bridge Contract"
	LabelStakingPool   = "Staking Pool"
	LabelSmartContract = "Smart Contract"
)

// ContractFeatures are the inputs of the protocol archetype rules
type ContractFeatures struct {
	Identifier       string
	Functions        []string
	StandardToken    bool
	CallsPerDay      float64
	AvgValuePerCall  float64
	TokenDiversity   int
	InboundValue     float64
	OutboundValue    float64
	InteractionCount int64
}

var (
	rewardNames   = []string{"claim", "stake", "harvest", "compound", "reward", "unstake"}
	swapNames     = []string{"swap"}
	vaultNames    = []string{"vault", "deposit", "withdraw", "add-liquidity", "remove-liquidity"}
	dispatchName  = regexp.MustCompile(`^(?:execute|dispatch|exec|run|call|x)(?:-[a-z0-9]+)?$`)
	minifiedName  = regexp.MustCompile(`^[a-z]{1,2}[0-9]{0,3}$|^[a-z0-9]{1,3}$`)
	contractRules = MustRuleTable([]Rule[ContractFeatures]{
		{Name: "token-interface", Label: LabelTokenContract, Priority: 10, Confidence: 90, Match: func(f ContractFeatures, _ *Thresholds) bool {
			return f.StandardToken
		}},
		{Name: "reward-functions", Label: LabelYieldFarm, Priority: 20, Confidence: 75, Match: func(f ContractFeatures, _ *Thresholds) bool {
			return anyNameContains(f.Functions, rewardNames)
		}},
		{Name: "obfuscated-high-frequency", Label: LabelArbitrage, Priority: 30, Confidence: 70, Match: func(f ContractFeatures, t *Thresholds) bool {
			return isObfuscated(f.Functions, t.Contract.MinifiedNameRatio) &&
				f.CallsPerDay >= t.Contract.HighCallsPerDay &&
				f.AvgValuePerCall < t.Contract.LowValuePerCall
		}},
		{Name: "swap-surface", Label: LabelDEX, Priority: 40, Confidence: 70, Match: func(f ContractFeatures, t *Thresholds) bool {
			if anyNameContains(f.Functions, swapNames) {
				return true
			}
			return f.TokenDiversity >= t.Contract.HighTokenDiversity &&
				f.CallsPerDay >= t.Contract.HighCallsPerDay &&
				balancedFlow(f, t)
		}},
		{Name: "liquidity-vault", Label: LabelAMM, Priority: 50, Confidence: 65, Match: func(f ContractFeatures, t *Thresholds) bool {
			return anyNameContains(f.Functions, vaultNames) &&
				balancedFlow(f, t) &&
				f.TokenDiversity >= t.Contract.ModerateDiversityMin &&
				f.TokenDiversity <= t.Contract.ModerateDiversityMax
		}},
		{Name: "high-frequency-low-value", Label: LabelArbitrage, Priority: 60, Confidence: 55, Match: func(f ContractFeatures, t *Thresholds) bool {
			return f.CallsPerDay >= t.Contract.VeryHighCallsPerDay &&
				f.AvgValuePerCall < t.Contract.VeryLowValuePerCall &&
				f.TokenDiversity <= t.Contract.LowTokenDiversity
		}},
		{Name: "two-asset-relay", Label: LabelBridge, Priority: 70, Confidence: 50, Match: func(f ContractFeatures, t *Thresholds) bool {
			return f.TokenDiversity == 2 && f.InteractionCount >= t.Contract.BridgeMinInteractions
		}},
		{Name: "inflow-heavy", Label: LabelStakingPool, Priority: 80, Confidence: 45, Match: func(f ContractFeatures, t *Thresholds) bool {
			return f.InboundValue > 0 && f.InboundValue > t.Contract.StakingInflowRatio*f.OutboundValue
		}},
	}, Rule[ContractFeatures]{Name: "fallback", Label: LabelSmartContract, Confidence: 30})
)

// ClassifyContract assigns exactly one protocol archetype
func ClassifyContract(f ContractFeatures, t *Thresholds) models.ClassificationResult {
	if t == nil {
		t = DefaultThresholds()
	}
	rule, _ := contractRules.FirstMatch(f, t)
	return models.ClassificationResult{
		Identifier: f.Identifier,
		Label:      rule.Label,
		Confidence: rule.Confidence,
		Rule:       rule.Name,
	}
}

// ContractLabels lists the protocol archetypes in rule order
func ContractLabels() []string {
	return contractRules.Labels()
}

func anyNameContains(names, needles []string) bool {
	for _, n := range names {
		n = strings.ToLower(n)
		for _, needle := range needles {
			if strings.Contains(n, needle) {
				return true
			}
		}
	}
	return false
}

// isObfuscated reports a dispatch-style entry point or a majority of opaque names
func isObfuscated(names []string, ratio float64) bool {
	if len(names) == 0 {
		return false
	}
	opaque := 0
	for _, n := range names {
		n = strings.ToLower(n)
		if dispatchName.MatchString(n) {
			return true
		}
		if minifiedName.MatchString(n) {
			opaque++
		}
	}
	return float64(opaque)/float64(len(names)) > ratio
}

func balancedFlow(f ContractFeatures, t *Thresholds) bool {
	if f.InboundValue <= 0 || f.OutboundValue <= 0 {
		return false
	}
	r := f.InboundValue / f.OutboundValue
	return r >= t.Contract.BalancedFlowMin && r <= t.Contract.BalancedFlowMax
}
