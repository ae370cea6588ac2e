package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds are the tunable cutoffs of every sub-engine. The defaults are
// heuristics, not validated optima; deployments may override them from YAML.
type Thresholds struct {
	Token    TokenThresholds    `yaml:"token"`
	Contract ContractThresholds `yaml:"contract"`
	Wallet   WalletThresholds   `yaml:"wallet"`
}

// TokenThresholds tune token-standard detection
type TokenThresholds struct {
	FullMinRequired     int `yaml:"full_min_required"`
	FullMinScore        int `yaml:"full_min_score"`
	PartialMinRequired  int `yaml:"partial_min_required"`
	ProtocolNameLimit   int `yaml:"protocol_name_limit"`
	SourceMaxConfidence int `yaml:"source_max_confidence"`
}

// ContractThresholds tune protocol archetype rules
type ContractThresholds struct {
	MinifiedNameRatio     float64 `yaml:"minified_name_ratio"`
	HighCallsPerDay       float64 `yaml:"high_calls_per_day"`
	VeryHighCallsPerDay   float64 `yaml:"very_high_calls_per_day"`
	LowValuePerCall       float64 `yaml:"low_value_per_call"`
	VeryLowValuePerCall   float64 `yaml:"very_low_value_per_call"`
	HighTokenDiversity    int     `yaml:"high_token_diversity"`
	ModerateDiversityMin  int     `yaml:"moderate_diversity_min"`
	ModerateDiversityMax  int     `yaml:"moderate_diversity_max"`
	LowTokenDiversity     int     `yaml:"low_token_diversity"`
	BalancedFlowMin       float64 `yaml:"balanced_flow_min"`
	BalancedFlowMax       float64 `yaml:"balanced_flow_max"`
	BridgeMinInteractions int64   `yaml:"bridge_min_interactions"`
	StakingInflowRatio    float64 `yaml:"staking_inflow_ratio"`
}

// WalletThresholds tune counterparty archetype rules
type WalletThresholds struct {
	AutomatedDailyTx         float64  `yaml:"automated_daily_tx"`
	ReferenceAssets          []string `yaml:"reference_assets"`
	DistressedMinVolume      float64  `yaml:"distressed_min_volume"`
	DistressedMinShare       float64  `yaml:"distressed_min_share"`
	DistressedMinAssets      int      `yaml:"distressed_min_assets"`
	PowerUserDiversity       int      `yaml:"power_user_diversity"`
	PowerUserDailyTx         float64  `yaml:"power_user_daily_tx"`
	AccumulatorRatio         float64  `yaml:"accumulator_ratio"`
	AccumulatorMaxDailyTx    float64  `yaml:"accumulator_max_daily_tx"`
	ActiveTraderDailyTx      float64  `yaml:"active_trader_daily_tx"`
	ActiveTraderNetFlowRatio float64  `yaml:"active_trader_net_flow_ratio"`
	LPDiversityMin           int      `yaml:"lp_diversity_min"`
	LPDiversityMax           int      `yaml:"lp_diversity_max"`
	CasualDailyTx            float64  `yaml:"casual_daily_tx"`
}

// DefaultThresholds returns the built-in cutoffs
func DefaultThresholds() *Thresholds {
	return &Thresholds{
		Token: TokenThresholds{
			FullMinRequired:     5,
			FullMinScore:        60,
			PartialMinRequired:  3,
			ProtocolNameLimit:   3,
			SourceMaxConfidence: 50,
		},
		Contract: ContractThresholds{
			MinifiedNameRatio:     0.5,
			HighCallsPerDay:       50,
			VeryHighCallsPerDay:   500,
			LowValuePerCall:       10,
			VeryLowValuePerCall:   1,
			HighTokenDiversity:    5,
			ModerateDiversityMin:  2,
			ModerateDiversityMax:  5,
			LowTokenDiversity:     2,
			BalancedFlowMin:       0.5,
			BalancedFlowMax:       2.0,
			BridgeMinInteractions: 100,
			StakingInflowRatio:    1.5,
		},
		Wallet: WalletThresholds{
			AutomatedDailyTx:         100,
			ReferenceAssets:          []string{"STX", "sBTC", "aeUSDC", "USDA", "xBTC"},
			DistressedMinVolume:      1000,
			DistressedMinShare:       0.7,
			DistressedMinAssets:      2,
			PowerUserDiversity:       10,
			PowerUserDailyTx:         10,
			AccumulatorRatio:         3,
			AccumulatorMaxDailyTx:    1,
			ActiveTraderDailyTx:      5,
			ActiveTraderNetFlowRatio: 0.1,
			LPDiversityMin:           3,
			LPDiversityMax:           9,
			CasualDailyTx:            0.1,
		},
	}
}

// LoadThresholds overlays a YAML file onto the defaults. Keys absent from
// the file keep their default value. An empty path returns the defaults.
func LoadThresholds(path string) (*Thresholds, error) {
	t := DefaultThresholds()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 - operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read thresholds file: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse thresholds file: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Thresholds) validate() error {
	if t.Token.PartialMinRequired > t.Token.FullMinRequired {
		return fmt.Errorf("token.partial_min_required (%d) exceeds token.full_min_required (%d)",
			t.Token.PartialMinRequired, t.Token.FullMinRequired)
	}
	if t.Token.FullMinRequired > len(RequiredTokenFunctions) {
		return fmt.Errorf("token.full_min_required (%d) exceeds the %d required functions",
			t.Token.FullMinRequired, len(RequiredTokenFunctions))
	}
	if t.Contract.BalancedFlowMin > t.Contract.BalancedFlowMax {
		return fmt.Errorf("contract.balanced_flow_min exceeds contract.balanced_flow_max")
	}
	if t.Contract.MinifiedNameRatio <= 0 || t.Contract.MinifiedNameRatio > 1 {
		return fmt.Errorf("contract.minified_name_ratio must be in (0, 1]")
	}
	return nil
}
