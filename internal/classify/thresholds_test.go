package classify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadThresholds_EmptyPathReturnsDefaults(t *testing.T) {
	th, err := LoadThresholds("")
	require.NoError(t, err)
	assert.Equal(t, DefaultThresholds(), th)
}

func TestLoadThresholds_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
wallet:
  automated_daily_tx: 250
  reference_assets: [STX, sBTC]
contract:
  bridge_min_interactions: 40
`), 0o600))

	th, err := LoadThresholds(path)
	require.NoError(t, err)
	assert.Equal(t, 250.0, th.Wallet.AutomatedDailyTx)
	assert.Equal(t, []string{"STX", "sBTC"}, th.Wallet.ReferenceAssets)
	assert.Equal(t, int64(40), th.Contract.BridgeMinInteractions)
	assert.Equal(t, 60, th.Token.FullMinScore, "untouched keys keep defaults")
}

func TestLoadThresholds_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"bad yaml":          "token: [",
		"inverted cutoffs":  "token:\n  partial_min_required: 6\n  full_min_required: 4\n",
		"too many required": "token:\n  full_min_required: 9\n",
		"bad flow bounds":   "contract:\n  balanced_flow_min: 3\n  balanced_flow_max: 1\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, filepath.Base(t.Name())+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadThresholds(path)
			assert.Error(t, err)
		})
	}

	_, err := LoadThresholds(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestWalletRate_Boundary(t *testing.T) {
	th := DefaultThresholds()
	// exactly at the automated threshold is not automated
	assert.NotEqual(t, LabelAutomatedWallet, ClassifyWallet(WalletFeatures{DailyTxRate: th.Wallet.AutomatedDailyTx}, th).Label)
}
