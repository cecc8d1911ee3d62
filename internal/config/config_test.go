package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/settle/internal/ir"
)

func TestDefault_IsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	window, err := cfg.Window()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, window)

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, "0.05", p.FeeRate.String())
	assert.Equal(t, uint32(6), p.RequiredConfirmations)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
issuance:
  halving_interval: 420000
quorum:
  min_confirmations: 3
  validity_window: 90m
bridge:
  fee_rate: "0.01"
  max_amount: 1000000
executor:
  kind: nats
  nats_url: nats://127.0.0.1:4222
`))
	require.NoError(t, err)
	assert.Equal(t, uint64(420000), cfg.Issuance.HalvingInterval)
	assert.Equal(t, uint64(10000), cfg.Issuance.InitialReward, "unset fields keep defaults")
	assert.Equal(t, 3, cfg.Quorum.MinConfirmations)
	assert.Equal(t, "nats", cfg.Executor.Kind)

	window, err := cfg.Window()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, window)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "issuance:\n  halvings: 3\n"},
		{"interval below minimum", "issuance:\n  halving_interval: 1000\n"},
		{"allocation above 100", "issuance:\n  allocation_percent: 101\n"},
		{"fee rate above one", "bridge:\n  fee_rate: \"1.5\"\n"},
		{"fee rate not a number", "bridge:\n  fee_rate: five\n"},
		{"zero confirmations", "quorum:\n  min_confirmations: 0\n"},
		{"bad window", "quorum:\n  validity_window: soon\n"},
		{"empty beneficiary", "bridge:\n  treasury_beneficiary: \"\"\n"},
		{"unknown executor", "executor:\n  kind: carrier-pigeon\n"},
		{"nats without url", "executor:\n  kind: nats\n"},
		{"max below min", "bridge:\n  min_amount: 100\n  max_amount: 10\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, ir.ErrCodeInvalidParams, ir.CodeOf(err), err.Error())
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bridge:\n  min_amount: 5\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cfg.Bridge.MinAmount)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
