package engine

import (
	"github.com/roach88/settle/internal/config"
)

// ConfigFrom maps a validated file configuration onto an engine Config.
// Executor, TransferIDs, WallClock and Logger are left for the caller.
func ConfigFrom(c config.Config) (Config, error) {
	window, err := c.Window()
	if err != nil {
		return Config{}, err
	}
	policy, err := c.Policy()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Issuance:           c.IssuanceParams(),
		MinHalvingInterval: c.Issuance.MinHalvingInterval,
		MinConfirmations:   c.Quorum.MinConfirmations,
		ValidityWindow:     window,
		Bridge:             policy,
	}, nil
}
