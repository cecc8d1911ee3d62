package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/settle/internal/ir"
)

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatU64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseU64(column, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", column, err)
	}
	return v, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(column, s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", column, err)
	}
	return t, nil
}

// marshalPayouts converts payouts to canonical JSON TEXT for storage.
// Amounts are encoded as strings so values above 2^53 survive.
func marshalPayouts(payouts []ir.Payout) (string, error) {
	list := make([]any, 0, len(payouts))
	for _, p := range payouts {
		list = append(list, map[string]any{
			"contributor_id": p.ContributorID,
			"points":         ir.U64(p.Points),
			"amount":         ir.U64(p.Amount),
		})
	}
	data, err := ir.MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("marshal payouts: %w", err)
	}
	return string(data), nil
}

type storedPayout struct {
	ContributorID string `json:"contributor_id"`
	Points        string `json:"points"`
	Amount        string `json:"amount"`
}

func unmarshalPayouts(data string) ([]ir.Payout, error) {
	var stored []storedPayout
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal payouts: %w", err)
	}
	payouts := make([]ir.Payout, 0, len(stored))
	for _, sp := range stored {
		points, err := parseU64("payout points", sp.Points)
		if err != nil {
			return nil, err
		}
		amount, err := parseU64("payout amount", sp.Amount)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, ir.Payout{ContributorID: sp.ContributorID, Points: points, Amount: amount})
	}
	return payouts, nil
}

// marshalAttesters stores the sorted attester list as canonical JSON TEXT.
func marshalAttesters(attesters []string) (string, error) {
	data, err := ir.MarshalCanonical(ir.SortedStrings(attesters))
	if err != nil {
		return "", fmt.Errorf("marshal attesters: %w", err)
	}
	return string(data), nil
}

func unmarshalAttesters(data string) ([]string, error) {
	var attesters []string
	if err := json.Unmarshal([]byte(data), &attesters); err != nil {
		return nil, fmt.Errorf("unmarshal attesters: %w", err)
	}
	if attesters == nil {
		attesters = []string{}
	}
	return attesters, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
