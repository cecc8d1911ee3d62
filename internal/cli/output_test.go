package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]uint64{"cumulative_supply": 2_100_000}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(CLIError{
		Code:    "BELOW_MINIMUM",
		Kind:    "VALIDATION_ERROR",
		Message: "amount 50 is below the minimum 1000",
		Details: map[string]string{"transfer_id": "tx-0001"},
	})
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "BELOW_MINIMUM", resp.Error.Code)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Kind)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccessString(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("Engine started")
	require.NoError(t, err)
	assert.Equal(t, "Engine started\n", buf.String())
}

func TestOutputFormatter_TextSuccessRendersYAML(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	type payout struct {
		ContributorID string `json:"contributor_id"`
		Amount        uint64 `json:"amount"`
	}
	err := formatter.Success(struct {
		Allocation uint64   `json:"allocation"`
		Payouts    []payout `json:"payouts"`
	}{
		Allocation: 100,
		Payouts:    []payout{{ContributorID: "alice", Amount: 33}},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "allocation: 100\n")
	assert.Contains(t, out, "- amount: 33\n")
	assert.Contains(t, out, "contributor_id: alice\n")
	assert.NotContains(t, out, "{")
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Error(CLIError{Code: "UNKNOWN_PERIOD", Message: "no such period"})
	require.NoError(t, err)
	assert.Equal(t, "Error [UNKNOWN_PERIOD]: no such period\n", buf.String())
}

func TestOutputFormatter_TextErrorWithDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Error(CLIError{
		Code:    "ALREADY_SETTLED",
		Message: "period already settled",
		Details: map[string]uint64{"allocation": 100},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [ALREADY_SETTLED]")
	assert.Contains(t, buf.String(), "allocation: 100")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			errBuf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    buf,
				ErrWriter: errBuf,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("opening database %s", "settle.db")

			assert.Empty(t, buf.String(), "verbose output never goes to the JSON stream")
			if tt.wantLog {
				assert.Contains(t, errBuf.String(), "opening database settle.db")
			} else {
				assert.Empty(t, errBuf.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"command error", NewExitError(ExitCommandError, "bad flag"), ExitCommandError},
		{"wrapped", WrapExitError(ExitFailure, "rejected", errors.New("BELOW_MINIMUM")), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitError_Reported(t *testing.T) {
	assert.False(t, IsReported(errors.New("boom")))
	assert.False(t, IsReported(NewExitError(ExitFailure, "x")))
	assert.True(t, IsReported(&ExitError{Code: ExitFailure, Message: "x", Reported: true}))

	wrapped := WrapExitError(ExitCommandError, "failed to open database", errors.New("disk full"))
	assert.Equal(t, "failed to open database: disk full", wrapped.Error())
	assert.EqualError(t, errors.Unwrap(wrapped), "disk full")
}
