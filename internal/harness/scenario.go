package harness

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/settle/internal/config"
)

// Scenario is a scripted run against a fresh engine. Steps execute in
// order; each may carry an expectation checked against what the engine
// actually returned.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario demonstrates.
	Description string `yaml:"description"`

	// Config overrides the default engine configuration. Unset fields keep
	// their defaults.
	Config config.Config `yaml:"config"`

	// Failures marks executor destinations that reject submissions from the
	// start, keyed by destination with the rejection reason as value.
	Failures map[string]string `yaml:"failures,omitempty"`

	Steps []Step `yaml:"steps"`
}

// Step is one engine operation.
type Step struct {
	Op     string  `yaml:"op"`
	Args   Args    `yaml:"args"`
	Expect *Expect `yaml:"expect,omitempty"`
}

// Args holds the arguments of every operation; each op reads the fields it
// needs.
type Args struct {
	Height          uint64 `yaml:"height,omitempty"`
	HalvingInterval uint64 `yaml:"halving_interval,omitempty"`

	// By advances the wall clock (advance_clock).
	By string `yaml:"by,omitempty"`

	Contributor string `yaml:"contributor,omitempty"`
	Period      string `yaml:"period,omitempty"`
	Points      uint64 `yaml:"points,omitempty"`
	Attester    string `yaml:"attester,omitempty"`
	// Observed offsets the claim's observation time from the wall clock,
	// e.g. "-2h". Empty means now.
	Observed string `yaml:"observed,omitempty"`

	Start uint64 `yaml:"start,omitempty"`
	End   uint64 `yaml:"end,omitempty"`

	Transfer      string `yaml:"transfer,omitempty"`
	Source        string `yaml:"source,omitempty"`
	Dest          string `yaml:"dest,omitempty"`
	Sender        string `yaml:"sender,omitempty"`
	Recipient     string `yaml:"recipient,omitempty"`
	Amount        uint64 `yaml:"amount,omitempty"`
	Confirmations uint32 `yaml:"confirmations,omitempty"`

	// Destination and Reason drive fail_destination and recover_destination.
	Destination string `yaml:"destination,omitempty"`
	Reason      string `yaml:"reason,omitempty"`
}

// Expect is checked against the step's trace entry. Unset fields are not
// checked; Fields is a subset match against Detail.
type Expect struct {
	Outcome string         `yaml:"outcome,omitempty"`
	Error   string         `yaml:"error,omitempty"`
	Fields  map[string]any `yaml:"fields,omitempty"`
}

// Operation names.
const (
	OpAdvanceHeight      = "advance_height"
	OpUpdateParams       = "update_params"
	OpAdvanceClock       = "advance_clock"
	OpSubmitClaim        = "submit_claim"
	OpSweep              = "sweep"
	OpOpenPeriod         = "open_period"
	OpSettlePeriod       = "settle_period"
	OpReconcilePeriod    = "reconcile_period"
	OpInitiateTransfer   = "initiate_transfer"
	OpConfirmTransfer    = "confirm_transfer"
	OpReconcileTransfer  = "reconcile_transfer"
	OpDeliver            = "deliver"
	OpFailDestination    = "fail_destination"
	OpRecoverDestination = "recover_destination"
	OpAudit              = "audit"
)

var knownOps = map[string]bool{
	OpAdvanceHeight: true, OpUpdateParams: true, OpAdvanceClock: true,
	OpSubmitClaim: true, OpSweep: true,
	OpOpenPeriod: true, OpSettlePeriod: true, OpReconcilePeriod: true,
	OpInitiateTransfer: true, OpConfirmTransfer: true, OpReconcileTransfer: true,
	OpDeliver: true, OpFailDestination: true, OpRecoverDestination: true,
	OpAudit: true,
}

// LoadScenario reads and parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	defer f.Close()
	return ParseScenario(f)
}

// ParseScenario decodes a scenario. Unknown fields are rejected so that a
// typo never silently drops an expectation.
func ParseScenario(r io.Reader) (*Scenario, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}

	s := Scenario{Config: config.Default()}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for i, step := range s.Steps {
		if !knownOps[step.Op] {
			return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
		}
		if err := validateArgs(step); err != nil {
			return fmt.Errorf("steps[%d] (%s): %w", i, step.Op, err)
		}
	}
	return nil
}

func validateArgs(step Step) error {
	a := step.Args
	switch step.Op {
	case OpAdvanceClock:
		if _, err := time.ParseDuration(a.By); err != nil {
			return fmt.Errorf("by must be a duration: %w", err)
		}
	case OpSubmitClaim:
		if a.Observed != "" {
			if _, err := time.ParseDuration(a.Observed); err != nil {
				return fmt.Errorf("observed must be a duration offset: %w", err)
			}
		}
	case OpSettlePeriod, OpReconcilePeriod, OpOpenPeriod:
		if a.Period == "" {
			return fmt.Errorf("period is required")
		}
	case OpConfirmTransfer, OpReconcileTransfer:
		if a.Transfer == "" {
			return fmt.Errorf("transfer is required")
		}
	case OpFailDestination, OpRecoverDestination:
		if a.Destination == "" {
			return fmt.Errorf("destination is required")
		}
	}
	return nil
}
