// Package config loads the engine configuration.
//
// Files are YAML, decoded strictly over the defaults, then validated
// against the embedded CUE schema. Every setting has a default, so an empty
// file (or no file) is a valid configuration.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/settle/internal/bridge"
	"github.com/roach88/settle/internal/executor"
	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/issuance"
)

//go:embed schema.cue
var schemaSource string

// Config is the complete engine configuration.
type Config struct {
	Issuance Issuance `yaml:"issuance" json:"issuance"`
	Quorum   Quorum   `yaml:"quorum" json:"quorum"`
	Bridge   Bridge   `yaml:"bridge" json:"bridge"`
	Executor Executor `yaml:"executor" json:"executor"`
}

// Issuance holds the emission parameters recorded at genesis.
type Issuance struct {
	InitialReward      uint64 `yaml:"initial_reward" json:"initial_reward"`
	HalvingInterval    uint64 `yaml:"halving_interval" json:"halving_interval"`
	MinHalvingInterval uint64 `yaml:"min_halving_interval" json:"min_halving_interval"`
	HardCap            uint64 `yaml:"hard_cap" json:"hard_cap"`
	AllocationPercent  uint64 `yaml:"allocation_percent" json:"allocation_percent"`
}

// Quorum holds the attestation settings.
type Quorum struct {
	MinConfirmations int    `yaml:"min_confirmations" json:"min_confirmations"`
	ValidityWindow   string `yaml:"validity_window" json:"validity_window"`
}

// Bridge holds the transfer policy. Rates are decimal strings.
type Bridge struct {
	FeeRate               string `yaml:"fee_rate" json:"fee_rate"`
	TreasuryPercent       string `yaml:"treasury_percent" json:"treasury_percent"`
	MinAmount             uint64 `yaml:"min_amount" json:"min_amount"`
	MaxAmount             uint64 `yaml:"max_amount" json:"max_amount"`
	RequiredConfirmations uint32 `yaml:"required_confirmations" json:"required_confirmations"`
	TreasuryBeneficiary   string `yaml:"treasury_beneficiary" json:"treasury_beneficiary"`
	CommunityBeneficiary  string `yaml:"community_beneficiary" json:"community_beneficiary"`
}

// Executor selects where instructions go.
type Executor struct {
	Kind          string `yaml:"kind" json:"kind"`
	NATSURL       string `yaml:"nats_url" json:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Issuance: Issuance{
			InitialReward:      10000,
			HalvingInterval:    210000,
			MinHalvingInterval: issuance.DefaultMinHalvingInterval,
			HardCap:            4_200_000_000,
			AllocationPercent:  15,
		},
		Quorum: Quorum{
			MinConfirmations: 2,
			ValidityWindow:   "24h",
		},
		Bridge: Bridge{
			FeeRate:               "0.05",
			TreasuryPercent:       "0.8",
			MinAmount:             1000,
			RequiredConfirmations: 6,
			TreasuryBeneficiary:   "treasury",
			CommunityBeneficiary:  "community",
		},
		Executor: Executor{
			Kind:          "log",
			SubjectPrefix: executor.DefaultSubjectPrefix,
		},
	}
}

// Load reads path, or returns the defaults when path is empty.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, ir.NewValidation(ir.ErrCodeInvalidParams, "config", "parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg against the embedded schema, then parses the values
// the schema only checks syntactically.
func (c Config) Validate() error {
	cctx := cuecontext.New()
	schema := cctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := cctx.Encode(c)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return ir.NewValidation(ir.ErrCodeInvalidParams, "config", "%s", cueerrors.Details(err, nil))
	}

	if _, err := c.Window(); err != nil {
		return err
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return c.IssuanceParams().Validate()
}

// IssuanceParams returns the genesis emission parameters.
func (c Config) IssuanceParams() issuance.Params {
	return issuance.Params{
		InitialReward:     c.Issuance.InitialReward,
		HalvingInterval:   c.Issuance.HalvingInterval,
		HardCap:           c.Issuance.HardCap,
		AllocationPercent: c.Issuance.AllocationPercent,
	}
}

// Window returns the quorum validity window.
func (c Config) Window() (time.Duration, error) {
	d, err := time.ParseDuration(c.Quorum.ValidityWindow)
	if err != nil || d <= 0 {
		return 0, ir.NewValidation(ir.ErrCodeInvalidParams, "validity_window", "must be a positive duration, got %q", c.Quorum.ValidityWindow)
	}
	return d, nil
}

// Policy returns the bridge policy with parsed rates.
func (c Config) Policy() (bridge.Policy, error) {
	feeRate, err := bridge.ParseRate("fee_rate", c.Bridge.FeeRate)
	if err != nil {
		return bridge.Policy{}, err
	}
	treasury, err := bridge.ParseRate("treasury_percent", c.Bridge.TreasuryPercent)
	if err != nil {
		return bridge.Policy{}, err
	}
	p := bridge.Policy{
		FeeRate:               feeRate,
		TreasuryPercent:       treasury,
		MinAmount:             c.Bridge.MinAmount,
		MaxAmount:             c.Bridge.MaxAmount,
		RequiredConfirmations: c.Bridge.RequiredConfirmations,
		TreasuryBeneficiary:   c.Bridge.TreasuryBeneficiary,
		CommunityBeneficiary:  c.Bridge.CommunityBeneficiary,
	}
	return p, p.Validate()
}
