package issuance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/metrics"
	"github.com/roach88/settle/internal/store"
)

// DefaultMinHalvingInterval is the smallest halving interval a parameter
// update may set.
const DefaultMinHalvingInterval = 105000

// Sequencer hands out logical sequence numbers.
type Sequencer interface {
	Next() int64
}

// Config configures a Tracker.
type Config struct {
	// Params are used to record the genesis state of an empty store. An
	// existing store keeps the parameters it recorded.
	Params             Params
	MinHalvingInterval uint64

	Store  *store.Store
	Seq    Sequencer
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Tracker owns the height counter. Every advance and every parameter update
// is recorded as a new IssuanceState version.
type Tracker struct {
	store       *store.Store
	seq         Sequencer
	clock       clockwork.Clock
	logger      *slog.Logger
	minInterval uint64

	mu       sync.Mutex
	schedule Schedule
	state    ir.IssuanceState
}

// Open restores the latest issuance state from the store, recording a
// genesis state at height 0 when the store has none.
func Open(ctx context.Context, cfg Config) (*Tracker, error) {
	if cfg.Store == nil || cfg.Seq == nil {
		return nil, fmt.Errorf("issuance: store and sequencer are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MinHalvingInterval == 0 {
		cfg.MinHalvingInterval = DefaultMinHalvingInterval
	}

	t := &Tracker{
		store:       cfg.Store,
		seq:         cfg.Seq,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		minInterval: cfg.MinHalvingInterval,
	}

	history, err := cfg.Store.IssuanceHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("issuance: load state: %w", err)
	}
	if len(history) > 0 {
		latest := history[len(history)-1]
		schedule, err := FromHistory(history)
		if err != nil {
			return nil, fmt.Errorf("issuance: stored parameters: %w", err)
		}
		if ParamsOf(latest) != cfg.Params {
			t.logger.Info("stored issuance parameters take precedence over configuration",
				"version", latest.Version,
				"halving_interval", latest.HalvingInterval)
		}
		t.schedule, t.state = schedule, latest
		metrics.IssuanceHeight.Set(float64(latest.Height))
		metrics.IssuanceSupply.Set(float64(latest.CumulativeSupply))
		return t, nil
	}

	if err := t.validateParams(cfg.Params); err != nil {
		return nil, err
	}
	schedule, err := NewSchedule(cfg.Params)
	if err != nil {
		return nil, err
	}
	genesis := t.stateFor(schedule, 0, 1)
	batch := store.Batch{Issuance: []ir.IssuanceState{genesis}}
	if err := cfg.Store.Commit(ctx, batch); err != nil {
		return nil, fmt.Errorf("issuance: record genesis: %w", err)
	}
	genesis = batch.Issuance[0]
	t.schedule, t.state = schedule, genesis
	t.logger.Info("issuance genesis recorded",
		"initial_reward", cfg.Params.InitialReward,
		"halving_interval", cfg.Params.HalvingInterval,
		"hard_cap", cfg.Params.HardCap)
	return t, nil
}

// State returns the current issuance state.
func (t *Tracker) State() ir.IssuanceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Schedule returns the schedule in force.
func (t *Tracker) Schedule() Schedule {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.schedule
}

// Height returns the current value of the height counter.
func (t *Tracker) Height() uint64 {
	return t.State().Height
}

// AdvanceHeight moves the counter to height. Heights must strictly
// increase; anything else is rejected with NON_MONOTONIC_HEIGHT and nothing
// is recorded.
func (t *Tracker) AdvanceHeight(ctx context.Context, height uint64) (ir.IssuanceState, error) {
	defer metrics.Timer("advance_height")()

	t.mu.Lock()
	defer t.mu.Unlock()

	if height <= t.state.Height {
		err := ir.NewValidation(ir.ErrCodeNonMonotonicHeight, "",
			"height %d does not exceed current height %d", height, t.state.Height)
		t.reject(err)
		return t.state, err
	}

	next := t.stateFor(t.schedule, height, t.state.Version+1)
	if err := t.checkSupply(next); err != nil {
		t.reject(err)
		return t.state, err
	}

	batch := store.Batch{Issuance: []ir.IssuanceState{next}}
	if err := t.store.Commit(ctx, batch); err != nil {
		metrics.ObserveError(err)
		return t.state, fmt.Errorf("advance height: %w", err)
	}
	next = batch.Issuance[0]
	t.state = next
	metrics.IssuanceHeight.Set(float64(next.Height))
	metrics.IssuanceSupply.Set(float64(next.CumulativeSupply))
	t.logger.Info("height advanced",
		"height", next.Height,
		"cumulative_supply", next.CumulativeSupply,
		"version", next.Version)
	return next, nil
}

// UpdateParams replaces the emission parameters from the current height on.
// Supply and community allocation already reached are kept; the new
// parameters only govern heights not yet issued.
//
// The halving interval may not drop below the configured minimum, and the
// new cap may not be below the supply already issued.
func (t *Tracker) UpdateParams(ctx context.Context, p Params) (ir.IssuanceState, error) {
	defer metrics.Timer("update_params")()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.validateParams(p); err != nil {
		t.reject(err)
		return t.state, err
	}
	schedule, err := t.schedule.Then(t.state.Height, p)
	if err != nil {
		t.reject(err)
		return t.state, err
	}

	next := t.stateFor(schedule, t.state.Height, t.state.Version+1)
	if err := t.checkSupply(next); err != nil {
		t.reject(err)
		return t.state, err
	}

	batch := store.Batch{Issuance: []ir.IssuanceState{next}}
	if err := t.store.Commit(ctx, batch); err != nil {
		metrics.ObserveError(err)
		return t.state, fmt.Errorf("update params: %w", err)
	}
	next = batch.Issuance[0]
	t.schedule, t.state = schedule, next
	metrics.IssuanceSupply.Set(float64(next.CumulativeSupply))
	t.logger.Info("issuance parameters updated",
		"halving_interval", p.HalvingInterval,
		"initial_reward", p.InitialReward,
		"hard_cap", p.HardCap,
		"allocation_percent", p.AllocationPercent,
		"version", next.Version)
	return next, nil
}

func (t *Tracker) validateParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.HalvingInterval < t.minInterval {
		return ir.NewValidation(ir.ErrCodeInvalidParams, "",
			"halving interval %d is below the minimum %d", p.HalvingInterval, t.minInterval)
	}
	return nil
}

func (t *Tracker) stateFor(s Schedule, height uint64, version int64) ir.IssuanceState {
	p := s.Params()
	return ir.IssuanceState{
		Version:           version,
		Height:            height,
		CumulativeSupply:  s.CumulativeSupplyAt(height),
		HardCap:           p.HardCap,
		InitialReward:     p.InitialReward,
		HalvingInterval:   p.HalvingInterval,
		AllocationPercent: p.AllocationPercent,
		Seq:               t.seq.Next(),
		RecordedAt:        t.clock.Now(),
	}
}

// checkSupply is the last check before any commit.
func (t *Tracker) checkSupply(st ir.IssuanceState) error {
	if st.CumulativeSupply > st.HardCap {
		return ir.NewInvariant(ir.ErrCodeSupplyCapExceeded, "",
			"cumulative supply %d exceeds hard cap %d", st.CumulativeSupply, st.HardCap)
	}
	return nil
}

func (t *Tracker) reject(err error) {
	metrics.ObserveError(err)
	t.logger.Warn("issuance operation rejected", "error", err)
}
