// Package quorum reconciles independent attestations into accepted facts.
//
// Each (contributor_id, period_id, points) key collects claims from
// distinct attesters. The first key of a contributor/period to reach
// MinConfirmations becomes the single AcceptedFact for it; competing keys
// are superseded. A key whose validity window closes first expires. Expiry
// is evaluated lazily on the next Submit for the contributor/period or by
// an explicit Sweep, never by a background timer.
package quorum

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/keylock"
	"github.com/roach88/settle/internal/metrics"
	"github.com/roach88/settle/internal/store"
)

// Sequencer hands out logical sequence numbers.
type Sequencer interface {
	Next() int64
}

// Config configures a Quorum.
type Config struct {
	MinConfirmations int
	ValidityWindow   time.Duration

	Store  *store.Store
	Seq    Sequencer
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Quorum is the attestation state machine. It is safe for concurrent use;
// calls for the same contributor/period are serialized.
type Quorum struct {
	minConfirmations int
	window           time.Duration

	store  *store.Store
	seq    Sequencer
	clock  clockwork.Clock
	logger *slog.Logger
	locks  *keylock.Set
}

// New validates cfg and returns a Quorum.
func New(cfg Config) (*Quorum, error) {
	if cfg.MinConfirmations < 1 {
		return nil, ir.NewValidation(ir.ErrCodeInvalidParams, "", "min confirmations must be at least 1, got %d", cfg.MinConfirmations)
	}
	if cfg.ValidityWindow <= 0 {
		return nil, ir.NewValidation(ir.ErrCodeInvalidParams, "", "validity window must be positive, got %s", cfg.ValidityWindow)
	}
	if cfg.Store == nil || cfg.Seq == nil {
		return nil, fmt.Errorf("quorum: store and sequencer are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Quorum{
		minConfirmations: cfg.MinConfirmations,
		window:           cfg.ValidityWindow,
		store:            cfg.Store,
		seq:              cfg.Seq,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		locks:            keylock.New(),
	}, nil
}

// openKey is the collecting state of one key.
type openKey struct {
	key         ir.FactKey
	attesters   map[string]bool
	windowStart time.Time
}

func (k *openKey) windowEnd(window time.Duration) time.Time {
	return k.windowStart.Add(window)
}

func (k *openKey) sortedAttesters() []string {
	out := make([]string, 0, len(k.attesters))
	for a := range k.attesters {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// subjectState is everything known about one contributor/period.
type subjectState struct {
	fact     *ir.AcceptedFact
	open     map[uint64]*openKey
	resolved map[uint64]ir.KeyResolution
}

func (q *Quorum) load(ctx context.Context, subject ir.Subject) (*subjectState, error) {
	st := &subjectState{
		open:     make(map[uint64]*openKey),
		resolved: make(map[uint64]ir.KeyResolution),
	}

	fact, ok, err := q.store.Fact(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("load fact for %s: %w", subject, err)
	}
	if ok {
		st.fact = &fact
	}

	resolutions, err := q.store.Resolutions(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("load resolutions for %s: %w", subject, err)
	}
	for _, r := range resolutions {
		st.resolved[r.Key.Points] = r
	}

	claims, err := q.store.OpenClaims(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("load claims for %s: %w", subject, err)
	}
	for _, c := range claims {
		k, ok := st.open[c.Points]
		if !ok {
			k = &openKey{key: c.Key(), attesters: make(map[string]bool), windowStart: c.ObservedAt}
			st.open[c.Points] = k
		}
		k.attesters[c.AttesterID] = true
		if c.ObservedAt.Before(k.windowStart) {
			k.windowStart = c.ObservedAt
		}
	}
	return st, nil
}

// expireDue resolves every open key whose window has closed at now and
// returns the resolutions to record. A key is flagged conflicting when
// other points values were collecting for the same contributor/period.
func (q *Quorum) expireDue(st *subjectState, now time.Time) []ir.KeyResolution {
	competing := len(st.open) > 1
	var expired []ir.KeyResolution
	for _, points := range sortedPoints(st.open) {
		k := st.open[points]
		if now.Before(k.windowEnd(q.window)) {
			continue
		}
		r := ir.KeyResolution{
			Key:         k.key,
			Resolution:  ir.ResolutionExpired,
			Conflicting: competing,
			Attesters:   len(k.attesters),
			ResolvedAt:  now,
			Seq:         q.seq.Next(),
		}
		expired = append(expired, r)
		st.resolved[points] = r
		delete(st.open, points)
	}
	return expired
}

func sortedPoints(m map[uint64]*openKey) []uint64 {
	out := make([]uint64, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Submit records one attester's claim.
//
// Malformed claims return a ValidationError. Policy rejections (duplicate
// attester, outside the validity window, contributor/period already
// accepted) are reported as OutcomeRejected with a reason and a nil error.
func (q *Quorum) Submit(ctx context.Context, c ir.Claim) (ir.SubmitResult, error) {
	defer metrics.Timer("submit_claim")()

	if err := validateClaim(c); err != nil {
		metrics.ObserveError(err)
		return ir.SubmitResult{}, err
	}
	key := c.Key()
	subject := key.Subject()

	unlock, err := q.locks.Lock(ctx, subject.String())
	if err != nil {
		return ir.SubmitResult{}, err
	}
	defer unlock()

	st, err := q.load(ctx, subject)
	if err != nil {
		return ir.SubmitResult{}, err
	}
	now := q.clock.Now()

	if st.fact != nil {
		return q.reject(ctx, nil, key, 0, ir.ErrCodeAlreadyAccepted, c)
	}

	expired := q.expireDue(st, now)
	q.logExpired(expired)

	if r, ok := st.resolved[key.Points]; ok {
		// The key is terminal. Anything other than Expired implies a fact,
		// which was handled above.
		if err := q.commit(ctx, store.Batch{Resolutions: expired}); err != nil {
			return ir.SubmitResult{}, err
		}
		metrics.ClaimsTotal.WithLabelValues(ir.OutcomeExpired.String()).Inc()
		return ir.SubmitResult{Outcome: ir.OutcomeExpired, Key: key, Count: r.Attesters}, nil
	}

	open := st.open[key.Points]
	count := 0
	if open != nil {
		count = len(open.attesters)
	}

	if !q.inWindow(c.ObservedAt, now) || (open != nil && !c.ObservedAt.Before(open.windowEnd(q.window))) {
		return q.reject(ctx, expired, key, count, ir.ErrCodeOutsideWindow, c)
	}
	if open != nil && open.attesters[c.AttesterID] {
		return q.reject(ctx, expired, key, count, ir.ErrCodeDuplicateAttester, c)
	}

	if open == nil {
		open = &openKey{key: key, attesters: make(map[string]bool), windowStart: c.ObservedAt}
		st.open[key.Points] = open
	}
	open.attesters[c.AttesterID] = true
	if c.ObservedAt.Before(open.windowStart) {
		open.windowStart = c.ObservedAt
	}

	claimID, err := ir.ClaimID(key, c.AttesterID)
	if err != nil {
		return ir.SubmitResult{}, fmt.Errorf("submit claim: %w", err)
	}
	c.ID = claimID
	c.Seq = q.seq.Next()

	batch := store.Batch{Resolutions: expired, Claims: []ir.Claim{c}}
	count = len(open.attesters)

	if count < q.minConfirmations {
		if err := q.commit(ctx, batch); err != nil {
			return ir.SubmitResult{}, err
		}
		metrics.ClaimsTotal.WithLabelValues(ir.OutcomeCollecting.String()).Inc()
		q.logger.Info("claim recorded",
			"contributor_id", key.ContributorID,
			"period_id", key.PeriodID,
			"points", key.Points,
			"attester_id", c.AttesterID,
			"count", count)
		return ir.SubmitResult{Outcome: ir.OutcomeCollecting, Key: key, Count: count}, nil
	}

	fact, resolutions, err := q.accept(st, open, now)
	if err != nil {
		return ir.SubmitResult{}, err
	}
	batch.Facts = []ir.AcceptedFact{fact}
	batch.Resolutions = append(batch.Resolutions, resolutions...)
	if err := q.commit(ctx, batch); err != nil {
		return ir.SubmitResult{}, err
	}
	fact = batch.Facts[0]

	metrics.ClaimsTotal.WithLabelValues(ir.OutcomeAccepted.String()).Inc()
	for _, r := range resolutions {
		metrics.QuorumResolutionsTotal.WithLabelValues(r.Resolution.String()).Inc()
	}
	q.logger.Info("fact accepted",
		"contributor_id", fact.ContributorID,
		"period_id", fact.PeriodID,
		"points", fact.Points,
		"attesters", len(fact.Attesters),
		"superseded", len(resolutions)-1)
	return ir.SubmitResult{Outcome: ir.OutcomeAccepted, Key: key, Count: count, Fact: &fact}, nil
}

// accept builds the fact for winner and resolves every open key of the
// subject: the winner as accepted, the others as superseded.
func (q *Quorum) accept(st *subjectState, winner *openKey, now time.Time) (ir.AcceptedFact, []ir.KeyResolution, error) {
	id, err := ir.FactID(winner.key)
	if err != nil {
		return ir.AcceptedFact{}, nil, fmt.Errorf("accept fact: %w", err)
	}
	fact := ir.AcceptedFact{
		ID:            id,
		ContributorID: winner.key.ContributorID,
		PeriodID:      winner.key.PeriodID,
		Points:        winner.key.Points,
		Attesters:     winner.sortedAttesters(),
		AcceptedAt:    now,
		Seq:           q.seq.Next(),
	}

	competing := len(st.open) > 1
	resolutions := []ir.KeyResolution{{
		Key:         winner.key,
		Resolution:  ir.ResolutionAccepted,
		Conflicting: competing,
		Attesters:   len(winner.attesters),
		ResolvedAt:  now,
		Seq:         q.seq.Next(),
	}}
	for _, points := range sortedPoints(st.open) {
		k := st.open[points]
		if k == winner {
			continue
		}
		resolutions = append(resolutions, ir.KeyResolution{
			Key:         k.key,
			Resolution:  ir.ResolutionSuperseded,
			Conflicting: true,
			Attesters:   len(k.attesters),
			ResolvedAt:  now,
			Seq:         q.seq.Next(),
		})
	}
	return fact, resolutions, nil
}

func (q *Quorum) inWindow(observedAt, now time.Time) bool {
	return !observedAt.After(now) && observedAt.After(now.Add(-q.window))
}

func (q *Quorum) reject(ctx context.Context, expired []ir.KeyResolution, key ir.FactKey, count int, reason ir.ErrorCode, c ir.Claim) (ir.SubmitResult, error) {
	if err := q.commit(ctx, store.Batch{Resolutions: expired}); err != nil {
		return ir.SubmitResult{}, err
	}
	metrics.ClaimsTotal.WithLabelValues(ir.OutcomeRejected.String()).Inc()
	q.logger.Warn("claim rejected",
		"contributor_id", key.ContributorID,
		"period_id", key.PeriodID,
		"points", key.Points,
		"attester_id", c.AttesterID,
		"reason", string(reason))
	return ir.SubmitResult{Outcome: ir.OutcomeRejected, Reason: reason, Key: key, Count: count}, nil
}

func (q *Quorum) commit(ctx context.Context, b store.Batch) error {
	if err := q.store.Commit(ctx, b); err != nil {
		metrics.ObserveError(err)
		return fmt.Errorf("quorum commit: %w", err)
	}
	for _, r := range b.Resolutions {
		if r.Resolution == ir.ResolutionExpired {
			metrics.QuorumResolutionsTotal.WithLabelValues(r.Resolution.String()).Inc()
		}
	}
	return nil
}

func (q *Quorum) logExpired(expired []ir.KeyResolution) {
	for _, r := range expired {
		q.logger.Warn("quorum expired without agreement",
			"contributor_id", r.Key.ContributorID,
			"period_id", r.Key.PeriodID,
			"points", r.Key.Points,
			"attesters", r.Attesters,
			"conflicting", r.Conflicting)
	}
}

// Sweep expires every collecting key whose validity window has closed and
// returns the resulting resolutions.
func (q *Quorum) Sweep(ctx context.Context) ([]ir.KeyResolution, error) {
	defer metrics.Timer("sweep")()

	subjects, err := q.store.OpenSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}

	all := []ir.KeyResolution{}
	for _, subject := range subjects {
		expired, err := q.sweepSubject(ctx, subject)
		if err != nil {
			return all, err
		}
		all = append(all, expired...)
	}
	return all, nil
}

func (q *Quorum) sweepSubject(ctx context.Context, subject ir.Subject) ([]ir.KeyResolution, error) {
	unlock, err := q.locks.Lock(ctx, subject.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := q.load(ctx, subject)
	if err != nil {
		return nil, err
	}
	expired := q.expireDue(st, q.clock.Now())
	if len(expired) == 0 {
		return nil, nil
	}
	if err := q.commit(ctx, store.Batch{Resolutions: expired}); err != nil {
		return nil, err
	}
	q.logExpired(expired)
	return expired, nil
}

func validateClaim(c ir.Claim) error {
	switch {
	case c.ContributorID == "":
		return ir.NewValidation(ir.ErrCodeInvalidInput, "", "contributor_id is required")
	case c.PeriodID == "":
		return ir.NewValidation(ir.ErrCodeInvalidInput, c.ContributorID, "period_id is required")
	case c.AttesterID == "":
		return ir.NewValidation(ir.ErrCodeInvalidInput, c.Key().String(), "attester_id is required")
	case c.ObservedAt.IsZero():
		return ir.NewValidation(ir.ErrCodeInvalidInput, c.Key().String(), "timestamp is required")
	}
	return nil
}
