package quorum

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/settle/internal/ir"
	"github.com/roach88/settle/internal/store"
	"github.com/roach88/settle/internal/testutil"
)

const testWindow = 24 * time.Hour

type fixture struct {
	q     *Quorum
	store *store.Store
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T, minConfirmations int) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewFakeClock()
	q, err := New(Config{
		MinConfirmations: minConfirmations,
		ValidityWindow:   testWindow,
		Store:            st,
		Seq:              testutil.NewDeterministicClock(),
		Clock:            clock,
	})
	require.NoError(t, err)
	return &fixture{q: q, store: st, clock: clock}
}

func (f *fixture) claim(contributor string, points uint64, attester string) ir.Claim {
	return ir.Claim{
		ContributorID: contributor,
		PeriodID:      "p1",
		Points:        points,
		AttesterID:    attester,
		ObservedAt:    f.clock.Now(),
	}
}

func (f *fixture) submit(t *testing.T, c ir.Claim) ir.SubmitResult {
	t.Helper()
	res, err := f.q.Submit(context.Background(), c)
	require.NoError(t, err)
	return res
}

func TestNew_RejectsBadConfig(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	_, err = New(Config{MinConfirmations: 0, ValidityWindow: time.Hour, Store: st, Seq: testutil.NewDeterministicClock()})
	assert.Equal(t, ir.ErrCodeInvalidParams, ir.CodeOf(err))

	_, err = New(Config{MinConfirmations: 1, ValidityWindow: 0, Store: st, Seq: testutil.NewDeterministicClock()})
	assert.Equal(t, ir.ErrCodeInvalidParams, ir.CodeOf(err))
}

func TestSubmit_ConflictingClaimsOneFact(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	res := f.submit(t, f.claim("X", 50, "A"))
	assert.Equal(t, ir.OutcomeCollecting, res.Outcome)
	assert.Equal(t, 1, res.Count)

	res = f.submit(t, f.claim("X", 40, "C"))
	assert.Equal(t, ir.OutcomeCollecting, res.Outcome)
	assert.Equal(t, 1, res.Count)

	res = f.submit(t, f.claim("X", 50, "B"))
	require.Equal(t, ir.OutcomeAccepted, res.Outcome)
	require.NotNil(t, res.Fact)
	assert.Equal(t, uint64(50), res.Fact.Points)
	assert.Equal(t, []string{"A", "B"}, res.Fact.Attesters)
	assert.Equal(t, ir.MustFactID(res.Key), res.Fact.ID)

	facts, err := f.store.FactsForPeriod(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, uint64(50), facts[0].Points)

	subject := ir.Subject{ContributorID: "X", PeriodID: "p1"}
	resolutions, err := f.store.Resolutions(ctx, subject)
	require.NoError(t, err)
	require.Len(t, resolutions, 2)
	byPoints := map[uint64]ir.Resolution{}
	for _, r := range resolutions {
		byPoints[r.Key.Points] = r.Resolution
	}
	assert.Equal(t, ir.ResolutionAccepted, byPoints[50])
	assert.Equal(t, ir.ResolutionSuperseded, byPoints[40])

	open, err := f.store.OpenClaims(ctx, subject)
	require.NoError(t, err)
	assert.Empty(t, open)

	res = f.submit(t, f.claim("X", 40, "D"))
	assert.Equal(t, ir.OutcomeRejected, res.Outcome)
	assert.Equal(t, ir.ErrCodeAlreadyAccepted, res.Reason)
}

func TestSubmit_DuplicateAttester(t *testing.T) {
	f := newFixture(t, 2)

	f.submit(t, f.claim("X", 50, "A"))
	res := f.submit(t, f.claim("X", 50, "A"))
	assert.Equal(t, ir.OutcomeRejected, res.Outcome)
	assert.Equal(t, ir.ErrCodeDuplicateAttester, res.Reason)
	assert.Equal(t, 1, res.Count)

	// The same attester may still back a different points value.
	res = f.submit(t, f.claim("X", 60, "A"))
	assert.Equal(t, ir.OutcomeCollecting, res.Outcome)
}

func TestSubmit_OutsideWindow(t *testing.T) {
	f := newFixture(t, 2)

	future := f.claim("X", 50, "A")
	future.ObservedAt = f.clock.Now().Add(time.Minute)
	res := f.submit(t, future)
	assert.Equal(t, ir.OutcomeRejected, res.Outcome)
	assert.Equal(t, ir.ErrCodeOutsideWindow, res.Reason)

	stale := f.claim("X", 50, "A")
	stale.ObservedAt = f.clock.Now().Add(-testWindow)
	res = f.submit(t, stale)
	assert.Equal(t, ir.OutcomeRejected, res.Outcome)
	assert.Equal(t, ir.ErrCodeOutsideWindow, res.Reason)

	open, err := f.store.OpenClaims(context.Background(), ir.Subject{ContributorID: "X", PeriodID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, open, "rejected claims are not recorded")
}

func TestSubmit_InvalidInput(t *testing.T) {
	f := newFixture(t, 2)

	c := f.claim("", 50, "A")
	_, err := f.q.Submit(context.Background(), c)
	require.Error(t, err)
	assert.True(t, ir.IsValidation(err))
	assert.Equal(t, ir.ErrCodeInvalidInput, ir.CodeOf(err))

	c = f.claim("X", 50, "")
	_, err = f.q.Submit(context.Background(), c)
	assert.Equal(t, ir.ErrCodeInvalidInput, ir.CodeOf(err))
}

func TestSubmit_LazyExpiry(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.submit(t, f.claim("X", 50, "A"))
	f.clock.Advance(testWindow)

	res := f.submit(t, f.claim("X", 50, "B"))
	assert.Equal(t, ir.OutcomeExpired, res.Outcome)
	assert.Equal(t, 1, res.Count)

	resolutions, err := f.store.Resolutions(ctx, ir.Subject{ContributorID: "X", PeriodID: "p1"})
	require.NoError(t, err)
	require.Len(t, resolutions, 1)
	assert.Equal(t, ir.ResolutionExpired, resolutions[0].Resolution)
	assert.False(t, resolutions[0].Conflicting)

	_, ok, err := f.store.Fact(ctx, ir.Subject{ContributorID: "X", PeriodID: "p1"})
	require.NoError(t, err)
	assert.False(t, ok)

	// A different points value opens a fresh key.
	res = f.submit(t, f.claim("X", 55, "B"))
	assert.Equal(t, ir.OutcomeCollecting, res.Outcome)
}

func TestSweep_FlagsConflicts(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.submit(t, f.claim("X", 50, "A"))
	f.submit(t, f.claim("X", 40, "B"))
	f.submit(t, f.claim("Y", 10, "A"))

	f.clock.Advance(time.Hour)
	expired, err := f.q.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired, "windows still open")

	f.clock.Advance(testWindow)
	expired, err = f.q.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 3)

	conflicting := map[string]bool{}
	for _, r := range expired {
		assert.Equal(t, ir.ResolutionExpired, r.Resolution)
		conflicting[r.Key.String()] = r.Conflicting
	}
	assert.Equal(t, map[string]bool{
		"X@p1:40": true,
		"X@p1:50": true,
		"Y@p1:10": false,
	}, conflicting)

	subjects, err := f.store.OpenSubjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, subjects)

	expired, err = f.q.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestSubmit_ConcurrentAttestersOneFact(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	var accepted, collecting, rejected atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 10; i++ {
		attester := fmt.Sprintf("att-%02d", i)
		g.Go(func() error {
			res, err := f.q.Submit(gctx, f.claim("X", 50, attester))
			if err != nil {
				return err
			}
			switch res.Outcome {
			case ir.OutcomeAccepted:
				accepted.Add(1)
			case ir.OutcomeCollecting:
				collecting.Add(1)
			case ir.OutcomeRejected:
				if res.Reason != ir.ErrCodeAlreadyAccepted {
					return fmt.Errorf("unexpected rejection %s", res.Reason)
				}
				rejected.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(2), collecting.Load())
	assert.Equal(t, int32(7), rejected.Load())

	facts, err := f.store.FactsForPeriod(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Len(t, facts[0].Attesters, 3)
}

func TestSubmit_IndependentSubjects(t *testing.T) {
	f := newFixture(t, 1)

	res := f.submit(t, f.claim("X", 50, "A"))
	assert.Equal(t, ir.OutcomeAccepted, res.Outcome)
	res = f.submit(t, f.claim("Y", 70, "A"))
	assert.Equal(t, ir.OutcomeAccepted, res.Outcome)

	facts, err := f.store.FactsForPeriod(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "X", facts[0].ContributorID)
	assert.Equal(t, "Y", facts[1].ContributorID)
}
