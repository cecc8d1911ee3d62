package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDeterministicClock_NextIncrementsMonotonically(t *testing.T) {
	clock := NewDeterministicClock()
	assert.Equal(t, int64(0), clock.Current())

	assert.Equal(t, int64(1), clock.Next())
	assert.Equal(t, int64(2), clock.Next())
	assert.Equal(t, int64(2), clock.Current())

	clock.Reset()
	assert.Equal(t, int64(0), clock.Current())
	assert.Equal(t, int64(1), clock.Next())
}

func TestDeterministicClock_ConcurrentCallersGetUniqueValues(t *testing.T) {
	clock := NewDeterministicClock()
	const workers, calls = 50, 100

	results := make([][]int64, workers)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		results[i] = make([]int64, calls)
		g.Go(func() error {
			for j := 0; j < calls; j++ {
				results[i][j] = clock.Next()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[int64]bool, workers*calls)
	for _, row := range results {
		for _, v := range row {
			require.False(t, seen[v], "duplicate value %d", v)
			seen[v] = true
		}
	}
	assert.Len(t, seen, workers*calls)
	assert.Equal(t, int64(workers*calls), clock.Current())
}

func TestNewFakeClock_StartsAtEpoch(t *testing.T) {
	clock := NewFakeClock()
	assert.True(t, clock.Now().Equal(Epoch))

	clock.Advance(time.Hour)
	assert.True(t, clock.Now().Equal(Epoch.Add(time.Hour)))
}
