package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"
)

func TestClock_ResumesAfterStart(t *testing.T) {
	c := NewClockAt(41)
	assert.Equal(t, int64(41), c.Current())
	assert.Equal(t, int64(42), c.Next())
	assert.Equal(t, int64(42), c.Current(), "Current does not advance")
}

func TestClock_ConcurrentNextIsUnique(t *testing.T) {
	c := NewClock()
	const workers, perWorker = 50, 200

	results := make([][]int64, workers)
	var g errgroup.Group
	for w := range results {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				results[w] = append(results[w], c.Next())
			}
			return nil
		})
	}
	assert.NoError(t, g.Wait())

	seen := make(map[int64]bool, workers*perWorker)
	for _, rs := range results {
		for i, seq := range rs {
			assert.False(t, seen[seq], "seq %d handed out twice", seq)
			seen[seq] = true
			if i > 0 {
				assert.Greater(t, seq, rs[i-1], "per-caller order is increasing")
			}
		}
	}
	assert.Equal(t, int64(workers*perWorker), c.Current())
}
