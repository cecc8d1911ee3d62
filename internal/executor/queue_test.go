package executor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/settle/internal/ir"
)

func TestInstructionQueue_FIFO(t *testing.T) {
	q := newInstructionQueue()

	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(ir.Instruction{ID: id}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.ID)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestInstructionQueue_Close(t *testing.T) {
	q := newInstructionQueue()
	require.True(t, q.Enqueue(ir.Instruction{ID: "A"}))

	q.Close()
	q.Close() // idempotent

	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(ir.Instruction{ID: "B"}), "enqueue after close should fail")

	// Queued items survive Close.
	got, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "A", got.ID)

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("Wait() should be closed after Close()")
	}
}

func TestInstructionQueue_NextReportsClosedOnlyWhenEmpty(t *testing.T) {
	q := newInstructionQueue()
	require.True(t, q.Enqueue(ir.Instruction{ID: "A"}))

	_, ok, closed := q.Next()
	require.True(t, ok)
	assert.False(t, closed)

	_, ok, closed = q.Next()
	assert.False(t, ok)
	assert.False(t, closed, "empty but still open")

	require.True(t, q.Enqueue(ir.Instruction{ID: "B"}))
	q.Close()

	got, ok, closed := q.Next()
	require.True(t, ok, "an item queued before Close is still handed out")
	assert.Equal(t, "B", got.ID)
	assert.False(t, closed)

	_, ok, closed = q.Next()
	assert.False(t, ok)
	assert.True(t, closed)
}

func TestInstructionQueue_ThreadSafe(t *testing.T) {
	q := newInstructionQueue()

	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(ir.Instruction{ID: fmt.Sprintf("%d-%d", producer, i)})
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for {
		in, ok := q.TryDequeue()
		if !ok {
			break
		}
		seen[in.ID] = true
	}
	assert.Len(t, seen, producers*perProducer)
}
