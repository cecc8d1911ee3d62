package executor

import (
	"sync"

	"github.com/roach88/settle/internal/ir"
)

// instructionQueue is a thread-safe FIFO of instructions awaiting delivery.
//
// The queue is unbounded so that settling a period with many contributors
// never blocks the caller that committed the settlement.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the delivery loop.
type instructionQueue struct {
	mu     sync.Mutex
	items  []ir.Instruction
	closed bool
	signal chan struct{} // buffered, size 1
}

func newInstructionQueue() *instructionQueue {
	return &instructionQueue{
		items:  make([]ir.Instruction, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an instruction to the back of the queue.
// Returns false if the queue is closed.
func (q *instructionQueue) Enqueue(in ir.Instruction) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, in)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front instruction without blocking.
// Returns false if the queue is empty.
func (q *instructionQueue) TryDequeue() (ir.Instruction, bool) {
	in, ok, _ := q.Next()
	return in, ok
}

// Next removes the front instruction without blocking. When the queue is
// empty it reports whether the queue is also closed; both are read under
// one lock, so an empty closed queue stays empty.
func (q *instructionQueue) Next() (in ir.Instruction, ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return ir.Instruction{}, false, q.closed
	}

	in = q.items[0]
	q.items[0] = ir.Instruction{}

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return in, true, false
}

// Wait returns a channel that signals when instructions may be available.
// It is closed once the queue is closed.
func (q *instructionQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *instructionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *instructionQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more instructions will be enqueued.
func (q *instructionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
