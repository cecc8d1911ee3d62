package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/settle/internal/ir"
)

// Recorder is an in-memory executor. It records every submitted
// instruction and fails submissions to destinations marked with FailFor.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Recorder struct {
	mu        sync.Mutex
	submitted []ir.Instruction
	failing   map[string]string
}

// NewRecorder creates a recorder that accepts everything.
func NewRecorder() *Recorder {
	return &Recorder{failing: make(map[string]string)}
}

// FailFor makes submissions to destination fail with reason until
// Recover is called.
func (r *Recorder) FailFor(destination, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[destination] = reason
}

// Recover clears a failure set by FailFor.
func (r *Recorder) Recover(destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failing, destination)
}

// Submit records in, or fails if its destination is marked failing.
func (r *Recorder) Submit(ctx context.Context, in ir.Instruction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if reason, ok := r.failing[in.Destination]; ok {
		return fmt.Errorf("executor rejected %s: %s", in.Destination, reason)
	}
	r.submitted = append(r.submitted, in)
	return nil
}

// Submitted returns a copy of every accepted instruction in order.
func (r *Recorder) Submitted() []ir.Instruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ir.Instruction, len(r.submitted))
	copy(out, r.submitted)
	return out
}

// Count returns the number of accepted instructions of kind.
func (r *Recorder) Count(kind ir.InstructionKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, in := range r.submitted {
		if in.Kind == kind {
			n++
		}
	}
	return n
}
