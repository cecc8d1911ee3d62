package engine

import "sync/atomic"

// Clock is the monotonic logical clock stamped on every record.
//
// Records are ordered by seq, never by wall-clock time, so a replayed log
// reads back in the order it was written. On startup the clock resumes
// from the highest seq in the store. The clock only proposes seqs: when
// another process sharing the database committed past it, the store moves
// the batch past that writer on commit.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock whose next value is start+1.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
