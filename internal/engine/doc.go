// Package engine wires the settlement components into one process.
//
// ARCHITECTURE:
//
// One SQLite store holds the append-only log of every component. Each
// component serializes mutations per key (period, transfer, contributor
// and period) and writes a state transition together with the outbound
// instructions it produces in a single transaction. Instructions are then
// handed to the dispatcher, which delivers them from one goroutine; executor
// acks flow back through the ack pump into the owning component.
//
// No operation waits on the executor. A failed delivery is recorded as an
// unresolved ack and is only retried by an explicit Reconcile call.
//
// Logical Clock:
// All records are stamped with a seq from Clock.Next(). The clock resumes
// from the store's highest seq so ordering survives restarts. Wall-clock
// time comes from a clockwork.Clock and is informational except for the
// quorum validity window.
package engine
