// Package ir defines the shared record types of the settlement engine.
//
// Every entity the engine persists lives here: issuance state versions,
// attestation claims and accepted facts, reward periods and their payout
// entries, bridge transfers, and the outbound instructions handed to the
// transfer executor. The package also owns the error taxonomy and the
// content-addressed identity functions, so that every component agrees on
// how a record is named and how a failure is classified.
//
// # Closed Variants
//
// Statuses are small integer types with a fixed set of constants. Parsing
// from storage goes through Parse* functions that reject unknown values, and
// the transfer state machine exposes CanTransitionTo so that only the edges
// of the documented lifecycle are representable:
//
//	Pending -> Rejected
//	Pending -> FeeApplied -> AwaitingConfirmation -> Settled
//
// # Content-Addressed Identity
//
// Fact, claim and instruction IDs are SHA-256 hashes of RFC 8785 canonical
// JSON with a versioned domain prefix (see hash.go). Amounts are hashed as
// decimal strings so the full uint64 range survives canonicalization.
package ir
