// Package store provides SQLite-backed durable storage for the settlement
// record log.
//
// The store is append-only. It holds:
//   - Issuance states: one row per version of the height counter
//   - Claims: individual attestations, keyed by content-addressed ID
//   - Claim resolutions: the terminal outcome of each quorum key
//   - Accepted facts: at most one per (contributor_id, period_id)
//   - Reward periods and bridge transfers: one row per version
//   - Instructions and acks: outbound orders and executor outcomes
//
// # Versioned Records
//
// Periods, transfers and issuance states are keyed by (id, version). A write
// must carry exactly latest+1; anything else fails with CONCURRENT_WRITE and
// the enclosing Batch is rolled back. Current state is the highest version.
//
// # Logical Time
//
// Every row carries seq from the engine's logical clock. Reads order by
// seq ASC, id ASC COLLATE BINARY so results are identical across runs.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
