// Package harness runs scripted scenarios against the settlement engine.
//
// A scenario is a YAML file with a configuration override and an ordered
// list of steps. Each step calls one engine operation; its result is
// reduced to a StepTrace holding the outcome, the error code (if any) and
// the fields that do not depend on wall time or content hashes. An optional
// expect clause on a step is matched against that trace.
//
// Every scenario runs on a fresh store with a fake clock, sequential
// transfer ids and an in-memory executor. The deliver step drains the
// dispatcher and restarts the engine over the same store, so scenarios
// exercise recovery as well as the happy path. After the last step the
// harness delivers anything still queued and audits the log; audit
// findings fail the scenario.
//
// Example:
//
//	name: bridge-fee
//	description: fee split on a 1000 unit transfer
//	config:
//	  bridge:
//	    min_amount: 100
//	    required_confirmations: 0
//	steps:
//	  - op: initiate_transfer
//	    args: {amount: 1000}
//	    expect:
//	      outcome: Settled
//	      fields: {fee: 50, net: 950, treasury: 40, community: 10}
//
// Traces are compared against golden files with goldie; see RunWithGolden.
package harness
