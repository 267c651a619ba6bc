// Package harness runs conformance scenarios against the transaction
// coordinator and post-commit scheduler.
//
// A scenario scripts the storage driver (which primitive fails, and
// whether the failure leaves the connection broken), the work registered
// around the transaction and what the business body returns. The harness
// runs it against a fake connection and a manual executor and records a
// deterministic trace of everything observable: pool acquisitions,
// begin/commit/rollback/close, task submissions and runs, callback
// invocations and the result of the run.
//
// # Scenario Format
//
//	name: commit_runs_deferred_tasks
//	description: "Business success commits and submits deferred work"
//	connection:
//	  commit: {error: "disk full"}
//	  rollback: {error: "socket closed", broken: true}
//	mode: run            # run | begin_release | release
//	before:
//	  - callback: early
//	body:
//	  steps:
//	    - task: publish
//	    - callback: audit
//	      clone: true
//	  return: ok         # ok | fail | error | panic | cancel
//	  value: 42
//	after:
//	  - callback: late
//	expect:
//	  case: ok           # ok | fail | error
//	  value: 42
//	assertions:
//	  - type: trace_contains
//	    kind: callback
//	    name: audit
//	    detail: committed
//	  - type: trace_order
//	    events: ["conn:begin", "conn:commit", "spawn:publish"]
//	  - type: trace_count
//	    kind: task
//	    name: publish
//	    count: 1
//	  - type: final_state
//	    expect: {state: committed, spawned: 1}
//
// # Modes
//
//   - run: the body runs inside txn.Run.
//   - begin_release: the transaction is begun, the body steps are applied
//     and the coordinator is released without resolution.
//   - release: the coordinator is released without ever beginning.
//
// Steps in after run once the coordinator has been released, exercising
// late registration.
//
// # Golden Files
//
// RunWithGolden compares the canonical JSON of a scenario's trace with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
