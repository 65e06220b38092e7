// Package harness runs scripted fault-injection scenarios against the full
// acknowledgment pipeline.
//
// A scenario starts the pipeline (app.Start) on an in-memory remote store
// and a mock clock, executes a list of steps and checks assertions against
// the final state. Every step and every queue status change is recorded in
// a trace that can be compared against a golden file.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: offline_then_reconnect
//	description: "What this scenario validates"
//	records: [m1, m2]
//	online: false
//	config:
//	  queue:
//	    backoff_base: 1s
//	steps:
//	  - submit: { targets: [m1, m2], actor: u1 }
//	  - fault: { op: transaction, count: 3, code: Unavailable }
//	  - fault: { record: m2, code: PermissionDenied }
//	  - set_online: true
//	  - advance: 2s
//	  - process: true
//	assertions:
//	  - type: queue_size
//	    count: 0
//	  - type: acknowledged
//	    targets: [m1]
//	    actor: u1
//
// Config keys the scenario omits keep their defaults. set_online flips both
// the connectivity monitor and the store's reachability.
//
// # Assertion Types
//
//   - queue_size: number of items left in the queue
//   - acknowledged / not_acknowledged: acknowledgment state of remote records
//   - failed: exact set of targets reported as permanently failed
//   - write_calls: invocations of one store primitive, failures included
//   - metrics: subset of the monitor aggregate
//
// # Deterministic Testing
//
// The mock clock only moves on advance steps, which fire armed timers one
// at a time in due order. After every step the harness waits until the
// queue and the flush coordinator have no work running or due. Queue item
// ids are sequential (item-1, item-2, ...) and the queue runs one item at a
// time unless the scenario raises queue.concurrency, so the trace is the
// same on every run.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/offline_then_reconnect.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        fmt.Println(e)
//	    }
//	}
package harness
