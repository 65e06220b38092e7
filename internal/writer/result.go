package writer

import (
	"time"

	"github.com/roach88/acksync/internal/ir"
	"github.com/roach88/acksync/internal/monitor"
)

// Outcome is the final state of one target after a Write.
type Outcome string

const (
	// OutcomeAcknowledged means the ack is durably on the remote record.
	OutcomeAcknowledged Outcome = "acknowledged"
	// OutcomePending means the target should be requeued.
	OutcomePending Outcome = "pending"
	// OutcomeFailed means the target will never be acknowledged.
	OutcomeFailed Outcome = "failed"
)

// ReasonNotFound marks targets whose record did not exist.
const ReasonNotFound = "not_found"

// TargetResult is the outcome for one target.
type TargetResult struct {
	Ref     ir.RecordRef
	Outcome Outcome
	Reason  string
	Err     error
}

// Result describes one Write call. Every target appears exactly once.
type Result struct {
	Targets []TargetResult

	// Tier is the last tier that ran.
	Tier monitor.Tier
	// NoOp is true when the transaction found no existing target.
	NoOp bool
	// FallbackUsed is true when any tier after the transaction ran.
	FallbackUsed bool
	// Calls counts remote store calls made.
	Calls    int
	Duration time.Duration
}

func newResult(targets []ir.RecordRef) *Result {
	r := &Result{Targets: make([]TargetResult, len(targets))}
	for i, t := range targets {
		r.Targets[i] = TargetResult{Ref: t, Outcome: OutcomePending}
	}
	return r
}

func (r *Result) set(ref ir.RecordRef, outcome Outcome, reason string, err error) {
	for i := range r.Targets {
		if r.Targets[i].Ref == ref {
			r.Targets[i] = TargetResult{Ref: ref, Outcome: outcome, Reason: reason, Err: err}
			return
		}
	}
}

func (r *Result) refs(outcome Outcome) []ir.RecordRef {
	var out []ir.RecordRef
	for _, t := range r.Targets {
		if t.Outcome == outcome {
			out = append(out, t.Ref)
		}
	}
	return out
}

// Acknowledged returns the acknowledged targets in payload order.
func (r Result) Acknowledged() []ir.RecordRef { return r.refs(OutcomeAcknowledged) }

// Pending returns the targets that should be requeued.
func (r Result) Pending() []ir.RecordRef { return r.refs(OutcomePending) }

// Failed returns the targets that failed permanently.
func (r Result) Failed() []ir.RecordRef { return r.refs(OutcomeFailed) }

// Complete reports whether no target is left pending.
func (r Result) Complete() bool { return len(r.Pending()) == 0 }

// Success reports whether every target was acknowledged.
func (r Result) Success() bool {
	return len(r.Pending()) == 0 && len(r.Failed()) == 0
}

// Err returns the first non-nil target error, preferring failed targets.
func (r Result) Err() error {
	for _, t := range r.Targets {
		if t.Outcome == OutcomeFailed && t.Err != nil {
			return t.Err
		}
	}
	for _, t := range r.Targets {
		if t.Err != nil {
			return t.Err
		}
	}
	return nil
}
