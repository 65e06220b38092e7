package harness

import (
	"slices"
	"time"

	"github.com/roach88/acksync/internal/ir"
	"github.com/roach88/acksync/internal/monitor"
)

// Trace event types.
const (
	EventSubmit  = "submit"
	EventOnline  = "online"
	EventOffline = "offline"
	EventAdvance = "advance"
	EventProcess = "process"
	EventFault   = "fault"
	EventItem    = "item"
)

// TraceEvent is one entry of the scenario trace. Step events are recorded
// when the step finishes; item events when the queue reports a status
// change other than in_flight.
type TraceEvent struct {
	Seq  int64         `json:"seq"`
	At   time.Duration `json:"at"` // offset from the scenario start
	Type string        `json:"type"`

	Item    string         `json:"item,omitempty"`
	Status  string         `json:"status,omitempty"`
	Attempt int            `json:"attempt,omitempty"`
	Targets []ir.RecordRef `json:"targets,omitempty"`
	Failed  []ir.RecordRef `json:"failed,omitempty"`
	Outcome string         `json:"outcome,omitempty"`
	Copies  int            `json:"copies,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every submit matched its expected outcome and
	// every assertion held.
	Pass bool `json:"pass"`

	// Trace contains every step and item event in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains outcome mismatches and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// Metrics is the monitor aggregate after the last step.
	Metrics monitor.Metrics `json:"metrics"`

	// QueueSize is the number of items left in the queue.
	QueueSize int `json:"queue_size"`

	// Failed lists every target reported as permanently failed, sorted.
	Failed []ir.RecordRef `json:"failed"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Failed: []ir.RecordRef{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addFailed merges refs into the sorted failed set.
func (r *Result) addFailed(refs []ir.RecordRef) {
	for _, ref := range refs {
		if i, found := slices.BinarySearch(r.Failed, ref); !found {
			r.Failed = slices.Insert(r.Failed, i, ref)
		}
	}
}
