package harness

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/roach88/acksync/internal/ir"
	"github.com/roach88/acksync/internal/monitor"
	"github.com/roach88/acksync/internal/remote/memstore"
)

// metricsTolerance absorbs float rounding in rate comparisons.
const metricsTolerance = 1e-9

// metricKeys maps metric assertion keys to their value in an aggregate.
var metricKeys = map[string]func(monitor.Metrics) float64{
	"total_operations":    func(m monitor.Metrics) float64 { return float64(m.TotalOperations) },
	"success_rate":        func(m monitor.Metrics) float64 { return m.SuccessRate },
	"average_retry_count": func(m monitor.Metrics) float64 { return m.AverageRetryCount },
	"fallback_count":      func(m monitor.Metrics) float64 { return float64(m.FallbackCount) },
	"retried_once":        func(m monitor.Metrics) float64 { return float64(m.RetryPatterns.RetriedOnce) },
	"retried_multiple":    func(m monitor.Metrics) float64 { return float64(m.RetryPatterns.RetriedMultiple) },
}

// State is the final state assertions are evaluated against.
type State struct {
	Remote    *memstore.Store
	QueueSize int
	Failed    []ir.RecordRef
	Metrics   monitor.Metrics
	Trace     []TraceEvent
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n%s", FormatTrace(e.Trace))
	}
	return buf.String()
}

func assertQueueSize(st *State, a Assertion) error {
	if st.QueueSize == *a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertQueueSize,
		Expected: fmt.Sprintf("%d queued item(s)", *a.Count),
		Actual:   fmt.Sprintf("%d queued item(s)", st.QueueSize),
		Trace:    st.Trace,
	}
}

// assertAcknowledged checks that every target carries (want=true) or does
// not carry (want=false) a default-kind acknowledgment by the actor.
func assertAcknowledged(st *State, a Assertion, want bool) error {
	var wrong []string
	for _, t := range a.Targets {
		if st.Remote.Acknowledged(ir.RecordRef(t), a.Actor, ir.DefaultAckKind) != want {
			wrong = append(wrong, t)
		}
	}
	if len(wrong) == 0 {
		return nil
	}
	typ, expected, actual := AssertAcknowledged, "acknowledged", "not acknowledged"
	if !want {
		typ, expected, actual = AssertNotAcknowledged, "not acknowledged", "acknowledged"
	}
	return &AssertionError{
		Type:     typ,
		Expected: fmt.Sprintf("%v %s by %q", a.Targets, expected, a.Actor),
		Actual:   fmt.Sprintf("%v %s", wrong, actual),
		Trace:    st.Trace,
	}
}

// assertFailed checks the exact set of permanently failed targets.
func assertFailed(st *State, a Assertion) error {
	want := make([]ir.RecordRef, len(a.Targets))
	for i, t := range a.Targets {
		want[i] = ir.RecordRef(t)
	}
	slices.Sort(want)
	want = slices.Compact(want)
	if slices.Equal(want, st.Failed) {
		return nil
	}
	return &AssertionError{
		Type:     AssertFailed,
		Expected: fmt.Sprintf("failed targets %v", want),
		Actual:   fmt.Sprintf("failed targets %v", st.Failed),
		Trace:    st.Trace,
	}
}

// assertWriteCalls checks how many times a store primitive was invoked,
// failures included.
func assertWriteCalls(st *State, a Assertion) error {
	op := memstore.Op(a.Op)
	calls := st.Remote.Calls(op)
	if calls == *a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertWriteCalls,
		Expected: fmt.Sprintf("%d %s call(s)", *a.Count, op),
		Actual:   fmt.Sprintf("%d %s call(s)", calls, op),
		Trace:    st.Trace,
	}
}

// assertMetrics compares a subset of the aggregate metrics.
func assertMetrics(st *State, a Assertion) error {
	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var mismatches []string
	for _, k := range keys {
		get, ok := metricKeys[k]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s: unknown metric", k))
			continue
		}
		if got := get(st.Metrics); math.Abs(got-a.Expect[k]) > metricsTolerance {
			mismatches = append(mismatches, fmt.Sprintf("%s=%g (want %g)", k, got, a.Expect[k]))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertMetrics,
		Expected: fmt.Sprintf("metrics %v", a.Expect),
		Actual:   strings.Join(mismatches, ", "),
		Trace:    st.Trace,
	}
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(st *State, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertQueueSize:
			err = assertQueueSize(st, a)
		case AssertAcknowledged:
			err = assertAcknowledged(st, a, true)
		case AssertNotAcknowledged:
			err = assertAcknowledged(st, a, false)
		case AssertFailed:
			err = assertFailed(st, a)
		case AssertWriteCalls:
			err = assertWriteCalls(st, a)
		case AssertMetrics:
			err = assertMetrics(st, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}
