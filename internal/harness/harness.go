package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/roach88/acksync/internal/app"
	"github.com/roach88/acksync/internal/connectivity"
	"github.com/roach88/acksync/internal/ir"
	"github.com/roach88/acksync/internal/queue"
	"github.com/roach88/acksync/internal/remote/memstore"
	"github.com/roach88/acksync/internal/service"
	"github.com/roach88/acksync/internal/testutil"
)

const (
	// settleTimeout bounds the wall-clock wait for background work after
	// each step.
	settleTimeout = 5 * time.Second
	settlePoll    = time.Millisecond

	// maxTimerSteps bounds the timers fired by one advance step.
	maxTimerSteps = 10000
)

// Options adjusts a run.
type Options struct {
	// Logger receives pipeline logs. Defaults to discarding them.
	Logger *slog.Logger
}

// runner executes one scenario.
type runner struct {
	scenario *Scenario
	clock    *clock.Mock
	start    time.Time
	remote   *memstore.Store
	network  *connectivity.Switch
	app      *app.App

	mu     sync.Mutex
	seq    int64
	result *Result
}

// Run executes a scenario and returns the result.
//
// Each run gets a fresh in-memory remote store, a mock clock starting at
// testutil.Epoch and sequential queue item ids, so the same scenario always
// produces the same trace.
//
// Execution flow:
//  1. Create the remote store with the scenario records
//  2. Start the pipeline with the scenario config
//  3. Execute steps, letting background work settle after each one
//  4. Evaluate assertions and stop the pipeline
//
// The returned error reports infrastructure problems. Outcome mismatches and
// failed assertions are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithOptions(context.Background(), scenario, Options{})
}

// RunWithOptions is Run with a context and options.
func RunWithOptions(ctx context.Context, scenario *Scenario, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = testutil.DiscardLogger()
	}

	online := true
	if scenario.Online != nil {
		online = *scenario.Online
	}

	r := &runner{
		scenario: scenario,
		clock:    testutil.NewClock(),
		remote:   memstore.New(),
		network:  connectivity.NewSwitch(online),
		result:   NewResult(),
	}
	r.start = r.clock.Now()
	for _, ref := range scenario.Records {
		r.remote.Put(ir.RecordRef(ref))
	}
	r.remote.SetOffline(!online)

	cfg := scenario.Config
	cfg.Store.Path = ""
	a, err := app.Start(ctx, cfg, app.Environment{
		Remote:  r.remote,
		Network: r.network,
		Clock:   r.clock,
		Logger:  logger,
		IDs:     testutil.NewSequentialIDs("item"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}
	r.app = a
	cancel := a.Queue.Observe(r.observe)

	runErr := r.execute(ctx)
	if runErr == nil {
		r.finish()
	}

	cancel()
	if err := a.Stop(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to stop pipeline: %w", err)
	}
	if runErr != nil {
		return nil, runErr
	}
	return r.result, nil
}

func (r *runner) execute(ctx context.Context) error {
	for i, step := range r.scenario.Steps {
		if err := r.step(ctx, step); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if err := r.settle(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func (r *runner) step(ctx context.Context, step Step) error {
	switch {
	case step.Submit != nil:
		r.submit(ctx, step.Submit)
	case step.SetOnline != nil:
		return r.setOnline(*step.SetOnline)
	case step.Advance > 0:
		if err := r.advance(step.Advance); err != nil {
			return err
		}
		r.trace(TraceEvent{Type: EventAdvance, Detail: step.Advance.String()})
	case step.Process:
		r.app.Queue.ProcessQueue(ctx)
		r.trace(TraceEvent{Type: EventProcess})
	case step.Fault != nil:
		return r.fault(step.Fault)
	}
	return nil
}

func (r *runner) submit(ctx context.Context, s *SubmitStep) {
	targets := make([]ir.RecordRef, len(s.Targets))
	for i, t := range s.Targets {
		targets[i] = ir.RecordRef(t)
	}
	copies := max(s.Copies, 1)

	errs := make([]error, copies)
	var wg sync.WaitGroup
	wg.Add(copies)
	for i := range copies {
		go func() {
			defer wg.Done()
			errs[i] = r.app.Service.SubmitAcknowledgment(ctx, targets, s.Actor)
		}()
	}
	wg.Wait()

	expect := s.Expect
	if expect == "" {
		expect = OutcomeOK
	}
	ev := TraceEvent{Type: EventSubmit, Targets: targets}
	if copies > 1 {
		ev.Copies = copies
	}
	for i, err := range errs {
		outcome, failed := classify(err)
		if i == 0 {
			ev.Outcome = outcome
			ev.Failed = failed
		}
		r.mu.Lock()
		if outcome != expect {
			r.result.AddError(fmt.Sprintf("submit %v by %q: expected outcome %s, got %s (%v)",
				s.Targets, s.Actor, expect, outcome, err))
		}
		r.result.addFailed(failed)
		r.mu.Unlock()
	}
	r.trace(ev)
}

// classify maps a SubmitAcknowledgment error to an outcome name.
func classify(err error) (string, []ir.RecordRef) {
	var perm *service.PermanentError
	switch {
	case err == nil:
		return OutcomeOK, nil
	case errors.As(err, &perm):
		return OutcomePermanent, perm.Targets
	case errors.Is(err, ir.ErrInvalidPayload):
		return OutcomeInvalid, nil
	default:
		return OutcomeError, nil
	}
}

func (r *runner) setOnline(online bool) error {
	r.remote.SetOffline(!online)
	r.network.Set(online)
	if err := r.waitFor(func() bool { return r.app.Coordinator.Online() == online }); err != nil {
		return fmt.Errorf("coordinator did not observe online=%t: %w", online, err)
	}
	typ := EventOffline
	if online {
		typ = EventOnline
	}
	r.trace(TraceEvent{Type: typ})
	return nil
}

// advance moves the clock to now+d, stopping at every armed timer on the
// way so that timers re-armed by a fired callback are measured from the
// time they fired.
func (r *runner) advance(d time.Duration) error {
	target := r.clock.Now().Add(d)
	for range maxTimerSteps {
		due, ok := r.nextDue()
		if !ok || due.After(target) {
			r.clock.Set(target)
			return r.settle()
		}
		r.clock.Set(due)
		if err := r.settle(); err != nil {
			return err
		}
	}
	return fmt.Errorf("advance %s: more than %d timers fired", d, maxTimerSteps)
}

// nextDue returns the earliest armed queue or flush timer.
func (r *runner) nextDue() (time.Time, bool) {
	queueAt, queueOK := r.app.Queue.NextRun()
	flushAt, flushOK := r.app.Coordinator.NextFlush()
	switch {
	case queueOK && flushOK:
		if flushAt.Before(queueAt) {
			return flushAt, true
		}
		return queueAt, true
	case queueOK:
		return queueAt, true
	case flushOK:
		return flushAt, true
	default:
		return time.Time{}, false
	}
}

func (r *runner) fault(f *FaultStep) error {
	code, err := parseCode(f.Code)
	if err != nil {
		return err
	}
	if f.Record != "" {
		r.remote.Poison(ir.RecordRef(f.Record), code)
		r.trace(TraceEvent{Type: EventFault, Targets: []ir.RecordRef{ir.RecordRef(f.Record)}, Detail: f.Code})
		return nil
	}
	op, err := parseOp(f.Op)
	if err != nil {
		return err
	}
	r.remote.FailNext(op, f.Count, code)
	r.trace(TraceEvent{Type: EventFault, Detail: fmt.Sprintf("%s x%d %s", op, f.Count, f.Code)})
	return nil
}

// settle waits until neither the queue nor the flush coordinator has work
// running or due at the current mock time.
func (r *runner) settle() error {
	return r.waitFor(func() bool {
		return r.app.Queue.Idle() && r.app.Coordinator.Idle()
	})
}

func (r *runner) waitFor(cond func() bool) error {
	deadline := time.Now().Add(settleTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			return fmt.Errorf("pipeline did not settle within %s", settleTimeout)
		}
		time.Sleep(settlePoll)
	}
	return nil
}

// observe records queue status changes.
func (r *runner) observe(ev queue.ItemEvent) {
	if ev.Status == queue.StatusInFlight {
		return
	}
	te := TraceEvent{
		Type:    EventItem,
		Item:    ev.Item.ID,
		Status:  string(ev.Status),
		Attempt: ev.Item.AttemptCount,
		Targets: ev.Item.Payload.Targets,
		Failed:  ev.FailedTargets,
	}
	r.mu.Lock()
	r.result.addFailed(ev.FailedTargets)
	r.mu.Unlock()
	r.trace(te)
}

func (r *runner) trace(ev TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev.Seq = r.seq
	ev.At = r.clock.Now().Sub(r.start)
	r.result.Trace = append(r.result.Trace, ev)
}

// finish captures the final state and evaluates assertions.
func (r *runner) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Metrics = r.app.Monitor.Aggregate()
	r.result.QueueSize = r.app.Queue.Size()

	st := &State{
		Remote:    r.remote,
		QueueSize: r.result.QueueSize,
		Failed:    r.result.Failed,
		Metrics:   r.result.Metrics,
		Trace:     r.result.Trace,
	}
	for _, msg := range EvaluateAssertions(st, r.scenario.Assertions) {
		r.result.AddError(msg)
	}
}

// FormatTrace renders the trace one event per line.
func FormatTrace(trace []TraceEvent) string {
	var buf strings.Builder
	for _, ev := range trace {
		fmt.Fprintf(&buf, "  [%d] +%s %s", ev.Seq, ev.At, ev.Type)
		if ev.Item != "" {
			fmt.Fprintf(&buf, " %s %s attempt=%d", ev.Item, ev.Status, ev.Attempt)
		}
		if len(ev.Targets) > 0 {
			fmt.Fprintf(&buf, " targets=%v", ev.Targets)
		}
		if ev.Outcome != "" {
			fmt.Fprintf(&buf, " outcome=%s", ev.Outcome)
		}
		if len(ev.Failed) > 0 {
			fmt.Fprintf(&buf, " failed=%v", ev.Failed)
		}
		if ev.Detail != "" {
			fmt.Fprintf(&buf, " %s", ev.Detail)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}
