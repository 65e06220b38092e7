// Package writer applies acknowledgments to the remote record store through
// a chain of three tiers of decreasing atomicity:
//
//  1. transaction: read existence of every target, update the existing ones,
//     commit atomically. Missing targets are skipped, not errors.
//  2. batch: one non-atomic multi-record write of the targets known to exist.
//  3. individual: one write per record, with per-record outcomes.
//
// A transient failure retries the current tier up to its limit before
// falling back. A terminal failure at tier 1 or 2 skips straight to tier 3 so
// a single poisoned record cannot fail the whole payload. Within one Write
// the chain never moves back up.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/acksync/internal/ir"
	"github.com/roach88/acksync/internal/monitor"
	"github.com/roach88/acksync/internal/remote"
)

const (
	DefaultTransactionAttempts   = 3
	DefaultBatchFailureThreshold = 3
	DefaultMissingTargetWindow   = 5 * time.Minute

	tracerName = "github.com/roach88/acksync/internal/writer"
)

// ErrTargetMissing is the error of targets that stayed missing for longer
// than the missing-target window.
var ErrTargetMissing = errors.New("target record not found")

// Config holds tier limits. Zero values take the defaults.
type Config struct {
	TransactionAttempts   int
	BatchFailureThreshold int
	MissingTargetWindow   time.Duration
}

func (c Config) withDefaults() Config {
	if c.TransactionAttempts <= 0 {
		c.TransactionAttempts = DefaultTransactionAttempts
	}
	if c.BatchFailureThreshold <= 0 {
		c.BatchFailureThreshold = DefaultBatchFailureThreshold
	}
	if c.MissingTargetWindow <= 0 {
		c.MissingTargetWindow = DefaultMissingTargetWindow
	}
	return c
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(w *Writer) {
		w.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = l
	}
}

// WithTracerProvider sets the provider for tier spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(w *Writer) {
		w.tracer = tp.Tracer(tracerName)
	}
}

// Writer is the acknowledgment writer. It holds no per-call state and is
// safe for concurrent use.
type Writer struct {
	store  remote.RecordStore
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a writer on store.
func New(store remote.RecordStore, cfg Config, opts ...Option) *Writer {
	w := &Writer{
		store:  store,
		cfg:    cfg.withDefaults(),
		clock:  clock.New(),
		logger: slog.Default(),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write acknowledges every target of payload. It is WriteSince with the
// current time, so missing targets are always left pending.
func (w *Writer) Write(ctx context.Context, payload ir.AckPayload) (Result, error) {
	return w.WriteSince(ctx, payload, w.clock.Now())
}

// WriteSince acknowledges every target of payload. since is when the
// acknowledgment was first requested; targets still missing after the
// missing-target window measured from since are failed with ErrTargetMissing.
//
// The returned error is non-nil only for a malformed payload or a cancelled
// context. Remote failures are reported per target in the Result.
func (w *Writer) WriteSince(ctx context.Context, payload ir.AckPayload, since time.Time) (Result, error) {
	p := payload.Normalize()
	if err := p.Validate(); err != nil {
		return Result{}, err
	}

	start := w.clock.Now()
	run := &writeRun{
		w:     w,
		res:   newResult(p.Targets),
		ack:   remote.Ack{Actor: p.Actor, Kind: p.Kind, At: start},
		since: since,
		now:   start,
	}

	err := run.execute(ctx, p.Targets)
	run.res.Duration = w.clock.Since(start)
	if err != nil {
		return *run.res, err
	}

	w.logger.Debug("write finished",
		"actor", p.Actor,
		"tier", run.res.Tier,
		"acknowledged", len(run.res.Acknowledged()),
		"pending", len(run.res.Pending()),
		"failed", len(run.res.Failed()),
		"fallback", run.res.FallbackUsed)
	return *run.res, nil
}

// writeRun is the state of one Write call.
type writeRun struct {
	w     *Writer
	res   *Result
	ack   remote.Ack
	since time.Time
	now   time.Time

	// exists is nil until a transaction has read existence.
	exists map[ir.RecordRef]bool
}

func (r *writeRun) execute(ctx context.Context, targets []ir.RecordRef) error {
	done, terminal, err := r.transactionTier(ctx, targets)
	if err != nil || done {
		return err
	}

	r.res.FallbackUsed = true
	if !terminal {
		done, err = r.batchTier(ctx, targets)
		if err != nil || done {
			return err
		}
	}
	return r.individualTier(ctx, targets)
}

// transactionTier reports done when the transaction committed, and
// terminal when it failed with a terminal error.
func (r *writeRun) transactionTier(ctx context.Context, targets []ir.RecordRef) (done, terminal bool, err error) {
	ctx, span := r.w.tracer.Start(ctx, "writer.transaction",
		trace.WithAttributes(attribute.Int("acksync.targets", len(targets))))
	defer span.End()
	r.res.Tier = monitor.TierTransaction

	var lastErr error
	for attempt := 1; attempt <= r.w.cfg.TransactionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			endSpan(span, attempt-1, err)
			return false, false, err
		}

		var existing []ir.RecordRef
		r.res.Calls++
		lastErr = r.w.store.RunTransaction(ctx, func(ctx context.Context, tx remote.Tx) error {
			existing = existing[:0]
			exists := make(map[ir.RecordRef]bool, len(targets))
			for _, ref := range targets {
				ok, err := tx.Exists(ctx, ref)
				if err != nil {
					return fmt.Errorf("exists %s: %w", ref, err)
				}
				exists[ref] = ok
				if ok {
					existing = append(existing, ref)
				}
			}
			r.exists = exists
			for _, ref := range existing {
				if err := tx.Update(ref, r.ack); err != nil {
					return fmt.Errorf("update %s: %w", ref, err)
				}
			}
			return nil
		})

		if lastErr == nil {
			for _, ref := range existing {
				r.res.set(ref, OutcomeAcknowledged, "", nil)
			}
			r.res.NoOp = len(existing) == 0
			r.markMissing()
			endSpan(span, attempt, nil)
			return true, false, nil
		}

		class := remote.Classify(lastErr)
		r.w.logger.Warn("transaction attempt failed",
			"attempt", attempt, "class", class, "error", lastErr)
		if class == remote.ClassTerminal {
			endSpan(span, attempt, lastErr)
			return false, true, nil
		}
	}

	endSpan(span, r.w.cfg.TransactionAttempts, lastErr)
	return false, false, nil
}

func (r *writeRun) batchTier(ctx context.Context, targets []ir.RecordRef) (bool, error) {
	refs := r.candidates(targets)
	ctx, span := r.w.tracer.Start(ctx, "writer.batch",
		trace.WithAttributes(attribute.Int("acksync.targets", len(refs))))
	defer span.End()
	r.res.Tier = monitor.TierBatch

	if len(refs) == 0 {
		r.markMissing()
		endSpan(span, 0, nil)
		return true, nil
	}

	var lastErr error
	for attempt := 1; attempt <= r.w.cfg.BatchFailureThreshold; attempt++ {
		if err := ctx.Err(); err != nil {
			endSpan(span, attempt-1, err)
			return false, err
		}

		r.res.Calls++
		lastErr = r.w.store.BatchUpdate(ctx, refs, r.ack)
		if lastErr == nil {
			for _, ref := range refs {
				r.res.set(ref, OutcomeAcknowledged, "", nil)
			}
			r.markMissing()
			endSpan(span, attempt, nil)
			return true, nil
		}

		class := remote.Classify(lastErr)
		r.w.logger.Warn("batch attempt failed",
			"attempt", attempt, "class", class, "error", lastErr)
		if class != remote.ClassTransient {
			// Terminal or not-found: find the offending record one by one.
			break
		}
	}

	endSpan(span, r.w.cfg.BatchFailureThreshold, lastErr)
	return false, nil
}

func (r *writeRun) individualTier(ctx context.Context, targets []ir.RecordRef) error {
	refs := r.candidates(targets)
	ctx, span := r.w.tracer.Start(ctx, "writer.individual",
		trace.WithAttributes(attribute.Int("acksync.targets", len(refs))))
	defer span.End()
	r.res.Tier = monitor.TierIndividual

	var failures int
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			endSpan(span, len(refs), err)
			return err
		}

		r.res.Calls++
		err := r.w.store.Update(ctx, ref, r.ack)
		switch remote.Classify(err) {
		case remote.ClassNone:
			r.res.set(ref, OutcomeAcknowledged, "", nil)
		case remote.ClassNotFound:
			r.missing(ref)
		case remote.ClassTerminal:
			failures++
			r.res.set(ref, OutcomeFailed, remote.ClassTerminal.String(), err)
			r.w.logger.Error("record write rejected", "ref", ref, "error", err)
		default:
			failures++
			r.res.set(ref, OutcomePending, remote.ClassTransient.String(), err)
			r.w.logger.Warn("record write failed", "ref", ref, "error", err)
		}
	}
	r.markMissing()

	span.SetAttributes(attribute.Int("acksync.failures", failures))
	var spanErr error
	if failures > 0 {
		spanErr = r.res.Err()
	}
	endSpan(span, len(refs), spanErr)
	return nil
}

// candidates returns the targets worth writing: the known-existing ones
// once a transaction has read existence, all of them otherwise.
func (r *writeRun) candidates(targets []ir.RecordRef) []ir.RecordRef {
	if r.exists == nil {
		return targets
	}
	out := make([]ir.RecordRef, 0, len(targets))
	for _, ref := range targets {
		if r.exists[ref] {
			out = append(out, ref)
		}
	}
	return out
}

// markMissing applies the missing-target policy to every target read as
// missing by the transaction.
func (r *writeRun) markMissing() {
	for ref, ok := range r.exists {
		if !ok {
			r.missing(ref)
		}
	}
}

func (r *writeRun) missing(ref ir.RecordRef) {
	if r.now.Sub(r.since) >= r.w.cfg.MissingTargetWindow {
		r.res.set(ref, OutcomeFailed, ReasonNotFound, ErrTargetMissing)
		return
	}
	r.res.set(ref, OutcomePending, ReasonNotFound, nil)
}

func endSpan(span trace.Span, attempts int, err error) {
	span.SetAttributes(attribute.Int("acksync.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return
	}
	span.SetStatus(otelcodes.Ok, "")
}
