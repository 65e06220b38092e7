// Package service is the caller-facing entry point for acknowledgments.
//
// SubmitAcknowledgment never blocks on connectivity: whatever the first
// write attempt cannot finish is handed to the retry queue and the call
// returns. Identical submissions inside the idempotency window share the
// outcome of the first one and never reach the remote store.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/roach88/acksync/internal/idempotency"
	"github.com/roach88/acksync/internal/ir"
	"github.com/roach88/acksync/internal/monitor"
	"github.com/roach88/acksync/internal/queue"
	"github.com/roach88/acksync/internal/writer"
)

// AckWriter performs one write attempt.
type AckWriter interface {
	WriteSince(ctx context.Context, payload ir.AckPayload, since time.Time) (writer.Result, error)
}

// Enqueuer accepts work for later retry.
type Enqueuer interface {
	Enqueue(ctx context.Context, operationType string, payload ir.AckPayload, opts ...queue.EnqueueOption) (queue.Item, error)
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithRecorder sets where first-attempt samples are reported.
func WithRecorder(r queue.Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// Service submits acknowledgments.
type Service struct {
	cache    *idempotency.Cache
	writer   AckWriter
	queue    Enqueuer
	clock    clock.Clock
	logger   *slog.Logger
	recorder queue.Recorder
}

// New creates a service.
func New(cache *idempotency.Cache, w AckWriter, q Enqueuer, opts ...Option) *Service {
	s := &Service{
		cache:  cache,
		writer: w,
		queue:  q,
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitAcknowledgment marks targets as read by actor.
func (s *Service) SubmitAcknowledgment(ctx context.Context, targets []ir.RecordRef, actor string) error {
	return s.Submit(ctx, ir.AckPayload{Targets: targets, Actor: actor})
}

// Submit acknowledges payload.
//
// It returns nil once every target is acknowledged or queued for retry,
// a *PermanentError when some targets can never be acknowledged, and a
// wrapped ir.ErrInvalidPayload for malformed input. A duplicate of a
// submission still in progress waits for it and returns its outcome.
func (s *Service) Submit(ctx context.Context, payload ir.AckPayload) error {
	payload = payload.Normalize()
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("submit acknowledgment: %w", err)
	}

	ticket, err := s.cache.Admit(payload)
	if err != nil {
		return fmt.Errorf("submit acknowledgment: %w", err)
	}
	if ticket.Duplicate {
		s.logger.Debug("duplicate acknowledgment", "operation_id", ticket.OperationID)
		return ticket.Wait(ctx)
	}

	outcome, written := s.execute(ctx, ticket.OperationID, payload)
	if outcome != nil && !written {
		s.cache.Revoke(ticket.OperationID, outcome)
	} else {
		s.cache.Confirm(ticket.OperationID, outcome)
	}
	return outcome
}

// execute runs the first attempt and queues the remainder. written reports
// whether the operation left any durable trace, either on the remote store
// or in the queue.
func (s *Service) execute(ctx context.Context, id string, payload ir.AckPayload) (outcome error, written bool) {
	start := s.clock.Now()
	res, err := s.writer.WriteSince(ctx, payload, start)
	if err != nil {
		if errors.Is(err, ir.ErrInvalidPayload) {
			return fmt.Errorf("submit acknowledgment: %w", err), false
		}
		// Cancelled before the attempt finished: nothing is known, so the
		// whole payload goes to the queue.
		if qerr := s.enqueue(ctx, id, payload, start, err); qerr != nil {
			return qerr, false
		}
		return nil, true
	}

	var permanent error
	if failed := res.Failed(); len(failed) > 0 {
		permanent = &PermanentError{OperationID: id, Targets: failed, Err: res.Err()}
	}
	acked := len(res.Acknowledged()) > 0

	pending := res.Pending()
	if len(pending) == 0 {
		s.record(res, permanent == nil)
		if permanent != nil {
			s.logger.Error("acknowledgment failed permanently",
				"operation_id", id, "failed", len(res.Failed()), "acknowledged", len(res.Acknowledged()))
		}
		return permanent, acked || res.NoOp
	}

	if qerr := s.enqueue(ctx, id, payload.WithTargets(pending), start, res.Err()); qerr != nil {
		return qerr, acked
	}
	s.logger.Info("acknowledgment queued for retry",
		"operation_id", id, "pending", len(pending), "acknowledged", len(res.Acknowledged()))
	return permanent, true
}

func (s *Service) enqueue(ctx context.Context, id string, payload ir.AckPayload, start time.Time, cause error) error {
	_, err := s.queue.Enqueue(context.WithoutCancel(ctx), ir.OperationAckBatch, payload,
		queue.ForOperation(id),
		queue.AfterAttempt(cause),
		queue.EnqueuedAt(start),
	)
	if err != nil {
		return fmt.Errorf("submit acknowledgment: queue: %w", err)
	}
	return nil
}

// ObserveQueue releases the idempotency entry of a submission whose queued
// remainder finished with targets failed permanently, so an identical
// submission is written again instead of being reported as already done.
// Register it with Queue.Observe.
func (s *Service) ObserveQueue(ev queue.ItemEvent) {
	if ev.Item.OperationID == "" || !ev.Status.Terminal() {
		return
	}
	if ev.Status != queue.StatusFailed && len(ev.FailedTargets) == 0 {
		return
	}
	s.cache.Invalidate(ev.Item.OperationID)
	s.logger.Warn("queued acknowledgment failed permanently, submission may be retried",
		"operation_id", ev.Item.OperationID, "item", ev.Item.ID, "failed", len(ev.FailedTargets))
}

func (s *Service) record(res writer.Result, success bool) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(monitor.Sample{
		Success:      success,
		AttemptsUsed: 1,
		Tier:         res.Tier,
		FallbackUsed: res.FallbackUsed,
		Duration:     res.Duration,
		Timestamp:    s.clock.Now(),
	})
}
