// Package queue implements the durable retry queue for acknowledgment
// writes that could not finish on the first attempt.
//
// Items are dispatched oldest first. An item is only dispatched when no
// older queued item shares one of its targets, so writes to the same record
// are never reordered. Items with disjoint targets may run concurrently up
// to Config.Concurrency.
//
// Thread-safety model:
//   - Enqueue, ProcessQueue, Size, Items, Clear: safe from any goroutine
//   - ProcessQueue never runs two passes at once; a call made during a pass
//     requests exactly one more pass and returns
//   - Destroy: after it returns, results of calls still in flight are
//     discarded
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/acksync/internal/ir"
	"github.com/roach88/acksync/internal/monitor"
	"github.com/roach88/acksync/internal/remote"
)

const (
	DefaultConcurrency = 1
	MaxConcurrency     = 4
)

// Outcome is what a handler reports for one dispatch. Targets not listed in
// Pending or Failed are considered done.
type Outcome struct {
	Acknowledged []ir.RecordRef
	Pending      []ir.RecordRef
	Failed       []ir.RecordRef
	Tier         monitor.Tier
	FallbackUsed bool
	// Err describes why targets are pending or failed.
	Err error
}

// Handler executes one queue item.
//
// A returned error applies to the whole item and is classified with
// remote.Classify: terminal errors fail the item, anything else is retried.
type Handler interface {
	Handle(ctx context.Context, item Item) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item Item) (Outcome, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, item Item) (Outcome, error) {
	return f(ctx, item)
}

// ItemEvent is delivered to observers on every status change.
type ItemEvent struct {
	Item          Item
	Status        Status
	FailedTargets []ir.RecordRef
	Err           error
}

// Observer receives item events. It is called outside the queue lock and
// must not block for long.
type Observer func(ItemEvent)

// Recorder receives one sample per finished item.
type Recorder interface {
	Record(monitor.Sample)
}

// Config holds queue parameters. Zero values take the defaults.
type Config struct {
	Backoff     Backoff
	Concurrency int
	// MaxAttempts fails an item after this many attempts. Zero retries forever.
	MaxAttempts int
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the time source for eligibility and timers.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// WithPersistence sets the durable store. Without it the queue is memory only.
func WithPersistence(p Persistence) Option {
	return func(q *Queue) {
		q.persist = p
	}
}

// WithRecorder sets where finished items are reported.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) {
		q.recorder = r
	}
}

// WithIDGenerator sets the item id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(q *Queue) {
		q.ids = g
	}
}

// Queue is the retry queue.
type Queue struct {
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	persist  Persistence
	recorder Recorder
	ids      IDGenerator
	seq      sequence

	mu        sync.Mutex
	items     []*Item // ordered by Seq
	handlers  map[string]Handler
	observers map[int]Observer
	nextObs   int
	timer     *clock.Timer
	timerAt   time.Time
	running   bool
	rerun     bool
	destroyed bool
}

// New creates a queue. Call Init before use to resume persisted items.
func New(cfg Config, opts ...Option) *Queue {
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	cfg.Concurrency = min(cfg.Concurrency, MaxConcurrency)

	q := &Queue{
		cfg:       cfg,
		clock:     clock.New(),
		logger:    slog.Default(),
		ids:       UUIDv7Generator{},
		handlers:  make(map[string]Handler),
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register sets the handler for an operation type.
func (q *Queue) Register(operationType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[operationType] = h
}

// Observe registers an observer and returns a function that removes it.
func (q *Queue) Observe(fn Observer) (cancel func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextObs
	q.nextObs++
	q.observers[id] = fn
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.observers, id)
	}
}

// Init loads persisted items, resets in-flight ones to pending and arms
// the retry timer.
func (q *Queue) Init(ctx context.Context) error {
	if q.persist == nil {
		return nil
	}
	loaded, err := q.persist.LoadItems(ctx)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	var reset []Item
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return ErrDestroyed
	}
	for i := range loaded {
		it := loaded[i]
		if it.Status == StatusInFlight {
			it.Status = StatusPending
			reset = append(reset, it.Clone())
		}
		q.seq.advanceTo(it.Seq)
		q.insertLocked(&it)
	}
	q.armTimerLocked()
	q.mu.Unlock()

	for _, it := range reset {
		if err := q.persist.SaveItem(ctx, it); err != nil {
			return fmt.Errorf("init queue: reset %s: %w", it.ID, err)
		}
	}
	q.logger.Info("queue initialized", "items", len(loaded), "reset_in_flight", len(reset))
	return nil
}

// EnqueueOption adjusts a new item.
type EnqueueOption func(*Item)

// AfterAttempt marks the item as already attempted once and failed with
// lastErr, so the first queued dispatch waits for the backoff delay.
func AfterAttempt(lastErr error) EnqueueOption {
	return func(it *Item) {
		it.AttemptCount = 1
		if lastErr != nil {
			it.LastError = lastErr.Error()
		}
	}
}

// ForOperation ties the item to the submission whose idempotency id is id.
func ForOperation(id string) EnqueueOption {
	return func(it *Item) {
		it.OperationID = id
	}
}

// EnqueuedAt overrides the enqueue time. The writer measures the
// missing-target window from it.
func EnqueuedAt(t time.Time) EnqueueOption {
	return func(it *Item) {
		it.EnqueuedAt = t
	}
}

// Enqueue persists and schedules a new item.
func (q *Queue) Enqueue(ctx context.Context, operationType string, payload ir.AckPayload, opts ...EnqueueOption) (Item, error) {
	payload = payload.Normalize()
	if err := payload.Validate(); err != nil {
		return Item{}, fmt.Errorf("enqueue: %w", err)
	}

	now := q.clock.Now()
	it := &Item{
		ID:             q.ids.Generate(),
		Seq:            q.seq.next(),
		OperationType:  operationType,
		Payload:        payload,
		Status:         StatusPending,
		EnqueuedAt:     now,
		NextEligibleAt: now,
	}
	for _, opt := range opts {
		opt(it)
	}
	if it.AttemptCount > 0 {
		it.NextEligibleAt = now.Add(q.cfg.Backoff.Delay(it.AttemptCount))
	}

	q.mu.Lock()
	destroyed := q.destroyed
	q.mu.Unlock()
	if destroyed {
		return Item{}, ErrDestroyed
	}

	if q.persist != nil {
		if err := q.persist.SaveItem(ctx, it.Clone()); err != nil {
			return Item{}, fmt.Errorf("enqueue: %w", err)
		}
	}

	q.mu.Lock()
	q.insertLocked(it)
	snapshot := it.Clone()
	if !q.running {
		q.armTimerLocked()
	}
	q.mu.Unlock()

	q.logger.Debug("item enqueued",
		"item", snapshot.ID,
		"seq", snapshot.Seq,
		"targets", len(snapshot.Payload.Targets),
		"next_eligible_at", snapshot.NextEligibleAt)
	q.notify(ItemEvent{Item: snapshot, Status: StatusPending})
	return snapshot, nil
}

// Size returns the number of pending and in-flight items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns copies of the queued items in enqueue order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = it.Clone()
	}
	return out
}

// NextRun returns when the retry timer will next process the queue.
// ok is false while no timer is armed, including during a pass.
func (q *Queue) NextRun() (at time.Time, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timerAt, q.timer != nil
}

// Idle reports whether no pass is running or due: the queue is empty or
// the retry timer is armed for a future time.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return false
	}
	if len(q.items) == 0 {
		return true
	}
	return q.timer != nil && q.timerAt.After(q.clock.Now())
}

// Clear drops every item. Results of in-flight calls for cleared items are
// discarded.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.items = nil
	q.stopTimerLocked()
	q.mu.Unlock()

	if q.persist != nil {
		if err := q.persist.ClearItems(ctx); err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
	}
	q.logger.Info("queue cleared")
	return nil
}

// Destroy stops the timer and drops observers. Calls still in flight run
// to completion but their results are discarded. Persisted items stay in
// the durable store for the next Init.
func (q *Queue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	q.destroyed = true
	q.stopTimerLocked()
	clear(q.observers)
	q.logger.Info("queue destroyed", "items", len(q.items))
}

// ProcessQueue dispatches every eligible item. If a pass is already
// running it requests one more pass and returns immediately.
func (q *Queue) ProcessQueue(ctx context.Context) {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	if q.running {
		q.rerun = true
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopTimerLocked()
	q.mu.Unlock()

	for {
		progress := q.pass(ctx)

		q.mu.Lock()
		if q.destroyed || ctx.Err() != nil || (!q.rerun && !progress) {
			q.running = false
			q.rerun = false
			if !q.destroyed {
				q.armTimerLocked()
			}
			q.mu.Unlock()
			return
		}
		q.rerun = false
		q.mu.Unlock()
	}
}

// pass dispatches the eligible items and reports whether any item left
// the queue, which may unblock items sharing its targets.
func (q *Queue) pass(ctx context.Context) bool {
	now := q.clock.Now()

	q.mu.Lock()
	selected := q.selectLocked(now)
	batch := make([]Item, len(selected))
	for i, it := range selected {
		it.Status = StatusInFlight
		it.AttemptCount++
		batch[i] = it.Clone()
	}
	q.mu.Unlock()

	if len(batch) == 0 {
		return false
	}

	for _, it := range batch {
		q.save(ctx, it)
		q.notify(ItemEvent{Item: it, Status: StatusInFlight})
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		progress bool
	)
	g.SetLimit(q.cfg.Concurrency)
	for _, it := range batch {
		g.Go(func() error {
			if q.dispatch(ctx, it) {
				mu.Lock()
				progress = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return progress
}

// selectLocked returns eligible items in Seq order, skipping any item that
// shares a target with an older queued item.
func (q *Queue) selectLocked(now time.Time) []*Item {
	var out []*Item
	for _, it := range q.unblockedLocked() {
		if it.eligible(now) {
			out = append(out, it)
		}
	}
	return out
}

// unblockedLocked returns the pending items that no older item shares a
// target with, in Seq order.
func (q *Queue) unblockedLocked() []*Item {
	blocked := make(map[ir.RecordRef]struct{})
	var out []*Item
	for _, it := range q.items {
		free := true
		for _, t := range it.Payload.Targets {
			if _, ok := blocked[t]; ok {
				free = false
			}
			blocked[t] = struct{}{}
		}
		if free && it.Status == StatusPending {
			out = append(out, it)
		}
	}
	return out
}

// dispatch runs one in-flight item and applies the result. It reports
// whether the item left the queue.
func (q *Queue) dispatch(ctx context.Context, snapshot Item) bool {
	q.mu.Lock()
	h, ok := q.handlers[snapshot.OperationType]
	q.mu.Unlock()

	var (
		out Outcome
		err error
	)
	start := q.clock.Now()
	if ok {
		out, err = h.Handle(ctx, snapshot.Clone())
	} else {
		err = &NoHandlerError{OperationType: snapshot.OperationType}
	}
	elapsed := q.clock.Since(start)

	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		q.logger.Debug("discarding result of destroyed queue", "item", snapshot.ID)
		return false
	}
	it := q.findLocked(snapshot.ID)
	if it == nil {
		// Cleared while in flight; drop the row the pass re-saved.
		q.mu.Unlock()
		q.delete(ctx, snapshot.ID)
		return false
	}

	ev := q.applyLocked(it, out, err, ok)
	done := ev.Status.Terminal()
	if done {
		q.removeLocked(it.ID)
	}
	q.mu.Unlock()

	if done {
		q.delete(ctx, ev.Item.ID)
		q.record(ev, out, elapsed)
	} else {
		q.save(ctx, ev.Item)
	}
	q.notify(ev)
	return done
}

// applyLocked moves it to its next status and returns the event to emit.
func (q *Queue) applyLocked(it *Item, out Outcome, err error, hasHandler bool) ItemEvent {
	now := q.clock.Now()

	if err != nil {
		it.LastError = err.Error()
		if !hasHandler || remote.IsTerminal(err) {
			return q.failLocked(it, it.Payload.Targets, err)
		}
		return q.retryLocked(it, now, err)
	}

	if out.Err != nil {
		it.LastError = out.Err.Error()
	}
	if len(out.Pending) == 0 {
		if len(out.Failed) > 0 && len(out.Acknowledged) == 0 {
			return q.failLocked(it, out.Failed, out.Err)
		}
		it.Status = StatusSucceeded
		q.logger.Info("item succeeded",
			"item", it.ID, "attempts", it.AttemptCount, "failed_targets", len(out.Failed))
		return ItemEvent{Item: it.Clone(), Status: StatusSucceeded, FailedTargets: slices.Clone(out.Failed), Err: failedErr(out)}
	}

	it.Payload = it.Payload.WithTargets(out.Pending)
	ev := q.retryLocked(it, now, out.Err)
	ev.FailedTargets = slices.Clone(out.Failed)
	if ev.Status == StatusFailed {
		ev.FailedTargets = append(ev.FailedTargets, out.Pending...)
	}
	return ev
}

func (q *Queue) retryLocked(it *Item, now time.Time, cause error) ItemEvent {
	if q.cfg.MaxAttempts > 0 && it.AttemptCount >= q.cfg.MaxAttempts {
		q.logger.Warn("item exhausted attempts", "item", it.ID, "attempts", it.AttemptCount)
		return q.failLocked(it, it.Payload.Targets, cause)
	}
	delay := q.cfg.Backoff.Delay(it.AttemptCount)
	it.Status = StatusPending
	it.NextEligibleAt = now.Add(delay)
	q.logger.Warn("item will be retried",
		"item", it.ID, "attempt", it.AttemptCount, "delay", delay, "error", cause)
	return ItemEvent{Item: it.Clone(), Status: StatusPending, Err: cause}
}

func (q *Queue) failLocked(it *Item, targets []ir.RecordRef, cause error) ItemEvent {
	it.Status = StatusFailed
	q.logger.Error("item failed permanently",
		"item", it.ID, "attempts", it.AttemptCount, "targets", len(targets), "error", cause)
	return ItemEvent{Item: it.Clone(), Status: StatusFailed, FailedTargets: slices.Clone(targets), Err: cause}
}

func failedErr(out Outcome) error {
	if len(out.Failed) == 0 {
		return nil
	}
	return out.Err
}

func (q *Queue) insertLocked(it *Item) {
	i, _ := slices.BinarySearchFunc(q.items, it.Seq, func(e *Item, seq int64) int {
		switch {
		case e.Seq < seq:
			return -1
		case e.Seq > seq:
			return 1
		default:
			return 0
		}
	})
	q.items = slices.Insert(q.items, i, it)
}

func (q *Queue) findLocked(id string) *Item {
	for _, it := range q.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (q *Queue) removeLocked(id string) {
	q.items = slices.DeleteFunc(q.items, func(it *Item) bool { return it.ID == id })
}

// armTimerLocked schedules one ProcessQueue call at the earliest
// NextEligibleAt among unblocked pending items. Blocked items become
// dispatchable only when the item blocking them leaves the queue, which
// happens in a pass.
func (q *Queue) armTimerLocked() {
	q.stopTimerLocked()
	var next time.Time
	for _, it := range q.unblockedLocked() {
		if next.IsZero() || it.NextEligibleAt.Before(next) {
			next = it.NextEligibleAt
		}
	}
	if next.IsZero() {
		return
	}
	delay := max(next.Sub(q.clock.Now()), 0)
	q.timerAt = next
	q.timer = q.clock.AfterFunc(delay, func() {
		q.ProcessQueue(context.Background())
	})
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
		q.timerAt = time.Time{}
	}
}

func (q *Queue) save(ctx context.Context, it Item) {
	if q.persist == nil {
		return
	}
	if err := q.persist.SaveItem(ctx, it); err != nil {
		q.logger.Error("persist item", "item", it.ID, "error", err)
	}
}

func (q *Queue) delete(ctx context.Context, id string) {
	if q.persist == nil {
		return
	}
	if err := q.persist.DeleteItem(ctx, id); err != nil {
		q.logger.Error("delete item", "item", id, "error", err)
	}
}

func (q *Queue) record(ev ItemEvent, out Outcome, elapsed time.Duration) {
	if q.recorder == nil {
		return
	}
	q.recorder.Record(monitor.Sample{
		Success:      ev.Status == StatusSucceeded,
		AttemptsUsed: ev.Item.AttemptCount,
		Tier:         out.Tier,
		FallbackUsed: out.FallbackUsed,
		Duration:     elapsed,
		Timestamp:    q.clock.Now(),
	})
}

func (q *Queue) notify(ev ItemEvent) {
	q.mu.Lock()
	observers := make([]Observer, 0, len(q.observers))
	for _, fn := range q.observers {
		observers = append(observers, fn)
	}
	q.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}
