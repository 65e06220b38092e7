package queue

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/acksync/internal/ir"
	"github.com/roach88/acksync/internal/monitor"
	"github.com/roach88/acksync/internal/remote"
	"github.com/roach88/acksync/internal/remote/memstore"
	"github.com/roach88/acksync/internal/testutil"
	"github.com/roach88/acksync/internal/writer"
)

const waitFor = time.Second
const tick = 2 * time.Millisecond

// memPersistence is an in-memory Persistence.
type memPersistence struct {
	mu    sync.Mutex
	items map[string]Item
}

func newMemPersistence() *memPersistence {
	return &memPersistence{items: make(map[string]Item)}
}

func (m *memPersistence) SaveItem(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item.Clone()
	return nil
}

func (m *memPersistence) DeleteItem(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *memPersistence) LoadItems(context.Context) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it.Clone())
	}
	slices.SortFunc(out, func(a, b Item) int { return int(a.Seq - b.Seq) })
	return out, nil
}

func (m *memPersistence) ClearItems(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.items)
	return nil
}

func (m *memPersistence) get(id string) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	return it, ok
}

type fixture struct {
	q       *Queue
	clock   *clock.Mock
	persist *memPersistence
	monitor *monitor.Monitor

	mu     sync.Mutex
	events []ItemEvent
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clock:   testutil.NewClock(),
		persist: newMemPersistence(),
	}
	mon, err := monitor.New(monitor.Config{}, monitor.WithClock(f.clock), monitor.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	f.monitor = mon

	f.q = New(cfg,
		WithClock(f.clock),
		WithLogger(testutil.DiscardLogger()),
		WithPersistence(f.persist),
		WithRecorder(mon),
		WithIDGenerator(testutil.NewSequentialIDs("item")),
	)
	f.q.Observe(func(ev ItemEvent) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})
	t.Cleanup(f.q.Destroy)
	return f
}

func (f *fixture) eventsFor(status Status) []ItemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ItemEvent
	for _, ev := range f.events {
		if ev.Status == status {
			out = append(out, ev)
		}
	}
	return out
}

// writerHandler dispatches items through a writer.
func writerHandler(w *writer.Writer) Handler {
	return HandlerFunc(func(ctx context.Context, item Item) (Outcome, error) {
		res, err := w.WriteSince(ctx, item.Payload, item.EnqueuedAt)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{
			Acknowledged: res.Acknowledged(),
			Pending:      res.Pending(),
			Failed:       res.Failed(),
			Tier:         res.Tier,
			FallbackUsed: res.FallbackUsed,
			Err:          res.Err(),
		}, nil
	})
}

func ackPayload(targets ...ir.RecordRef) ir.AckPayload {
	return ir.AckPayload{Targets: targets, Actor: "u1"}
}

// The first dispatch fails with unavailable, the retry after the backoff
// delay succeeds.
func TestQueue_RetriesAfterBackoff(t *testing.T) {
	f := newFixture(t, Config{})
	store := memstore.New()
	store.Put("m1", "m2", "m3")
	w := writer.New(store, writer.Config{}, writer.WithClock(f.clock), writer.WithLogger(testutil.DiscardLogger()))
	f.q.Register(ir.OperationAckBatch, writerHandler(w))
	ctx := context.Background()

	store.SetOffline(true)
	_, err := f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m1", "m2", "m3"))
	require.NoError(t, err)

	f.q.ProcessQueue(ctx)
	assert.Equal(t, 1, f.q.Size())
	item := f.q.Items()[0]
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 1, item.AttemptCount)
	assert.True(t, item.NextEligibleAt.Equal(testutil.Epoch.Add(time.Second)))

	store.SetOffline(false)
	f.clock.Add(time.Second)
	require.Eventually(t, func() bool { return f.q.Size() == 0 }, waitFor, tick)

	for _, ref := range []ir.RecordRef{"m1", "m2", "m3"} {
		assert.True(t, store.Acknowledged(ref, "u1", "read"))
	}
	metrics := f.monitor.Aggregate()
	assert.GreaterOrEqual(t, metrics.TotalOperations, 1)
	assert.GreaterOrEqual(t, metrics.RetryPatterns.RetriedOnce, 1)
	_, persisted := f.persist.get(item.ID)
	assert.False(t, persisted)
}

func TestQueue_BackoffGrowsToCap(t *testing.T) {
	f := newFixture(t, Config{Backoff: Backoff{Base: time.Second, Factor: 2, Cap: 8 * time.Second}})
	f.q.Register(ir.OperationAckBatch, HandlerFunc(func(context.Context, Item) (Outcome, error) {
		return Outcome{}, remote.Unavailable("offline")
	}))

	_, err := f.q.Enqueue(context.Background(), ir.OperationAckBatch, ackPayload("m1"))
	require.NoError(t, err)

	want := []time.Duration{1, 2, 4, 8, 8, 8}
	var prevGap time.Duration
	for i, w := range want {
		at, ok := f.q.NextRun()
		require.True(t, ok)
		f.clock.Set(at)

		attempt := i + 1
		require.Eventually(t, func() bool {
			items := f.q.Items()
			if len(items) != 1 || items[0].AttemptCount != attempt || items[0].Status != StatusPending {
				return false
			}
			next, ok := f.q.NextRun()
			return ok && next.Equal(items[0].NextEligibleAt)
		}, waitFor, tick)

		item := f.q.Items()[0]
		delay := item.NextEligibleAt.Sub(f.clock.Now())
		assert.Equal(t, w*time.Second, delay, "attempt %d", attempt)

		gap := item.NextEligibleAt.Sub(item.EnqueuedAt)
		assert.GreaterOrEqual(t, gap, prevGap)
		prevGap = gap
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 32*time.Second, b.Delay(6))
	assert.Equal(t, time.Minute, b.Delay(7))
	assert.Equal(t, time.Minute, b.Delay(1000))

	j := Backoff{Base: time.Second, Factor: 2, Cap: time.Minute, Jitter: 0.5}.withDefaults()
	for i := 0; i < 50; i++ {
		d := j.Delay(3)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestQueue_TerminalFailureRemovesItem(t *testing.T) {
	f := newFixture(t, Config{})
	f.q.Register(ir.OperationAckBatch, HandlerFunc(func(context.Context, Item) (Outcome, error) {
		return Outcome{}, remote.PermissionDenied("denied")
	}))
	ctx := context.Background()

	item, err := f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m2", "m1"))
	require.NoError(t, err)
	f.q.ProcessQueue(ctx)

	assert.Equal(t, 0, f.q.Size())
	failed := f.eventsFor(StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, item.ID, failed[0].Item.ID)
	assert.Equal(t, []ir.RecordRef{"m1", "m2"}, failed[0].FailedTargets)
	assert.True(t, remote.IsTerminal(failed[0].Err))

	metrics := f.monitor.Aggregate()
	assert.Equal(t, 1, metrics.TotalOperations)
	assert.Zero(t, metrics.SuccessRate)
	_, persisted := f.persist.get(item.ID)
	assert.False(t, persisted)
}

func TestQueue_FailedEventCarriesOperationID(t *testing.T) {
	f := newFixture(t, Config{})
	f.q.Register(ir.OperationAckBatch, HandlerFunc(func(context.Context, Item) (Outcome, error) {
		return Outcome{}, remote.PermissionDenied("denied")
	}))
	ctx := context.Background()

	item, err := f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m1"), ForOperation("op-1"))
	require.NoError(t, err)
	assert.Equal(t, "op-1", item.OperationID)
	persisted, ok := f.persist.get(item.ID)
	require.True(t, ok)
	assert.Equal(t, "op-1", persisted.OperationID)

	f.q.ProcessQueue(ctx)
	failed := f.eventsFor(StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "op-1", failed[0].Item.OperationID)
}

func TestQueue_PartialOutcomeNarrowsPayload(t *testing.T) {
	f := newFixture(t, Config{})
	denied := remote.PermissionDenied("m3")
	f.q.Register(ir.OperationAckBatch, HandlerFunc(func(context.Context, Item) (Outcome, error) {
		return Outcome{
			Acknowledged: []ir.RecordRef{"m1"},
			Pending:      []ir.RecordRef{"m2"},
			Failed:       []ir.RecordRef{"m3"},
			Err:          denied,
		}, nil
	}))
	ctx := context.Background()

	item, err := f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m1", "m2", "m3"))
	require.NoError(t, err)
	f.q.ProcessQueue(ctx)

	require.Equal(t, 1, f.q.Size())
	got := f.q.Items()[0]
	assert.Equal(t, []ir.RecordRef{"m2"}, got.Payload.Targets)

	persisted, ok := f.persist.get(item.ID)
	require.True(t, ok)
	assert.Equal(t, []ir.RecordRef{"m2"}, persisted.Payload.Targets)

	pending := f.eventsFor(StatusPending)
	require.NotEmpty(t, pending)
	assert.Equal(t, []ir.RecordRef{"m3"}, pending[len(pending)-1].FailedTargets)
}

func TestQueue_SharedTargetsKeepOrder(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 4})
	ctx := context.Background()

	var (
		mu    sync.Mutex
		calls []string
		fail  = map[string]int{"item-1": 1}
	)
	f.q.Register(ir.OperationAckBatch, HandlerFunc(func(_ context.Context, item Item) (Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, item.ID)
		if fail[item.ID] > 0 {
			fail[item.ID]--
			return Outcome{}, remote.Unavailable("flaky")
		}
		return Outcome{Acknowledged: item.Payload.Targets}, nil
	}))

	_, err := f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m1", "m2"))
	require.NoError(t, err)
	_, err = f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m2"))
	require.NoError(t, err)
	_, err = f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m9"))
	require.NoError(t, err)

	f.q.ProcessQueue(ctx)

	mu.Lock()
	assert.ElementsMatch(t, []string{"item-1", "item-3"}, calls)
	mu.Unlock()
	assert.Equal(t, 2, f.q.Size())

	at, ok := f.q.NextRun()
	require.True(t, ok)
	f.clock.Set(at)
	require.Eventually(t, func() bool { return f.q.Size() == 0 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, slices.Index(calls[2:], "item-1"), slices.Index(calls[2:], "item-2"))
}

func TestQueue_OrderingOnRemoteStore(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2})
	store := memstore.New()
	store.Put("m1", "m2")
	w := writer.New(store, writer.Config{}, writer.WithClock(f.clock), writer.WithLogger(testutil.DiscardLogger()))
	f.q.Register(ir.OperationAckBatch, writerHandler(w))
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, ir.OperationAckBatch, ir.AckPayload{Targets: []ir.RecordRef{"m1", "m2"}, Actor: "u1", Kind: "delivered"})
	require.NoError(t, err)
	_, err = f.q.Enqueue(ctx, ir.OperationAckBatch, ir.AckPayload{Targets: []ir.RecordRef{"m1"}, Actor: "u1", Kind: "read"})
	require.NoError(t, err)

	f.q.ProcessQueue(ctx)
	require.Equal(t, 0, f.q.Size())

	var kinds []string
	for _, wr := range store.Log() {
		if wr.Ref == "m1" {
			kinds = append(kinds, wr.Kind)
		}
	}
	assert.Equal(t, []string{"delivered", "read"}, kinds)
}

func TestQueue_NoDuplicateInFlightDispatch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		calls int
	)
	f.q.Register(ir.OperationAckBatch, HandlerFunc(func(_ context.Context, item Item) (Outcome, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
		return Outcome{Acknowledged: item.Payload.Targets}, nil
	}))

	_, err := f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m1"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.q.ProcessQueue(ctx)
		close(done)
	}()
	<-entered

	f.q.ProcessQueue(ctx) // returns at once: a pass is running
	f.q.ProcessQueue(ctx)
	assert.Equal(t, StatusInFlight, f.q.Items()[0].Status)

	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, f.q.Size())
}

func TestQueue_DestroyDiscardsInFlightResult(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	f.q.Register(ir.OperationAckBatch, HandlerFunc(func(_ context.Context, item Item) (Outcome, error) {
		close(entered)
		<-release
		return Outcome{Acknowledged: item.Payload.Targets}, nil
	}))

	item, err := f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m1"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.q.ProcessQueue(ctx)
		close(done)
	}()
	<-entered
	f.q.Destroy()
	close(release)
	<-done

	assert.Equal(t, 1, f.q.Size())
	assert.Empty(t, f.eventsFor(StatusSucceeded))
	_, ok := f.q.NextRun()
	assert.False(t, ok)

	persisted, ok := f.persist.get(item.ID)
	require.True(t, ok)
	assert.Equal(t, StatusInFlight, persisted.Status)

	_, err = f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m2"))
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestQueue_InitResumesPersistedItems(t *testing.T) {
	persist := newMemPersistence()
	ctx := context.Background()
	clk := testutil.NewClock()

	require.NoError(t, persist.SaveItem(ctx, Item{
		ID: "a", Seq: 7, OperationType: ir.OperationAckBatch, Payload: ackPayload("m1"),
		AttemptCount: 2, Status: StatusInFlight, EnqueuedAt: clk.Now(), NextEligibleAt: clk.Now(),
	}))
	require.NoError(t, persist.SaveItem(ctx, Item{
		ID: "b", Seq: 3, OperationType: ir.OperationAckBatch, Payload: ackPayload("m2"),
		Status: StatusPending, EnqueuedAt: clk.Now(), NextEligibleAt: clk.Now().Add(time.Minute),
	}))

	q := New(Config{}, WithClock(clk), WithLogger(testutil.DiscardLogger()),
		WithPersistence(persist), WithIDGenerator(testutil.NewSequentialIDs("new")))
	t.Cleanup(q.Destroy)
	require.NoError(t, q.Init(ctx))

	items := q.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].ID)
	assert.Equal(t, "a", items[1].ID)
	assert.Equal(t, StatusPending, items[1].Status)

	reset, _ := persist.get("a")
	assert.Equal(t, StatusPending, reset.Status)

	next, err := q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m3"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), next.Seq)

	at, ok := q.NextRun()
	require.True(t, ok)
	assert.True(t, at.Equal(clk.Now()))
}

func TestQueue_MaxAttempts(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2})
	f.q.Register(ir.OperationAckBatch, HandlerFunc(func(context.Context, Item) (Outcome, error) {
		return Outcome{}, errors.New("boom")
	}))
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m1"))
	require.NoError(t, err)

	f.q.ProcessQueue(ctx)
	assert.Equal(t, 1, f.q.Size())

	at, ok := f.q.NextRun()
	require.True(t, ok)
	f.clock.Set(at)
	require.Eventually(t, func() bool { return f.q.Size() == 0 }, waitFor, tick)
	require.Len(t, f.eventsFor(StatusFailed), 1)
}

func TestQueue_UnknownOperationTypeFails(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, "mystery", ackPayload("m1"))
	require.NoError(t, err)
	f.q.ProcessQueue(ctx)

	failed := f.eventsFor(StatusFailed)
	require.Len(t, failed, 1)
	assert.True(t, IsNoHandler(failed[0].Err))
}

func TestQueue_EnqueueAfterAttemptWaitsForBackoff(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	item, err := f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m1"), AfterAttempt(remote.Unavailable("x")))
	require.NoError(t, err)

	assert.Equal(t, 1, item.AttemptCount)
	assert.True(t, item.NextEligibleAt.Equal(testutil.Epoch.Add(time.Second)))
	assert.Contains(t, item.LastError, "x")
}

func TestQueue_EnqueueRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.q.Enqueue(context.Background(), ir.OperationAckBatch, ir.AckPayload{Actor: "u1"})
	assert.ErrorIs(t, err, ir.ErrInvalidPayload)
}

func TestQueue_Clear(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for _, ref := range []ir.RecordRef{"m1", "m2"} {
		_, err := f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload(ref))
		require.NoError(t, err)
	}
	require.NoError(t, f.q.Clear(ctx))

	assert.Equal(t, 0, f.q.Size())
	items, err := f.persist.LoadItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	_, ok := f.q.NextRun()
	assert.False(t, ok)
}

func TestQueue_Idle(t *testing.T) {
	f := newFixture(t, Config{})
	f.q.Register(ir.OperationAckBatch, HandlerFunc(func(context.Context, Item) (Outcome, error) {
		return Outcome{}, remote.Unavailable("offline")
	}))
	assert.True(t, f.q.Idle())

	_, err := f.q.Enqueue(context.Background(), ir.OperationAckBatch, ackPayload("m1"), AfterAttempt(errors.New("offline")))
	require.NoError(t, err)
	assert.True(t, f.q.Idle())

	f.clock.Add(time.Second)
	require.Eventually(t, func() bool {
		return f.q.Idle() && f.q.Items()[0].AttemptCount == 2
	}, waitFor, tick)

	at, ok := f.q.NextRun()
	require.True(t, ok)
	assert.True(t, at.Equal(testutil.Epoch.Add(3*time.Second)))
}

// A blocked item does not arm the timer even when it is already eligible.
func TestQueue_BlockedItemDoesNotArmTimer(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m1"), AfterAttempt(errors.New("offline")))
	require.NoError(t, err)
	_, err = f.q.Enqueue(ctx, ir.OperationAckBatch, ackPayload("m1", "m2"))
	require.NoError(t, err)

	at, ok := f.q.NextRun()
	require.True(t, ok)
	assert.True(t, at.Equal(testutil.Epoch.Add(time.Second)))
	assert.True(t, f.q.Idle())
}
