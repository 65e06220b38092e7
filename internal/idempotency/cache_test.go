package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/acksync/internal/ir"
)

func newTestCache(t *testing.T, cfg Config) (*Cache, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	c, err := New(cfg,
		WithClock(mock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mock
}

func payload(actor string, targets ...ir.RecordRef) ir.AckPayload {
	return ir.AckPayload{Targets: targets, Actor: actor}
}

func TestGenerateOperationID_OrderAndDuplicatesIgnored(t *testing.T) {
	a, err := GenerateOperationID(payload("u1", "m1", "m2", "m3"))
	require.NoError(t, err)
	b, err := GenerateOperationID(payload("u1", "m3", "m1", "m2", "m1"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := GenerateOperationID(payload("u2", "m1", "m2", "m3"))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestGenerateOperationID_RejectsInvalid(t *testing.T) {
	_, err := GenerateOperationID(payload("", "m1"))
	assert.ErrorIs(t, err, ir.ErrInvalidPayload)

	_, err = GenerateOperationID(payload("u1"))
	assert.ErrorIs(t, err, ir.ErrInvalidPayload)
}

func TestAdmit_FirstAdmittedThenDuplicate(t *testing.T) {
	c, _ := newTestCache(t, Config{})

	first, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OperationID, second.OperationID)

	rec, ok := c.Lookup(first.OperationID)
	require.True(t, ok)
	assert.Equal(t, StatePending, rec.State)
	assert.False(t, c.HasProcessed(first.OperationID))
}

func TestConfirm_ReleasesWaitersAndBlocksUntilTTL(t *testing.T) {
	c, mock := newTestCache(t, Config{TTL: time.Minute})

	first, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	dup, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- dup.Wait(context.Background()) }()

	c.Confirm(first.OperationID, nil)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("duplicate was not released by Confirm")
	}
	assert.True(t, c.HasProcessed(first.OperationID))

	mock.Add(59 * time.Second)
	again, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	mock.Add(time.Second)
	assert.False(t, c.HasProcessed(first.OperationID))
	fresh, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	assert.False(t, fresh.Duplicate)
}

func TestRevoke_AllowsRetryAndPropagatesError(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	boom := errors.New("boom")

	first, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	dup, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)

	c.Revoke(first.OperationID, boom)
	assert.ErrorIs(t, dup.Wait(context.Background()), boom)

	_, ok := c.Lookup(first.OperationID)
	assert.False(t, ok)

	retry, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	assert.False(t, retry.Duplicate)
}

func TestWait_RespectsContext(t *testing.T) {
	c, _ := newTestCache(t, Config{})

	_, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	dup, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, dup.Wait(ctx), context.Canceled)
}

func TestAdmit_ConcurrentIdenticalPayloadsAdmitOnce(t *testing.T) {
	c, _ := newTestCache(t, Config{})

	const n = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ticket, err := c.Admit(payload("u1", "m2", "m1"))
			if !assert.NoError(t, err) {
				return
			}
			if !ticket.Duplicate {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestSweep_RemovesOnlyExpiredConfirmed(t *testing.T) {
	c, mock := newTestCache(t, Config{TTL: time.Minute})

	confirmed, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	c.Confirm(confirmed.OperationID, nil)

	pending, err := c.Admit(payload("u1", "m2"))
	require.NoError(t, err)

	mock.Add(2 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())

	_, ok := c.Lookup(pending.OperationID)
	assert.True(t, ok)
}

func TestStart_SweepsOnTicker(t *testing.T) {
	c, mock := newTestCache(t, Config{TTL: time.Second, SweepInterval: 10 * time.Second})
	c.Start()

	ticket, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	c.Confirm(ticket.OperationID, nil)

	mock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestCapacityBoundsMemory(t *testing.T) {
	c, _ := newTestCache(t, Config{Capacity: 2})

	for _, ref := range []ir.RecordRef{"m1", "m2", "m3"} {
		tk, err := c.Admit(payload("u1", ref))
		require.NoError(t, err)
		c.Confirm(tk.OperationID, nil)
	}
	assert.Equal(t, 2, c.Len())
}

func TestCapacity_EvictsConfirmedBeforePending(t *testing.T) {
	c, _ := newTestCache(t, Config{Capacity: 2})

	done, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	c.Confirm(done.OperationID, nil)
	pending, err := c.Admit(payload("u1", "m2"))
	require.NoError(t, err)

	// m2 is the least recently used entry once m1 is touched.
	_, err = c.Admit(payload("u1", "m1"))
	require.NoError(t, err)

	third, err := c.Admit(payload("u1", "m3"))
	require.NoError(t, err)
	assert.False(t, third.Duplicate)

	rec, ok := c.Lookup(pending.OperationID)
	require.True(t, ok)
	assert.Equal(t, StatePending, rec.State)
	_, ok = c.Lookup(done.OperationID)
	assert.False(t, ok)

	dup, err := c.Admit(payload("u1", "m2"))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
}

func TestCapacity_FullOfPendingRefusesAdmission(t *testing.T) {
	c, _ := newTestCache(t, Config{Capacity: 2})

	first, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	_, err = c.Admit(payload("u1", "m2"))
	require.NoError(t, err)

	_, err = c.Admit(payload("u1", "m3"))
	require.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 2, c.Len())

	dup, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	c.Confirm(first.OperationID, nil)
	third, err := c.Admit(payload("u1", "m3"))
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
}

func TestInvalidate_ConfirmedEntryIsAdmittedAgain(t *testing.T) {
	c, _ := newTestCache(t, Config{})

	first, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	c.Confirm(first.OperationID, nil)
	require.True(t, c.HasProcessed(first.OperationID))

	c.Invalidate(first.OperationID)
	assert.False(t, c.HasProcessed(first.OperationID))

	retry, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	assert.False(t, retry.Duplicate)
}

func TestInvalidate_PendingEntryDroppedOnConfirm(t *testing.T) {
	c, _ := newTestCache(t, Config{})

	first, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	dup, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)

	c.Invalidate(first.OperationID)
	rec, ok := c.Lookup(first.OperationID)
	require.True(t, ok)
	assert.Equal(t, StatePending, rec.State)

	c.Confirm(first.OperationID, nil)
	assert.NoError(t, dup.Wait(context.Background()))
	_, ok = c.Lookup(first.OperationID)
	assert.False(t, ok)

	retry, err := c.Admit(payload("u1", "m1"))
	require.NoError(t, err)
	assert.False(t, retry.Duplicate)
}

func TestInvalidate_UnknownIDIsIgnored(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	c.Invalidate("missing")
	assert.Equal(t, 0, c.Len())
}
