package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/acksync/internal/testutil"
)

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID()
	}
	return out
}

func TestReconcile_ConfirmedReplacesPending(t *testing.T) {
	t0 := testutil.Epoch
	local := []Entry{Pending("local-1", "hello", "u1", t0)}
	remote := []Entry{Confirmed("r-1", "hello", "u1", t0.Add(800*time.Millisecond))}

	res, err := New(0).Reconcile(local, remote)
	require.NoError(t, err)

	assert.Equal(t, []string{"r-1"}, ids(res.Entries))
	assert.Equal(t, map[string]string{"local-1": "r-1"}, res.Matched)
	assert.Equal(t, StateConfirmed, res.Entries[0].State)
}

func TestReconcile_KeepsUnmatchedPending(t *testing.T) {
	t0 := testutil.Epoch
	tests := []struct {
		name   string
		remote Entry
	}{
		{"different content", Confirmed("r-1", "hi", "u1", t0)},
		{"different actor", Confirmed("r-1", "hello", "u2", t0)},
		{"outside window", Confirmed("r-1", "hello", "u1", t0.Add(6*time.Second))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := []Entry{Pending("local-1", "hello", "u1", t0)}
			res, err := New(5*time.Second).Reconcile(local, []Entry{tt.remote})
			require.NoError(t, err)

			assert.ElementsMatch(t, []string{"local-1", "r-1"}, ids(res.Entries))
			assert.Empty(t, res.Matched)
		})
	}
}

func TestReconcile_RepeatedContentMatchesClosest(t *testing.T) {
	t0 := testutil.Epoch
	local := []Entry{
		Pending("local-1", "ok", "u1", t0),
		Pending("local-2", "ok", "u1", t0.Add(3*time.Second)),
	}
	remote := []Entry{
		Confirmed("r-2", "ok", "u1", t0.Add(3100*time.Millisecond)),
		Confirmed("r-1", "ok", "u1", t0.Add(100*time.Millisecond)),
	}

	res, err := New(5*time.Second).Reconcile(local, remote)
	require.NoError(t, err)

	assert.Equal(t, []string{"r-1", "r-2"}, ids(res.Entries))
	assert.Equal(t, map[string]string{"local-1": "r-1", "local-2": "r-2"}, res.Matched)
}

func TestReconcile_EachRemoteReplacesOnePending(t *testing.T) {
	t0 := testutil.Epoch
	local := []Entry{
		Pending("local-1", "ok", "u1", t0),
		Pending("local-2", "ok", "u1", t0.Add(time.Second)),
	}
	remote := []Entry{Confirmed("r-1", "ok", "u1", t0)}

	res, err := New(0).Reconcile(local, remote)
	require.NoError(t, err)

	assert.Equal(t, []string{"r-1", "local-2"}, ids(res.Entries))
}

func TestReconcile_DropsDuplicateConfirmed(t *testing.T) {
	t0 := testutil.Epoch
	local := []Entry{Confirmed("r-1", "ok", "u1", t0)}
	remote := []Entry{Confirmed("r-1", "ok", "u1", t0)}

	res, err := New(0).Reconcile(local, remote)
	require.NoError(t, err)
	assert.Equal(t, []string{"r-1"}, ids(res.Entries))
}

func TestContentKey(t *testing.T) {
	a, err := ContentKey("hello", "u1")
	require.NoError(t, err)
	b, err := ContentKey("hello", "u1")
	require.NoError(t, err)
	c, err := ContentKey("hello", "u2")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "confirmed", StateConfirmed.String())
	assert.Equal(t, "State(7)", State(7).String())
}
