// Package reconcile merges optimistic local entries with their confirmed
// remote counterparts.
//
// A locally created entry is shown immediately as Pending under a local id.
// When the remote store echoes it back with a remote id, the two are
// matched by a content key (canonical hash of content and actor) and
// creation times within a window, and the Confirmed entry replaces the
// Pending one.
package reconcile

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/acksync/internal/ir"
)

// DefaultWindow is the default timestamp tolerance between an entry and
// its remote echo.
const DefaultWindow = 5 * time.Second

// State distinguishes optimistic entries from confirmed ones.
type State int

const (
	StatePending State = iota
	StateConfirmed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Entry is either Pending with a LocalID or Confirmed with a RemoteID.
type Entry struct {
	State     State
	LocalID   string
	RemoteID  string
	Content   string
	Actor     string
	CreatedAt time.Time
}

// Pending creates an optimistic entry.
func Pending(localID, content, actor string, createdAt time.Time) Entry {
	return Entry{State: StatePending, LocalID: localID, Content: content, Actor: actor, CreatedAt: createdAt}
}

// Confirmed creates an entry known to the remote store.
func Confirmed(remoteID, content, actor string, createdAt time.Time) Entry {
	return Entry{State: StateConfirmed, RemoteID: remoteID, Content: content, Actor: actor, CreatedAt: createdAt}
}

// ID returns the id of the entry in its current state.
func (e Entry) ID() string {
	if e.State == StateConfirmed {
		return e.RemoteID
	}
	return e.LocalID
}

// ContentKey is the canonical hash of content and actor.
func ContentKey(content, actor string) (string, error) {
	return ir.Hash(ir.DomainContent, ir.Object{
		"actor":   ir.String(actor),
		"content": ir.String(content),
	})
}

// Result is the outcome of Reconcile.
type Result struct {
	// Entries is the merged list ordered by CreatedAt.
	Entries []Entry
	// Matched maps local ids to the remote ids that replaced them.
	Matched map[string]string
}

// Reconciler matches pending entries against confirmed ones.
type Reconciler struct {
	window time.Duration
}

// New returns a reconciler. A non-positive window uses DefaultWindow.
func New(window time.Duration) *Reconciler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Reconciler{window: window}
}

// Reconcile merges local and remote. Every remote entry is kept. A local
// entry is dropped when an unmatched remote entry has the same content key
// and a creation time within the window; each remote entry replaces at
// most one local entry, closest in time first.
func (r *Reconciler) Reconcile(local, remote []Entry) (Result, error) {
	byKey := make(map[string][]int)
	for i, e := range remote {
		key, err := ContentKey(e.Content, e.Actor)
		if err != nil {
			return Result{}, fmt.Errorf("reconcile: remote %s: %w", e.RemoteID, err)
		}
		byKey[key] = append(byKey[key], i)
	}

	res := Result{Matched: make(map[string]string)}
	used := make([]bool, len(remote))
	for _, e := range local {
		if e.State == StateConfirmed {
			res.Entries = append(res.Entries, e)
			continue
		}
		key, err := ContentKey(e.Content, e.Actor)
		if err != nil {
			return Result{}, fmt.Errorf("reconcile: local %s: %w", e.LocalID, err)
		}
		if j := r.closest(e, remote, byKey[key], used); j >= 0 {
			used[j] = true
			res.Matched[e.LocalID] = remote[j].RemoteID
			continue
		}
		res.Entries = append(res.Entries, e)
	}
	res.Entries = append(res.Entries, remote...)
	res.Entries = dedupeConfirmed(res.Entries)

	slices.SortStableFunc(res.Entries, func(a, b Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID(), b.ID())
	})
	return res, nil
}

func (r *Reconciler) closest(e Entry, remote []Entry, candidates []int, used []bool) int {
	best := -1
	var bestGap time.Duration
	for _, j := range candidates {
		if used[j] {
			continue
		}
		gap := e.CreatedAt.Sub(remote[j].CreatedAt).Abs()
		if gap > r.window {
			continue
		}
		if best < 0 || gap < bestGap {
			best, bestGap = j, gap
		}
	}
	return best
}

// dedupeConfirmed keeps the first entry per remote id.
func dedupeConfirmed(entries []Entry) []Entry {
	seen := make(map[string]struct{})
	out := entries[:0]
	for _, e := range entries {
		if e.State == StateConfirmed {
			if _, ok := seen[e.RemoteID]; ok {
				continue
			}
			seen[e.RemoteID] = struct{}{}
		}
		out = append(out, e)
	}
	return out
}
