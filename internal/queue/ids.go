package queue

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator generates queue item ids.
// Implemented by UUIDv7Generator (production) and testutil.SequentialIDs (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 item ids.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids sort by
// enqueue time. This is helpful when reading the durable store by hand.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// sequence is the monotonic enqueue counter behind Item.Seq.
//
// Seq, not wall time, decides dispatch order, so two items enqueued within
// the same clock tick still have a strict order.
type sequence struct {
	n atomic.Int64
}

// next returns the next sequence number.
func (s *sequence) next() int64 {
	return s.n.Add(1)
}

// advanceTo moves the counter forward to at least n. Used when resuming
// from persisted items.
func (s *sequence) advanceTo(n int64) {
	for {
		cur := s.n.Load()
		if cur >= n || s.n.CompareAndSwap(cur, n) {
			return
		}
	}
}
