package queue

import (
	"context"
	"slices"
	"time"

	"github.com/roach88/acksync/internal/ir"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed_permanent"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Item is one unit of deferred work. OperationID is the idempotency id of
// the submission the item belongs to, empty for items enqueued directly.
type Item struct {
	ID             string
	Seq            int64
	OperationType  string
	OperationID    string
	Payload        ir.AckPayload
	AttemptCount   int
	Status         Status
	EnqueuedAt     time.Time
	NextEligibleAt time.Time
	LastError      string
}

// Clone returns a deep copy.
func (it Item) Clone() Item {
	it.Payload.Targets = slices.Clone(it.Payload.Targets)
	return it
}

// eligible reports whether the item may be dispatched at now.
func (it *Item) eligible(now time.Time) bool {
	return it.Status == StatusPending && !it.NextEligibleAt.After(now)
}

// Persistence is the durable local store for queue items. Only pending and
// in-flight items are persisted; terminal items are deleted.
type Persistence interface {
	// SaveItem inserts or replaces an item.
	SaveItem(ctx context.Context, item Item) error
	// DeleteItem removes an item. Deleting a missing id is not an error.
	DeleteItem(ctx context.Context, id string) error
	// LoadItems returns every persisted item ordered by Seq.
	LoadItems(ctx context.Context) ([]Item, error)
	// ClearItems removes every item.
	ClearItems(ctx context.Context) error
}
