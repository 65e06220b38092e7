// Package remote defines the boundary to the remote record store.
//
// The store offers three write primitives with independent failure modes:
// an atomic transaction with existence reads, a non-atomic batch, and a
// single-record update. Failures carry gRPC status codes so they can be
// classified with Classify.
package remote

import (
	"context"
	"time"

	"github.com/roach88/acksync/internal/ir"
)

// Ack is the marker written onto an acknowledged record.
type Ack struct {
	Actor string
	Kind  string
	At    time.Time
}

// Tx is a read-then-write transaction. Updates are staged and applied
// atomically when the transaction function returns nil.
type Tx interface {
	Exists(ctx context.Context, ref ir.RecordRef) (bool, error)
	Update(ref ir.RecordRef, ack Ack) error
}

// RecordStore is the remote record store collaborator.
type RecordStore interface {
	// RunTransaction runs fn inside a transaction and commits atomically.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// BatchUpdate writes ack onto every ref in one round trip, without atomicity
	// guarantees across refs.
	BatchUpdate(ctx context.Context, refs []ir.RecordRef, ack Ack) error

	// Update writes ack onto a single record.
	Update(ctx context.Context, ref ir.RecordRef, ack Ack) error
}
