// Package memstore is an in-memory remote.RecordStore with fault injection.
//
// It backs the scenario harness, the simulate command and package tests.
// Faults can be scheduled per primitive (fail the next N calls with a code)
// or pinned to a record (every write touching it fails).
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/roach88/acksync/internal/ir"
	"github.com/roach88/acksync/internal/remote"
)

// Op identifies a store primitive.
type Op string

const (
	OpTransaction Op = "transaction"
	OpBatch       Op = "batch"
	OpUpdate      Op = "update"
)

// Write is one applied record write, in application order.
type Write struct {
	Op    Op
	Ref   ir.RecordRef
	Actor string
	Kind  string
}

type fault struct {
	remaining int
	code      codes.Code
}

// Store is a thread-safe in-memory record store.
type Store struct {
	mu       sync.Mutex
	records  map[ir.RecordRef]map[string]remote.Ack // ref -> actor/kind -> ack
	faults   map[Op][]*fault
	poisoned map[ir.RecordRef]codes.Code
	offline  bool
	calls    map[Op]int
	commits  map[Op]int
	log      []Write
	onCall   func(op Op, refs []ir.RecordRef)
}

var _ remote.RecordStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		records:  make(map[ir.RecordRef]map[string]remote.Ack),
		faults:   make(map[Op][]*fault),
		poisoned: make(map[ir.RecordRef]codes.Code),
		calls:    make(map[Op]int),
		commits:  make(map[Op]int),
	}
}

// Put creates records. Existing records are left untouched.
func (s *Store) Put(refs ...ir.RecordRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		if _, ok := s.records[ref]; !ok {
			s.records[ref] = make(map[string]remote.Ack)
		}
	}
}

// SetOffline makes every call fail with codes.Unavailable while true.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext makes the next n calls of op fail with code.
// Faults for the same op are consumed in the order they were added.
func (s *Store) FailNext(op Op, n int, code codes.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], &fault{remaining: n, code: code})
}

// Poison makes every write that touches ref fail with code.
func (s *Store) Poison(ref ir.RecordRef, code codes.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poisoned[ref] = code
}

// OnCall registers a hook invoked at the start of every call, outside the
// store lock. Tests use it to block or observe calls.
func (s *Store) OnCall(fn func(op Op, refs []ir.RecordRef)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCall = fn
}

// Calls returns how many times op was invoked, including failures.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Commits returns how many calls of op wrote at least one record.
func (s *Store) Commits(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits[op]
}

// TotalCommits returns the number of successful writing calls across all ops.
func (s *Store) TotalCommits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.commits {
		total += n
	}
	return total
}

// Log returns the applied writes in order.
func (s *Store) Log() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.log)
}

// Acknowledged reports whether ref carries an ack of kind by actor.
func (s *Store) Acknowledged(ref ir.RecordRef, actor, kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	acks, ok := s.records[ref]
	if !ok {
		return false
	}
	_, ok = acks[ackKey(actor, kind)]
	return ok
}

// RunTransaction implements remote.RecordStore.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx remote.Tx) error) error {
	if err := s.begin(ctx, OpTransaction, nil); err != nil {
		return err
	}

	tx := &memTx{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range tx.staged {
		if code, ok := s.poisoned[st.ref]; ok {
			return status.Errorf(code, "transaction: record %s rejected", st.ref)
		}
		if _, ok := s.records[st.ref]; !ok {
			return status.Errorf(codes.NotFound, "transaction: record %s not found", st.ref)
		}
	}
	for _, st := range tx.staged {
		s.applyLocked(OpTransaction, st.ref, st.ack)
	}
	if len(tx.staged) > 0 {
		s.commits[OpTransaction]++
	}
	return nil
}

// BatchUpdate implements remote.RecordStore.
func (s *Store) BatchUpdate(ctx context.Context, refs []ir.RecordRef, ack remote.Ack) error {
	if err := s.begin(ctx, OpBatch, refs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		if code, ok := s.poisoned[ref]; ok {
			return status.Errorf(code, "batch: record %s rejected", ref)
		}
		if _, ok := s.records[ref]; !ok {
			return status.Errorf(codes.NotFound, "batch: record %s not found", ref)
		}
	}
	for _, ref := range refs {
		s.applyLocked(OpBatch, ref, ack)
	}
	if len(refs) > 0 {
		s.commits[OpBatch]++
	}
	return nil
}

// Update implements remote.RecordStore.
func (s *Store) Update(ctx context.Context, ref ir.RecordRef, ack remote.Ack) error {
	if err := s.begin(ctx, OpUpdate, []ir.RecordRef{ref}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if code, ok := s.poisoned[ref]; ok {
		return status.Errorf(code, "update: record %s rejected", ref)
	}
	if _, ok := s.records[ref]; !ok {
		return status.Errorf(codes.NotFound, "update: record %s not found", ref)
	}
	s.applyLocked(OpUpdate, ref, ack)
	s.commits[OpUpdate]++
	return nil
}

// begin counts the call, runs the hook and applies scheduled faults.
func (s *Store) begin(ctx context.Context, op Op, refs []ir.RecordRef) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.onCall
	s.mu.Unlock()

	if hook != nil {
		hook(op, refs)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return status.Errorf(codes.Unavailable, "%s: store unavailable", op)
	}
	queue := s.faults[op]
	for len(queue) > 0 && queue[0].remaining <= 0 {
		queue = queue[1:]
	}
	s.faults[op] = queue
	if len(queue) > 0 {
		f := queue[0]
		f.remaining--
		return status.Errorf(f.code, "%s: injected fault", op)
	}
	return nil
}

func (s *Store) applyLocked(op Op, ref ir.RecordRef, ack remote.Ack) {
	s.records[ref][ackKey(ack.Actor, ack.Kind)] = ack
	s.log = append(s.log, Write{Op: op, Ref: ref, Actor: ack.Actor, Kind: ack.Kind})
}

func ackKey(actor, kind string) string {
	return fmt.Sprintf("%s/%s", actor, kind)
}

type staged struct {
	ref ir.RecordRef
	ack remote.Ack
}

type memTx struct {
	store  *Store
	staged []staged
}

func (tx *memTx) Exists(ctx context.Context, ref ir.RecordRef) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	_, ok := tx.store.records[ref]
	return ok, nil
}

func (tx *memTx) Update(ref ir.RecordRef, ack remote.Ack) error {
	tx.staged = append(tx.staged, staged{ref: ref, ack: ack})
	return nil
}
