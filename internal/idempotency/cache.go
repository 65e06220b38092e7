// Package idempotency implements the admission cache that keeps identical
// acknowledgment submissions from producing more than one remote write.
//
// An operation id is a pure function of the normalized payload. The first
// submission of an id is admitted and recorded as pending right away, so
// concurrent duplicates see it before the remote write has even started.
// Duplicates receive a ticket they can Wait on for the first submission's
// outcome.
//
// Entries are held in a bounded LRU. Confirmed entries expire TTL after
// confirmation; expiry is checked lazily on read and by Sweep. Only
// confirmed entries are ever evicted to make room: when every entry is
// pending, Admit fails with ErrFull.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/acksync/internal/ir"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultCapacity      = 10000
	DefaultSweepInterval = time.Minute
)

// ErrFull is returned by Admit when the cache is at capacity and every
// entry is still pending.
var ErrFull = errors.New("idempotency: cache full of pending operations")

// State is the lifecycle state of a cache entry.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
)

// Config holds cache parameters. Zero values take the defaults.
type Config struct {
	TTL           time.Duration
	Capacity      int
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Record is a snapshot of one cache entry.
type Record struct {
	OperationID string
	State       State
	ProcessedAt time.Time
	ExpiresAt   time.Time // zero while pending
	Outcome     error
}

type entry struct {
	id          string
	state       State
	processedAt time.Time
	expiresAt   time.Time
	outcome     error
	done        chan struct{}
	// invalidated drops the entry as soon as it is confirmed.
	invalidated bool
}

func (e *entry) expired(now time.Time) bool {
	return e.state == StateConfirmed && !now.Before(e.expiresAt)
}

// Ticket is the result of Admit.
type Ticket struct {
	// OperationID is the stable identity of the admitted payload.
	OperationID string
	// Duplicate is true when an earlier submission with the same id is
	// pending or confirmed. The holder must not write.
	Duplicate bool

	entry *entry
}

// Wait blocks until the first submission of the ticket's id is resolved
// and returns its outcome. An admitted (non-duplicate) ticket returns nil
// immediately: its holder is the one producing the outcome.
func (t *Ticket) Wait(ctx context.Context) error {
	if !t.Duplicate {
		return nil
	}
	select {
	case <-t.entry.done:
		return t.entry.outcome
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source. Tests pass a *clock.Mock.
func WithClock(c clock.Clock) Option {
	return func(cache *Cache) {
		cache.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cache *Cache) {
		cache.logger = l
	}
}

// Cache is the idempotency admission cache. Safe for concurrent use.
type Cache struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries *lru.Cache[string, *entry]

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// New creates a cache.
func New(cfg Config, opts ...Option) (*Cache, error) {
	cfg = cfg.withDefaults()
	entries, err := lru.New[string, *entry](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency: create lru: %w", err)
	}
	c := &Cache{
		cfg:     cfg,
		clock:   clock.New(),
		logger:  slog.Default(),
		entries: entries,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GenerateOperationID returns the stable identity of payload. Target order
// and duplicates do not affect the result, and no timestamps participate.
func GenerateOperationID(payload ir.AckPayload) (string, error) {
	norm := payload.Normalize()
	if err := norm.Validate(); err != nil {
		return "", err
	}
	return norm.OperationID()
}

// Admit records payload as pending if its id is unseen or expired, and
// returns an admitted ticket. Otherwise it returns a duplicate ticket bound
// to the existing entry.
func (c *Cache) Admit(payload ir.AckPayload) (*Ticket, error) {
	id, err := GenerateOperationID(payload)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries.Get(id); ok && !e.expired(now) {
		c.logger.Debug("duplicate submission", "operation_id", id, "state", e.state)
		return &Ticket{OperationID: id, Duplicate: true, entry: e}, nil
	}

	if !c.makeRoomLocked(id, now) {
		c.logger.Warn("idempotency cache full of pending operations", "capacity", c.cfg.Capacity)
		return nil, ErrFull
	}

	e := &entry{
		id:          id,
		state:       StatePending,
		processedAt: now,
		done:        make(chan struct{}),
	}
	c.entries.Add(id, e)
	return &Ticket{OperationID: id, entry: e}, nil
}

// makeRoomLocked ensures adding id does not make the LRU evict a pending
// entry. Expired entries go first, then the least recently used confirmed
// one. It reports false when only pending entries are left.
func (c *Cache) makeRoomLocked(id string, now time.Time) bool {
	if c.entries.Contains(id) || c.entries.Len() < c.cfg.Capacity {
		return true
	}
	var oldestConfirmed string
	found := false
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok || e.state != StateConfirmed {
			continue
		}
		if e.expired(now) {
			c.entries.Remove(key)
			return true
		}
		if !found {
			oldestConfirmed, found = key, true
		}
	}
	if !found {
		return false
	}
	c.entries.Remove(oldestConfirmed)
	c.logger.Debug("idempotency cache at capacity, evicted confirmed entry",
		"operation_id", oldestConfirmed, "capacity", c.cfg.Capacity)
	return true
}

// Confirm marks id as processed with outcome. Re-execution is blocked until
// TTL elapses. Waiting duplicates are released with outcome.
func (c *Cache) Confirm(id string, outcome error) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Peek(id)
	if !ok || e.state != StatePending {
		return
	}
	e.state = StateConfirmed
	e.expiresAt = now.Add(c.cfg.TTL)
	e.outcome = outcome
	close(e.done)
	if e.invalidated {
		c.entries.Remove(id)
	}
}

// Revoke drops a pending id so a later submission is admitted again.
// Waiting duplicates are released with err.
func (c *Cache) Revoke(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Peek(id)
	if !ok || e.state != StatePending {
		return
	}
	c.entries.Remove(id)
	e.outcome = err
	close(e.done)
}

// Invalidate drops id after work it admitted has failed permanently, so an
// identical submission is admitted and written again. A pending id is
// dropped once it is confirmed; waiting duplicates still receive the
// confirmed outcome.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Peek(id)
	if !ok {
		return
	}
	if e.state == StatePending {
		e.invalidated = true
		return
	}
	c.entries.Remove(id)
	c.logger.Debug("idempotency entry invalidated", "operation_id", id)
}

// HasProcessed reports whether id is confirmed and unexpired.
func (c *Cache) HasProcessed(id string) bool {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Peek(id)
	return ok && e.state == StateConfirmed && !e.expired(now)
}

// Lookup returns a snapshot of the entry for id.
func (c *Cache) Lookup(id string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Peek(id)
	if !ok {
		return Record{}, false
	}
	return Record{
		OperationID: e.id,
		State:       e.state,
		ProcessedAt: e.processedAt,
		ExpiresAt:   e.expiresAt,
		Outcome:     e.outcome,
	}, true
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, id := range c.entries.Keys() {
		e, ok := c.entries.Peek(id)
		if ok && e.expired(now) {
			c.entries.Remove(id)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("swept expired idempotency entries", "removed", removed)
	}
	return removed
}

// Start runs Sweep every SweepInterval until Close.
func (c *Cache) Start() {
	c.startOnce.Do(func() {
		ticker := c.clock.Ticker(c.cfg.SweepInterval)
		go func() {
			defer close(c.stopped)
			defer ticker.Stop()
			for {
				select {
				case <-c.stop:
					return
				case <-ticker.C:
					c.Sweep()
				}
			}
		}()
	})
}

// Close stops the sweeper started by Start.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			<-c.stopped
		}
	})
	return nil
}
