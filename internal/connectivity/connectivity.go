// Package connectivity flushes the retry queue when the device comes back
// online.
//
// An online transition starts a debounce timer that is reset by every
// further event, so a flapping link triggers one flush instead of a storm.
// When the timer fires and the last reported state is still online, the
// queue is processed. Going offline only cancels a pending flush: queued
// items stay pending and new writes keep failing fast into the queue.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultDebounce is the quiet period after an online transition.
const DefaultDebounce = 2 * time.Second

// Status is a connectivity transition.
type Status struct {
	Online bool
}

// Monitor is the connectivity source.
type Monitor interface {
	// Online reports the current state.
	Online() bool
	// Subscribe returns a channel of transitions and a function that stops
	// delivery and closes the channel.
	Subscribe() (<-chan Status, func())
}

// Processor is the queue side of the coordinator.
type Processor interface {
	ProcessQueue(ctx context.Context)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the time source for the debounce timer.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) {
		co.logger = l
	}
}

// Coordinator connects a Monitor to a Processor.
type Coordinator struct {
	monitor   Monitor
	processor Processor
	debounce  time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu          sync.Mutex
	online      bool
	timer       *clock.Timer
	due         time.Time
	gen         uint64
	flushing    bool
	flushes     int
	unsubscribe func()
	closed      bool
	done        chan struct{}
}

// NewCoordinator creates a coordinator. A non-positive debounce uses
// DefaultDebounce.
func NewCoordinator(m Monitor, p Processor, debounce time.Duration, opts ...Option) *Coordinator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	c := &Coordinator{
		monitor:   m,
		processor: p,
		debounce:  debounce,
		clock:     clock.New(),
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to the monitor. It must be called once.
func (c *Coordinator) Start() {
	ch, unsubscribe := c.monitor.Subscribe()

	c.mu.Lock()
	c.online = c.monitor.Online()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		for st := range ch {
			c.handle(st)
		}
	}()
	c.logger.Info("connectivity coordinator started", "online", c.Online(), "debounce", c.debounce)
}

// Online reports the last state seen by the coordinator.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Flushes returns how many debounced flushes have run.
func (c *Coordinator) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// FlushScheduled reports whether a debounced flush is waiting to fire.
func (c *Coordinator) FlushScheduled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// NextFlush returns when the scheduled flush fires. ok is false when none
// is scheduled.
func (c *Coordinator) NextFlush() (at time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer == nil {
		return time.Time{}, false
	}
	return c.due, true
}

// Idle reports whether no flush is running or due.
func (c *Coordinator) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushing {
		return false
	}
	return c.timer == nil || c.due.After(c.clock.Now())
}

// Close unsubscribes and stops the debounce timer. A flush already running
// is not interrupted.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimerLocked()
	unsubscribe := c.unsubscribe
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		<-c.done
	}
	return nil
}

func (c *Coordinator) handle(st Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.online = st.Online
	c.stopTimerLocked()
	if !st.Online {
		c.logger.Debug("offline, pending flush cancelled")
		return
	}

	c.logger.Debug("online, flush scheduled", "debounce", c.debounce)
	c.gen++
	gen := c.gen
	c.due = c.clock.Now().Add(c.debounce)
	c.timer = c.clock.AfterFunc(c.debounce, func() { c.flush(gen) })
}

// flush runs when the debounce timer of generation gen fires. A timer
// superseded by a later event is ignored.
func (c *Coordinator) flush(gen uint64) {
	c.mu.Lock()
	if c.closed || !c.online || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.flushes++
	c.flushing = true
	c.mu.Unlock()

	c.logger.Info("connectivity restored, processing queue")
	c.processor.ProcessQueue(context.Background())

	c.mu.Lock()
	c.flushing = false
	c.mu.Unlock()
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
