// Package config holds the runtime configuration of the acknowledgment
// pipeline.
//
// Values are layered: Default, then an optional file (.yaml, .yml or .cue),
// then ACKSYNC_* environment variables. Durations are written as Go
// duration strings ("1s", "5m").
package config

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "ACKSYNC_"

// Config is the full configuration.
type Config struct {
	Queue        QueueConfig        `yaml:"queue" json:"queue" envPrefix:"QUEUE_"`
	Writer       WriterConfig       `yaml:"writer" json:"writer" envPrefix:"WRITER_"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency" json:"idempotency" envPrefix:"IDEMPOTENCY_"`
	Connectivity ConnectivityConfig `yaml:"connectivity" json:"connectivity" envPrefix:"CONNECTIVITY_"`
	Monitor      MonitorConfig      `yaml:"monitor" json:"monitor" envPrefix:"MONITOR_"`
	Store        StoreConfig        `yaml:"store" json:"store" envPrefix:"STORE_"`
}

// QueueConfig configures the retry queue.
type QueueConfig struct {
	BackoffBase   time.Duration `yaml:"backoff_base" json:"backoff_base" env:"BACKOFF_BASE"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor" env:"BACKOFF_FACTOR"`
	BackoffCap    time.Duration `yaml:"backoff_cap" json:"backoff_cap" env:"BACKOFF_CAP"`
	Jitter        float64       `yaml:"jitter" json:"jitter" env:"JITTER"`
	Concurrency   int           `yaml:"concurrency" json:"concurrency" env:"CONCURRENCY"`
	// MaxAttempts of zero retries forever.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
}

// WriterConfig configures the fallback writer.
type WriterConfig struct {
	TransactionAttempts   int           `yaml:"transaction_attempts" json:"transaction_attempts" env:"TRANSACTION_ATTEMPTS"`
	BatchFailureThreshold int           `yaml:"batch_failure_threshold" json:"batch_failure_threshold" env:"BATCH_FAILURE_THRESHOLD"`
	MissingTargetWindow   time.Duration `yaml:"missing_target_window" json:"missing_target_window" env:"MISSING_TARGET_WINDOW"`
}

// IdempotencyConfig configures the dedupe window.
type IdempotencyConfig struct {
	TTL           time.Duration `yaml:"ttl" json:"ttl" env:"TTL"`
	Capacity      int           `yaml:"capacity" json:"capacity" env:"CAPACITY"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// ConnectivityConfig configures the reconnect flush.
type ConnectivityConfig struct {
	Debounce time.Duration `yaml:"debounce" json:"debounce" env:"DEBOUNCE"`
}

// MonitorConfig bounds retained samples.
type MonitorConfig struct {
	MaxSamples int           `yaml:"max_samples" json:"max_samples" env:"MAX_SAMPLES"`
	Retention  time.Duration `yaml:"retention" json:"retention" env:"RETENTION"`
}

// StoreConfig locates the durable queue. An empty path keeps the queue in
// memory.
type StoreConfig struct {
	Path string `yaml:"path" json:"path" env:"PATH"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			BackoffBase:   time.Second,
			BackoffFactor: 2,
			BackoffCap:    time.Minute,
			Concurrency:   1,
		},
		Writer: WriterConfig{
			TransactionAttempts:   3,
			BatchFailureThreshold: 3,
			MissingTargetWindow:   5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			TTL:           5 * time.Minute,
			Capacity:      10000,
			SweepInterval: time.Minute,
		},
		Connectivity: ConnectivityConfig{
			Debounce: 2 * time.Second,
		},
		Monitor: MonitorConfig{
			MaxSamples: 1000,
			Retention:  time.Hour,
		},
	}
}

// Validate reports every inconsistent value.
func (c Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	q := c.Queue
	check(q.BackoffBase > 0, "queue.backoff_base must be positive, got %s", q.BackoffBase)
	check(q.BackoffFactor >= 1, "queue.backoff_factor must be at least 1, got %g", q.BackoffFactor)
	check(q.BackoffCap >= q.BackoffBase, "queue.backoff_cap (%s) must not be below queue.backoff_base (%s)", q.BackoffCap, q.BackoffBase)
	check(q.Jitter >= 0 && q.Jitter <= 1, "queue.jitter must be in [0, 1], got %g", q.Jitter)
	check(q.Concurrency >= 1 && q.Concurrency <= 4, "queue.concurrency must be between 1 and 4, got %d", q.Concurrency)
	check(q.MaxAttempts >= 0, "queue.max_attempts must not be negative, got %d", q.MaxAttempts)

	w := c.Writer
	check(w.TransactionAttempts >= 1, "writer.transaction_attempts must be at least 1, got %d", w.TransactionAttempts)
	check(w.BatchFailureThreshold >= 1, "writer.batch_failure_threshold must be at least 1, got %d", w.BatchFailureThreshold)
	check(w.MissingTargetWindow > 0, "writer.missing_target_window must be positive, got %s", w.MissingTargetWindow)

	i := c.Idempotency
	check(i.TTL > 0, "idempotency.ttl must be positive, got %s", i.TTL)
	check(i.Capacity > 0, "idempotency.capacity must be positive, got %d", i.Capacity)
	check(i.SweepInterval > 0, "idempotency.sweep_interval must be positive, got %s", i.SweepInterval)

	check(c.Connectivity.Debounce > 0, "connectivity.debounce must be positive, got %s", c.Connectivity.Debounce)

	check(c.Monitor.MaxSamples > 0, "monitor.max_samples must be positive, got %d", c.Monitor.MaxSamples)
	check(c.Monitor.Retention > 0, "monitor.retention must be positive, got %s", c.Monitor.Retention)

	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
