// Package monitor records per-attempt performance samples and aggregates
// them. It only observes: nothing in the write path reads from it.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultMaxSamples = 1000
	DefaultRetention  = time.Hour
)

// Tier names the write strategy that finished an attempt.
type Tier string

const (
	TierTransaction Tier = "transaction"
	TierBatch       Tier = "batch"
	TierIndividual  Tier = "individual"
)

// Sample is one observed write attempt.
type Sample struct {
	Success      bool
	AttemptsUsed int
	Tier         Tier
	FallbackUsed bool
	Duration     time.Duration
	Timestamp    time.Time
}

// RetryPatterns counts operations by how many retries they needed.
type RetryPatterns struct {
	RetriedOnce     int `json:"retried_once"`
	RetriedMultiple int `json:"retried_multiple"`
}

// Metrics is the aggregate view over retained samples.
type Metrics struct {
	TotalOperations   int           `json:"total_operations"`
	SuccessRate       float64       `json:"success_rate"`
	AverageRetryCount float64       `json:"average_retry_count"`
	RetryPatterns     RetryPatterns `json:"retry_patterns"`
	FallbackCount     int           `json:"fallback_count"`
}

// Config bounds sample retention. Zero values take the defaults.
type Config struct {
	MaxSamples int
	Retention  time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the time source used for retention.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// WithRegisterer exports samples as Prometheus metrics on r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Monitor) {
		m.registerer = r
	}
}

// Monitor is the sample store. Safe for concurrent use.
type Monitor struct {
	cfg        Config
	clock      clock.Clock
	logger     *slog.Logger
	registerer prometheus.Registerer

	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec

	mu      sync.Mutex
	samples []Sample
}

// New creates a monitor. It fails only if Prometheus registration fails.
func New(cfg Config, opts ...Option) (*Monitor, error) {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	m := &Monitor{
		cfg:     cfg,
		clock:   clock.New(),
		logger:  slog.Default(),
		samples: make([]Sample, 0, min(cfg.MaxSamples, 128)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registerer != nil {
		if err := m.register(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Monitor) register() error {
	m.attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "acksync",
		Name:      "attempts_total",
		Help:      "Acknowledgment write attempts by finishing tier and outcome.",
	}, []string{"tier", "outcome"})
	m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "acksync",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of acknowledgment write attempts.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"tier"})

	for _, c := range []prometheus.Collector{m.attempts, m.duration} {
		if err := m.registerer.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Record appends a sample. A zero Timestamp is set to now.
func (m *Monitor) Record(s Sample) {
	now := m.clock.Now()
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}
	if s.AttemptsUsed < 1 {
		s.AttemptsUsed = 1
	}

	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.pruneLocked(now)
	m.mu.Unlock()

	if m.attempts != nil {
		outcome := "failure"
		if s.Success {
			outcome = "success"
		}
		m.attempts.WithLabelValues(string(s.Tier), outcome).Inc()
		m.duration.WithLabelValues(string(s.Tier)).Observe(s.Duration.Seconds())
	}
	m.logger.Debug("attempt recorded",
		"success", s.Success,
		"tier", s.Tier,
		"attempts", s.AttemptsUsed,
		"fallback", s.FallbackUsed,
		"duration", s.Duration)
}

// Aggregate summarizes the retained samples.
func (m *Monitor) Aggregate() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.clock.Now())

	var out Metrics
	out.TotalOperations = len(m.samples)
	if out.TotalOperations == 0 {
		return out
	}

	var successes, retries int
	for _, s := range m.samples {
		if s.Success {
			successes++
		}
		r := s.AttemptsUsed - 1
		retries += r
		switch {
		case r == 1:
			out.RetryPatterns.RetriedOnce++
		case r > 1:
			out.RetryPatterns.RetriedMultiple++
		}
		if s.FallbackUsed {
			out.FallbackCount++
		}
	}
	out.SuccessRate = float64(successes) / float64(out.TotalOperations)
	out.AverageRetryCount = float64(retries) / float64(out.TotalOperations)
	return out
}

// Samples returns a copy of the retained samples, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// Clear drops all samples. Exported Prometheus counters are not reset.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = m.samples[:0]
}

// pruneLocked enforces the count cap and the retention window.
func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Retention)
	drop := 0
	for drop < len(m.samples) && m.samples[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(m.samples) - drop - m.cfg.MaxSamples; over > 0 {
		drop += over
	}
	if drop > 0 {
		n := copy(m.samples, m.samples[drop:])
		clear(m.samples[n:])
		m.samples = m.samples[:n]
	}
}
