package monitor

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, cfg Config, opts ...Option) (*Monitor, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	opts = append([]Option{
		WithClock(mock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	return m, mock
}

func TestAggregate_Empty(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	assert.Equal(t, Metrics{}, m.Aggregate())
}

func TestAggregate(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})

	m.Record(Sample{Success: true, AttemptsUsed: 1, Tier: TierTransaction})
	m.Record(Sample{Success: true, AttemptsUsed: 2, Tier: TierTransaction})
	m.Record(Sample{Success: true, AttemptsUsed: 4, Tier: TierBatch, FallbackUsed: true})
	m.Record(Sample{Success: false, AttemptsUsed: 1, Tier: TierIndividual, FallbackUsed: true})

	got := m.Aggregate()
	assert.Equal(t, 4, got.TotalOperations)
	assert.InDelta(t, 0.75, got.SuccessRate, 1e-9)
	assert.InDelta(t, 1.0, got.AverageRetryCount, 1e-9)
	assert.Equal(t, RetryPatterns{RetriedOnce: 1, RetriedMultiple: 1}, got.RetryPatterns)
	assert.Equal(t, 2, got.FallbackCount)
}

func TestRecord_DefaultsTimestampAndAttempts(t *testing.T) {
	m, mock := newTestMonitor(t, Config{})
	mock.Add(time.Minute)

	m.Record(Sample{Success: true, Tier: TierTransaction})

	samples := m.Samples()
	require.Len(t, samples, 1)
	assert.Equal(t, mock.Now(), samples[0].Timestamp)
	assert.Equal(t, 1, samples[0].AttemptsUsed)
}

func TestRetention_CountCap(t *testing.T) {
	m, _ := newTestMonitor(t, Config{MaxSamples: 3})

	for i := 1; i <= 5; i++ {
		m.Record(Sample{Success: true, AttemptsUsed: i, Tier: TierTransaction})
	}

	samples := m.Samples()
	require.Len(t, samples, 3)
	assert.Equal(t, 3, samples[0].AttemptsUsed)
	assert.Equal(t, 5, samples[2].AttemptsUsed)
}

func TestRetention_Window(t *testing.T) {
	m, mock := newTestMonitor(t, Config{Retention: time.Minute})

	m.Record(Sample{Success: true, Tier: TierTransaction})
	mock.Add(2 * time.Minute)
	m.Record(Sample{Success: false, Tier: TierTransaction})

	got := m.Aggregate()
	assert.Equal(t, 1, got.TotalOperations)
	assert.Zero(t, got.SuccessRate)
}

func TestClear(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	m.Record(Sample{Success: true, Tier: TierTransaction})
	m.Clear()
	assert.Zero(t, m.Aggregate().TotalOperations)
}

func TestPrometheusExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _ := newTestMonitor(t, Config{}, WithRegisterer(reg))

	m.Record(Sample{Success: true, Tier: TierTransaction, Duration: 10 * time.Millisecond})
	m.Record(Sample{Success: true, Tier: TierTransaction})
	m.Record(Sample{Success: false, Tier: TierIndividual})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("transaction", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("individual", "failure")))

	expected := `
# HELP acksync_attempts_total Acknowledgment write attempts by finishing tier and outcome.
# TYPE acksync_attempts_total counter
acksync_attempts_total{outcome="failure",tier="individual"} 1
acksync_attempts_total{outcome="success",tier="transaction"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "acksync_attempts_total"))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestPrometheusDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(Config{}, WithRegisterer(reg))
	require.NoError(t, err)
	_, err = New(Config{}, WithRegisterer(reg))
	assert.Error(t, err)
}
