package queue

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffBase   = time.Second
	DefaultBackoffFactor = 2.0
	DefaultBackoffCap    = time.Minute
)

// Backoff is an exponential delay schedule with a cap.
//
// Attempt n waits Base * Factor^(n-1), never more than Cap. Jitter in [0, 1]
// subtracts up to that fraction of the delay at random.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64
}

// DefaultBackoff returns 1s doubling to a 60s cap without jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   DefaultBackoffBase,
		Factor: DefaultBackoffFactor,
		Cap:    DefaultBackoffCap,
	}
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Factor < 1 {
		b.Factor = DefaultBackoffFactor
	}
	if b.Cap <= 0 {
		b.Cap = DefaultBackoffCap
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	b.Jitter = min(max(b.Jitter, 0), 1)
	return b
}

// Delay returns the wait before the retry that follows failed attempt n
// (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base)
	for i := 1; i < attempt && d < float64(b.Cap); i++ {
		d *= b.Factor
	}
	delay := time.Duration(min(d, float64(b.Cap)))
	if b.Jitter > 0 {
		delay -= time.Duration(rand.Float64() * b.Jitter * float64(delay))
	}
	return delay
}
