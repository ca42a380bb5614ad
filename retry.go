package boltdriver

import (
	"math/rand"
	"time"

	"github.com/nornax/bolt-driver/dberr"
)

// RetryPolicy paces the attempts of a managed transaction. Implementations
// are swapped at driver construction.
type RetryPolicy interface {
	// NextDelay returns the sleep before attempt n (first retry is n=1)
	// and whether the budget allows another attempt given the time already
	// elapsed.
	NextDelay(attempt int, elapsed time.Duration) (time.Duration, bool)
}

// ExponentialBackoff is the default retry policy: delays double from
// InitialDelay with multiplicative jitter, and retrying stops once
// MaxRetryTime has elapsed.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	Multiplier   float64
	JitterFactor float64
	MaxRetryTime time.Duration
}

// DefaultRetryPolicy matches the conventional driver defaults: 1 s initial
// delay, doubling, 20% jitter, 30 s total budget.
func DefaultRetryPolicy() ExponentialBackoff {
	return ExponentialBackoff{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
		MaxRetryTime: 30 * time.Second,
	}
}

func (p ExponentialBackoff) NextDelay(attempt int, elapsed time.Duration) (time.Duration, bool) {
	if elapsed >= p.MaxRetryTime {
		return 0, false
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
	}
	jitter := 1 + p.JitterFactor*(2*rand.Float64()-1)
	return time.Duration(delay * jitter), true
}

// IsRetryable reports whether a managed transaction would retry after err:
// transient server conditions, service unavailability, transport failures
// and cluster role redirects.
func IsRetryable(err error) bool {
	return dberr.IsRetryable(err)
}
