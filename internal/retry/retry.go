// Package retry decides whether and when a failed provider call is attempted again.
package retry

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"llmdispatch/internal/models"
)

const (
	DefaultBase       = 500 * time.Millisecond
	DefaultCap        = 8 * time.Second
	DefaultMaxRetries = 3
)

// Policy is exponential backoff with multiplicative jitter in [0.5, 1.5).
type Policy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int

	// MaxElapsed gives up once the next delay would push the call past this
	// budget. Zero disables the budget.
	MaxElapsed time.Duration

	// Jitter returns a value in [0, 1). Nil uses a shared random source.
	Jitter func() float64
}

// Decision is the outcome of Decide. After is meaningful only when Retry is set.
type Decision struct {
	Retry bool
	After time.Duration
}

// GiveUp is the terminal decision.
var GiveUp = Decision{}

// Default returns the documented default policy.
func Default() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap, MaxRetries: DefaultMaxRetries}
}

// Decide is a pure function of its inputs and the jitter source. attempt is the
// number of retries already performed for the call.
func (p Policy) Decide(attempt int, failure models.Failure, elapsed time.Duration) Decision {
	if !failure.Kind.Retryable() {
		return GiveUp
	}
	if attempt < 0 || attempt >= p.MaxRetries {
		return GiveUp
	}

	delay := p.backoff(attempt)
	if failure.Kind == models.FailureRateLimited && failure.RetryAfter > delay {
		delay = failure.RetryAfter
	}

	if p.MaxElapsed > 0 && elapsed+delay > p.MaxElapsed {
		return GiveUp
	}
	return Decision{Retry: true, After: delay}
}

func (p Policy) backoff(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	capDelay := p.Cap
	if capDelay <= 0 {
		capDelay = DefaultCap
	}

	delay := capDelay
	// Shift only while it cannot overflow or pass the cap.
	if attempt < 62 {
		if d := base << attempt; d > 0 && d < capDelay {
			delay = d
		}
	}

	jitter := p.Jitter
	if jitter == nil {
		jitter = lockedRandom
	}
	return time.Duration(float64(delay) * (0.5 + jitter()))
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
)

func lockedRandom() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
