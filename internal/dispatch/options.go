package dispatch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"llmdispatch/internal/provider"
	"llmdispatch/internal/retry"
	"llmdispatch/internal/transport"
)

// Option customises an Engine.
type Option func(*Engine)

// WithPolicy replaces the backoff policy. RequestConfig.MaxRetries still
// bounds the retry count of each dispatch.
func WithPolicy(policy retry.Policy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithGracePeriod bounds how long Dispatch waits for cancelled calls to stop.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.grace = d
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithChunkSink receives every streamed chunk. Calls to the sink are serialised.
func WithChunkSink(sink provider.Sink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithSleep replaces the backoff suspension, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithTimeouts sets the per-call transport bounds.
func WithTimeouts(t transport.Timeouts) Option {
	return func(e *Engine) {
		e.timeouts = t
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRequestIDs replaces the request id generator.
func WithRequestIDs(next func() string) Option {
	return func(e *Engine) {
		if next != nil {
			e.newID = next
		}
	}
}
