// Package dispatch fans a request out to providers, applies the retry policy
// per call and merges the outcomes into one ordered result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"llmdispatch/internal/logging"
	"llmdispatch/internal/models"
	"llmdispatch/internal/provider"
	"llmdispatch/internal/retry"
	"llmdispatch/internal/transport"
)

const (
	// MaxWorkers caps parallel fan-out regardless of the requested concurrency.
	MaxWorkers = 8

	DefaultGracePeriod = 2 * time.Second
)

var (
	// ErrNoProviders indicates a request without target providers.
	ErrNoProviders = errors.New("at least one provider must be targeted")
	// ErrDuplicateProvider indicates a provider listed more than once.
	ErrDuplicateProvider = errors.New("provider targeted more than once")
	// ErrInvalidConfig wraps every other request validation failure.
	ErrInvalidConfig = errors.New("invalid request config")
)

// Resolver looks providers up by identifier. *provider.Registry satisfies it.
type Resolver interface {
	Lookup(name string) (provider.Adapter, error)
}

// Engine dispatches requests. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	resolver  Resolver
	transport transport.Transport
	policy    retry.Policy
	grace     time.Duration
	log       logrus.FieldLogger
	sink      provider.Sink
	sleep     func(ctx context.Context, d time.Duration) error
	timeouts  transport.Timeouts
	now       func() time.Time
	newID     func() string
}

// New constructs an engine resolving providers through resolver and sending
// every call through tr.
func New(resolver Resolver, tr transport.Transport, opts ...Option) *Engine {
	e := &Engine{
		resolver:  resolver,
		transport: tr,
		policy:    retry.Default(),
		grace:     DefaultGracePeriod,
		log:       logging.Discard(),
		sleep:     retry.Sleep,
		now:       time.Now,
		newID:     newRequestID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newRequestID() string {
	return "req_" + uuid.NewString()[:8]
}

// Validate checks cfg without side effects. Every error it reports is fatal
// for the request and is detected before any call starts.
func (e *Engine) Validate(cfg models.RequestConfig) error {
	_, _, err := e.prepare(cfg)
	return err
}

func (e *Engine) prepare(cfg models.RequestConfig) (models.Mode, []provider.Adapter, error) {
	if len(cfg.Providers) == 0 {
		return "", nil, ErrNoProviders
	}

	seen := make(map[string]struct{}, len(cfg.Providers))
	adapters := make([]provider.Adapter, 0, len(cfg.Providers))
	for _, name := range cfg.Providers {
		if _, dup := seen[name]; dup {
			return "", nil, fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
		}
		seen[name] = struct{}{}

		adapter, err := e.resolver.Lookup(name)
		if err != nil {
			return "", nil, fmt.Errorf("resolve provider: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if err := cfg.Prompt.Validate(); err != nil {
		return "", nil, fmt.Errorf("%w: prompt: %w", ErrInvalidConfig, err)
	}

	mode := models.ModeSequentialFallback
	if cfg.Mode != "" {
		parsed, err := models.ParseMode(string(cfg.Mode))
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		mode = parsed
	}

	switch {
	case cfg.MaxRetries < 0:
		return "", nil, fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidConfig, cfg.MaxRetries)
	case cfg.Timeout < 0:
		return "", nil, fmt.Errorf("%w: timeout must not be negative, got %s", ErrInvalidConfig, cfg.Timeout)
	case cfg.MaxConcurrency < 0:
		return "", nil, fmt.Errorf("%w: max concurrency must not be negative, got %d", ErrInvalidConfig, cfg.MaxConcurrency)
	}
	return mode, adapters, nil
}

// Dispatch runs cfg to completion. The returned error is non-nil only when
// validation fails; provider failures are reported inside the result.
func (e *Engine) Dispatch(ctx context.Context, cfg models.RequestConfig) (models.ClientResult, error) {
	mode, adapters, err := e.prepare(cfg)
	if err != nil {
		return models.ClientResult{}, err
	}

	reqID := e.newID()
	log := e.log.WithFields(logrus.Fields{"request_id": reqID, "mode": mode})
	started := e.now()

	var (
		dctx   context.Context
		cancel context.CancelFunc
	)
	if cfg.Timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	} else {
		dctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	run := &dispatchRun{
		engine:   e,
		cfg:      cfg,
		adapters: adapters,
		board:    newBoard(cfg.Providers, e.now, log),
		log:      log,
	}
	run.policy = e.policy
	run.policy.MaxRetries = cfg.MaxRetries

	log.WithFields(logrus.Fields{
		"providers": cfg.Providers,
		"event":     "dispatch_start",
	}).Info("dispatching request")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if mode == models.ModeParallel {
			run.parallel(dctx)
		} else {
			run.sequential(dctx)
		}
	}()

	select {
	case <-done:
	case <-dctx.Done():
		grace := time.NewTimer(e.grace)
		select {
		case <-done:
		case <-grace.C:
			log.WithField("event", "grace_expired").Warn("calls still running after grace period")
		}
		grace.Stop()
	}

	kind, reason := models.FailureCancelled, "dispatch cancelled"
	switch {
	case ctx.Err() != nil:
		reason = fmt.Sprintf("dispatch cancelled by caller: %v", context.Cause(ctx))
	case errors.Is(dctx.Err(), context.DeadlineExceeded):
		kind, reason = models.FailureTimeout, fmt.Sprintf("global timeout of %s exceeded", cfg.Timeout)
	}

	completions := run.board.finalize(kind, reason)
	run.closeSink()

	result := models.ClientResult{
		RequestID:   reqID,
		Mode:        mode,
		Outcome:     models.SummariseOutcome(mode, completions),
		Completions: completions,
		Elapsed:     models.Duration(e.now().Sub(started)),
	}

	log.WithFields(logrus.Fields{
		"outcome":    result.Outcome,
		"elapsed_ms": result.Elapsed.Milliseconds(),
		"event":      "dispatch_done",
	}).Info("dispatch finished")
	return result, nil
}

// dispatchRun is the state of one Dispatch call.
type dispatchRun struct {
	engine   *Engine
	cfg      models.RequestConfig
	adapters []provider.Adapter
	policy   retry.Policy
	board    *board
	log      logrus.FieldLogger

	sinkMu     sync.Mutex
	sinkClosed atomic.Bool
}

func (r *dispatchRun) parallel(ctx context.Context) {
	workers := r.cfg.MaxConcurrency
	if workers == 0 || workers > len(r.adapters) {
		workers = len(r.adapters)
	}
	workers = min(workers, MaxWorkers)

	p := pool.New().WithMaxGoroutines(workers)
	for i := range r.adapters {
		p.Go(func() {
			r.call(ctx, i)
		})
	}
	p.Wait()
}

func (r *dispatchRun) sequential(ctx context.Context) {
	for i := range r.adapters {
		if ctx.Err() != nil {
			return
		}
		if r.call(ctx, i) {
			for j := i + 1; j < len(r.adapters); j++ {
				r.board.skip(j, models.FailureCancelled, fmt.Sprintf("not started: %s succeeded first", r.adapters[i].Name()))
			}
			return
		}
	}
}

// call drives one provider through Pending -> InFlight -> {Succeeded,
// Retrying -> InFlight, Failed}. It reports whether the call succeeded.
// Calls interrupted by the dispatch context are left for finalize.
func (r *dispatchRun) call(ctx context.Context, idx int) bool {
	if ctx.Err() != nil {
		return false
	}

	adapter := r.adapters[idx]
	name := adapter.Name()
	log := r.log.WithField("provider", name)
	callStart := r.engine.now()

	for attempt := 0; ; attempt++ {
		r.board.transition(idx, models.StateInFlight, attempt+1)

		opts := provider.CallOptions{
			Stream:   r.cfg.Stream,
			Attempt:  attempt,
			Override: r.cfg.Overrides[name],
			Timeouts: r.engine.timeouts,
		}
		result, failure := provider.Call(ctx, adapter, r.engine.transport, r.cfg.Prompt, opts, r.deliver)
		if failure == nil {
			r.board.succeed(idx, result, attempt+1)
			log.WithFields(logrus.Fields{
				"attempt":    attempt + 1,
				"latency_ms": result.Latency.Milliseconds(),
				"event":      "call_succeeded",
			}).Debug("provider call succeeded")
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		decision := r.policy.Decide(attempt, *failure, r.engine.now().Sub(callStart))
		fields := logrus.Fields{
			"attempt":    attempt + 1,
			"error_type": failure.Kind,
			"status":     failure.StatusCode,
			"event":      "call_failed",
		}
		if !decision.Retry {
			r.board.fail(idx, failure, result, attempt+1)
			log.WithFields(fields).WithError(failure).Warn("provider call failed")
			return false
		}

		fields["retry_in_ms"] = decision.After.Milliseconds()
		log.WithFields(fields).WithError(failure).Info("retrying provider call")
		r.board.transition(idx, models.StateRetrying, attempt+1)
		if err := r.engine.sleep(ctx, decision.After); err != nil {
			return false
		}
	}
}

// deliver serialises chunk delivery across concurrent calls and drops chunks
// produced after the dispatch has been finalised.
func (r *dispatchRun) deliver(chunk models.Chunk) {
	if r.engine.sink == nil || r.sinkClosed.Load() {
		return
	}
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	if r.sinkClosed.Load() {
		return
	}
	r.engine.sink(chunk)
}

func (r *dispatchRun) closeSink() {
	r.sinkClosed.Store(true)
	r.sinkMu.Lock()
	r.sinkMu.Unlock()
}
