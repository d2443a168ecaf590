// Package benchmark drives the dispatch engine repeatedly with a cheap
// synthetic prompt and aggregates per-provider latency and success statistics.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"llmdispatch/internal/config"
	"llmdispatch/internal/logging"
	"llmdispatch/internal/models"
)

const DefaultRounds = 10

// ErrNoProviders indicates a run without providers.
var ErrNoProviders = errors.New("benchmark needs at least one provider")

// Dispatcher runs one request. *dispatch.Engine satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cfg models.RequestConfig) (models.ClientResult, error)
}

// Options parameterise a Harness.
type Options struct {
	Rounds int

	// Timeout bounds the whole run. Zero disables it.
	Timeout time.Duration

	// CallTimeout bounds each single-provider dispatch.
	CallTimeout time.Duration

	Prompt     models.Prompt
	MaxRetries int
	Stream     bool

	// Interval is the minimum spacing between round starts.
	Interval time.Duration

	Logger logrus.FieldLogger
}

// OptionsFromConfig builds options from the benchmark config section.
func OptionsFromConfig(cfg config.BenchmarkConfig) (Options, error) {
	prompt, err := models.UserPrompt("", cfg.Prompt, models.Params{MaxTokens: cfg.MaxTokens})
	if err != nil {
		return Options{}, fmt.Errorf("benchmark prompt: %w", err)
	}
	return Options{
		Rounds:      cfg.Rounds,
		Timeout:     cfg.Timeout,
		CallTimeout: cfg.CallTimeout,
		Prompt:      prompt,
		Stream:      cfg.Stream,
		Interval:    cfg.Interval,
	}, nil
}

// Harness repeats single-provider dispatches and collects statistics.
type Harness struct {
	dispatcher Dispatcher
	opts       Options
	log        logrus.FieldLogger
	now        func() time.Time
}

// New constructs a harness. Rounds below one fall back to DefaultRounds.
func New(d Dispatcher, opts Options) *Harness {
	if opts.Rounds <= 0 {
		opts.Rounds = DefaultRounds
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Harness{dispatcher: d, opts: opts, log: log, now: time.Now}
}

// Run executes every round, one dispatch per provider per round. Call
// failures never abort the run. When the run timeout expires the report
// covers the samples gathered so far and TimedOut is set; when ctx itself is
// cancelled Cancelled is set instead. The returned error is reserved for
// invalid input.
func (h *Harness) Run(ctx context.Context, providers []string) (Report, error) {
	if len(providers) == 0 {
		return Report{}, ErrNoProviders
	}
	if err := h.opts.Prompt.Validate(); err != nil {
		return Report{}, fmt.Errorf("benchmark prompt: %w", err)
	}

	started := h.now()
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if h.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, h.opts.Timeout)
	}
	defer cancel()

	limit := rate.Inf
	if h.opts.Interval > 0 {
		limit = rate.Every(h.opts.Interval)
	}
	limiter := rate.NewLimiter(limit, 1)

	collectors := make([]*collector, len(providers))
	for i, name := range providers {
		collectors[i] = &collector{provider: name}
	}

	report := Report{}
rounds:
	for round := 0; round < h.opts.Rounds; round++ {
		// Wait also fails early when the next slot lies beyond the run deadline.
		if err := limiter.Wait(runCtx); err != nil {
			report.interrupted(ctx)
			break
		}

		for i, name := range providers {
			result, err := h.dispatcher.Dispatch(runCtx, h.request(name))
			if err != nil {
				return Report{}, fmt.Errorf("benchmark %s: %w", name, err)
			}
			if runCtx.Err() != nil || len(result.Completions) == 0 {
				// The run was cut short; this sample says nothing about the provider.
				report.interrupted(ctx)
				break rounds
			}

			completion := result.Completions[0]
			collectors[i].record(completion)
			h.log.WithFields(logrus.Fields{
				"request_id": result.RequestID,
				"provider":   name,
				"round":      round + 1,
				"outcome":    completion.Outcome,
				"latency_ms": completion.Latency.Milliseconds(),
				"event":      "benchmark_sample",
			}).Debug("benchmark sample recorded")
		}
		report.Rounds++
	}

	total, successes := 0, 0
	for _, c := range collectors {
		stats := c.stats()
		total += stats.Attempts
		successes += stats.Successes
		report.Providers = append(report.Providers, stats)
	}
	if total > 0 {
		report.SuccessRate = float64(successes) / float64(total)
	}
	report.Elapsed = models.Duration(h.now().Sub(started))

	h.log.WithFields(logrus.Fields{
		"rounds":       report.Rounds,
		"timed_out":    report.TimedOut,
		"cancelled":    report.Cancelled,
		"success_rate": report.SuccessRate,
		"event":        "benchmark_done",
	}).Info("benchmark finished")
	return report, nil
}

func (h *Harness) request(provider string) models.RequestConfig {
	return models.RequestConfig{
		Prompt:     h.opts.Prompt,
		Providers:  []string{provider},
		Timeout:    h.opts.CallTimeout,
		MaxRetries: h.opts.MaxRetries,
		Mode:       models.ModeSequentialFallback,
		Stream:     h.opts.Stream,
	}
}
