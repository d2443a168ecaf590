package benchmark

import (
	"context"
	"math"
	"slices"
	"time"

	"llmdispatch/internal/models"
)

// Report aggregates a benchmark run. Rounds counts fully completed rounds.
// TimedOut and Cancelled are exclusive: the first means the run timeout
// expired, the second that the caller's context ended.
type Report struct {
	Rounds      int             `json:"rounds" yaml:"rounds"`
	Elapsed     models.Duration `json:"elapsed_ms" yaml:"elapsed_ms"`
	TimedOut    bool            `json:"timed_out" yaml:"timed_out"`
	Cancelled   bool            `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	Providers   []ProviderStats `json:"providers" yaml:"providers"`
	SuccessRate float64         `json:"success_rate" yaml:"success_rate"`
}

// interrupted records why the run stopped early. parent is the caller's
// context, not the one carrying the run timeout.
func (r *Report) interrupted(parent context.Context) {
	if parent.Err() != nil {
		r.Cancelled = true
		return
	}
	r.TimedOut = true
}

// ProviderStats summarises every call made to one provider. Latency
// distributions only contain successful calls.
type ProviderStats struct {
	Provider    string                     `json:"provider" yaml:"provider"`
	Attempts    int                        `json:"attempts" yaml:"attempts"`
	Successes   int                        `json:"successes" yaml:"successes"`
	Failures    map[models.FailureKind]int `json:"failures,omitempty" yaml:"failures,omitempty"`
	SuccessRate float64                    `json:"success_rate" yaml:"success_rate"`
	Latency     Distribution               `json:"latency" yaml:"latency"`
	FirstByte   Distribution               `json:"first_byte" yaml:"first_byte"`
}

// Distribution describes a latency sample set. P95 uses the nearest-rank method.
type Distribution struct {
	Samples int             `json:"samples" yaml:"samples"`
	Min     models.Duration `json:"min_ms" yaml:"min_ms"`
	Mean    models.Duration `json:"mean_ms" yaml:"mean_ms"`
	P95     models.Duration `json:"p95_ms" yaml:"p95_ms"`
	Max     models.Duration `json:"max_ms" yaml:"max_ms"`
}

// Passed reports whether the overall success rate reaches threshold. A run
// without any recorded call never passes.
func (r Report) Passed(threshold float64) bool {
	total := 0
	for _, p := range r.Providers {
		total += p.Attempts
	}
	if total == 0 {
		return false
	}
	// Tolerate float noise such as 0.1+0.2.
	return r.SuccessRate+1e-9 >= threshold
}

// Stats returns the entry for provider.
func (r Report) Stats(provider string) (ProviderStats, bool) {
	for _, p := range r.Providers {
		if p.Provider == provider {
			return p, true
		}
	}
	return ProviderStats{}, false
}

// NewDistribution computes the summary of samples. The input is not modified.
func NewDistribution(samples []time.Duration) Distribution {
	if len(samples) == 0 {
		return Distribution{}
	}

	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, s := range sorted {
		sum += s
	}
	rank := int(math.Ceil(0.95 * float64(len(sorted))))

	return Distribution{
		Samples: len(sorted),
		Min:     models.Duration(sorted[0]),
		Mean:    models.Duration(sum / time.Duration(len(sorted))),
		P95:     models.Duration(sorted[max(rank, 1)-1]),
		Max:     models.Duration(sorted[len(sorted)-1]),
	}
}

type collector struct {
	provider  string
	attempts  int
	successes int
	failures  map[models.FailureKind]int
	latency   []time.Duration
	firstByte []time.Duration
}

func (c *collector) record(completion models.Completion) {
	c.attempts++
	if completion.Succeeded() {
		c.successes++
		c.latency = append(c.latency, completion.Latency.Std())
		c.firstByte = append(c.firstByte, completion.FirstByte.Std())
		return
	}
	if c.failures == nil {
		c.failures = make(map[models.FailureKind]int)
	}
	c.failures[completion.Failure]++
}

func (c *collector) stats() ProviderStats {
	s := ProviderStats{
		Provider:  c.provider,
		Attempts:  c.attempts,
		Successes: c.successes,
		Failures:  c.failures,
		Latency:   NewDistribution(c.latency),
		FirstByte: NewDistribution(c.firstByte),
	}
	if c.attempts > 0 {
		s.SuccessRate = float64(c.successes) / float64(c.attempts)
	}
	return s
}
