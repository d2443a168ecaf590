package models

import (
	"strconv"
	"time"
)

// Chunk is one increment of streamed output from a provider call attempt.
type Chunk struct {
	Provider string `json:"provider" yaml:"provider"`
	Attempt  int    `json:"attempt" yaml:"attempt"`
	Index    int    `json:"index" yaml:"index"`
	Delta    string `json:"delta" yaml:"delta"`
	Terminal bool   `json:"terminal" yaml:"terminal"`
}

// Usage records token accounting reported by a provider.
type Usage struct {
	InputTokens  int `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int `json:"output_tokens" yaml:"output_tokens"`
	TotalTokens  int `json:"total_tokens" yaml:"total_tokens"`
}

// Outcome is the terminal result of one provider call.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// CallState tracks a provider call through dispatch.
type CallState string

const (
	StatePending   CallState = "pending"
	StateInFlight  CallState = "in_flight"
	StateRetrying  CallState = "retrying"
	StateSucceeded CallState = "succeeded"
	StateFailed    CallState = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s CallState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Completion is the assembled result of one provider call, retries included.
type Completion struct {
	Provider  string      `json:"provider" yaml:"provider"`
	Outcome   Outcome     `json:"outcome" yaml:"outcome"`
	Failure   FailureKind `json:"failure,omitempty" yaml:"failure,omitempty"`
	Error     string      `json:"error,omitempty" yaml:"error,omitempty"`
	Text      string      `json:"text" yaml:"text"`
	Latency   Duration    `json:"latency_ms" yaml:"latency_ms"`
	FirstByte Duration    `json:"first_byte_ms" yaml:"first_byte_ms"`
	Usage     *Usage      `json:"usage,omitempty" yaml:"usage,omitempty"`
	Attempts  int         `json:"attempts" yaml:"attempts"`
	State     CallState   `json:"state" yaml:"state"`
}

// Succeeded reports whether the call terminated successfully.
func (c Completion) Succeeded() bool {
	return c.Outcome == OutcomeSuccess
}

// OverallOutcome summarises a dispatch across all targeted providers.
type OverallOutcome string

const (
	OverallAllSucceeded OverallOutcome = "all-succeeded"
	OverallPartial      OverallOutcome = "partial"
	OverallAllFailed    OverallOutcome = "all-failed"
)

// ClientResult is the merged result of one dispatch, ordered by provider submission order.
type ClientResult struct {
	RequestID   string         `json:"request_id" yaml:"request_id"`
	Mode        Mode           `json:"mode" yaml:"mode"`
	Outcome     OverallOutcome `json:"outcome" yaml:"outcome"`
	Completions []Completion   `json:"completions" yaml:"completions"`
	Elapsed     Duration       `json:"elapsed_ms" yaml:"elapsed_ms"`
}

// First returns the first successful completion in submission order.
func (r ClientResult) First() (Completion, bool) {
	for _, c := range r.Completions {
		if c.Succeeded() {
			return c, true
		}
	}
	return Completion{}, false
}

// SummariseOutcome computes the overall outcome for mode.
func SummariseOutcome(mode Mode, completions []Completion) OverallOutcome {
	succeeded := 0
	for _, c := range completions {
		if c.Succeeded() {
			succeeded++
		}
	}

	switch {
	case succeeded == 0:
		return OverallAllFailed
	case mode == ModeSequentialFallback:
		return OverallAllSucceeded
	case succeeded == len(completions):
		return OverallAllSucceeded
	default:
		return OverallPartial
	}
}

// Duration is a time.Duration rendered as fractional milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Milliseconds returns the duration in fractional milliseconds.
func (d Duration) Milliseconds() float64 {
	return float64(d) / float64(time.Millisecond)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, d.Milliseconds(), 'f', 3, 64), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*d = Duration(ms * float64(time.Millisecond))
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Milliseconds(), nil
}
