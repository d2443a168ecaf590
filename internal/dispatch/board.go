package dispatch

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"llmdispatch/internal/models"
	"llmdispatch/internal/provider"
)

type slot struct {
	completion models.Completion
	started    time.Time
	final      bool
}

// board holds one slot per targeted provider, indexed by submission order.
// Once frozen it ignores further updates from calls that outlived the dispatch.
type board struct {
	mu     sync.Mutex
	slots  []slot
	frozen bool
	now    func() time.Time
	log    logrus.FieldLogger
}

func newBoard(providers []string, now func() time.Time, log logrus.FieldLogger) *board {
	slots := make([]slot, len(providers))
	for i, name := range providers {
		slots[i].completion = models.Completion{Provider: name, State: models.StatePending}
	}
	return &board{slots: slots, now: now, log: log}
}

// transition moves a live call between non-terminal states. Terminal states
// are only entered through succeed, fail and finalize.
func (b *board) transition(idx int, state models.CallState, attempts int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.slots[idx]
	if b.frozen || s.final || state.Terminal() {
		return
	}
	if s.started.IsZero() {
		s.started = b.now()
	}
	from := s.completion.State
	s.completion.State = state
	s.completion.Attempts = attempts

	b.log.WithFields(logrus.Fields{
		"provider": s.completion.Provider,
		"attempt":  attempts,
		"from":     from,
		"to":       state,
		"event":    "call_transition",
	}).Debug("call state changed")
}

func (b *board) succeed(idx int, result provider.Result, attempts int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.slots[idx]
	if b.frozen || s.final {
		return
	}
	s.final = true
	s.completion.Outcome = models.OutcomeSuccess
	s.completion.State = models.StateSucceeded
	s.completion.Attempts = attempts
	s.completion.Text = result.Text
	s.completion.Usage = result.Usage
	s.completion.FirstByte = models.Duration(result.FirstByte)
	s.completion.Latency = models.Duration(b.now().Sub(s.started))
}

func (b *board) fail(idx int, failure *models.Failure, result provider.Result, attempts int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.slots[idx]
	if b.frozen || s.final {
		return
	}
	s.final = true
	s.completion.Outcome = models.OutcomeFailure
	s.completion.State = models.StateFailed
	s.completion.Failure = failure.Kind
	s.completion.Error = failure.Error()
	s.completion.Attempts = attempts
	s.completion.Text = result.Text
	s.completion.FirstByte = models.Duration(result.FirstByte)
	s.completion.Latency = models.Duration(b.now().Sub(s.started))
}

// skip records a call that was never started. Its state stays pending.
func (b *board) skip(idx int, kind models.FailureKind, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.slots[idx]
	if b.frozen || s.final {
		return
	}
	s.final = true
	s.completion.Outcome = models.OutcomeFailure
	s.completion.Failure = kind
	s.completion.Error = reason
}

// finalize freezes the board and fails every slot that has not terminated.
func (b *board) finalize(kind models.FailureKind, reason string) []models.Completion {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frozen = true
	out := make([]models.Completion, len(b.slots))
	for i := range b.slots {
		s := &b.slots[i]
		if !s.final {
			s.final = true
			s.completion.Outcome = models.OutcomeFailure
			s.completion.Failure = kind
			s.completion.Error = reason
			if !s.started.IsZero() {
				s.completion.State = models.StateFailed
				s.completion.Latency = models.Duration(b.now().Sub(s.started))
			}
		}
		out[i] = s.completion
	}
	return out
}
