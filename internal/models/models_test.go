package models

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestNewPrompt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		turns   []Turn
		wantErr error
	}{
		{name: "empty", wantErr: ErrEmptyPrompt},
		{name: "user only", turns: []Turn{{Role: RoleUser, Content: "hi"}}},
		{name: "system first", turns: []Turn{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "hi"}}},
		{name: "system second", turns: []Turn{{Role: RoleUser, Content: "hi"}, {Role: RoleSystem, Content: "be brief"}}, wantErr: ErrSystemNotFirst},
		{name: "two systems", turns: []Turn{{Role: RoleSystem, Content: "a"}, {Role: RoleSystem, Content: "b"}}, wantErr: ErrMultipleSystem},
		{name: "unknown role", turns: []Turn{{Role: "tool", Content: "x"}}, wantErr: ErrInvalidRole},
		{name: "blank content", turns: []Turn{{Role: RoleUser, Content: "  "}}, wantErr: ErrEmptyTurn},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewPrompt(tc.turns, Params{})
			if tc.wantErr == nil && err != nil {
				t.Fatalf("NewPrompt: unexpected error %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("NewPrompt error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestPromptIsImmutable(t *testing.T) {
	t.Parallel()

	temperature := 0.5
	turns := []Turn{{Role: RoleUser, Content: "hello"}}
	params := Params{Temperature: &temperature, Stop: []string{"END"}}

	prompt, err := NewPrompt(turns, params)
	if err != nil {
		t.Fatalf("NewPrompt: %v", err)
	}

	turns[0].Content = "mutated"
	temperature = 2
	params.Stop[0] = "mutated"

	got := prompt.Turns()
	if got[0].Content != "hello" {
		t.Errorf("turn content = %q, want hello", got[0].Content)
	}
	got[0].Content = "again"
	if prompt.Turns()[0].Content != "hello" {
		t.Error("Turns() exposed internal slice")
	}
	if *prompt.Params().Temperature != 0.5 {
		t.Errorf("temperature = %v, want 0.5", *prompt.Params().Temperature)
	}
	if prompt.Params().Stop[0] != "END" {
		t.Errorf("stop = %v, want [END]", prompt.Params().Stop)
	}
}

func TestPromptSystemAndConversation(t *testing.T) {
	t.Parallel()

	prompt, err := UserPrompt("be brief", "hi", Params{})
	if err != nil {
		t.Fatalf("UserPrompt: %v", err)
	}
	system, ok := prompt.System()
	if !ok || system != "be brief" {
		t.Errorf("System() = %q, %v", system, ok)
	}
	if conv := prompt.Conversation(); len(conv) != 1 || conv[0].Role != RoleUser {
		t.Errorf("Conversation() = %+v", conv)
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for input, want := range map[string]Mode{
		"parallel":            ModeParallel,
		"Sequential-Fallback": ModeSequentialFallback,
		"fallback":            ModeSequentialFallback,
	} {
		got, err := ParseMode(input)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	if _, err := ParseMode("round-robin"); err == nil {
		t.Error("ParseMode(round-robin) should fail")
	}
}

func TestFailureKindRetryable(t *testing.T) {
	t.Parallel()

	retryable := map[FailureKind]bool{
		FailureTimeout:              true,
		FailureRateLimited:          true,
		FailureTransientServerError: true,
		FailureAuthError:            false,
		FailureInvalidRequest:       false,
		FailureDecodeError:          false,
		FailureConnectionError:      false,
		FailureCancelled:            false,
	}
	for kind, want := range retryable {
		if got := kind.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", kind, got, want)
		}
	}
}

func TestSummariseOutcome(t *testing.T) {
	t.Parallel()

	ok := Completion{Outcome: OutcomeSuccess}
	bad := Completion{Outcome: OutcomeFailure}

	cases := []struct {
		mode        Mode
		completions []Completion
		want        OverallOutcome
	}{
		{ModeParallel, []Completion{ok, ok}, OverallAllSucceeded},
		{ModeParallel, []Completion{ok, bad}, OverallPartial},
		{ModeParallel, []Completion{bad, bad}, OverallAllFailed},
		{ModeSequentialFallback, []Completion{bad, ok}, OverallAllSucceeded},
		{ModeSequentialFallback, []Completion{bad, bad}, OverallAllFailed},
	}
	for _, tc := range cases {
		if got := SummariseOutcome(tc.mode, tc.completions); got != tc.want {
			t.Errorf("SummariseOutcome(%s, ...) = %s, want %s", tc.mode, got, tc.want)
		}
	}
}

func TestDurationRendersMilliseconds(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Completion{Provider: "a", Latency: Duration(1500 * time.Microsecond)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["latency_ms"] != 1.5 {
		t.Errorf("latency_ms = %v, want 1.5", decoded["latency_ms"])
	}
}
