package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEmptyPrompt indicates a prompt without any turns.
	ErrEmptyPrompt = errors.New("prompt must contain at least one turn")
	// ErrSystemNotFirst indicates a system turn placed after another turn.
	ErrSystemNotFirst = errors.New("system turn must be the first turn")
	// ErrMultipleSystem indicates more than one system turn.
	ErrMultipleSystem = errors.New("prompt may contain at most one system turn")
	// ErrInvalidRole indicates a turn with an unknown role.
	ErrInvalidRole = errors.New("invalid role")
	// ErrEmptyTurn indicates a turn with blank content.
	ErrEmptyTurn = errors.New("turn content must not be empty")
)

// Role tags a turn in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single role-tagged message.
type Turn struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Params carries generation parameters shared by every provider.
type Params struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// Prompt is an immutable, validated conversation plus generation parameters.
// Construct it with NewPrompt; the zero value is an empty (invalid) prompt.
type Prompt struct {
	turns  []Turn
	params Params
}

// NewPrompt validates turns and returns a Prompt owning private copies of its inputs.
func NewPrompt(turns []Turn, params Params) (Prompt, error) {
	p := Prompt{
		turns:  append([]Turn(nil), turns...),
		params: cloneParams(params),
	}
	if err := p.Validate(); err != nil {
		return Prompt{}, err
	}
	return p, nil
}

// UserPrompt is a convenience constructor for an optional system turn followed by one user turn.
func UserPrompt(system, user string, params Params) (Prompt, error) {
	var turns []Turn
	if strings.TrimSpace(system) != "" {
		turns = append(turns, Turn{Role: RoleSystem, Content: system})
	}
	turns = append(turns, Turn{Role: RoleUser, Content: user})
	return NewPrompt(turns, params)
}

// Validate checks the turn sequence invariants.
func (p Prompt) Validate() error {
	if len(p.turns) == 0 {
		return ErrEmptyPrompt
	}

	for i, turn := range p.turns {
		switch turn.Role {
		case RoleSystem:
			if i != 0 {
				for _, earlier := range p.turns[:i] {
					if earlier.Role == RoleSystem {
						return ErrMultipleSystem
					}
				}
				return ErrSystemNotFirst
			}
		case RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("%w: %q at turn %d", ErrInvalidRole, turn.Role, i)
		}
		if strings.TrimSpace(turn.Content) == "" {
			return fmt.Errorf("%w: turn %d", ErrEmptyTurn, i)
		}
	}

	if p.params.MaxTokens < 0 {
		return fmt.Errorf("max tokens must not be negative, got %d", p.params.MaxTokens)
	}
	return nil
}

// Turns returns a copy of the turn sequence.
func (p Prompt) Turns() []Turn {
	return append([]Turn(nil), p.turns...)
}

// Params returns a copy of the generation parameters.
func (p Prompt) Params() Params {
	return cloneParams(p.params)
}

// System returns the system turn content, if any.
func (p Prompt) System() (string, bool) {
	if len(p.turns) > 0 && p.turns[0].Role == RoleSystem {
		return p.turns[0].Content, true
	}
	return "", false
}

// Conversation returns the turns following the optional system turn.
func (p Prompt) Conversation() []Turn {
	if _, ok := p.System(); ok {
		return append([]Turn(nil), p.turns[1:]...)
	}
	return p.Turns()
}

func cloneParams(params Params) Params {
	out := params
	if params.Temperature != nil {
		v := *params.Temperature
		out.Temperature = &v
	}
	if params.Stop != nil {
		out.Stop = append([]string(nil), params.Stop...)
	}
	return out
}

// Mode selects how a request fans out across providers.
type Mode string

const (
	ModeParallel           Mode = "parallel"
	ModeSequentialFallback Mode = "sequential-fallback"
)

// ParseMode converts a user supplied mode name.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeParallel:
		return ModeParallel, nil
	case ModeSequentialFallback, "sequential", "fallback":
		return ModeSequentialFallback, nil
	default:
		return "", fmt.Errorf("mode %q must be one of %q or %q", value, ModeParallel, ModeSequentialFallback)
	}
}

// Override replaces a provider's configured credential, endpoint or model for one request.
type Override struct {
	APIKey  string
	BaseURL string
	Model   string
}

// RequestConfig is the validated input of one dispatch. It is passed by value
// and never mutated by the engine.
type RequestConfig struct {
	Prompt    Prompt
	Providers []string
	Overrides map[string]Override

	// Timeout bounds the whole dispatch. Zero disables the global bound.
	Timeout time.Duration

	// MaxRetries is the number of retries allowed per provider call after the first attempt.
	MaxRetries int

	Mode Mode

	// MaxConcurrency bounds parallel fan-out. Zero means one worker per provider.
	MaxConcurrency int

	// Stream requests incremental output from providers.
	Stream bool
}
