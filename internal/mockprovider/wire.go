package mockprovider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

var (
	errEmptyModel    = errors.New("model must be provided")
	errEmptyMessages = errors.New("at least one message is required")
	errInvalidRole   = errors.New("invalid role")
	errEmptyContent  = errors.New("message content must not be empty")
)

// message is the role/content pair shared by every supported protocol.
type message struct {
	Role    string   `json:"role"`
	Content textBody `json:"content"`
}

// textBody accepts either a plain string or an array of {"type":"text","text":...}
// blocks and keeps the concatenated text.
type textBody string

func (t *textBody) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*t = ""
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = textBody(single)
		return nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of text blocks: %w", err)
	}
	var sb strings.Builder
	for _, block := range blocks {
		if block.Type != "" && block.Type != "text" {
			return fmt.Errorf("unsupported content block type %q", block.Type)
		}
		sb.WriteString(block.Text)
	}
	*t = textBody(sb.String())
	return nil
}

func validateMessages(msgs []message, allowSystem bool) error {
	if len(msgs) == 0 {
		return errEmptyMessages
	}
	for i, m := range msgs {
		switch m.Role {
		case "user", "assistant":
		case "system":
			if !allowSystem {
				return fmt.Errorf("messages[%d]: %w: system turns belong in the system field", i, errInvalidRole)
			}
		default:
			return fmt.Errorf("messages[%d]: %w: %q", i, errInvalidRole, m.Role)
		}
		if strings.TrimSpace(string(m.Content)) == "" {
			return fmt.Errorf("messages[%d]: %w", i, errEmptyContent)
		}
	}
	return nil
}

// lastUser returns the content of the final user turn.
func lastUser(msgs []message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return string(msgs[i].Content)
		}
	}
	return ""
}

func promptTokens(system string, msgs []message) int {
	n := len(strings.Fields(system))
	for _, m := range msgs {
		n += len(strings.Fields(string(m.Content)))
	}
	return n
}

type openAIRequest struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	Stream    bool      `json:"stream"`
	MaxTokens *int      `json:"max_tokens"`
}

func (r openAIRequest) validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return errEmptyModel
	}
	return validateMessages(r.Messages, true)
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	System    textBody  `json:"system"`
	Messages  []message `json:"messages"`
	Stream    bool      `json:"stream"`
	MaxTokens int       `json:"max_tokens"`
}

func (r anthropicRequest) validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return errEmptyModel
	}
	if r.MaxTokens <= 0 {
		return errors.New("max_tokens must be positive")
	}
	return validateMessages(r.Messages, false)
}

type ollamaRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	// Ollama streams unless told otherwise.
	Stream  *bool `json:"stream"`
	Options struct {
		NumPredict int `json:"num_predict"`
	} `json:"options"`
}

func (r ollamaRequest) validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return errEmptyModel
	}
	return validateMessages(r.Messages, true)
}

func (r ollamaRequest) streaming() bool {
	return r.Stream == nil || *r.Stream
}
