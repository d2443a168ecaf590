package anthropic

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"llmdispatch/internal/config"
	"llmdispatch/internal/models"
	"llmdispatch/internal/provider"
	"llmdispatch/internal/transport"
)

const (
	// DefaultBaseURL is used when the configuration leaves base_url empty.
	DefaultBaseURL = "https://api.anthropic.com"

	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024

	// statusOverloaded is returned by the Messages API when capacity is exhausted.
	statusOverloaded = 529
)

// Provider implements Anthropic Messages API interactions.
type Provider struct {
	name      string
	endpoint  provider.Endpoint
	maxTokens int
	headers   map[string]string
}

// New constructs an Anthropic adapter.
func New(name string, cfg config.ProviderConfig) (*Provider, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("provider name must not be empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("anthropic provider %q requires a model", name)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Provider{
		name: name,
		endpoint: provider.Endpoint{
			BaseURL: baseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		},
		maxTokens: maxTokens,
		headers:   cfg.Headers,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Encode(prompt models.Prompt, opts provider.CallOptions) (transport.Request, error) {
	endpoint := p.endpoint.Resolve(opts)
	payload, err := buildMessagePayload(endpoint.Model, prompt, opts.Stream, p.maxTokens)
	if err != nil {
		return transport.Request{}, err
	}

	headers := map[string]string{
		"x-api-key":         endpoint.APIKey,
		"anthropic-version": apiVersion,
	}
	if opts.Stream {
		headers["Accept"] = "text/event-stream"
	}
	for k, v := range p.headers {
		headers[k] = v
	}

	return provider.JSONRequest(endpoint.BaseURL+"/v1/messages", payload, opts, headers)
}

type messagePayload struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildMessagePayload(model string, prompt models.Prompt, stream bool, defaultMax int) (messagePayload, error) {
	conversation := prompt.Conversation()
	if len(conversation) == 0 {
		return messagePayload{}, errors.New("anthropic requires at least one non-system message")
	}

	messages := make([]anthropicMessage, 0, len(conversation))
	for _, turn := range conversation {
		messages = append(messages, anthropicMessage{Role: string(turn.Role), Content: turn.Content})
	}

	params := prompt.Params()
	payload := messagePayload{
		Model:         model,
		Messages:      messages,
		MaxTokens:     defaultMax,
		Temperature:   params.Temperature,
		StopSequences: params.Stop,
		Stream:        stream,
	}
	if system, ok := prompt.System(); ok {
		payload.System = system
	}
	if params.MaxTokens > 0 {
		payload.MaxTokens = params.MaxTokens
	}
	return payload, nil
}

type messageResponse struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Content []contentBlock `json:"content"`
	Usage   *usageBlock    `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (p *Provider) Decode(resp transport.RawResponse) (provider.Reply, error) {
	var decoded messageResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return provider.Reply{}, fmt.Errorf("decode anthropic response: %w", err)
	}
	if decoded.Type == "error" {
		env, _ := provider.ParseErrorEnvelope(resp.Body)
		return provider.Reply{}, fmt.Errorf("anthropic error (%s): %s", env.Type, env.Message)
	}

	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	reply := provider.Reply{Text: text.String()}
	if decoded.Usage != nil {
		reply.Usage = &models.Usage{
			InputTokens:  decoded.Usage.InputTokens,
			OutputTokens: decoded.Usage.OutputTokens,
			TotalTokens:  decoded.Usage.InputTokens + decoded.Usage.OutputTokens,
		}
	}
	return reply, nil
}

func (p *Provider) ClassifyStatus(status int, header http.Header, body []byte) *models.Failure {
	failure := provider.ClassifyStatus(status, header, body)
	if status == statusOverloaded {
		failure.Kind = models.FailureTransientServerError
	}
	if env, ok := provider.ParseErrorEnvelope(body); ok {
		if kind, known := errorTypeKinds[env.Type]; known && status < 500 {
			failure.Kind = kind
		}
	}
	return failure
}

// errorTypeKinds maps Anthropic error types, which also arrive as in-stream
// error events, to failure kinds.
var errorTypeKinds = map[string]models.FailureKind{
	"overloaded_error":      models.FailureTransientServerError,
	"api_error":             models.FailureTransientServerError,
	"rate_limit_error":      models.FailureRateLimited,
	"authentication_error":  models.FailureAuthError,
	"permission_error":      models.FailureAuthError,
	"invalid_request_error": models.FailureInvalidRequest,
	"not_found_error":       models.FailureInvalidRequest,
	"request_too_large":     models.FailureInvalidRequest,
}

func (p *Provider) NewStreamDecoder() provider.StreamDecoder {
	return &streamDecoder{}
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *usageBlock `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *usageBlock `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type streamDecoder struct {
	sse    provider.SSEBuffer
	input  int
	output int
	done   bool
}

func (d *streamDecoder) Feed(frame transport.RawFrame) ([]provider.Delta, error) {
	events, err := d.sse.Feed(frame)
	deltas, derr := d.decodeEvents(events)
	if derr != nil {
		return deltas, derr
	}
	return deltas, err
}

func (d *streamDecoder) Finish() ([]provider.Delta, error) {
	deltas, err := d.decodeEvents(d.sse.Flush())
	if err != nil {
		return deltas, err
	}
	if !d.done {
		return deltas, provider.ErrIncompleteStream
	}
	return deltas, nil
}

func (d *streamDecoder) decodeEvents(events []provider.SSEEvent) ([]provider.Delta, error) {
	var deltas []provider.Delta
	for _, ev := range events {
		if d.done {
			break
		}
		data := strings.TrimSpace(ev.Data)
		if data == "" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return deltas, fmt.Errorf("decode anthropic %s event: %w", ev.Event, err)
		}
		kind := event.Type
		if kind == "" {
			kind = ev.Event
		}

		switch kind {
		case "message_start":
			if event.Message != nil && event.Message.Usage != nil {
				d.input = event.Message.Usage.InputTokens
				d.output = event.Message.Usage.OutputTokens
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				deltas = append(deltas, provider.Delta{Text: event.Delta.Text})
			}
		case "message_delta":
			if event.Usage != nil {
				d.output = event.Usage.OutputTokens
			}
		case "message_stop":
			d.done = true
			deltas = append(deltas, provider.Delta{Usage: d.usage(), Done: true})
		case "error":
			return deltas, streamError(event)
		}
	}
	return deltas, nil
}

func (d *streamDecoder) usage() *models.Usage {
	return &models.Usage{
		InputTokens:  d.input,
		OutputTokens: d.output,
		TotalTokens:  d.input + d.output,
	}
}

func streamError(event streamEvent) error {
	if event.Error == nil {
		return errors.New("anthropic stream error event without details")
	}
	kind, ok := errorTypeKinds[event.Error.Type]
	if !ok {
		kind = models.FailureTransientServerError
	}
	return models.NewFailure(kind, "anthropic stream error (%s): %s", event.Error.Type, event.Error.Message)
}
