package openai

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

// DefaultBaseURL is used when the configuration leaves base_url empty.
const DefaultBaseURL = "https://api.openai.com/v1"

const doneMarker = "[DONE]"

// Provider implements the Adapter interface for OpenAI-compatible chat completion APIs.
type Provider struct {
	name         string
	endpoint     provider.Endpoint
	organization string
	maxTokens    int
	headers      map[string]string
}

// New creates a new OpenAI adapter.
func New(name string, cfg config.ProviderConfig) (*Provider, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("provider name must not be empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("openai provider %q requires a model", name)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Provider{
		name: name,
		endpoint: provider.Endpoint{
			BaseURL: baseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		},
		organization: cfg.Organization,
		maxTokens:    cfg.MaxTokens,
		headers:      cfg.Headers,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Encode(prompt models.Prompt, opts provider.CallOptions) (transport.Request, error) {
	endpoint := p.endpoint.Resolve(opts)
	payload := buildChatPayload(endpoint.Model, prompt, opts.Stream, p.maxTokens)

	headers := map[string]string{}
	if endpoint.APIKey != "" {
		headers["Authorization"] = "Bearer " + endpoint.APIKey
	}
	if p.organization != "" {
		headers["OpenAI-Organization"] = p.organization
	}
	if opts.Stream {
		headers["Accept"] = "text/event-stream"
	}
	for k, v := range p.headers {
		headers[k] = v
	}

	return provider.JSONRequest(endpoint.BaseURL+"/chat/completions", payload, opts, headers)
}

type chatPayload struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	Stop          []string        `json:"stop,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildChatPayload(model string, prompt models.Prompt, stream bool, defaultMaxTokens int) chatPayload {
	turns := prompt.Turns()
	messages := make([]openAIMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, openAIMessage{Role: string(turn.Role), Content: turn.Content})
	}

	params := prompt.Params()
	payload := chatPayload{
		Model:       model,
		Messages:    messages,
		Stream:      stream,
		Temperature: params.Temperature,
		Stop:        params.Stop,
	}
	if stream {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	if maxTokens > 0 {
		payload.MaxTokens = &maxTokens
	}
	return payload
}

type chatResponse struct {
	ID      string          `json:"id"`
	Choices []chatChoice    `json:"choices"`
	Usage   *usageBlock     `json:"usage,omitempty"`
	Error   *apiErrorObject `json:"error,omitempty"`
}

type chatChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usageBlock) toModel() *models.Usage {
	if u == nil {
		return nil
	}
	return &models.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (p *Provider) Decode(resp transport.RawResponse) (provider.Reply, error) {
	var decoded chatResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return provider.Reply{}, fmt.Errorf("decode openai response: %w", err)
	}
	if decoded.Error != nil {
		return provider.Reply{}, fmt.Errorf("openai error (%s): %s", decoded.Error.Type, decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return provider.Reply{}, errors.New("openai response did not include choices")
	}

	return provider.Reply{
		Text:  decoded.Choices[0].Message.Content,
		Usage: decoded.Usage.toModel(),
	}, nil
}

// ClassifyStatus treats an exhausted quota as a non-retryable request error;
// every other status follows the shared mapping.
func (p *Provider) ClassifyStatus(status int, header http.Header, body []byte) *models.Failure {
	failure := provider.ClassifyStatus(status, header, body)
	if status == http.StatusTooManyRequests {
		if env, ok := provider.ParseErrorEnvelope(body); ok && (env.Code == "insufficient_quota" || env.Type == "insufficient_quota") {
			failure.Kind = models.FailureInvalidRequest
			failure.RetryAfter = 0
		}
	}
	return failure
}

func (p *Provider) NewStreamDecoder() provider.StreamDecoder {
	return &streamDecoder{}
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usageBlock     `json:"usage,omitempty"`
	Error *apiErrorObject `json:"error,omitempty"`
}

type streamDecoder struct {
	sse  provider.SSEBuffer
	done bool
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
		if data == doneMarker {
			d.done = true
			deltas = append(deltas, provider.Delta{Done: true})
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return deltas, fmt.Errorf("decode openai stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return deltas, models.NewFailure(models.FailureTransientServerError, "openai stream error (%s): %s", chunk.Error.Type, chunk.Error.Message)
		}

		delta := provider.Delta{Usage: chunk.Usage.toModel()}
		if len(chunk.Choices) > 0 {
			delta.Text = chunk.Choices[0].Delta.Content
		}
		if delta.Text != "" || delta.Usage != nil {
			deltas = append(deltas, delta)
		}
	}
	return deltas, nil
}
