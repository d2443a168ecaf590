package ollama

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

// DefaultBaseURL targets a local Ollama daemon.
const DefaultBaseURL = "http://localhost:11434"

// Provider talks to the Ollama chat API. Streams are newline-delimited JSON.
type Provider struct {
	name      string
	endpoint  provider.Endpoint
	maxTokens int
	headers   map[string]string
}

func New(name string, cfg config.ProviderConfig) (*Provider, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("provider name must not be empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("ollama provider %q requires a model", name)
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
		maxTokens: cfg.MaxTokens,
		headers:   cfg.Headers,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *requestOptions `json:"options,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

func (p *Provider) Encode(prompt models.Prompt, opts provider.CallOptions) (transport.Request, error) {
	endpoint := p.endpoint.Resolve(opts)

	turns := prompt.Turns()
	messages := make([]message, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, message{Role: string(turn.Role), Content: turn.Content})
	}

	params := prompt.Params()
	numPredict := params.MaxTokens
	if numPredict == 0 {
		numPredict = p.maxTokens
	}

	req := chatRequest{
		Model:    endpoint.Model,
		Messages: messages,
		Stream:   opts.Stream,
	}
	if params.Temperature != nil || numPredict > 0 || len(params.Stop) > 0 {
		req.Options = &requestOptions{
			Temperature: params.Temperature,
			NumPredict:  numPredict,
			Stop:        params.Stop,
		}
	}

	headers := map[string]string{}
	if endpoint.APIKey != "" {
		headers["Authorization"] = "Bearer " + endpoint.APIKey
	}
	if opts.Stream {
		headers["Accept"] = "application/x-ndjson"
	}
	for k, v := range p.headers {
		headers[k] = v
	}

	return provider.JSONRequest(endpoint.BaseURL+"/api/chat", req, opts, headers)
}

type chatResponse struct {
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
	Error           string  `json:"error,omitempty"`
}

func (r chatResponse) usage() *models.Usage {
	if r.PromptEvalCount == 0 && r.EvalCount == 0 {
		return nil
	}
	return &models.Usage{
		InputTokens:  r.PromptEvalCount,
		OutputTokens: r.EvalCount,
		TotalTokens:  r.PromptEvalCount + r.EvalCount,
	}
}

func (p *Provider) Decode(resp transport.RawResponse) (provider.Reply, error) {
	var decoded chatResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return provider.Reply{}, fmt.Errorf("decode ollama response: %w", err)
	}
	if decoded.Error != "" {
		return provider.Reply{}, fmt.Errorf("ollama error: %s", decoded.Error)
	}
	return provider.Reply{Text: decoded.Message.Content, Usage: decoded.usage()}, nil
}

func (p *Provider) ClassifyStatus(status int, header http.Header, body []byte) *models.Failure {
	return provider.ClassifyStatus(status, header, body)
}

func (p *Provider) NewStreamDecoder() provider.StreamDecoder {
	return &streamDecoder{}
}

type streamDecoder struct {
	lines provider.LineBuffer
	done  bool
}

func (d *streamDecoder) Feed(frame transport.RawFrame) ([]provider.Delta, error) {
	lines, err := d.lines.Feed(frame)
	deltas, derr := d.decodeLines(lines)
	if derr != nil {
		return deltas, derr
	}
	return deltas, err
}

func (d *streamDecoder) Finish() ([]provider.Delta, error) {
	var lines []string
	if rest := d.lines.Flush(); rest != "" {
		lines = append(lines, rest)
	}
	deltas, err := d.decodeLines(lines)
	if err != nil {
		return deltas, err
	}
	if !d.done {
		return deltas, provider.ErrIncompleteStream
	}
	return deltas, nil
}

func (d *streamDecoder) decodeLines(lines []string) ([]provider.Delta, error) {
	var deltas []provider.Delta
	for _, line := range lines {
		if d.done {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return deltas, fmt.Errorf("decode ollama stream line: %w", err)
		}
		if chunk.Error != "" {
			return deltas, models.NewFailure(models.FailureTransientServerError, "ollama stream error: %s", chunk.Error)
		}

		delta := provider.Delta{Text: chunk.Message.Content}
		if chunk.Done {
			d.done = true
			delta.Done = true
			delta.Usage = chunk.usage()
		}
		if delta.Text != "" || delta.Done {
			deltas = append(deltas, delta)
		}
	}
	return deltas, nil
}
