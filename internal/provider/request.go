package provider

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"llmdispatch/internal/transport"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "llmdispatch/0.1"
)

// Endpoint is the per-attempt routing data after overrides are applied.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Resolve applies the non-empty fields of opts.Override on top of defaults.
func (e Endpoint) Resolve(opts CallOptions) Endpoint {
	if v := strings.TrimSpace(opts.Override.BaseURL); v != "" {
		e.BaseURL = v
	}
	if v := strings.TrimSpace(opts.Override.APIKey); v != "" {
		e.APIKey = v
	}
	if v := strings.TrimSpace(opts.Override.Model); v != "" {
		e.Model = v
	}
	e.BaseURL = strings.TrimRight(e.BaseURL, "/")
	return e
}

// JSONRequest marshals payload into a POST request carrying the common headers
// plus extra. Extra headers are applied last so configuration can override them.
func JSONRequest(url string, payload any, opts CallOptions, extra map[string]string) (transport.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return transport.Request{}, fmt.Errorf("marshal payload: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", contentTypeJSON)
	header.Set("Accept", contentTypeJSON)
	header.Set("User-Agent", userAgent)
	for k, v := range extra {
		header.Set(k, v)
	}

	return transport.Request{
		Method:   http.MethodPost,
		URL:      url,
		Header:   header,
		Body:     body,
		Timeouts: opts.Timeouts,
	}, nil
}
