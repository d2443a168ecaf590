package mockprovider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"llmdispatch/internal/config"
	"llmdispatch/internal/models"
	"llmdispatch/internal/provider"
	"llmdispatch/internal/provider/anthropic"
	"llmdispatch/internal/provider/ollama"
	"llmdispatch/internal/provider/openai"
	"llmdispatch/internal/transport"
)

func startMock(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func adapterFor(t *testing.T, kind, baseURL string, headers config.Headers) provider.Adapter {
	t.Helper()
	cfg := config.ProviderConfig{Kind: kind, BaseURL: baseURL, APIKey: "sk-test", Model: "mock-1", Headers: headers}
	var (
		a   provider.Adapter
		err error
	)
	switch kind {
	case config.KindOpenAI:
		cfg.BaseURL += "/v1"
		a, err = openai.New(kind, cfg)
	case config.KindAnthropic:
		a, err = anthropic.New(kind, cfg)
	case config.KindOllama:
		a, err = ollama.New(kind, cfg)
	}
	if err != nil {
		t.Fatalf("new %s adapter: %v", kind, err)
	}
	return a
}

func call(t *testing.T, a provider.Adapter, stream bool, timeouts transport.Timeouts) (provider.Result, *models.Failure) {
	t.Helper()
	prompt, err := models.UserPrompt("be terse", "ping pong", models.Params{})
	if err != nil {
		t.Fatalf("UserPrompt: %v", err)
	}
	tr := transport.NewHTTP(transport.Options{})
	t.Cleanup(tr.CloseIdle)
	return provider.Call(context.Background(), a, tr, prompt, provider.CallOptions{Stream: stream, Timeouts: timeouts}, nil)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := startMock(t, Options{})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestProtocolsRoundTrip(t *testing.T) {
	t.Parallel()

	srv := startMock(t, Options{})
	for _, kind := range []string{config.KindOpenAI, config.KindAnthropic, config.KindOllama} {
		for _, stream := range []bool{false, true} {
			t.Run(kind+map[bool]string{false: "/once", true: "/stream"}[stream], func(t *testing.T) {
				t.Parallel()

				result, failure := call(t, adapterFor(t, kind, srv.URL, nil), stream, transport.Timeouts{})
				if failure != nil {
					t.Fatalf("call failed: %v", failure)
				}
				if result.Text != "mock reply: ping pong" {
					t.Errorf("text = %q", result.Text)
				}
				if result.Usage == nil || result.Usage.OutputTokens != 4 {
					t.Errorf("usage = %+v", result.Usage)
				}
			})
		}
	}
}

func TestInjectedFailures(t *testing.T) {
	t.Parallel()

	srv := startMock(t, Options{})
	tests := []struct {
		name    string
		kind    string
		stream  bool
		headers config.Headers
		want    models.FailureKind
	}{
		{name: "openai rate limit", kind: config.KindOpenAI, headers: config.Headers{"X-Mock-Fail": "429"}, want: models.FailureRateLimited},
		{name: "openai quota", kind: config.KindOpenAI, headers: config.Headers{"X-Mock-Fail": "quota"}, want: models.FailureInvalidRequest},
		{name: "openai server error", kind: config.KindOpenAI, stream: true, headers: config.Headers{"X-Mock-Fail": "503"}, want: models.FailureTransientServerError},
		{name: "anthropic overloaded", kind: config.KindAnthropic, headers: config.Headers{"X-Mock-Fail": "529"}, want: models.FailureTransientServerError},
		{name: "anthropic bad request", kind: config.KindAnthropic, headers: config.Headers{"X-Mock-Fail": "400"}, want: models.FailureInvalidRequest},
		{name: "anthropic in-band error", kind: config.KindAnthropic, stream: true, headers: config.Headers{"X-Mock-Fail": "stream_error"}, want: models.FailureTransientServerError},
		{name: "ollama malformed body", kind: config.KindOllama, headers: config.Headers{"X-Mock-Fail": "malformed"}, want: models.FailureDecodeError},
		{name: "ollama in-band error", kind: config.KindOllama, stream: true, headers: config.Headers{"X-Mock-Fail": "stream_error"}, want: models.FailureTransientServerError},
		{name: "openai cut stream", kind: config.KindOpenAI, stream: true, headers: config.Headers{"X-Mock-Stream-Fail-After": "2"}, want: models.FailureDecodeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, failure := call(t, adapterFor(t, tt.kind, srv.URL, tt.headers), tt.stream, transport.Timeouts{})
			if failure == nil || failure.Kind != tt.want {
				t.Fatalf("failure = %v, want %s", failure, tt.want)
			}
		})
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	srv := startMock(t, Options{})
	_, failure := call(t, adapterFor(t, config.KindAnthropic, srv.URL, config.Headers{"X-Mock-Fail": "429"}), false, transport.Timeouts{})
	if failure == nil || failure.Kind != models.FailureRateLimited {
		t.Fatalf("failure = %v", failure)
	}
	if failure.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %s, want 1s", failure.RetryAfter)
	}
}

func TestCutStreamKeepsEmittedText(t *testing.T) {
	t.Parallel()

	srv := startMock(t, Options{})
	result, failure := call(t, adapterFor(t, config.KindOllama, srv.URL, config.Headers{"X-Mock-Stream-Fail-After": "2"}), true, transport.Timeouts{})
	if failure == nil || failure.Kind != models.FailureDecodeError {
		t.Fatalf("failure = %v", failure)
	}
	if result.Text != "mock reply:" {
		t.Errorf("text = %q, want the two deltas sent before the cut", result.Text)
	}
}

func TestAPIKeyEnforced(t *testing.T) {
	t.Parallel()

	srv := startMock(t, Options{APIKey: "sk-other"})
	for _, kind := range []string{config.KindOpenAI, config.KindAnthropic} {
		_, failure := call(t, adapterFor(t, kind, srv.URL, nil), false, transport.Timeouts{})
		if failure == nil || failure.Kind != models.FailureAuthError {
			t.Errorf("%s failure = %v, want auth_error", kind, failure)
		}
	}
}

func TestFailureRate(t *testing.T) {
	t.Parallel()

	always := startMock(t, Options{FailureRate: 1, FailStatus: http.StatusBadGateway})
	_, failure := call(t, adapterFor(t, config.KindOpenAI, always.URL, nil), false, transport.Timeouts{})
	if failure == nil || failure.Kind != models.FailureTransientServerError || failure.StatusCode != http.StatusBadGateway {
		t.Fatalf("failure = %v", failure)
	}

	// The same seed yields the same failure sequence.
	sequence := func() []bool {
		s := New(Options{FailureRate: 0.5, Seed: 42})
		out := make([]bool, 20)
		for i := range out {
			out[i] = s.roll()
		}
		return out
	}
	a, b := sequence(), sequence()
	failures := 0
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("roll %d differs between runs with the same seed", i)
		}
		if a[i] {
			failures++
		}
	}
	if failures == 0 || failures == len(a) {
		t.Errorf("failures = %d of %d, want a mix at rate 0.5", failures, len(a))
	}
}

func TestTimeoutFailureHoldsRequest(t *testing.T) {
	t.Parallel()

	srv := startMock(t, Options{})
	start := time.Now()
	_, failure := call(t, adapterFor(t, config.KindOpenAI, srv.URL, config.Headers{"X-Mock-Fail": "timeout"}), false,
		transport.Timeouts{FirstByte: 100 * time.Millisecond})
	if failure == nil || failure.Kind != models.FailureTimeout {
		t.Fatalf("failure = %v, want timeout", failure)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("first-byte timeout did not fire")
	}
}

func TestQueryOverridesAndErrorEnvelopes(t *testing.T) {
	t.Parallel()

	srv := startMock(t, Options{})
	post := func(path, body string) (*http.Response, map[string]any) {
		t.Helper()
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		var decoded map[string]any
		_ = json.Unmarshal(raw, &decoded)
		return resp, decoded
	}

	resp, body := post("/v1/chat/completions?fail=404", `{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if errBody, ok := body["error"].(map[string]any); !ok || errBody["type"] != "invalid_request_error" {
		t.Errorf("openai envelope = %v", body)
	}

	resp, body = post("/v1/messages", `{"model":"m","max_tokens":5,"messages":[{"role":"system","content":"x"}]}`)
	if resp.StatusCode != http.StatusBadRequest || body["type"] != "error" {
		t.Errorf("anthropic envelope = %d %v", resp.StatusCode, body)
	}

	resp, body = post("/api/chat", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if _, ok := body["error"].(string); !ok {
		t.Errorf("ollama envelope = %v", body)
	}

	start := time.Now()
	resp, _ = post("/api/chat?delay=50&stream=false", `{"model":"m","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK || time.Since(start) < 50*time.Millisecond {
		t.Errorf("delayed request status=%d after %s", resp.StatusCode, time.Since(start))
	}

	resp, _ = post("/v1/chat/completions?delay=soon", `{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid delay status = %d", resp.StatusCode)
	}
}

func TestReplyDeltasConcatenate(t *testing.T) {
	t.Parallel()

	r := newReply("alpha beta gamma", 3, 4)
	if got := strings.Join(r.deltas(), ""); got != r.text() || got != "mock reply: alpha beta" {
		t.Errorf("deltas = %q text = %q", got, r.text())
	}
	if r.completionTokens() != 4 {
		t.Errorf("completion tokens = %d", r.completionTokens())
	}
}
