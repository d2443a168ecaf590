package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleConfig = `
providers:
  openai:
    api_key: ${LLMDISPATCH_TEST_OPENAI_KEY}
    model: gpt-4o-mini
    headers:
      X-Team: platform
  claude:
    kind: Anthropic
    api_key: sk-ant
    model: claude-3-5-haiku-latest
    max_tokens: 256
  local:
    kind: ollama
    base_url: http://127.0.0.1:11434
    model: llama3
dispatch:
  mode: parallel
  timeout: 5s
  max_retries: 1
  default_providers: [local]
benchmark:
  rounds: 3
log:
  level: debug
  format: json
`

func TestLoad(t *testing.T) {
	t.Setenv("LLMDISPATCH_TEST_OPENAI_KEY", "sk-from-env")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	openai := cfg.Providers["openai"]
	if openai.Kind != KindOpenAI {
		t.Errorf("kind defaults to the provider name, got %q", openai.Kind)
	}
	if openai.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, want expanded env value", openai.APIKey)
	}
	if len(openai.Headers) != 1 {
		t.Errorf("headers = %v", openai.Headers)
	}
	if cfg.Providers["claude"].Kind != KindAnthropic || cfg.Providers["claude"].MaxTokens != 256 {
		t.Errorf("claude = %+v", cfg.Providers["claude"])
	}

	if cfg.Dispatch.Mode != "parallel" || cfg.Dispatch.Timeout != 5*time.Second || cfg.Dispatch.MaxRetries != 1 {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.BackoffBase != 500*time.Millisecond || cfg.Dispatch.GracePeriod != 2*time.Second {
		t.Errorf("dispatch defaults not applied: %+v", cfg.Dispatch)
	}
	if cfg.Transport.ConnectTimeout != 10*time.Second || cfg.Transport.MaxIdlePerHost != 16 {
		t.Errorf("transport defaults not applied: %+v", cfg.Transport)
	}
	if cfg.Benchmark.Rounds != 3 || cfg.Benchmark.Threshold != 1.0 {
		t.Errorf("benchmark = %+v", cfg.Benchmark)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}

	if got := strings.Join(cfg.ProviderNames(), ","); got != "local,claude,openai" {
		t.Errorf("ProviderNames = %s", got)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("LLMDISPATCH_TEST_OPENAI_KEY", "sk")
	t.Setenv("LLMDISPATCH_DISPATCH_MAX_RETRIES", "5")
	t.Setenv("LLMDISPATCH_PROVIDERS_LOCAL_MODEL", "mistral")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.MaxRetries != 5 {
		t.Errorf("max retries = %d, want env override 5", cfg.Dispatch.MaxRetries)
	}
	if cfg.Providers["local"].Model != "mistral" {
		t.Errorf("local model = %q, want env override", cfg.Providers["local"].Model)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Providers) != 0 {
		t.Errorf("providers = %v", cfg.Providers)
	}
	if cfg.Benchmark.Prompt == "" || cfg.Dispatch.Mode != "sequential-fallback" {
		t.Errorf("defaults missing: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file must fail")
	}

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown kind",
			body: "providers:\n  x:\n    kind: bard\n    model: m\n",
			want: "kind",
		},
		{
			name: "missing api key",
			body: "providers:\n  openai:\n    model: gpt\n",
			want: "api_key",
		},
		{
			name: "missing model",
			body: "providers:\n  local:\n    kind: ollama\n",
			want: "model",
		},
		{
			name: "bad header",
			body: "providers:\n  local:\n    kind: ollama\n    model: m\n    headers:\n      \"X Bad\": v\n",
			want: "header",
		},
		{
			name: "bad mode",
			body: "dispatch:\n  mode: broadcast\n",
			want: "dispatch.mode",
		},
		{
			name: "negative retries",
			body: "dispatch:\n  max_retries: -1\n",
			want: "max_retries",
		},
		{
			name: "cap below base",
			body: "dispatch:\n  backoff_base: 2s\n  backoff_cap: 1s\n",
			want: "backoff_cap",
		},
		{
			name: "unknown default provider",
			body: "dispatch:\n  default_providers: [ghost]\n",
			want: "ghost",
		},
		{
			name: "negative transport timeout",
			body: "transport:\n  connect_timeout: -1s\n",
			want: "connect_timeout",
		},
		{
			name: "threshold out of range",
			body: "benchmark:\n  threshold: 1.5\n",
			want: "threshold",
		},
		{
			name: "zero rounds",
			body: "benchmark:\n  rounds: 0\n",
			want: "rounds",
		},
		{
			name: "bad log level",
			body: "log:\n  level: loud\n",
			want: "log.level",
		},
		{
			name: "bad log format",
			body: "log:\n  format: xml\n",
			want: "log.format",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("Load succeeded, want error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate: %v", err)
	}
}
