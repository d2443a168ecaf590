package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"llmdispatch/internal/models"
)

// EnvPrefix prefixes environment overrides, e.g. LLMDISPATCH_DISPATCH_TIMEOUT.
const EnvPrefix = "LLMDISPATCH"

const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindOllama    = "ollama"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Dispatch  DispatchConfig            `mapstructure:"dispatch" yaml:"dispatch"`
	Transport TransportConfig           `mapstructure:"transport" yaml:"transport"`
	Benchmark BenchmarkConfig           `mapstructure:"benchmark" yaml:"benchmark"`
	Log       LogConfig                 `mapstructure:"log" yaml:"log"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	Kind         string  `mapstructure:"kind" yaml:"kind"`
	BaseURL      string  `mapstructure:"base_url" yaml:"base_url"`
	APIKey       string  `mapstructure:"api_key" yaml:"api_key"`
	Model        string  `mapstructure:"model" yaml:"model"`
	Organization string  `mapstructure:"organization" yaml:"organization"`
	MaxTokens    int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Headers      Headers `mapstructure:"headers" yaml:"headers"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// DispatchConfig holds engine defaults applied when the CLI does not override them.
type DispatchConfig struct {
	Mode             string        `mapstructure:"mode" yaml:"mode"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxConcurrency   int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	GracePeriod      time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	BackoffBase      time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`
	MaxElapsed       time.Duration `mapstructure:"max_elapsed" yaml:"max_elapsed"`
	DefaultProviders []string      `mapstructure:"default_providers" yaml:"default_providers"`
}

// TransportConfig tunes the shared HTTP connection pool.
type TransportConfig struct {
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	FirstByteTimeout time.Duration `mapstructure:"first_byte_timeout" yaml:"first_byte_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxIdlePerHost   int           `mapstructure:"max_idle_per_host" yaml:"max_idle_per_host"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`
}

// BenchmarkConfig parameterises the benchmark harness.
type BenchmarkConfig struct {
	Rounds      int           `mapstructure:"rounds" yaml:"rounds"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	Threshold   float64       `mapstructure:"threshold" yaml:"threshold"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Prompt      string        `mapstructure:"prompt" yaml:"prompt"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Stream      bool          `mapstructure:"stream" yaml:"stream"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dispatch.mode", string(models.ModeSequentialFallback))
	v.SetDefault("dispatch.timeout", 30*time.Second)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.max_concurrency", 0)
	v.SetDefault("dispatch.grace_period", 2*time.Second)
	v.SetDefault("dispatch.backoff_base", 500*time.Millisecond)
	v.SetDefault("dispatch.backoff_cap", 8*time.Second)
	v.SetDefault("dispatch.max_elapsed", time.Duration(0))

	v.SetDefault("transport.connect_timeout", 10*time.Second)
	v.SetDefault("transport.first_byte_timeout", 30*time.Second)
	v.SetDefault("transport.call_timeout", time.Duration(0))
	v.SetDefault("transport.idle_timeout", 90*time.Second)
	v.SetDefault("transport.max_idle_per_host", 16)
	v.SetDefault("transport.max_response_bytes", int64(8<<20))

	v.SetDefault("benchmark.rounds", 10)
	v.SetDefault("benchmark.timeout", 2*time.Minute)
	v.SetDefault("benchmark.call_timeout", 10*time.Second)
	v.SetDefault("benchmark.threshold", 1.0)
	v.SetDefault("benchmark.interval", time.Duration(0))
	v.SetDefault("benchmark.prompt", "Reply with the single word: pong")
	v.SetDefault("benchmark.max_tokens", 8)
	v.SetDefault("benchmark.stream", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration produced by defaults alone.
func Default() Config {
	cfg, _ := decode(newViper())
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads YAML configuration from disk, applies LLMDISPATCH_* environment
// overrides and validates the result. An empty path yields defaults plus
// environment overrides.
func Load(path string) (Config, error) {
	v := newViper()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	for name, provider := range cfg.Providers {
		provider.APIKey = os.ExpandEnv(provider.APIKey)
		provider.BaseURL = os.ExpandEnv(provider.BaseURL)
		provider.Kind = strings.ToLower(strings.TrimSpace(provider.Kind))
		if provider.Kind == "" {
			provider.Kind = name
		}
		cfg.Providers[name] = provider
	}
	return cfg, nil
}

// ProviderNames returns the configured provider names, default providers first.
func (c Config) ProviderNames() []string {
	names := append([]string(nil), c.Dispatch.DefaultProviders...)
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
	}

	var rest []string
	for name := range c.Providers {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	return append(names, rest...)
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	for name, provider := range c.Providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	if err := c.Dispatch.validate(c.Providers); err != nil {
		return err
	}
	if err := c.Transport.validate(); err != nil {
		return err
	}
	if err := c.Benchmark.validate(); err != nil {
		return err
	}
	return c.Log.validate()
}

func validateProvider(name string, provider ProviderConfig) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("provider name must not be empty")
	}
	switch provider.Kind {
	case KindOpenAI, KindAnthropic:
		if strings.TrimSpace(provider.APIKey) == "" {
			return fmt.Errorf("provider %s: api_key must be provided", name)
		}
	case KindOllama:
	default:
		return fmt.Errorf("provider %s: kind %q must be one of %q, %q or %q", name, provider.Kind, KindOpenAI, KindAnthropic, KindOllama)
	}
	if strings.TrimSpace(provider.Model) == "" {
		return fmt.Errorf("provider %s: model must be provided", name)
	}
	if provider.MaxTokens < 0 {
		return fmt.Errorf("provider %s: max_tokens must not be negative", name)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}
	return nil
}

func (d DispatchConfig) validate(providers map[string]ProviderConfig) error {
	if _, err := models.ParseMode(d.Mode); err != nil {
		return fmt.Errorf("dispatch.mode: %w", err)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("dispatch.timeout must not be negative, got %s", d.Timeout)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative, got %d", d.MaxRetries)
	}
	if d.MaxConcurrency < 0 {
		return fmt.Errorf("dispatch.max_concurrency must not be negative, got %d", d.MaxConcurrency)
	}
	if d.GracePeriod < 0 {
		return fmt.Errorf("dispatch.grace_period must not be negative, got %s", d.GracePeriod)
	}
	if d.BackoffBase <= 0 {
		return fmt.Errorf("dispatch.backoff_base must be positive, got %s", d.BackoffBase)
	}
	if d.BackoffCap < d.BackoffBase {
		return fmt.Errorf("dispatch.backoff_cap %s must not be below backoff_base %s", d.BackoffCap, d.BackoffBase)
	}
	for _, name := range d.DefaultProviders {
		if _, ok := providers[name]; !ok {
			return fmt.Errorf("dispatch.default_providers references unknown provider %q", name)
		}
	}
	return nil
}

func (t TransportConfig) validate() error {
	for key, value := range map[string]time.Duration{
		"connect_timeout":    t.ConnectTimeout,
		"first_byte_timeout": t.FirstByteTimeout,
		"call_timeout":       t.CallTimeout,
		"idle_timeout":       t.IdleTimeout,
	} {
		if value < 0 {
			return fmt.Errorf("transport.%s must not be negative, got %s", key, value)
		}
	}
	if t.MaxIdlePerHost < 0 {
		return fmt.Errorf("transport.max_idle_per_host must not be negative, got %d", t.MaxIdlePerHost)
	}
	if t.MaxResponseBytes < 0 {
		return fmt.Errorf("transport.max_response_bytes must not be negative, got %d", t.MaxResponseBytes)
	}
	return nil
}

func (b BenchmarkConfig) validate() error {
	if b.Rounds <= 0 {
		return fmt.Errorf("benchmark.rounds must be positive, got %d", b.Rounds)
	}
	if b.Threshold < 0 || b.Threshold > 1 {
		return fmt.Errorf("benchmark.threshold must be between 0 and 1, got %v", b.Threshold)
	}
	if b.Timeout < 0 || b.CallTimeout < 0 || b.Interval < 0 {
		return errors.New("benchmark durations must not be negative")
	}
	if strings.TrimSpace(b.Prompt) == "" {
		return errors.New("benchmark.prompt must not be empty")
	}
	return nil
}

func (l LogConfig) validate() error {
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch l.Format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("log.format %q must be one of %q or %q", l.Format, "text", "json")
	}
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
