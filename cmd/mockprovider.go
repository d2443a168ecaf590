package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"llmdispatch/internal/logging"
	"llmdispatch/internal/mockprovider"
)

const mockProviderUsage = `Usage:
  llmdispatch mock-provider [flags]

Serves /v1/chat/completions, /v1/messages, /api/chat and /health with
synthetic replies. Per request, the query parameters (or X-Mock-* headers)
delay, fail and stream_fail_after override the configured behaviour.`

func mockProvider(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("mock-provider", mockProviderUsage, stdout)

	var (
		host          string
		port          int
		latency       time.Duration
		chunkInterval time.Duration
		failureRate   float64
		failStatus    int
		seed          uint64
		apiKey        string
		logLevel      string
		logFormat     string
	)
	fs.StringVar(&host, "host", "127.0.0.1", "listen address")
	fs.IntVar(&port, "port", 8081, "listen port")
	fs.DurationVar(&latency, "latency", 0, "delay before every response")
	fs.DurationVar(&chunkInterval, "chunk-interval", 20*time.Millisecond, "delay between streamed chunks")
	fs.Float64Var(&failureRate, "failure-rate", 0, "probability in [0,1] of a simulated failure")
	fs.IntVar(&failStatus, "fail-status", mockprovider.DefaultFailStatus, "HTTP status of simulated failures")
	fs.Uint64Var(&seed, "seed", 1, "seed for the failure sequence")
	fs.StringVar(&apiKey, "api-key", "", "require this API key on every request")
	fs.StringVar(&logLevel, "log-level", "info", "log level")
	fs.StringVar(&logFormat, "log-format", "text", "text or json")

	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	switch {
	case port <= 0 || port > 65535:
		return usageError("port %d must be a valid TCP port", port)
	case failureRate < 0 || failureRate > 1:
		return usageError("--failure-rate must be between 0 and 1, got %v", failureRate)
	case failStatus < 400 || failStatus > 599:
		return usageError("--fail-status must be an HTTP error status, got %d", failStatus)
	case latency < 0 || chunkInterval < 0:
		return usageError("durations must not be negative")
	}

	log, err := logging.New(logLevel, logFormat, stderr)
	if err != nil {
		return usageError("%w", err)
	}

	srv := mockprovider.New(mockprovider.Options{
		Latency:       latency,
		ChunkInterval: chunkInterval,
		FailureRate:   failureRate,
		FailStatus:    failStatus,
		Seed:          seed,
		APIKey:        apiKey,
		Logger:        log,
	})
	if err := srv.Run(ctx, net.JoinHostPort(host, strconv.Itoa(port))); err != nil {
		return fmt.Errorf("mock provider: %w", err)
	}
	return nil
}
