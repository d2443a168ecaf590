// Package mockprovider serves the OpenAI, Anthropic and Ollama chat protocols
// with synthetic latency and injectable failures. It backs local benchmarks
// and end-to-end tests without real provider credentials.
package mockprovider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"llmdispatch/internal/logging"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	DefaultFailStatus = http.StatusInternalServerError
)

// Options configure the synthetic behaviour applied to every request.
// Query parameters may override it per request.
type Options struct {
	// Latency delays every response before the first byte.
	Latency time.Duration

	// ChunkInterval spaces streamed chunks.
	ChunkInterval time.Duration

	// FailureRate in [0, 1] is the probability of answering with FailStatus.
	FailureRate float64
	FailStatus  int
	Seed        uint64

	// APIKey, when set, must accompany every request.
	APIKey string

	Logger logrus.FieldLogger
}

// Server is the mock provider.
type Server struct {
	app  *echo.Echo
	opts Options
	log  logrus.FieldLogger

	mu  sync.Mutex
	rng *rand.Rand
}

// New constructs the mock provider with its routes registered.
func New(opts Options) *Server {
	if opts.FailStatus == 0 {
		opts.FailStatus = DefaultFailStatus
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = goccySerializer{}
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
				"event":      "mock_request",
			}).Info("request")
			return nil
		},
	}))

	s := &Server{
		app:  e,
		opts: opts,
		log:  log,
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5deece66d)),
	}
	s.registerRoutes()
	return s
}

// Handler exposes the server for embedding, e.g. in httptest.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run listens on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.log.WithField("addr", addr).Info("starting mock provider")

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.log.Info("mock provider shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/v1/chat/completions", s.handleOpenAI)
	s.app.POST("/chat/completions", s.handleOpenAI)
	s.app.POST("/v1/messages", s.handleAnthropic)
	s.app.POST("/api/chat", s.handleOllama)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// behaviour is the per-request failure plan.
type behaviour struct {
	delay     time.Duration
	fail      string
	failAfter int
}

const (
	failTimeout   = "timeout"
	failMalformed = "malformed"
	failQuota     = "quota"
)

func (s *Server) behaviour(c echo.Context) (behaviour, error) {
	b := behaviour{delay: s.opts.Latency, failAfter: -1}

	if raw := param(c, "delay"); raw != "" {
		d, err := parseDelay(raw)
		if err != nil {
			return b, requestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("invalid delay %q", raw)}
		}
		b.delay = d
	}
	if raw := param(c, "stream_fail_after"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return b, requestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("invalid stream_fail_after %q", raw)}
		}
		b.failAfter = n
	}

	b.fail = param(c, "fail")
	if b.fail == "" && s.roll() {
		b.fail = strconv.Itoa(s.opts.FailStatus)
	}
	return b, nil
}

// param reads a behaviour override from the query string, falling back to the
// X-Mock-* header of the same name (stream_fail_after -> X-Mock-Stream-Fail-After).
func param(c echo.Context, name string) string {
	if v := c.QueryParam(name); v != "" {
		return v
	}
	return c.Request().Header.Get("X-Mock-" + strings.ReplaceAll(name, "_", "-"))
}

// parseDelay accepts Go durations and bare milliseconds.
func parseDelay(raw string) (time.Duration, error) {
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(raw)
}

func (s *Server) roll() bool {
	if s.opts.FailureRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.opts.FailureRate
}

// prepare applies the latency and failure plan shared by every chat route.
func (s *Server) prepare(c echo.Context, p protocol) (behaviour, error) {
	b, err := s.behaviour(c)
	if err != nil {
		return b, withProtocol(err, p)
	}
	if err := sleep(c.Request().Context(), b.delay); err != nil {
		return b, err
	}

	switch b.fail {
	case "":
		return b, nil
	case failTimeout:
		// Hold the request until the client gives up.
		<-c.Request().Context().Done()
		return b, c.Request().Context().Err()
	case failMalformed, failStreamError:
		return b, nil
	case failQuota:
		return b, requestError{Status: http.StatusTooManyRequests, Message: "You exceeded your current quota.", Type: "insufficient_quota", Code: "insufficient_quota", protocol: p}
	default:
		code, err := strconv.Atoi(b.fail)
		if err != nil || code < 400 || code > 599 {
			return b, requestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("unknown failure %q", b.fail), protocol: p}
		}
		s.log.WithFields(logrus.Fields{"status": code, "event": "mock_failure"}).Warn("simulating failure")
		return b, requestError{Status: code, Message: fmt.Sprintf("simulated error %d", code), protocol: p}
	}
}

func (s *Server) authorize(c echo.Context, p protocol) error {
	if s.opts.APIKey == "" {
		return nil
	}
	header := c.Request().Header
	var got string
	switch p {
	case protocolAnthropic:
		got = header.Get("x-api-key")
	default:
		got = strings.TrimPrefix(header.Get("Authorization"), "Bearer ")
	}
	if got != s.opts.APIKey {
		return requestError{Status: http.StatusUnauthorized, Message: "invalid api key", protocol: p}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// reply is the synthetic completion for a prompt.
type reply struct {
	words        []string
	promptTokens int
}

func newReply(prompt string, promptTokens, maxTokens int) reply {
	words := append([]string{"mock", "reply:"}, strings.Fields(prompt)...)
	if maxTokens > 0 && len(words) > maxTokens {
		words = words[:maxTokens]
	}
	return reply{words: words, promptTokens: promptTokens}
}

func (r reply) text() string {
	return strings.Join(r.words, " ")
}

// deltas splits the text at word boundaries so the concatenation equals text().
func (r reply) deltas() []string {
	out := make([]string, len(r.words))
	for i, w := range r.words {
		if i > 0 {
			w = " " + w
		}
		out[i] = w
	}
	return out
}

func (r reply) completionTokens() int {
	return len(r.words)
}

func decodeRequestBody[T any](c echo.Context, target *T, p protocol) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{Status: http.StatusBadRequest, Message: "request body is required", protocol: p}
		}
		return requestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("invalid JSON payload: %v", err), protocol: p}
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return requestError{Status: http.StatusBadRequest, Message: "request body must contain a single JSON object", protocol: p}
	}
	return nil
}

// streamWriter writes and flushes streamed frames, pacing them by interval.
type streamWriter struct {
	c        echo.Context
	interval time.Duration
}

func startStream(c echo.Context, contentType string, interval time.Duration) *streamWriter {
	header := c.Response().Header()
	header.Set(echo.HeaderContentType, contentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()
	return &streamWriter{c: c, interval: interval}
}

func (w *streamWriter) raw(data string) error {
	if _, err := io.WriteString(w.c.Response(), data); err != nil {
		return err
	}
	w.c.Response().Flush()
	return nil
}

func (w *streamWriter) sse(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	var sb strings.Builder
	if event != "" {
		fmt.Fprintf(&sb, "event: %s\n", event)
	}
	fmt.Fprintf(&sb, "data: %s\n\n", data)
	return w.raw(sb.String())
}

func (w *streamWriter) ndjson(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal NDJSON payload: %w", err)
	}
	return w.raw(string(data) + "\n")
}

func (w *streamWriter) pause() error {
	return sleep(w.c.Request().Context(), w.interval)
}

type goccySerializer struct{}

func (goccySerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (goccySerializer) Deserialize(c echo.Context, i any) error {
	if err := json.NewDecoder(c.Request().Body).Decode(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}
