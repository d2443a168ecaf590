package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func waitOrDone(r *http.Request, d time.Duration) {
	select {
	case <-r.Context().Done():
	case <-time.After(d):
	}
}

func requireTransportError(t *testing.T, err error, kind Kind, bound Bound) {
	t.Helper()
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if te.Kind != kind {
		t.Fatalf("kind = %s, want %s (err: %v)", te.Kind, kind, err)
	}
	if te.Bound != bound {
		t.Fatalf("bound = %q, want %q (err: %v)", te.Bound, bound, err)
	}
}

func TestHTTPSend(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("X-Test"); got != "yes" {
			t.Errorf("X-Test header = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write(append([]byte("echo:"), body...))
	}))
	t.Cleanup(srv.Close)

	h := NewHTTP(Options{})
	t.Cleanup(h.CloseIdle)

	resp, err := h.Send(context.Background(), Request{
		URL:    srv.URL,
		Header: http.Header{"X-Test": {"yes"}},
		Body:   []byte("ping"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if string(resp.Body) != "echo:ping" {
		t.Errorf("body = %q", resp.Body)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", resp.Header.Get("Content-Type"))
	}
}

func TestHTTPSendFirstByteTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		waitOrDone(r, 2*time.Second)
	}))
	t.Cleanup(srv.Close)

	h := NewHTTP(Options{})
	_, err := h.Send(context.Background(), Request{
		URL:      srv.URL,
		Timeouts: Timeouts{FirstByte: 50 * time.Millisecond},
	})
	requireTransportError(t, err, KindTimeout, BoundFirstByte)
}

func TestHTTPSendTotalTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		waitOrDone(r, 2*time.Second)
	}))
	t.Cleanup(srv.Close)

	h := NewHTTP(Options{})
	_, err := h.Send(context.Background(), Request{
		URL:      srv.URL,
		Timeouts: Timeouts{FirstByte: time.Second, Total: 100 * time.Millisecond},
	})
	requireTransportError(t, err, KindTimeout, BoundTotal)
}

func TestHTTPSendConnectionRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	h := NewHTTP(Options{})
	_, err = h.Send(context.Background(), Request{URL: "http://" + addr})
	requireTransportError(t, err, KindConnectionRefused, "")
}

func TestHTTPSendConnectTimeout(t *testing.T) {
	t.Parallel()

	h := NewHTTP(Options{
		Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	start := time.Now()
	_, err := h.Send(context.Background(), Request{
		URL:      "http://llmdispatch.invalid/",
		Timeouts: Timeouts{Connect: 50 * time.Millisecond, FirstByte: 5 * time.Second},
	})
	requireTransportError(t, err, KindTimeout, BoundConnect)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("connect bound fired after %v", elapsed)
	}
}

func TestHTTPSendTLSError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)

	h := NewHTTP(Options{})
	_, err := h.Send(context.Background(), Request{URL: srv.URL})
	requireTransportError(t, err, KindTLS, "")
}

func TestHTTPSendAborted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		waitOrDone(r, 2*time.Second)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	h := NewHTTP(Options{})
	_, err := h.Send(ctx, Request{URL: srv.URL})
	requireTransportError(t, err, KindAborted, "")
}

func TestHTTPSendResponseTooLarge(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 100))
	}))
	t.Cleanup(srv.Close)

	h := NewHTTP(Options{MaxResponseBytes: 10})
	_, err := h.Send(context.Background(), Request{URL: srv.URL})
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("err = %v, want ErrResponseTooLarge", err)
	}
}

func TestHTTPOpenStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, part := range []string{"data: one\n\n", "data: two\n\n"} {
			_, _ = io.WriteString(w, part)
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)

	h := NewHTTP(Options{})
	stream, err := h.OpenStream(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	if stream.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", stream.StatusCode)
	}

	var collected strings.Builder
	for {
		frame, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		collected.Write(frame)
	}
	if collected.String() != "data: one\n\ndata: two\n\n" {
		t.Errorf("stream body = %q", collected.String())
	}

	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next after end = %v, want io.EOF", err)
	}
}

func TestHTTPOpenStreamFirstByteTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		waitOrDone(r, 2*time.Second)
	}))
	t.Cleanup(srv.Close)

	h := NewHTTP(Options{})
	stream, err := h.OpenStream(context.Background(), Request{
		URL:      srv.URL,
		Timeouts: Timeouts{FirstByte: 50 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	_, err = stream.Next()
	requireTransportError(t, err, KindTimeout, BoundFirstByte)
}

func TestHTTPOpenStreamTotalTimeoutAfterFirstFrame(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		waitOrDone(r, 2*time.Second)
	}))
	t.Cleanup(srv.Close)

	h := NewHTTP(Options{})
	stream, err := h.OpenStream(context.Background(), Request{
		URL:      srv.URL,
		Timeouts: Timeouts{FirstByte: time.Second, Total: 150 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	_, err = stream.Next()
	requireTransportError(t, err, KindTimeout, BoundTotal)
}

type chunkedReader struct {
	parts  []string
	closed int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.parts) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.parts[0])
	r.parts = r.parts[1:]
	return n, nil
}

func (r *chunkedReader) Close() error {
	r.closed++
	return nil
}

func TestNewStreamFramesAndClose(t *testing.T) {
	t.Parallel()

	body := &chunkedReader{parts: []string{"ab", "cd"}}
	first, released := 0, 0
	stream := NewStream(http.StatusOK, nil, body,
		WithFirstFrame(func() { first++ }),
		WithRelease(func() { released++ }),
	)

	var frames []string
	for {
		frame, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		frames = append(frames, string(frame))
	}

	if strings.Join(frames, "|") != "ab|cd" {
		t.Errorf("frames = %v", frames)
	}
	if first != 1 {
		t.Errorf("first frame callback ran %d times", first)
	}

	_ = stream.Close()
	_ = stream.Close()
	if body.closed != 1 || released != 1 {
		t.Errorf("closed=%d released=%d, want 1 and 1", body.closed, released)
	}
}

func TestNewStreamClassifiesReadErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("reset")
	stream := NewStream(http.StatusOK, nil, io.NopCloser(&failingReader{err: boom}),
		WithErrorClassifier(func(err error) error {
			return &TransportError{Kind: KindNetwork, Err: err}
		}),
	)

	_, err := stream.Next()
	requireTransportError(t, err, KindNetwork, "")
	if !errors.Is(err, boom) {
		t.Errorf("error does not wrap cause: %v", err)
	}
}

type failingReader struct{ err error }

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }
