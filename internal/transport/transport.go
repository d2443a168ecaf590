// Package transport is a thin abstraction over outbound HTTP. It owns the
// connection pool and enforces the connect, first-byte and total timeouts of
// a single provider call.
package transport

//go:generate mockgen -destination=mocks/transport.go -package=mocks llmdispatch/internal/transport Transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrResponseTooLarge indicates a response body exceeding the configured cap.
var ErrResponseTooLarge = errors.New("response body exceeds size limit")

// Transport sends provider requests. Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, req Request) (RawResponse, error)
	OpenStream(ctx context.Context, req Request) (*Stream, error)
}

// Timeouts bounds one call. A zero value leaves that bound unenforced.
type Timeouts struct {
	Connect   time.Duration
	FirstByte time.Duration
	Total     time.Duration
}

// Request is a fully encoded outbound call.
type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	Timeouts Timeouts
}

// RawResponse is a completely read, non-streaming response.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RawFrame is the payload of one network read. Frame boundaries carry no
// meaning: a JSON line may be split across frames.
type RawFrame []byte

// Kind classifies a TransportError.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindConnectionRefused Kind = "connection_refused"
	KindTLS               Kind = "tls_error"
	KindAborted           Kind = "aborted"
	// KindNetwork covers resets, unexpected EOFs and DNS failures.
	KindNetwork Kind = "network"
)

// Bound names the timeout that expired.
type Bound string

const (
	BoundConnect   Bound = "connect"
	BoundFirstByte Bound = "first-byte"
	BoundTotal     Bound = "total"
)

// TransportError is returned for failures below the HTTP status layer.
type TransportError struct {
	Kind  Kind
	Bound Bound
	Err   error
}

func (e *TransportError) Error() string {
	if e.Kind == KindTimeout && e.Bound != "" {
		return fmt.Sprintf("transport %s (%s bound): %v", e.Kind, e.Bound, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

const defaultFrameSize = 4 * 1024

// Stream is a lazy, finite and non-restartable sequence of frames read from an
// open response body. Close must be called once the caller is done.
type Stream struct {
	StatusCode int
	Header     http.Header

	body     io.ReadCloser
	buf      []byte
	classify func(error) error
	onFrame  func()
	release  func()

	closeOnce sync.Once
	done      bool
}

// StreamOption customises a Stream built with NewStream.
type StreamOption func(*Stream)

// WithErrorClassifier maps read errors before they are returned from Next.
func WithErrorClassifier(fn func(error) error) StreamOption {
	return func(s *Stream) {
		s.classify = fn
	}
}

// WithFirstFrame registers a callback invoked once, when the first frame arrives.
func WithFirstFrame(fn func()) StreamOption {
	return func(s *Stream) {
		s.onFrame = fn
	}
}

// WithRelease registers a callback invoked once when the stream is closed.
func WithRelease(fn func()) StreamOption {
	return func(s *Stream) {
		s.release = fn
	}
}

// WithFrameSize sets the maximum size of a single frame.
func WithFrameSize(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.buf = make([]byte, n)
		}
	}
}

// NewStream wraps body as a Stream. Transports and test fakes use it alike.
func NewStream(status int, header http.Header, body io.ReadCloser, opts ...StreamOption) *Stream {
	s := &Stream{
		StatusCode: status,
		Header:     header,
		body:       body,
		buf:        make([]byte, defaultFrameSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Header == nil {
		s.Header = http.Header{}
	}
	return s
}

// Next blocks until the next frame is available. It returns io.EOF once the
// body is exhausted; any other error ends the stream as well.
func (s *Stream) Next() (RawFrame, error) {
	if s.done {
		return nil, io.EOF
	}

	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			if s.onFrame != nil {
				s.onFrame()
				s.onFrame = nil
			}
			frame := make(RawFrame, n)
			copy(frame, s.buf[:n])
			if err != nil && !errors.Is(err, io.EOF) {
				// Surface the data now; the error is reported on the next read.
				return frame, nil
			}
			if errors.Is(err, io.EOF) {
				s.done = true
			}
			return frame, nil
		}
		if err == nil {
			continue
		}

		s.done = true
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if s.classify != nil {
			return nil, s.classify(err)
		}
		return nil, err
	}
}

// ReadAll drains the remaining body up to limit bytes. It is used to read
// error envelopes from non-2xx streaming responses.
func (s *Stream) ReadAll(limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(s.body, limit))
	s.done = true
	if err != nil && s.classify != nil {
		return data, s.classify(err)
	}
	return data, err
}

// Close releases the underlying connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.done = true
		err = s.body.Close()
		if s.release != nil {
			s.release()
		}
	})
	return err
}
