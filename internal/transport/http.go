package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

const (
	defaultConnectTimeout   = 10 * time.Second
	defaultFirstByteTimeout = 30 * time.Second
	defaultIdleTimeout      = 90 * time.Second
	defaultMaxIdlePerHost   = 16
	defaultKeepAlive        = 30 * time.Second
	defaultMaxResponseBytes = 8 << 20
)

var (
	errFirstByteExceeded = errors.New("first byte timeout exceeded")
	errTotalExceeded     = errors.New("total timeout exceeded")
)

type connectTimeoutKey struct{}

// Options configures the HTTP transport. Zero values select defaults.
type Options struct {
	ConnectTimeout      time.Duration
	FirstByteTimeout    time.Duration
	TotalTimeout        time.Duration
	IdleTimeout         time.Duration
	MaxIdleConnsPerHost int
	MaxResponseBytes    int64

	// Dial opens connections. It runs under the connect bound. Nil uses a
	// net.Dialer with keep-alive.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.FirstByteTimeout <= 0 {
		o.FirstByteTimeout = defaultFirstByteTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = defaultMaxIdlePerHost
	}
	if o.MaxResponseBytes <= 0 {
		o.MaxResponseBytes = defaultMaxResponseBytes
	}
	if o.Dial == nil {
		o.Dial = (&net.Dialer{KeepAlive: defaultKeepAlive}).DialContext
	}
	return o
}

// HTTP is the net/http backed Transport. One instance should be shared for
// the whole process so that connections are pooled per host.
type HTTP struct {
	opts   Options
	pool   *http.Transport
	client *http.Client
}

// NewHTTP constructs a pooled HTTP transport.
func NewHTTP(opts Options) *HTTP {
	opts = opts.withDefaults()

	pool := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			timeout := opts.ConnectTimeout
			if v, ok := ctx.Value(connectTimeoutKey{}).(time.Duration); ok && v > 0 {
				timeout = v
			}
			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			conn, err := opts.Dial(dialCtx, network, addr)
			if err != nil && ctx.Err() == nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
				return nil, &TransportError{Kind: KindTimeout, Bound: BoundConnect, Err: err}
			}
			return conn, err
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       opts.IdleTimeout,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTP{
		opts:   opts,
		pool:   pool,
		client: &http.Client{Transport: pool},
	}
}

// CloseIdle drops every idle pooled connection.
func (h *HTTP) CloseIdle() {
	h.pool.CloseIdleConnections()
}

// Send performs a request and reads the whole body.
func (h *HTTP) Send(ctx context.Context, req Request) (RawResponse, error) {
	call, err := h.start(ctx, req)
	if err != nil {
		return RawResponse{}, err
	}
	defer call.finish()

	resp, err := h.client.Do(call.httpReq)
	if err != nil {
		return RawResponse{}, call.classify(err)
	}
	defer resp.Body.Close()
	call.firstByte()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.opts.MaxResponseBytes+1))
	if err != nil {
		return RawResponse{}, call.classify(err)
	}
	if int64(len(body)) > h.opts.MaxResponseBytes {
		return RawResponse{}, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, h.opts.MaxResponseBytes)
	}

	return RawResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// OpenStream performs a request and returns its body as a frame sequence.
// The first-byte bound keeps running until the first body frame arrives.
func (h *HTTP) OpenStream(ctx context.Context, req Request) (*Stream, error) {
	call, err := h.start(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(call.httpReq)
	if err != nil {
		call.finish()
		return nil, call.classify(err)
	}

	return NewStream(resp.StatusCode, resp.Header, resp.Body,
		WithErrorClassifier(call.classify),
		WithFirstFrame(call.firstByte),
		WithRelease(call.finish),
	), nil
}

type inflight struct {
	parent  context.Context
	ctx     context.Context
	cancel  context.CancelCauseFunc
	httpReq *http.Request

	firstByteTimer *time.Timer
	totalTimer     *time.Timer
}

func (h *HTTP) start(parent context.Context, req Request) (*inflight, error) {
	timeouts := req.Timeouts
	if timeouts.Connect <= 0 {
		timeouts.Connect = h.opts.ConnectTimeout
	}
	if timeouts.FirstByte <= 0 {
		timeouts.FirstByte = h.opts.FirstByteTimeout
	}
	if timeouts.Total <= 0 {
		timeouts.Total = h.opts.TotalTimeout
	}

	ctx, cancel := context.WithCancelCause(context.WithValue(parent, connectTimeoutKey{}, timeouts.Connect))
	call := &inflight{parent: parent, ctx: ctx, cancel: cancel}

	if timeouts.FirstByte > 0 {
		call.firstByteTimer = time.AfterFunc(timeouts.FirstByte, func() { cancel(errFirstByteExceeded) })
	}
	if timeouts.Total > 0 {
		call.totalTimer = time.AfterFunc(timeouts.Total, func() { cancel(errTotalExceeded) })
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		call.finish()
		return nil, fmt.Errorf("construct request: %w", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	call.httpReq = httpReq
	return call, nil
}

func (c *inflight) firstByte() {
	if c.firstByteTimer != nil {
		c.firstByteTimer.Stop()
	}
}

func (c *inflight) finish() {
	if c.firstByteTimer != nil {
		c.firstByteTimer.Stop()
	}
	if c.totalTimer != nil {
		c.totalTimer.Stop()
	}
	c.cancel(nil)
}

// classify maps a net/http error into a TransportError. The call's own
// timers are checked before the parent context so the expired bound is named.
func (c *inflight) classify(err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}

	switch context.Cause(c.ctx) {
	case errFirstByteExceeded:
		return &TransportError{Kind: KindTimeout, Bound: BoundFirstByte, Err: err}
	case errTotalExceeded:
		return &TransportError{Kind: KindTimeout, Bound: BoundTotal, Err: err}
	}

	switch {
	case errors.Is(c.parent.Err(), context.DeadlineExceeded):
		return &TransportError{Kind: KindTimeout, Bound: BoundTotal, Err: err}
	case c.parent.Err() != nil:
		return &TransportError{Kind: KindAborted, Err: err}
	}

	return classifyNetError(err)
}

func classifyNetError(err error) *TransportError {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &TransportError{Kind: KindConnectionRefused, Err: err}
	}
	if isTLSError(err) {
		return &TransportError{Kind: KindTLS, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: KindTimeout, Bound: BoundTotal, Err: err}
	}
	return &TransportError{Kind: KindNetwork, Err: err}
}

func isTLSError(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
		alertErr    tls.AlertError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &alertErr)
}
