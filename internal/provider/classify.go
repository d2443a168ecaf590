package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"llmdispatch/internal/models"
	"llmdispatch/internal/transport"
)

// MaxErrorBody bounds how much of an error response is read for classification.
const MaxErrorBody = 64 * 1024

// ErrorEnvelope is the error object most providers return on failure.
type ErrorEnvelope struct {
	Type    string
	Message string
	Code    string
}

type envelopeObject struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code"`
}

// ParseErrorEnvelope extracts {"error":{"type","message","code"}} or
// {"error":"message"} from body.
func ParseErrorEnvelope(body []byte) (ErrorEnvelope, bool) {
	if len(body) > MaxErrorBody {
		body = body[:MaxErrorBody]
	}

	var outer struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &outer); err != nil || len(outer.Error) == 0 {
		return ErrorEnvelope{}, false
	}

	var message string
	if err := json.Unmarshal(outer.Error, &message); err == nil {
		return ErrorEnvelope{Message: message}, message != ""
	}

	var obj envelopeObject
	if err := json.Unmarshal(outer.Error, &obj); err != nil {
		return ErrorEnvelope{}, false
	}
	env := ErrorEnvelope{Type: obj.Type, Message: obj.Message}
	if len(obj.Code) > 0 && string(obj.Code) != "null" {
		var code string
		if err := json.Unmarshal(obj.Code, &code); err == nil {
			env.Code = code
		} else {
			env.Code = string(obj.Code)
		}
	}
	return env, env.Message != "" || env.Type != ""
}

// ClassifyStatus is the default status mapping shared by adapters.
func ClassifyStatus(status int, header http.Header, body []byte) *models.Failure {
	failure := &models.Failure{
		StatusCode: status,
		Message:    errorMessage(status, body),
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		failure.Kind = models.FailureAuthError
	case status == http.StatusTooManyRequests:
		failure.Kind = models.FailureRateLimited
		failure.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	case status == http.StatusRequestTimeout:
		failure.Kind = models.FailureTimeout
	case status >= 500:
		failure.Kind = models.FailureTransientServerError
	default:
		failure.Kind = models.FailureInvalidRequest
	}
	return failure
}

func errorMessage(status int, body []byte) string {
	if env, ok := ParseErrorEnvelope(body); ok {
		if env.Type != "" {
			return fmt.Sprintf("%s: %s", env.Type, env.Message)
		}
		return env.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	if text == "" {
		return http.StatusText(status)
	}
	return text
}

// MaxRetryAfter caps the hint taken from a Retry-After header.
const MaxRetryAfter = 24 * time.Hour

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
// The result is capped at MaxRetryAfter.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		switch {
		case !(secs > 0): // also rejects NaN
			return 0
		case secs >= MaxRetryAfter.Seconds():
			return MaxRetryAfter
		}
		return time.Duration(secs * float64(time.Second))
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := when.Sub(now); d > 0 {
			return min(d, MaxRetryAfter)
		}
	}
	return 0
}

// ClassifyTransportError maps a transport failure to a failure kind. It is the
// only place transport errors are inspected.
func ClassifyTransportError(err error) *models.Failure {
	if err == nil {
		return nil
	}

	var te *transport.TransportError
	if errors.As(err, &te) {
		switch te.Kind {
		case transport.KindTimeout:
			return models.NewFailure(models.FailureTimeout, "%v", te)
		case transport.KindAborted:
			return models.NewFailure(models.FailureCancelled, "call aborted: %v", te.Err)
		default:
			return models.NewFailure(models.FailureConnectionError, "%v", err)
		}
	}

	switch {
	case errors.Is(err, transport.ErrResponseTooLarge):
		return models.NewFailure(models.FailureDecodeError, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewFailure(models.FailureTimeout, "%v", err)
	case errors.Is(err, context.Canceled):
		return models.NewFailure(models.FailureCancelled, "%v", err)
	}
	return models.NewFailure(models.FailureConnectionError, "%v", err)
}
