package mockprovider

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type protocol int

const (
	protocolOpenAI protocol = iota
	protocolAnthropic
	protocolOllama
)

func protocolForPath(path string) protocol {
	switch {
	case strings.HasSuffix(path, "/messages"):
		return protocolAnthropic
	case strings.HasPrefix(path, "/api/"):
		return protocolOllama
	default:
		return protocolOpenAI
	}
}

// requestError is rendered in the error envelope of the route's protocol.
type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string

	protocol protocol
}

func (e requestError) Error() string {
	return e.Message
}

func withProtocol(err error, p protocol) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		reqErr.protocol = p
		return reqErr
	}
	return err
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	// The client went away; nobody reads the response.
	if c.Request().Context().Err() != nil {
		return
	}

	var reqErr requestError
	if !errors.As(err, &reqErr) {
		reqErr = requestError{
			Status:   http.StatusInternalServerError,
			Message:  "internal server error",
			protocol: protocolForPath(c.Request().URL.Path),
		}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			reqErr.Status = he.Code
			if msg, ok := he.Message.(string); ok {
				reqErr.Message = msg
			}
		}
	}
	_ = writeError(c, reqErr)
}

func writeError(c echo.Context, e requestError) error {
	if e.Status == http.StatusTooManyRequests {
		c.Response().Header().Set("Retry-After", "1")
	}

	switch e.protocol {
	case protocolAnthropic:
		errType := e.Type
		if errType == "" || errType == "insufficient_quota" {
			errType = anthropicErrorType(e.Status)
		}
		return c.JSON(e.Status, map[string]any{
			"type": "error",
			"error": map[string]string{
				"type":    errType,
				"message": e.Message,
			},
		})
	case protocolOllama:
		return c.JSON(e.Status, map[string]string{"error": e.Message})
	default:
		body := map[string]string{
			"message": e.Message,
			"type":    e.Type,
		}
		if body["type"] == "" {
			body["type"] = openAIErrorType(e.Status)
		}
		if e.Code != "" {
			body["code"] = e.Code
		}
		return c.JSON(e.Status, map[string]any{"error": body})
	}
}

func openAIErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

const statusOverloaded = 529

func anthropicErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == statusOverloaded:
		return "overloaded_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}
