package mockprovider

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// failStreamError sends a well-formed in-band error after the first delta.
const failStreamError = "stream_error"

// cutAt reports whether the stream breaks before delta i.
func (b behaviour) cutAt(i int) bool {
	if b.fail == failMalformed && i == 0 {
		return true
	}
	return b.failAfter >= 0 && i == b.failAfter
}

func (b behaviour) errorAt(i int) bool {
	return b.fail == failStreamError && i == 1
}

func invalid(err error, p protocol) error {
	return requestError{Status: http.StatusBadRequest, Message: err.Error(), protocol: p}
}

func (s *Server) handleOpenAI(c echo.Context) error {
	if err := s.authorize(c, protocolOpenAI); err != nil {
		return err
	}
	var req openAIRequest
	if err := decodeRequestBody(c, &req, protocolOpenAI); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return invalid(err, protocolOpenAI)
	}
	b, err := s.prepare(c, protocolOpenAI)
	if err != nil {
		return err
	}

	maxTokens := 0
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	r := newReply(lastUser(req.Messages), promptTokens("", req.Messages), maxTokens)
	usage := map[string]int{
		"prompt_tokens":     r.promptTokens,
		"completion_tokens": r.completionTokens(),
		"total_tokens":      r.promptTokens + r.completionTokens(),
	}

	if req.Stream {
		return s.streamOpenAI(c, req.Model, r, usage, b)
	}
	if b.fail == failMalformed {
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(`{"choices":[{"message":`))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      "chatcmpl-mock",
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": r.text()},
			"finish_reason": "stop",
		}},
		"usage": usage,
	})
}

func (s *Server) streamOpenAI(c echo.Context, model string, r reply, usage map[string]int, b behaviour) error {
	w := startStream(c, "text/event-stream", s.opts.ChunkInterval)
	created := time.Now().Unix()
	chunk := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      "chatcmpl-mock",
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
		}
	}

	for i, d := range r.deltas() {
		if b.cutAt(i) {
			return w.raw("data: {\"id\":\"chatcmpl-mock\",\"choices\":[{\"delta\":{\"content\":\n\n")
		}
		if b.errorAt(i) {
			return w.sse("", map[string]any{"error": map[string]string{"type": "server_error", "message": "mock stream failure"}})
		}
		if err := w.sse("", chunk(map[string]string{"content": d}, nil)); err != nil {
			return err
		}
		if err := w.pause(); err != nil {
			return nil
		}
	}

	if err := w.sse("", chunk(map[string]string{}, "stop")); err != nil {
		return err
	}
	if err := w.sse("", map[string]any{"id": "chatcmpl-mock", "object": "chat.completion.chunk", "choices": []any{}, "usage": usage}); err != nil {
		return err
	}
	return w.raw("data: [DONE]\n\n")
}

func (s *Server) handleAnthropic(c echo.Context) error {
	if err := s.authorize(c, protocolAnthropic); err != nil {
		return err
	}
	var req anthropicRequest
	if err := decodeRequestBody(c, &req, protocolAnthropic); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return invalid(err, protocolAnthropic)
	}
	b, err := s.prepare(c, protocolAnthropic)
	if err != nil {
		return err
	}

	r := newReply(lastUser(req.Messages), promptTokens(string(req.System), req.Messages), req.MaxTokens)
	if req.Stream {
		return s.streamAnthropic(c, req.Model, r, b)
	}
	if b.fail == failMalformed {
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(`{"content":[{"type":"text","text":`))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":            "msg_mock",
		"type":          "message",
		"role":          "assistant",
		"model":         req.Model,
		"content":       []map[string]string{{"type": "text", "text": r.text()}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": map[string]int{
			"input_tokens":  r.promptTokens,
			"output_tokens": r.completionTokens(),
		},
	})
}

func (s *Server) streamAnthropic(c echo.Context, model string, r reply, b behaviour) error {
	w := startStream(c, "text/event-stream", s.opts.ChunkInterval)

	err := w.sse("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":          "msg_mock",
			"type":        "message",
			"role":        "assistant",
			"model":       model,
			"content":     []any{},
			"stop_reason": nil,
			"usage":       map[string]int{"input_tokens": r.promptTokens, "output_tokens": 1},
		},
	})
	if err != nil {
		return err
	}
	if err := w.sse("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	}); err != nil {
		return err
	}

	for i, d := range r.deltas() {
		if b.cutAt(i) {
			return w.raw("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":\n\n")
		}
		if b.errorAt(i) {
			return w.sse("error", map[string]any{
				"type":  "error",
				"error": map[string]string{"type": "overloaded_error", "message": "Overloaded"},
			})
		}
		if err := w.sse("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": d},
		}); err != nil {
			return err
		}
		if err := w.pause(); err != nil {
			return nil
		}
	}

	events := []struct {
		name    string
		payload any
	}{
		{"content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}},
		{"message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
			"usage": map[string]int{"output_tokens": r.completionTokens()},
		}},
		{"message_stop", map[string]any{"type": "message_stop"}},
	}
	for _, event := range events {
		if err := w.sse(event.name, event.payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleOllama(c echo.Context) error {
	if err := s.authorize(c, protocolOllama); err != nil {
		return err
	}
	var req ollamaRequest
	if err := decodeRequestBody(c, &req, protocolOllama); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return invalid(err, protocolOllama)
	}
	b, err := s.prepare(c, protocolOllama)
	if err != nil {
		return err
	}

	r := newReply(lastUser(req.Messages), promptTokens("", req.Messages), req.Options.NumPredict)
	final := func(content string) map[string]any {
		return map[string]any{
			"model":             req.Model,
			"created_at":        time.Now().UTC().Format(time.RFC3339Nano),
			"message":           map[string]string{"role": "assistant", "content": content},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": r.promptTokens,
			"eval_count":        r.completionTokens(),
		}
	}

	if !req.streaming() {
		if b.fail == failMalformed {
			return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(`{"message":{"content":`))
		}
		return c.JSON(http.StatusOK, final(r.text()))
	}

	w := startStream(c, "application/x-ndjson", s.opts.ChunkInterval)
	for i, d := range r.deltas() {
		if b.cutAt(i) {
			return w.raw("{\"model\":\"" + req.Model + "\",\"message\":\n")
		}
		if b.errorAt(i) {
			return w.ndjson(map[string]string{"error": "mock stream failure"})
		}
		if err := w.ndjson(map[string]any{
			"model":      req.Model,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			"message":    map[string]string{"role": "assistant", "content": d},
			"done":       false,
		}); err != nil {
			return err
		}
		if err := w.pause(); err != nil {
			return nil
		}
	}
	return w.ndjson(final(""))
}
