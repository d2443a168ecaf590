package provider

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// MaxLineBytes bounds a single buffered line.
const MaxLineBytes = 1 << 20

// ErrLineTooLong indicates a line exceeding MaxLineBytes without a newline.
var ErrLineTooLong = errors.New("stream line exceeds size limit")

// LineBuffer reassembles newline-terminated lines from arbitrarily split frames.
type LineBuffer struct {
	pending []byte
}

// Feed appends frame and returns every line it completed, without the line
// terminator. Carriage returns before the newline are stripped.
func (b *LineBuffer) Feed(frame []byte) ([]string, error) {
	b.pending = append(b.pending, frame...)

	var lines []string
	for {
		idx := bytes.IndexByte(b.pending, '\n')
		if idx < 0 {
			break
		}
		line := b.pending[:idx]
		line = bytes.TrimSuffix(line, []byte("\r"))
		lines = append(lines, string(line))
		b.pending = b.pending[idx+1:]
	}

	if len(b.pending) > MaxLineBytes {
		return lines, fmt.Errorf("%w: %d bytes buffered", ErrLineTooLong, len(b.pending))
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return lines, nil
}

// Flush returns the unterminated remainder and resets the buffer.
func (b *LineBuffer) Flush() string {
	rest := strings.TrimSuffix(string(b.pending), "\r")
	b.pending = nil
	return rest
}

// SSEEvent is one server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// SSEBuffer incrementally parses text/event-stream framing. Comment lines and
// fields other than event and data are ignored.
type SSEBuffer struct {
	lines LineBuffer
	event string
	data  []string
}

// Feed returns the events completed by frame.
func (s *SSEBuffer) Feed(frame []byte) ([]SSEEvent, error) {
	lines, err := s.lines.Feed(frame)
	events := s.consume(lines)
	return events, err
}

// Flush dispatches any event still pending when the stream ends.
func (s *SSEBuffer) Flush() []SSEEvent {
	var lines []string
	if rest := s.lines.Flush(); rest != "" {
		lines = append(lines, rest)
	}
	events := s.consume(lines)
	if ev, ok := s.dispatch(); ok {
		events = append(events, ev)
	}
	return events
}

func (s *SSEBuffer) consume(lines []string) []SSEEvent {
	var events []SSEEvent
	for _, line := range lines {
		if line == "" {
			if ev, ok := s.dispatch(); ok {
				events = append(events, ev)
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			s.event = value
		case "data":
			s.data = append(s.data, value)
		}
	}
	return events
}

func (s *SSEBuffer) dispatch() (SSEEvent, bool) {
	if len(s.data) == 0 && s.event == "" {
		return SSEEvent{}, false
	}
	ev := SSEEvent{Event: s.event, Data: strings.Join(s.data, "\n")}
	s.event = ""
	s.data = nil
	return ev, true
}
