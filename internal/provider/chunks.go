package provider

import (
	"errors"
	"io"
	"strings"
	"time"

	"llmdispatch/internal/models"
	"llmdispatch/internal/transport"
)

// ChunkStream lazily decodes a transport stream into chunks. It is finite and
// cannot be restarted. Every stream yields exactly one terminal chunk, last by
// index, whether it ends cleanly or with a failure; Next then returns io.EOF.
type ChunkStream struct {
	provider string
	attempt  int
	stream   *transport.Stream
	decoder  StreamDecoder
	started  time.Time

	pending []Delta
	index   int
	text    strings.Builder
	usage   *models.Usage

	firstByte time.Duration
	failure   *models.Failure
	ended     bool
	terminal  bool
}

// NewChunkStream wraps an open 2xx stream. started is the attempt start time
// used for first-byte measurement.
func NewChunkStream(provider string, attempt int, stream *transport.Stream, decoder StreamDecoder, started time.Time) *ChunkStream {
	return &ChunkStream{
		provider: provider,
		attempt:  attempt,
		stream:   stream,
		decoder:  decoder,
		started:  started,
	}
}

// Next returns the next chunk, blocking on the transport while needed.
func (s *ChunkStream) Next() (models.Chunk, error) {
	for {
		for len(s.pending) > 0 {
			delta := s.pending[0]
			s.pending = s.pending[1:]
			if delta.Usage != nil {
				usage := *delta.Usage
				s.usage = &usage
			}
			if delta.Text == "" {
				continue
			}
			return s.emit(delta.Text, false), nil
		}

		if s.ended {
			if s.terminal {
				return models.Chunk{}, io.EOF
			}
			s.terminal = true
			return s.emit("", true), nil
		}

		s.read()
	}
}

func (s *ChunkStream) read() {
	frame, err := s.stream.Next()
	if errors.Is(err, io.EOF) {
		deltas, ferr := s.decoder.Finish()
		s.queue(deltas)
		if ferr != nil {
			s.fail(streamFailure(ferr))
		}
		s.ended = true
		return
	}
	if err != nil {
		s.fail(ClassifyTransportError(err))
		s.ended = true
		return
	}

	if s.firstByte == 0 {
		s.firstByte = time.Since(s.started)
	}

	deltas, derr := s.decoder.Feed(frame)
	s.queue(deltas)
	if derr != nil {
		s.fail(streamFailure(derr))
		s.ended = true
	}
}

func (s *ChunkStream) queue(deltas []Delta) {
	for _, delta := range deltas {
		s.pending = append(s.pending, delta)
		if delta.Done {
			s.ended = true
		}
	}
}

func (s *ChunkStream) fail(failure *models.Failure) {
	if s.failure == nil {
		s.failure = failure
	}
}

func (s *ChunkStream) emit(delta string, terminal bool) models.Chunk {
	chunk := models.Chunk{
		Provider: s.provider,
		Attempt:  s.attempt,
		Index:    s.index,
		Delta:    delta,
		Terminal: terminal,
	}
	s.index++
	s.text.WriteString(delta)
	return chunk
}

// Err reports the failure that ended the stream, nil after a clean end.
func (s *ChunkStream) Err() *models.Failure {
	return s.failure
}

// Text returns the concatenation of every delta emitted so far.
func (s *ChunkStream) Text() string {
	return s.text.String()
}

// Usage returns the last usage reported by the provider.
func (s *ChunkStream) Usage() *models.Usage {
	return s.usage
}

// FirstByte returns the time from attempt start to the first received frame.
func (s *ChunkStream) FirstByte() time.Duration {
	return s.firstByte
}

// streamFailure keeps failures reported in-band by the provider and treats
// every other decoder error as malformed data.
func streamFailure(err error) *models.Failure {
	var failure *models.Failure
	if errors.As(err, &failure) {
		return failure
	}
	return models.NewFailure(models.FailureDecodeError, "%v", err)
}
