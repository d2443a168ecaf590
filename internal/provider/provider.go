// Package provider defines the adapter capability set shared by every LLM
// provider and the single-attempt call executor built on top of it.
package provider

import (
	"errors"
	"net/http"

	"llmdispatch/internal/models"
	"llmdispatch/internal/transport"
)

// ErrIncompleteStream indicates a stream that ended before the provider's
// completion marker.
var ErrIncompleteStream = errors.New("stream ended before completion marker")

// Adapter translates canonical prompts into one provider's wire protocol and back.
type Adapter interface {
	Name() string

	// Encode builds the outbound request, including auth headers, for one attempt.
	Encode(prompt models.Prompt, opts CallOptions) (transport.Request, error)

	// Decode parses a complete non-streaming 2xx response.
	Decode(resp transport.RawResponse) (Reply, error)

	// NewStreamDecoder returns a fresh decoder owned by a single call attempt.
	NewStreamDecoder() StreamDecoder

	// ClassifyStatus maps a non-2xx response to a failure.
	ClassifyStatus(status int, header http.Header, body []byte) *models.Failure
}

// StreamDecoder incrementally decodes stream frames. Frames may split a unit
// at any byte, so decoders buffer until a complete line or event exists.
type StreamDecoder interface {
	// Feed returns the deltas completed by frame. On error the deltas decoded
	// before the malformed unit are still returned.
	Feed(frame transport.RawFrame) ([]Delta, error)

	// Finish flushes buffered data once the stream has ended.
	Finish() ([]Delta, error)
}

// Delta is one decoded increment of a stream.
type Delta struct {
	Text  string
	Usage *models.Usage
	// Done marks the provider's end-of-stream marker.
	Done bool
}

// Reply is a decoded non-streaming response.
type Reply struct {
	Text  string
	Usage *models.Usage
}

// CallOptions parameterise one call attempt.
type CallOptions struct {
	Stream   bool
	Attempt  int
	Override models.Override
	Timeouts transport.Timeouts
}

// Sink receives chunks in index order. It must not retain the chunk's backing data.
type Sink func(models.Chunk)
