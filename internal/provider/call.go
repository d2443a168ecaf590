package provider

import (
	"context"
	"errors"
	"io"
	"time"

	"llmdispatch/internal/models"
	"llmdispatch/internal/transport"
)

// Result is a successful call attempt.
type Result struct {
	Text      string
	Usage     *models.Usage
	Latency   time.Duration
	FirstByte time.Duration
}

// Call executes one attempt against adapter. Chunks are delivered to sink in
// index order and every attempt ends with exactly one terminal chunk. On
// failure the returned Result still carries any text emitted before it.
func Call(ctx context.Context, adapter Adapter, tr transport.Transport, prompt models.Prompt, opts CallOptions, sink Sink) (Result, *models.Failure) {
	started := time.Now()
	emitter := &chunkEmitter{provider: adapter.Name(), attempt: opts.Attempt, sink: sink}

	var (
		result  Result
		failure *models.Failure
	)
	if opts.Stream {
		result, failure = callStream(ctx, adapter, tr, prompt, opts, emitter, started)
	} else {
		result, failure = callOnce(ctx, adapter, tr, prompt, opts, emitter, started)
	}

	result.Latency = time.Since(started)
	if result.FirstByte == 0 && failure == nil {
		result.FirstByte = result.Latency
	}
	return result, failure
}

func callOnce(ctx context.Context, adapter Adapter, tr transport.Transport, prompt models.Prompt, opts CallOptions, emitter *chunkEmitter, started time.Time) (Result, *models.Failure) {
	defer emitter.terminal()

	req, err := adapter.Encode(prompt, opts)
	if err != nil {
		return Result{}, models.NewFailure(models.FailureInvalidRequest, "encode request: %v", err)
	}

	resp, err := tr.Send(ctx, req)
	if err != nil {
		return Result{}, ClassifyTransportError(err)
	}
	firstByte := time.Since(started)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{FirstByte: firstByte}, adapter.ClassifyStatus(resp.StatusCode, resp.Header, resp.Body)
	}

	reply, err := adapter.Decode(resp)
	if err != nil {
		return Result{FirstByte: firstByte}, models.NewFailure(models.FailureDecodeError, "%v", err)
	}

	emitter.delta(reply.Text)
	return Result{Text: reply.Text, Usage: reply.Usage, FirstByte: firstByte}, nil
}

func callStream(ctx context.Context, adapter Adapter, tr transport.Transport, prompt models.Prompt, opts CallOptions, emitter *chunkEmitter, started time.Time) (Result, *models.Failure) {
	req, err := adapter.Encode(prompt, opts)
	if err != nil {
		emitter.terminal()
		return Result{}, models.NewFailure(models.FailureInvalidRequest, "encode request: %v", err)
	}

	stream, err := tr.OpenStream(ctx, req)
	if err != nil {
		emitter.terminal()
		return Result{}, ClassifyTransportError(err)
	}
	defer stream.Close()

	if stream.StatusCode < 200 || stream.StatusCode > 299 {
		emitter.terminal()
		body, _ := stream.ReadAll(MaxErrorBody)
		return Result{}, adapter.ClassifyStatus(stream.StatusCode, stream.Header, body)
	}

	chunks := NewChunkStream(adapter.Name(), opts.Attempt, stream, adapter.NewStreamDecoder(), started)
	for {
		chunk, err := chunks.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		emitter.forward(chunk)
	}

	result := Result{
		Text:      chunks.Text(),
		Usage:     chunks.Usage(),
		FirstByte: chunks.FirstByte(),
	}
	return result, chunks.Err()
}

type chunkEmitter struct {
	provider string
	attempt  int
	sink     Sink
	index    int
	done     bool
}

func (e *chunkEmitter) delta(text string) {
	if text == "" {
		return
	}
	e.forward(models.Chunk{Provider: e.provider, Attempt: e.attempt, Index: e.index, Delta: text})
}

func (e *chunkEmitter) terminal() {
	if e.done {
		return
	}
	e.forward(models.Chunk{Provider: e.provider, Attempt: e.attempt, Index: e.index, Terminal: true})
}

func (e *chunkEmitter) forward(chunk models.Chunk) {
	if e.done {
		return
	}
	e.index = chunk.Index + 1
	if chunk.Terminal {
		e.done = true
	}
	if e.sink != nil {
		e.sink(chunk)
	}
}
