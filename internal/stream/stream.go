// Package stream defines the chunked-response contract between the
// orchestrator and the streaming transport. The orchestrator only decides
// whether to hand off and supplies the chunk source; writing chunks to the
// wire is the transport's job.
package stream

import (
	"context"

	"github.com/forrst-rpc/forrstd/model"
)

// Chunk event kinds.
const (
	EventData  = "data"
	EventError = "error"
	EventDone  = "done"
)

// Chunk is one event in a streamed response.
type Chunk struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Producer generates chunks for one request. It must stop promptly when ctx
// is cancelled: the transport cancels it on client disconnect. Returning a
// non-nil error emits a final error chunk; returning nil emits the terminal
// done chunk.
type Producer func(ctx context.Context, send func(Chunk) error) error

// Source couples a request with its chunk producer. The transport runs the
// producer and owns the connection from then on.
type Source struct {
	Request *model.Request
	Produce Producer
}

// Run executes the producer, forwarding chunks to the returned channel. The
// channel is closed after the terminal chunk. Errors from the producer are
// converted into a wire error chunk so the client always observes a
// distinguished final event.
func (s *Source) Run(ctx context.Context) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)

		send := func(c Chunk) error {
			select {
			case out <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := runProducer(ctx, s.Produce, send)
		if err != nil {
			// Disconnected clients get nothing; everyone else gets a final
			// error event with an opaque wire error.
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- Chunk{Event: EventError, Payload: model.MapError(err)}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case out <- Chunk{Event: EventDone}:
		case <-ctx.Done():
		}
	}()
	return out
}

// runProducer invokes the producer with panic containment. A panicking
// producer terminates the stream with an internal error rather than tearing
// down the server.
func runProducer(ctx context.Context, p Producer, send func(Chunk) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = model.NewInternalError()
		}
	}()
	return p(ctx, send)
}
