// Package pump gives every secure channel exactly one background reader.
//
// Every channel is single-owner and may never have two tasks calling Recv on
// it concurrently, yet both the stage runtime and the orchestrator
// need to race "the next control message" against other events (request
// completion, a timer) without losing whichever event didn't win. A Reader
// starts a single goroutine that calls the channel's blocking Recv in a loop
// and republishes every result on a buffered channel; callers then select
// against that channel instead of calling Recv directly, so a message that
// arrives while nobody is waiting simply sits until the next Recv call picks
// it up. That is exactly the "tolerant reader" / stale-message-skipping
// behaviour the drain and health-check procedures require.
package pump

import (
	"context"

	"github.com/cyntrisec/confidential-ml-pipeline/pkg/transport"
)

// Result is one pumped Recv outcome.
type Result struct {
	Msg transport.Message
	Err error
}

// Reader pumps transport.SecureChannel.Recv on a dedicated goroutine.
type Reader struct {
	out chan Result
}

// New starts pumping ch. The pump goroutine exits after its first error
// (a closed or failed channel never yields a further message).
func New(ch transport.SecureChannel) *Reader {
	r := &Reader{out: make(chan Result, 32)}
	go r.run(ch)
	return r
}

func (r *Reader) run(ch transport.SecureChannel) {
	for {
		msg, err := ch.Recv(context.Background())
		r.out <- Result{Msg: msg, Err: err}
		if err != nil {
			return
		}
	}
}

// Out exposes the raw result stream for callers that need to select it
// alongside other channels (e.g. a concurrent request-completion signal).
func (r *Reader) Out() <-chan Result {
	return r.out
}

// Recv waits for the next pumped result or ctx cancellation. A message
// already sitting on the internal buffer is still observed by a later
// caller even if this call times out, since nothing is dropped. A ctx that
// is already cancelled never consumes a buffered message, so an abandoned
// caller cannot steal a reply the drain procedure is waiting on.
func (r *Reader) Recv(ctx context.Context) (transport.Message, error) {
	if err := ctx.Err(); err != nil {
		return transport.Message{}, err
	}
	select {
	case res := <-r.out:
		return res.Msg, res.Err
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}
