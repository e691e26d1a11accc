// Package relay implements the dumb byte-copying task that lets an
// untrusted host ferry ciphertext between two enclaves without terminating
// the secure channel. It never inspects, buffers beyond a streaming copy,
// or reorders bytes.
package relay

import (
	"context"
	"io"
	"sync"
)

// Transport is the bidirectional byte stream capability a relay link needs
// from each side. net.Conn satisfies it.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// direction tracks one copy task's completion.
type direction struct {
	finished chan struct{}
	mu       sync.Mutex
	n        int64
	err      error
}

func newDirection() *direction {
	return &direction{finished: make(chan struct{})}
}

func (d *direction) run(w io.Writer, r io.Reader) {
	n, err := io.Copy(w, r)
	d.mu.Lock()
	d.n, d.err = n, err
	d.mu.Unlock()
	close(d.finished)
}

func (d *direction) isFinished() bool {
	select {
	case <-d.finished:
		return true
	default:
		return false
	}
}

func (d *direction) result() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n, d.err
}

// Handle is a running relay link between two transports. Dropping it does
// not stop the copy tasks; call Abort to unblock them, or IsFinished to
// check whether both directions have reached EOF on their own.
type Handle struct {
	upstream   Transport
	downstream Transport
	u2d        *direction
	d2u        *direction
}

// StartLink spawns the two independent copy tasks of a bidirectional relay:
// upstream -> downstream and downstream -> upstream.
func StartLink(upstream, downstream Transport) *Handle {
	h := &Handle{
		upstream:   upstream,
		downstream: downstream,
		u2d:        newDirection(),
		d2u:        newDirection(),
	}
	go h.u2d.run(downstream, upstream)
	go h.d2u.run(upstream, downstream)
	return h
}

// IsFinished reports whether both copy directions have completed.
func (h *Handle) IsFinished() bool {
	return h.u2d.isFinished() && h.d2u.isFinished()
}

// Abort closes both transports, unblocking any in-flight Read/Write and
// causing both copy tasks to terminate with an error.
func (h *Handle) Abort() {
	h.upstream.Close()
	h.downstream.Close()
}

// Wait blocks until both directions finish or ctx is done, returning the
// byte counts transferred in each direction.
func (h *Handle) Wait(ctx context.Context) (upstreamToDownstream, downstreamToUpstream int64, err error) {
	select {
	case <-h.u2d.finished:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
	select {
	case <-h.d2u.finished:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
	n1, _ := h.u2d.result()
	n2, _ := h.d2u.result()
	return n1, n2, nil
}

// TransportFactory builds the upstream-side and downstream-side transports
// for one inter-stage gap.
type TransportFactory func(ctx context.Context, upstreamStageIdx, downstreamStageIdx int) (upstream, downstream Transport, err error)

// StartMesh starts relay links for a linear pipeline of numStages stages,
// returning numStages-1 handles connecting stage[i].data_out to
// stage[i+1].data_in. A single-stage pipeline needs no relays and returns
// an empty slice.
func StartMesh(ctx context.Context, numStages int, factory TransportFactory) ([]*Handle, error) {
	if numStages <= 1 {
		return nil, nil
	}
	handles := make([]*Handle, 0, numStages-1)
	for i := 0; i < numStages-1; i++ {
		upstream, downstream, err := factory(ctx, i, i+1)
		if err != nil {
			for _, h := range handles {
				h.Abort()
			}
			return nil, err
		}
		handles = append(handles, StartLink(upstream, downstream))
	}
	return handles, nil
}
