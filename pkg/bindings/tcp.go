// Package bindings wires the core pipeline types to real transports: TCP
// stream sockets for ordinary deployments and vsock for enclave-to-enclave
// or enclave-to-host links, with a host-side relay mesh for the case where
// two enclaves cannot reach each other over vsock directly.
package bindings

import (
	"context"
	"net"

	"github.com/cyntrisec/confidential-ml-pipeline/pkg/errs"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/manifest"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/orchestrator"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/transport"
)

// ListenTCP opens a TCP listener on spec.Addr. spec.Type must be "tcp".
func ListenTCP(spec manifest.PortSpec) (net.Listener, error) {
	const op = "bindings.ListenTCP"
	if spec.Type != "tcp" {
		return nil, errs.New(op, errs.KindIO, "port spec is not tcp")
	}
	ln, err := net.Listen("tcp", spec.Addr)
	if err != nil {
		return nil, errs.Wrap(op, errs.KindIO, err)
	}
	return ln, nil
}

// DialTCP dials spec.Addr with bounded retry/backoff. spec.Type must be
// "tcp".
func DialTCP(ctx context.Context, spec manifest.PortSpec, policy orchestrator.RetryPolicy) (transport.RawTransport, error) {
	const op = "bindings.DialTCP"
	if spec.Type != "tcp" {
		return nil, errs.New(op, errs.KindIO, "port spec is not tcp")
	}
	var d net.Dialer
	return dialWithRetry(ctx, op, policy, func(ctx context.Context) (transport.RawTransport, error) {
		return d.DialContext(ctx, "tcp", spec.Addr)
	})
}

// acceptConn blocks for one inbound connection on ln. If ctx finishes first,
// ln is closed to unblock the pending Accept and ctx.Err() is returned.
func acceptConn(ctx context.Context, ln net.Listener) (transport.RawTransport, error) {
	const op = "bindings.acceptConn"
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		done <- result{conn, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, errs.Wrap(op, errs.KindIO, res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		ln.Close()
		<-done
		return nil, ctx.Err()
	}
}

// AcceptTCP blocks for one inbound connection on a TCP listener.
func AcceptTCP(ctx context.Context, ln net.Listener) (transport.RawTransport, error) {
	return acceptConn(ctx, ln)
}

func listenOne(spec manifest.PortSpec) (net.Listener, error) {
	const op = "bindings.listenOne"
	switch spec.Type {
	case "tcp":
		return ListenTCP(spec)
	case "vsock":
		return ListenVSock(spec)
	default:
		return nil, errs.New(op, errs.KindIO, "unknown port spec type "+spec.Type)
	}
}

func dialOne(ctx context.Context, spec manifest.PortSpec, policy orchestrator.RetryPolicy) (transport.RawTransport, error) {
	const op = "bindings.dialOne"
	switch spec.Type {
	case "tcp":
		return DialTCP(ctx, spec, policy)
	case "vsock":
		return DialVSock(ctx, spec, policy)
	default:
		return nil, errs.New(op, errs.KindIO, "unknown port spec type "+spec.Type)
	}
}
