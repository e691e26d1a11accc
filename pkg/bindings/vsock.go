package bindings

import (
	"context"
	"net"

	"github.com/mdlayher/vsock"

	"github.com/cyntrisec/confidential-ml-pipeline/pkg/errs"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/manifest"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/orchestrator"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/transport"
)

// ListenVSock opens a vsock listener on spec.Port, accepting from any
// context id. spec.Type must be "vsock".
func ListenVSock(spec manifest.PortSpec) (net.Listener, error) {
	const op = "bindings.ListenVSock"
	if spec.Type != "vsock" {
		return nil, errs.New(op, errs.KindIO, "port spec is not vsock")
	}
	ln, err := vsock.Listen(spec.Port, nil)
	if err != nil {
		return nil, errs.Wrap(op, errs.KindIO, err)
	}
	return ln, nil
}

// DialVSock dials spec.CID:spec.Port with bounded retry/backoff. spec.Type
// must be "vsock".
func DialVSock(ctx context.Context, spec manifest.PortSpec, policy orchestrator.RetryPolicy) (transport.RawTransport, error) {
	const op = "bindings.DialVSock"
	if spec.Type != "vsock" {
		return nil, errs.New(op, errs.KindIO, "port spec is not vsock")
	}
	return dialWithRetry(ctx, op, policy, func(context.Context) (transport.RawTransport, error) {
		return vsock.Dial(spec.CID, spec.Port, nil)
	})
}

// AcceptVSock blocks for one inbound connection on a vsock listener, with
// the same cancellation contract as AcceptTCP.
func AcceptVSock(ctx context.Context, ln net.Listener) (transport.RawTransport, error) {
	return acceptConn(ctx, ln)
}
