package bindings

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cyntrisec/confidential-ml-pipeline/pkg/errs"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/manifest"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/orchestrator"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/relay"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/transport"
)

// InitOrchestrator drives an Orchestrator from Uninit through to Idle over
// real transports: dial every stage's control endpoint (with retry), run
// Init and SendEstablishDataChannels, then concurrently dial stage 0's
// data-in endpoint and accept a connection on the last stage's data-out
// endpoint, and finally CompleteDataChannels. relayHandles may be nil for a
// single-stage manifest or when stages reach each other without a host
// relay mesh.
func InitOrchestrator(
	ctx context.Context,
	o *orchestrator.Orchestrator,
	m *manifest.ShardManifest,
	policy orchestrator.RetryPolicy,
	verifier transport.AttestationVerifier,
	provider transport.AttestationProvider,
	relayHandles []*relay.Handle,
) error {
	const op = "bindings.InitOrchestrator"

	controlConns := make([]transport.RawTransport, len(m.Stages))
	for i, st := range m.Stages {
		conn, err := dialOne(ctx, st.Endpoint.Control, policy)
		if err != nil {
			return errs.Wrap(op, errs.KindTransport, err)
		}
		controlConns[i] = conn
	}

	if err := o.Init(ctx, controlConns, verifier); err != nil {
		return err
	}
	if err := o.SendEstablishDataChannels(ctx); err != nil {
		return err
	}

	var dataIn, dataOut transport.RawTransport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		conn, err := dialOne(gctx, m.Stages[0].Endpoint.DataIn, policy)
		if err != nil {
			return err
		}
		dataIn = conn
		return nil
	})
	g.Go(func() error {
		lastSpec := m.Stages[len(m.Stages)-1].Endpoint.DataOut
		ln, err := listenOne(lastSpec)
		if err != nil {
			return err
		}
		conn, err := acceptConn(gctx, ln)
		if err != nil {
			return err
		}
		dataOut = conn
		return nil
	})
	if err := g.Wait(); err != nil {
		return errs.Wrap(op, errs.KindTransport, err)
	}

	return o.CompleteDataChannels(ctx, dataIn, dataOut, relayHandles, verifier, provider)
}
