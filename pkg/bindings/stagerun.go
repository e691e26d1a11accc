package bindings

import (
	"context"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/cyntrisec/confidential-ml-pipeline/pkg/errs"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/manifest"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/orchestrator"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/stage"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/transport"
)

// BindStageListeners opens the control and data-in listeners a stage
// process needs before it can run: the orchestrator dials both, so they
// must be bound and their resolved addresses (ln.Addr()) published before
// RunStageWithListeners is called.
func BindStageListeners(ctrlSpec, dataInSpec manifest.PortSpec) (ctrlLn, dataInLn net.Listener, err error) {
	ctrlLn, err = listenOne(ctrlSpec)
	if err != nil {
		return nil, nil, err
	}
	dataInLn, err = listenOne(dataInSpec)
	if err != nil {
		ctrlLn.Close()
		return nil, nil, err
	}
	return ctrlLn, dataInLn, nil
}

// RunStageWithListeners drives one stage process end to end: accept control,
// run the control phase, concurrently accept data-in and dial data-out (with
// retry/backoff against dataOutSpec), run the data phase, then run the
// process loop until Shutdown or a fatal error.
func RunStageWithListeners(ctx context.Context, rt *stage.Runtime, ctrlLn, dataInLn net.Listener, dataOutSpec manifest.PortSpec, policy orchestrator.RetryPolicy) error {
	const op = "bindings.RunStageWithListeners"

	ctrlConn, err := acceptConn(ctx, ctrlLn)
	if err != nil {
		return errs.Wrap(op, errs.KindTransport, err)
	}
	if _, _, err := rt.RunControlPhase(ctx, ctrlConn); err != nil {
		return err
	}

	var dataIn, dataOut transport.RawTransport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		conn, err := acceptConn(gctx, dataInLn)
		if err != nil {
			return err
		}
		dataIn = conn
		return nil
	})
	g.Go(func() error {
		conn, err := dialOne(gctx, dataOutSpec, policy)
		if err != nil {
			return err
		}
		dataOut = conn
		return nil
	})
	if err := g.Wait(); err != nil {
		return errs.Wrap(op, errs.KindTransport, err)
	}

	if err := rt.RunDataPhase(ctx, dataIn, dataOut); err != nil {
		return err
	}
	return rt.RunProcessLoop(ctx)
}
