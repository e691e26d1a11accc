package bindings

import (
	"context"

	"github.com/cyntrisec/confidential-ml-pipeline/pkg/manifest"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/orchestrator"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/relay"
)

// HostRelayTransportFactory builds a relay.TransportFactory for a host
// process meshing two neighboring enclaves' data channels, for deployments
// where direct enclave-to-enclave vsock is unavailable. For
// link i it accepts the upstream stage's declared data_out endpoint (the
// upstream stage dials the host) and dials the downstream stage's declared
// data_in endpoint (the downstream stage listens), so neither enclave needs
// to resolve the other's address.
func HostRelayTransportFactory(m *manifest.ShardManifest, policy orchestrator.RetryPolicy) relay.TransportFactory {
	return func(ctx context.Context, upstreamStageIdx, downstreamStageIdx int) (relay.Transport, relay.Transport, error) {
		upstreamSpec := m.Stages[upstreamStageIdx].Endpoint.DataOut
		downstreamSpec := m.Stages[downstreamStageIdx].Endpoint.DataIn

		upstreamLn, err := listenOne(upstreamSpec)
		if err != nil {
			return nil, nil, err
		}
		upstream, err := acceptConn(ctx, upstreamLn)
		if err != nil {
			return nil, nil, err
		}

		downstream, err := dialOne(ctx, downstreamSpec, policy)
		if err != nil {
			upstream.Close()
			return nil, nil, err
		}

		return upstream, downstream, nil
	}
}
