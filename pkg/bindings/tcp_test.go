package bindings_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyntrisec/confidential-ml-pipeline/pkg/bindings"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/manifest"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/orchestrator"
)

func TestTCPListenDialRoundTrip(t *testing.T) {
	ln, err := bindings.ListenTCP(manifest.TCPPortSpec("127.0.0.1:0"))
	require.NoError(t, err)
	defer ln.Close()

	spec := manifest.TCPPortSpec(ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	serverConnCh := make(chan error, 1)
	go func() {
		_, err := bindings.AcceptTCP(ctx, ln)
		serverConnCh <- err
	}()

	policy := orchestrator.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2}
	clientConn, err := bindings.DialTCP(ctx, spec, policy)
	require.NoError(t, err)
	defer clientConn.Close()

	require.NoError(t, <-serverConnCh)
}

func TestDialTCPExhaustsRetryOnRefusedConn(t *testing.T) {
	ln, err := bindings.ListenTCP(manifest.TCPPortSpec("127.0.0.1:0"))
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close()) // nothing listens here anymore

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	policy := orchestrator.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2}
	_, err = bindings.DialTCP(ctx, manifest.TCPPortSpec(addr), policy)
	assert.Error(t, err)
}

func TestDialTCPRejectsNonTCPSpec(t *testing.T) {
	_, err := bindings.DialTCP(context.Background(), manifest.VSockPortSpec(3, 9000), orchestrator.DefaultRetryPolicy())
	assert.Error(t, err)
}

func TestListenTCPRejectsNonTCPSpec(t *testing.T) {
	_, err := bindings.ListenTCP(manifest.VSockPortSpec(3, 9000))
	assert.Error(t, err)
}
