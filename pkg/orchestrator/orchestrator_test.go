package orchestrator_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyntrisec/confidential-ml-pipeline/pkg/errs"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/manifest"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/orchestrator"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/protocol"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/relay"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/stage"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/transport"
)

type identityExecutor struct{}

func (identityExecutor) Init(context.Context, *manifest.StageSpec) error { return nil }

func (identityExecutor) Forward(_ context.Context, _ uint64, _ uint32, inputs []transport.Tensor) ([]transport.Tensor, error) {
	return inputs, nil
}

type failingExecutor struct{ reason string }

func (failingExecutor) Init(context.Context, *manifest.StageSpec) error { return nil }

func (e failingExecutor) Forward(context.Context, uint64, uint32, []transport.Tensor) ([]transport.Tensor, error) {
	return nil, errors.New(e.reason)
}

// slowOnceExecutor blocks its first forward until cancelled (or far longer
// than any test timeout) and behaves as identity afterwards.
type slowOnceExecutor struct{ calls atomic.Int32 }

func (*slowOnceExecutor) Init(context.Context, *manifest.StageSpec) error { return nil }

func (e *slowOnceExecutor) Forward(ctx context.Context, _ uint64, _ uint32, inputs []transport.Tensor) ([]transport.Tensor, error) {
	if e.calls.Add(1) == 1 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(30 * time.Second):
		}
	}
	return inputs, nil
}

func buildManifest(numStages int) *manifest.ShardManifest {
	const layersPerStage = 2
	stages := make([]manifest.StageSpec, numStages)
	for i := range stages {
		stages[i] = manifest.StageSpec{StageIdx: i, LayerStart: i * layersPerStage, LayerEnd: (i + 1) * layersPerStage}
	}
	return &manifest.ShardManifest{
		ModelName:      "test-model",
		ModelVersion:   "v1",
		TotalLayers:    numStages * layersPerStage,
		Stages:         stages,
		ActivationSpec: manifest.ActivationSpec{DType: manifest.DTypeF32, HiddenDim: 8, MaxSeqLen: 128},
	}
}

func toRawTransports(conns []net.Conn) []transport.RawTransport {
	out := make([]transport.RawTransport, len(conns))
	for i, c := range conns {
		out[i] = c
	}
	return out
}

// setupLinearPipeline wires numStages real stage.Runtime instances (one per
// executor) into a linear pipeline behind one Orchestrator, either with
// direct pipes between neighboring stages or, when useRelay is true, through
// a relay.Handle per inter-stage link (simulating the untrusted-host mesh).
func setupLinearPipeline(t *testing.T, ctx context.Context, execs []transport.Executor, useRelay bool) (*orchestrator.Orchestrator, []*relay.Handle) {
	t.Helper()
	n := len(execs)
	factory := transport.NewInMemoryChannelFactory()
	provider := transport.MockAttestationProvider{}
	verifier := transport.MockAttestationVerifier{}

	controlOrchRaws := make([]net.Conn, n)
	stageDataInRaws := make([]net.Conn, n)
	stageDataOutRaws := make([]net.Conn, n)

	orchDataInRaw, stage0DataIn := net.Pipe()
	stageDataInRaws[0] = stage0DataIn

	var relayHandles []*relay.Handle
	for i := 0; i < n-1; i++ {
		a, b := net.Pipe()
		if useRelay {
			c, d := net.Pipe()
			relayHandles = append(relayHandles, relay.StartLink(b, c))
			stageDataOutRaws[i] = a
			stageDataInRaws[i+1] = d
		} else {
			stageDataOutRaws[i] = a
			stageDataInRaws[i+1] = b
		}
	}
	lastDataOut, orchDataOutRaw := net.Pipe()
	stageDataOutRaws[n-1] = lastDataOut

	for i := 0; i < n; i++ {
		orchSide, stageSide := net.Pipe()
		controlOrchRaws[i] = orchSide
		rt := stage.NewRuntime(factory, execs[i], provider, verifier, nil)
		go func(stageSide, dataInRaw, dataOutRaw net.Conn, rt *stage.Runtime) {
			if _, _, err := rt.RunControlPhase(ctx, stageSide); err != nil {
				return
			}
			if err := rt.RunDataPhase(ctx, dataInRaw, dataOutRaw); err != nil {
				return
			}
			_ = rt.RunProcessLoop(ctx)
		}(stageSide, stageDataInRaws[i], stageDataOutRaws[i], rt)
	}

	cfg := orchestrator.DefaultConfig()
	o, err := orchestrator.New(cfg, buildManifest(n), factory)
	require.NoError(t, err)

	require.NoError(t, o.Init(ctx, toRawTransports(controlOrchRaws), verifier))
	require.NoError(t, o.SendEstablishDataChannels(ctx))
	require.NoError(t, o.CompleteDataChannels(ctx, orchDataInRaw, orchDataOutRaw, relayHandles, verifier, provider))

	return o, relayHandles
}

func TestOrchestratorTwoStageIdentityPipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o, _ := setupLinearPipeline(t, ctx, []transport.Executor{identityExecutor{}, identityExecutor{}}, false)

	in := transport.Tensor{Name: "x", DType: "f32", Shape: []uint64{1}, Data: []byte{42}}
	res, err := o.Infer(ctx, [][]transport.Tensor{{in}}, 16)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	require.Len(t, res.Outputs[0], 1)
	assert.Equal(t, in, res.Outputs[0][0])

	require.NoError(t, o.HealthCheck(ctx))
	require.NoError(t, o.Shutdown(ctx))
	require.NoError(t, o.Shutdown(ctx)) // terminal state is idempotent
}

func TestOrchestratorThreeStageTwoMicrobatches(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o, _ := setupLinearPipeline(t, ctx, []transport.Executor{identityExecutor{}, identityExecutor{}, identityExecutor{}}, false)

	mb0 := transport.Tensor{Name: "x0", DType: "f32", Shape: []uint64{1}, Data: []byte{1}}
	mb1 := transport.Tensor{Name: "x1", DType: "f32", Shape: []uint64{1}, Data: []byte{2}}
	res, err := o.Infer(ctx, [][]transport.Tensor{{mb0}, {mb1}}, 16)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, mb0, res.Outputs[0][0])
	assert.Equal(t, mb1, res.Outputs[1][0])

	require.NoError(t, o.Shutdown(ctx))
}

func TestOrchestratorStageFailurePropagatesRequestFailed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o, _ := setupLinearPipeline(t, ctx, []transport.Executor{identityExecutor{}, failingExecutor{reason: "boom"}}, false)

	in := transport.Tensor{Name: "x", DType: "f32", Shape: []uint64{1}, Data: []byte{1}}
	_, err := o.Infer(ctx, [][]transport.Tensor{{in}}, 16)
	require.Error(t, err)

	var pe *errs.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, errs.KindRequestFailed, pe.Kind)
	assert.False(t, o.IsTainted())
	assert.Equal(t, orchestrator.StateIdle, o.State())

	require.NoError(t, o.Shutdown(ctx))
}

func TestOrchestratorRelayMeshCarriesDataChannelTraffic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o, handles := setupLinearPipeline(t, ctx, []transport.Executor{identityExecutor{}, identityExecutor{}}, true)
	require.Len(t, handles, 1)

	in := transport.Tensor{Name: "x", DType: "f32", Shape: []uint64{1}, Data: []byte{7}}
	res, err := o.Infer(ctx, [][]transport.Tensor{{in}}, 8)
	require.NoError(t, err)
	assert.Equal(t, in, res.Outputs[0][0])

	require.NoError(t, o.Shutdown(ctx))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	u2d, d2u, err := handles[0].Wait(waitCtx)
	require.NoError(t, err)
	assert.Greater(t, u2d+d2u, int64(0))
}

// runFakeStage is a minimal, fully test-controlled stage peer used only by
// the drain/taint tests below, where the real stage.Runtime's automatic
// AbortRequest handling would make an unrecoverable timeout unreachable.
func runFakeStage(ctx context.Context, control, dataIn transport.SecureChannel, stageIdx int, respondToAbort bool) {
	go func() {
		for {
			if _, err := dataIn.Recv(ctx); err != nil {
				return
			}
		}
	}()

	send := func(msg protocol.StageMsg) {
		data, _ := protocol.EncodeStageMsg(msg)
		_ = control.Send(ctx, data)
	}

	for {
		m, err := control.Recv(ctx)
		if err != nil {
			return
		}
		om, err := protocol.DecodeOrchestratorMsg(m.Data)
		if err != nil {
			return
		}
		switch msg := om.(type) {
		case protocol.Init:
			send(protocol.Ready{StageIdx: stageIdx})
		case protocol.EstablishDataChannels:
			send(protocol.DataChannelsReady{StageIdx: stageIdx})
		case protocol.StartRequest:
			// Deliberately unresponsive until AbortRequest or Shutdown.
		case protocol.AbortRequest:
			if respondToAbort {
				send(protocol.RequestError{RequestID: msg.RequestID, Error: "aborted"})
			}
		case protocol.Ping:
			send(protocol.Pong{Seq: msg.Seq})
		case protocol.Shutdown:
			send(protocol.ShuttingDown{StageIdx: stageIdx})
			return
		}
	}
}

func setupFakeSingleStagePipeline(t *testing.T, ctx context.Context, cfg orchestrator.Config, respondToAbort bool) *orchestrator.Orchestrator {
	t.Helper()
	factory := transport.NewInMemoryChannelFactory()
	provider := transport.MockAttestationProvider{}
	verifier := transport.MockAttestationVerifier{}

	controlOrch, controlStage := net.Pipe()
	dataInOrch, dataInStage := net.Pipe()
	dataOutStage, dataOutOrch := net.Pipe()
	_ = dataOutStage // unused: the fake stage never writes to data-out

	stageControl, err := factory.AcceptWithAttestation(ctx, controlStage, provider, nil)
	require.NoError(t, err)
	stageDataIn, err := factory.AcceptWithAttestation(ctx, dataInStage, provider, nil)
	require.NoError(t, err)

	go runFakeStage(ctx, stageControl, stageDataIn, 0, respondToAbort)

	o, err := orchestrator.New(cfg, buildManifest(1), factory)
	require.NoError(t, err)

	require.NoError(t, o.Init(ctx, []transport.RawTransport{controlOrch}, verifier))
	require.NoError(t, o.SendEstablishDataChannels(ctx))
	require.NoError(t, o.CompleteDataChannels(ctx, dataInOrch, dataOutOrch, nil, verifier, provider))
	return o
}

func TestOrchestratorRecoverableTimeoutDrainsToIdle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := orchestrator.DefaultConfig()
	cfg.InferTimeout = 30 * time.Millisecond
	cfg.StageDrainTimeout = 2 * time.Second
	cfg.DataDrainTimeout = 2 * time.Second
	cfg.DataQuietPeriod = 20 * time.Millisecond

	o := setupFakeSingleStagePipeline(t, ctx, cfg, true)

	in := transport.Tensor{Name: "x", DType: "f32", Shape: []uint64{1}, Data: []byte{1}}
	_, err := o.Infer(ctx, [][]transport.Tensor{{in}}, 8)
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
	assert.False(t, o.IsTainted())
	assert.Equal(t, orchestrator.StateIdle, o.State())

	require.NoError(t, o.HealthCheck(ctx))
}

func TestOrchestratorUnrecoverableTimeoutTaints(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := orchestrator.DefaultConfig()
	cfg.InferTimeout = 30 * time.Millisecond
	cfg.StageDrainTimeout = 50 * time.Millisecond
	cfg.DataDrainTimeout = 2 * time.Second
	cfg.DataQuietPeriod = 20 * time.Millisecond

	o := setupFakeSingleStagePipeline(t, ctx, cfg, false)

	in := transport.Tensor{Name: "x", DType: "f32", Shape: []uint64{1}, Data: []byte{1}}
	_, err := o.Infer(ctx, [][]transport.Tensor{{in}}, 8)
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
	assert.True(t, o.IsTainted())
	assert.Equal(t, orchestrator.StateTainted, o.State())

	_, err = o.Infer(ctx, [][]transport.Tensor{{in}}, 8)
	assert.True(t, errs.IsTainted(err))
	assert.True(t, errs.IsTainted(o.HealthCheck(ctx)))

	// Shutdown stays available from Tainted for best-effort cleanup.
	require.NoError(t, o.Shutdown(ctx))
}

func TestOrchestratorInferAfterDrainedTimeoutSucceeds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o, _ := setupLinearPipeline(t, ctx, []transport.Executor{&slowOnceExecutor{}}, false)

	in := transport.Tensor{Name: "x", DType: "f32", Shape: []uint64{1}, Data: []byte{1}}

	o.SetInferTimeout(50 * time.Millisecond)
	_, err := o.Infer(ctx, [][]transport.Tensor{{in}}, 8)
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
	require.False(t, o.IsTainted())
	assert.Equal(t, orchestrator.StateIdle, o.State())

	require.NoError(t, o.HealthCheck(ctx))

	o.SetInferTimeout(5 * time.Second)
	res, err := o.Infer(ctx, [][]transport.Tensor{{in}}, 8)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, in, res.Outputs[0][0])

	require.NoError(t, o.Shutdown(ctx))
}

func TestOrchestratorSeqLenExceedsMaxLeavesPipelineUsable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o, _ := setupLinearPipeline(t, ctx, []transport.Executor{identityExecutor{}}, false)

	in := transport.Tensor{Name: "x", DType: "f32", Shape: []uint64{1}, Data: []byte{1}}
	_, err := o.Infer(ctx, [][]transport.Tensor{{in}}, 999)
	require.Error(t, err)
	var pe *errs.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, errs.KindRequestFailed, pe.Kind)
	assert.Equal(t, orchestrator.StateIdle, o.State())

	res, err := o.Infer(ctx, [][]transport.Tensor{{in}}, 16)
	require.NoError(t, err)
	assert.Equal(t, in, res.Outputs[0][0])

	require.NoError(t, o.Shutdown(ctx))
}

func TestOrchestratorEmptyInputShortCircuits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o, _ := setupLinearPipeline(t, ctx, []transport.Executor{identityExecutor{}}, false)
	res, err := o.Infer(ctx, nil, 8)
	require.NoError(t, err)
	assert.Empty(t, res.Outputs)
}
