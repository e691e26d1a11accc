package stage_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyntrisec/confidential-ml-pipeline/pkg/manifest"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/protocol"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/stage"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/transport"
)

// fakeExecutor is a minimal transport.Executor (and optionally WeightHasher)
// whose behavior tests configure directly.
type fakeExecutor struct {
	hashes  []string
	initErr error
	forward func(ctx context.Context, requestID uint64, microBatch uint32, inputs []transport.Tensor) ([]transport.Tensor, error)
}

func (e *fakeExecutor) Init(context.Context, *manifest.StageSpec) error { return e.initErr }

func (e *fakeExecutor) Forward(ctx context.Context, requestID uint64, microBatch uint32, inputs []transport.Tensor) ([]transport.Tensor, error) {
	if e.forward != nil {
		return e.forward(ctx, requestID, microBatch, inputs)
	}
	return inputs, nil
}

func (e *fakeExecutor) WeightHashes() []string { return e.hashes }

// harness wires a stage.Runtime to a test-driven "orchestrator" over three
// net.Pipe pairs, using the in-memory channel factory on both ends.
type harness struct {
	t       *testing.T
	factory transport.ChannelFactory
	rt      *stage.Runtime

	controlRaw, testControlRaw net.Conn
	dataInRaw, testDataInRaw   net.Conn
	dataOutRaw, testDataOutRaw net.Conn

	testControl transport.SecureChannel
	testDataIn  transport.SecureChannel
	testDataOut transport.SecureChannel
}

func newHarness(t *testing.T, exec transport.Executor) *harness {
	t.Helper()
	factory := transport.NewInMemoryChannelFactory()
	h := &harness{t: t, factory: factory}
	h.controlRaw, h.testControlRaw = net.Pipe()
	h.dataInRaw, h.testDataInRaw = net.Pipe()
	h.dataOutRaw, h.testDataOutRaw = net.Pipe()

	ctx := context.Background()
	var err error
	h.testControl, err = factory.ConnectWithAttestation(ctx, h.testControlRaw, transport.MockAttestationVerifier{}, nil)
	require.NoError(t, err)
	h.testDataIn, err = factory.ConnectWithAttestation(ctx, h.testDataInRaw, transport.MockAttestationVerifier{}, nil)
	require.NoError(t, err)
	h.testDataOut, err = factory.AcceptWithAttestation(ctx, h.testDataOutRaw, transport.MockAttestationProvider{}, nil)
	require.NoError(t, err)

	h.rt = stage.NewRuntime(factory, exec, transport.MockAttestationProvider{}, transport.MockAttestationVerifier{}, nil)
	return h
}

func (h *harness) sendOrchestrator(ctx context.Context, msg protocol.OrchestratorMsg) {
	h.t.Helper()
	data, err := protocol.EncodeOrchestratorMsg(msg)
	require.NoError(h.t, err)
	require.NoError(h.t, h.testControl.Send(ctx, data))
}

func (h *harness) recvStage(ctx context.Context) protocol.StageMsg {
	h.t.Helper()
	m, err := h.testControl.Recv(ctx)
	require.NoError(h.t, err)
	require.Equal(h.t, transport.MessageData, m.Kind)
	sm, err := protocol.DecodeStageMsg(m.Data)
	require.NoError(h.t, err)
	return sm
}

func identitySpec() (manifest.StageSpec, manifest.ActivationSpec) {
	return manifest.StageSpec{StageIdx: 0, LayerStart: 0, LayerEnd: 4},
		manifest.ActivationSpec{DType: manifest.DTypeF32, HiddenDim: 8, MaxSeqLen: 128}
}

func TestStageSingleStageHappyPath(t *testing.T) {
	exec := &fakeExecutor{}
	h := newHarness(t, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	spec, actSpec := identitySpec()

	controlDone := make(chan struct {
		up, down bool
		err      error
	}, 1)
	go func() {
		up, down, err := h.rt.RunControlPhase(ctx, h.controlRaw)
		controlDone <- struct {
			up, down bool
			err      error
		}{up, down, err}
	}()

	h.sendOrchestrator(ctx, protocol.Init{StageSpec: spec, ActivationSpec: actSpec, NumStages: 1})
	ready := h.recvStage(ctx)
	assert.Equal(t, protocol.Ready{StageIdx: 0}, ready)

	h.sendOrchestrator(ctx, protocol.EstablishDataChannels{HasUpstream: false, HasDownstream: false})
	cd := <-controlDone
	require.NoError(t, cd.err)
	assert.False(t, cd.up)
	assert.False(t, cd.down)

	dataDone := make(chan error, 1)
	go func() { dataDone <- h.rt.RunDataPhase(ctx, h.dataInRaw, h.dataOutRaw) }()
	// The in-memory channel's Send blocks until the peer reads, so
	// DataChannelsReady must be read before RunDataPhase can return.
	assert.Equal(t, protocol.DataChannelsReady{StageIdx: 0}, h.recvStage(ctx))
	require.NoError(t, <-dataDone)

	loopDone := make(chan error, 1)
	go func() { loopDone <- h.rt.RunProcessLoop(ctx) }()

	h.sendOrchestrator(ctx, protocol.StartRequest{RequestID: 1, NumMicroBatches: 1, SeqLen: 16})

	require.NoError(t, h.testDataIn.SendTensor(ctx, transport.Tensor{Name: "x", DType: "f32", Shape: []uint64{1}, Data: []byte{1}}))
	require.NoError(t, h.testDataIn.Send(ctx, []byte("END")))

	msg, err := h.testDataOut.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, transport.MessageTensor, msg.Kind)
	assert.Equal(t, "x", msg.Tensor.Name)

	msg, err = h.testDataOut.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("END"), msg.Data)

	assert.Equal(t, protocol.RequestDone{RequestID: 1}, h.recvStage(ctx))

	h.sendOrchestrator(ctx, protocol.Shutdown{})
	assert.Equal(t, protocol.ShuttingDown{StageIdx: 0}, h.recvStage(ctx))
	require.NoError(t, <-loopDone)
}

func TestStageWeightHashMismatchFailsControlPhase(t *testing.T) {
	exec := &fakeExecutor{hashes: []string{"deadbeef"}}
	h := newHarness(t, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	spec, actSpec := identitySpec()
	spec.WeightHashes = []string{"cafef00d"}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := h.rt.RunControlPhase(ctx, h.controlRaw)
		errCh <- err
	}()

	h.sendOrchestrator(ctx, protocol.Init{StageSpec: spec, ActivationSpec: actSpec, NumStages: 1})
	err := <-errCh
	assert.Error(t, err)
}

func TestStageSeqLenExceedsMaxFailsFast(t *testing.T) {
	exec := &fakeExecutor{}
	h := newHarness(t, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	spec, actSpec := identitySpec()
	actSpec.MaxSeqLen = 8

	controlDone := make(chan error, 1)
	go func() {
		_, _, err := h.rt.RunControlPhase(ctx, h.controlRaw)
		controlDone <- err
	}()
	h.sendOrchestrator(ctx, protocol.Init{StageSpec: spec, ActivationSpec: actSpec, NumStages: 1})
	h.recvStage(ctx) // Ready
	h.sendOrchestrator(ctx, protocol.EstablishDataChannels{})
	require.NoError(t, <-controlDone)

	dataDone := make(chan error, 1)
	go func() { dataDone <- h.rt.RunDataPhase(ctx, h.dataInRaw, h.dataOutRaw) }()
	h.recvStage(ctx) // DataChannelsReady
	require.NoError(t, <-dataDone)

	loopDone := make(chan error, 1)
	go func() { loopDone <- h.rt.RunProcessLoop(ctx) }()

	h.sendOrchestrator(ctx, protocol.StartRequest{RequestID: 9, NumMicroBatches: 1, SeqLen: 999})

	msg, err := h.testDataOut.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ERR"), msg.Data)

	sm := h.recvStage(ctx)
	reqErr, ok := sm.(protocol.RequestError)
	require.True(t, ok)
	assert.Equal(t, uint64(9), reqErr.RequestID)

	h.sendOrchestrator(ctx, protocol.Shutdown{})
	h.recvStage(ctx)
	require.NoError(t, <-loopDone)
}

func TestStageAbortRequestDuringForwardReturnsRequestError(t *testing.T) {
	blockedForward := make(chan struct{})
	exec := &fakeExecutor{
		forward: func(ctx context.Context, requestID uint64, microBatch uint32, inputs []transport.Tensor) ([]transport.Tensor, error) {
			close(blockedForward)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := newHarness(t, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	spec, actSpec := identitySpec()
	controlDone := make(chan error, 1)
	go func() {
		_, _, err := h.rt.RunControlPhase(ctx, h.controlRaw)
		controlDone <- err
	}()
	h.sendOrchestrator(ctx, protocol.Init{StageSpec: spec, ActivationSpec: actSpec, NumStages: 1})
	h.recvStage(ctx)
	h.sendOrchestrator(ctx, protocol.EstablishDataChannels{})
	require.NoError(t, <-controlDone)

	dataDone := make(chan error, 1)
	go func() { dataDone <- h.rt.RunDataPhase(ctx, h.dataInRaw, h.dataOutRaw) }()
	h.recvStage(ctx)
	require.NoError(t, <-dataDone)

	loopDone := make(chan error, 1)
	go func() { loopDone <- h.rt.RunProcessLoop(ctx) }()

	h.sendOrchestrator(ctx, protocol.StartRequest{RequestID: 5, NumMicroBatches: 1, SeqLen: 4})
	require.NoError(t, h.testDataIn.Send(ctx, []byte("END")))

	<-blockedForward
	h.sendOrchestrator(ctx, protocol.AbortRequest{RequestID: 5, Reason: "timeout"})

	sm := h.recvStage(ctx)
	reqErr, ok := sm.(protocol.RequestError)
	require.True(t, ok)
	assert.Equal(t, uint64(5), reqErr.RequestID)

	h.sendOrchestrator(ctx, protocol.Shutdown{})
	h.recvStage(ctx)
	require.NoError(t, <-loopDone)
}
