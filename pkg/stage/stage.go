// Package stage implements the per-stage runtime: the control phase that
// brings a stage from Init to Ready to data-channels-established, and the
// process loop that executes inference requests against a user-supplied
// Executor while staying responsive to AbortRequest, Ping, and Shutdown.
package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cyntrisec/confidential-ml-pipeline/internal/pump"
	"github.com/cyntrisec/confidential-ml-pipeline/internal/telemetry"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/errs"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/logger"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/manifest"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/protocol"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/scheduler"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/transport"
)

// Option configures a Runtime at construction.
type Option func(*Runtime)

// WithLogger overrides the default SimpleLogger.
func WithLogger(l logger.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// WithTracer overrides the default no-op Tracer.
func WithTracer(tr telemetry.Tracer) Option {
	return func(r *Runtime) { r.tracer = tr }
}

// Runtime owns one stage's three channels and its Executor, and drives the
// stage through its control phase, data phase, and process loop.
type Runtime struct {
	factory    transport.ChannelFactory
	executor   transport.Executor
	provider   transport.AttestationProvider
	verifier   transport.AttestationVerifier
	sessionCfg transport.SessionConfig
	log        logger.Logger
	tracer     telemetry.Tracer

	// InstanceID correlates this runtime's log lines. A fresh id is minted
	// for every Runtime; it is not attached to trace spans.
	InstanceID string

	control     transport.SecureChannel
	controlPump *pump.Reader
	dataIn      transport.SecureChannel
	dataInPump  *pump.Reader
	dataOut     transport.SecureChannel

	stageSpec      *manifest.StageSpec
	activationSpec manifest.ActivationSpec
	numStages      int
}

// NewRuntime builds a Runtime around executor. provider authenticates this
// stage when it accepts the control and data-in channels; verifier checks
// the downstream peer's identity when it dials data-out.
func NewRuntime(factory transport.ChannelFactory, executor transport.Executor, provider transport.AttestationProvider, verifier transport.AttestationVerifier, sessionCfg transport.SessionConfig, opts ...Option) *Runtime {
	r := &Runtime{
		factory:    factory,
		executor:   executor,
		provider:   provider,
		verifier:   verifier,
		sessionCfg: sessionCfg,
		log:        logger.NewSimpleLogger(),
		tracer:     telemetry.NoopTracer(),
		InstanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logger.Field{Key: "instance_id", Value: r.InstanceID})
	return r
}

// StageSpec returns the spec received via Init, or nil before the control
// phase completes it.
func (r *Runtime) StageSpec() *manifest.StageSpec { return r.stageSpec }

// RunControlPhase accepts the control channel, processes exactly one Init,
// initializes the executor, verifies weight hashes if declared, sends
// Ready, and then loops (answering Ping) until EstablishDataChannels
// arrives, returning its upstream/downstream flags.
func (r *Runtime) RunControlPhase(ctx context.Context, controlRaw transport.RawTransport) (hasUpstream, hasDownstream bool, err error) {
	meta := telemetry.SpanMetadata{Name: "stage.control_phase"}
	start := time.Now()
	ctx, span := r.tracer.StartSpan(ctx, meta)
	defer span.End()
	hasUpstream, hasDownstream, err = r.runControlPhase(ctx, controlRaw)
	r.tracer.RecordOperation(ctx, meta, time.Since(start), err)
	return hasUpstream, hasDownstream, err
}

func (r *Runtime) runControlPhase(ctx context.Context, controlRaw transport.RawTransport) (hasUpstream, hasDownstream bool, err error) {
	const op = "stage.RunControlPhase"

	ch, err := r.factory.AcceptWithAttestation(ctx, controlRaw, r.provider, r.sessionCfg)
	if err != nil {
		return false, false, errs.Wrap(op, errs.KindTransport, err)
	}
	r.control = ch
	r.controlPump = pump.New(ch)

	om, err := r.recvOrchestratorMsg(ctx)
	if err != nil {
		return false, false, err
	}
	init, ok := om.(protocol.Init)
	if !ok {
		return false, false, errs.Protocol(op, fmt.Sprintf("expected Init, got %s", om.Type()))
	}
	r.stageSpec = &init.StageSpec
	r.activationSpec = init.ActivationSpec
	r.numStages = init.NumStages

	r.log.Info("stage control phase: received Init", logger.Field{Key: "stage_idx", Value: r.stageSpec.StageIdx})

	if initErr := r.executor.Init(ctx, r.stageSpec); initErr != nil {
		return false, false, errs.Wrap(op, errs.KindStage, fmt.Errorf("%w: %v", errs.ErrStageInitFailed, initErr))
	}

	if len(r.stageSpec.WeightHashes) > 0 {
		got := transport.WeightHashesOf(r.executor)
		if !hashesEqual(got, r.stageSpec.WeightHashes) {
			return false, false, errs.New(op, errs.KindStage, fmt.Sprintf("weight hash mismatch: expected %v, got %v", r.stageSpec.WeightHashes, got))
		}
	}

	if err := r.sendStageMsg(ctx, protocol.Ready{StageIdx: r.stageSpec.StageIdx}); err != nil {
		return false, false, err
	}

	for {
		om, err := r.recvOrchestratorMsg(ctx)
		if err != nil {
			return false, false, err
		}
		switch m := om.(type) {
		case protocol.EstablishDataChannels:
			return m.HasUpstream, m.HasDownstream, nil
		case protocol.Ping:
			if err := r.sendStageMsg(ctx, protocol.Pong{Seq: m.Seq}); err != nil {
				return false, false, err
			}
		default:
			return false, false, errs.Protocol(op, fmt.Sprintf("unexpected message %s during control phase", om.Type()))
		}
	}
}

// RunDataPhase accepts data-in and dials data-out concurrently, then emits
// DataChannelsReady.
func (r *Runtime) RunDataPhase(ctx context.Context, dataInRaw, dataOutRaw transport.RawTransport) error {
	meta := telemetry.SpanMetadata{Name: "stage.data_phase"}
	start := time.Now()
	ctx, span := r.tracer.StartSpan(ctx, meta)
	defer span.End()
	err := r.runDataPhase(ctx, dataInRaw, dataOutRaw)
	r.tracer.RecordOperation(ctx, meta, time.Since(start), err)
	return err
}

func (r *Runtime) runDataPhase(ctx context.Context, dataInRaw, dataOutRaw transport.RawTransport) error {
	const op = "stage.RunDataPhase"

	var dataIn, dataOut transport.SecureChannel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ch, err := r.factory.AcceptWithAttestation(gctx, dataInRaw, r.provider, r.sessionCfg)
		if err != nil {
			return err
		}
		dataIn = ch
		return nil
	})
	g.Go(func() error {
		ch, err := r.factory.ConnectWithAttestation(gctx, dataOutRaw, r.verifier, r.sessionCfg)
		if err != nil {
			return err
		}
		dataOut = ch
		return nil
	})
	if err := g.Wait(); err != nil {
		return errs.Wrap(op, errs.KindTransport, err)
	}

	r.dataIn = dataIn
	r.dataInPump = pump.New(dataIn)
	r.dataOut = dataOut

	r.log.Info("stage data phase: channels established", logger.Field{Key: "stage_idx", Value: r.stageSpec.StageIdx})
	return r.sendStageMsg(ctx, protocol.DataChannelsReady{StageIdx: r.stageSpec.StageIdx})
}

// RunProcessLoop consumes control messages until Shutdown or a fatal
// protocol/transport error. It dispatches StartRequest to handleRequest,
// answers Ping, warns-and-ignores AbortRequest outside a request, and exits
// cleanly (after replying ShuttingDown) on Shutdown.
func (r *Runtime) RunProcessLoop(ctx context.Context) error {
	meta := telemetry.SpanMetadata{Name: "stage.process_loop", StageIdx: r.stageIdxForTracing()}
	start := time.Now()
	ctx, span := r.tracer.StartSpan(ctx, meta)
	defer span.End()
	err := r.runProcessLoop(ctx)
	r.tracer.RecordOperation(ctx, meta, time.Since(start), err)
	return err
}

// stageIdxForTracing reports this stage's index once the control phase has
// populated it, or -1 before then.
func (r *Runtime) stageIdxForTracing() int {
	if r.stageSpec == nil {
		return -1
	}
	return r.stageSpec.StageIdx
}

func (r *Runtime) runProcessLoop(ctx context.Context) error {
	const op = "stage.RunProcessLoop"
	for {
		om, err := r.recvOrchestratorMsg(ctx)
		if err != nil {
			return err
		}
		switch m := om.(type) {
		case protocol.StartRequest:
			shuttingDown, err := r.handleRequest(ctx, m)
			if err != nil {
				return err
			}
			if shuttingDown {
				return nil
			}
		case protocol.AbortRequest:
			r.log.Warn("AbortRequest received outside an active request, ignoring",
				logger.Field{Key: "request_id", Value: m.RequestID})
		case protocol.Ping:
			if err := r.sendStageMsg(ctx, protocol.Pong{Seq: m.Seq}); err != nil {
				return err
			}
		case protocol.Shutdown:
			if err := r.sendStageMsg(ctx, protocol.ShuttingDown{StageIdx: r.stageSpec.StageIdx}); err != nil {
				return err
			}
			return nil
		default:
			return errs.Protocol(op, fmt.Sprintf("unexpected message %s in process loop", om.Type()))
		}
	}
}

// handleRequest validates and runs one request's forward schedule while
// concurrently servicing control messages. It returns shuttingDown=true if
// a Shutdown arrived mid-request, signalling the caller to stop the loop.
func (r *Runtime) handleRequest(ctx context.Context, start protocol.StartRequest) (shuttingDown bool, err error) {
	const op = "stage.handleRequest"

	if start.SeqLen > r.activationSpec.MaxSeqLen {
		_ = r.dataOut.Send(ctx, []byte("ERR"))
		reason := fmt.Sprintf("seq_len %d exceeds max_seq_len %d", start.SeqLen, r.activationSpec.MaxSeqLen)
		return false, r.sendStageMsg(ctx, protocol.RequestError{RequestID: start.RequestID, Error: reason})
	}

	sched, err := scheduler.Generate(r.numStages, start.NumMicroBatches)
	if err != nil {
		_ = r.dataOut.Send(ctx, []byte("ERR"))
		return false, r.sendStageMsg(ctx, protocol.RequestError{RequestID: start.RequestID, Error: err.Error()})
	}
	stageSched := sched.Stage(r.stageSpec.StageIdx)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- r.runSchedule(reqCtx, start.RequestID, stageSched)
	}()

	for {
		// Check request completion first, non-blocking: when both the
		// forward result and a control message are ready together,
		// completion wins.
		select {
		case fwdErr := <-done:
			if fwdErr != nil {
				return false, r.sendStageMsg(ctx, protocol.RequestError{RequestID: start.RequestID, Error: fwdErr.Error()})
			}
			return false, r.sendStageMsg(ctx, protocol.RequestDone{RequestID: start.RequestID})
		default:
		}

		select {
		case fwdErr := <-done:
			if fwdErr != nil {
				return false, r.sendStageMsg(ctx, protocol.RequestError{RequestID: start.RequestID, Error: fwdErr.Error()})
			}
			return false, r.sendStageMsg(ctx, protocol.RequestDone{RequestID: start.RequestID})

		case res := <-r.controlPump.Out():
			if res.Err != nil {
				cancel()
				<-done
				return false, errs.Wrap(op, errs.KindTransport, res.Err)
			}
			om, derr := decodeOrchestratorMsg(res.Msg)
			if derr != nil {
				cancel()
				<-done
				return false, derr
			}
			switch m := om.(type) {
			case protocol.AbortRequest:
				cancel()
				<-done // drop the forward future cleanly before reporting
				reason := fmt.Sprintf("aborted: %s", m.Reason)
				return false, r.sendStageMsg(ctx, protocol.RequestError{RequestID: start.RequestID, Error: reason})
			case protocol.Ping:
				if err := r.sendStageMsg(ctx, protocol.Pong{Seq: m.Seq}); err != nil {
					cancel()
					<-done
					return false, err
				}
			case protocol.Shutdown:
				cancel()
				<-done
				if err := r.sendStageMsg(ctx, protocol.ShuttingDown{StageIdx: r.stageSpec.StageIdx}); err != nil {
					return false, err
				}
				return true, nil
			default:
				cancel()
				<-done
				return false, errs.Protocol(op, fmt.Sprintf("unexpected message %s during request", om.Type()))
			}
		}
	}
}

// runSchedule walks this stage's schedule, reading a tensor list from
// data-in and writing one to data-out for every non-idle step. Every
// forward (regardless of whether the schedule's Recv/Send tags are present,
// which only describe whether a neighboring stage participates) does one
// data-in read and one data-out write: stage 0's data-in is fed by the
// orchestrator's push and the last stage's data-out is drained by it.
func (r *Runtime) runSchedule(ctx context.Context, requestID uint64, sched *scheduler.StageSchedule) error {
	const op = "stage.runSchedule"

	for _, step := range sched.Ops {
		mb, isIdle := forwardMicroBatch(step)
		if isIdle {
			continue
		}

		inputs, err := r.readTensorList(ctx)
		if err != nil {
			return err
		}

		outputs, err := r.executor.Forward(ctx, requestID, mb, inputs)
		if err != nil {
			// A cancelled request leaves data-out untouched; only a genuine
			// executor failure signals ERR downstream.
			if ctx.Err() == nil {
				_ = r.dataOut.Send(ctx, []byte("ERR"))
			}
			return errs.Wrap(op, errs.KindStage, fmt.Errorf("%w: %v", errs.ErrStageForwardFailed, err))
		}

		if err := r.writeTensorList(ctx, outputs); err != nil {
			return err
		}
	}
	return nil
}

// forwardMicroBatch returns the micro-batch a non-idle step forwards.
func forwardMicroBatch(step []scheduler.PipeOp) (mb uint32, idle bool) {
	for _, op := range step {
		if op.Kind == scheduler.OpForward {
			return op.MicroBatch, false
		}
	}
	return 0, true
}

// readTensorList reads tensors from data-in until the END sentinel, or
// propagates an upstream ERR sentinel as a failure so this stage in turn
// signals ERR downstream before reporting RequestError.
func (r *Runtime) readTensorList(ctx context.Context) ([]transport.Tensor, error) {
	const op = "stage.readTensorList"
	var tensors []transport.Tensor
	for {
		msg, err := r.dataInPump.Recv(ctx)
		if err != nil {
			return nil, errs.Wrap(op, errs.KindTransport, err)
		}
		switch msg.Kind {
		case transport.MessageTensor:
			tensors = append(tensors, msg.Tensor)
		case transport.MessageData:
			switch string(msg.Data) {
			case "END":
				return tensors, nil
			case "ERR":
				_ = r.dataOut.Send(ctx, []byte("ERR"))
				return nil, errs.New(op, errs.KindStage, "upstream reported ERR sentinel")
			default:
				return nil, errs.Protocol(op, fmt.Sprintf("unexpected data marker %q on data-in", msg.Data))
			}
		default:
			return nil, errs.Protocol(op, "unexpected shutdown frame on data-in")
		}
	}
}

// writeTensorList writes tensors to data-out followed by the END sentinel.
func (r *Runtime) writeTensorList(ctx context.Context, tensors []transport.Tensor) error {
	const op = "stage.writeTensorList"
	for _, t := range tensors {
		if err := r.dataOut.SendTensor(ctx, t); err != nil {
			return errs.Wrap(op, errs.KindTransport, err)
		}
	}
	if err := r.dataOut.Send(ctx, []byte("END")); err != nil {
		return errs.Wrap(op, errs.KindTransport, err)
	}
	return nil
}

func (r *Runtime) recvOrchestratorMsg(ctx context.Context) (protocol.OrchestratorMsg, error) {
	msg, err := r.controlPump.Recv(ctx)
	if err != nil {
		return nil, errs.Wrap("stage.recvOrchestratorMsg", errs.KindTransport, err)
	}
	return decodeOrchestratorMsg(msg)
}

func decodeOrchestratorMsg(msg transport.Message) (protocol.OrchestratorMsg, error) {
	if msg.Kind != transport.MessageData {
		return nil, errs.Protocol("stage.decodeOrchestratorMsg", "expected a control data frame")
	}
	return protocol.DecodeOrchestratorMsg(msg.Data)
}

func (r *Runtime) sendStageMsg(ctx context.Context, msg protocol.StageMsg) error {
	const op = "stage.sendStageMsg"
	data, err := protocol.EncodeStageMsg(msg)
	if err != nil {
		return errs.Serialization(op, err)
	}
	if err := r.control.Send(ctx, data); err != nil {
		return errs.Wrap(op, errs.KindTransport, err)
	}
	return nil
}

func hashesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
