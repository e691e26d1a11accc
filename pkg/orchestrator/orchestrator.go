// Package orchestrator drives the three-phase pipeline lifecycle: dialing
// every stage's control channel, establishing data channels across the whole
// pipeline (possibly meshed through relays), dispatching inference requests,
// health-checking, and recovering from a timed-out request via drain or,
// failing that, tainting the instance.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cyntrisec/confidential-ml-pipeline/internal/idgen"
	"github.com/cyntrisec/confidential-ml-pipeline/internal/pump"
	"github.com/cyntrisec/confidential-ml-pipeline/internal/telemetry"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/errs"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/logger"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/manifest"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/protocol"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/relay"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/transport"
)

// State is the orchestrator's pipeline-lifecycle state.
type State int

const (
	StateUninit State = iota
	StateInitialised
	StateDataChannelsReady
	StateIdle
	StateInFlight
	StateTainted
	StateShutDown
)

// InferenceResult is infer's success value: one output micro-batch per
// input micro-batch, in order.
type InferenceResult struct {
	Outputs [][]transport.Tensor
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithLogger overrides the default SimpleLogger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithClock overrides the request-id generator's clock, for deterministic
// tests.
func WithClock(c idgen.Clock) Option {
	return func(o *Orchestrator) { o.ids = idgen.New(c) }
}

// WithTracer overrides the default no-op telemetry.Tracer.
func WithTracer(tr telemetry.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tr }
}

// stageHandle is the orchestrator's view of one stage: its spec and control
// channel.
type stageHandle struct {
	spec        *manifest.StageSpec
	control     transport.SecureChannel
	controlPump *pump.Reader
}

func (sh *stageHandle) send(ctx context.Context, msg protocol.OrchestratorMsg) error {
	data, err := protocol.EncodeOrchestratorMsg(msg)
	if err != nil {
		return errs.Serialization("orchestrator.stageHandle.send", err)
	}
	return sh.control.Send(ctx, data)
}

// Orchestrator owns the manifest, a handle per stage, the data-in/data-out
// channels, and any inter-stage relay handles, for the life of one pipeline
// instance. It is safe for concurrent use by multiple goroutines, though the
// spec's call sequence (Init, SendEstablishDataChannels, CompleteDataChannels,
// then repeated Infer/HealthCheck/Shutdown) is inherently sequential.
type Orchestrator struct {
	cfg      Config
	manifest *manifest.ShardManifest
	factory  transport.ChannelFactory
	log      logger.Logger
	ids      *idgen.Generator
	tracer   telemetry.Tracer

	// InstanceID correlates this orchestrator's log lines (it is not attached
	// to trace spans); it is never used as a wire-level RequestId.
	InstanceID string

	mu          sync.Mutex
	state       State
	tainted     bool
	stages      []*stageHandle
	dataIn      transport.SecureChannel
	dataOut     transport.SecureChannel
	dataOutPump *pump.Reader
	relays      []*relay.Handle
	pingSeq     uint64
}

// New validates the manifest and builds an Orchestrator around it. The
// orchestrator owns the manifest read-only for the rest of its life.
func New(cfg Config, m *manifest.ShardManifest, factory transport.ChannelFactory, opts ...Option) (*Orchestrator, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:        cfg,
		manifest:   m,
		factory:    factory,
		log:        logger.NewSimpleLogger(),
		ids:        idgen.New(nil),
		tracer:     telemetry.NoopTracer(),
		InstanceID: uuid.NewString(),
		state:      StateUninit,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(logger.Field{Key: "instance_id", Value: o.InstanceID})
	return o, nil
}

// IsTainted reports whether this instance has given up and must be
// reconstructed.
func (o *Orchestrator) IsTainted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tainted
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetInferTimeout overrides the configured infer timeout; used by tests
// that need a tighter or looser bound than the constructed Config.
func (o *Orchestrator) SetInferTimeout(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.InferTimeout = d
}

func (o *Orchestrator) checkUsable(op string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tainted {
		return errs.Tainted(op)
	}
	return nil
}

// Init dials one control transport per stage, in index order, as the
// initiator, sends Init to each, then collects Ready from each in order.
func (o *Orchestrator) Init(ctx context.Context, controlTransports []transport.RawTransport, verifier transport.AttestationVerifier) error {
	meta := telemetry.SpanMetadata{Name: "orchestrator.init"}
	start := time.Now()
	ctx, span := o.tracer.StartSpan(ctx, meta)
	defer span.End()
	err := o.runInit(ctx, controlTransports, verifier)
	o.tracer.RecordOperation(ctx, meta, time.Since(start), err)
	return err
}

func (o *Orchestrator) runInit(ctx context.Context, controlTransports []transport.RawTransport, verifier transport.AttestationVerifier) error {
	const op = "orchestrator.Init"
	if err := o.checkUsable(op); err != nil {
		return err
	}
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()
	if state != StateUninit {
		return errs.Protocol(op, "orchestrator is not in Uninit state")
	}
	if len(controlTransports) != len(o.manifest.Stages) {
		return errs.New(op, errs.KindProtocol, fmt.Sprintf("expected %d control transports, got %d", len(o.manifest.Stages), len(controlTransports)))
	}

	stages := make([]*stageHandle, len(o.manifest.Stages))
	for i, raw := range controlTransports {
		ch, err := o.factory.ConnectWithAttestation(ctx, raw, verifier, o.cfg.SessionConfig)
		if err != nil {
			return errs.Wrap(op, errs.KindTransport, err)
		}
		stages[i] = &stageHandle{spec: &o.manifest.Stages[i], control: ch, controlPump: pump.New(ch)}
	}

	for _, sh := range stages {
		init := protocol.Init{
			StageSpec:      *sh.spec,
			ActivationSpec: o.manifest.ActivationSpec,
			NumStages:      len(stages),
		}
		if err := sh.send(ctx, init); err != nil {
			return errs.Wrap(op, errs.KindTransport, err)
		}
	}

	for i, sh := range stages {
		sm, err := recvStageMsg(ctx, sh.controlPump)
		if err != nil {
			return err
		}
		ready, ok := sm.(protocol.Ready)
		if !ok || ready.StageIdx != i {
			return errs.Protocol(op, fmt.Sprintf("stage %d: expected Ready, got %s", i, sm.Type()))
		}
	}

	o.mu.Lock()
	o.stages = stages
	o.state = StateInitialised
	o.mu.Unlock()
	o.log.Info("orchestrator initialised", logger.Field{Key: "num_stages", Value: len(stages)})
	return nil
}

// SendEstablishDataChannels tells every stage whether it has an upstream
// and/or downstream neighbor.
func (o *Orchestrator) SendEstablishDataChannels(ctx context.Context) error {
	const op = "orchestrator.SendEstablishDataChannels"
	if err := o.checkUsable(op); err != nil {
		return err
	}
	o.mu.Lock()
	stages := o.stages
	state := o.state
	o.mu.Unlock()
	if state != StateInitialised {
		return errs.Protocol(op, "orchestrator is not in Initialised state")
	}

	n := len(stages)
	for i, sh := range stages {
		msg := protocol.EstablishDataChannels{HasUpstream: i > 0, HasDownstream: i < n-1}
		if err := sh.send(ctx, msg); err != nil {
			return errs.Wrap(op, errs.KindTransport, err)
		}
	}
	return nil
}

// CompleteDataChannels stores relay handles, establishes data-in (dialed to
// stage 0) and data-out (accepted from the last stage), then collects
// DataChannelsReady from every stage in order.
func (o *Orchestrator) CompleteDataChannels(ctx context.Context, dataInRaw, dataOutRaw transport.RawTransport, relayHandles []*relay.Handle, verifier transport.AttestationVerifier, provider transport.AttestationProvider) error {
	const op = "orchestrator.CompleteDataChannels"
	if err := o.checkUsable(op); err != nil {
		return err
	}
	o.mu.Lock()
	stages := o.stages
	state := o.state
	o.mu.Unlock()
	if state != StateInitialised {
		return errs.Protocol(op, "orchestrator is not in Initialised state")
	}

	dataIn, err := o.factory.ConnectWithAttestation(ctx, dataInRaw, verifier, o.cfg.SessionConfig)
	if err != nil {
		return errs.Wrap(op, errs.KindTransport, err)
	}
	dataOut, err := o.factory.AcceptWithAttestation(ctx, dataOutRaw, provider, o.cfg.SessionConfig)
	if err != nil {
		return errs.Wrap(op, errs.KindTransport, err)
	}

	for i, sh := range stages {
		sm, err := recvStageMsg(ctx, sh.controlPump)
		if err != nil {
			return err
		}
		ready, ok := sm.(protocol.DataChannelsReady)
		if !ok || ready.StageIdx != i {
			return errs.Protocol(op, fmt.Sprintf("stage %d: expected DataChannelsReady, got %s", i, sm.Type()))
		}
	}

	o.mu.Lock()
	o.dataIn = dataIn
	o.dataOut = dataOut
	o.dataOutPump = pump.New(dataOut)
	o.relays = relayHandles
	o.state = StateIdle
	o.mu.Unlock()
	o.log.Info("orchestrator data channels ready", logger.Field{Key: "num_relays", Value: len(relayHandles)})
	return nil
}

// Infer runs one inference request end to end. An empty input returns an
// empty result without touching the data channels. A request that exceeds
// InferTimeout triggers drain recovery; drain failure taints the instance.
func (o *Orchestrator) Infer(ctx context.Context, inputs [][]transport.Tensor, seqLen uint32) (*InferenceResult, error) {
	meta := telemetry.SpanMetadata{Name: "orchestrator.infer"}
	start := time.Now()
	ctx, span := o.tracer.StartSpan(ctx, meta)
	defer span.End()
	res, err := o.doInfer(ctx, inputs, seqLen)
	o.tracer.RecordOperation(ctx, meta, time.Since(start), err)
	return res, err
}

func (o *Orchestrator) doInfer(ctx context.Context, inputs [][]transport.Tensor, seqLen uint32) (*InferenceResult, error) {
	const op = "orchestrator.Infer"
	if err := o.checkUsable(op); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return &InferenceResult{}, nil
	}
	// Reject an over-long request before any input reaches the data plane:
	// a stage would refuse it anyway, but by then stage 0's data-in would
	// hold input frames nobody will ever consume.
	if maxSeqLen := o.manifest.ActivationSpec.MaxSeqLen; seqLen > maxSeqLen {
		return nil, errs.RequestFailed(op, o.ids.Next(), fmt.Sprintf("seq_len %d exceeds max_seq_len %d", seqLen, maxSeqLen))
	}

	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil, errs.Protocol(op, "orchestrator is not Idle")
	}
	o.state = StateInFlight
	stages := o.stages
	o.mu.Unlock()

	reqID := o.ids.Next()
	inferCtx, cancel := context.WithTimeout(ctx, o.cfg.InferTimeout)
	defer cancel()

	type outcome struct {
		result *InferenceResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.runInfer(inferCtx, stages, reqID, inputs, seqLen)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
		return out.result, out.err

	case <-inferCtx.Done():
		o.log.Warn("infer timed out, draining", logger.Field{Key: "request_id", Value: reqID})
		if drainErr := o.drain(stages, reqID); drainErr != nil {
			o.mu.Lock()
			o.tainted = true
			o.state = StateTainted
			o.mu.Unlock()
			o.log.Error("drain failed, pipeline tainted", logger.Field{Key: "request_id", Value: reqID})
		} else {
			o.mu.Lock()
			o.state = StateIdle
			o.mu.Unlock()
		}
		return nil, errs.Timeout(op, "infer", fmt.Sprintf("request %d exceeded infer timeout", reqID))
	}
}

// runInfer is the inner, cancelable body of Infer: send StartRequest,
// push/read the data plane concurrently, then collect control outcomes.
func (o *Orchestrator) runInfer(ctx context.Context, stages []*stageHandle, reqID uint64, inputs [][]transport.Tensor, seqLen uint32) (*InferenceResult, error) {
	const op = "orchestrator.runInfer"

	start := protocol.StartRequest{RequestID: reqID, NumMicroBatches: uint32(len(inputs)), SeqLen: seqLen}
	for _, sh := range stages {
		if err := sh.send(ctx, start); err != nil {
			return nil, errs.Wrap(op, errs.KindTransport, err)
		}
	}

	pushErrCh := make(chan error, 1)
	go func() { pushErrCh <- o.pushInputs(ctx, inputs) }()

	outputs, dataFailed, readErr := o.readOutputs(ctx, len(inputs))
	pushErr := <-pushErrCh

	outcomes, ctrlErr := o.collectRequestOutcomes(ctx, stages)

	if readErr != nil {
		return nil, errs.Wrap(op, errs.KindTransport, readErr)
	}
	if pushErr != nil {
		return nil, errs.Wrap(op, errs.KindTransport, pushErr)
	}

	if dataFailed {
		if ctrlErr == nil {
			for _, out := range outcomes {
				if out.isError {
					return nil, errs.RequestFailed(op, reqID, fmt.Sprintf("stage %d: %s", out.stageIdx, out.reason))
				}
			}
		}
		return nil, errs.RequestFailed(op, reqID, "a stage reported a data-path failure")
	}
	if ctrlErr != nil {
		return nil, ctrlErr
	}
	for _, out := range outcomes {
		if out.isError {
			return nil, errs.RequestFailed(op, reqID, fmt.Sprintf("stage %d: %s", out.stageIdx, out.reason))
		}
	}

	return &InferenceResult{Outputs: outputs}, nil
}

func (o *Orchestrator) pushInputs(ctx context.Context, inputs [][]transport.Tensor) error {
	for _, mb := range inputs {
		for _, t := range mb {
			if err := o.dataIn.SendTensor(ctx, t); err != nil {
				return err
			}
		}
		if err := o.dataIn.Send(ctx, []byte("END")); err != nil {
			return err
		}
	}
	return nil
}

// readOutputs reads numMicroBatches micro-batches from data-out, stopping
// early (dataFailed=true) if the ERR sentinel appears instead of a
// micro-batch's tensors.
func (o *Orchestrator) readOutputs(ctx context.Context, numMicroBatches int) (outputs [][]transport.Tensor, dataFailed bool, err error) {
	const op = "orchestrator.readOutputs"
microBatches:
	for len(outputs) < numMicroBatches {
		var tensors []transport.Tensor
		for {
			msg, err := o.dataOutPump.Recv(ctx)
			if err != nil {
				return nil, false, err
			}
			switch msg.Kind {
			case transport.MessageTensor:
				tensors = append(tensors, msg.Tensor)
			case transport.MessageData:
				switch string(msg.Data) {
				case "END":
					outputs = append(outputs, tensors)
					continue microBatches
				case "ERR":
					return outputs, true, nil
				default:
					return nil, false, errs.Protocol(op, fmt.Sprintf("unexpected data marker %q on data-out", msg.Data))
				}
			default:
				return nil, false, errs.Protocol(op, "unexpected shutdown frame on data-out")
			}
		}
	}
	return outputs, false, nil
}

type stageOutcome struct {
	stageIdx int
	isError  bool
	reason   string
}

// collectRequestOutcomes reads exactly one RequestDone or RequestError from
// every stage's control channel, in order.
func (o *Orchestrator) collectRequestOutcomes(ctx context.Context, stages []*stageHandle) ([]stageOutcome, error) {
	const op = "orchestrator.collectRequestOutcomes"
	outcomes := make([]stageOutcome, len(stages))
	for i, sh := range stages {
		sm, err := recvStageMsg(ctx, sh.controlPump)
		if err != nil {
			return nil, err
		}
		switch m := sm.(type) {
		case protocol.RequestDone:
			outcomes[i] = stageOutcome{stageIdx: i}
		case protocol.RequestError:
			outcomes[i] = stageOutcome{stageIdx: i, isError: true, reason: m.Error}
		default:
			return nil, errs.Protocol(op, fmt.Sprintf("stage %d: expected RequestDone/RequestError, got %s", i, sm.Type()))
		}
	}
	return outcomes, nil
}

// drain runs control-path and data-path recovery concurrently after an
// infer timeout. Either half failing to finish within its own bound fails
// the whole drain, tainting the instance.
func (o *Orchestrator) drain(stages []*stageHandle, reqID uint64) error {
	var g errgroup.Group
	g.Go(func() error { return o.drainControl(stages, reqID) })
	g.Go(func() error { return o.drainData() })
	return g.Wait()
}

// drainControl aborts the stale request on every stage and waits up to
// StageDrainTimeout for a terminal reply, skipping anything else (e.g. a
// stray Pong) that arrives first.
func (o *Orchestrator) drainControl(stages []*stageHandle, reqID uint64) error {
	for _, sh := range stages {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StageDrainTimeout)
		sendErr := sh.send(ctx, protocol.AbortRequest{RequestID: reqID, Reason: "infer timeout"})
		if sendErr != nil {
			cancel()
			return sendErr
		}

		terminal := false
		for !terminal {
			msg, err := sh.controlPump.Recv(ctx)
			if err != nil {
				cancel()
				return err
			}
			sm, derr := decodeStageMsg(msg)
			if derr != nil {
				cancel()
				return derr
			}
			switch sm.(type) {
			case protocol.RequestDone, protocol.RequestError, protocol.ShuttingDown:
				terminal = true
			default:
				// stale message from the cancelled request or a benign
				// concurrent Pong reply; keep waiting.
			}
		}
		cancel()
	}
	return nil
}

// drainData discards data-out traffic until DataQuietPeriod elapses with no
// new traffic, bounded overall by DataDrainTimeout.
func (o *Orchestrator) drainData() error {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.DataDrainTimeout)
	defer cancel()

	quiet := time.NewTimer(o.cfg.DataQuietPeriod)
	defer quiet.Stop()

	for {
		select {
		case res := <-o.dataOutPump.Out():
			if res.Err != nil {
				return res.Err
			}
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(o.cfg.DataQuietPeriod)
		case <-quiet.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HealthCheck pings every stage and collects matching Pongs, tolerating
// stale RequestDone/RequestError left over from a drained timeout.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	meta := telemetry.SpanMetadata{Name: "orchestrator.health_check"}
	start := time.Now()
	ctx, span := o.tracer.StartSpan(ctx, meta)
	defer span.End()
	err := o.runHealthCheck(ctx)
	o.tracer.RecordOperation(ctx, meta, time.Since(start), err)
	return err
}

func (o *Orchestrator) runHealthCheck(ctx context.Context) error {
	const op = "orchestrator.HealthCheck"
	if err := o.checkUsable(op); err != nil {
		return err
	}
	o.mu.Lock()
	stages := o.stages
	o.pingSeq++
	seq := o.pingSeq
	o.mu.Unlock()

	hcCtx, cancel := context.WithTimeout(ctx, o.cfg.HealthCheckTimeout)
	defer cancel()

	for _, sh := range stages {
		if err := sh.send(hcCtx, protocol.Ping{Seq: seq}); err != nil {
			return errs.Wrap(op, errs.KindTransport, err)
		}
	}

perStage:
	for i, sh := range stages {
		for {
			sm, err := recvStageMsg(hcCtx, sh.controlPump)
			if err != nil {
				return err
			}
			switch m := sm.(type) {
			case protocol.Pong:
				if m.Seq != seq {
					return errs.Protocol(op, fmt.Sprintf("stage %d: pong seq %d does not match %d", i, m.Seq, seq))
				}
				continue perStage
			case protocol.RequestDone, protocol.RequestError:
				// stale leftovers from a drained timeout; skip them.
			default:
				return errs.Protocol(op, fmt.Sprintf("stage %d: unexpected message %s during health check", i, sm.Type()))
			}
		}
	}

	for i, h := range o.relays {
		if h.IsFinished() {
			o.log.Warn("relay finished prematurely", logger.Field{Key: "link", Value: i})
		}
	}
	return nil
}

// Shutdown tells every stage to tear down, collects ShuttingDown from each
// tolerantly, and aborts all relays. It is idempotent and best-effort even
// from a tainted state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	meta := telemetry.SpanMetadata{Name: "orchestrator.shutdown"}
	start := time.Now()
	ctx, span := o.tracer.StartSpan(ctx, meta)
	defer span.End()
	err := o.runShutdown(ctx)
	o.tracer.RecordOperation(ctx, meta, time.Since(start), err)
	return err
}

func (o *Orchestrator) runShutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateShutDown {
		o.mu.Unlock()
		return nil
	}
	stages := o.stages
	relays := o.relays
	o.mu.Unlock()

	var firstErr error
	for _, sh := range stages {
		if sh.control == nil {
			continue
		}
		if err := sh.send(ctx, protocol.Shutdown{}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, sh := range stages {
		if sh.controlPump == nil {
			continue
		}
		for {
			sm, err := recvStageMsg(ctx, sh.controlPump)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				break
			}
			if _, ok := sm.(protocol.ShuttingDown); ok {
				break
			}
		}
	}
	for _, h := range relays {
		h.Abort()
	}

	o.mu.Lock()
	o.state = StateShutDown
	o.mu.Unlock()
	return firstErr
}

func recvStageMsg(ctx context.Context, r *pump.Reader) (protocol.StageMsg, error) {
	msg, err := r.Recv(ctx)
	if err != nil {
		return nil, errs.Wrap("orchestrator.recvStageMsg", errs.KindTransport, err)
	}
	return decodeStageMsg(msg)
}

func decodeStageMsg(msg transport.Message) (protocol.StageMsg, error) {
	if msg.Kind != transport.MessageData {
		return nil, errs.Protocol("orchestrator.decodeStageMsg", "expected a control data frame")
	}
	return protocol.DecodeStageMsg(msg.Data)
}
