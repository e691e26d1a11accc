// Package errs defines the pipeline's error taxonomy: a set of sentinel
// kinds for errors.Is comparisons plus a structured wrapping type that
// carries failure context (stage index, request id, phase) without
// inventing a type per kind.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a PipelineError without tying callers to a concrete type.
type Kind string

const (
	KindManifest      Kind = "manifest"
	KindScheduler     Kind = "scheduler"
	KindStage         Kind = "stage"
	KindTransport     Kind = "transport"
	KindStageFailed   Kind = "stage_failed"
	KindRequestFailed Kind = "request_failed"
	KindShutdown      Kind = "shutdown"
	KindIO            Kind = "io"
	KindTimeout       Kind = "timeout"
	KindTainted       Kind = "tainted"
	KindProtocol      Kind = "protocol"
	KindSerialization Kind = "serialization"
)

// Sentinel errors usable with errors.Is for the kinds that need no extra
// payload. Kinds that carry structured data (StageFailed, RequestFailed,
// Timeout) are constructed via their own functions below instead.
var (
	ErrManifestEmpty          = errors.New("manifest: no stages")
	ErrManifestNonContiguous  = errors.New("manifest: stage layer ranges are not contiguous")
	ErrManifestInvalidRange   = errors.New("manifest: layer_start must be less than layer_end")
	ErrManifestWrongIndex     = errors.New("manifest: stage index does not match its position")
	ErrManifestStartNotZero   = errors.New("manifest: stage 0 layer_start must be 0")
	ErrManifestCountMismatch  = errors.New("manifest: layer ranges do not sum to total_layers")
	ErrManifestMalformedHex   = errors.New("manifest: malformed hex measurement")
	ErrSchedulerZeroStages    = errors.New("scheduler: need at least one stage")
	ErrSchedulerZeroBatches   = errors.New("scheduler: need at least one micro-batch")
	ErrStageInitFailed        = errors.New("stage: executor init failed")
	ErrStageForwardFailed     = errors.New("stage: executor forward failed")
	ErrStageChannelClosed     = errors.New("stage: channel closed")
	ErrStageUnexpectedMessage = errors.New("stage: unexpected message")
	ErrShutdown               = errors.New("peer initiated shutdown")
	ErrTainted                = errors.New("pipeline is tainted and must be discarded")
)

// PipelineError is the structured error type every component returns for
// conditions that carry context beyond a bare sentinel.
type PipelineError struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "orchestrator.Infer"
	StageIdx  int    // -1 when not applicable
	RequestID uint64 // 0 when not applicable
	Phase     string // used by Kind == KindTimeout
	Message   string
	Err       error
}

func (e *PipelineError) Error() string {
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	switch e.Kind {
	case KindStageFailed:
		return fmt.Sprintf("%s: stage %d: %s", prefix, e.StageIdx, e.Message)
	case KindRequestFailed:
		return fmt.Sprintf("%s: request %d: %s", prefix, e.RequestID, e.Message)
	case KindTimeout:
		return fmt.Sprintf("%s: phase %q: %s", prefix, e.Phase, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// New builds a PipelineError of the given kind with a free-form message.
func New(op string, kind Kind, message string) *PipelineError {
	return &PipelineError{Op: op, Kind: kind, StageIdx: -1, Message: message}
}

// Wrap builds a PipelineError of the given kind wrapping an underlying error.
func Wrap(op string, kind Kind, err error) *PipelineError {
	return &PipelineError{Op: op, Kind: kind, StageIdx: -1, Err: err}
}

// StageFailed reports that a peer stage failed fatally.
func StageFailed(op string, stageIdx int, reason string) *PipelineError {
	return &PipelineError{Op: op, Kind: KindStageFailed, StageIdx: stageIdx, Message: reason}
}

// RequestFailed is the end-user view of a failed infer call.
func RequestFailed(op string, requestID uint64, reason string) *PipelineError {
	return &PipelineError{Op: op, Kind: KindRequestFailed, RequestID: requestID, StageIdx: -1, Message: reason}
}

// Timeout reports that the named phase exceeded its bound.
func Timeout(op, phase, message string) *PipelineError {
	return &PipelineError{Op: op, Kind: KindTimeout, StageIdx: -1, Phase: phase, Message: message}
}

// Protocol reports that the two sides of the wire protocol disagree.
func Protocol(op, message string) *PipelineError {
	return &PipelineError{Op: op, Kind: KindProtocol, StageIdx: -1, Message: message}
}

// Serialization reports a malformed tagged payload.
func Serialization(op string, err error) *PipelineError {
	return &PipelineError{Op: op, Kind: KindSerialization, StageIdx: -1, Err: err}
}

// Tainted reports that the orchestrator has given up and must be
// reconstructed.
func Tainted(op string) *PipelineError {
	return &PipelineError{Op: op, Kind: KindTainted, StageIdx: -1, Err: ErrTainted}
}

// IsTainted reports whether err is (or wraps) a Tainted PipelineError.
func IsTainted(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind == KindTainted
	}
	return errors.Is(err, ErrTainted)
}

// IsTimeout reports whether err is (or wraps) a Timeout PipelineError.
func IsTimeout(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind == KindTimeout
	}
	return false
}
