// Package transport names the collaborator surface the pipeline core is
// built against but does not implement: the cryptographic secure channel,
// attestation provider/verifier, and user-supplied model executor. The core
// depends only on these interfaces; concrete cryptography and concrete
// transports (TCP, vsock) are external collaborators, named here as types
// but never branched on inside the orchestrator or stage runtime (see
// DESIGN.md's "generic over transport" note).
//
// A minimal in-memory implementation (InMemoryChannel, backed by net.Pipe)
// and no-op attestation mocks are provided so this module's own tests can
// drive the full orchestrator/stage state machine without real sockets or
// cryptography.
package transport

import (
	"context"

	"github.com/cyntrisec/confidential-ml-pipeline/pkg/manifest"
)

// Tensor is an exchange value. Integrity is delegated to the secure
// channel; the core never parses tensor contents.
type Tensor struct {
	Name  string
	DType string
	Shape []uint64
	Data  []byte
}

// MessageKind distinguishes the payload carried by a Message.
type MessageKind int

const (
	MessageData MessageKind = iota
	MessageTensor
	MessageShutdown
)

// Message is what SecureChannel.Recv yields: either an opaque byte payload
// (carrying protocol bytes or the END/ERR sentinels), a typed Tensor, or a
// shutdown notification from the peer.
type Message struct {
	Kind   MessageKind
	Data   []byte
	Tensor Tensor
}

// AttestationProvider proves a responder's identity during channel
// establishment. Opaque to the core.
type AttestationProvider interface {
	attestationProvider()
}

// AttestationVerifier checks a peer's attestation evidence against expected
// measurements during channel establishment. Opaque to the core.
type AttestationVerifier interface {
	attestationVerifier()
}

// SessionConfig is opaque configuration passed through to the secure
// channel factory (cipher suite choices, timeouts, etc.). The core never
// inspects it.
type SessionConfig any

// SecureChannel is a mutually-authenticated, encrypted bidirectional
// channel carrying Messages. Connect/Accept are factory operations;
// the rest are instance methods.
type SecureChannel interface {
	Send(ctx context.Context, data []byte) error
	SendTensor(ctx context.Context, t Tensor) error
	Recv(ctx context.Context) (Message, error)
	Shutdown(ctx context.Context) error
}

// RawTransport is the bidirectional byte stream a SecureChannel is
// established over (a TCP or vsock connection, or an in-memory pipe).
type RawTransport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// ChannelFactory establishes secure channels over a raw transport, in
// either role.
type ChannelFactory interface {
	ConnectWithAttestation(ctx context.Context, raw RawTransport, verifier AttestationVerifier, cfg SessionConfig) (SecureChannel, error)
	AcceptWithAttestation(ctx context.Context, raw RawTransport, provider AttestationProvider, cfg SessionConfig) (SecureChannel, error)
}

// Executor is the user-supplied computation within a pipeline stage: it
// holds a shard of the model and runs forward passes on incoming
// activations.
type Executor interface {
	// Init loads weights and prepares the executor for its stage's slice of
	// the model. On failure the stage must abort cleanly (no Ready emitted).
	Init(ctx context.Context, spec *manifest.StageSpec) error

	// Forward runs one micro-batch through this stage's layers.
	Forward(ctx context.Context, requestID uint64, microBatch uint32, inputs []Tensor) ([]Tensor, error)
}

// WeightHasher is an optional Executor capability: executors that can
// report the hashes of their loaded weights implement it so the stage
// runtime can verify them against the manifest's declared weight_hashes.
// An Executor that doesn't implement WeightHasher is treated as reporting
// no hashes, which fails verification if the manifest declares any.
type WeightHasher interface {
	WeightHashes() []string
}

// WeightHashesOf returns e's weight hashes via the optional WeightHasher
// capability, or nil if e doesn't implement it. Used by the stage runtime's
// weight-hash verification step.
func WeightHashesOf(e Executor) []string {
	if wh, ok := e.(WeightHasher); ok {
		return wh.WeightHashes()
	}
	return nil
}
