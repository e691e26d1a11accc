package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MockAttestationProvider and MockAttestationVerifier are no-op stand-ins
// for the real (out-of-scope) attestation machinery, used by this module's
// own tests to drive channel establishment without real cryptography.
type MockAttestationProvider struct{}

func (MockAttestationProvider) attestationProvider() {}

type MockAttestationVerifier struct{}

func (MockAttestationVerifier) attestationVerifier() {}

// wireMessage is the on-the-wire envelope for InMemoryChannel: a tag plus
// the one field relevant to that tag.
type wireMessage struct {
	Kind  string   `json:"kind"` // "data", "tensor", "shutdown"
	Data  []byte   `json:"data,omitempty"`
	Name  string   `json:"name,omitempty"`
	DType string   `json:"dtype,omitempty"`
	Shape []uint64 `json:"shape,omitempty"`
}

// InMemoryChannel is a SecureChannel built directly on a raw byte stream
// (typically a net.Pipe side) with no encryption. It exists only so this
// module's tests can run the full state machine; real confidentiality is an
// external collaborator's responsibility (see DESIGN.md).
type InMemoryChannel struct {
	raw RawTransport
	w   *bufio.Writer
	r   *bufio.Reader

	mu sync.Mutex
}

// NewInMemoryChannelFactory returns a ChannelFactory whose channels are
// InMemoryChannel instances. It ignores the verifier/provider/session
// arguments entirely, since it performs no real attestation.
func NewInMemoryChannelFactory() ChannelFactory {
	return inMemoryFactory{}
}

type inMemoryFactory struct{}

func (inMemoryFactory) ConnectWithAttestation(_ context.Context, raw RawTransport, _ AttestationVerifier, _ SessionConfig) (SecureChannel, error) {
	return newInMemoryChannel(raw), nil
}

func (inMemoryFactory) AcceptWithAttestation(_ context.Context, raw RawTransport, _ AttestationProvider, _ SessionConfig) (SecureChannel, error) {
	return newInMemoryChannel(raw), nil
}

func newInMemoryChannel(raw RawTransport) *InMemoryChannel {
	return &InMemoryChannel{
		raw: raw,
		w:   bufio.NewWriter(raw),
		r:   bufio.NewReader(raw),
	}
}

func (c *InMemoryChannel) writeFrame(msg wireMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("inmemory channel: encode frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

// Send transmits an opaque byte payload (protocol bytes, or the END/ERR
// in-band sentinels).
func (c *InMemoryChannel) Send(_ context.Context, data []byte) error {
	return c.writeFrame(wireMessage{Kind: "data", Data: data})
}

// SendTensor transmits a typed tensor.
func (c *InMemoryChannel) SendTensor(_ context.Context, t Tensor) error {
	return c.writeFrame(wireMessage{Kind: "tensor", Name: t.Name, DType: t.DType, Shape: t.Shape, Data: t.Data})
}

// Recv blocks until the next frame arrives and decodes it.
func (c *InMemoryChannel) Recv(_ context.Context) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return Message{}, err
	}
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("inmemory channel: decode frame: %w", err)
	}
	switch msg.Kind {
	case "data":
		return Message{Kind: MessageData, Data: msg.Data}, nil
	case "tensor":
		return Message{Kind: MessageTensor, Tensor: Tensor{Name: msg.Name, DType: msg.DType, Shape: msg.Shape, Data: msg.Data}}, nil
	case "shutdown":
		return Message{Kind: MessageShutdown}, nil
	default:
		return Message{}, fmt.Errorf("inmemory channel: unknown frame kind %q", msg.Kind)
	}
}

// Shutdown sends a shutdown frame and closes the underlying transport.
func (c *InMemoryChannel) Shutdown(_ context.Context) error {
	_ = c.writeFrame(wireMessage{Kind: "shutdown"})
	return c.raw.Close()
}
