// Package manifest parses and validates the declarative sharding
// descriptor that tells an orchestrator how a model is split across
// pipeline stages and where each stage's channels live.
package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cyntrisec/confidential-ml-pipeline/pkg/errs"
)

// ActivationDType is the element type carried by inter-stage activation
// tensors.
type ActivationDType string

const (
	DTypeF32  ActivationDType = "f32"
	DTypeF16  ActivationDType = "f16"
	DTypeBF16 ActivationDType = "bf16"
)

// ElementSize returns the byte size of one element of this dtype.
func (d ActivationDType) ElementSize() (int, error) {
	switch d {
	case DTypeF32:
		return 4, nil
	case DTypeF16, DTypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("activation_spec: unknown dtype %q", d)
	}
}

// ActivationSpec describes the activation tensor format exchanged between
// stages and is enforced at request start.
type ActivationSpec struct {
	DType     ActivationDType `json:"dtype"`
	HiddenDim uint32          `json:"hidden_dim"`
	MaxSeqLen uint32          `json:"max_seq_len"`
}

// PortSpec is a tagged transport-level endpoint address.
type PortSpec struct {
	Type string `json:"type"` // "tcp" or "vsock"
	Addr string `json:"addr,omitempty"`
	CID  uint32 `json:"cid,omitempty"`
	Port uint32 `json:"port,omitempty"`
}

// TCPPortSpec builds a tcp-tagged PortSpec.
func TCPPortSpec(addr string) PortSpec { return PortSpec{Type: "tcp", Addr: addr} }

// VSockPortSpec builds a vsock-tagged PortSpec.
func VSockPortSpec(cid, port uint32) PortSpec { return PortSpec{Type: "vsock", CID: cid, Port: port} }

// StageEndpoint holds the three transport addresses a stage listens on or
// dials.
type StageEndpoint struct {
	Control PortSpec `json:"control"`
	DataIn  PortSpec `json:"data_in"`
	DataOut PortSpec `json:"data_out"`
}

// StageSpec is the per-stage slice of a ShardManifest.
type StageSpec struct {
	StageIdx             int            `json:"stage_idx"`
	LayerStart           int            `json:"layer_start"`
	LayerEnd             int            `json:"layer_end"`
	WeightHashes         []string       `json:"weight_hashes"`
	ExpectedMeasurements map[int]string `json:"expected_measurements"`
	Endpoint             StageEndpoint  `json:"endpoint"`
}

// NumLayers returns the number of layers assigned to this stage.
func (s *StageSpec) NumLayers() int { return s.LayerEnd - s.LayerStart }

// ExpectedMeasurementBytes decodes hex expected measurements into raw bytes,
// keyed by attestation register index. Malformed hex is its own error kind,
// distinct from structural manifest errors.
func (s *StageSpec) ExpectedMeasurementBytes() (map[int][]byte, error) {
	out := make(map[int][]byte, len(s.ExpectedMeasurements))
	for register, hexHash := range s.ExpectedMeasurements {
		raw, err := hex.DecodeString(hexHash)
		if err != nil {
			return nil, errs.Wrap("manifest.ExpectedMeasurementBytes", errs.KindManifest, fmt.Errorf("%w: register %d: %v", errs.ErrManifestMalformedHex, register, err))
		}
		out[register] = raw
	}
	return out, nil
}

// ShardManifest is the declarative contract describing how a model is
// sharded across pipeline stages. It is a pure value: validated on load and
// read-only for the orchestrator's lifetime thereafter.
type ShardManifest struct {
	ModelName      string         `json:"model_name"`
	ModelVersion   string         `json:"model_version"`
	TotalLayers    int            `json:"total_layers"`
	Stages         []StageSpec    `json:"stages"`
	ActivationSpec ActivationSpec `json:"activation_spec"`
}

// FromJSON decodes and validates a manifest, rejecting unknown fields.
func FromJSON(data []byte) (*ShardManifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m ShardManifest
	if err := dec.Decode(&m); err != nil {
		return nil, errs.Wrap("manifest.FromJSON", errs.KindSerialization, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ToJSON serializes the manifest. Encoding is a pure function of the
// manifest's contents, so repeated calls produce identical bytes.
func (m *ShardManifest) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, errs.Wrap("manifest.ToJSON", errs.KindSerialization, err)
	}
	return data, nil
}

// Validate checks that stages are non-empty, correctly indexed, contiguous
// from layer 0, and sum to TotalLayers.
func (m *ShardManifest) Validate() error {
	const op = "manifest.Validate"

	if len(m.Stages) == 0 {
		return errs.Wrap(op, errs.KindManifest, errs.ErrManifestEmpty)
	}

	for i, stage := range m.Stages {
		if stage.StageIdx != i {
			return errs.Wrap(op, errs.KindManifest, fmt.Errorf("%w: position %d has stage_idx %d", errs.ErrManifestWrongIndex, i, stage.StageIdx))
		}
		if stage.LayerStart >= stage.LayerEnd {
			return errs.Wrap(op, errs.KindManifest, fmt.Errorf("%w: stage %d has [%d,%d)", errs.ErrManifestInvalidRange, i, stage.LayerStart, stage.LayerEnd))
		}
	}

	for i := 0; i < len(m.Stages)-1; i++ {
		end := m.Stages[i].LayerEnd
		nextStart := m.Stages[i+1].LayerStart
		if end != nextStart {
			return errs.Wrap(op, errs.KindManifest, fmt.Errorf("%w: stage %d ends at %d, stage %d starts at %d", errs.ErrManifestNonContiguous, i, end, i+1, nextStart))
		}
	}

	if m.Stages[0].LayerStart != 0 {
		return errs.Wrap(op, errs.KindManifest, fmt.Errorf("%w: got %d", errs.ErrManifestStartNotZero, m.Stages[0].LayerStart))
	}

	lastEnd := m.Stages[len(m.Stages)-1].LayerEnd
	if lastEnd != m.TotalLayers {
		return errs.Wrap(op, errs.KindManifest, fmt.Errorf("%w: covered %d, total_layers %d", errs.ErrManifestCountMismatch, lastEnd, m.TotalLayers))
	}

	return nil
}
