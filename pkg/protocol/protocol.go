// Package protocol defines the tagged wire messages exchanged between the
// orchestrator and a stage over a stage's control channel, and the
// deterministic, self-describing encoding used to carry them as opaque
// byte payloads.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/cyntrisec/confidential-ml-pipeline/pkg/errs"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/manifest"
)

// OrchestratorMsg is the set of messages an orchestrator sends to a stage.
// Each concrete type's Type returns its own wire tag.
type OrchestratorMsg interface {
	orchestratorMsg()
	Type() string
}

// Init initializes a stage with its slice of the manifest and the shared
// activation format. StageSpec and ActivationSpec travel as direct
// structured fields of the tagged envelope, not as nested encoded strings.
type Init struct {
	StageSpec      manifest.StageSpec      `json:"stage_spec"`
	ActivationSpec manifest.ActivationSpec `json:"activation_spec"`
	NumStages      int                     `json:"num_stages"`
}

func (Init) orchestratorMsg() {}
func (Init) Type() string { return "Init" }

// EstablishDataChannels tells a stage whether it has an upstream and/or
// downstream neighbor and to start accepting/dialing data channels.
type EstablishDataChannels struct {
	HasUpstream   bool `json:"has_upstream"`
	HasDownstream bool `json:"has_downstream"`
}

func (EstablishDataChannels) orchestratorMsg() {}
func (EstablishDataChannels) Type() string { return "EstablishDataChannels" }

// StartRequest begins a new inference request.
type StartRequest struct {
	RequestID       uint64 `json:"request_id"`
	NumMicroBatches uint32 `json:"num_micro_batches"`
	SeqLen          uint32 `json:"seq_len"`
}

func (StartRequest) orchestratorMsg() {}
func (StartRequest) Type() string { return "StartRequest" }

// AbortRequest cancels an in-flight request.
type AbortRequest struct {
	RequestID uint64 `json:"request_id"`
	Reason    string `json:"reason"`
}

func (AbortRequest) orchestratorMsg() {}
func (AbortRequest) Type() string { return "AbortRequest" }

// Ping is a health-check probe; seq is echoed back in Pong.
type Ping struct {
	Seq uint64 `json:"seq"`
}

func (Ping) orchestratorMsg() {}
func (Ping) Type() string { return "Ping" }

// Shutdown tells a stage to tear down gracefully.
type Shutdown struct{}

func (Shutdown) orchestratorMsg() {}
func (Shutdown) Type() string { return "Shutdown" }

// StageMsg is the set of messages a stage sends back to the orchestrator.
type StageMsg interface {
	stageMsg()
	Type() string
}

// Ready reports that a stage finished initialization.
type Ready struct {
	StageIdx int `json:"stage_idx"`
}

func (Ready) stageMsg() {}
func (Ready) Type() string { return "Ready" }

// DataChannelsReady reports that a stage's data channels are established.
type DataChannelsReady struct {
	StageIdx int `json:"stage_idx"`
}

func (DataChannelsReady) stageMsg() {}
func (DataChannelsReady) Type() string { return "DataChannelsReady" }

// RequestDone reports that a request completed successfully.
type RequestDone struct {
	RequestID uint64 `json:"request_id"`
}

func (RequestDone) stageMsg() {}
func (RequestDone) Type() string { return "RequestDone" }

// RequestError reports that a request failed.
type RequestError struct {
	RequestID uint64 `json:"request_id"`
	Error     string `json:"error"`
}

func (RequestError) stageMsg() {}
func (RequestError) Type() string { return "RequestError" }

// Pong answers a Ping, echoing its seq.
type Pong struct {
	Seq uint64 `json:"seq"`
}

func (Pong) stageMsg() {}
func (Pong) Type() string { return "Pong" }

// ShuttingDown reports that a stage is tearing down.
type ShuttingDown struct {
	StageIdx int `json:"stage_idx"`
}

func (ShuttingDown) stageMsg() {}
func (ShuttingDown) Type() string { return "ShuttingDown" }

// envelope is the wire shape: a tag field plus the variant's own fields
// flattened alongside it.
type envelope struct {
	Type string `json:"type"`
}

// EncodeOrchestratorMsg serializes msg as tagged JSON. Encoding is a pure
// function of msg alone, so repeated calls on an equal value produce
// byte-identical output.
func EncodeOrchestratorMsg(msg OrchestratorMsg) ([]byte, error) {
	return encodeTagged(msg.Type(), msg)
}

// DecodeOrchestratorMsg parses tagged JSON into the matching OrchestratorMsg
// variant. An unknown tag or malformed payload is a fatal protocol error.
func DecodeOrchestratorMsg(data []byte) (OrchestratorMsg, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.Serialization("protocol.DecodeOrchestratorMsg", err)
	}
	switch env.Type {
	case "Init":
		var m Init
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errs.Serialization("protocol.DecodeOrchestratorMsg", err)
		}
		return m, nil
	case "EstablishDataChannels":
		var m EstablishDataChannels
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errs.Serialization("protocol.DecodeOrchestratorMsg", err)
		}
		return m, nil
	case "StartRequest":
		var m StartRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errs.Serialization("protocol.DecodeOrchestratorMsg", err)
		}
		return m, nil
	case "AbortRequest":
		var m AbortRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errs.Serialization("protocol.DecodeOrchestratorMsg", err)
		}
		return m, nil
	case "Ping":
		var m Ping
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errs.Serialization("protocol.DecodeOrchestratorMsg", err)
		}
		return m, nil
	case "Shutdown":
		return Shutdown{}, nil
	default:
		return nil, errs.Protocol("protocol.DecodeOrchestratorMsg", fmt.Sprintf("unknown orchestrator message tag %q", env.Type))
	}
}

// EncodeStageMsg serializes msg as tagged JSON.
func EncodeStageMsg(msg StageMsg) ([]byte, error) {
	return encodeTagged(msg.Type(), msg)
}

// DecodeStageMsg parses tagged JSON into the matching StageMsg variant.
func DecodeStageMsg(data []byte) (StageMsg, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.Serialization("protocol.DecodeStageMsg", err)
	}
	switch env.Type {
	case "Ready":
		var m Ready
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errs.Serialization("protocol.DecodeStageMsg", err)
		}
		return m, nil
	case "DataChannelsReady":
		var m DataChannelsReady
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errs.Serialization("protocol.DecodeStageMsg", err)
		}
		return m, nil
	case "RequestDone":
		var m RequestDone
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errs.Serialization("protocol.DecodeStageMsg", err)
		}
		return m, nil
	case "RequestError":
		var m RequestError
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errs.Serialization("protocol.DecodeStageMsg", err)
		}
		return m, nil
	case "Pong":
		var m Pong
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errs.Serialization("protocol.DecodeStageMsg", err)
		}
		return m, nil
	case "ShuttingDown":
		var m ShuttingDown
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errs.Serialization("protocol.DecodeStageMsg", err)
		}
		return m, nil
	default:
		return nil, errs.Protocol("protocol.DecodeStageMsg", fmt.Sprintf("unknown stage message tag %q", env.Type))
	}
}

// encodeTagged marshals payload's fields alongside a "type" tag. payload
// must marshal to a JSON object (all variants here are structs).
func encodeTagged(tag string, payload any) ([]byte, error) {
	fields, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Serialization("protocol.encodeTagged", err)
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(fields, &asMap); err != nil {
		return nil, errs.Serialization("protocol.encodeTagged", err)
	}
	tagged := make(map[string]json.RawMessage, len(asMap)+1)
	tagRaw, err := json.Marshal(tag)
	if err != nil {
		return nil, errs.Serialization("protocol.encodeTagged", err)
	}
	tagged["type"] = tagRaw
	for k, v := range asMap {
		tagged[k] = v
	}
	out, err := json.Marshal(tagged)
	if err != nil {
		return nil, errs.Serialization("protocol.encodeTagged", err)
	}
	return out, nil
}
