package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// WireFormat selects the outbound sub-protocol for one connection. The two
// formats are never mixed on the same connection.
type WireFormat string

const (
	// WireBinary frames audio as [0x00][pcm] and control as [0x01][json].
	WireBinary WireFormat = "binary"
	// WireJSON is the legacy envelope for backends that only accept text
	// frames: audio travels base64 encoded inside an "audio-chunk" object.
	WireJSON WireFormat = "json"
)

// Binary frame type tags.
const (
	FrameAudio   byte = 0x00
	FrameControl byte = 0x01
)

// ControlType is the payload type of an outbound control event.
type ControlType string

const (
	ControlEnd    ControlType = "end"
	ControlCancel ControlType = "cancel"
)

// Frame is one encoded outbound websocket message.
type Frame struct {
	Binary bool
	Data   []byte
}

// Encoder turns audio and control events into frames for one connection.
type Encoder interface {
	Format() WireFormat
	Audio(pcm []byte) (Frame, error)
	Control(t ControlType) (Frame, error)
}

// NewEncoder returns the encoder for format. An empty format means binary.
func NewEncoder(format WireFormat) (Encoder, error) {
	switch format {
	case WireBinary, "":
		return binaryEncoder{}, nil
	case WireJSON:
		return &jsonEncoder{}, nil
	default:
		return nil, fmt.Errorf("unknown wire format %q (must be binary or json)", format)
	}
}

type controlPayload struct {
	Type ControlType `json:"type"`
}

type binaryEncoder struct{}

func (binaryEncoder) Format() WireFormat { return WireBinary }

func (binaryEncoder) Audio(pcm []byte) (Frame, error) {
	data := make([]byte, 1+len(pcm))
	data[0] = FrameAudio
	copy(data[1:], pcm)
	return Frame{Binary: true, Data: data}, nil
}

func (binaryEncoder) Control(t ControlType) (Frame, error) {
	payload, err := json.Marshal(controlPayload{Type: t})
	if err != nil {
		return Frame{}, fmt.Errorf("marshal control: %w", err)
	}
	data := make([]byte, 1+len(payload))
	data[0] = FrameControl
	copy(data[1:], payload)
	return Frame{Binary: true, Data: data}, nil
}

// AudioChunkMessage is the JSON envelope used by the legacy sub-protocol.
type AudioChunkMessage struct {
	Type           string `json:"type"`
	ChunkID        string `json:"chunkId"`
	SequenceNumber int64  `json:"sequenceNumber"`
	Data           string `json:"data"`
}

type jsonEncoder struct {
	seq atomic.Int64
}

func (e *jsonEncoder) Format() WireFormat { return WireJSON }

func (e *jsonEncoder) Audio(pcm []byte) (Frame, error) {
	msg := AudioChunkMessage{
		Type:           "audio-chunk",
		ChunkID:        uuid.NewString(),
		SequenceNumber: e.seq.Add(1) - 1,
		Data:           base64.StdEncoding.EncodeToString(pcm),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal audio chunk: %w", err)
	}
	return Frame{Data: data}, nil
}

func (e *jsonEncoder) Control(t ControlType) (Frame, error) {
	data, err := json.Marshal(controlPayload{Type: t})
	if err != nil {
		return Frame{}, fmt.Errorf("marshal control: %w", err)
	}
	return Frame{Data: data}, nil
}

// DecodeBinaryFrame splits a binary frame into its tag and payload. It is the
// inverse of the binary encoder and is used by test backends and the relay.
func DecodeBinaryFrame(data []byte) (byte, []byte, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	switch data[0] {
	case FrameAudio, FrameControl:
		return data[0], data[1:], nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown frame tag 0x%02x", ErrMalformed, data[0])
	}
}
