// Package protocol defines the wire messages exchanged with the transcription
// backend: outbound audio and control frames, inbound control and transcript
// messages, and the streamed turn shape.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType is the "type" discriminator of an inbound JSON message.
type MessageType string

const (
	MsgReady                MessageType = "ready"
	MsgChunkAcknowledged    MessageType = "chunk-acknowledged"
	MsgCachedTurns          MessageType = "cached_turns"
	MsgProactiveSuggestions MessageType = "proactive_suggestions"
	MsgChunkError           MessageType = "chunk-error"
	MsgError                MessageType = "error"
	MsgSessionEnded         MessageType = "session-ended"
	MsgSessionCancelled     MessageType = "session-cancelled"
)

// ErrMalformed is returned for inbound payloads that are not a JSON object
// with a string "type" field.
var ErrMalformed = errors.New("malformed message")

// SessionRef identifies one recorded visit and the streaming attempt within it.
type SessionRef struct {
	CompanyID              string `json:"companyId"`
	VisitSessionID         string `json:"visitSessionId"`
	TranscriptionSessionID string `json:"transcriptionSessionId,omitempty"`
}

// ProactiveSuggestions is forwarded to callers verbatim; Raw keeps the
// original payload for consumers that need fields this package does not model.
type ProactiveSuggestions struct {
	MissedOpportunities     []json.RawMessage `json:"missedOpportunities"`
	ChecklistDetected       bool              `json:"checklistDetected"`
	UpdatedChecklistItemIDs []json.RawMessage `json:"updatedChecklistItemIds"`
	Raw                     json.RawMessage   `json:"-"`
}

// Message is a decoded inbound message. Only the fields relevant to Type are set.
type Message struct {
	Type        MessageType
	Turns       []WireTurn
	Timestamp   time.Time
	Error       string
	AudioURL    string
	Suggestions *ProactiveSuggestions
	Raw         []byte
}

type envelope struct {
	Type      *string           `json:"type"`
	Turns     []json.RawMessage `json:"turns"`
	Timestamp string            `json:"timestamp"`
	Error     json.RawMessage   `json:"error"`
	Message   string            `json:"message"`
	AudioURL  string            `json:"audioUrl"`
}

// DecodeMessage parses one inbound JSON message. Unknown types decode without
// error so callers can log and ignore them.
func DecodeMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, ErrMalformed
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == nil || *env.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	msg := Message{
		Type: MessageType(*env.Type),
		Raw:  trimmed,
	}

	switch msg.Type {
	case MsgCachedTurns:
		msg.Turns = ParseTurns(env.Turns)
		if env.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
				msg.Timestamp = ts
			}
		}

	case MsgProactiveSuggestions:
		var s ProactiveSuggestions
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		s.Raw = trimmed
		msg.Suggestions = &s

	case MsgChunkError, MsgError:
		msg.Error = errorText(env.Error, env.Message)
		if msg.Error == "" {
			msg.Error = string(msg.Type)
		}

	case MsgSessionEnded:
		msg.AudioURL = env.AudioURL
	}

	return msg, nil
}

// errorText accepts both {"error":"text"} and {"error":{"message":"text"}}.
func errorText(raw json.RawMessage, fallback string) string {
	if len(raw) > 0 {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
	}
	return fallback
}
