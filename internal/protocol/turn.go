package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Speaker attributes a turn to one side of the conversation.
type Speaker string

const (
	SpeakerTechnician Speaker = "technician"
	SpeakerCustomer   Speaker = "customer"
	SpeakerUnknown    Speaker = "unknown"
)

// NormalizeSpeaker maps anything unrecognised to SpeakerUnknown.
func NormalizeSpeaker(s string) Speaker {
	switch Speaker(s) {
	case SpeakerTechnician, SpeakerCustomer:
		return Speaker(s)
	default:
		return SpeakerUnknown
	}
}

// WordTimestamp is one word of a turn with its timing.
type WordTimestamp struct {
	Word       string  `json:"word"`
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	Confidence float64 `json:"confidence"`
}

// WireTurn is one streamed turn as carried in a cached_turns message.
// TurnIndex is assigned by the backend and is the authoritative sort key.
type WireTurn struct {
	TurnID           *int64          `json:"turn_id,omitempty"`
	ProviderResultID string          `json:"provider_result_id"`
	TurnIndex        int64           `json:"turn_index"`
	IsFinal          bool            `json:"is_final"`
	Speaker          Speaker         `json:"speaker"`
	Text             string          `json:"text"`
	StartSec         float64         `json:"start_sec"`
	EndSec           float64         `json:"end_sec"`
	WordTimestamps   []WordTimestamp `json:"word_timestamps,omitempty"`
	UpdatedAtMs      int64           `json:"updated_at_ms"`
}

// Key returns the reconciliation identity: the persisted turn id once it
// exists, the provider result id before that.
func (t WireTurn) Key() string {
	if t.TurnID != nil {
		return "turn:" + strconv.FormatInt(*t.TurnID, 10)
	}
	return "result:" + t.ProviderResultID
}

// Valid reports whether the turn carries the fields the cache relies on.
func (t WireTurn) Valid() bool {
	return t.ProviderResultID != "" && t.Text != ""
}

// looseTurn decodes the validated fields as raw JSON so a single bad entry
// can be rejected without failing the whole snapshot.
type looseTurn struct {
	TurnID           json.RawMessage `json:"turn_id"`
	ProviderResultID json.RawMessage `json:"provider_result_id"`
	TurnIndex        json.RawMessage `json:"turn_index"`
	IsFinal          bool            `json:"is_final"`
	Speaker          string          `json:"speaker"`
	Text             json.RawMessage `json:"text"`
	StartSec         float64         `json:"start_sec"`
	EndSec           float64         `json:"end_sec"`
	WordTimestamps   []WordTimestamp `json:"word_timestamps"`
	UpdatedAtMs      int64           `json:"updated_at_ms"`
}

// ParseTurns decodes the raw entries of a cached_turns message, dropping any
// entry without a string provider_result_id, a numeric integral turn_index or
// a non-empty string text. Order is preserved; sorting is the cache's job.
func ParseTurns(raws []json.RawMessage) []WireTurn {
	out := make([]WireTurn, 0, len(raws))
	for _, raw := range raws {
		turn, ok := parseTurn(raw)
		if ok {
			out = append(out, turn)
		}
	}
	return out
}

func parseTurn(raw json.RawMessage) (WireTurn, bool) {
	var lt looseTurn
	if err := json.Unmarshal(raw, &lt); err != nil {
		return WireTurn{}, false
	}

	var resultID string
	if err := json.Unmarshal(lt.ProviderResultID, &resultID); err != nil || resultID == "" {
		return WireTurn{}, false
	}

	var text string
	if err := json.Unmarshal(lt.Text, &text); err != nil || text == "" {
		return WireTurn{}, false
	}

	index, ok := parseTurnIndex(lt.TurnIndex)
	if !ok {
		return WireTurn{}, false
	}

	turn := WireTurn{
		ProviderResultID: resultID,
		TurnIndex:        index,
		IsFinal:          lt.IsFinal,
		Speaker:          NormalizeSpeaker(lt.Speaker),
		Text:             text,
		StartSec:         lt.StartSec,
		EndSec:           lt.EndSec,
		WordTimestamps:   lt.WordTimestamps,
		UpdatedAtMs:      lt.UpdatedAtMs,
	}

	// turn_id is optional; null or a non-integer leaves it unset
	if !isNull(lt.TurnID) {
		var id int64
		if err := json.Unmarshal(lt.TurnID, &id); err == nil {
			turn.TurnID = &id
		}
	}

	return turn, true
}

// parseTurnIndex accepts JSON numbers with an integral value, e.g. 7 or 7.0.
// Integers are read exactly; strings, fractions and out of range values are
// rejected.
func parseTurnIndex(raw json.RawMessage) (int64, bool) {
	if isNull(raw) {
		return 0, false
	}
	if bytes.TrimSpace(raw)[0] == '"' {
		return 0, false
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, false
	}
	if n, err := num.Int64(); err == nil {
		return n, true
	}
	f, err := num.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
