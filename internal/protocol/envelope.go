// Package protocol defines the ArqonBus envelope, its identifiers,
// validation rules, and the two wire codecs (JSON and binary).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope types. Every frame on the bus is one of these.
const (
	TypeMessage        = "message"
	TypeCommand        = "command"
	TypeResponse       = "response"
	TypeTelemetry      = "telemetry"
	TypeOperatorResult = "operator_result"
	TypeOperatorJoin   = "operator.join"
)

// DefaultVersion is stamped on envelopes created by this process.
const DefaultVersion = "1.0"

// Recognized metadata keys.
const (
	MetaTenantID       = "tenant_id"
	MetaSequence       = "sequence"
	MetaVectorClock    = "vector_clock"
	MetaCausalParentID = "causal_parent_id"
)

// Envelope is the single frame type carried over the socket. Optional
// fields are omitted from the JSON form when empty.
type Envelope struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Timestamp  string                 `json:"timestamp"`
	Version    string                 `json:"version,omitempty"`
	Sender     string                 `json:"sender,omitempty"`
	Room       string                 `json:"room,omitempty"`
	Channel    string                 `json:"channel,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Command    string                 `json:"command,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ErrorCode  string                 `json:"error_code,omitempty"`
	FromClient string                 `json:"from_client,omitempty"`
	ToClient   string                 `json:"to_client,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Now returns the canonical envelope timestamp: RFC3339 UTC with an
// explicit offset.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ParseTimestamp accepts RFC3339 with either a numeric offset or the
// `Z` suffix.
func ParseTimestamp(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid envelope timestamp %q: %w", ts, err)
	}
	return t.UTC(), nil
}

// NewEnvelope builds an envelope of the given type with a fresh id and
// timestamp.
func NewEnvelope(envType, sender string) *Envelope {
	return &Envelope{
		ID:        GenerateMessageID(),
		Type:      envType,
		Timestamp: Now(),
		Version:   DefaultVersion,
		Sender:    sender,
	}
}

// NewMessage builds a routed message envelope.
func NewMessage(sender, room, channel string, payload map[string]interface{}) *Envelope {
	e := NewEnvelope(TypeMessage, sender)
	e.Room = room
	e.Channel = channel
	e.Payload = payload
	return e
}

// NewResponse builds a response correlated to the given request envelope.
func NewResponse(req *Envelope, status string, payload map[string]interface{}) *Envelope {
	e := NewEnvelope(TypeResponse, "")
	e.RequestID = req.ID
	e.Status = status
	e.Payload = payload
	e.Room = req.Room
	e.Channel = req.Channel
	return e
}

// NewErrorResponse builds an error response with the given code.
func NewErrorResponse(req *Envelope, errorCode, message string) *Envelope {
	e := NewResponse(req, "error", map[string]interface{}{"message": message})
	e.Error = message
	e.ErrorCode = errorCode
	return e
}

// TenantID returns metadata.tenant_id, or "" when absent.
func (e *Envelope) TenantID() string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata[MetaTenantID].(string); ok {
		return v
	}
	return ""
}

// Sequence returns metadata.sequence as an integer. JSON decoding
// produces float64 for all numbers, so whole floats are coerced.
func (e *Envelope) Sequence() (int64, bool) {
	if e.Metadata == nil {
		return 0, false
	}
	return coerceInt(e.Metadata[MetaSequence])
}

// VectorClock returns metadata.vector_clock as node → counter, or nil.
func (e *Envelope) VectorClock() map[string]int64 {
	if e.Metadata == nil {
		return nil
	}
	raw, ok := e.Metadata[MetaVectorClock].(map[string]interface{})
	if !ok {
		return nil
	}
	vc := make(map[string]int64, len(raw))
	for node, v := range raw {
		n, ok := coerceInt(v)
		if !ok {
			return nil
		}
		vc[node] = n
	}
	return vc
}

// SetMeta sets a metadata key, allocating the map on first use.
func (e *Envelope) SetMeta(key string, value interface{}) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
}

// Clone returns a deep copy of the envelope. The policy engine mutates
// clones so the original frame is preserved for monitor-mode logging.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Payload = cloneMap(e.Payload)
	c.Args = cloneMap(e.Args)
	c.Metadata = cloneMap(e.Metadata)
	return &c
}

// ToJSON serializes the envelope to its canonical JSON form.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an envelope from JSON bytes.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope decode: %w", err)
	}
	return &e, nil
}

func coerceInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return 0, false
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
