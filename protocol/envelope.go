// Package protocol defines the versioned message envelope carried on every
// topic of the bus, along with the message-type and priority vocabularies
// and the expiry rules receivers must honour.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version tag stamped on every envelope.
const Version = "v1"

// Type is the envelope's message kind.
type Type string

const (
	TypeCommand      Type = "Command"
	TypeEvent        Type = "Event"
	TypeRequest      Type = "Request"
	TypeResponse     Type = "Response"
	TypeQuery        Type = "Query"
	TypeNotification Type = "Notification"
	TypeHeartbeat    Type = "Heartbeat"
)

// Priority orders delivery/processing preference; it does not affect MQTT QoS.
type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityNormal   Priority = "Normal"
	PriorityCritical Priority = "Critical"
	PriorityHigh     Priority = "High"
)

// Address identifies a service instance, used as both source and target.
type Address struct {
	Name        string `json:"name"`
	Instance    string `json:"instance,omitempty"`
	Version     string `json:"version,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// Envelope is the standard wrapper carried as the payload of every managed
// MQTT publish. Field order below is preserved on the wire (camelCase,
// insertion order) so that field-equal envelopes serialize byte-equal.
type Envelope struct {
	MessageID     string                 `json:"messageId"`
	Version       string                 `json:"version"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        Address                `json:"source"`
	Target        *Address               `json:"target,omitempty"`
	Type          Type                   `json:"type"`
	Priority      Priority               `json:"priority"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Data          json.RawMessage        `json:"data"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Headers       map[string]string      `json:"headers,omitempty"`
	ExpiresAt     *time.Time             `json:"expiresAt,omitempty"`
	RetryCount    int                    `json:"retryCount"`
	MaxRetries    int                    `json:"maxRetries"`
}

// RawHeader decodes only the fields needed to route and expiry-check a
// message, without paying to unmarshal the typed payload. Used by the Bus
// Client to expiry- and type-filter typed subscriptions ahead of a full
// decode.
type RawHeader struct {
	MessageID     string     `json:"messageId"`
	Version       string     `json:"version"`
	Timestamp     time.Time  `json:"timestamp"`
	Source        Address    `json:"source"`
	Target        *Address   `json:"target,omitempty"`
	Type          Type       `json:"type"`
	Priority      Priority   `json:"priority"`
	CorrelationID string     `json:"correlationId,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// New builds an envelope with a fresh message id and current UTC timestamp.
// data is marshalled to JSON; a marshal failure is returned rather than
// panicking so callers can surface it as a publish failure.
func New(typ Type, priority Priority, source Address, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope data: %w", err)
	}
	if priority == "" {
		priority = PriorityNormal
	}
	return &Envelope{
		MessageID: uuid.NewString(),
		Version:   Version,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Type:      typ,
		Priority:  priority,
		Data:      raw,
	}, nil
}

// NewReply builds a response envelope correlated to the given request
// envelope: target becomes the request's source, correlation id is carried
// forward (falling back to the request's message id).
func NewReply(req *Envelope, source Address, typ Type, data interface{}) (*Envelope, error) {
	env, err := New(typ, req.Priority, source, data)
	if err != nil {
		return nil, err
	}
	target := req.Source
	env.Target = &target
	if req.CorrelationID != "" {
		env.CorrelationID = req.CorrelationID
	} else {
		env.CorrelationID = req.MessageID
	}
	return env, nil
}

// Encode serializes the envelope to UTF-8 JSON with camelCase field names.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode deserializes bytes into a full Envelope. It fails when required
// fields are absent or ill-typed.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.MessageID == "" {
		return nil, fmt.Errorf("protocol: decode envelope: missing messageId")
	}
	if env.Type == "" {
		return nil, fmt.Errorf("protocol: decode envelope: missing type")
	}
	if env.Timestamp.IsZero() {
		return nil, fmt.Errorf("protocol: decode envelope: missing timestamp")
	}
	return &env, nil
}

// DecodeHeader performs the fast first phase of a two-phase decode: just
// enough to route and expiry-check the message.
func DecodeHeader(raw []byte) (*RawHeader, error) {
	var h RawHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("protocol: decode header: %w", err)
	}
	if h.MessageID == "" || h.Type == "" || h.Timestamp.IsZero() {
		return nil, fmt.Errorf("protocol: decode header: missing required field")
	}
	return &h, nil
}

// DecodePayload unmarshals the envelope's data field into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("protocol: decode payload: empty data")
	}
	return json.Unmarshal(e.Data, v)
}

// IsExpired reports whether the envelope's ExpiresAt is in the past relative
// to now. An unset ExpiresAt never expires.
func (e *Envelope) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// IsExpired reports expiry from a header-only decode, avoiding a full
// envelope unmarshal on the hot path for dropped (expired) messages.
func (h *RawHeader) IsExpired(now time.Time) bool {
	return h.ExpiresAt != nil && h.ExpiresAt.Before(now)
}
