package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := New(TypeCommand, PriorityHigh, Address{Name: "scheduler", Instance: "a"}, SensorTrigger{Direction: "out"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.CorrelationID = "corr-1"
	env.Headers = map[string]string{"x-trace": "1"}
	env.Metadata = map[string]interface{}{"attempt": float64(1)}

	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.MessageID != env.MessageID {
		t.Errorf("MessageID = %v, want %v", got.MessageID, env.MessageID)
	}
	if got.Version != Version {
		t.Errorf("Version = %v, want %v", got.Version, Version)
	}
	if !got.Timestamp.Equal(env.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, env.Timestamp)
	}
	if got.Source != env.Source {
		t.Errorf("Source = %v, want %v", got.Source, env.Source)
	}
	if got.Type != env.Type {
		t.Errorf("Type = %v, want %v", got.Type, env.Type)
	}
	if got.Priority != env.Priority {
		t.Errorf("Priority = %v, want %v", got.Priority, env.Priority)
	}
	if got.CorrelationID != env.CorrelationID {
		t.Errorf("CorrelationID = %v, want %v", got.CorrelationID, env.CorrelationID)
	}

	var trigger SensorTrigger
	if err := got.DecodePayload(&trigger); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if trigger.Direction != "out" {
		t.Errorf("Direction = %v, want out", trigger.Direction)
	}
}

func TestEnvelopeWireKeysAreCamelCase(t *testing.T) {
	env, err := New(TypeEvent, PriorityNormal, Address{Name: "vision"}, VisionHeightResult{MinHeight: 1.8, Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"messageId", "version", "timestamp", "source", "type", "priority", "data"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing wire key %q", key)
		}
	}
	for _, key := range []string{"message_id", "correlation_id", "expires_at"} {
		if _, ok := m[key]; ok {
			t.Errorf("unexpected snake_case wire key %q present", key)
		}
	}
}

func TestNewReplyCarriesCorrelation(t *testing.T) {
	req, err := New(TypeRequest, PriorityNormal, Address{Name: "scheduler"}, OrderNew{OrderID: "ORD-1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reply, err := NewReply(req, Address{Name: "orders"}, TypeResponse, OrderNew{OrderID: "ORD-1"})
	if err != nil {
		t.Fatalf("NewReply: %v", err)
	}
	if reply.CorrelationID != req.MessageID {
		t.Errorf("CorrelationID = %v, want %v", reply.CorrelationID, req.MessageID)
	}
	if reply.Target == nil || *reply.Target != req.Source {
		t.Errorf("Target = %v, want %v", reply.Target, req.Source)
	}
}

func TestMessageIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		env, err := New(TypeEvent, PriorityNormal, Address{Name: "x"}, struct{}{})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if seen[env.MessageID] {
			t.Fatalf("duplicate message id %s", env.MessageID)
		}
		seen[env.MessageID] = true
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	env := &Envelope{ExpiresAt: &past}
	if !env.IsExpired(now) {
		t.Errorf("IsExpired = false, want true")
	}

	env2 := &Envelope{}
	if env2.IsExpired(now) {
		t.Errorf("IsExpired = true for unset ExpiresAt, want false")
	}
}

func TestDecodeRejectsMissingRequiredFields(t *testing.T) {
	if _, err := Decode([]byte(`{"version":"v1"}`)); err == nil {
		t.Errorf("Decode succeeded on envelope missing messageId/type/timestamp")
	}
}

func TestDecodeHeaderExtractsMessageID(t *testing.T) {
	env, err := New(TypeEvent, PriorityNormal, Address{Name: "x"}, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	h, err := DecodeHeader(raw)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.MessageID != env.MessageID {
		t.Errorf("MessageID = %v, want %v", h.MessageID, env.MessageID)
	}
}
