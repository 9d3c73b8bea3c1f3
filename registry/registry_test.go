package registry

import (
	"testing"

	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
)

func TestMandatoryRegistrations(t *testing.T) {
	r := New()
	for _, key := range []string{
		"sensor.trigger", "order.new", "vision.start", "vision.result",
		"motion.move", "motion.complete", "coder.start", "coder.complete",
		"status.heartbeat",
	} {
		if !r.Exists(key) {
			t.Errorf("mandatory key %q not pre-registered", key)
		}
	}
}

func TestResolveSubstitutesVersionThenPositional(t *testing.T) {
	r := New()
	topic, err := r.Resolve("status.heartbeat", "v1", "vision")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := "ios/v1/status/vision/heartbeat"
	if topic != want {
		t.Errorf("topic = %q, want %q", topic, want)
	}
}

func TestResolveDefaultsVersion(t *testing.T) {
	r := New()
	topic, err := r.Resolve("sensor.trigger", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if topic != "ios/v1/sensor/grating/trigger" {
		t.Errorf("topic = %q", topic)
	}
}

func TestResolveUnregisteredKeyFails(t *testing.T) {
	r := New()
	if _, err := r.Resolve("nope", "v1"); err == nil {
		t.Errorf("Resolve succeeded for unregistered key")
	}
}

func TestResolveUnderParameterisedFails(t *testing.T) {
	r := New()
	if _, err := r.Resolve("status.heartbeat", "v1"); err == nil {
		t.Errorf("Resolve succeeded without positional param")
	}
}

func TestRegisterRejectsEmptyKey(t *testing.T) {
	r := New()
	if err := r.Register("", "a/b/c", protocol.TypeEvent, ""); err != ErrEmptyKey {
		t.Errorf("Register err = %v, want ErrEmptyKey", err)
	}
}

func TestRegisterIsIdempotentAndLastWriteWins(t *testing.T) {
	r := New()
	if err := r.Register("custom.key", "a/{0}", protocol.TypeEvent, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("custom.key", "a/{0}/b", protocol.TypeEvent, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	topic, err := r.Resolve("custom.key", "v1", "x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if topic != "a/x/b" {
		t.Errorf("topic = %q, want last-write pattern applied", topic)
	}
}

func TestUnregisterAndClear(t *testing.T) {
	r := New()
	if !r.Unregister("order.new") {
		t.Errorf("Unregister returned false for present key")
	}
	if r.Exists("order.new") {
		t.Errorf("key still present after Unregister")
	}
	if r.Unregister("order.new") {
		t.Errorf("Unregister returned true for already-removed key")
	}
	r.Clear()
	if len(r.List()) != 0 {
		t.Errorf("List not empty after Clear")
	}
}
