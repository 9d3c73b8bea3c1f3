package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/statestore"
)

type recordedPublish struct {
	topic string
	typ   protocol.Type
	data  interface{}
}

type fakePublisher struct {
	published []recordedPublish
}

func (f *fakePublisher) Publish(topicKey string, data interface{}, priority protocol.Priority, correlationID string) bool {
	f.published = append(f.published, recordedPublish{topic: topicKey, data: data})
	return true
}

func (f *fakePublisher) PublishEnvelope(topic string, typ protocol.Type, priority protocol.Priority, data interface{}) bool {
	f.published = append(f.published, recordedPublish{topic: topic, typ: typ, data: data})
	return true
}

func marshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestSensorHandlerStoresDirectionAndRequestsHeight(t *testing.T) {
	store := statestore.New()
	pub := &fakePublisher{}
	h := NewSensorHandler(store, pub)

	if err := h.Handle("sensor/grating", marshal(t, protocol.SensorTrigger{Direction: "out"})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if store.Get("sensor:grating") != "out" {
		t.Errorf("sensor:grating = %v, want out", store.Get("sensor:grating"))
	}
	if len(pub.published) != 1 || pub.published[0].topic != "vision/height" {
		t.Errorf("published = %+v, want one publish to vision/height", pub.published)
	}
}

func TestSensorHandlerRejectsEmptyDirection(t *testing.T) {
	store := statestore.New()
	pub := &fakePublisher{}
	h := NewSensorHandler(store, pub)
	if err := h.Handle("sensor/grating", marshal(t, protocol.SensorTrigger{})); err == nil {
		t.Errorf("Handle succeeded with empty direction")
	}
}

func TestMotionHandlerRecordsCompletion(t *testing.T) {
	store := statestore.New()
	pub := &fakePublisher{}
	h := NewMotionHandler(store, pub)

	err := h.Handle("motion/moving/complete", marshal(t, protocol.MotionComplete{TaskID: "T1", FinalPosition: 5000, Success: true}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if store.Get("task:T1:motion_status") != "completed" {
		t.Errorf("motion_status = %v", store.Get("task:T1:motion_status"))
	}
	if store.Get("task:T1:final_position") != int64(5000) {
		t.Errorf("final_position = %v", store.Get("task:T1:final_position"))
	}
}

func TestVisionHandlerClassifiesDetections(t *testing.T) {
	store := statestore.New()
	h := NewVisionHandler(store)

	det := protocol.VisionDetection{
		TaskID: "T1",
		DetectedObjects: []protocol.DetectedObject{
			{Type: "qrcode"}, {Type: "mystery"},
		},
	}
	if err := h.Handle("vision/detection", marshal(t, det)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := store.Get("vision:T1:detection").(protocol.VisionDetection)
	if got.DetectedObjects[0].Type != "qrcode" {
		t.Errorf("type[0] = %v, want qrcode", got.DetectedObjects[0].Type)
	}
	if got.DetectedObjects[1].Type != "unknown" {
		t.Errorf("type[1] = %v, want unknown", got.DetectedObjects[1].Type)
	}
}

func TestVisionHandlerStoresMinHeight(t *testing.T) {
	store := statestore.New()
	h := NewVisionHandler(store)
	err := h.Handle("vision/height/result", marshal(t, protocol.VisionHeightResult{MinHeight: 1.8, Timestamp: time.Now().UTC()}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if store.Get("min_height") != 1.8 {
		t.Errorf("min_height = %v, want 1.8", store.Get("min_height"))
	}
}

func TestCoderHandlerValidatesBarcodeFormat(t *testing.T) {
	store := statestore.New()
	pub := &fakePublisher{}
	h := NewCoderHandler(store, pub)

	err := h.Handle("coder/result", marshal(t, protocol.CoderResult{TaskID: "T1", Code: "12AB5678", CodeType: "barcode"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0].topic != "coder/validation/failed" {
		t.Errorf("published = %+v, want validation/failed (non-digit barcode)", pub.published)
	}
}

func TestCoderHandlerAcceptsValidBarcode(t *testing.T) {
	store := statestore.New()
	pub := &fakePublisher{}
	h := NewCoderHandler(store, pub)

	err := h.Handle("coder/result", marshal(t, protocol.CoderResult{TaskID: "T1", Code: "12345678", CodeType: "barcode"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0].topic != "coder/validation/success" {
		t.Errorf("published = %+v, want validation/success", pub.published)
	}
}

func TestDefaultHandlerRecordsUnknownMessage(t *testing.T) {
	store := statestore.New()
	pub := &fakePublisher{}
	h := NewDefaultHandler(store, pub)

	if err := h.Handle("foo/bar/baz", []byte("x")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	found := false
	for _, k := range store.Keys() {
		if len(k) > len("unknown_messages:") && k[:len("unknown_messages:")] == "unknown_messages:" {
			found = true
		}
	}
	if !found {
		t.Errorf("no unknown_messages: key recorded")
	}
	if len(pub.published) != 1 || pub.published[0].topic != "system/events/unknown_topic" {
		t.Errorf("published = %+v, want unknown_topic event", pub.published)
	}
}

func TestSystemHandlerHeartbeatAndOfflineStatus(t *testing.T) {
	store := statestore.New()
	pub := &fakePublisher{}
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewSystemHandler(store, pub, nil, nil)
	h.now = func() time.Time { return current }

	if err := h.Handle("system/heartbeat", marshal(t, protocol.Heartbeat{Source: "vision", Timestamp: current})); err != nil {
		t.Fatalf("Handle heartbeat: %v", err)
	}

	current = current.Add(6 * time.Minute)
	h.now = func() time.Time { return current }
	if err := h.Handle("system/status", nil); err != nil {
		t.Fatalf("Handle status: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("published = %+v, want one status snapshot", pub.published)
	}
	snapshot := pub.published[0].data.(statusSnapshot)
	if len(snapshot.Sources) != 1 || snapshot.Sources[0].Status != "offline" {
		t.Errorf("sources = %+v, want vision offline", snapshot.Sources)
	}
}

func TestSystemHandlerConfigUpdateAppliesRecognizedKey(t *testing.T) {
	store := statestore.New()
	pub := &fakePublisher{}
	applied := ""
	effects := map[string]ConfigEffect{
		"log_level": func(value string) error { applied = value; return nil },
	}
	h := NewSystemHandler(store, pub, nil, effects)

	if err := h.Handle("system/config", marshal(t, configUpdate{Key: "log_level", Value: "debug"})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if applied != "debug" {
		t.Errorf("applied = %q, want debug", applied)
	}
	if store.Get("config:log_level") != "debug" {
		t.Errorf("config:log_level = %v", store.Get("config:log_level"))
	}
	if len(pub.published) != 1 || pub.published[0].topic != "system/config/confirm" {
		t.Errorf("published = %+v, want confirm", pub.published)
	}
}
