package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/motion"
	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/statestore"
)

type fakePublisher struct {
	published []published
}

type published struct {
	topicKey      string
	data          interface{}
	correlationID string
}

func (f *fakePublisher) Publish(topicKey string, data interface{}, priority protocol.Priority, correlationID string) bool {
	f.published = append(f.published, published{topicKey: topicKey, data: data, correlationID: correlationID})
	return true
}

func (f *fakePublisher) PublishEnvelope(topic string, typ protocol.Type, priority protocol.Priority, data interface{}) bool {
	f.published = append(f.published, published{topicKey: topic, data: data})
	return true
}

func (f *fakePublisher) last() published {
	return f.published[len(f.published)-1]
}

func testEngine() (*Engine, *fakePublisher) {
	pub := &fakePublisher{}
	geometry := motion.GeometryConfig{HeightInit: 1000, TrayHeight: 500, CameraHeight: 100, CoderHeight: 50}
	e := NewEngine(pub, statestore.New(), geometry)
	n := 0
	e.newID = func() string {
		n++
		return "task-" + string(rune('0'+n))
	}
	e.now = func() time.Time { return time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC) }
	return e, pub
}

func envelopeFor(t *testing.T, messageID, correlationID string, data interface{}) *protocol.Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &protocol.Envelope{
		MessageID:     messageID,
		Version:       protocol.Version,
		Timestamp:     time.Now().UTC(),
		Type:          protocol.TypeEvent,
		Priority:      protocol.PriorityNormal,
		CorrelationID: correlationID,
		Data:          raw,
	}
}

func TestHappyPathDrivesTaskToCompleted(t *testing.T) {
	e, pub := testEngine()

	if err := e.HandleSensorTrigger(envelopeFor(t, "m1", "", protocol.SensorTrigger{Direction: "out"})); err != nil {
		t.Fatalf("HandleSensorTrigger: %v", err)
	}
	snap, ok := e.Task("task-1")
	if !ok {
		t.Fatalf("task-1 not found")
	}
	if snap.Status != StatusHeightMeasured {
		t.Fatalf("status after trigger = %s, want HeightMeasured", snap.Status)
	}
	if pub.last().topicKey != KeyVisionHeightRequest {
		t.Fatalf("published topic = %s, want %s", pub.last().topicKey, KeyVisionHeightRequest)
	}
	corr := snap.CorrelationID

	if err := e.HandleVisionHeightResult(envelopeFor(t, "m2", corr, protocol.VisionHeightResult{MinHeight: 120})); err != nil {
		t.Fatalf("HandleVisionHeightResult: %v", err)
	}
	snap, _ = e.Task("task-1")
	if snap.Status != StatusMoving {
		t.Fatalf("status after height result = %s, want Moving", snap.Status)
	}
	wantStack := 500.0 - 120.0
	if snap.StackHeight != wantStack {
		t.Errorf("stack height = %v, want %v", snap.StackHeight, wantStack)
	}
	move, ok := pub.last().data.(protocol.MotionMove)
	if !ok {
		t.Fatalf("last publish data = %T, want MotionMove", pub.last().data)
	}
	wantTarget := 1000.0 - 50.0 - wantStack
	if move.PositionMM != wantTarget {
		t.Errorf("target position = %v, want %v", move.PositionMM, wantTarget)
	}

	if err := e.HandleMotionComplete(envelopeFor(t, "m3", corr, protocol.MotionComplete{TaskID: "task-1", Success: true})); err != nil {
		t.Fatalf("HandleMotionComplete: %v", err)
	}
	snap, _ = e.Task("task-1")
	if snap.Status != StatusScanning {
		t.Fatalf("status after motion complete = %s, want Scanning", snap.Status)
	}

	if err := e.HandleCoderComplete(envelopeFor(t, "m4", corr, protocol.CoderComplete{Success: true, Codes: []string{"ABC123"}})); err != nil {
		t.Fatalf("HandleCoderComplete: %v", err)
	}
	snap, _ = e.Task("task-1")
	if snap.Status != StatusOrderPending {
		t.Fatalf("status after coder complete = %s, want OrderPending", snap.Status)
	}
	if len(snap.Codes) != 1 || snap.Codes[0] != "ABC123" {
		t.Errorf("codes = %v, want [ABC123]", snap.Codes)
	}

	if err := e.HandleOrderNew(envelopeFor(t, "m5", corr, protocol.OrderNew{OrderID: "ORD-1"})); err != nil {
		t.Fatalf("HandleOrderNew: %v", err)
	}
	snap, _ = e.Task("task-1")
	if snap.Status != StatusCompleted {
		t.Fatalf("status after order new = %s, want Completed", snap.Status)
	}
	if snap.OrderID != "ORD-1" {
		t.Errorf("order id = %s, want ORD-1", snap.OrderID)
	}
	odoo, ok := pub.last().data.(protocol.CoderOdoo)
	if !ok {
		t.Fatalf("last publish data = %T, want CoderOdoo", pub.last().data)
	}
	if odoo.OrderID != "ORD-1" || len(odoo.Codes) != 1 {
		t.Errorf("coder.odoo payload = %+v", odoo)
	}
}

func TestDuplicateTriggerDoesNotCreateSecondTask(t *testing.T) {
	e, _ := testEngine()

	if err := e.HandleSensorTrigger(envelopeFor(t, "m1", "", protocol.SensorTrigger{Direction: "in"})); err != nil {
		t.Fatalf("HandleSensorTrigger: %v", err)
	}
	if err := e.HandleSensorTrigger(envelopeFor(t, "m1", "", protocol.SensorTrigger{Direction: "in"})); err != nil {
		t.Fatalf("HandleSensorTrigger (replay): %v", err)
	}

	if _, ok := e.Task("task-2"); ok {
		t.Fatalf("replayed trigger created a second task")
	}
}

func TestReplayedHeightResultIsIgnored(t *testing.T) {
	e, pub := testEngine()

	if err := e.HandleSensorTrigger(envelopeFor(t, "m1", "", protocol.SensorTrigger{Direction: "out"})); err != nil {
		t.Fatalf("HandleSensorTrigger: %v", err)
	}
	snap, _ := e.Task("task-1")
	corr := snap.CorrelationID

	env := envelopeFor(t, "m2", corr, protocol.VisionHeightResult{MinHeight: 120})
	if err := e.HandleVisionHeightResult(env); err != nil {
		t.Fatalf("HandleVisionHeightResult: %v", err)
	}
	afterFirst := len(pub.published)

	if err := e.HandleVisionHeightResult(env); err != nil {
		t.Fatalf("HandleVisionHeightResult (replay): %v", err)
	}
	if len(pub.published) != afterFirst {
		t.Errorf("replayed height result published again: %d -> %d", afterFirst, len(pub.published))
	}
}

func TestCancelStopsNonTerminalTask(t *testing.T) {
	e, pub := testEngine()

	if err := e.HandleSensorTrigger(envelopeFor(t, "m1", "", protocol.SensorTrigger{Direction: "out"})); err != nil {
		t.Fatalf("HandleSensorTrigger: %v", err)
	}

	e.Cancel("task-1")
	snap, _ := e.Task("task-1")
	if snap.Status != StatusCancelled {
		t.Fatalf("status after cancel = %s, want Cancelled", snap.Status)
	}

	found := false
	for _, p := range pub.published {
		if p.topicKey == "motion/stop" {
			found = true
		}
	}
	if !found {
		t.Error("Cancel did not publish motion/stop")
	}

	e.Cancel("task-1")
	snap, _ = e.Task("task-1")
	if snap.Status != StatusCancelled {
		t.Fatalf("cancelling an already-cancelled task changed status to %s", snap.Status)
	}
}

func TestCoderFailurePublishesTaskError(t *testing.T) {
	e, pub := testEngine()

	if err := e.HandleSensorTrigger(envelopeFor(t, "m1", "", protocol.SensorTrigger{Direction: "out"})); err != nil {
		t.Fatalf("HandleSensorTrigger: %v", err)
	}
	snap, _ := e.Task("task-1")
	corr := snap.CorrelationID

	if err := e.HandleVisionHeightResult(envelopeFor(t, "m2", corr, protocol.VisionHeightResult{MinHeight: 120})); err != nil {
		t.Fatalf("HandleVisionHeightResult: %v", err)
	}
	if err := e.HandleMotionComplete(envelopeFor(t, "m3", corr, protocol.MotionComplete{TaskID: "task-1", Success: true})); err != nil {
		t.Fatalf("HandleMotionComplete: %v", err)
	}

	err := e.HandleCoderComplete(envelopeFor(t, "m4", corr, protocol.CoderComplete{Success: false, ErrorMessage: "scan timeout"}))
	if err == nil {
		t.Fatal("HandleCoderComplete: want error for failed scan, got nil")
	}

	snap, _ = e.Task("task-1")
	if snap.Status != StatusFailed {
		t.Fatalf("status after coder failure = %s, want Failed", snap.Status)
	}
	if pub.last().topicKey != "outbound/task/error" {
		t.Errorf("last publish topic = %s, want outbound/task/error", pub.last().topicKey)
	}
}
