package vision

import (
	"context"
	"testing"

	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
)

func TestStubMeasureHeightReturnsConfiguredValue(t *testing.T) {
	s := NewStub(1.8)
	h, err := s.MeasureHeight(context.Background())
	if err != nil {
		t.Fatalf("MeasureHeight: %v", err)
	}
	if h != 1.8 {
		t.Errorf("height = %v, want 1.8", h)
	}

	s.SetHeight(2.4)
	h, _ = s.MeasureHeight(context.Background())
	if h != 2.4 {
		t.Errorf("height after SetHeight = %v, want 2.4", h)
	}
}

func TestStubDetectReturnsCopyOfConfiguredObjects(t *testing.T) {
	s := NewStub(0)
	s.SetObjects([]protocol.DetectedObject{{Type: "package", Confidence: 0.9}})

	got, err := s.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(got) != 1 || got[0].Type != "package" {
		t.Fatalf("Detect = %+v", got)
	}

	got[0].Type = "mutated"
	got2, _ := s.Detect(context.Background())
	if got2[0].Type != "package" {
		t.Errorf("Detect did not return a defensive copy: %+v", got2)
	}
}

func TestMeasureHeightHonoursCancellation(t *testing.T) {
	s := NewStub(1.0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.MeasureHeight(ctx); err == nil {
		t.Error("MeasureHeight after cancel: want error, got nil")
	}
}
