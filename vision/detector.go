// Package vision defines the narrow contract the out-of-scope vision
// camera acquisition must honour (spec.md §1: "the vision camera
// acquisition (produces a detection/height result)") plus a stub
// implementation used by tests and by deployments with no camera attached.
//
// Grounded on axis.Axis/axis.Simulated's vendor-neutral-interface-plus-
// in-memory-implementation pattern, applied here to the vision domain
// instead of the motion one.
package vision

import (
	"context"
	"sync"

	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
)

// Detector is the contract a camera acquisition backend must honour: a
// fast single-shot minimum-height read, and a fuller detection pass
// returning classified objects. Both are confirmed as genuinely separate
// operations by the retrieved original source's grab/continuous_stream_demo.py
// and grab/quick_grab.py (SPEC_FULL.md §4).
type Detector interface {
	MeasureHeight(ctx context.Context) (minHeight float64, err error)
	Detect(ctx context.Context) ([]protocol.DetectedObject, error)
}

// Stub is an in-memory Detector for tests and camera-less deployments. It
// returns whatever height/objects were last set, honouring context
// cancellation.
type Stub struct {
	mu      sync.Mutex
	height  float64
	objects []protocol.DetectedObject
}

// NewStub returns a Stub reporting height as its initial measured height.
func NewStub(height float64) *Stub {
	return &Stub{height: height}
}

// MeasureHeight returns the stub's configured height.
func (s *Stub) MeasureHeight(ctx context.Context) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}

// Detect returns the stub's configured detections.
func (s *Stub) Detect(ctx context.Context) ([]protocol.DetectedObject, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.DetectedObject(nil), s.objects...), nil
}

// SetHeight updates the height MeasureHeight will report next.
func (s *Stub) SetHeight(h float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height = h
}

// SetObjects updates the detections Detect will report next.
func (s *Stub) SetObjects(objs []protocol.DetectedObject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = append([]protocol.DetectedObject(nil), objs...)
}
