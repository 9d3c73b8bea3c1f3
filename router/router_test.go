package router

import (
	"errors"
	"sync"
	"testing"
)

type recordingHandler struct {
	topics []string
	mu     sync.Mutex
	seen   []string
	err    error
}

func (h *recordingHandler) Handle(topic string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, topic)
	return h.err
}

func (h *recordingHandler) CanHandle(topic string) bool {
	for _, t := range h.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (h *recordingHandler) SupportedTopics() []string { return h.topics }

func (h *recordingHandler) seenTopics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func TestExactMatchTakesPriorityOverWildcard(t *testing.T) {
	r := New()
	exactH := &recordingHandler{topics: []string{"ios/v1/motion/control/move"}}
	wildH := &recordingHandler{topics: []string{"ios/v1/motion/+/move"}}
	r.Register(exactH)
	r.Register(wildH)

	r.Route("ios/v1/motion/control/move", []byte("x"))

	if len(exactH.seenTopics()) != 1 {
		t.Errorf("exact handler invoked %d times, want 1", len(exactH.seenTopics()))
	}
	if len(wildH.seenTopics()) != 0 {
		t.Errorf("wildcard handler invoked %d times, want 0 (exact should shadow it)", len(wildH.seenTopics()))
	}
}

func TestPlusMatchesExactlyOneSegment(t *testing.T) {
	r := New()
	h := &recordingHandler{topics: []string{"ios/v1/status/+/heartbeat"}}
	r.Register(h)

	r.Route("ios/v1/status/vision/heartbeat", []byte("x"))
	r.Route("ios/v1/status/a/b/heartbeat", []byte("x"))

	if len(h.seenTopics()) != 1 {
		t.Errorf("handler invoked %d times, want 1", len(h.seenTopics()))
	}
}

func TestHashMatchesTrailingSegments(t *testing.T) {
	r := New()
	h := &recordingHandler{topics: []string{"ios/v1/debug/#"}}
	r.Register(h)

	r.Route("ios/v1/debug/a", nil)
	r.Route("ios/v1/debug/a/b/c", nil)
	r.Route("ios/v1/other", nil)

	if len(h.seenTopics()) != 2 {
		t.Errorf("handler invoked %d times, want 2", len(h.seenTopics()))
	}
}

func TestDefaultHandlerInvokedWhenNoMatch(t *testing.T) {
	r := New()
	def := &recordingHandler{}
	r.SetDefault(def)

	r.Route("foo/bar/baz", nil)

	if len(def.seenTopics()) != 1 {
		t.Errorf("default handler invoked %d times, want 1", len(def.seenTopics()))
	}
}

func TestHandlerErrorIsSwallowed(t *testing.T) {
	r := New()
	h := &recordingHandler{topics: []string{"a/b"}, err: errors.New("boom")}
	r.Register(h)

	// Must not panic or otherwise propagate.
	r.Route("a/b", nil)

	if len(h.seenTopics()) != 1 {
		t.Errorf("handler invoked %d times, want 1", len(h.seenTopics()))
	}
}

func TestConcurrentExactMatchesAllInvoked(t *testing.T) {
	r := New()
	h1 := &recordingHandler{topics: []string{"a/b"}}
	h2 := &recordingHandler{topics: []string{"a/b"}}
	r.Register(h1)
	r.Register(h2)

	r.Route("a/b", nil)

	if len(h1.seenTopics()) != 1 || len(h2.seenTopics()) != 1 {
		t.Errorf("expected both handlers invoked once each")
	}
}
