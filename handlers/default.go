package handlers

import (
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/statestore"
)

// DefaultHandler is the Router's catch-all: it records the raw envelope for
// later inspection, publishes an unknown-topic event, and performs light
// category-specific processing for test/debug/log topics.
//
// Grounded on shingo-core/messaging/core_handler.go's staleEdgeLoop-style
// "log and move on" handling of anything the dispatcher doesn't recognize.
type DefaultHandler struct {
	store *statestore.Store
	pub   Publisher
	now   func() time.Time
}

// NewDefaultHandler constructs the default handler.
func NewDefaultHandler(store *statestore.Store, pub Publisher) *DefaultHandler {
	return &DefaultHandler{store: store, pub: pub, now: time.Now}
}

func (h *DefaultHandler) Handle(topic string, payload []byte) error {
	log.Printf("handlers: unknown topic %s (%d bytes)", topic, len(payload))

	key := "unknown_messages:" + h.now().UTC().Format(time.RFC3339Nano) + ":" + uuid.NewString()
	h.store.Set(key, map[string]interface{}{"topic": topic, "payload": payload})

	h.pub.PublishEnvelope("system/events/unknown_topic", protocol.TypeNotification, protocol.PriorityLow, map[string]string{"topic": topic})

	switch {
	case strings.HasPrefix(topic, "test/"):
		h.store.Set("test:last_topic", topic)
	case strings.HasPrefix(topic, "debug/"):
		h.store.Set("debug:last_topic", topic)
	case strings.HasPrefix(topic, "log/"):
		h.store.Set("log:last_topic", topic)
	}

	return nil
}

// CanHandle always reports true: the default handler is the Router's
// fallback, not a pattern-matched handler, so it is never registered via
// Router.Register / SupportedTopics.
func (h *DefaultHandler) CanHandle(topic string) bool { return true }

// SupportedTopics returns nil: the default handler has no patterns of its
// own, it is installed via Router.SetDefault.
func (h *DefaultHandler) SupportedTopics() []string { return nil }
