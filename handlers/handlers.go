// Package handlers implements the Handler Set (C7): per-domain handlers
// binding inbound topics to shared-state updates and follow-up publishes.
// Every handler satisfies router.Handler (Handle/CanHandle/SupportedTopics).
//
// Grounded on shingo-edge/messaging/edge_handler.go and
// shingo-core/messaging/core_handler.go, which embed protocol.NoOpHandler
// and implement one method per inbound message kind; generalized here from
// a fixed MessageHandler interface (one Go method per protocol.Type) to the
// spec's topic-driven Handle/CanHandle contract, since the Handler Set
// dispatches by topic match rather than by envelope type (§9 design note).
package handlers

import (
	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
)

// Publisher is the narrow surface the Handler Set needs from the Bus
// Client: registry-keyed enveloped publish, plus direct-topic enveloped
// publish for ad hoc topics with no registry entry (error/validation
// events named in spec.md §7).
type Publisher interface {
	Publish(topicKey string, data interface{}, priority protocol.Priority, correlationID string) bool
	PublishEnvelope(topic string, typ protocol.Type, priority protocol.Priority, data interface{}) bool
}

// BaseHandler gives every domain handler a default CanHandle built from
// SupportedTopics, mirroring the teacher's NoOpHandler embedding: a handler
// need only set Topics and implement Handle.
type BaseHandler struct {
	Topics []string
}

// CanHandle reports whether topic is one of the handler's exact supported
// topics. Handlers whose topics include wildcards still match here only by
// literal equality; the Router performs the actual wildcard test.
func (b BaseHandler) CanHandle(topic string) bool {
	for _, t := range b.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// SupportedTopics returns the handler's registered topic patterns.
func (b BaseHandler) SupportedTopics() []string {
	return b.Topics
}
