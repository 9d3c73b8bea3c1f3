// Package wiring connects, for every cmd/* bootstrap, a topic's domain
// handler and (for cmd/scheduler) workflow engine callback to the Router and
// to one Bus Client subscription. The bootstraps themselves build the
// registry, router, store, handlers and engine.
//
// Grounded on shingo-core/messaging/consumer.go's pattern of registering one
// InboundHandler per resolved topic against a single dispatcher; generalized
// here to bridge two topic vocabularies that otherwise can't share a Router
// entry: the registry's wire-level MQTT patterns (spec.md §4.2, e.g.
// "ios/v1/sensor/grating/trigger") and the Handler Set's short internal
// dispatch names (spec.md §4.7 prose, e.g. "sensor/grating"). A Bridge
// resolves one wire topic, registers it with the Router under that wire
// topic, and on every message re-dispatches to the short name the domain
// handler and workflow engine actually expect.
package wiring

import (
	"errors"
	"fmt"
	"log"

	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/registry"
	"github.com/caoyingjie21/IntelligentOutboundSystem/router"
)

// Bridge adapts one resolved wire topic to the Router: it reports the wire
// topic as its sole supported pattern, and on dispatch re-invokes Legacy
// (a Handler Set domain handler, keyed by ShortTopic) and Workflow (a
// Workflow Engine Handle* method, keyed by decoded Envelope) as configured.
// Either may be nil.
type Bridge struct {
	WireTopic  string
	ShortTopic string
	Legacy     router.Handler
	Workflow   func(*protocol.Envelope) error
}

func (b *Bridge) SupportedTopics() []string { return []string{b.WireTopic} }

func (b *Bridge) CanHandle(topic string) bool { return topic == b.WireTopic }

func (b *Bridge) Handle(topic string, payload []byte) error {
	var errs []error
	if b.Legacy != nil {
		if err := b.Legacy.Handle(b.ShortTopic, payload); err != nil {
			errs = append(errs, fmt.Errorf("wiring: %s: handler: %w", b.WireTopic, err))
		}
	}
	if b.Workflow != nil {
		env, err := protocol.Decode(payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("wiring: %s: decode envelope: %w", b.WireTopic, err))
		} else if err := b.Workflow(env); err != nil {
			errs = append(errs, fmt.Errorf("wiring: %s: workflow: %w", b.WireTopic, err))
		}
	}
	return errors.Join(errs...)
}

// Subscriber is the narrow surface wiring needs from the Bus Client to turn
// registered bridges into live MQTT subscriptions.
type Subscriber interface {
	Subscribe(topic string, handler func(payload []byte)) error
}

// Route registers one bridge against rtr (so Router.Route dispatches to it)
// and issues the corresponding MQTT subscription on sub. version is the
// protocol version used to resolve key's wire pattern; params substitute
// key's positional {0},{1},... placeholders (e.g. "+" to subscribe across
// every source on a per-source pattern like status.heartbeat).
func Route(reg *registry.Registry, rtr *router.Router, sub Subscriber, version, key, shortTopic string, legacy router.Handler, workflow func(*protocol.Envelope) error, params ...string) error {
	topic, err := reg.Resolve(key, version, params...)
	if err != nil {
		return fmt.Errorf("wiring: resolve %s: %w", key, err)
	}
	bridge := &Bridge{WireTopic: topic, ShortTopic: shortTopic, Legacy: legacy, Workflow: workflow}
	rtr.Register(bridge)
	if err := sub.Subscribe(topic, nil); err != nil {
		return fmt.Errorf("wiring: subscribe %s (%s): %w", key, topic, err)
	}
	log.Printf("wiring: routed %s -> %s (short=%s)", topic, key, shortTopic)
	return nil
}

// DirectRoute registers and subscribes a bridge for a topic with no
// registry entry (the ad hoc system/admin topics named in spec.md §4.7 that
// spec.md §4.2 does not list as mandatory registrations): wire and short
// topic are the same literal string.
func DirectRoute(rtr *router.Router, sub Subscriber, topic string, legacy router.Handler, workflow func(*protocol.Envelope) error) error {
	bridge := &Bridge{WireTopic: topic, ShortTopic: topic, Legacy: legacy, Workflow: workflow}
	rtr.Register(bridge)
	if err := sub.Subscribe(topic, nil); err != nil {
		return fmt.Errorf("wiring: subscribe %s: %w", topic, err)
	}
	log.Printf("wiring: routed %s (direct)", topic)
	return nil
}
