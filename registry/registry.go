// Package registry implements the process-wide topic registry (C2):
// a mapping from symbolic topic keys to MQTT topic-pattern templates, with
// {version} and positional {0},{1},... placeholder substitution.
//
// Grounded on the teacher's topic-construction helpers (DispatchTopic-style
// prefix+id formatting in shingo-core/messaging) generalized into an
// explicit, mutex-protected registration table per spec.md §4.2, since the
// teacher itself has no standalone registry component to adapt directly.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
)

var placeholderPattern = regexp.MustCompile(`\{\d+\}`)

var (
	// ErrEmptyKey is returned by Register when key is empty.
	ErrEmptyKey = errors.New("registry: key must not be empty")
	// ErrNotRegistered is returned by Resolve when key has no definition.
	ErrNotRegistered = errors.New("registry: key not registered")
	// ErrUnderParameterised is returned by Resolve when placeholders remain
	// after substitution.
	ErrUnderParameterised = errors.New("registry: pattern under-parameterised")
)

// Definition describes one registered topic.
type Definition struct {
	Key         string
	Pattern     string
	MessageType protocol.Type
	PayloadType string
	RegisteredAt time.Time
	Description  string
}

// Registry is a process-wide, mutex-protected key -> Definition table.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// New returns a Registry pre-populated with the mandatory keys from §4.2.
func New() *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, d := range mandatoryDefinitions() {
		r.defs[d.Key] = d
	}
	return r
}

func mandatoryDefinitions() []Definition {
	now := time.Now().UTC()
	mk := func(key, pattern string, typ protocol.Type) Definition {
		return Definition{Key: key, Pattern: pattern, MessageType: typ, RegisteredAt: now}
	}
	return []Definition{
		mk("sensor.trigger", "ios/{version}/sensor/grating/trigger", protocol.TypeEvent),
		mk("order.new", "ios/{version}/order/system/new", protocol.TypeCommand),
		mk("vision.start", "ios/{version}/vision/camera/start", protocol.TypeCommand),
		mk("vision.result", "ios/{version}/vision/camera/result", protocol.TypeEvent),
		mk("motion.move", "ios/{version}/motion/control/move", protocol.TypeCommand),
		mk("motion.complete", "ios/{version}/motion/control/complete", protocol.TypeEvent),
		mk("coder.start", "ios/{version}/coder/service/start", protocol.TypeCommand),
		mk("coder.complete", "ios/{version}/coder/service/complete", protocol.TypeEvent),
		mk("status.heartbeat", "ios/{version}/status/{0}/heartbeat", protocol.TypeHeartbeat),
	}
}

// Register adds or replaces a topic definition. Idempotent per (key,
// pattern): registering the same key with the same pattern again is a no-op
// beyond refreshing RegisteredAt; registering a different pattern for an
// existing key is last-write-wins.
func (r *Registry) Register(key, pattern string, msgType protocol.Type, payloadType string) error {
	if key == "" {
		return ErrEmptyKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[key] = Definition{
		Key:          key,
		Pattern:      pattern,
		MessageType:  msgType,
		PayloadType:  payloadType,
		RegisteredAt: time.Now().UTC(),
	}
	return nil
}

// Resolve substitutes {version} then positional {0},{1},... placeholders in
// the pattern registered under key.
func (r *Registry) Resolve(key string, version string, params ...string) (string, error) {
	if version == "" {
		version = protocol.Version
	}
	r.mu.RLock()
	def, ok := r.defs[key]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}

	topic := strings.ReplaceAll(def.Pattern, "{version}", version)
	for i, p := range params {
		topic = strings.ReplaceAll(topic, "{"+strconv.Itoa(i)+"}", p)
	}
	if strings.Contains(topic, "{version}") || placeholderPattern.MatchString(topic) {
		return "", fmt.Errorf("%w: %s -> %s", ErrUnderParameterised, key, topic)
	}
	return topic, nil
}

// Unregister removes key, reporting whether it was present.
func (r *Registry) Unregister(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[key]; !ok {
		return false
	}
	delete(r.defs, key)
	return true
}

// List returns a snapshot of all registered definitions.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

// Exists reports whether key is registered.
func (r *Registry) Exists(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[key]
	return ok
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[string]Definition)
}

// Lookup returns the definition registered for key, if any.
func (r *Registry) Lookup(key string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[key]
	return d, ok
}
