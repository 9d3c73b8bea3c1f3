// Package busclient implements the Bus Client (C4): the per-service MQTT
// adapter that owns the broker session, publishes and subscribes, performs
// reconnect-with-backoff and full re-subscription, and dispatches inbound
// bytes to the Router.
//
// Grounded on shingo-edge/messaging/client.go's connectMQTT/Publish/
// Subscribe/IsConnected/Close shape (the teacher's paho.mqtt.golang usage),
// generalized from the teacher's dual mqtt/kafka backend switch down to
// MQTT-only per spec.md §1 ("a generic message broker... one is assumed"),
// and on shingo-core/messaging/outbox.go's ticker-driven OutboxDrainer for
// the at-least-once redelivery-on-reconnect guarantee.
package busclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/caoyingjie21/IntelligentOutboundSystem/config"
	"github.com/caoyingjie21/IntelligentOutboundSystem/protocol"
	"github.com/caoyingjie21/IntelligentOutboundSystem/registry"
	"github.com/caoyingjie21/IntelligentOutboundSystem/router"
)

var (
	// ErrOverflow is returned by PublishRaw when the bounded outbound queue
	// is full.
	ErrOverflow = errors.New("busclient: outbound queue full")
	// ErrNotConnected is returned by operations that require a live session.
	ErrNotConnected = errors.New("busclient: not connected")
	// ErrSubscribeFailed surfaces a failed MQTT subscription to the caller.
	ErrSubscribeFailed = errors.New("busclient: subscribe failed")
)

// Statistics is the snapshot returned by Client.Statistics.
type Statistics struct {
	ConnectedAt      *time.Time
	PublishedCount   uint64
	ReceivedCount    uint64
	SubscribedTopics []string
	ReconnectCount   uint64
	LastMessageAt    *time.Time
	IsConnected      bool
}

// BatchResult is returned by PublishBatch.
type BatchResult struct {
	SuccessCount int
	FailureCount int
	Failures     []BatchFailure
}

// BatchFailure records one failed publish within a batch.
type BatchFailure struct {
	Topic string
	Error string
}

// BatchItem is one (topic, payload) pair submitted to PublishBatch.
type BatchItem struct {
	Topic   string
	Payload []byte
}

type subscription struct {
	topic   string
	handler mqtt.MessageHandler
}

type typedSub struct {
	handler    func(*protocol.Envelope)
	filterType protocol.Type
}

type queuedPublish struct {
	topic   string
	payload []byte
	outboxID int64
}

// ConnectionListener is invoked on every connection state transition.
// terminal is true only once max_reconnect_attempts has been exhausted.
type ConnectionListener func(connected bool, terminal bool)

// Client is the per-service MQTT bus client.
type Client struct {
	cfg  config.ServiceConfig
	reg  *registry.Registry
	rtr  *router.Router
	addr protocol.Address

	mu         sync.Mutex
	mqttClient mqtt.Client

	subsMu  sync.Mutex
	subs    []subscription      // ordered, for re-subscription in declared order
	typedMu sync.RWMutex
	typed   map[string]typedSub // resolved topic -> typed handler

	connected      atomic.Bool
	connectedAt    atomic.Value // time.Time
	publishedCount atomic.Uint64
	receivedCount  atomic.Uint64
	reconnectCount atomic.Uint64
	lastMessageAt  atomic.Value // time.Time

	queue    chan queuedPublish
	outbox   *Outbox
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	listenersMu sync.Mutex
	listeners   []ConnectionListener

	giveUp atomic.Bool
}

// New constructs a Client for the given resolved service config, topic
// registry, and router. addr identifies this service as the envelope
// source on every publish.
func New(cfg config.ServiceConfig, reg *registry.Registry, rtr *router.Router, addr protocol.Address, outbox *Outbox) *Client {
	queueCap := cfg.Messages.MaxRetries * 10
	if queueCap <= 0 {
		queueCap = 10
	}
	return &Client{
		cfg:    cfg,
		reg:    reg,
		rtr:    rtr,
		addr:   addr,
		typed:  make(map[string]typedSub),
		queue:  make(chan queuedPublish, queueCap),
		outbox: outbox,
		stopCh: make(chan struct{}),
	}
}

// OnConnectionChanged registers a listener invoked on connect/disconnect.
func (c *Client) OnConnectionChanged(l ConnectionListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Client) emitConnectionChanged(connected, terminal bool) {
	c.listenersMu.Lock()
	listeners := append([]ConnectionListener(nil), c.listeners...)
	c.listenersMu.Unlock()
	for _, l := range listeners {
		l(connected, terminal)
	}
}

// Start opens the MQTT connection and registers the subscriptions already
// declared via Subscribe/SubscribeTyped. It is fatal (returns an error) if
// the initial connect does not succeed within connect_timeout_s and
// max_reconnect_attempts reconnect attempts.
func (c *Client) Start(ctx context.Context) error {
	conn := c.cfg.Connection
	broker := fmt.Sprintf("tcp://%s:%d", conn.Broker, conn.Port)

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(conn.ClientID).
		SetKeepAlive(time.Duration(conn.KeepAliveS) * time.Second).
		SetConnectTimeout(time.Duration(conn.ConnectTimeoutS) * time.Second).
		SetCleanSession(conn.CleanSession).
		SetAutoReconnect(false). // C4 manages reconnect itself to honour max_reconnect_attempts
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if conn.Username != "" {
		opts.SetUsername(conn.Username)
		opts.SetPassword(conn.Password)
	}

	c.mu.Lock()
	c.mqttClient = mqtt.NewClient(opts)
	client := c.mqttClient
	c.mu.Unlock()

	if err := c.connectWithRetry(client, conn.MaxReconnectAttempts, time.Duration(conn.ReconnectIntervalS)*time.Second); err != nil {
		return fmt.Errorf("busclient: start: %w", err)
	}

	c.wg.Add(1)
	go c.drainLoop()

	if c.outbox != nil {
		c.wg.Add(1)
		go c.outboxTicker()
	}

	return nil
}

func (c *Client) connectWithRetry(client mqtt.Client, maxAttempts int, interval time.Duration) error {
	var lastErr error
	attempts := maxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		token := client.Connect()
		token.Wait()
		if err := token.Error(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Printf("busclient: connect attempt %d/%d failed: %v", i+1, attempts, err)
		}
		if i < attempts-1 {
			time.Sleep(interval)
		}
	}
	return fmt.Errorf("exhausted %d reconnect attempts: %w", attempts, lastErr)
}

func (c *Client) onConnect(client mqtt.Client) {
	now := time.Now().UTC()
	c.connectedAt.Store(now)
	c.connected.Store(true)
	c.resubscribeAll(client)
	c.emitConnectionChanged(true, false)
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.connected.Store(false)
	log.Printf("busclient: connection lost: %v", err)
	c.emitConnectionChanged(false, false)

	go c.reconnectLoop(client)
}

func (c *Client) reconnectLoop(client mqtt.Client) {
	conn := c.cfg.Connection
	interval := time.Duration(conn.ReconnectIntervalS) * time.Second
	attempts := conn.MaxReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		select {
		case <-c.stopCh:
			return
		case <-time.After(interval):
		}
		c.reconnectCount.Add(1)
		token := client.Connect()
		token.Wait()
		if token.Error() == nil {
			return // onConnect fires via the handler
		}
		log.Printf("busclient: reconnect attempt %d/%d failed: %v", i+1, attempts, token.Error())
	}
	c.giveUp.Store(true)
	log.Printf("busclient: giving up after %d reconnect attempts", attempts)
	c.emitConnectionChanged(false, true)
}

// resubscribeAll re-issues every declared subscription in the order it was
// originally registered, satisfying P8 (reconnect re-subscription).
func (c *Client) resubscribeAll(client mqtt.Client) {
	c.subsMu.Lock()
	subs := append([]subscription(nil), c.subs...)
	c.subsMu.Unlock()

	for _, s := range subs {
		token := client.Subscribe(s.topic, 1, s.handler)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("busclient: resubscribe %s: %v", s.topic, err)
		}
	}
}

// onMessage is installed as the handler for every MQTT subscription: it
// updates statistics, routes the raw bytes through the Router (C5), and, if
// a typed subscription is registered on this exact resolved topic, decodes
// and invokes it too.
func (c *Client) onMessage(topic string, payload []byte) {
	c.receivedCount.Add(1)
	c.lastMessageAt.Store(time.Now().UTC())

	c.rtr.Route(topic, payload)

	c.typedMu.RLock()
	ts, ok := c.typed[topic]
	c.typedMu.RUnlock()
	if !ok {
		return
	}

	header, err := protocol.DecodeHeader(payload)
	if err != nil {
		log.Printf("busclient: undecodable envelope on %s: %v", topic, err)
		return
	}
	if header.IsExpired(time.Now().UTC()) {
		log.Printf("busclient: dropping expired envelope %s on %s", header.MessageID, topic)
		return
	}
	if ts.filterType != "" && header.Type != ts.filterType {
		return
	}
	env, err := protocol.Decode(payload)
	if err != nil {
		log.Printf("busclient: decode envelope on %s: %v", topic, err)
		return
	}
	ts.handler(env)
}

// Subscribe registers a raw-bytes handler on topic (subscribed as-is; may
// contain MQTT wildcards). Dispatch to the Router happens unconditionally
// via onMessage; handler additionally receives the raw payload.
func (c *Client) Subscribe(topic string, handler func(payload []byte)) error {
	mqttHandler := func(_ mqtt.Client, msg mqtt.Message) {
		c.onMessage(msg.Topic(), msg.Payload())
		if handler != nil {
			handler(msg.Payload())
		}
	}
	return c.subscribeMQTT(topic, mqttHandler)
}

// SubscribeTyped resolves topicKey and registers handler to be invoked with
// a decoded Envelope whenever a message of filterType (or any type, if
// filterType is empty) arrives on the resolved topic.
func (c *Client) SubscribeTyped(topicKey string, handler func(*protocol.Envelope), filterType protocol.Type) error {
	topic, err := c.reg.Resolve(topicKey, c.cfg.Messages.Version)
	if err != nil {
		return fmt.Errorf("busclient: subscribe_typed: %w", err)
	}

	c.typedMu.Lock()
	c.typed[topic] = typedSub{handler: handler, filterType: filterType}
	c.typedMu.Unlock()

	mqttHandler := func(_ mqtt.Client, msg mqtt.Message) {
		c.onMessage(msg.Topic(), msg.Payload())
	}
	if err := c.subscribeMQTT(topic, mqttHandler); err != nil {
		c.typedMu.Lock()
		delete(c.typed, topic)
		c.typedMu.Unlock()
		return err
	}
	return nil
}

func (c *Client) subscribeMQTT(topic string, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	client := c.mqttClient
	c.mu.Unlock()

	if client != nil && client.IsConnected() {
		token := client.Subscribe(topic, 1, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSubscribeFailed, topic, err)
		}
	}

	c.subsMu.Lock()
	c.subs = append(c.subs, subscription{topic: topic, handler: handler})
	c.subsMu.Unlock()
	return nil
}

// Unsubscribe removes topic's MQTT filter and handler registration.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	client := c.mqttClient
	c.mu.Unlock()
	if client != nil && client.IsConnected() {
		token := client.Unsubscribe(topic)
		token.Wait()
		if err := token.Error(); err != nil {
			return err
		}
	}

	c.subsMu.Lock()
	filtered := c.subs[:0]
	for _, s := range c.subs {
		if s.topic != topic {
			filtered = append(filtered, s)
		}
	}
	c.subs = filtered
	c.subsMu.Unlock()

	c.typedMu.Lock()
	delete(c.typed, topic)
	c.typedMu.Unlock()
	return nil
}

// PublishRaw enqueues payload for at-least-once delivery to topic. It is
// queued (and, if an outbox is configured, persisted) when disconnected and
// delivered on reconnect. Returns ErrOverflow if the bounded outbound queue
// is full.
func (c *Client) PublishRaw(topic string, payload []byte) error {
	var outboxID int64
	if c.outbox != nil {
		id, err := c.outbox.Enqueue(topic, payload)
		if err != nil {
			log.Printf("busclient: outbox enqueue failed (continuing in-memory only): %v", err)
		} else {
			outboxID = id
		}
	}

	select {
	case c.queue <- queuedPublish{topic: topic, payload: payload, outboxID: outboxID}:
		return nil
	default:
		return ErrOverflow
	}
}

// Publish wraps data in an Envelope addressed from this service and
// publishes it under topicKey. Returns false (never an error) on an
// unregistered key or a serialization failure.
func (c *Client) Publish(topicKey string, data interface{}, priority protocol.Priority, correlationID string) bool {
	topic, err := c.reg.Resolve(topicKey, c.cfg.Messages.Version)
	if err != nil {
		log.Printf("busclient: publish %s: %v", topicKey, err)
		return false
	}
	def, _ := c.reg.Lookup(topicKey)
	env, err := protocol.New(def.MessageType, priority, c.addr, data)
	if err != nil {
		log.Printf("busclient: publish %s: %v", topicKey, err)
		return false
	}
	env.CorrelationID = correlationID
	env.MaxRetries = c.cfg.Messages.MaxRetries

	raw, err := env.Encode()
	if err != nil {
		log.Printf("busclient: publish %s: encode: %v", topicKey, err)
		return false
	}
	if err := c.PublishRaw(topic, raw); err != nil {
		log.Printf("busclient: publish %s: %v", topicKey, err)
		return false
	}
	return true
}

// PublishEnvelope wraps data in an Envelope addressed from this service and
// publishes it directly to topic (bypassing registry key resolution), for
// ad hoc handler-published topics such as error/validation events that have
// no registry entry of their own.
func (c *Client) PublishEnvelope(topic string, typ protocol.Type, priority protocol.Priority, data interface{}) bool {
	env, err := protocol.New(typ, priority, c.addr, data)
	if err != nil {
		log.Printf("busclient: publish %s: %v", topic, err)
		return false
	}
	raw, err := env.Encode()
	if err != nil {
		log.Printf("busclient: publish %s: encode: %v", topic, err)
		return false
	}
	if err := c.PublishRaw(topic, raw); err != nil {
		log.Printf("busclient: publish %s: %v", topic, err)
		return false
	}
	return true
}

// PublishBatch issues each (topic, payload) publish, continuing past
// individual failures and reporting success/failure counts.
func (c *Client) PublishBatch(items []BatchItem) BatchResult {
	var result BatchResult
	for _, item := range items {
		if err := c.PublishRaw(item.Topic, item.Payload); err != nil {
			result.FailureCount++
			result.Failures = append(result.Failures, BatchFailure{Topic: item.Topic, Error: err.Error()})
			continue
		}
		result.SuccessCount++
	}
	return result
}

// HealthCheck publishes a Heartbeat envelope on status.heartbeat for this
// service and returns whether the client is connected and the publish
// succeeded.
func (c *Client) HealthCheck() bool {
	if !c.IsConnected() {
		return false
	}
	topic, err := c.reg.Resolve("status.heartbeat", c.cfg.Messages.Version, c.addr.Name)
	if err != nil {
		log.Printf("busclient: health check: %v", err)
		return false
	}
	return c.PublishEnvelope(topic, protocol.TypeHeartbeat, protocol.PriorityNormal, protocol.Heartbeat{
		Source:    c.addr.Name,
		Timestamp: time.Now().UTC(),
	})
}

// IsConnected reports whether the MQTT session is currently connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Statistics returns a snapshot of the client's counters and state.
func (c *Client) Statistics() Statistics {
	c.subsMu.Lock()
	topics := make([]string, 0, len(c.subs))
	for _, s := range c.subs {
		topics = append(topics, s.topic)
	}
	c.subsMu.Unlock()

	stats := Statistics{
		PublishedCount:   c.publishedCount.Load(),
		ReceivedCount:    c.receivedCount.Load(),
		SubscribedTopics: topics,
		ReconnectCount:   c.reconnectCount.Load(),
		IsConnected:      c.IsConnected(),
	}
	if t, ok := c.connectedAt.Load().(time.Time); ok {
		stats.ConnectedAt = &t
	}
	if t, ok := c.lastMessageAt.Load().(time.Time); ok {
		stats.LastMessageAt = &t
	}
	return stats
}

// Stop drains queued outbound publishes best-effort and closes the
// session. Idempotent.
func (c *Client) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	deadline := time.Now().Add(2 * time.Second)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	for len(c.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	c.wg.Wait()

	c.mu.Lock()
	client := c.mqttClient
	c.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	c.connected.Store(false)
	return nil
}

func (c *Client) drainLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case msg := <-c.queue:
			c.publishQueued(msg)
		}
	}
}

func (c *Client) publishQueued(msg queuedPublish) {
	c.mu.Lock()
	client := c.mqttClient
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		if msg.outboxID != 0 {
			// Persisted: the outbox ticker re-queues it once reconnected.
			return
		}
		// Not persisted: hold it until the session is back or Stop is called.
		for !c.IsConnected() {
			select {
			case <-c.stopCh:
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
		c.mu.Lock()
		client = c.mqttClient
		c.mu.Unlock()
	}
	token := client.Publish(msg.topic, 1, false, msg.payload)
	token.Wait()
	if err := token.Error(); err != nil {
		log.Printf("busclient: publish %s: %v", msg.topic, err)
		return
	}
	c.publishedCount.Add(1)
	if c.outbox != nil && msg.outboxID != 0 {
		if err := c.outbox.Ack(msg.outboxID); err != nil {
			log.Printf("busclient: outbox ack %d: %v", msg.outboxID, err)
		}
	}
}

func (c *Client) outboxTicker() {
	defer c.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if !c.IsConnected() {
				continue
			}
			pending, err := c.outbox.ListPending(50)
			if err != nil {
				log.Printf("busclient: outbox list pending: %v", err)
				continue
			}
			for _, p := range pending {
				select {
				case c.queue <- queuedPublish{topic: p.Topic, payload: p.Payload, outboxID: p.ID}:
				default:
					// queue full; this row stays pending and is retried
					// next tick.
				}
			}
		}
	}
}
