// Package coder implements the Coder Gateway (C9): a TCP listener
// aggregating scanner messages per connected endpoint, and the
// "collect-within-window" primitive the Workflow Engine uses to gather
// barcode/QR reads for an outbound task.
//
// Grounded on shingo-edge/plc/manager.go's pattern of a map of per-device
// structs guarded by a package-level mutex plus one poll/receive goroutine
// per managed entity; generalized here from HTTP polling to a raw TCP
// accept-loop-plus-per-connection-receive-loop, since no example repo in
// the pack implements a bespoke socket listener directly.
package coder

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrAlreadyStarted is returned by Start when the gateway is already
// listening.
var ErrAlreadyStarted = errors.New("coder: already started")

// ClientState is the per-endpoint connection state (§3, Client Connection
// State).
type ClientState struct {
	Endpoint     string
	ConnectedAt  time.Time
	LastActivity time.Time
	Messages     []string
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	ConnectionCount int
	ListenAddress   string
	ListenPort      int
	MQTTConnected   bool
	Timestamp       time.Time
}

// ScanResult is returned by StartScan.
type ScanResult struct {
	Direction   string
	StackHeight float64
	Codes       string // per-endpoint messages across all clients, joined by ';'
	Timestamp   time.Time
}

type client struct {
	conn         net.Conn
	endpoint     string
	connectedAt  time.Time
	mu           sync.Mutex
	lastActivity time.Time
	messages     []string
	closed       bool
}

// Gateway is the TCP listener plus per-endpoint buffer set.
type Gateway struct {
	address           string
	port              int
	maxClients        int
	receiveBufferSize int
	clientTimeout     time.Duration

	mu        sync.Mutex
	listener  net.Listener
	clients   map[string]*client
	stopCh    chan struct{}
	wg        sync.WaitGroup
	started   bool
	mqttUp    func() bool
}

// New constructs a Gateway. mqttUp reports the Bus Client's connected state
// for GetStatus; pass nil to always report false.
func New(address string, port, maxClients, receiveBufferSize int, clientTimeout time.Duration, mqttUp func() bool) *Gateway {
	if mqttUp == nil {
		mqttUp = func() bool { return false }
	}
	return &Gateway{
		address:           address,
		port:              port,
		maxClients:        maxClients,
		receiveBufferSize: receiveBufferSize,
		clientTimeout:     clientTimeout,
		clients:           make(map[string]*client),
		mqttUp:            mqttUp,
	}
}

// Start binds the listener and begins accepting connections.
func (g *Gateway) Start() error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", g.address, g.port))
	if err != nil {
		g.mu.Unlock()
		return fmt.Errorf("coder: listen: %w", err)
	}
	g.listener = ln
	g.stopCh = make(chan struct{})
	g.started = true
	g.mu.Unlock()

	g.wg.Add(1)
	go g.acceptLoop(ln)

	g.wg.Add(1)
	go g.timeoutSweepLoop()

	return nil
}

func (g *Gateway) acceptLoop(ln net.Listener) {
	defer g.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-g.stopCh:
				return
			default:
				continue
			}
		}

		g.mu.Lock()
		count := len(g.clients)
		g.mu.Unlock()
		if count >= g.maxClients {
			conn.Close()
			continue
		}

		c := &client{
			conn:         conn,
			endpoint:     conn.RemoteAddr().String(),
			connectedAt:  time.Now().UTC(),
			lastActivity: time.Now().UTC(),
		}
		g.mu.Lock()
		g.clients[c.endpoint] = c
		g.mu.Unlock()

		g.wg.Add(1)
		go g.receiveLoop(c)
	}
}

func (g *Gateway) receiveLoop(c *client) {
	defer g.wg.Done()
	buf := make([]byte, g.receiveBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			frame := string(buf[:n])
			c.mu.Lock()
			c.messages = append(c.messages, frame)
			c.lastActivity = time.Now().UTC()
			c.mu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				// I/O error: drop the connection.
			}
			g.disconnect(c.endpoint)
			return
		}
		if n == 0 {
			g.disconnect(c.endpoint)
			return
		}
	}
}

func (g *Gateway) timeoutSweepLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.clientTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			g.mu.Lock()
			var stale []string
			for endpoint, c := range g.clients {
				c.mu.Lock()
				idle := now.Sub(c.lastActivity)
				c.mu.Unlock()
				if idle > g.clientTimeout {
					stale = append(stale, endpoint)
				}
			}
			g.mu.Unlock()
			for _, endpoint := range stale {
				g.disconnect(endpoint)
			}
		}
	}
}

// disconnect is idempotent: a second call for an already-removed endpoint
// is a no-op.
func (g *Gateway) disconnect(endpoint string) {
	g.mu.Lock()
	c, ok := g.clients[endpoint]
	if ok {
		delete(g.clients, endpoint)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.conn.Close()
	}
	c.mu.Unlock()
}

// GetStatus returns a connection-count/listen-address snapshot.
func (g *Gateway) GetStatus() Status {
	g.mu.Lock()
	count := len(g.clients)
	g.mu.Unlock()
	return Status{
		ConnectionCount: count,
		ListenAddress:   g.address,
		ListenPort:      g.port,
		MQTTConnected:   g.mqttUp(),
		Timestamp:       time.Now().UTC(),
	}
}

// GetConnectedClients returns a per-endpoint snapshot of connection state.
func (g *Gateway) GetConnectedClients() []ClientState {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	out := make([]ClientState, 0, len(clients))
	for _, c := range clients {
		c.mu.Lock()
		out = append(out, ClientState{
			Endpoint:     c.endpoint,
			ConnectedAt:  c.connectedAt,
			LastActivity: c.lastActivity,
			Messages:     append([]string(nil), c.messages...),
		})
		c.mu.Unlock()
	}
	return out
}

// StartScan clears every client's message buffer, waits 500ms for clients
// to be ready, then collects for timeout (default 5s if timeout<=0) and
// returns the union of all per-endpoint messages joined by ';'. It returns
// as soon as the window elapses, without waiting for every client to
// respond.
func (g *Gateway) StartScan(direction string, stackHeight float64, timeout time.Duration) ScanResult {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		c.messages = nil
		c.mu.Unlock()
	}

	time.Sleep(500 * time.Millisecond)
	time.Sleep(timeout)

	var parts []string
	for _, c := range clients {
		c.mu.Lock()
		parts = append(parts, c.messages...)
		c.mu.Unlock()
	}

	return ScanResult{
		Direction:   direction,
		StackHeight: stackHeight,
		Codes:       strings.Join(parts, ";"),
		Timestamp:   time.Now().UTC(),
	}
}

// Send writes msg to endpoint; failure disconnects that endpoint but does
// not return an error to a caller using Broadcast's semantics of
// best-effort delivery. Send itself reports the failure so a caller
// targeting one endpoint can observe it.
func (g *Gateway) Send(endpoint, msg string) error {
	g.mu.Lock()
	c, ok := g.clients[endpoint]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("coder: unknown endpoint %s", endpoint)
	}
	if _, err := c.conn.Write([]byte(msg)); err != nil {
		g.disconnect(endpoint)
		return fmt.Errorf("coder: send to %s: %w", endpoint, err)
	}
	return nil
}

// Broadcast writes msg to every connected client, best-effort: a failure to
// one endpoint disconnects it but does not abort delivery to the rest.
func (g *Gateway) Broadcast(msg string) {
	g.mu.Lock()
	endpoints := make([]string, 0, len(g.clients))
	for e := range g.clients {
		endpoints = append(endpoints, e)
	}
	g.mu.Unlock()

	for _, e := range endpoints {
		_ = g.Send(e, msg)
	}
}

// ClearQueue clears every connected client's message buffer without
// disconnecting anyone.
func (g *Gateway) ClearQueue() {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		c.messages = nil
		c.mu.Unlock()
	}
}

// Stop closes the listener and every active client socket. Idempotent.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = false
	close(g.stopCh)
	ln := g.listener
	endpoints := make([]string, 0, len(g.clients))
	for e := range g.clients {
		endpoints = append(endpoints, e)
	}
	g.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, e := range endpoints {
		g.disconnect(e)
	}
	g.wg.Wait()
	return nil
}
