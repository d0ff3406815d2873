// Package gateway serves smoothed index values to WebSocket clients.
package gateway

import (
	"context"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"cryptoindex/internal/model"
)

// Config tunes the hub. Zero durations and sizes fall back to DefaultConfig.
type Config struct {
	SendQueueSize  int           // per-client outbound queue
	WriteWait      time.Duration // deadline for a single frame write
	PongWait       time.Duration // read deadline, extended by each pong
	PingPeriod     time.Duration
	CloseWait      time.Duration // how long to wait for the peer's close reply
	MaxMessageSize int64
	SendSnapshot   bool // replay the latest value of every index as "snapshot" messages after the welcome
}

// DefaultConfig returns the production hub settings.
func DefaultConfig() Config {
	return Config{
		SendQueueSize:  256,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		CloseWait:      time.Second,
		MaxMessageSize: 4096,
		SendSnapshot:   true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.CloseWait <= 0 {
		c.CloseWait = d.CloseWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// Hooks are optional metrics callbacks.
type Hooks struct {
	OnConnect    func()
	OnDisconnect func(reason string)
	OnBroadcast  func(index string, recipients int)
}

// Hub owns the client registry and fans index values out to every open client.
type Hub struct {
	cfg      Config
	hooks    Hooks
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seq     int64
	closing bool

	nextID  atomic.Uint64
	pumps   sync.WaitGroup
	latency *LatencyTracker
}

type latestEntry struct {
	Value model.IndexValue
	Seq   int64
}

// NewHub creates an empty hub.
func NewHub(cfg Config, hooks Hooks) *Hub {
	return &Hub{
		cfg:   cfg.withDefaults(),
		hooks: hooks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
		latest:  make(map[string]latestEntry),
		latency: NewLatencyTracker(0),
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closing := h.closing
	h.mu.RUnlock()
	if closing {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	h.register(conn, r.RemoteAddr)
}

func (h *Hub) register(conn *websocket.Conn, remoteAddr string) *Client {
	c := newClient(h, conn, h.nextID.Add(1), remoteAddr)

	// Queue is empty, so the welcome is guaranteed to be first.
	c.send <- welcomeMessage(c)

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(h.cfg.WriteWait))
		conn.Close()
		c.setState(StateClosed)
		return c
	}
	if h.cfg.SendSnapshot {
		for _, msg := range h.snapshotLocked() {
			select {
			case c.send <- msg:
			default:
			}
		}
	}
	h.clients[c] = true
	c.setState(StateOpen)
	count := len(h.clients)
	h.pumps.Add(2)
	h.mu.Unlock()

	log.Printf("[gateway] ws client %d connected from %s (%d total)", c.id, remoteAddr, count)
	if h.hooks.OnConnect != nil {
		h.hooks.OnConnect()
	}

	go c.writePump()
	go c.readPump()
	return c
}

// snapshotLocked returns a snapshot message for the latest value of every
// index, sorted by name. Caller holds h.mu.
func (h *Hub) snapshotLocked() [][]byte {
	names := make([]string, 0, len(h.latest))
	for name := range h.latest {
		names = append(names, name)
	}
	sort.Strings(names)
	msgs := make([][]byte, 0, len(names))
	for _, name := range names {
		e := h.latest[name]
		msg, err := snapshotMessage(e.Value, e.Seq)
		if err != nil {
			continue // rejected when first broadcast, never stored
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// Broadcast sends v to every open client without blocking. A client whose
// queue is full is disconnected; the others are unaffected.
func (h *Hub) Broadcast(v model.IndexValue) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return
	}
	h.seq++
	msg, err := indexMessage(v, h.seq)
	if err != nil {
		h.seq--
		h.mu.Unlock()
		log.Printf("[gateway] dropping %s update: %v", v.Index, err)
		return
	}
	h.latest[v.Index] = latestEntry{Value: v, Seq: h.seq}

	var slow []*Client
	sent := 0
	for c := range h.clients {
		if c.State() != StateOpen {
			continue
		}
		select {
		case c.send <- msg:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range slow {
		log.Printf("[gateway] ws client %d send queue full, disconnecting", c.id)
		c.stop(closeReason{code: websocket.ClosePolicyViolation, text: "send queue full"})
		h.disconnected(reasonSlow)
	}
	if !v.Timestamp.IsZero() {
		h.latency.Record(time.Since(v.Timestamp))
	}
	if h.hooks.OnBroadcast != nil {
		h.hooks.OnBroadcast(v.Index, sent)
	}
}

// Latency reports the delay between a sample's observation and the
// broadcast of the index value it produced.
func (h *Hub) Latency() LatencyStats {
	return h.latency.Stats()
}

// Run broadcasts every value from in until it is closed or ctx is done.
func (h *Hub) Run(ctx context.Context, in <-chan model.IndexValue) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-in:
			if !ok {
				return
			}
			h.Broadcast(v)
		}
	}
}

// remove deletes c from the registry. It reports whether c was registered.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return false
	}
	delete(h.clients, c)
	return true
}

func (h *Hub) disconnected(reason string) {
	if h.hooks.OnDisconnect != nil {
		h.hooks.OnDisconnect(reason)
	}
}

// Shutdown stops accepting clients, flushes every queue, sends a close
// frame to each client and waits for their pumps to finish. If ctx expires
// first, remaining connections are closed abruptly and ctx.Err is returned.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	log.Printf("[gateway] shutting down, closing %d clients", len(clients))
	for _, c := range clients {
		c.stop(closeReason{code: websocket.CloseGoingAway, text: "server shutdown", flush: true})
		h.disconnected(reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range clients {
			c.conn.Close()
		}
		return ctx.Err()
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Latest returns the most recent value of every index that has produced one.
func (h *Hub) Latest() map[string]model.IndexValue {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]model.IndexValue, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Value
	}
	return cp
}
