package gateway

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle state of a client connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	reasonSlow     = "slow"
	reasonShutdown = "shutdown"
	reasonPeer     = "peer"
	reasonError    = "error"
)

// closeReason tells the write pump how to end the connection.
// A zero code means no close frame is sent.
type closeReason struct {
	code  int
	text  string
	flush bool // write queued messages before the close frame
	peer  bool // the peer started the close
}

// Client represents a single WebSocket peer.
type Client struct {
	id         uint64
	remoteAddr string
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub
	state      atomic.Int32

	stopOnce sync.Once
	quit     chan struct{}
	reason   closeReason // written once before quit is closed
	readDone chan struct{}
}

func newClient(h *Hub, conn *websocket.Conn, id uint64, remoteAddr string) *Client {
	c := &Client{
		id:         id,
		remoteAddr: remoteAddr,
		conn:       conn,
		send:       make(chan []byte, h.cfg.SendQueueSize),
		hub:        h,
		quit:       make(chan struct{}),
		readDone:   make(chan struct{}),
	}
	c.setState(StateConnecting)
	return c
}

// State returns the client's current lifecycle state.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

func (c *Client) setState(s ConnState) { c.state.Store(int32(s)) }

// stop moves the client to Closing and wakes the write pump. Only the
// first call has any effect.
func (c *Client) stop(r closeReason) {
	c.stopOnce.Do(func() {
		c.reason = r
		if c.State() != StateClosed {
			c.setState(StateClosing)
		}
		close(c.quit)
	})
}

func (c *Client) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.setState(StateClosed)
		c.hub.pumps.Done()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.fail(err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(err)
				return
			}
		case <-c.quit:
			c.finish()
			return
		}
	}
}

// finish performs the closing half of the handshake described by c.reason.
func (c *Client) finish() {
	r := c.reason
	if r.flush {
	drain:
		for {
			select {
			case msg := <-c.send:
				if err := c.write(msg); err != nil {
					return
				}
			default:
				break drain
			}
		}
	}
	if r.code == 0 {
		return
	}
	deadline := time.Now().Add(c.hub.cfg.WriteWait)
	if err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(r.code, r.text), deadline); err != nil {
		return
	}
	// Wait for the peer's close frame so the handshake completes.
	t := time.NewTimer(c.hub.cfg.CloseWait)
	defer t.Stop()
	select {
	case <-c.readDone:
	case <-t.C:
	}
}

func (c *Client) write(msg []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// fail handles an I/O error from either pump.
func (c *Client) fail(err error) {
	if c.hub.remove(c) {
		log.Printf("[gateway] ws client %d error: %v", c.id, err)
		c.hub.disconnected(reasonError)
	}
	c.stop(closeReason{})
}

func (c *Client) readPump() {
	cfg := c.hub.cfg
	defer func() {
		close(c.readDone)
		c.hub.pumps.Done()
	}()

	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		// Clients have nothing to say; reads only drive control frames.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				if c.hub.remove(c) {
					log.Printf("[gateway] ws client %d closed connection", c.id)
					c.hub.disconnected(reasonPeer)
				}
				c.stop(closeReason{peer: true})
				return
			}
			c.fail(err)
			return
		}
	}
}
