package feed

import (
	"context"
	"errors"
	"log"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oddslens/oddslens/internal/book"
)

// ConnConfig holds tunable parameters for a Conn.
type ConnConfig struct {
	URL string

	// Headers sent during the WebSocket handshake. If HeaderFunc is set it
	// is called before every dial instead, so signed headers can carry a
	// fresh timestamp on each reconnect.
	Headers    http.Header
	HeaderFunc func() (http.Header, error)

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	HandshakeTimeout time.Duration
}

// DefaultConnConfig returns the reconnect policy used for venue feeds:
// waits start at one second, double per failed attempt, and cap at thirty
// seconds. The delay resets after any successful connect.
func DefaultConnConfig(url string) ConnConfig {
	return ConnConfig{
		URL:              url,
		BackoffInitial:   time.Second,
		BackoffMax:       30 * time.Second,
		BackoffFactor:    2.0,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Conn is a resilient WebSocket connection. It dials, reads, and reconnects
// with exponential backoff until Close is called. Status transitions,
// inbound messages, and the post-dial open hook are all delivered from the
// connection's own goroutine, so callers can mutate their state in those
// callbacks without locking.
type Conn struct {
	cfg ConnConfig

	onOpen    func()
	onMessage func([]byte)
	onStatus  func(book.ConnectionStatus)
	onFatal   func(error)

	mu sync.Mutex
	ws *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
}

// ConnHooks bundles the callbacks a feed wires into its connection. Any
// hook may be nil.
type ConnHooks struct {
	// OnOpen fires after every successful dial, before the read loop starts.
	OnOpen func()
	// OnMessage receives every inbound frame.
	OnMessage func([]byte)
	// OnStatus receives connection state transitions.
	OnStatus func(book.ConnectionStatus)
	// OnFatal fires when the header provider fails, after which the Conn
	// stops for good. Used to fall back to another transport.
	OnFatal func(error)
}

// NewConn creates a Conn. Call Start to begin dialing.
func NewConn(cfg ConnConfig, hooks ConnHooks) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		cfg:       cfg,
		onOpen:    hooks.OnOpen,
		onMessage: hooks.OnMessage,
		onStatus:  hooks.OnStatus,
		onFatal:   hooks.OnFatal,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the connect/read/reconnect loop. Safe to call once;
// subsequent calls are no-ops.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Send writes a text frame on the current connection. Returns an error when
// disconnected; feeds treat that as a dropped message, not a failure.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return errors.New("feed: not connected")
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the connection down and suppresses all future reconnects.
// Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.ws != nil {
			c.ws.Close()
		}
		c.mu.Unlock()
	})
}

func (c *Conn) run() {
	delay := c.cfg.BackoffInitial

	for {
		if c.ctx.Err() != nil {
			return
		}

		c.status(book.StatusConnecting)

		headers := c.cfg.Headers
		if c.cfg.HeaderFunc != nil {
			var err error
			headers, err = c.cfg.HeaderFunc()
			if err != nil {
				log.Printf("feed: header signing failed for %s: %v", c.cfg.URL, err)
				c.status(book.StatusDisconnected)
				if c.onFatal != nil {
					c.onFatal(err)
				}
				return
			}
		}

		ws, err := c.dial(headers)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.Printf("feed: dial %s: %v (retry in %v)", c.cfg.URL, err, delay)
			c.status(book.StatusDisconnected)
			if !c.sleep(delay) {
				return
			}
			delay = c.nextDelay(delay)
			continue
		}

		delay = c.cfg.BackoffInitial

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()

		c.status(book.StatusConnected)
		if c.onOpen != nil {
			c.onOpen()
		}

		c.readLoop(ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.status(book.StatusDisconnected)
		if !c.sleep(delay) {
			return
		}
		delay = c.nextDelay(delay)
	}
}

// dial establishes the WebSocket connection with TCP_NODELAY enabled.
func (c *Conn) dial(headers http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	ws, resp, err := dialer.DialContext(c.ctx, c.cfg.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				log.Printf("feed: read %s: %v (reconnecting)", c.cfg.URL, err)
			}
			return
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

func (c *Conn) status(s book.ConnectionStatus) {
	if c.onStatus != nil {
		c.onStatus(s)
	}
}

// sleep waits for d or until the Conn is closed, reporting whether to keep
// running.
func (c *Conn) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Conn) nextDelay(d time.Duration) time.Duration {
	return time.Duration(math.Min(
		float64(d)*c.cfg.BackoffFactor,
		float64(c.cfg.BackoffMax),
	))
}
