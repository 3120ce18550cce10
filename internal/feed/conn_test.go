package feed

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oddslens/oddslens/internal/book"
)

// newEchoServer upgrades to WebSocket, counts connections, and echoes
// messages back until dropAfter messages (0 = never drop).
func newEchoServer(t *testing.T, conns *atomic.Int32, dropAfter int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		conns.Add(1)
		for n := 0; ; n++ {
			if dropAfter > 0 && n >= dropAfter {
				return
			}
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func fastConfig(url string) ConnConfig {
	cfg := DefaultConnConfig(url)
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	return cfg
}

// statusRecorder captures every status transition.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []book.ConnectionStatus
}

func (r *statusRecorder) record(s book.ConnectionStatus) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *statusRecorder) has(s book.ConnectionStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.statuses {
		if got == s {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConn_ConnectAndEcho(t *testing.T) {
	var conns atomic.Int32
	srv := newEchoServer(t, &conns, 0)
	defer srv.Close()

	rec := &statusRecorder{}
	msgs := make(chan []byte, 8)
	var opened atomic.Int32

	c := NewConn(fastConfig(wsURL(srv)), ConnHooks{
		OnOpen:    func() { opened.Add(1) },
		OnMessage: func(msg []byte) { msgs <- msg },
		OnStatus:  rec.record,
	})
	c.Start()
	defer c.Close()

	waitFor(t, func() bool { return opened.Load() == 1 }, "never connected")
	if !rec.has(book.StatusConnecting) || !rec.has(book.StatusConnected) {
		t.Fatalf("missing status transitions: %v", rec.statuses)
	}

	if err := c.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msg := <-msgs:
		if string(msg) != "hello" {
			t.Fatalf("expected echo, got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestConn_ReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	srv := newEchoServer(t, &conns, 1) // server drops after one message
	defer srv.Close()

	rec := &statusRecorder{}
	var opened atomic.Int32

	c := NewConn(fastConfig(wsURL(srv)), ConnHooks{
		OnOpen:   func() { opened.Add(1) },
		OnStatus: rec.record,
	})
	c.Start()
	defer c.Close()

	waitFor(t, func() bool { return conns.Load() >= 1 }, "never connected")

	// Trigger the drop; the server closes after echoing once.
	waitFor(t, func() bool {
		c.Send([]byte("poke"))
		return conns.Load() >= 2
	}, "never reconnected after drop")

	if !rec.has(book.StatusDisconnected) {
		t.Fatalf("expected a disconnected transition, got %v", rec.statuses)
	}
}

func TestConn_SendWhileDisconnected(t *testing.T) {
	c := NewConn(fastConfig("ws://127.0.0.1:1"), ConnHooks{})
	if err := c.Send([]byte("x")); err == nil {
		t.Fatal("expected error sending while disconnected")
	}
}

func TestConn_CloseStopsReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := newEchoServer(t, &conns, 0)
	defer srv.Close()

	var opened atomic.Int32
	c := NewConn(fastConfig(wsURL(srv)), ConnHooks{
		OnOpen: func() { opened.Add(1) },
	})
	c.Start()

	waitFor(t, func() bool { return opened.Load() == 1 }, "never connected")

	c.Close()
	c.Close() // idempotent

	settled := conns.Load()
	time.Sleep(150 * time.Millisecond) // several backoff periods
	if conns.Load() != settled {
		t.Fatal("closed Conn dialed again")
	}
}

func TestConn_BackoffDoublesAndCaps(t *testing.T) {
	c := NewConn(DefaultConnConfig("ws://unused"), ConnHooks{})

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // 32s capped
		30 * time.Second, // stays at the cap
	}
	d := time.Second
	for i, w := range want {
		d = c.nextDelay(d)
		if d != w {
			t.Fatalf("attempt %d: expected delay %v, got %v", i+1, w, d)
		}
	}
}

func TestConn_BackoffResetsAfterConnect(t *testing.T) {
	// Every dial succeeds and is dropped immediately, so each reconnect wait
	// must restart from BackoffInitial rather than keep growing.
	var mu sync.Mutex
	var dials []time.Time
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials = append(dials, time.Now())
		mu.Unlock()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.Close()
	}))
	defer srv.Close()

	cfg := DefaultConnConfig(wsURL(srv))
	cfg.BackoffInitial = 25 * time.Millisecond
	cfg.BackoffFactor = 8
	cfg.BackoffMax = 2 * time.Second

	c := NewConn(cfg, ConnHooks{})
	c.Start()
	defer c.Close()

	// Without the reset, the fourth dial would wait 25+200+1600 ms; with it,
	// every gap is ~25ms.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dials) >= 4
	}, "reconnect delay did not reset after successful connects")

	mu.Lock()
	elapsed := dials[3].Sub(dials[0])
	mu.Unlock()
	if elapsed > time.Second {
		t.Fatalf("four dials took %v, delay is growing despite successful connects", elapsed)
	}
}

func TestConn_HeaderFuncFailureIsFatal(t *testing.T) {
	var conns atomic.Int32
	srv := newEchoServer(t, &conns, 0)
	defer srv.Close()

	cfg := fastConfig(wsURL(srv))
	cfg.HeaderFunc = func() (http.Header, error) {
		return nil, errors.New("no key material")
	}

	rec := &statusRecorder{}
	var fatal atomic.Int32
	c := NewConn(cfg, ConnHooks{
		OnStatus: rec.record,
		OnFatal:  func(error) { fatal.Add(1) },
	})
	c.Start()
	defer c.Close()

	waitFor(t, func() bool { return fatal.Load() == 1 }, "OnFatal never fired")

	time.Sleep(100 * time.Millisecond)
	if conns.Load() != 0 {
		t.Fatal("Conn dialed despite header failure")
	}
	if !rec.has(book.StatusDisconnected) {
		t.Fatalf("expected disconnected status, got %v", rec.statuses)
	}
}

func TestConn_SignedHeadersReachServer(t *testing.T) {
	headerSeen := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerSeen <- r.Header.Get("X-Test-Auth")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		select {}
	}))
	defer srv.Close()

	cfg := fastConfig(wsURL(srv))
	cfg.HeaderFunc = func() (http.Header, error) {
		h := http.Header{}
		h.Set("X-Test-Auth", "signed-token")
		return h, nil
	}

	c := NewConn(cfg, ConnHooks{})
	c.Start()
	defer c.Close()

	select {
	case got := <-headerSeen:
		if got != "signed-token" {
			t.Fatalf("expected signed header, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the handshake")
	}
}
