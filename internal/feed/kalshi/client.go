// Package kalshi streams one market's order book from Kalshi. The exchange
// exposes only two bid books (yes and no); the no side is inverted into
// asks, since buying no at P is selling yes at 1-P.
//
// Two transports exist: an authenticated WebSocket carrying
// orderbook_snapshot/orderbook_delta messages, and an unauthenticated REST
// poll used when signing credentials are absent or header signing fails at
// connect time. Both funnel into the same normalize-and-emit step.
package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/oddslens/oddslens/internal/book"
	"github.com/oddslens/oddslens/internal/feed"
)

const (
	channelName  = "orderbook_delta"
	pollInterval = 2 * time.Second
)

// command is the Kalshi WebSocket command envelope.
type command struct {
	ID     int           `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels     []string `json:"channels"`
	MarketTicker string   `json:"market_ticker"`
}

type rawEnvelope struct {
	Type string `json:"type"`
}

type rawSnapshot struct {
	Msg struct {
		MarketTicker string       `json:"market_ticker"`
		Yes          [][2]float64 `json:"yes"`
		No           [][2]float64 `json:"no"`
	} `json:"msg"`
}

type rawDelta struct {
	Msg struct {
		MarketTicker string  `json:"market_ticker"`
		Price        float64 `json:"price"`
		Delta        float64 `json:"delta"`
		Side         string  `json:"side"`
	} `json:"msg"`
}

// rawOrderbook is the REST order book response shape.
type rawOrderbook struct {
	Orderbook struct {
		Yes [][2]float64 `json:"yes"`
		No  [][2]float64 `json:"no"`
	} `json:"orderbook"`
}

// Config holds the connection parameters for a Client.
type Config struct {
	WSURL        string
	RESTBase     string
	MarketTicker string

	// Signer enables the authenticated socket transport. Nil selects poll
	// mode from the start.
	Signer *Signer

	// HTTPClient overrides the poll-mode client. Defaults to a 10s-timeout
	// client.
	HTTPClient *http.Client
}

// Client maintains the Kalshi-side book for one market. Book maps are only
// touched from the active transport's goroutine (socket callbacks or the
// poll loop; never both at once), so they need no locking.
type Client struct {
	cfg    Config
	httpc  *http.Client
	events chan feed.Event

	yesBids map[float64]float64
	noBids  map[float64]float64

	conn  *feed.Conn // socket mode; nil in poll mode
	cmdID int

	mu         sync.Mutex
	pollCancel context.CancelFunc
	pollStatus book.ConnectionStatus
	destroyed  bool

	destroyOnce sync.Once
}

// New creates a Client. The transport is chosen once here: a non-nil signer
// selects the authenticated socket, otherwise polling. Call Start to begin.
func New(cfg Config) *Client {
	c := &Client{
		cfg:     cfg,
		httpc:   cfg.HTTPClient,
		events:  make(chan feed.Event, 64),
		yesBids: make(map[float64]float64),
		noBids:  make(map[float64]float64),
	}
	if c.httpc == nil {
		c.httpc = &http.Client{Timeout: 10 * time.Second}
	}

	if cfg.Signer != nil {
		connCfg := feed.DefaultConnConfig(cfg.WSURL)
		connCfg.HeaderFunc = cfg.Signer.Headers
		c.conn = feed.NewConn(connCfg, feed.ConnHooks{
			OnOpen:    c.onOpen,
			OnMessage: c.handleMessage,
			OnStatus:  c.onStatus,
			OnFatal:   c.onAuthFailure,
		})
	}
	return c
}

// Events returns the channel of normalized book and status events.
func (c *Client) Events() <-chan feed.Event { return c.events }

// Start begins streaming or polling, per the transport chosen at
// construction.
func (c *Client) Start() {
	if c.conn != nil {
		c.conn.Start()
		return
	}
	c.startPolling()
}

// Destroy tears down whichever transport is active. Idempotent; neither a
// reconnect nor another poll ever fires afterwards.
func (c *Client) Destroy() {
	c.destroyOnce.Do(func() {
		c.mu.Lock()
		c.destroyed = true
		cancel := c.pollCancel
		c.pollCancel = nil
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// --- socket mode ---

func (c *Client) onOpen() {
	c.cmdID++
	msg, _ := json.Marshal(command{
		ID:  c.cmdID,
		Cmd: "subscribe",
		Params: commandParams{
			Channels:     []string{channelName},
			MarketTicker: c.cfg.MarketTicker,
		},
	})
	if err := c.conn.Send(msg); err != nil {
		log.Printf("kalshi: subscribe: %v", err)
	}
}

func (c *Client) onStatus(s book.ConnectionStatus) {
	c.push(feed.Event{Kind: feed.EventStatus, Venue: book.VenueKalshi, Status: s})
}

// onAuthFailure demotes the client to poll mode for the remainder of its
// lifetime. The socket's Conn has already stopped for good.
func (c *Client) onAuthFailure(err error) {
	log.Printf("kalshi: socket auth failed, falling back to polling: %v", err)
	c.startPolling()
}

func (c *Client) handleMessage(raw []byte) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return // drop junk
	}

	switch env.Type {
	case "orderbook_snapshot":
		c.handleSnapshot(raw)
	case "orderbook_delta":
		c.handleDelta(raw)
	case "error":
		log.Printf("kalshi: exchange error: %s", raw)
	default:
		// subscription acks and other message types ignored.
	}
}

func (c *Client) handleSnapshot(raw []byte) {
	var snap rawSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return
	}
	if snap.Msg.MarketTicker != "" && snap.Msg.MarketTicker != c.cfg.MarketTicker {
		return
	}

	// Snapshot prices arrive in cents.
	c.replaceBooks(snap.Msg.Yes, snap.Msg.No)
	c.emit()
}

func (c *Client) handleDelta(raw []byte) {
	var delta rawDelta
	if err := json.Unmarshal(raw, &delta); err != nil {
		return
	}
	if delta.Msg.MarketTicker != "" && delta.Msg.MarketTicker != c.cfg.MarketTicker {
		return
	}

	// Delta prices have been observed both in cents and already normalized;
	// values above 1 can only be cents.
	price := delta.Msg.Price
	if price > 1 {
		price = price / 100
	}

	side := c.yesBids
	if delta.Msg.Side == "no" {
		side = c.noBids
	}

	size := side[price] + delta.Msg.Delta
	if size <= 0 {
		delete(side, price)
	} else {
		side[price] = size
	}

	c.emit()
}

// --- poll mode ---

func (c *Client) startPolling() {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.pollCancel = cancel
	c.mu.Unlock()

	go c.pollLoop(ctx)
}

func (c *Client) pollLoop(ctx context.Context) {
	c.setPollStatus(book.StatusConnecting)
	c.pollOnce(ctx)

	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) {
	url := fmt.Sprintf("%s/markets/%s/orderbook", c.cfg.RESTBase, c.cfg.MarketTicker)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.setPollStatus(book.StatusDisconnected)
		return
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.setPollStatus(book.StatusDisconnected)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("kalshi: poll %s: status %d", c.cfg.MarketTicker, resp.StatusCode)
		c.setPollStatus(book.StatusDisconnected)
		return
	}

	var ob rawOrderbook
	if err := json.NewDecoder(resp.Body).Decode(&ob); err != nil {
		c.setPollStatus(book.StatusDisconnected)
		return
	}

	c.replaceBooks(ob.Orderbook.Yes, ob.Orderbook.No)
	c.setPollStatus(book.StatusConnected)
	c.emit()
}

// setPollStatus emits a status event only on transitions, so a run of
// failed polls reports one disconnect.
func (c *Client) setPollStatus(s book.ConnectionStatus) {
	c.mu.Lock()
	changed := c.pollStatus != s
	c.pollStatus = s
	c.mu.Unlock()

	if changed {
		c.push(feed.Event{Kind: feed.EventStatus, Venue: book.VenueKalshi, Status: s})
	}
}

// --- shared normalize-and-emit ---

// replaceBooks wholesale-replaces both sides from [price_cents, qty] pairs.
func (c *Client) replaceBooks(yes, no [][2]float64) {
	c.yesBids = make(map[float64]float64, len(yes))
	c.noBids = make(map[float64]float64, len(no))

	for _, l := range yes {
		if l[1] > 0 {
			c.yesBids[l[0]/100] = l[1]
		}
	}
	for _, l := range no {
		if l[1] > 0 {
			c.noBids[l[0]/100] = l[1]
		}
	}
}

// emit converts the raw yes/no bid maps into normalized levels: yes bids map
// straight to bids, each no bid at P becomes an ask at 1-P.
func (c *Client) emit() {
	bids := make([]book.PriceLevel, 0, len(c.yesBids))
	for price, size := range c.yesBids {
		bids = append(bids, book.PriceLevel{Price: price, Size: size, Venue: book.VenueKalshi})
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })

	asks := make([]book.PriceLevel, 0, len(c.noBids))
	for price, size := range c.noBids {
		asks = append(asks, book.PriceLevel{Price: round4(1 - price), Size: size, Venue: book.VenueKalshi})
	}
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	c.push(feed.Event{
		Kind:  feed.EventData,
		Venue: book.VenueKalshi,
		Bids:  bids,
		Asks:  asks,
	})
}

func (c *Client) push(ev feed.Event) {
	select {
	case c.events <- ev:
	default:
		log.Printf("kalshi: events channel full, dropping %v", ev.Kind)
	}
}

func round4(p float64) float64 {
	return math.Round(p*10000) / 10000
}
