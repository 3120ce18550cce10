// Package polymarket streams one instrument's order book from the
// Polymarket CLOB market WebSocket. Only the yes-outcome token is
// subscribed; a binary market's ask side arrives directly on the yes token,
// so the no token is never needed.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oddslens/oddslens/internal/book"
	"github.com/oddslens/oddslens/internal/feed"
)

const (
	// pingInterval paces application-level PING frames while connected.
	pingInterval = 10 * time.Second
	// refreshInterval forces a full resubscribe so the exchange replays a
	// fresh snapshot, self-healing any undetected state drift.
	refreshInterval = 30 * time.Second
)

// Polymarket market-channel subscription message.
type subscribeMsg struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

type rawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type rawPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
}

// rawEvent covers both book snapshots and price_change deltas; the event
// type is sniffed from event_type or, failing that, from shape.
type rawEvent struct {
	EventType    string           `json:"event_type"`
	AssetID      string           `json:"asset_id"`
	Bids         []rawLevel       `json:"bids"`
	Asks         []rawLevel       `json:"asks"`
	PriceChanges []rawPriceChange `json:"price_changes"`
}

// Config holds the connection parameters for a Client.
type Config struct {
	URL        string
	YesTokenID string
}

// Client maintains the Polymarket-side book for one instrument and emits
// normalized feed events. Book maps are only touched from the connection's
// callback goroutine, so they need no locking.
type Client struct {
	cfg    Config
	conn   *feed.Conn
	events chan feed.Event

	bids map[float64]float64
	asks map[float64]float64

	mu              sync.Mutex
	keepaliveCancel context.CancelFunc

	destroyOnce sync.Once
}

// New creates a Client. Call Start to connect.
func New(cfg Config) *Client {
	c := &Client{
		cfg:    cfg,
		events: make(chan feed.Event, 64),
		bids:   make(map[float64]float64),
		asks:   make(map[float64]float64),
	}
	c.conn = feed.NewConn(feed.DefaultConnConfig(cfg.URL), feed.ConnHooks{
		OnOpen:    c.onOpen,
		OnMessage: c.handleMessage,
		OnStatus:  c.onStatus,
	})
	return c
}

// Events returns the channel of normalized book and status events.
func (c *Client) Events() <-chan feed.Event { return c.events }

// Start begins dialing the exchange.
func (c *Client) Start() { c.conn.Start() }

// Destroy tears the connection down for good. Idempotent; no reconnect is
// ever scheduled afterwards.
func (c *Client) Destroy() {
	c.destroyOnce.Do(func() {
		c.stopKeepalive()
		c.conn.Close()
	})
}

func (c *Client) onOpen() {
	c.subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.keepaliveCancel = cancel
	c.mu.Unlock()
	go c.keepalive(ctx)
}

func (c *Client) onStatus(s book.ConnectionStatus) {
	if s == book.StatusDisconnected {
		c.stopKeepalive()
	}
	c.push(feed.Event{Kind: feed.EventStatus, Venue: book.VenuePolymarket, Status: s})
}

func (c *Client) stopKeepalive() {
	c.mu.Lock()
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
		c.keepaliveCancel = nil
	}
	c.mu.Unlock()
}

func (c *Client) subscribe() {
	msg, _ := json.Marshal(subscribeMsg{
		AssetsIDs: []string{c.cfg.YesTokenID},
		Type:      "market",
	})
	if err := c.conn.Send(msg); err != nil {
		log.Printf("polymarket: subscribe: %v", err)
	}
}

// keepalive sends PINGs and periodic resubscribes while this connection is
// up. The context is cancelled on disconnect or destroy.
func (c *Client) keepalive(ctx context.Context) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	refresh := time.NewTicker(refreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := c.conn.Send([]byte("PING")); err != nil {
				return
			}
		case <-refresh.C:
			c.subscribe()
		}
	}
}

func (c *Client) handleMessage(raw []byte) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("PONG")) {
		// Re-emit the current book so downstream freshness tracks the live
		// connection even when no orders change.
		c.emit()
		return
	}

	// The exchange wraps messages in arrays; single objects also occur.
	var batch []json.RawMessage
	if err := json.Unmarshal(raw, &batch); err != nil {
		batch = []json.RawMessage{raw}
	}
	for _, ev := range batch {
		c.handleEvent(ev)
	}
}

func (c *Client) handleEvent(raw json.RawMessage) {
	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return // not the shape we expect; drop
	}

	switch {
	case ev.EventType == "book":
		c.applySnapshot(ev)
	case ev.EventType == "price_change":
		c.applyDeltas(ev)
	case ev.PriceChanges != nil:
		c.applyDeltas(ev)
	case ev.Bids != nil || ev.Asks != nil:
		c.applySnapshot(ev)
	default:
		// tick_size_change, last_trade_price, etc.
	}
}

// applySnapshot wholesale-replaces both sides from a book event.
func (c *Client) applySnapshot(ev rawEvent) {
	if ev.AssetID != c.cfg.YesTokenID {
		return
	}

	c.bids = make(map[float64]float64, len(ev.Bids))
	c.asks = make(map[float64]float64, len(ev.Asks))

	for _, l := range ev.Bids {
		price, size, ok := parseLevel(l.Price, l.Size)
		if ok && size > 0 {
			c.bids[price] = size
		}
	}
	for _, l := range ev.Asks {
		price, size, ok := parseLevel(l.Price, l.Size)
		if ok && size > 0 {
			c.asks[price] = size
		}
	}

	c.emit()
}

// applyDeltas upserts or deletes individual levels; size zero means the
// level is gone.
func (c *Client) applyDeltas(ev rawEvent) {
	for _, change := range ev.PriceChanges {
		if change.AssetID != c.cfg.YesTokenID {
			continue
		}
		price, size, ok := parseLevel(change.Price, change.Size)
		if !ok {
			continue
		}

		side := c.asks
		if change.Side == "BUY" {
			side = c.bids
		}
		if size == 0 {
			delete(side, price)
		} else {
			side[price] = size
		}
	}

	c.emit()
}

func (c *Client) emit() {
	c.push(feed.Event{
		Kind:  feed.EventData,
		Venue: book.VenuePolymarket,
		Bids:  levelsFromMap(c.bids, true),
		Asks:  levelsFromMap(c.asks, false),
	})
}

func (c *Client) push(ev feed.Event) {
	select {
	case c.events <- ev:
	default:
		log.Printf("polymarket: events channel full, dropping %v", ev.Kind)
	}
}

func parseLevel(priceStr, sizeStr string) (price, size float64, ok bool) {
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, 0, false
	}
	size, err = strconv.ParseFloat(sizeStr, 64)
	if err != nil {
		return 0, 0, false
	}
	return price, size, true
}

// levelsFromMap converts a price map into venue-tagged levels, bids sorted
// descending and asks ascending.
func levelsFromMap(m map[float64]float64, descending bool) []book.PriceLevel {
	levels := make([]book.PriceLevel, 0, len(m))
	for price, size := range m {
		levels = append(levels, book.PriceLevel{
			Price: price,
			Size:  size,
			Venue: book.VenuePolymarket,
		})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	return levels
}
