// Package hub owns the two venue feeds and fans the merged book out to any
// number of subscribers. Lifecycle is reference counted: the first
// subscriber starts both feeds, the last one leaving tears them down, so no
// venue connection is held open with zero observers.
package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/oddslens/oddslens/internal/book"
	"github.com/oddslens/oddslens/internal/feed"
)

const (
	defaultRefreshInterval = 5 * time.Second
	defaultMaxDepth        = 20
)

// Subscriber receives every rebuilt merged book. Deliveries are serialized:
// a callback is never invoked from two goroutines at once, and books arrive
// in the order they were computed. The initial delivery runs on the
// subscribing goroutine, later ones on the hub's event loop. Callbacks must
// not call Subscribe. A panicking subscriber is isolated and does not affect
// the hub or other subscribers.
type Subscriber = func(book.AggregatedBook)

// FeedFactory builds a fresh venue feed. The hub constructs feeds on first
// subscribe and destroys them on last unsubscribe, so factories must return
// a new instance per call.
type FeedFactory func() feed.Feed

// Config wires a Hub's collaborators and tunables.
type Config struct {
	// MaxDepth caps each merged book side. Defaults to 20.
	MaxDepth int
	// RefreshInterval paces broadcasts during quiet stretches so no
	// observer sees a book older than this. Defaults to 5s.
	RefreshInterval time.Duration

	NewPolymarket FeedFactory
	NewKalshi     FeedFactory
}

// venueState is the latest normalized view of one venue.
type venueState struct {
	bids        []book.PriceLevel
	asks        []book.PriceLevel
	status      book.ConnectionStatus
	lastUpdated *time.Time
}

type subscription struct {
	id int
	fn Subscriber
}

// Hub is the process-wide order book service. Construct one explicitly and
// pass it to whatever needs the merged book; there is no ambient instance.
type Hub struct {
	cfg Config

	mu      sync.Mutex
	subs    []*subscription
	nextID  int
	started bool

	// deliverMu serializes subscriber deliveries. Always acquired while mu
	// is held and released after mu, so delivery order matches book
	// computation order and no callback runs concurrently with another.
	deliverMu sync.Mutex

	poly       feed.Feed
	kalshi     feed.Feed
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	polyState   venueState
	kalshiState venueState

	nowFunc func() time.Time // injectable clock for testing
}

// New creates a stopped Hub. Feeds connect lazily on the first Subscribe.
func New(cfg Config) *Hub {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	h := &Hub{cfg: cfg, nowFunc: time.Now}
	h.resetStateLocked()
	return h
}

// Subscribe registers fn, starting both feeds if it is the first
// subscriber. The current (possibly empty) merged book is delivered to fn
// synchronously before Subscribe returns. The returned detach func is
// idempotent; when the last subscriber detaches, both feeds are destroyed
// and all venue state is reset.
func (h *Hub) Subscribe(fn Subscriber) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	sub := &subscription{id: h.nextID, fn: fn}
	h.subs = append(h.subs, sub)
	if !h.started {
		h.startLocked()
	}
	current := h.bookLocked()
	h.deliverMu.Lock()
	h.mu.Unlock()

	deliver(sub, current)
	h.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(sub.id) })
	}
}

// Current returns the merged book as of now without registering an
// observer. With no subscribers active this is an empty book with both
// venues disconnected.
func (h *Hub) Current() book.AggregatedBook {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bookLocked()
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	for i, s := range h.subs {
		if s.id == id {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			break
		}
	}
	var stop func()
	if len(h.subs) == 0 && h.started {
		stop = h.stopLocked()
	}
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (h *Hub) startLocked() {
	h.started = true
	h.poly = h.cfg.NewPolymarket()
	h.kalshi = h.cfg.NewKalshi()

	ctx, cancel := context.WithCancel(context.Background())
	h.loopCancel = cancel
	done := make(chan struct{})
	h.loopDone = done

	go h.run(ctx, done, h.poly, h.kalshi)

	h.poly.Start()
	h.kalshi.Start()
}

// stopLocked detaches the running feeds and loop from the hub and returns a
// func that finishes teardown outside the lock.
func (h *Hub) stopLocked() func() {
	h.started = false
	poly, kalshi := h.poly, h.kalshi
	cancel, done := h.loopCancel, h.loopDone
	h.poly, h.kalshi = nil, nil
	h.loopCancel, h.loopDone = nil, nil
	h.resetStateLocked()

	return func() {
		cancel()
		poly.Destroy()
		kalshi.Destroy()
		<-done
	}
}

func (h *Hub) resetStateLocked() {
	h.polyState = venueState{status: book.StatusDisconnected}
	h.kalshiState = venueState{status: book.StatusDisconnected}
}

// run is the hub's single event loop: every feed event and every refresh
// tick produces one recompute-and-broadcast. Feed events from one venue are
// applied in arrival order, so per-venue state never races.
func (h *Hub) run(ctx context.Context, done chan struct{}, poly, kalshi feed.Feed) {
	defer close(done)

	tick := time.NewTicker(h.cfg.RefreshInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-poly.Events():
			h.apply(ev)
		case ev := <-kalshi.Events():
			h.apply(ev)
		case <-tick.C:
			h.broadcast()
		}
	}
}

func (h *Hub) apply(ev feed.Event) {
	h.mu.Lock()
	st := &h.polyState
	if ev.Venue == book.VenueKalshi {
		st = &h.kalshiState
	}

	switch ev.Kind {
	case feed.EventData:
		st.bids = ev.Bids
		st.asks = ev.Asks
		now := h.nowFunc()
		st.lastUpdated = &now
	case feed.EventStatus:
		st.status = ev.Status
	}
	h.mu.Unlock()

	h.broadcast()
}

func (h *Hub) broadcast() {
	h.mu.Lock()
	b := h.bookLocked()
	subs := make([]*subscription, len(h.subs))
	copy(subs, h.subs)
	h.deliverMu.Lock()
	h.mu.Unlock()

	for _, s := range subs {
		deliver(s, b)
	}
	h.deliverMu.Unlock()
}

// deliver invokes one subscriber, containing any panic so a broken observer
// cannot take down the hub or starve its peers.
func deliver(s *subscription, b book.AggregatedBook) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("hub: subscriber %d panicked: %v", s.id, r)
		}
	}()
	s.fn(b)
}

func (h *Hub) bookLocked() book.AggregatedBook {
	bids, asks := book.Aggregate(
		h.polyState.bids, h.polyState.asks,
		h.kalshiState.bids, h.kalshiState.asks,
		h.cfg.MaxDepth,
	)

	return book.AggregatedBook{
		Bids: bids,
		Asks: asks,
		Venues: map[book.Venue]book.VenueStatus{
			book.VenuePolymarket: {
				Venue:       book.VenuePolymarket,
				Status:      h.polyState.status,
				LastUpdated: copyTime(h.polyState.lastUpdated),
			},
			book.VenueKalshi: {
				Venue:       book.VenueKalshi,
				Status:      h.kalshiState.status,
				LastUpdated: copyTime(h.kalshiState.lastUpdated),
			},
		},
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
