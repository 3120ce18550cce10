// Package cache mirrors the merged book's top of book into Redis so other
// processes can read the latest quote without speaking SSE.
package cache

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oddslens/oddslens/internal/book"
)

// RedisClient abstracts the Redis operations used by TopOfBookWriter.
// In production this is satisfied by Wrap(*redis.Client); in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

type goRedisClient struct {
	c *redis.Client
}

// Wrap adapts a go-redis client to the RedisClient interface.
func Wrap(c *redis.Client) RedisClient {
	return goRedisClient{c: c}
}

func (g goRedisClient) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

// Source is the hub surface the writer consumes.
type Source interface {
	Subscribe(fn func(book.AggregatedBook)) (unsubscribe func())
}

// topSnapshot holds the last-written best bid/ask and venue statuses so
// duplicate writes can be skipped. Statuses are part of the key: a venue
// going down must reach Redis even when the surviving top of book is
// unchanged.
type topSnapshot struct {
	Bid          string
	Ask          string
	PolyStatus   book.ConnectionStatus
	KalshiStatus book.ConnectionStatus
}

// TopOfBookWriter subscribes to the hub and persists the merged book's
// best bid/ask and venue statuses under one Redis hash:
//
//	Key:    book:{market}
//	Fields: bid, ask, bid_venue, ask_venue, polymarket_status,
//	        kalshi_status, ts
//
// Writes never block the hub: books are buffered in an internal channel and
// flushed by Run's goroutine, with stale intermediates dropped.
type TopOfBookWriter struct {
	client RedisClient
	source Source
	key    string
	buf    chan book.AggregatedBook

	mu   sync.Mutex
	last topSnapshot
}

// NewTopOfBookWriter creates a writer for one market key.
func NewTopOfBookWriter(client RedisClient, source Source, market string) *TopOfBookWriter {
	return &TopOfBookWriter{
		client: client,
		source: source,
		key:    fmt.Sprintf("book:%s", market),
		buf:    make(chan book.AggregatedBook, 64),
	}
}

// Run subscribes to the source and flushes books to Redis until ctx is
// cancelled. Note that holding a subscription keeps the hub's feeds
// running; the writer is meant to be wired only when the mirror is wanted
// permanently on.
func (w *TopOfBookWriter) Run(ctx context.Context) {
	unsubscribe := w.source.Subscribe(func(b book.AggregatedBook) {
		select {
		case w.buf <- b:
		default:
			// Flusher is behind; the next book supersedes this one anyway.
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case b := <-w.buf:
			w.write(ctx, b)
		}
	}
}

// write extracts the top of book, checks for duplicates, and issues an HSET.
func (w *TopOfBookWriter) write(ctx context.Context, b book.AggregatedBook) {
	bid, bidVenue := top(b.Bids)
	ask, askVenue := top(b.Asks)
	snap := topSnapshot{
		Bid:          bid,
		Ask:          ask,
		PolyStatus:   b.Venues[book.VenuePolymarket].Status,
		KalshiStatus: b.Venues[book.VenueKalshi].Status,
	}

	w.mu.Lock()
	if w.last == snap {
		w.mu.Unlock()
		return
	}
	w.last = snap
	w.mu.Unlock()

	err := w.client.HSet(ctx, w.key,
		"bid", bid,
		"ask", ask,
		"bid_venue", string(bidVenue),
		"ask_venue", string(askVenue),
		"polymarket_status", string(b.Venues[book.VenuePolymarket].Status),
		"kalshi_status", string(b.Venues[book.VenueKalshi].Status),
		"ts", strconv.FormatInt(time.Now().UnixMilli(), 10),
	)
	if err != nil {
		log.Printf("cache: hset %s: %v", w.key, err)
	}
}

// top returns the first level's price and venue. Merged book sides arrive
// already sorted best-first.
func top(levels []book.PriceLevel) (string, book.Venue) {
	if len(levels) == 0 {
		return "0", ""
	}
	return strconv.FormatFloat(levels[0].Price, 'f', -1, 64), levels[0].Venue
}
