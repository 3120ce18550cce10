// Package server exposes the merged book over HTTP: a long-lived SSE stream
// for observers plus a quote endpoint evaluated against the current book.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/oddslens/oddslens/internal/book"
)

const (
	// heartbeatInterval paces heartbeat events on the stream.
	heartbeatInterval = 15 * time.Second
	// keepaliveInterval paces raw comment lines whose only purpose is to
	// detect observers whose transport silently died.
	keepaliveInterval = 30 * time.Second
)

// BookSource is the hub surface the server consumes.
type BookSource interface {
	Subscribe(fn func(book.AggregatedBook)) (unsubscribe func())
	Current() book.AggregatedBook
}

// Server serves the streaming and quote endpoints for one market.
type Server struct {
	source BookSource

	heartbeatInterval time.Duration
	keepaliveInterval time.Duration
}

// New creates a Server over the given book source.
func New(source BookSource) *Server {
	return &Server{
		source:            source,
		heartbeatInterval: heartbeatInterval,
		keepaliveInterval: keepaliveInterval,
	}
}

// Routes returns the HTTP handler for all endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/orderbook/stream", s.handleStream)
	mux.HandleFunc("GET /api/quote", s.handleQuote)
	return mux
}

// orderbookEvent is the SSE orderbook payload: the merged book plus the
// server's send time in Unix milliseconds.
type orderbookEvent struct {
	book.AggregatedBook
	Timestamp int64 `json:"timestamp"`
}

type heartbeatEvent struct {
	Timestamp int64 `json:"timestamp"`
}

// handleStream subscribes the observer to the hub and translates every
// pushed book into an SSE event until the client goes away. A failed write
// tears down only this observer's subscription.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	// Hub callbacks run on hub goroutines; hand books to this handler's
	// goroutine so all writes to w happen here. A slow client gets stale
	// intermediate books dropped, never a blocked hub.
	books := make(chan book.AggregatedBook, 8)
	unsubscribe := s.source.Subscribe(func(b book.AggregatedBook) {
		select {
		case books <- b:
		default:
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()
	keepalive := time.NewTicker(s.keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case b := <-books:
			ev := orderbookEvent{AggregatedBook: b, Timestamp: time.Now().UnixMilli()}
			if err := writeEvent(w, flusher, "orderbook", ev); err != nil {
				return
			}
		case <-heartbeat.C:
			ev := heartbeatEvent{Timestamp: time.Now().UnixMilli()}
			if err := writeEvent(w, flusher, "heartbeat", ev); err != nil {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ":\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleQuote walks the current merged book for ?amount and ?outcome and
// returns the resulting QuoteResult.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	// ParseFloat accepts "NaN" and "Inf" without error; both are invalid
	// spend amounts.
	amount, err := strconv.ParseFloat(r.URL.Query().Get("amount"), 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	outcome := book.Outcome(r.URL.Query().Get("outcome"))
	if outcome == "" {
		outcome = book.OutcomeYes
	}
	if outcome != book.OutcomeYes && outcome != book.OutcomeNo {
		http.Error(w, "invalid outcome", http.StatusBadRequest)
		return
	}

	res := book.Quote(s.source.Current(), amount, outcome)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Printf("server: encode quote: %v", err)
	}
}
