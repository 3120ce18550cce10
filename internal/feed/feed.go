package feed

import "github.com/oddslens/oddslens/internal/book"

// EventKind distinguishes the two message types a feed can emit.
type EventKind int

const (
	// EventData carries a full normalized view of the feed's book.
	EventData EventKind = iota + 1
	// EventStatus carries a connection state transition.
	EventStatus
)

// Event is a single message from a venue feed to the hub. A feed emits data
// and status events on one channel so the hub observes them in the order
// they happened.
type Event struct {
	Kind  EventKind
	Venue book.Venue

	// Set for EventData.
	Bids []book.PriceLevel
	Asks []book.PriceLevel

	// Set for EventStatus.
	Status book.ConnectionStatus
}

// Feed is a live connection to one venue. Implementations own their network
// connection, reconnect on failure, and publish normalized events until
// Destroy is called. Destroy is idempotent and permanently stops any further
// reconnect attempts; a destroyed feed never resurrects its connection.
type Feed interface {
	Start()
	Destroy()
	Events() <-chan Event
}
