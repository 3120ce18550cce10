package book

import "time"

// Venue identifies the source of order book data.
type Venue string

const (
	VenuePolymarket Venue = "polymarket"
	VenueKalshi     Venue = "kalshi"
)

// ConnectionStatus describes the health of a venue connection.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// PriceLevel is a single bid or ask at a given price, tagged with the venue
// it came from. Prices are probability-style, in [0,1] with 4 decimal places.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Venue Venue   `json:"venue"`
}

// VenueStatus reports the connection state of one venue. LastUpdated is nil
// until the first data update arrives and only advances on data updates,
// never on bare status transitions.
type VenueStatus struct {
	Venue       Venue            `json:"venue"`
	Status      ConnectionStatus `json:"status"`
	LastUpdated *time.Time       `json:"lastUpdated"`
}

// AggregatedBook is the merged, depth-capped view of both venues' books.
// Levels from different venues at the same price remain separate entries so
// venue attribution survives the merge.
type AggregatedBook struct {
	Bids   []PriceLevel          `json:"bids"`
	Asks   []PriceLevel          `json:"asks"`
	Venues map[Venue]VenueStatus `json:"venues"`
}

// Outcome selects which side of a binary market a quote is priced for.
type Outcome string

const (
	OutcomeYes Outcome = "Yes"
	OutcomeNo  Outcome = "No"
)

// Fill is one partial or full match of requested spend against a single
// venue's level during a quote walk.
type Fill struct {
	Venue  Venue   `json:"venue"`
	Shares float64 `json:"shares"`
	Price  float64 `json:"price"`
	Cost   float64 `json:"cost"`
}

// QuoteResult is the outcome of walking the merged book for a dollar amount.
// TotalCost plus Unfilled always equals the requested amount, up to rounding
// (costs to 2 decimals, prices to 4).
type QuoteResult struct {
	TotalShares float64 `json:"totalShares"`
	AvgPrice    float64 `json:"avgPrice"`
	Fills       []Fill  `json:"fills"`
	TotalCost   float64 `json:"totalCost"`
	Unfilled    float64 `json:"unfilled"`
}
