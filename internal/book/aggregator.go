package book

import "sort"

// Aggregate merges both venues' level lists into a single book. Bids are
// sorted descending by price, asks ascending, and each side is truncated to
// maxDepth entries. Equal-price levels keep their concatenation order
// (Polymarket before Kalshi) thanks to the stable sort, so venue attribution
// is deterministic per rebuild.
func Aggregate(polyBids, polyAsks, kalshiBids, kalshiAsks []PriceLevel, maxDepth int) (bids, asks []PriceLevel) {
	bids = make([]PriceLevel, 0, len(polyBids)+len(kalshiBids))
	bids = append(bids, polyBids...)
	bids = append(bids, kalshiBids...)
	sort.SliceStable(bids, func(i, j int) bool {
		return bids[i].Price > bids[j].Price
	})

	asks = make([]PriceLevel, 0, len(polyAsks)+len(kalshiAsks))
	asks = append(asks, polyAsks...)
	asks = append(asks, kalshiAsks...)
	sort.SliceStable(asks, func(i, j int) bool {
		return asks[i].Price < asks[j].Price
	})

	if len(bids) > maxDepth {
		bids = bids[:maxDepth]
	}
	if len(asks) > maxDepth {
		asks = asks[:maxDepth]
	}
	return bids, asks
}
