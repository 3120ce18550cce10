package book

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate_SortsAndTags(t *testing.T) {
	polyBids := []PriceLevel{
		{Price: 0.52, Size: 100, Venue: VenuePolymarket},
		{Price: 0.55, Size: 40, Venue: VenuePolymarket},
	}
	kalshiBids := []PriceLevel{
		{Price: 0.54, Size: 200, Venue: VenueKalshi},
	}
	polyAsks := []PriceLevel{
		{Price: 0.58, Size: 10, Venue: VenuePolymarket},
	}
	kalshiAsks := []PriceLevel{
		{Price: 0.56, Size: 80, Venue: VenueKalshi},
		{Price: 0.60, Size: 15, Venue: VenueKalshi},
	}

	bids, asks := Aggregate(polyBids, polyAsks, kalshiBids, kalshiAsks, 20)

	require.Len(t, bids, 3)
	assert.Equal(t, 0.55, bids[0].Price)
	assert.Equal(t, 0.54, bids[1].Price)
	assert.Equal(t, VenueKalshi, bids[1].Venue)
	assert.Equal(t, 0.52, bids[2].Price)

	require.Len(t, asks, 3)
	assert.Equal(t, 0.56, asks[0].Price)
	assert.Equal(t, 0.58, asks[1].Price)
	assert.Equal(t, 0.60, asks[2].Price)
}

func TestAggregate_EqualPriceStaysSeparate(t *testing.T) {
	polyBids := []PriceLevel{{Price: 0.50, Size: 100, Venue: VenuePolymarket}}
	kalshiBids := []PriceLevel{{Price: 0.50, Size: 30, Venue: VenueKalshi}}

	bids, _ := Aggregate(polyBids, nil, kalshiBids, nil, 20)

	require.Len(t, bids, 2, "same-price levels must not be merged")
	// Stable sort keeps concatenation order for equal prices.
	assert.Equal(t, VenuePolymarket, bids[0].Venue)
	assert.Equal(t, VenueKalshi, bids[1].Venue)
	assert.Equal(t, 100.0, bids[0].Size)
	assert.Equal(t, 30.0, bids[1].Size)
}

func TestAggregate_DepthCap(t *testing.T) {
	var polyAsks, kalshiAsks []PriceLevel
	for i := 0; i < 25; i++ {
		polyAsks = append(polyAsks, PriceLevel{Price: 0.30 + float64(i)/100, Size: 1, Venue: VenuePolymarket})
		kalshiAsks = append(kalshiAsks, PriceLevel{Price: 0.31 + float64(i)/100, Size: 1, Venue: VenueKalshi})
	}

	bids, asks := Aggregate(nil, polyAsks, nil, kalshiAsks, 20)

	assert.Empty(t, bids)
	require.Len(t, asks, 20)
	assert.True(t, sort.SliceIsSorted(asks, func(i, j int) bool {
		return asks[i].Price < asks[j].Price
	}))
}

func TestAggregate_OrderingInvariants(t *testing.T) {
	// Deliberately unsorted inputs from both venues.
	polyBids := []PriceLevel{
		{Price: 0.10, Size: 1, Venue: VenuePolymarket},
		{Price: 0.90, Size: 1, Venue: VenuePolymarket},
		{Price: 0.50, Size: 1, Venue: VenuePolymarket},
	}
	kalshiBids := []PriceLevel{
		{Price: 0.45, Size: 1, Venue: VenueKalshi},
		{Price: 0.95, Size: 1, Venue: VenueKalshi},
	}

	bids, _ := Aggregate(polyBids, nil, kalshiBids, nil, 20)

	for i := 1; i < len(bids); i++ {
		assert.GreaterOrEqual(t, bids[i-1].Price, bids[i].Price,
			"bids must be non-increasing in price")
	}
}

func TestAggregate_EmptyInputs(t *testing.T) {
	bids, asks := Aggregate(nil, nil, nil, nil, 20)
	assert.Empty(t, bids)
	assert.Empty(t, asks)
}
