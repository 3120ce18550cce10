package book

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// Quote walks the merged book to answer "how many shares does $amount buy
// on the given outcome". For the Yes outcome it walks the ask side directly;
// for No it takes the bid side, reprices each level at 1-price (a bid for
// Yes at P is an offer of No at 1-P), and walks the repriced levels in
// ascending order. The input book is never mutated.
//
// A non-positive, NaN, or infinite amount yields an all-zero result with no
// fills. Any budget the book's depth cannot absorb is reported as Unfilled,
// so TotalCost + Unfilled == amount up to cent rounding.
func Quote(b AggregatedBook, amount float64, outcome Outcome) QuoteResult {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return QuoteResult{Fills: []Fill{}}
	}

	var levels []PriceLevel
	if outcome == OutcomeNo {
		levels = make([]PriceLevel, len(b.Bids))
		for i, l := range b.Bids {
			levels[i] = PriceLevel{
				Price: round4(1 - l.Price),
				Size:  l.Size,
				Venue: l.Venue,
			}
		}
		sort.SliceStable(levels, func(i, j int) bool {
			return levels[i].Price < levels[j].Price
		})
	} else {
		levels = b.Asks
	}

	remaining := decimal.NewFromFloat(amount)
	fills := []Fill{}
	totalShares := decimal.Zero

	for _, level := range levels {
		if remaining.Sign() <= 0 {
			break
		}
		if level.Price <= 0 {
			continue
		}

		price := decimal.NewFromFloat(level.Price)
		levelCost := decimal.NewFromFloat(level.Size).Mul(price)

		cost := decimal.Min(remaining, levelCost)
		shares := cost.Div(price)
		if shares.Sign() <= 0 {
			continue
		}

		roundedShares := shares.Round(2)
		fills = append(fills, Fill{
			Venue:  level.Venue,
			Shares: roundedShares.InexactFloat64(),
			Price:  level.Price,
			Cost:   cost.Round(2).InexactFloat64(),
		})
		totalShares = totalShares.Add(roundedShares)
		remaining = remaining.Sub(cost)
	}

	if remaining.Sign() < 0 {
		remaining = decimal.Zero
	}
	totalCost := decimal.NewFromFloat(amount).Sub(remaining)

	avgPrice := decimal.Zero
	if totalShares.Sign() > 0 {
		avgPrice = totalCost.Div(totalShares)
	}

	return QuoteResult{
		TotalShares: totalShares.Round(2).InexactFloat64(),
		AvgPrice:    avgPrice.Round(4).InexactFloat64(),
		Fills:       fills,
		TotalCost:   totalCost.Round(2).InexactFloat64(),
		Unfilled:    remaining.Round(2).InexactFloat64(),
	}
}

// round4 rounds a probability-style price to 4 decimal places.
func round4(p float64) float64 {
	return decimal.NewFromFloat(p).Round(4).InexactFloat64()
}
