// Package route solves the split-budget placement problem over a set of
// per-venue orderbooks: a greedy price walk that, at equal prices, prefers
// venues already used and otherwise opens the single new venue with the
// largest notional, minimizing the number of venues touched.
package route

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/premarket-labs/router/internal/book"
)

var (
	// ErrEmptyBudget is returned when the requested budget is not positive.
	ErrEmptyBudget = errors.New("budget must be > 0")
	// ErrNoLiquidity is returned when no book contributes any level.
	ErrNoLiquidity = errors.New("no liquidity available")
)

// Fill is one consumed price level.
type Fill struct {
	Venue      string          `json:"platform"`
	Price      decimal.Decimal `json:"price"`
	PriceCents decimal.Decimal `json:"price_cents"`
	Size       decimal.Decimal `json:"size"`
	Cost       decimal.Decimal `json:"cost"`
}

// Split is the per-venue aggregate of a route.
type Split struct {
	Spent         decimal.Decimal `json:"spent"`
	Qty           decimal.Decimal `json:"qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	AvgPriceCents decimal.Decimal `json:"avg_price_cents"`
	MarketID      string          `json:"market_id,omitempty"`
	TokenID       string          `json:"token_id,omitempty"`
}

// Route is the computed split of a budget across venues.
type Route struct {
	Direction     book.Direction    `json:"direction"`
	Budget        decimal.Decimal   `json:"budget"`
	TotalSpent    decimal.Decimal   `json:"total_spent"`
	TotalQty      decimal.Decimal   `json:"total_qty"`
	AvgPrice      decimal.Decimal   `json:"avg_price"`
	AvgPriceCents decimal.Decimal   `json:"avg_price_cents"`
	Unfilled      decimal.Decimal   `json:"unfilled"`
	PlatformsUsed int               `json:"platforms_used"`
	PerPlatform   map[string]*Split `json:"per_platform"`
	Fills         []Fill            `json:"fills"`
	AdapterErrors map[string]string `json:"adapter_errors,omitempty"`
}

// taggedLevel is a book level annotated with its source venue.
type taggedLevel struct {
	venue      string
	price      decimal.Decimal
	priceCents decimal.Decimal
	size       decimal.Decimal
}

// FindOptimalRoute walks asks low-to-high (buy) or bids high-to-low (sell)
// across all books and consumes liquidity until the budget is exhausted.
// For buys the budget is quote-stablecoin to spend; for sells it is shares.
func FindOptimalRoute(books []book.Book, budget decimal.Decimal, direction book.Direction) (*Route, error) {
	if !budget.IsPositive() {
		return nil, ErrEmptyBudget
	}

	var levels []taggedLevel
	for _, b := range books {
		side := b.Asks
		if direction == book.DirectionSell {
			side = b.Bids
		}
		for _, lv := range side {
			levels = append(levels, taggedLevel{
				venue:      b.Venue,
				price:      lv.Price,
				priceCents: lv.PriceCents,
				size:       lv.Size,
			})
		}
	}
	if len(levels) == 0 {
		return nil, ErrNoLiquidity
	}

	sort.SliceStable(levels, func(i, j int) bool {
		if direction == book.DirectionSell {
			return levels[i].price.GreaterThan(levels[j].price)
		}
		return levels[i].price.LessThan(levels[j].price)
	})

	// Group consecutive equal-priced levels, preserving order.
	var groups [][]taggedLevel
	for _, lv := range levels {
		n := len(groups)
		if n > 0 && groups[n-1][0].price.Equal(lv.price) {
			groups[n-1] = append(groups[n-1], lv)
		} else {
			groups = append(groups, []taggedLevel{lv})
		}
	}

	r := &Route{
		Direction:   direction,
		Budget:      budget,
		PerPlatform: make(map[string]*Split),
	}
	remaining := budget
	used := make(map[string]bool)

	consume := func(lv taggedLevel) {
		if !remaining.IsPositive() {
			return
		}
		var spend, qty decimal.Decimal
		if direction == book.DirectionBuy {
			spend = decimal.Min(remaining, lv.price.Mul(lv.size))
			if lv.price.IsPositive() {
				qty = spend.Div(lv.price)
			}
		} else {
			qty = decimal.Min(remaining, lv.size)
			spend = qty.Mul(lv.price)
		}
		if !qty.IsPositive() {
			return
		}
		r.Fills = append(r.Fills, Fill{
			Venue:      lv.venue,
			Price:      lv.price,
			PriceCents: lv.priceCents,
			Size:       qty.Round(4),
			Cost:       spend.Round(4),
		})
		split := r.PerPlatform[lv.venue]
		if split == nil {
			split = &Split{Spent: decimal.Zero, Qty: decimal.Zero}
			r.PerPlatform[lv.venue] = split
		}
		split.Spent = split.Spent.Add(spend)
		split.Qty = split.Qty.Add(qty)
		used[lv.venue] = true
		if direction == book.DirectionBuy {
			remaining = remaining.Sub(spend)
		} else {
			remaining = remaining.Sub(qty)
		}
	}

	for gi, group := range groups {
		if !remaining.IsPositive() {
			break
		}

		// Already-used venues soak up this price first.
		for _, lv := range group {
			if used[lv.venue] {
				consume(lv)
			}
		}

		// Then open at most one new venue: the one with the largest
		// notional at this price, ties broken by the notional at its
		// next price level and finally by venue name.
		if remaining.IsPositive() {
			if best := pickNewVenue(group, groups[gi+1:], used); best != "" {
				for _, lv := range group {
					if lv.venue == best {
						consume(lv)
					}
				}
			}
		}
	}

	totalSpent := decimal.Zero
	totalQty := decimal.Zero
	for _, split := range r.PerPlatform {
		totalSpent = totalSpent.Add(split.Spent)
		totalQty = totalQty.Add(split.Qty)
	}
	for _, split := range r.PerPlatform {
		avg := decimal.Zero
		if split.Qty.IsPositive() {
			avg = split.Spent.Div(split.Qty)
		}
		split.AvgPrice = avg.Round(6)
		split.AvgPriceCents = avg.Mul(decimal.NewFromInt(100)).Round(2)
		split.Spent = split.Spent.Round(4)
		split.Qty = split.Qty.Round(4)
	}

	avg := decimal.Zero
	if totalQty.IsPositive() {
		avg = totalSpent.Div(totalQty)
	}
	r.TotalSpent = totalSpent.Round(4)
	r.TotalQty = totalQty.Round(4)
	r.AvgPrice = avg.Round(6)
	r.AvgPriceCents = avg.Mul(decimal.NewFromInt(100)).Round(2)
	r.Unfilled = decimal.Max(remaining, decimal.Zero).Round(4)
	r.PlatformsUsed = len(r.PerPlatform)
	return r, nil
}

// pickNewVenue selects which unused venue to open for a price group.
func pickNewVenue(group []taggedLevel, rest [][]taggedLevel, used map[string]bool) string {
	notional := make(map[string]decimal.Decimal)
	for _, lv := range group {
		if used[lv.venue] {
			continue
		}
		notional[lv.venue] = notional[lv.venue].Add(lv.price.Mul(lv.size))
	}
	if len(notional) == 0 {
		return ""
	}

	venues := make([]string, 0, len(notional))
	for v := range notional {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	best := venues[0]
	for _, v := range venues[1:] {
		switch notional[v].Cmp(notional[best]) {
		case 1:
			best = v
		case 0:
			if nextNotional(v, rest).GreaterThan(nextNotional(best, rest)) {
				best = v
			}
		}
	}
	return best
}

// nextNotional is a venue's notional at its next price group, used only to
// break exact ties between otherwise equal candidates.
func nextNotional(venue string, rest [][]taggedLevel) decimal.Decimal {
	for _, group := range rest {
		total := decimal.Zero
		found := false
		for _, lv := range group {
			if lv.venue == venue {
				total = total.Add(lv.price.Mul(lv.size))
				found = true
			}
		}
		if found {
			return total
		}
	}
	return decimal.Zero
}
