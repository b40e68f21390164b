package route

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/premarket-labs/router/internal/book"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func yesBook(venue string, asks, bids []book.Level) book.Book {
	b := book.Book{Venue: venue, Side: book.SideYes, Asks: asks, Bids: bids}
	b.Finalize()
	return b
}

func lv(price, size string) book.Level {
	return book.Level{Price: d(price), Size: d(size)}
}

func TestFindOptimalRoute_RejectsBadInput(t *testing.T) {
	_, err := FindOptimalRoute(nil, decimal.Zero, book.DirectionBuy)
	assert.ErrorIs(t, err, ErrEmptyBudget)

	_, err = FindOptimalRoute(nil, d("100"), book.DirectionBuy)
	assert.ErrorIs(t, err, ErrNoLiquidity)

	empty := yesBook("polymarket", nil, nil)
	_, err = FindOptimalRoute([]book.Book{empty}, d("100"), book.DirectionBuy)
	assert.ErrorIs(t, err, ErrNoLiquidity)
}

func TestFindOptimalRoute_SingleVenueBuy(t *testing.T) {
	b := yesBook("polymarket", []book.Level{lv("0.50", "100"), lv("0.60", "100")}, nil)

	r, err := FindOptimalRoute([]book.Book{b}, d("80"), book.DirectionBuy)
	require.NoError(t, err)

	// 50 spent at 0.50 buys 100 shares, remaining 30 at 0.60 buys 50.
	assert.Equal(t, "80", r.TotalSpent.String())
	assert.Equal(t, "150", r.TotalQty.String())
	assert.Equal(t, 1, r.PlatformsUsed)
	assert.True(t, r.Unfilled.IsZero())
	require.Len(t, r.Fills, 2)
	assert.Equal(t, "0.5", r.Fills[0].Price.String())
	assert.Equal(t, "0.6", r.Fills[1].Price.String())
}

func TestFindOptimalRoute_WalksCheapestFirst(t *testing.T) {
	a := yesBook("polymarket", []book.Level{lv("0.55", "100")}, nil)
	b := yesBook("limitless", []book.Level{lv("0.50", "20")}, nil)

	r, err := FindOptimalRoute([]book.Book{a, b}, d("8"), book.DirectionBuy)
	require.NoError(t, err)

	// The whole budget fits in limitless's cheaper level.
	assert.Equal(t, 1, r.PlatformsUsed)
	require.Contains(t, r.PerPlatform, "limitless")
	assert.Equal(t, "8", r.PerPlatform["limitless"].Spent.String())
	assert.Equal(t, "16", r.PerPlatform["limitless"].Qty.String())
}

func TestFindOptimalRoute_PrefersUsedVenueAtEqualPrice(t *testing.T) {
	// polymarket is opened at 0.50. At 0.55 both quote; the already-used
	// venue must soak the price level before a new one opens.
	a := yesBook("polymarket", []book.Level{lv("0.50", "100"), lv("0.55", "100")}, nil)
	b := yesBook("limitless", []book.Level{lv("0.55", "100")}, nil)

	r, err := FindOptimalRoute([]book.Book{a, b}, d("80"), book.DirectionBuy)
	require.NoError(t, err)

	assert.Equal(t, 1, r.PlatformsUsed)
	require.Contains(t, r.PerPlatform, "polymarket")
	assert.NotContains(t, r.PerPlatform, "limitless")
}

func TestFindOptimalRoute_NewVenueTiebreakLargestNotional(t *testing.T) {
	// Both venues quote 0.50 first. limitless has the larger notional at
	// the tied price and must be the single venue opened.
	a := yesBook("polymarket", []book.Level{lv("0.50", "10")}, nil)
	b := yesBook("limitless", []book.Level{lv("0.50", "40")}, nil)

	r, err := FindOptimalRoute([]book.Book{a, b}, d("5"), book.DirectionBuy)
	require.NoError(t, err)

	assert.Equal(t, 1, r.PlatformsUsed)
	assert.Contains(t, r.PerPlatform, "limitless")
}

func TestFindOptimalRoute_TiebreakNextLevelThenName(t *testing.T) {
	// Equal notional at the tied price; limitless has deeper liquidity at
	// its next level and wins the tiebreak.
	a := yesBook("polymarket", []book.Level{lv("0.50", "10"), lv("0.60", "5")}, nil)
	b := yesBook("limitless", []book.Level{lv("0.50", "10"), lv("0.60", "50")}, nil)

	r, err := FindOptimalRoute([]book.Book{a, b}, d("4"), book.DirectionBuy)
	require.NoError(t, err)
	assert.Contains(t, r.PerPlatform, "limitless")

	// Fully symmetric books: the alphabetically first venue wins.
	c := yesBook("opinion", []book.Level{lv("0.50", "10")}, nil)
	e := yesBook("limitless", []book.Level{lv("0.50", "10")}, nil)
	r, err = FindOptimalRoute([]book.Book{c, e}, d("4"), book.DirectionBuy)
	require.NoError(t, err)
	assert.Contains(t, r.PerPlatform, "limitless")
}

func TestFindOptimalRoute_SpillsToSecondVenue(t *testing.T) {
	a := yesBook("polymarket", []book.Level{lv("0.50", "100")}, nil)
	b := yesBook("limitless", []book.Level{lv("0.52", "100")}, nil)

	r, err := FindOptimalRoute([]book.Book{a, b}, d("76"), book.DirectionBuy)
	require.NoError(t, err)

	assert.Equal(t, 2, r.PlatformsUsed)
	assert.Equal(t, "50", r.PerPlatform["polymarket"].Spent.String())
	assert.Equal(t, "26", r.PerPlatform["limitless"].Spent.String())
	assert.Equal(t, "0.5", r.PerPlatform["polymarket"].AvgPrice.String())
	assert.Equal(t, "0.52", r.PerPlatform["limitless"].AvgPrice.String())
}

func TestFindOptimalRoute_ReportsUnfilled(t *testing.T) {
	b := yesBook("polymarket", []book.Level{lv("0.50", "10")}, nil)

	r, err := FindOptimalRoute([]book.Book{b}, d("100"), book.DirectionBuy)
	require.NoError(t, err)

	assert.Equal(t, "5", r.TotalSpent.String())
	assert.Equal(t, "95", r.Unfilled.String())
}

func TestFindOptimalRoute_SellWalksBidsHighToLow(t *testing.T) {
	a := yesBook("polymarket", nil, []book.Level{lv("0.60", "10"), lv("0.55", "100")})
	b := yesBook("limitless", nil, []book.Level{lv("0.58", "30")})

	// Budget is shares for sells.
	r, err := FindOptimalRoute([]book.Book{a, b}, d("35"), book.DirectionSell)
	require.NoError(t, err)

	// Budget 35 shares: 10@0.60 polymarket, then 25@0.58 limitless.
	require.Len(t, r.Fills, 2)
	assert.Equal(t, "0.6", r.Fills[0].Price.String())
	assert.Equal(t, "0.58", r.Fills[1].Price.String())

	assert.Equal(t, "35", r.TotalQty.String())
	assert.Equal(t, 2, r.PlatformsUsed)
}

func TestFindOptimalRoute_BudgetConservation(t *testing.T) {
	a := yesBook("polymarket", []book.Level{lv("0.50", "40"), lv("0.57", "80")}, nil)
	b := yesBook("limitless", []book.Level{lv("0.52", "60")}, nil)
	c := yesBook("opinion", []book.Level{lv("0.54", "25")}, nil)

	budget := d("90")
	r, err := FindOptimalRoute([]book.Book{a, b, c}, budget, book.DirectionBuy)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, split := range r.PerPlatform {
		sum = sum.Add(split.Spent)
	}
	assert.True(t, sum.Sub(r.TotalSpent).Abs().LessThan(d("0.01")))
	assert.True(t, r.TotalSpent.Add(r.Unfilled).Sub(budget).Abs().LessThan(d("0.01")))
	assert.True(t, r.TotalSpent.LessThanOrEqual(budget))
}
