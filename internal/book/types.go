package book

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Side identifies which outcome of a binary market a book quotes.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Direction of an order against a book.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Level is a single price level. Price is a decimal in (0,1), Size is in the
// venue's quote-stablecoin units. Total, PriceCents and Cumsum are display
// fields derived by Enrich.
type Level struct {
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	Total      decimal.Decimal `json:"total"`
	PriceCents decimal.Decimal `json:"price_cents"`
	Cumsum     decimal.Decimal `json:"cumsum"`
}

// Book is a normalized per-venue orderbook. Asks are ascending by price,
// bids descending. Best*Cents are zero when the side is empty.
type Book struct {
	Venue        string          `json:"platform"`
	MarketID     string          `json:"market_id,omitempty"`
	TokenID      string          `json:"token_id,omitempty"`
	Outcome      string          `json:"team"`
	Side         Side            `json:"side"`
	Asks         []Level         `json:"asks"`
	Bids         []Level         `json:"bids"`
	BestAskCents decimal.Decimal `json:"best_ask"`
	BestBidCents decimal.Decimal `json:"best_bid"`
}

var (
	hundred  = decimal.NewFromInt(100)
	thousand = decimal.NewFromInt(1000)
	one      = decimal.NewFromInt(1)
)

// Enrich sorts levels for the given ordering and fills the derived display
// fields: total = price*size, price_cents = round(price*100, 1) and the
// running cumsum of totals.
func Enrich(levels []Level, descending bool) []Level {
	sort.SliceStable(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})

	cumsum := decimal.Zero
	for i := range levels {
		lv := &levels[i]
		lv.Total = lv.Price.Mul(lv.Size).Round(2)
		lv.PriceCents = lv.Price.Mul(hundred).Round(1)
		cumsum = cumsum.Add(lv.Total)
		lv.Cumsum = cumsum.Round(2)
	}
	return levels
}

// Finalize enriches both sides and fills best-of-book cents.
func (b *Book) Finalize() {
	b.Asks = Enrich(b.Asks, false)
	b.Bids = Enrich(b.Bids, true)
	b.BestAskCents = decimal.Zero
	b.BestBidCents = decimal.Zero
	if len(b.Asks) > 0 {
		b.BestAskCents = b.Asks[0].PriceCents
	}
	if len(b.Bids) > 0 {
		b.BestBidCents = b.Bids[0].PriceCents
	}
}

// Reflect converts a yes-side book into its no-side mirror: each price p
// becomes 1-p with size unchanged, and the bid and ask sides swap. Applying
// Reflect twice returns the original book.
func Reflect(b Book) Book {
	out := b
	if b.Side == SideYes {
		out.Side = SideNo
	} else {
		out.Side = SideYes
	}
	out.Asks = reflectLevels(b.Bids)
	out.Bids = reflectLevels(b.Asks)
	out.Finalize()
	return out
}

func reflectLevels(levels []Level) []Level {
	out := make([]Level, len(levels))
	for i, lv := range levels {
		out[i] = Level{Price: one.Sub(lv.Price), Size: lv.Size}
	}
	return out
}
