package book

import "github.com/shopspring/decimal"

// gridBuckets is the fixed resolution of the pooled book: 0.1 cent steps
// from 0.1c (key 1) to 99.9c (key 999).
const gridBuckets = 999

// Pooled is the consolidated cross-venue book for one outcome side. The
// platform origin of each unit of size is lost; routing must go back to the
// raw per-venue books.
type Pooled struct {
	Venue        string          `json:"platform"`
	Outcome      string          `json:"team"`
	Side         Side            `json:"side"`
	Asks         []Level         `json:"asks"`
	Bids         []Level         `json:"bids"`
	BestAskCents decimal.Decimal `json:"best_ask"`
	BestBidCents decimal.Decimal `json:"best_bid"`
}

// sideLevels selects one side of a book by its JSON key name.
func sideLevels(b Book, sideKey string) []Level {
	if sideKey == "bids" {
		return b.Bids
	}
	return b.Asks
}

// MergeSide sums sizes across books onto the fixed price grid and emits the
// nonempty buckets in price-ascending order with enriched display fields.
// The grid key for a level is round(price_cents * 10).
func MergeSide(books []Book, sideKey string) []Level {
	grid := make([]decimal.Decimal, gridBuckets+1)
	for i := range grid {
		grid[i] = decimal.Zero
	}

	for _, b := range books {
		for _, lv := range sideLevels(b, sideKey) {
			key := int(lv.PriceCents.Mul(decimal.NewFromInt(10)).Round(0).IntPart())
			if key >= 1 && key <= gridBuckets {
				grid[key] = grid[key].Add(lv.Size)
			}
		}
	}

	var out []Level
	cumsum := decimal.Zero
	for key := 1; key <= gridBuckets; key++ {
		if !grid[key].IsPositive() {
			continue
		}
		price := decimal.NewFromInt(int64(key)).Div(thousand)
		size := grid[key].Round(2)
		total := price.Mul(size).Round(2)
		cumsum = cumsum.Add(total)
		out = append(out, Level{
			Price:      price.Round(4),
			Size:       size,
			Total:      total,
			PriceCents: decimal.NewFromInt(int64(key)).Div(decimal.NewFromInt(10)).Round(1),
			Cumsum:     cumsum.Round(2),
		})
	}
	return out
}

// BuildPooled merges per-venue books for one outcome side into the virtual
// pooled book. Asks come out ascending, bids descending.
func BuildPooled(books []Book, outcome string, side Side) Pooled {
	asks := MergeSide(books, "asks")
	bids := MergeSide(books, "bids")

	// MergeSide emits ascending; display order for bids is descending.
	for i, j := 0, len(bids)-1; i < j; i, j = i+1, j-1 {
		bids[i], bids[j] = bids[j], bids[i]
	}
	// Cumsum follows the emitted order on each side.
	cumsum := decimal.Zero
	for i := range bids {
		cumsum = cumsum.Add(bids[i].Total)
		bids[i].Cumsum = cumsum.Round(2)
	}

	p := Pooled{
		Venue:        "pooled",
		Outcome:      outcome,
		Side:         side,
		Asks:         asks,
		Bids:         bids,
		BestAskCents: decimal.Zero,
		BestBidCents: decimal.Zero,
	}
	if len(asks) > 0 {
		p.BestAskCents = asks[0].PriceCents
	}
	if len(bids) > 0 {
		p.BestBidCents = bids[0].PriceCents
	}
	return p
}
