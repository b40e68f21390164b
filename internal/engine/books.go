package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/premarket-labs/router/internal/book"
	"github.com/premarket-labs/router/internal/config"
	"github.com/premarket-labs/router/internal/metrics"
	"github.com/premarket-labs/router/internal/venue"
)

const bookTimeout = 10 * time.Second

// CollectBooks fetches the (event, outcome) book from every venue that
// lists it, in parallel. Venues that error are reported by name instead of
// sinking the whole pool.
func (e *Engine) CollectBooks(ctx context.Context, eventID, outcome string, side book.Side) ([]book.Book, map[string]string) {
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		books []book.Book
		errs  = make(map[string]string)
	)
	for _, name := range e.venues.Names() {
		key, ok := e.catalog.Key(name, eventID, outcome)
		if !ok {
			continue
		}
		a, err := e.venues.Get(name)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(name string, a venue.Adapter, key config.RoutingKey) {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, bookTimeout)
			defer cancel()
			b, err := e.venueBook(fetchCtx, a, key, eventID, outcome, side)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[name] = err.Error()
				metrics.VenueErrors.WithLabelValues(name, "orderbook").Inc()
				log.Warn().Err(err).
					Str("venue", name).
					Str("event", eventID).
					Str("outcome", outcome).
					Msg("orderbook fetch failed")
				return
			}
			books = append(books, b)
		}(name, a, key)
	}
	wg.Wait()

	sort.Slice(books, func(i, j int) bool { return books[i].Venue < books[j].Venue })
	return books, errs
}

// venueBook fetches and normalizes one venue's book for the requested side,
// serving from the snapshot cache when fresh. Venues keyed by market slug
// quote the yes side; the no side is its mirror. Venues keyed by token id
// that only list one outcome token get mirrored the same way.
func (e *Engine) venueBook(ctx context.Context, a venue.Adapter, key config.RoutingKey, eventID, outcome string, side book.Side) (book.Book, error) {
	cacheKey := fmt.Sprintf("book:%s:%s:%s:%s", a.Name(), eventID, outcome, side)
	var cached book.Book
	if e.cache.Get(ctx, cacheKey, &cached) {
		return cached, nil
	}

	fetchKey := key.Slug
	fetchSide := book.SideYes
	if fetchKey == "" {
		fetchKey = key.Token(string(side))
		fetchSide = side
		if fetchKey == "" {
			other := book.SideNo
			if side == book.SideNo {
				other = book.SideYes
			}
			fetchKey = key.Token(string(other))
			fetchSide = other
		}
		if fetchKey == "" {
			return book.Book{}, fmt.Errorf("no routing token for %s/%s on %s", eventID, outcome, a.Name())
		}
	}

	ob, err := a.Orderbook(ctx, fetchKey)
	if err != nil {
		return book.Book{}, err
	}
	b := book.Book{
		Venue:    a.Name(),
		MarketID: key.MarketID,
		Outcome:  outcome,
		Side:     fetchSide,
		Asks:     ob.Asks,
		Bids:     ob.Bids,
	}
	if key.Slug != "" {
		b.MarketID = key.Slug
	} else {
		b.TokenID = fetchKey
	}
	b.Finalize()
	if b.Side != side {
		b = book.Reflect(b)
		b.TokenID = key.Token(string(side))
	}
	e.cache.Set(ctx, cacheKey, b)
	return b, nil
}
