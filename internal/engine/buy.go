package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/premarket-labs/router/internal/book"
	"github.com/premarket-labs/router/internal/metrics"
	"github.com/premarket-labs/router/internal/order"
	"github.com/premarket-labs/router/internal/venue"
)

func (e *Engine) stepBuy(ctx context.Context, o *order.Order) (bool, error) {
	switch o.Status {
	case order.StatusSent:
		return e.checkBuyBridges(ctx, o)
	case order.StatusBridged:
		return e.executeBuyTrades(ctx, o)
	case order.StatusMatched:
		return e.settleBuy(ctx, o)
	}
	return false, nil
}

// checkBuyBridges polls the outbound transfers. One failed bridge fails the
// order: partial budgets stranded mid-bridge cannot be traded coherently.
func (e *Engine) checkBuyBridges(ctx context.Context, o *order.Order) (bool, error) {
	allDone, anyFailed := e.relay.CheckBridges(ctx, o)
	switch {
	case anyFailed:
		o.Fail(order.StatusFailed, errors.New("bridge transfer failed"))
	case allDone:
		o.Status = order.StatusBridged
	}
	return true, nil
}

// executeBuyTrades places the venue orders for every leg that has not yet
// been accepted upstream. Sizing is re-derived from what actually landed in
// custody, so a bridge that delivered slightly less than quoted still trades.
func (e *Engine) executeBuyTrades(ctx context.Context, o *order.Order) (bool, error) {
	failed := 0
	for name, leg := range o.Platforms {
		if leg.OrderID != "" && !venue.Dead(leg.OrderStatus) {
			continue
		}
		if err := e.placeBuyLeg(ctx, o, name, leg); err != nil {
			leg.Error = err.Error()
			metrics.VenueErrors.WithLabelValues(name, "place").Inc()
			log.Warn().Err(err).
				Str("order_id", o.ID).
				Str("venue", name).
				Msg("buy leg placement failed")
			failed++
			continue
		}
		leg.Error = ""
	}
	if failed == 0 {
		o.Status = order.StatusMatched
		o.SettleChecks = 0
		return true, nil
	}
	o.TradeRetries++
	if o.TradeRetries >= order.MaxTradeRetries {
		o.Fail(order.StatusTradeFailed, errors.New("trade retries exhausted"))
	}
	return true, nil
}

func (e *Engine) placeBuyLeg(ctx context.Context, o *order.Order, name string, leg *order.Leg) error {
	a, err := e.venues.Get(name)
	if err != nil {
		return err
	}
	balance, err := a.StablecoinBalance(ctx, a.Custody())
	if err != nil {
		return fmt.Errorf("custody balance: %w", err)
	}
	available := decimal.NewFromBigInt(balance, 0).Shift(-a.Decimals())
	spend := decimal.Min(leg.Spent, available).RoundFloor(2)
	if spend.LessThan(a.MinOrderValue()) {
		return fmt.Errorf("%w: %s available on %s", venue.ErrBelowMinimum, spend, name)
	}

	key, ok := e.catalog.Key(name, o.EventID, o.Outcome)
	if !ok {
		return fmt.Errorf("no catalog entry for %s/%s on %s", o.EventID, o.Outcome, name)
	}
	b, err := e.venueBook(ctx, a, key, o.EventID, o.Outcome, book.Side(o.Side))
	if err != nil {
		return fmt.Errorf("orderbook: %w", err)
	}
	if len(b.Asks) == 0 || !b.Asks[0].Price.IsPositive() {
		return venue.ErrInsufficientLiquidity
	}

	res, err := a.PlaceOrder(ctx, venue.PlaceRequest{
		TokenID:  legToken(o, leg),
		MarketID: leg.MarketID,
		Amount:   spend,
		Price:    b.Asks[0].Price,
		Side:     book.DirectionBuy,
	})
	if err != nil {
		return err
	}
	leg.OrderID = res.OrderID
	leg.OrderStatus = res.Status
	leg.Spent = spend
	leg.AvgPrice = res.Price
	if res.Price.IsPositive() {
		leg.Qty = spend.Div(res.Price).Round(4)
	}
	if id, ok := res.Params["token_id"].(string); ok && leg.TokenID == "" {
		leg.TokenID = id
	}
	return nil
}

// settleBuy waits for shares to land in custody and delivers them. A leg
// whose upstream order died gets requeued for placement; everything else
// counts against the settlement deadline.
func (e *Engine) settleBuy(ctx context.Context, o *order.Order) (bool, error) {
	pending := 0
	dead := 0
	for name, leg := range o.Platforms {
		if leg.Delivery != "" {
			continue
		}
		a, err := e.venues.Get(name)
		if err != nil {
			pending++
			continue
		}
		e.refreshLegStatus(ctx, a, leg)
		if venue.Dead(leg.OrderStatus) {
			leg.OrderID = ""
			dead++
			continue
		}
		delivered, err := e.deliverShares(ctx, a, o, leg)
		if err != nil {
			metrics.VenueErrors.WithLabelValues(name, "settle").Inc()
			log.Warn().Err(err).
				Str("order_id", o.ID).
				Str("venue", name).
				Msg("share settlement failed")
			pending++
			continue
		}
		if !delivered {
			pending++
		}
	}
	if dead > 0 {
		o.Status = order.StatusBridged
		o.TradeRetries++
		if o.TradeRetries >= order.MaxTradeRetries {
			o.Fail(order.StatusTradeFailed, errors.New("trade retries exhausted"))
		}
		return true, nil
	}
	if pending == 0 {
		o.Status = order.StatusFilled
		o.Error = ""
		return true, nil
	}
	o.SettleChecks++
	if o.SettleChecks >= order.MaxSettleChecks {
		o.Fail(order.StatusTradeFailed, errors.New("settlement timeout"))
	}
	return true, nil
}

// deliverShares moves whatever landed in custody for the leg's token to the
// user, or records that the venue keeps custody. Returns false while the
// balance is still zero.
func (e *Engine) deliverShares(ctx context.Context, a venue.Adapter, o *order.Order, leg *order.Leg) (bool, error) {
	if leg.TokenID == "" {
		return false, errors.New("token id not resolved")
	}
	balance, err := a.ShareBalance(ctx, a.Custody(), leg.TokenID)
	if err != nil {
		return false, err
	}
	if balance.Sign() <= 0 {
		return false, nil
	}
	shares := decimal.NewFromBigInt(balance, 0).Shift(-a.Decimals())
	if a.CustodialShares() {
		leg.Shares = shares
		leg.Delivery = order.DeliveryKeptOnChain
		return true, nil
	}
	tx, err := a.TransferSharesToUser(ctx, common.HexToAddress(o.UserWallet), leg.TokenID, balance)
	if err != nil {
		return false, err
	}
	leg.Shares = shares
	leg.TransferTx = tx
	leg.Delivery = order.DeliveryDirect
	log.Info().
		Str("order_id", o.ID).
		Str("venue", a.Name()).
		Str("shares", shares.String()).
		Str("tx", tx).
		Msg("shares delivered")
	return true, nil
}

func (e *Engine) refreshLegStatus(ctx context.Context, a venue.Adapter, leg *order.Leg) {
	if leg.OrderID == "" {
		return
	}
	state, err := a.GetOrder(ctx, leg.OrderID, leg.TokenID)
	if err != nil || state.Status == "" || state.Status == venue.StatusUnknown {
		return
	}
	leg.OrderStatus = state.Status
}

// legToken resolves what to hand the adapter as a token: the resolved id
// when known, otherwise the outcome side for slug-keyed venues.
func legToken(o *order.Order, leg *order.Leg) string {
	if leg.TokenID != "" {
		return leg.TokenID
	}
	return o.Side
}
