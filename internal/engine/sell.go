package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/premarket-labs/router/internal/book"
	"github.com/premarket-labs/router/internal/bridge"
	"github.com/premarket-labs/router/internal/metrics"
	"github.com/premarket-labs/router/internal/order"
	"github.com/premarket-labs/router/internal/relay"
	"github.com/premarket-labs/router/internal/venue"
)

func (e *Engine) stepSell(ctx context.Context, o *order.Order) (bool, error) {
	switch o.Status {
	case order.StatusSharesPulled:
		return e.executeSellTrades(ctx, o)
	case order.StatusSellMatched:
		return e.settleSell(ctx, o)
	case order.StatusSellSettled, order.StatusBridgeFailed:
		return e.returnSellProceeds(ctx, o)
	case order.StatusBridgingBack:
		return e.checkSellBridges(ctx, o)
	}
	return false, nil
}

// executeSellTrades sells the pulled shares on each leg's venue at the best
// bid. A leg whose value falls under the venue minimum is unsellable and
// counts as a failure.
func (e *Engine) executeSellTrades(ctx context.Context, o *order.Order) (bool, error) {
	failed := 0
	for name, leg := range o.Platforms {
		if leg.OrderID != "" && !venue.Dead(leg.OrderStatus) {
			continue
		}
		if err := e.placeSellLeg(ctx, o, name, leg); err != nil {
			leg.Error = err.Error()
			metrics.VenueErrors.WithLabelValues(name, "place").Inc()
			log.Warn().Err(err).
				Str("order_id", o.ID).
				Str("venue", name).
				Msg("sell leg placement failed")
			failed++
			continue
		}
		leg.Error = ""
	}
	if failed == 0 {
		o.Status = order.StatusSellMatched
		o.SettleChecks = 0
		return true, nil
	}
	o.TradeRetries++
	if o.TradeRetries >= order.MaxTradeRetries {
		o.Fail(order.StatusTradeFailed, errors.New("trade retries exhausted"))
	}
	return true, nil
}

func (e *Engine) placeSellLeg(ctx context.Context, o *order.Order, name string, leg *order.Leg) error {
	a, err := e.venues.Get(name)
	if err != nil {
		return err
	}
	if !leg.Shares.IsPositive() {
		return errors.New("no shares to sell")
	}

	key, ok := e.catalog.Key(name, o.EventID, o.Outcome)
	if !ok {
		return fmt.Errorf("no catalog entry for %s/%s on %s", o.EventID, o.Outcome, name)
	}
	b, err := e.venueBook(ctx, a, key, o.EventID, o.Outcome, book.Side(o.Side))
	if err != nil {
		return fmt.Errorf("orderbook: %w", err)
	}
	if len(b.Bids) == 0 || !b.Bids[0].Price.IsPositive() {
		return venue.ErrInsufficientLiquidity
	}
	bid := b.Bids[0].Price
	if leg.Shares.Mul(bid).LessThan(a.MinOrderValue()) {
		return fmt.Errorf("%w: %s shares at %s on %s", venue.ErrBelowMinimum, leg.Shares, bid, name)
	}

	// Snapshot before placing: settlement is detected as a strict balance
	// increase over this value.
	before, err := a.StablecoinBalance(ctx, a.Custody())
	if err != nil {
		return fmt.Errorf("custody balance: %w", err)
	}
	leg.BalanceBefore = before.String()

	res, err := a.PlaceOrder(ctx, venue.PlaceRequest{
		TokenID:  legToken(o, leg),
		MarketID: leg.MarketID,
		Amount:   leg.Shares,
		Price:    bid,
		Side:     book.DirectionSell,
	})
	if err != nil {
		return err
	}
	leg.OrderID = res.OrderID
	leg.OrderStatus = res.Status
	leg.AvgPrice = res.Price
	if id, ok := res.Params["token_id"].(string); ok && leg.TokenID == "" {
		leg.TokenID = id
	}
	return nil
}

// settleSell waits for each leg's sale proceeds to land in custody.
func (e *Engine) settleSell(ctx context.Context, o *order.Order) (bool, error) {
	pending := 0
	for name, leg := range o.Platforms {
		if leg.Proceeds.IsPositive() {
			continue
		}
		a, err := e.venues.Get(name)
		if err != nil {
			pending++
			continue
		}
		e.refreshLegStatus(ctx, a, leg)
		balance, err := a.StablecoinBalance(ctx, a.Custody())
		if err != nil {
			pending++
			continue
		}
		before, ok := new(big.Int).SetString(leg.BalanceBefore, 10)
		if !ok {
			before = big.NewInt(0)
		}
		if balance.Cmp(before) <= 0 {
			pending++
			continue
		}
		diff := new(big.Int).Sub(balance, before)
		leg.Proceeds = decimal.NewFromBigInt(diff, 0).Shift(-a.Decimals()).RoundFloor(2)
		log.Info().
			Str("order_id", o.ID).
			Str("venue", name).
			Str("proceeds", leg.Proceeds.String()).
			Msg("sale settled")
	}
	if pending == 0 {
		o.Status = order.StatusSellSettled
		o.Error = ""
		return true, nil
	}
	o.SettleChecks++
	if o.SettleChecks >= order.MaxSettleChecks {
		o.Fail(order.StatusTradeFailed, errors.New("settlement timeout"))
	}
	return true, nil
}

// returnSellProceeds delivers each leg's proceeds back to the user: a
// bridge for cross-chain amounts worth bridging, a direct transfer on the
// venue chain otherwise. Custodial venues first hop the funds from the
// smart wallet to the relayer, which holds the bridge allowances.
func (e *Engine) returnSellProceeds(ctx context.Context, o *order.Order) (bool, error) {
	failed := 0
	bridging := 0
	tooSmall := false
	for name, leg := range o.Platforms {
		if leg.Delivery != "" {
			continue
		}
		if leg.BridgeBackTx != "" {
			bridging++
			continue
		}
		if !leg.Proceeds.IsPositive() {
			leg.Delivery = order.DeliveryDirect
			continue
		}
		a, err := e.venues.Get(name)
		if err != nil {
			failed++
			continue
		}
		rt, err := e.relay.Chain(a.ChainID())
		if err != nil {
			failed++
			continue
		}
		amount := rt.ToBaseUnits(leg.Proceeds)

		if a.CustodialShares() && leg.TransferTx == "" {
			tx, err := a.TransferStableToUser(ctx, e.relay.Signer().Address(), amount)
			if err != nil {
				leg.Error = err.Error()
				metrics.VenueErrors.WithLabelValues(name, "withdraw").Inc()
				failed++
				continue
			}
			leg.TransferTx = tx
		}

		tx, bridged, err := e.relay.ReturnProceeds(ctx, a.ChainID(), o.ToChain, amount, common.HexToAddress(o.UserWallet))
		if err != nil {
			leg.Error = err.Error()
			if errors.Is(err, relay.ErrBridgeTooSmall) {
				tooSmall = true
			}
			metrics.BridgeTransfers.WithLabelValues("return_failed").Inc()
			log.Warn().Err(err).
				Str("order_id", o.ID).
				Str("venue", name).
				Msg("proceeds return failed")
			failed++
			continue
		}
		leg.Error = ""
		if bridged {
			leg.BridgeBackTx = tx
			bridging++
			continue
		}
		leg.TransferTx = tx
		leg.Delivery = order.DeliveryDirect
	}
	switch {
	case tooSmall:
		// Retrying cannot make the amount bridgeable.
		o.BridgeRetries = order.MaxBridgeRetries
		o.Fail(order.StatusBridgeFailed, relay.ErrBridgeTooSmall)
	case failed > 0:
		o.Status = order.StatusBridgeFailed
		o.BridgeRetries++
		if o.BridgeRetries >= order.MaxBridgeRetries {
			o.Fail(order.StatusBridgeFailed, errors.New("bridge retries exhausted"))
		}
	case bridging > 0:
		o.Status = order.StatusBridgingBack
	default:
		o.Status = order.StatusCompleted
		o.Error = ""
	}
	return true, nil
}

// checkSellBridges polls the bridge-back transfers. A failed transfer
// clears its hash so the retry path can re-quote it.
func (e *Engine) checkSellBridges(ctx context.Context, o *order.Order) (bool, error) {
	pending := 0
	failed := 0
	for name, leg := range o.Platforms {
		if leg.Delivery != "" || leg.BridgeBackTx == "" {
			continue
		}
		status, err := e.relay.BridgeStatus(ctx, leg.BridgeBackTx)
		if err != nil {
			log.Warn().Err(err).
				Str("order_id", o.ID).
				Str("venue", name).
				Msg("bridge status check failed")
			pending++
			continue
		}
		switch status.Status {
		case bridge.StatusDone:
			leg.Delivery = order.DeliveryBridgedBack
			if status.Receiving.TxHash != "" {
				o.ReceivingTx = status.Receiving.TxHash
				o.ReceivingChain = status.Receiving.ChainID
			}
			metrics.BridgeTransfers.WithLabelValues("done").Inc()
		case bridge.StatusFailed:
			leg.BridgeBackTx = ""
			metrics.BridgeTransfers.WithLabelValues("failed").Inc()
			failed++
		default:
			pending++
		}
	}
	switch {
	case failed > 0:
		o.Status = order.StatusBridgeFailed
		o.BridgeRetries++
		if o.BridgeRetries >= order.MaxBridgeRetries {
			o.Fail(order.StatusBridgeFailed, errors.New("bridge retries exhausted"))
		}
	case pending == 0:
		o.Status = order.StatusCompleted
		o.Error = ""
	}
	return true, nil
}
