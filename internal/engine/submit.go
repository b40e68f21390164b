package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/premarket-labs/router/internal/book"
	"github.com/premarket-labs/router/internal/metrics"
	"github.com/premarket-labs/router/internal/order"
	"github.com/premarket-labs/router/internal/route"
)

// sendTimeout bounds the pull-and-bridge phase of a submission.
const sendTimeout = 10 * time.Minute

// newOrderID returns a short opaque order id, the first uuid segment.
func newOrderID() string { return uuid.NewString()[:8] }

// BuyRequest is a routed buy submission.
type BuyRequest struct {
	UserWallet string
	FromChain  int64
	EventID    string
	Outcome    string
	Side       string
	Budget     decimal.Decimal
}

// SellRequest unwinds a filled buy. Amount optionally sells only part of
// the position, split across legs pro rata; ToChain optionally redirects
// proceeds somewhere other than the buy's source chain.
type SellRequest struct {
	BuyID      string
	UserWallet string
	Amount     decimal.Decimal
	ToChain    int64
}

// SubmitBuy routes the budget across venues, records the order and runs
// the on-chain pull and bridge fan-out before returning. Only the routable
// portion of the budget is pulled; anything unfilled stays with the user.
func (e *Engine) SubmitBuy(ctx context.Context, req BuyRequest) (*order.Order, *route.Route, error) {
	if req.Side == "" {
		req.Side = string(book.SideYes)
	}
	if req.Side != string(book.SideYes) && req.Side != string(book.SideNo) {
		return nil, nil, fmt.Errorf("invalid side %q", req.Side)
	}
	if !common.IsHexAddress(req.UserWallet) {
		return nil, nil, fmt.Errorf("invalid user wallet %q", req.UserWallet)
	}
	rt, err := e.relay.Chain(req.FromChain)
	if err != nil {
		return nil, nil, err
	}

	books, venueErrs := e.CollectBooks(ctx, req.EventID, req.Outcome, book.Side(req.Side))
	r, err := route.FindOptimalRoute(books, req.Budget, book.DirectionBuy)
	if err != nil {
		return nil, nil, err
	}
	r.AdapterErrors = venueErrs
	if !r.TotalSpent.IsPositive() {
		return nil, nil, route.ErrNoLiquidity
	}

	// No funds move unless the user can cover the routed amount.
	balance, err := rt.Client.ERC20BalanceOf(ctx, rt.Stablecoin, common.HexToAddress(req.UserWallet))
	if err != nil {
		return nil, nil, fmt.Errorf("user balance: %w", err)
	}
	if have := rt.FromBaseUnits(balance); have.LessThan(r.TotalSpent) {
		return nil, nil, fmt.Errorf("insufficient balance: %s available, %s required", have, r.TotalSpent)
	}

	now := time.Now().UTC()
	o := &order.Order{
		ID:         newOrderID(),
		Type:       order.TypeBuy,
		Status:     order.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		UserWallet: req.UserWallet,
		FromChain:  req.FromChain,
		EventID:    req.EventID,
		Outcome:    req.Outcome,
		Side:       req.Side,
		Budget:     r.TotalSpent,
		Platforms:  make(map[string]*order.Leg),
	}
	for name, split := range r.PerPlatform {
		leg := &order.Leg{
			Spent:    split.Spent,
			Qty:      split.Qty,
			AvgPrice: split.AvgPrice,
		}
		for _, b := range books {
			if b.Venue == name {
				leg.MarketID = b.MarketID
				leg.TokenID = b.TokenID
				break
			}
		}
		o.Platforms[name] = leg
	}
	if err := e.store.Append(o); err != nil {
		return nil, nil, err
	}
	metrics.OrdersCreated.WithLabelValues(string(order.TypeBuy)).Inc()
	log.Info().
		Str("order_id", o.ID).
		Str("event", o.EventID).
		Str("outcome", o.Outcome).
		Str("budget", o.Budget.String()).
		Int("platforms", len(o.Platforms)).
		Msg("buy order accepted")

	e.sendBuy(ctx, o)
	return o, r, nil
}

// sendBuy pulls the budget from the user and fans it out to the venue
// chains, synchronously with the submitting request. Once funds start
// moving the send must not die with the client connection, so only the
// send timeout can interrupt it. Every outcome is persisted through the
// store so a crash resumes cleanly.
func (e *Engine) sendBuy(ctx context.Context, o *order.Order) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	names := make([]string, 0, len(o.Platforms))
	for name := range o.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)

	hash, err := e.relay.PullFunds(ctx, o, names[0])
	if err != nil {
		o.TxHash = hash
		o.Fail(order.StatusFailed, err)
		e.persistOrder(o)
		return
	}
	o.TxHash = hash

	budgets := make(map[int64]decimal.Decimal)
	destinations := make(map[int64]common.Address)
	for name, leg := range o.Platforms {
		a, err := e.venues.Get(name)
		if err != nil {
			o.Fail(order.StatusFailed, err)
			e.persistOrder(o)
			return
		}
		budgets[a.ChainID()] = budgets[a.ChainID()].Add(leg.Spent)
		destinations[a.ChainID()] = a.Custody()
	}
	if err := e.relay.FanOutBridges(ctx, o, budgets, destinations); err != nil {
		o.Fail(order.StatusFailed, err)
		e.persistOrder(o)
		return
	}

	o.Status = order.StatusSent
	if allBridgesDone(o) {
		o.Status = order.StatusBridged
	}
	o.Touch()
	e.persistOrder(o)
	metrics.OrderTransitions.WithLabelValues(string(order.TypeBuy), string(o.Status)).Inc()
}

// SubmitSell records a sell for a filled buy and pulls the user's shares
// before returning. Custodial venues skip the pull, their shares never
// left the custody wallet.
func (e *Engine) SubmitSell(ctx context.Context, req SellRequest) (*order.Order, error) {
	buy, err := e.store.Get(req.BuyID)
	if err != nil {
		return nil, err
	}
	if buy.Type != order.TypeBuy || buy.Status != order.StatusFilled {
		return nil, fmt.Errorf("order %s is not a filled buy", req.BuyID)
	}
	if req.UserWallet != "" && !strings.EqualFold(req.UserWallet, buy.UserWallet) {
		return nil, errors.New("wallet does not own this order")
	}
	existing, err := e.store.All()
	if err != nil {
		return nil, err
	}
	for _, other := range existing {
		if other.Type == order.TypeSell && other.BuyID == buy.ID && !other.Terminal() {
			return nil, fmt.Errorf("sell %s already unwinding this buy", other.ID)
		}
	}

	toChain := buy.FromChain
	if req.ToChain != 0 {
		if _, err := e.relay.Chain(req.ToChain); err != nil {
			return nil, err
		}
		toChain = req.ToChain
	}

	now := time.Now().UTC()
	o := &order.Order{
		ID:         newOrderID(),
		Type:       order.TypeSell,
		Status:     order.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		UserWallet: buy.UserWallet,
		FromChain:  buy.FromChain,
		ToChain:    toChain,
		EventID:    buy.EventID,
		Outcome:    buy.Outcome,
		Side:       buy.Side,
		Platforms:  make(map[string]*order.Leg),
		BuyID:      buy.ID,
	}
	total := decimal.Zero
	for _, bl := range buy.Platforms {
		if bl.Delivery != "" {
			total = total.Add(bl.Shares)
		}
	}
	// Optional partial sell, split pro rata across legs.
	fraction := decimal.NewFromInt(1)
	if req.Amount.IsPositive() && req.Amount.LessThan(total) {
		fraction = req.Amount.Div(total)
	}
	for name, bl := range buy.Platforms {
		if bl.Delivery == "" || !bl.Shares.IsPositive() {
			continue
		}
		o.Platforms[name] = &order.Leg{
			MarketID: bl.MarketID,
			TokenID:  bl.TokenID,
			Shares:   bl.Shares.Mul(fraction).RoundFloor(4),
		}
	}
	if len(o.Platforms) == 0 {
		return nil, errors.New("buy has no delivered shares to sell")
	}
	if err := e.store.Append(o); err != nil {
		return nil, err
	}
	metrics.OrdersCreated.WithLabelValues(string(order.TypeSell)).Inc()
	log.Info().
		Str("order_id", o.ID).
		Str("buy_id", buy.ID).
		Int("platforms", len(o.Platforms)).
		Msg("sell order accepted")

	e.sendSell(ctx, o)
	return o, nil
}

// sendSell pulls shares into custody for every non-custodial leg, shielded
// from client disconnects the same way as sendBuy.
func (e *Engine) sendSell(ctx context.Context, o *order.Order) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	for name, leg := range o.Platforms {
		a, err := e.venues.Get(name)
		if err != nil {
			o.Fail(order.StatusFailed, err)
			e.persistOrder(o)
			return
		}
		if a.CustodialShares() {
			continue
		}
		shares := leg.Shares.Shift(a.Decimals()).BigInt()
		hash, err := e.relay.PullShares(ctx, o, a.ChainID(), a.ConditionalToken(), name, leg.TokenID, shares)
		if err != nil {
			o.Fail(order.StatusFailed, err)
			e.persistOrder(o)
			return
		}
		if o.TxHash == "" {
			o.TxHash = hash
		}
	}
	o.Status = order.StatusSharesPulled
	o.Touch()
	e.persistOrder(o)
	metrics.OrderTransitions.WithLabelValues(string(order.TypeSell), string(order.StatusSharesPulled)).Inc()
}

// persistOrder writes the caller's copy of the order over the stored one.
// Submission owns its order exclusively until it returns, so the overwrite
// cannot clobber concurrent engine progress.
func (e *Engine) persistOrder(o *order.Order) {
	err := e.store.Update(o.ID, func(s *order.Order) error {
		*s = *o
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", o.ID).Msg("persist order")
	}
}

func allBridgesDone(o *order.Order) bool {
	for _, b := range o.Bridges {
		if b.Status != order.BridgeDone {
			return false
		}
	}
	return true
}
