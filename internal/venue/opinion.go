package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand"
	"net/http"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/premarket-labs/router/internal/book"
	"github.com/premarket-labs/router/internal/chain"
)

const (
	opinionName          = "opinion"
	opinionDomainName    = "Opinion CTF Exchange"
	opinionDomainVersion = "1"
)

// OpinionConfig configures the opinion adapter.
type OpinionConfig struct {
	APIURL           string
	APIKey           string
	Client           *chain.Client
	Signer           *chain.Signer // main EOA: pays gas, holds transferFrom allowances
	OwnerSigner      *chain.Signer // smart-wallet owner: signs orders and Safe executions
	SmartWallet      common.Address
	Stablecoin       common.Address
	ConditionalToken common.Address
	Exchange         common.Address
	MinOrderValue    decimal.Decimal
	RateLimitRPS     float64
}

// Opinion trades on BSC through a Safe-style smart wallet. The wallet holds
// positions and stablecoin; orders are signed by the wallet's owner EOA and
// routine transfers run off allowances the wallet granted the main EOA, so
// only setup operations need a full Safe execution.
type Opinion struct {
	onchain
	api      *apiClient
	owner    *chain.Signer
	exchange common.Address
	minOrder decimal.Decimal
}

// NewOpinion creates the adapter, filling config defaults.
func NewOpinion(cfg OpinionConfig) *Opinion {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://openapi.opinion.trade/openapi"
	}
	if cfg.MinOrderValue.IsZero() {
		cfg.MinOrderValue = decimal.NewFromFloat(1.30)
	}
	o := &Opinion{
		onchain: onchain{
			client:  cfg.Client,
			signer:  cfg.Signer,
			custody: cfg.SmartWallet,
			stable:  cfg.Stablecoin,
			ctf:     cfg.ConditionalToken,
		},
		api:      newAPIClient(opinionName, cfg.APIURL, cfg.RateLimitRPS, 0),
		owner:    cfg.OwnerSigner,
		exchange: cfg.Exchange,
		minOrder: cfg.MinOrderValue,
	}
	o.api.setHeader("apikey", cfg.APIKey)
	return o
}

func (o *Opinion) Name() string                   { return opinionName }
func (o *Opinion) ChainID() int64                 { return o.client.ChainID() }
func (o *Opinion) Decimals() int32                { return 18 }
func (o *Opinion) MinOrderValue() decimal.Decimal { return o.minOrder }

// CustodialShares is on: positions live on the Safe smart wallet and stay
// there, a sell trades them out of custody directly.
func (o *Opinion) CustodialShares() bool { return true }

// Authenticate verifies the API key by probing the orderbook endpoint.
// Opinion auth is a static key, there is no session to establish.
func (o *Opinion) Authenticate(ctx context.Context) error {
	resp, err := o.api.do(ctx, http.MethodGet, "/token/orderbook", nil, nil)
	if err != nil {
		return err
	}
	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		return fmt.Errorf("%w: api key rejected", ErrUpstreamRejected)
	}
	return nil
}

type opinionEnvelope struct {
	Errno  int             `json:"errno"`
	Errmsg string          `json:"errmsg"`
	Result json.RawMessage `json:"result"`
}

func (o *Opinion) getResult(ctx context.Context, path string, out any) error {
	var env opinionEnvelope
	if err := o.api.getJSON(ctx, path, &env); err != nil {
		return err
	}
	if env.Errno != 0 {
		return fmt.Errorf("%w: errno %d: %s", ErrUpstreamRejected, env.Errno, env.Errmsg)
	}
	return json.Unmarshal(env.Result, out)
}

// Orderbook fetches the book for a token id.
func (o *Opinion) Orderbook(ctx context.Context, tokenID string) (*Orderbook, error) {
	var result struct {
		Bids []struct {
			Price json.Number `json:"price"`
			Size  json.Number `json:"size"`
		} `json:"bids"`
		Asks []struct {
			Price json.Number `json:"price"`
			Size  json.Number `json:"size"`
		} `json:"asks"`
	}
	if err := o.getResult(ctx, "/token/orderbook?token_id="+url.QueryEscape(tokenID), &result); err != nil {
		return nil, err
	}
	ob := &Orderbook{}
	for _, b := range result.Bids {
		if lvl, ok := numberLevel(b.Price, b.Size); ok {
			ob.Bids = append(ob.Bids, lvl)
		}
	}
	for _, a := range result.Asks {
		if lvl, ok := numberLevel(a.Price, a.Size); ok {
			ob.Asks = append(ob.Asks, lvl)
		}
	}
	sortBook(ob)
	return ob, nil
}

func numberLevel(price, size json.Number) (book.Level, bool) {
	p, err1 := decimal.NewFromString(price.String())
	s, err2 := decimal.NewFromString(size.String())
	if err1 != nil || err2 != nil {
		return book.Level{}, false
	}
	return book.Level{Price: p, Size: s}, true
}

// BestOffer returns the top of the named side.
func (o *Opinion) BestOffer(ctx context.Context, tokenID string, side book.Direction) (Offer, error) {
	ob, err := o.Orderbook(ctx, tokenID)
	if err != nil {
		return Offer{}, err
	}
	return bestOffer(ob, side), nil
}

// PlaceOrder submits a limit order at the routed price. The smart wallet is
// the maker; the owner EOA signs with the contract-wallet signature type.
func (o *Opinion) PlaceOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	if req.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: no price for token %s", ErrInsufficientLiquidity, req.TokenID)
	}
	var makerAmount *big.Int
	var side uint8
	var sideName, amountField string
	var amount decimal.Decimal
	if req.Side == book.DirectionBuy {
		amount = req.Amount.RoundFloor(2)
		if amount.LessThan(o.minOrder) {
			return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, o.minOrder)
		}
		makerAmount = amount.Shift(18).BigInt()
		side, sideName, amountField = 0, "BUY", "makerAmountInQuoteToken"
	} else {
		amount = req.Amount.RoundFloor(2)
		makerAmount = amount.Shift(18).BigInt()
		side, sideName, amountField = 1, "SELL", "makerAmountInBaseToken"
	}

	id, err := parseTokenID(req.TokenID)
	if err != nil {
		return nil, err
	}
	takerShares := amount.Div(req.Price).RoundFloor(2)
	if req.Side == book.DirectionSell {
		takerShares = amount.Mul(req.Price).RoundFloor(2)
	}
	order := &chain.ExchangeOrder{
		Salt:          big.NewInt(rand.Int63n(1<<32-1) + 1),
		Maker:         o.custody,
		Signer:        o.owner.Address(),
		TokenID:       id,
		MakerAmount:   makerAmount,
		TakerAmount:   takerShares.Shift(18).BigInt(),
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(0),
		Side:          side,
		SignatureType: 2, // contract wallet
	}
	sig, err := chain.SignExchangeOrder(o.owner, order, opinionDomainName, opinionDomainVersion, o.client.ChainID(), o.exchange)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	payload := map[string]any{
		"marketId":  req.MarketID,
		"tokenId":   req.TokenID,
		"price":     req.Price.String(),
		"side":      side,
		"orderType": "LIMIT",
		amountField: amount.String(),
		"order": map[string]any{
			"salt":          order.Salt.Int64(),
			"maker":         o.custody.Hex(),
			"signer":        o.owner.Address().Hex(),
			"taker":         common.Address{}.Hex(),
			"tokenId":       req.TokenID,
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    "0",
			"nonce":         "0",
			"feeRateBps":    "0",
			"side":          side,
			"signatureType": 2,
			"signature":     "0x" + common.Bytes2Hex(sig),
		},
	}
	var env opinionEnvelope
	if err := o.api.postJSON(ctx, "/order", payload, &env); err != nil {
		return nil, err
	}
	if env.Errno != 0 {
		return nil, fmt.Errorf("%w: errno %d: %s", ErrUpstreamRejected, env.Errno, env.Errmsg)
	}
	var result struct {
		OrderData struct {
			OrderID string      `json:"order_id"`
			Status  int         `json:"status"`
			Price   json.Number `json:"price"`
			Outcome string      `json:"outcome"`
		} `json:"order_data"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("decode order ack: %w", err)
	}
	status := StatusNew
	if result.OrderData.Status == 2 {
		status = StatusFilled
	}
	log.Info().
		Str("venue", opinionName).
		Str("order_id", result.OrderData.OrderID).
		Str("side", sideName).
		Str("status", status).
		Msg("order placed")
	return &PlaceResult{
		OrderID: result.OrderData.OrderID,
		Status:  status,
		Price:   req.Price,
		Side:    sideName,
		Params: map[string]any{
			"salt":         order.Salt.Int64(),
			"maker_amount": order.MakerAmount.String(),
			"taker_amount": order.TakerAmount.String(),
			"outcome":      result.OrderData.Outcome,
		},
	}, nil
}

// GetOrder fetches order state. Amounts scale by the 18-decimal stablecoin.
func (o *Opinion) GetOrder(ctx context.Context, orderID, tokenID string) (*OrderState, error) {
	var result struct {
		OrderData struct {
			Status       int         `json:"status"`
			OrderAmount  json.Number `json:"order_amount"`
			FilledAmount json.Number `json:"filled_amount"`
			FilledShares json.Number `json:"filled_shares"`
			SideEnum     string      `json:"side_enum"`
			Price        json.Number `json:"price"`
		} `json:"order_data"`
	}
	if err := o.getResult(ctx, "/order/"+url.PathEscape(orderID), &result); err != nil {
		return nil, err
	}
	od := result.OrderData
	original := scale18(od.OrderAmount)
	filled := scale18(od.FilledAmount)
	price, _ := decimal.NewFromString(od.Price.String())
	return &OrderState{
		OrderID:      orderID,
		Status:       normalizeOpinionStatus(od.Status),
		Original:     original,
		FilledAmount: filled,
		FilledShares: scale18(od.FilledShares),
		Remaining:    new(big.Int).Sub(original, filled),
		Side:         od.SideEnum,
		Price:        price,
	}, nil
}

func scale18(n json.Number) *big.Int {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return big.NewInt(0)
	}
	return d.Shift(18).BigInt()
}

func normalizeOpinionStatus(status int) string {
	switch status {
	case 1:
		return StatusOpen
	case 2:
		return StatusFilled
	case 3:
		return StatusCancelled
	case 4:
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// SetupApprovals has the smart wallet grant the main EOA unlimited transfer
// rights over stablecoin and shares. Each grant is one Safe execution signed
// by the owner; afterwards routine custody moves are plain transferFroms.
func (o *Opinion) SetupApprovals(ctx context.Context) (map[string]string, error) {
	results := make(map[string]string)
	hash, err := o.client.SafeApproveERC20(ctx, o.owner, o.custody, o.stable, o.signer.Address(), maxUint256)
	if err != nil {
		return results, fmt.Errorf("safe approve stable: %w", err)
	}
	results["stable"] = hash.Hex()

	inner, err := chain.PackSetApprovalForAll(o.signer.Address(), true)
	if err != nil {
		return results, err
	}
	hash, err = o.client.SafeExec(ctx, o.owner, o.custody, o.ctf, nil, inner, 300000)
	if err != nil {
		return results, fmt.Errorf("safe approve shares: %w", err)
	}
	results["shares"] = hash.Hex()
	return results, nil
}
