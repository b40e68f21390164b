package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/premarket-labs/router/internal/book"
	"github.com/premarket-labs/router/internal/chain"
)

const (
	limitlessName          = "limitless"
	limitlessDomainName    = "Limitless CTF Exchange"
	limitlessDomainVersion = "1"

	// Share sizes must be whole multiples of 0.001, i.e. 1000 base units.
	limitlessShareStep = 1000
)

// LimitlessConfig configures the limitless adapter.
type LimitlessConfig struct {
	APIURL           string
	APIKey           string
	Client           *chain.Client
	Signer           *chain.Signer
	Stablecoin       common.Address
	ConditionalToken common.Address
	Exchange         common.Address
	MinOrderValue    decimal.Decimal
	FeeRateBps       int64
	RateLimitRPS     float64
}

// Limitless trades on Base with the custody EOA directly. Market ids are
// slugs; the session cookie from login authenticates order submission.
type Limitless struct {
	onchain
	api      *apiClient
	exchange common.Address
	minOrder decimal.Decimal
	feeBps   int64

	authMu  sync.Mutex
	ownerID json.Number
}

// NewLimitless creates the adapter, filling config defaults.
func NewLimitless(cfg LimitlessConfig) *Limitless {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.limitless.exchange"
	}
	if cfg.MinOrderValue.IsZero() {
		cfg.MinOrderValue = decimal.NewFromInt(1)
	}
	if cfg.FeeRateBps == 0 {
		cfg.FeeRateBps = 300
	}
	l := &Limitless{
		onchain: onchain{
			client:  cfg.Client,
			signer:  cfg.Signer,
			custody: cfg.Signer.Address(),
			stable:  cfg.Stablecoin,
			ctf:     cfg.ConditionalToken,
		},
		api:      newAPIClient(limitlessName, cfg.APIURL, cfg.RateLimitRPS, 0),
		exchange: cfg.Exchange,
		minOrder: cfg.MinOrderValue,
		feeBps:   cfg.FeeRateBps,
	}
	if cfg.APIKey != "" {
		l.api.setHeader("x-api-key", cfg.APIKey)
	}
	return l
}

func (l *Limitless) Name() string                   { return limitlessName }
func (l *Limitless) ChainID() int64                 { return l.client.ChainID() }
func (l *Limitless) Decimals() int32                { return 6 }
func (l *Limitless) MinOrderValue() decimal.Decimal { return l.minOrder }

// Authenticate signs the venue's login challenge with the custody EOA. The
// session cookie lands in the client jar; the owner id tags submitted orders.
func (l *Limitless) Authenticate(ctx context.Context) error {
	l.authMu.Lock()
	defer l.authMu.Unlock()
	if l.ownerID != "" {
		return nil
	}
	resp, err := l.api.do(ctx, http.MethodGet, "/auth/signing-message", nil, nil)
	if err != nil {
		return err
	}
	if resp.status >= 400 {
		return fmt.Errorf("%w: signing message: status %d", ErrUpstreamRejected, resp.status)
	}
	message := string(resp.body)
	sig, err := l.signer.SignHash(common.BytesToHash(accounts.TextHash([]byte(message))))
	if err != nil {
		return fmt.Errorf("sign login message: %w", err)
	}
	headers := map[string]string{
		"x-account":         l.custody.Hex(),
		"x-signature":       "0x" + common.Bytes2Hex(sig),
		"x-signing-message": "0x" + common.Bytes2Hex([]byte(message)),
	}
	loginResp, err := l.api.do(ctx, http.MethodPost, "/auth/login", map[string]string{"client": "eoa"}, headers)
	if err != nil {
		return err
	}
	if loginResp.status >= 400 {
		return fmt.Errorf("%w: login: status %d: %s", ErrUpstreamRejected, loginResp.status, truncate(loginResp.body, 200))
	}
	var login struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(loginResp.body, &login); err != nil {
		return fmt.Errorf("decode login: %w", err)
	}
	l.ownerID = login.ID
	log.Info().Str("venue", limitlessName).Str("owner_id", login.ID.String()).Msg("session established")
	return nil
}

type limitlessMarket struct {
	Tokens struct {
		Yes json.Number `json:"yes"`
		No  json.Number `json:"no"`
	} `json:"tokens"`
	Venue struct {
		Exchange string `json:"exchange"`
	} `json:"venue"`
}

// Orderbook fetches the market book. tokenID is the market slug here; raw
// sizes come back in base units and are scaled to shares.
func (l *Limitless) Orderbook(ctx context.Context, tokenID string) (*Orderbook, error) {
	var raw struct {
		Bids []struct {
			Price json.Number `json:"price"`
			Size  json.Number `json:"size"`
		} `json:"bids"`
		Asks []struct {
			Price json.Number `json:"price"`
			Size  json.Number `json:"size"`
		} `json:"asks"`
	}
	if err := l.api.getJSON(ctx, "/markets/"+tokenID+"/orderbook", &raw); err != nil {
		return nil, err
	}
	ob := &Orderbook{}
	for _, b := range raw.Bids {
		if lvl, ok := scaledLevel(b.Price, b.Size); ok {
			ob.Bids = append(ob.Bids, lvl)
		}
	}
	for _, a := range raw.Asks {
		if lvl, ok := scaledLevel(a.Price, a.Size); ok {
			ob.Asks = append(ob.Asks, lvl)
		}
	}
	sortBook(ob)
	return ob, nil
}

func scaledLevel(price, size json.Number) (book.Level, bool) {
	p, err1 := decimal.NewFromString(price.String())
	s, err2 := decimal.NewFromString(size.String())
	if err1 != nil || err2 != nil {
		return book.Level{}, false
	}
	return book.Level{Price: p, Size: s.Shift(-6)}, true
}

// BestOffer returns the top of the named side for a market slug.
func (l *Limitless) BestOffer(ctx context.Context, tokenID string, side book.Direction) (Offer, error) {
	ob, err := l.Orderbook(ctx, tokenID)
	if err != nil {
		return Offer{}, err
	}
	return bestOffer(ob, side), nil
}

// PlaceOrder submits a fill-or-kill order. MarketID carries the slug; the
// market lookup resolves the live token id and exchange deployment. FOK
// orders use a symbolic takerAmount of 1, the exchange sweeps levels until
// the maker amount is exhausted or kills the order.
func (l *Limitless) PlaceOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	if err := l.Authenticate(ctx); err != nil {
		return nil, err
	}
	slug := req.MarketID

	var market limitlessMarket
	if err := l.api.getJSON(ctx, "/markets/"+slug, &market); err != nil {
		return nil, err
	}
	// Token ids are resolved live from the market. Callers pass either the
	// numeric id or just "yes"/"no".
	tokenID := market.Tokens.Yes.String()
	if req.TokenID == "no" || req.TokenID == market.Tokens.No.String() {
		tokenID = market.Tokens.No.String()
	}
	exchange := l.exchange
	if market.Venue.Exchange != "" {
		exchange = common.HexToAddress(market.Venue.Exchange)
	}
	if exchange != l.exchange {
		if err := l.ensureExchangeAllowance(ctx, exchange); err != nil {
			log.Warn().Err(err).Str("exchange", exchange.Hex()).Msg("exchange approval failed")
		}
	}

	var makerAmount *big.Int
	var side uint8
	var sideName string
	if req.Side == book.DirectionBuy {
		spend := req.Amount.RoundFloor(2)
		if spend.LessThan(l.minOrder) {
			return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, spend, l.minOrder)
		}
		makerAmount = spend.Shift(6).BigInt()
		side, sideName = 0, "BUY"
	} else {
		raw := req.Amount.Shift(6).BigInt()
		raw.Div(raw, big.NewInt(limitlessShareStep)).Mul(raw, big.NewInt(limitlessShareStep))
		if raw.Sign() <= 0 {
			return nil, fmt.Errorf("%w: share amount rounds to zero", ErrBelowMinimum)
		}
		makerAmount = raw
		side, sideName = 1, "SELL"
	}
	takerAmount := big.NewInt(1)

	id, err := parseTokenID(tokenID)
	if err != nil {
		return nil, err
	}
	salt := rand.Int63n(1<<32-1) + 1
	order := &chain.ExchangeOrder{
		Salt:          big.NewInt(salt),
		Maker:         l.custody,
		Signer:        l.custody,
		TokenID:       id,
		MakerAmount:   makerAmount,
		TakerAmount:   takerAmount,
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(l.feeBps),
		Side:          side,
		SignatureType: 0,
	}
	sig, err := chain.SignExchangeOrder(l.signer, order, limitlessDomainName, limitlessDomainVersion, l.client.ChainID(), exchange)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	payload := map[string]any{
		"order": map[string]any{
			"salt":          salt,
			"maker":         l.custody.Hex(),
			"signer":        l.custody.Hex(),
			"taker":         common.Address{}.Hex(),
			"tokenId":       tokenID,
			"makerAmount":   makerAmount.Int64(),
			"takerAmount":   takerAmount.Int64(),
			"expiration":    "0",
			"nonce":         0,
			"feeRateBps":    l.feeBps,
			"side":          side,
			"signature":     "0x" + common.Bytes2Hex(sig),
			"signatureType": 0,
		},
		"ownerId":    l.ownerID,
		"orderType":  "FOK",
		"marketSlug": slug,
	}
	var result struct {
		Order struct {
			ID json.Number `json:"id"`
		} `json:"order"`
		MakerMatches []json.RawMessage `json:"makerMatches"`
	}
	if err := l.api.postJSON(ctx, "/orders", payload, &result); err != nil {
		return nil, err
	}
	status := StatusNew
	if len(result.MakerMatches) > 0 {
		status = StatusMatched
	}
	log.Info().
		Str("venue", limitlessName).
		Str("order_id", result.Order.ID.String()).
		Str("side", sideName).
		Str("status", status).
		Str("slug", slug).
		Msg("order placed")
	return &PlaceResult{
		OrderID: result.Order.ID.String(),
		Status:  status,
		Price:   req.Price,
		Side:    sideName,
		Params: map[string]any{
			"salt":         salt,
			"token_id":     tokenID,
			"maker_amount": makerAmount.String(),
			"taker_amount": takerAmount.String(),
			"exchange":     exchange.Hex(),
			"market_slug":  slug,
		},
	}, nil
}

func (l *Limitless) ensureExchangeAllowance(ctx context.Context, exchange common.Address) error {
	allowance, err := l.client.ERC20Allowance(ctx, l.stable, l.custody, exchange)
	if err != nil {
		return err
	}
	if allowance.Sign() > 0 {
		return nil
	}
	_, err = l.client.ERC20Approve(ctx, l.signer, l.stable, exchange, maxUint256, gasApprove)
	return err
}

// GetOrder fetches order status by id.
func (l *Limitless) GetOrder(ctx context.Context, orderID, tokenID string) (*OrderState, error) {
	var raw struct {
		Status string      `json:"status"`
		Side   string      `json:"side"`
		Price  json.Number `json:"price"`
	}
	if err := l.api.getJSON(ctx, "/orders/"+orderID, &raw); err != nil {
		return nil, err
	}
	price, _ := decimal.NewFromString(raw.Price.String())
	zero := big.NewInt(0)
	return &OrderState{
		OrderID:      orderID,
		Status:       normalizeLimitlessStatus(raw.Status),
		Original:     zero,
		FilledAmount: zero,
		Remaining:    zero,
		Side:         raw.Side,
		Price:        price,
	}, nil
}

func normalizeLimitlessStatus(status string) string {
	switch strings.ToUpper(status) {
	case "MATCHED", "FILLED":
		return StatusMatched
	case "NEW", "OPEN", "LIVE":
		return StatusOpen
	case "CANCELLED", "CANCELED":
		return StatusCancelled
	case "EXPIRED":
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// SetupApprovals grants the exchange stablecoin allowance and share
// operator rights from the custody EOA.
func (l *Limitless) SetupApprovals(ctx context.Context) (map[string]string, error) {
	results := make(map[string]string)
	hash, err := l.client.ERC20Approve(ctx, l.signer, l.stable, l.exchange, maxUint256, gasApprove)
	if err != nil {
		return results, fmt.Errorf("approve stable: %w", err)
	}
	results["stable"] = hash.Hex()
	hash, err = l.client.ERC1155SetApprovalForAll(ctx, l.signer, l.ctf, l.exchange, true, gasApprove)
	if err != nil {
		return results, fmt.Errorf("approve shares: %w", err)
	}
	results["shares"] = hash.Hex()
	return results, nil
}
