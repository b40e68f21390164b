package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/premarket-labs/router/internal/book"
	"github.com/premarket-labs/router/internal/chain"
)

const (
	polyName          = "polymarket"
	polyDomainName    = "Polymarket CTF Exchange"
	polyDomainVersion = "1"
	polyAuthMessage   = "This message attests that I control the given wallet"
)

// CLOB auth uses its own chain-less EIP-712 domain.
var (
	clobAuthDomainTypehash = crypto.Keccak256Hash(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	clobAuthTypehash = crypto.Keccak256Hash(
		[]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"),
	)
)

// PolymarketConfig configures the polymarket adapter.
type PolymarketConfig struct {
	APIURL           string
	Client           *chain.Client
	Signer           *chain.Signer
	Stablecoin       common.Address
	ConditionalToken common.Address
	Exchange         common.Address
	NegRiskExchange  common.Address
	MinOrderValue    decimal.Decimal
	RateLimitRPS     float64
}

type polyCreds struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Polymarket trades on the Polygon CLOB with the custody EOA directly.
type Polymarket struct {
	onchain
	api             *apiClient
	exchange        common.Address
	negRiskExchange common.Address
	minOrder        decimal.Decimal

	authMu sync.Mutex
	creds  *polyCreds
}

// NewPolymarket creates the adapter, filling config defaults.
func NewPolymarket(cfg PolymarketConfig) *Polymarket {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://clob.polymarket.com"
	}
	if cfg.MinOrderValue.IsZero() {
		cfg.MinOrderValue = decimal.NewFromInt(1)
	}
	return &Polymarket{
		onchain: onchain{
			client:  cfg.Client,
			signer:  cfg.Signer,
			custody: cfg.Signer.Address(),
			stable:  cfg.Stablecoin,
			ctf:     cfg.ConditionalToken,
		},
		api:             newAPIClient(polyName, cfg.APIURL, cfg.RateLimitRPS, 0),
		exchange:        cfg.Exchange,
		negRiskExchange: cfg.NegRiskExchange,
		minOrder:        cfg.MinOrderValue,
	}
}

func (p *Polymarket) Name() string                  { return polyName }
func (p *Polymarket) ChainID() int64                { return p.client.ChainID() }
func (p *Polymarket) Decimals() int32               { return 6 }
func (p *Polymarket) MinOrderValue() decimal.Decimal { return p.minOrder }

// Authenticate derives L2 API credentials from an L1 wallet signature.
func (p *Polymarket) Authenticate(ctx context.Context) error {
	p.authMu.Lock()
	defer p.authMu.Unlock()
	if p.creds != nil {
		return nil
	}
	headers, err := p.l1Headers()
	if err != nil {
		return err
	}
	var creds polyCreds
	resp, err := p.api.do(ctx, http.MethodGet, "/auth/derive-api-key", nil, headers)
	if err != nil {
		return err
	}
	if resp.status >= 400 {
		// No existing key for this wallet, create one.
		resp, err = p.api.do(ctx, http.MethodPost, "/auth/api-key", nil, headers)
		if err != nil {
			return err
		}
		if resp.status >= 400 {
			return fmt.Errorf("%w: api key creation: status %d", ErrUpstreamRejected, resp.status)
		}
	}
	if err := json.Unmarshal(resp.body, &creds); err != nil {
		return fmt.Errorf("decode api creds: %w", err)
	}
	p.creds = &creds
	log.Info().Str("venue", polyName).Str("address", p.custody.Hex()).Msg("clob credentials derived")
	return nil
}

func (p *Polymarket) l1Headers() (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	structHash := crypto.Keccak256Hash(
		clobAuthTypehash.Bytes(),
		common.LeftPadBytes(p.custody.Bytes(), 32),
		crypto.Keccak256([]byte(ts)),
		common.LeftPadBytes(big.NewInt(0).Bytes(), 32),
		crypto.Keccak256([]byte(polyAuthMessage)),
	)
	domain := crypto.Keccak256Hash(
		clobAuthDomainTypehash.Bytes(),
		crypto.Keccak256([]byte("ClobAuthDomain")),
		crypto.Keccak256([]byte("1")),
		common.LeftPadBytes(big.NewInt(p.client.ChainID()).Bytes(), 32),
	)
	sig, err := p.signer.SignHash(chain.TypedDataHash(domain, structHash))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"POLY_ADDRESS":   p.custody.Hex(),
		"POLY_SIGNATURE": "0x" + common.Bytes2Hex(sig),
		"POLY_TIMESTAMP": ts,
		"POLY_NONCE":     "0",
	}, nil
}

// l2Headers signs a request with the derived HMAC credentials.
func (p *Polymarket) l2Headers(method, path, body string) (map[string]string, error) {
	if p.creds == nil {
		return nil, fmt.Errorf("%w: not authenticated", ErrNotConfigured)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	secret, err := base64.URLEncoding.DecodeString(p.creds.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode api secret: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + method + path + body))
	return map[string]string{
		"POLY_ADDRESS":    p.custody.Hex(),
		"POLY_SIGNATURE":  base64.URLEncoding.EncodeToString(mac.Sum(nil)),
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    p.creds.APIKey,
		"POLY_PASSPHRASE": p.creds.Passphrase,
	}, nil
}

type polyBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Orderbook fetches the CLOB book for a token, sorted bids descending and
// asks ascending.
func (p *Polymarket) Orderbook(ctx context.Context, tokenID string) (*Orderbook, error) {
	var raw struct {
		Bids []polyBookLevel `json:"bids"`
		Asks []polyBookLevel `json:"asks"`
	}
	if err := p.api.getJSON(ctx, "/book?token_id="+tokenID, &raw); err != nil {
		return nil, err
	}
	ob := &Orderbook{Bids: parseLevels(raw.Bids), Asks: parseLevels(raw.Asks)}
	sortBook(ob)
	return ob, nil
}

func parseLevels(raw []polyBookLevel) []book.Level {
	levels := make([]book.Level, 0, len(raw))
	for _, l := range raw {
		price, err1 := decimal.NewFromString(l.Price)
		size, err2 := decimal.NewFromString(l.Size)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, book.Level{Price: price, Size: size})
	}
	return levels
}

func sortBook(ob *Orderbook) {
	sort.SliceStable(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price.GreaterThan(ob.Bids[j].Price) })
	sort.SliceStable(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price.LessThan(ob.Asks[j].Price) })
}

// BestOffer returns the top ask for buys or top bid for sells, zero when
// the side is empty.
func (p *Polymarket) BestOffer(ctx context.Context, tokenID string, side book.Direction) (Offer, error) {
	ob, err := p.Orderbook(ctx, tokenID)
	if err != nil {
		return Offer{}, err
	}
	return bestOffer(ob, side), nil
}

func bestOffer(ob *Orderbook, side book.Direction) Offer {
	if side == book.DirectionBuy {
		if len(ob.Asks) > 0 {
			return Offer{Price: ob.Asks[0].Price, Size: ob.Asks[0].Size}
		}
	} else if len(ob.Bids) > 0 {
		return Offer{Price: ob.Bids[0].Price, Size: ob.Bids[0].Size}
	}
	return Offer{Price: decimal.Zero, Size: decimal.Zero}
}

// negRisk reports whether the token belongs to a neg-risk market, which
// routes through the alternate exchange deployment.
func (p *Polymarket) negRisk(ctx context.Context, tokenID string) (bool, error) {
	var resp struct {
		NegRisk bool `json:"neg_risk"`
	}
	if err := p.api.getJSON(ctx, "/neg-risk?token_id="+tokenID, &resp); err != nil {
		return false, err
	}
	return resp.NegRisk, nil
}

// PlaceOrder submits a fill-or-kill market order. Buys spend Amount of
// stablecoin; sells dispose of Amount shares. Amounts are floored to cents
// so the signed order never exceeds the available balance.
func (p *Polymarket) PlaceOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	if err := p.Authenticate(ctx); err != nil {
		return nil, err
	}
	if req.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: no price for token %s", ErrInsufficientLiquidity, req.TokenID)
	}

	negRisk, err := p.negRisk(ctx, req.TokenID)
	if err != nil {
		log.Warn().Err(err).Str("token", req.TokenID).Msg("neg-risk lookup failed, assuming regular")
	}
	exchange := p.exchange
	if negRisk {
		exchange = p.negRiskExchange
	}

	var makerAmount, takerAmount *big.Int
	var side uint8
	var sideName string
	if req.Side == book.DirectionBuy {
		spend := req.Amount.RoundFloor(2)
		if spend.LessThan(p.minOrder) {
			return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, spend, p.minOrder)
		}
		shares := spend.Div(req.Price).RoundFloor(2)
		makerAmount = spend.Shift(6).BigInt()
		takerAmount = shares.Shift(6).BigInt()
		side, sideName = 0, "BUY"
	} else {
		shares := req.Amount.RoundFloor(2)
		proceeds := shares.Mul(req.Price).RoundFloor(2)
		makerAmount = shares.Shift(6).BigInt()
		takerAmount = proceeds.Shift(6).BigInt()
		side, sideName = 1, "SELL"
	}

	tokenID, err := parseTokenID(req.TokenID)
	if err != nil {
		return nil, err
	}
	order := &chain.ExchangeOrder{
		Salt:          big.NewInt(rand.Int63n(1<<32-1) + 1),
		Maker:         p.custody,
		Signer:        p.custody,
		TokenID:       tokenID,
		MakerAmount:   makerAmount,
		TakerAmount:   takerAmount,
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(0),
		Side:          side,
		SignatureType: 0,
	}
	sig, err := chain.SignExchangeOrder(p.signer, order, polyDomainName, polyDomainVersion, p.client.ChainID(), exchange)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	payload := map[string]any{
		"order": map[string]any{
			"salt":          order.Salt.Int64(),
			"maker":         p.custody.Hex(),
			"signer":        p.custody.Hex(),
			"taker":         common.Address{}.Hex(),
			"tokenId":       req.TokenID,
			"makerAmount":   makerAmount.String(),
			"takerAmount":   takerAmount.String(),
			"expiration":    "0",
			"nonce":         "0",
			"feeRateBps":    "0",
			"side":          sideName,
			"signatureType": 0,
			"signature":     "0x" + common.Bytes2Hex(sig),
		},
		"owner":     p.creds.APIKey,
		"orderType": "FOK",
	}
	body, _ := json.Marshal(payload)
	headers, err := p.l2Headers(http.MethodPost, "/order", string(body))
	if err != nil {
		return nil, err
	}
	resp, err := p.api.do(ctx, http.MethodPost, "/order", payload, headers)
	if err != nil {
		return nil, err
	}
	var ack struct {
		OrderID  string `json:"orderID"`
		OrderId  string `json:"orderId"`
		Status   string `json:"status"`
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(resp.body, &ack); err != nil {
		return nil, fmt.Errorf("decode order ack: %w", err)
	}
	if resp.status >= 400 || (!ack.Success && ack.ErrorMsg != "") {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamRejected, ack.ErrorMsg)
	}
	orderID := ack.OrderID
	if orderID == "" {
		orderID = ack.OrderId
	}
	log.Info().
		Str("venue", polyName).
		Str("order_id", orderID).
		Str("side", sideName).
		Str("status", ack.Status).
		Bool("neg_risk", negRisk).
		Msg("order placed")
	return &PlaceResult{
		OrderID: orderID,
		Status:  normalizePolyStatus(ack.Status),
		Price:   req.Price,
		Side:    sideName,
		Params: map[string]any{
			"salt":         order.Salt.Int64(),
			"maker_amount": makerAmount.String(),
			"taker_amount": takerAmount.String(),
			"neg_risk":     negRisk,
			"exchange":     exchange.Hex(),
		},
	}, nil
}

// GetOrder fetches the order's fill state from the data API.
func (p *Polymarket) GetOrder(ctx context.Context, orderID, tokenID string) (*OrderState, error) {
	if err := p.Authenticate(ctx); err != nil {
		return nil, err
	}
	path := "/data/order/" + orderID
	headers, err := p.l2Headers(http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}
	resp, err := p.api.do(ctx, http.MethodGet, path, nil, headers)
	if err != nil {
		return nil, err
	}
	if resp.status >= 400 {
		return nil, fmt.Errorf("%w: order %s: status %d", ErrUpstreamRejected, orderID, resp.status)
	}
	var raw struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		OriginalSize string `json:"original_size"`
		SizeMatched  string `json:"size_matched"`
		Side         string `json:"side"`
		Price        string `json:"price"`
	}
	if err := json.Unmarshal(resp.body, &raw); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	original, _ := decimal.NewFromString(raw.OriginalSize)
	matched, _ := decimal.NewFromString(raw.SizeMatched)
	price, _ := decimal.NewFromString(raw.Price)
	return &OrderState{
		OrderID:      raw.ID,
		Status:       normalizePolyStatus(raw.Status),
		Original:     original.Shift(6).BigInt(),
		FilledAmount: matched.Shift(6).BigInt(),
		Remaining:    original.Sub(matched).Shift(6).BigInt(),
		Side:         raw.Side,
		Price:        price,
	}, nil
}

func normalizePolyStatus(status string) string {
	switch status {
	case "matched", "MATCHED":
		return StatusMatched
	case "live", "LIVE", "delayed", "DELAYED":
		return StatusOpen
	case "canceled", "CANCELED", "unmatched", "UNMATCHED":
		return StatusCancelled
	case "":
		return StatusUnknown
	default:
		return StatusUnknown
	}
}

// SetupApprovals grants both exchange deployments unlimited stablecoin
// allowance and conditional-token operator rights from the custody EOA.
func (p *Polymarket) SetupApprovals(ctx context.Context) (map[string]string, error) {
	results := make(map[string]string)
	for name, exchange := range map[string]common.Address{
		"exchange":          p.exchange,
		"neg_risk_exchange": p.negRiskExchange,
	} {
		allowance, err := p.client.ERC20Allowance(ctx, p.stable, p.custody, exchange)
		if err != nil {
			return results, err
		}
		if allowance.Cmp(big.NewInt(1e12)) < 0 {
			hash, err := p.client.ERC20Approve(ctx, p.signer, p.stable, exchange, maxUint256, gasApprove)
			if err != nil {
				return results, fmt.Errorf("approve stable for %s: %w", name, err)
			}
			results["stable_"+name] = hash.Hex()
		}
		approved, err := p.client.ERC1155IsApprovedForAll(ctx, p.ctf, p.custody, exchange)
		if err != nil {
			return results, err
		}
		if !approved {
			hash, err := p.client.ERC1155SetApprovalForAll(ctx, p.signer, p.ctf, exchange, true, gasApprove)
			if err != nil {
				return results, fmt.Errorf("approve shares for %s: %w", name, err)
			}
			results["shares_"+name] = hash.Hex()
		}
	}
	return results, nil
}
