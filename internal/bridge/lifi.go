// Package bridge wraps the LiFi aggregator API: quoting cross-chain
// stablecoin routes and polling transfer status.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Transfer status values returned by the LiFi status API.
const (
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
	StatusPending = "PENDING"
)

// gasFloor replaces LiFi gas estimates below gasFloorThreshold. Quotes
// occasionally underestimate the destination call and revert on-chain.
const (
	gasFloorThreshold = 500000
	gasFloor          = 800000
)

// Config holds LiFi client configuration.
type Config struct {
	BaseURL        string
	Integrator     string
	Slippage       string
	SlippageSell   string
	RequestTimeout time.Duration
	RateLimitRPS   float64
}

// Client provides LiFi API access with rate limiting and circuit breaking.
type Client struct {
	httpClient *http.Client
	baseURL    string
	integrator string
	slippage   string
	sellSlip   string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a LiFi client, filling config defaults.
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://li.quest/v1"
	}
	if config.Integrator == "" {
		config.Integrator = "premarket-router"
	}
	if config.Slippage == "" {
		config.Slippage = "0.50"
	}
	if config.SlippageSell == "" {
		config.SlippageSell = "0.05"
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 15 * time.Second
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 2.0
	}
	return &Client{
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		integrator: config.Integrator,
		slippage:   config.Slippage,
		sellSlip:   config.SlippageSell,
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimitRPS), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "lifi",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// flexUint decodes JSON fields LiFi serves inconsistently: sometimes a hex
// string, sometimes a decimal string, sometimes a bare number.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return fmt.Errorf("parse %q as uint: %w", s, err)
	}
	*f = flexUint(v)
	return nil
}

// TransactionRequest is the calldata half of a quote.
type TransactionRequest struct {
	To       string   `json:"to"`
	Data     string   `json:"data"`
	Value    flexUint `json:"value"`
	GasLimit flexUint `json:"gasLimit"`
}

// Gas returns the quoted gas limit with the floor applied.
func (t *TransactionRequest) Gas() uint64 {
	if uint64(t.GasLimit) < gasFloorThreshold {
		return gasFloor
	}
	return uint64(t.GasLimit)
}

// Quote is a LiFi route quote.
type Quote struct {
	TransactionRequest *TransactionRequest `json:"transactionRequest"`
	Estimate           struct {
		ToAmount    string `json:"toAmount"`
		ToAmountMin string `json:"toAmountMin"`
	} `json:"estimate"`
	Tool string `json:"tool"`
}

// QuoteRequest describes the transfer to quote.
type QuoteRequest struct {
	FromChain   int64
	ToChain     int64
	FromToken   string
	ToToken     string
	FromAmount  *big.Int
	FromAddress string
	ToAddress   string
	// SellBack routes proceeds home and uses the tight slippage bound.
	SellBack bool
}

// GetQuote fetches a route quote. A response without a transactionRequest is
// an upstream rejection and returns an error with the raw body preserved.
func (c *Client) GetQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	slip := c.slippage
	if req.SellBack {
		slip = c.sellSlip
	}
	params := url.Values{
		"fromChain":   {strconv.FormatInt(req.FromChain, 10)},
		"toChain":     {strconv.FormatInt(req.ToChain, 10)},
		"fromToken":   {req.FromToken},
		"toToken":     {req.ToToken},
		"fromAmount":  {req.FromAmount.String()},
		"fromAddress": {req.FromAddress},
		"toAddress":   {req.ToAddress},
		"slippage":    {slip},
		"integrator":  {c.integrator},
	}
	body, err := c.get(ctx, "/quote", params)
	if err != nil {
		return nil, err
	}
	var quote Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("decode lifi quote: %w", err)
	}
	if quote.TransactionRequest == nil {
		raw := string(body)
		if len(raw) > 500 {
			raw = raw[:500]
		}
		return nil, fmt.Errorf("lifi quote %d->%d rejected: %s", req.FromChain, req.ToChain, raw)
	}
	log.Debug().
		Int64("from_chain", req.FromChain).
		Int64("to_chain", req.ToChain).
		Str("tool", quote.Tool).
		Str("amount", req.FromAmount.String()).
		Msg("lifi quote obtained")
	return &quote, nil
}

// TransferStatus is the state of one transfer as reported by the status
// API. Receiving is populated once the destination-chain payout exists.
type TransferStatus struct {
	Status    string
	Receiving struct {
		TxHash  string
		ChainID int64
	}
}

// GetStatus returns the transfer status for a source-chain tx hash. Unknown
// or in-flight transfers report StatusPending.
func (c *Client) GetStatus(ctx context.Context, txHash string) (*TransferStatus, error) {
	body, err := c.get(ctx, "/status", url.Values{"txHash": {txHash}})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Status    string `json:"status"`
		Receiving struct {
			TxHash  string   `json:"txHash"`
			ChainID flexUint `json:"chainId"`
		} `json:"receiving"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode lifi status: %w", err)
	}
	st := &TransferStatus{Status: StatusPending}
	switch resp.Status {
	case StatusDone, StatusFailed:
		st.Status = resp.Status
	}
	st.Receiving.TxHash = resp.Receiving.TxHash
	st.Receiving.ChainID = int64(resp.Receiving.ChainID)
	return st, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("lifi %s: %w", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("lifi %s read: %w", path, err)
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("lifi %s: upstream %d", path, resp.StatusCode)
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}
