// Package venue abstracts the prediction-market platforms the router trades
// on. Each adapter speaks one platform's API and chain custody model behind
// a common interface: orderbook reads, FOK/limit order placement, balance
// queries and token movement between users and the custody wallet.
package venue

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/premarket-labs/router/internal/book"
)

// Sentinel errors adapters return so callers can classify upstream failures
// without string matching.
var (
	ErrNotConfigured         = errors.New("venue not configured")
	ErrUpstreamUnavailable   = errors.New("venue upstream unavailable")
	ErrUpstreamRejected      = errors.New("venue rejected request")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrBelowMinimum          = errors.New("order below venue minimum")
)

// Normalized order statuses. Adapters map platform-specific states onto
// these before returning.
const (
	StatusNew       = "NEW"
	StatusOpen      = "OPEN"
	StatusMatched   = "MATCHED"
	StatusFilled    = "FILLED"
	StatusCancelled = "CANCELLED"
	StatusExpired   = "EXPIRED"
	StatusUnknown   = "UNKNOWN"
)

// Filled reports whether a normalized status means the order executed.
func Filled(status string) bool {
	return status == StatusFilled || status == StatusMatched
}

// Dead reports whether a normalized status is terminal without execution.
func Dead(status string) bool {
	return status == StatusCancelled || status == StatusExpired
}

// PlaceRequest describes an order to submit. For buys Amount is stablecoin
// to spend; for sells it is shares to dispose of. Price is the limit price
// in probability units.
type PlaceRequest struct {
	TokenID  string
	MarketID string
	Amount   decimal.Decimal
	Price    decimal.Decimal
	Side     book.Direction
}

// PlaceResult is the upstream acknowledgement of a placed order. Params
// carries the signed order fields for audit.
type PlaceResult struct {
	OrderID string
	Status  string
	Price   decimal.Decimal
	Side    string
	Params  map[string]any
}

// OrderState is a normalized order status snapshot. Amounts are in the
// venue's base units.
type OrderState struct {
	OrderID      string
	Status       string
	Original     *big.Int
	FilledAmount *big.Int
	FilledShares *big.Int
	Remaining    *big.Int
	Side         string
	Price        decimal.Decimal
}

// Offer is the best price level on one side of a book.
type Offer struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Orderbook holds raw levels: bids descending, asks ascending, sizes in
// shares and prices in probability units.
type Orderbook struct {
	Bids []book.Level
	Asks []book.Level
}

// Incoming is the result of scanning recent blocks for an expected deposit.
type Incoming struct {
	Found  bool
	TxHash string
	Amount *big.Int
	Block  uint64
}

// Approvals reports whether a user has granted the custody wallet transfer
// rights over shares and stablecoin.
type Approvals struct {
	Shares          bool
	Stable          bool
	StableAllowance *big.Int
}

// Adapter is the per-platform surface the engine and relay drive.
type Adapter interface {
	Name() string
	ChainID() int64
	Decimals() int32
	MinOrderValue() decimal.Decimal
	Custody() common.Address
	ConditionalToken() common.Address

	// CustodialShares reports that bought shares stay on the venue's
	// custody wallet instead of being delivered to the user, so a later
	// sell starts from custody without an on-chain pull.
	CustodialShares() bool

	Authenticate(ctx context.Context) error
	PlaceOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error)
	GetOrder(ctx context.Context, orderID, tokenID string) (*OrderState, error)
	Orderbook(ctx context.Context, tokenID string) (*Orderbook, error)
	BestOffer(ctx context.Context, tokenID string, side book.Direction) (Offer, error)

	StablecoinBalance(ctx context.Context, account common.Address) (*big.Int, error)
	ShareBalance(ctx context.Context, account common.Address, tokenID string) (*big.Int, error)

	TransferStableFromUser(ctx context.Context, user common.Address, amount *big.Int) (string, error)
	TransferStableToUser(ctx context.Context, user common.Address, amount *big.Int) (string, error)
	TransferSharesFromUser(ctx context.Context, user common.Address, tokenID string, amount *big.Int) (string, error)
	TransferSharesToUser(ctx context.Context, user common.Address, tokenID string, amount *big.Int) (string, error)

	FindIncomingShares(ctx context.Context, tokenID string, expected *big.Int, lookback uint64) (*Incoming, error)
	FindIncomingStable(ctx context.Context, expected *big.Int, lookback uint64) (*Incoming, error)

	CheckUserApproval(ctx context.Context, user common.Address) (Approvals, error)
	SetupApprovals(ctx context.Context) (map[string]string, error)
}

// Registry maps venue names to configured adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces an adapter under its own name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for name, or ErrNotConfigured.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, ErrNotConfigured
	}
	return a, nil
}

// Names returns registered venue names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
