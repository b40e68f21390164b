package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/premarket-labs/router/internal/book"
	"github.com/premarket-labs/router/internal/bridge"
	"github.com/premarket-labs/router/internal/chain"
	"github.com/premarket-labs/router/internal/config"
	"github.com/premarket-labs/router/internal/order"
	"github.com/premarket-labs/router/internal/relay"
	"github.com/premarket-labs/router/internal/route"
	"github.com/premarket-labs/router/internal/venue"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeBackend satisfies chain.Backend with instant receipts so relay
// operations complete without a node. View calls return callResult,
// defaulting to a balance large enough for any test order.
type fakeBackend struct {
	callResult *big.Int
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	v := f.callResult
	if v == nil {
		v = big.NewInt(1_000_000_000000)
	}
	out := make([]byte, 32)
	v.FillBytes(out)
	return out, nil
}
func (*fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }
func (*fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000000000), nil
}
func (*fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (*fakeBackend) SendTransaction(context.Context, *types.Transaction) error { return nil }
func (*fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}
func (*fakeBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (*fakeBackend) BlockNumber(context.Context) (uint64, error) { return 1, nil }

// fakeAdapter is an in-memory venue.
type fakeAdapter struct {
	mu        sync.Mutex
	name      string
	chainID   int64
	decimals  int32
	minOrder  decimal.Decimal
	custody   common.Address
	custodial bool

	stableBal *big.Int
	shareBal  *big.Int
	ob        *venue.Orderbook
	obErr     error

	placeErr    error
	placed      []venue.PlaceRequest
	placeParams map[string]any
	orderState  *venue.OrderState

	shareTransfers  []string
	stableTransfers []*big.Int
}

func newFakeAdapter(name string, chainID int64) *fakeAdapter {
	return &fakeAdapter{
		name:      name,
		chainID:   chainID,
		decimals:  6,
		minOrder:  decimal.NewFromInt(1),
		custody:   common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		stableBal: big.NewInt(0),
		shareBal:  big.NewInt(0),
		ob:        &venue.Orderbook{},
	}
}

func (f *fakeAdapter) Name() string                       { return f.name }
func (f *fakeAdapter) ChainID() int64                     { return f.chainID }
func (f *fakeAdapter) Decimals() int32                    { return f.decimals }
func (f *fakeAdapter) MinOrderValue() decimal.Decimal     { return f.minOrder }
func (f *fakeAdapter) Custody() common.Address            { return f.custody }
func (f *fakeAdapter) ConditionalToken() common.Address   { return common.HexToAddress("0xc7f") }
func (f *fakeAdapter) CustodialShares() bool              { return f.custodial }
func (f *fakeAdapter) Authenticate(context.Context) error { return nil }

func (f *fakeAdapter) PlaceOrder(_ context.Context, req venue.PlaceRequest) (*venue.PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed = append(f.placed, req)
	params := f.placeParams
	if params == nil {
		params = map[string]any{}
	}
	return &venue.PlaceResult{
		OrderID: "up-1",
		Status:  venue.StatusMatched,
		Price:   req.Price,
		Params:  params,
	}, nil
}

func (f *fakeAdapter) GetOrder(context.Context, string, string) (*venue.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderState == nil {
		return nil, errors.New("order not found")
	}
	return f.orderState, nil
}

func (f *fakeAdapter) Orderbook(context.Context, string) (*venue.Orderbook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.obErr != nil {
		return nil, f.obErr
	}
	return f.ob, nil
}

func (f *fakeAdapter) BestOffer(ctx context.Context, tokenID string, side book.Direction) (venue.Offer, error) {
	ob, err := f.Orderbook(ctx, tokenID)
	if err != nil {
		return venue.Offer{}, err
	}
	if side == book.DirectionBuy && len(ob.Asks) > 0 {
		return venue.Offer{Price: ob.Asks[0].Price, Size: ob.Asks[0].Size}, nil
	}
	if side == book.DirectionSell && len(ob.Bids) > 0 {
		return venue.Offer{Price: ob.Bids[0].Price, Size: ob.Bids[0].Size}, nil
	}
	return venue.Offer{}, nil
}

func (f *fakeAdapter) StablecoinBalance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.stableBal), nil
}

func (f *fakeAdapter) ShareBalance(context.Context, common.Address, string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.shareBal), nil
}

func (f *fakeAdapter) TransferStableFromUser(context.Context, common.Address, *big.Int) (string, error) {
	return "0xstablein", nil
}

func (f *fakeAdapter) TransferStableToUser(_ context.Context, _ common.Address, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stableTransfers = append(f.stableTransfers, amount)
	return "0xstableout", nil
}

func (f *fakeAdapter) TransferSharesFromUser(context.Context, common.Address, string, *big.Int) (string, error) {
	return "0xsharesin", nil
}

func (f *fakeAdapter) TransferSharesToUser(_ context.Context, user common.Address, _ string, _ *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shareTransfers = append(f.shareTransfers, user.Hex())
	return "0xsharesout", nil
}

func (f *fakeAdapter) FindIncomingShares(context.Context, string, *big.Int, uint64) (*venue.Incoming, error) {
	return &venue.Incoming{}, nil
}

func (f *fakeAdapter) FindIncomingStable(context.Context, *big.Int, uint64) (*venue.Incoming, error) {
	return &venue.Incoming{}, nil
}

func (f *fakeAdapter) CheckUserApproval(context.Context, common.Address) (venue.Approvals, error) {
	return venue.Approvals{Shares: true, Stable: true, StableAllowance: big.NewInt(0)}, nil
}

func (f *fakeAdapter) SetupApprovals(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

// testHarness bundles an engine over fakes, a mutable LiFi stub and the
// underlying store.
type testHarness struct {
	engine     *Engine
	store      *order.Store
	backend    *fakeBackend
	lifiStatus string
}

func newHarness(t *testing.T, adapters ...*fakeAdapter) *testHarness {
	t.Helper()
	h := &testHarness{backend: &fakeBackend{}, lifiStatus: "PENDING"}

	lifi := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": h.lifiStatus}
		if h.lifiStatus == "DONE" {
			resp["receiving"] = map[string]any{"txHash": "0xrecv", "chainId": 8453}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(lifi.Close)

	catalogDir := t.TempDir()
	for _, a := range adapters {
		entry := map[string]any{
			"test-event": map[string]any{
				"outcomes": map[string]any{
					"home": map[string]string{"market_id": "m-" + a.name, "yes": "111", "no": "222"},
				},
			},
		}
		data, err := json.Marshal(entry)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(catalogDir, a.name+".json"), data, 0o644))
	}
	catalog, err := config.LoadCatalog(catalogDir)
	require.NoError(t, err)

	store, err := order.NewStore(filepath.Join(t.TempDir(), "orders.json"))
	require.NoError(t, err)

	registry := venue.NewRegistry()
	chains := make(map[int64]*relay.ChainRuntime)
	for _, a := range adapters {
		registry.Register(a)
		chains[a.chainID] = &relay.ChainRuntime{
			Client:     chain.NewClient(h.backend, a.chainID, false),
			Router:     common.HexToAddress("0xr0"),
			Stablecoin: common.HexToAddress("0x5ab1e"),
			Decimals:   a.decimals,
		}
	}
	signer, err := chain.NewSigner(testKey)
	require.NoError(t, err)
	rl := relay.New(chains, signer, bridge.NewClient(bridge.Config{BaseURL: lifi.URL, RateLimitRPS: 1000}))

	h.store = store
	h.engine = New(Config{
		Store:   store,
		Venues:  registry,
		Relay:   rl,
		Catalog: catalog,
	})
	return h
}

func buyOrder(venueName string, status order.Status) *order.Order {
	return &order.Order{
		ID:         "o-1",
		Type:       order.TypeBuy,
		Status:     status,
		CreatedAt:  time.Now().UTC(),
		UserWallet: "0x1111111111111111111111111111111111111111",
		FromChain:  8453,
		EventID:    "test-event",
		Outcome:    "home",
		Side:       "yes",
		Budget:     d("50"),
		Platforms: map[string]*order.Leg{
			venueName: {MarketID: "m-" + venueName, TokenID: "111", Spent: d("50"), Qty: d("100"), AvgPrice: d("0.5")},
		},
	}
}

func TestExecuteBuyTrades_PlacesAndMatches(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	a.stableBal = big.NewInt(50_000000)
	a.ob = &venue.Orderbook{Asks: []book.Level{{Price: d("0.5"), Size: d("200")}}}
	h := newHarness(t, a)

	o := buyOrder("alpha", order.StatusBridged)
	stepped, err := h.engine.stepBuy(context.Background(), o)
	require.NoError(t, err)
	require.True(t, stepped)

	assert.Equal(t, order.StatusMatched, o.Status)
	assert.Equal(t, 0, o.SettleChecks)
	leg := o.Platforms["alpha"]
	assert.Equal(t, "up-1", leg.OrderID)
	assert.Equal(t, venue.StatusMatched, leg.OrderStatus)
	assert.Equal(t, "100", leg.Qty.String())

	require.Len(t, a.placed, 1)
	assert.Equal(t, "111", a.placed[0].TokenID)
	assert.Equal(t, "50", a.placed[0].Amount.String())
	assert.Equal(t, book.DirectionBuy, a.placed[0].Side)
}

func TestExecuteBuyTrades_ClampsToCustodyBalance(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	// Bridge delivered less than quoted.
	a.stableBal = big.NewInt(40_126000)
	a.ob = &venue.Orderbook{Asks: []book.Level{{Price: d("0.5"), Size: d("200")}}}
	h := newHarness(t, a)

	o := buyOrder("alpha", order.StatusBridged)
	_, err := h.engine.stepBuy(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, "40.12", o.Platforms["alpha"].Spent.String())
	assert.Equal(t, "40.12", a.placed[0].Amount.String())
}

func TestExecuteBuyTrades_RetriesThenFails(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	a.stableBal = big.NewInt(500000) // $0.50, under the $1 minimum
	h := newHarness(t, a)

	o := buyOrder("alpha", order.StatusBridged)
	for i := 1; i < order.MaxTradeRetries; i++ {
		_, err := h.engine.stepBuy(context.Background(), o)
		require.NoError(t, err)
		assert.Equal(t, order.StatusBridged, o.Status)
		assert.Equal(t, i, o.TradeRetries)
	}
	_, err := h.engine.stepBuy(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusTradeFailed, o.Status)
	assert.True(t, o.Terminal())
	assert.Contains(t, o.Platforms["alpha"].Error, "below venue minimum")
}

func TestSettleBuy_DeliversToUser(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	a.shareBal = big.NewInt(100_000000)
	h := newHarness(t, a)

	o := buyOrder("alpha", order.StatusMatched)
	o.Platforms["alpha"].OrderID = "up-1"
	o.Platforms["alpha"].OrderStatus = venue.StatusMatched

	_, err := h.engine.stepBuy(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusFilled, o.Status)
	leg := o.Platforms["alpha"]
	assert.Equal(t, order.DeliveryDirect, leg.Delivery)
	assert.Equal(t, "100", leg.Shares.String())
	assert.Equal(t, "0xsharesout", leg.TransferTx)
	require.Len(t, a.shareTransfers, 1)
	assert.Equal(t, common.HexToAddress(o.UserWallet).Hex(), a.shareTransfers[0])
}

func TestSettleBuy_CustodialKeepsShares(t *testing.T) {
	a := newFakeAdapter("omega", 56)
	a.custodial = true
	a.shareBal = big.NewInt(100_000000)
	h := newHarness(t, a)

	o := buyOrder("omega", order.StatusMatched)
	o.Platforms["omega"].OrderID = "up-1"

	_, err := h.engine.stepBuy(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusFilled, o.Status)
	assert.Equal(t, order.DeliveryKeptOnChain, o.Platforms["omega"].Delivery)
	assert.Empty(t, a.shareTransfers)
}

func TestSettleBuy_DeadLegRequeues(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	a.orderState = &venue.OrderState{OrderID: "up-1", Status: venue.StatusCancelled}
	h := newHarness(t, a)

	o := buyOrder("alpha", order.StatusMatched)
	o.Platforms["alpha"].OrderID = "up-1"
	o.Platforms["alpha"].OrderStatus = venue.StatusOpen

	_, err := h.engine.stepBuy(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusBridged, o.Status)
	assert.Equal(t, 1, o.TradeRetries)
	assert.Empty(t, o.Platforms["alpha"].OrderID)
}

func TestSettleBuy_TimesOut(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	h := newHarness(t, a)

	o := buyOrder("alpha", order.StatusMatched)
	o.Platforms["alpha"].OrderID = "up-1"

	for i := 0; i < order.MaxSettleChecks; i++ {
		_, err := h.engine.stepBuy(context.Background(), o)
		require.NoError(t, err)
	}
	assert.Equal(t, order.StatusTradeFailed, o.Status)
	assert.Equal(t, "settlement timeout", o.Error)
}

func TestCheckBuyBridges(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	h := newHarness(t, a)

	o := buyOrder("alpha", order.StatusSent)
	o.Bridges = map[string]*order.Bridge{
		"8453": {Amount: "50000000", Status: order.BridgeDone},
		"56":   {Amount: "10000000", BridgeTx: "0xb", Status: order.BridgeSent},
	}

	h.lifiStatus = "PENDING"
	_, err := h.engine.stepBuy(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSent, o.Status)

	h.lifiStatus = "DONE"
	_, err = h.engine.stepBuy(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, order.StatusBridged, o.Status)
	assert.Equal(t, order.BridgeDone, o.Bridges["56"].Status)
	assert.Equal(t, "0xrecv", o.Bridges["56"].ReceivingTx)
	assert.Equal(t, int64(8453), o.Bridges["56"].ReceivingChain)
}

func TestCheckBuyBridges_FailureFailsOrder(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	h := newHarness(t, a)

	o := buyOrder("alpha", order.StatusSent)
	o.Bridges = map[string]*order.Bridge{
		"56": {Amount: "10000000", BridgeTx: "0xb", Status: order.BridgeSent},
	}
	h.lifiStatus = "FAILED"
	_, err := h.engine.stepBuy(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusFailed, o.Status)
	assert.Equal(t, "bridge transfer failed", o.Error)
}

func sellOrder(venueName string, status order.Status) *order.Order {
	o := buyOrder(venueName, status)
	o.ID = "s-1"
	o.Type = order.TypeSell
	o.BuyID = "o-1"
	o.ToChain = 8453
	leg := o.Platforms[venueName]
	leg.Shares = d("100")
	leg.Spent = decimal.Zero
	return o
}

func TestExecuteSellTrades(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	a.stableBal = big.NewInt(1_000000)
	a.ob = &venue.Orderbook{Bids: []book.Level{{Price: d("0.55"), Size: d("500")}}}
	h := newHarness(t, a)

	o := sellOrder("alpha", order.StatusSharesPulled)
	_, err := h.engine.stepSell(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusSellMatched, o.Status)
	leg := o.Platforms["alpha"]
	assert.Equal(t, "up-1", leg.OrderID)
	assert.Equal(t, "1000000", leg.BalanceBefore)
	require.Len(t, a.placed, 1)
	assert.Equal(t, book.DirectionSell, a.placed[0].Side)
	assert.Equal(t, "100", a.placed[0].Amount.String())
	assert.Equal(t, "0.55", a.placed[0].Price.String())
}

func TestSettleSell_DetectsProceeds(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	a.stableBal = big.NewInt(56_000000)
	h := newHarness(t, a)

	o := sellOrder("alpha", order.StatusSellMatched)
	o.Platforms["alpha"].OrderID = "up-1"
	o.Platforms["alpha"].BalanceBefore = "1000000"

	_, err := h.engine.stepSell(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusSellSettled, o.Status)
	assert.Equal(t, "55", o.Platforms["alpha"].Proceeds.String())
}

func TestSettleSell_WaitsUntilBalanceMoves(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	a.stableBal = big.NewInt(1_000000)
	h := newHarness(t, a)

	o := sellOrder("alpha", order.StatusSellMatched)
	o.Platforms["alpha"].OrderID = "up-1"
	o.Platforms["alpha"].BalanceBefore = "1000000"

	_, err := h.engine.stepSell(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusSellMatched, o.Status)
	assert.Equal(t, 1, o.SettleChecks)
}

func TestReturnSellProceeds_SameChainDirect(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	h := newHarness(t, a)

	o := sellOrder("alpha", order.StatusSellSettled)
	o.ToChain = 8453 // venue chain, no bridge needed
	o.Platforms["alpha"].Proceeds = d("55")

	_, err := h.engine.stepSell(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusCompleted, o.Status)
	leg := o.Platforms["alpha"]
	assert.Equal(t, order.DeliveryDirect, leg.Delivery)
	assert.NotEmpty(t, leg.TransferTx)
}

func TestReturnSellProceeds_CustodialHopsFirst(t *testing.T) {
	a := newFakeAdapter("omega", 56)
	a.custodial = true
	h := newHarness(t, a)

	o := sellOrder("omega", order.StatusSellSettled)
	o.ToChain = 56
	o.Platforms["omega"].Proceeds = d("55")
	o.Platforms["omega"].Delivery = ""

	_, err := h.engine.stepSell(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusCompleted, o.Status)
	// Proceeds hop from the smart wallet to the relayer before delivery.
	require.Len(t, a.stableTransfers, 1)
	assert.Equal(t, "55000000", a.stableTransfers[0].String())
}

func TestReturnSellProceeds_ZeroProceedsCompletes(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	h := newHarness(t, a)

	o := sellOrder("alpha", order.StatusSellSettled)
	o.Platforms["alpha"].Proceeds = decimal.Zero

	_, err := h.engine.stepSell(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusCompleted, o.Status)
	assert.Equal(t, order.DeliveryDirect, o.Platforms["alpha"].Delivery)
}

func TestReturnSellProceeds_SmallSameChainStillDirect(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	h := newHarness(t, a)

	o := sellOrder("alpha", order.StatusSellSettled)
	o.ToChain = 8453
	o.Platforms["alpha"].Proceeds = d("0.5")

	_, err := h.engine.stepSell(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusCompleted, o.Status)
	leg := o.Platforms["alpha"]
	assert.Equal(t, order.DeliveryDirect, leg.Delivery)
	assert.NotEmpty(t, leg.TransferTx)
}

func TestReturnSellProceeds_TooSmallToBridgeFails(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	h := newHarness(t, a)

	o := sellOrder("alpha", order.StatusSellSettled)
	o.ToChain = 56 // below the bridge minimum, cannot reach this chain
	o.Platforms["alpha"].Proceeds = d("0.5")

	_, err := h.engine.stepSell(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusBridgeFailed, o.Status)
	assert.True(t, o.Terminal())
	assert.Contains(t, o.Error, "BRIDGE_AMOUNT_TOO_SMALL")
	assert.Contains(t, o.Platforms["alpha"].Error, "BRIDGE_AMOUNT_TOO_SMALL")
}

func TestCheckSellBridges(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	h := newHarness(t, a)

	o := sellOrder("alpha", order.StatusBridgingBack)
	o.Platforms["alpha"].BridgeBackTx = "0xback"

	h.lifiStatus = "DONE"
	_, err := h.engine.stepSell(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusCompleted, o.Status)
	assert.Equal(t, order.DeliveryBridgedBack, o.Platforms["alpha"].Delivery)
	assert.Equal(t, "0xrecv", o.ReceivingTx)
	assert.Equal(t, int64(8453), o.ReceivingChain)
}

func TestCheckSellBridges_FailureRequeues(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	h := newHarness(t, a)

	o := sellOrder("alpha", order.StatusBridgingBack)
	o.Platforms["alpha"].BridgeBackTx = "0xback"

	h.lifiStatus = "FAILED"
	_, err := h.engine.stepSell(context.Background(), o)
	require.NoError(t, err)

	// The hash is cleared so the retry path can re-quote the transfer.
	assert.Equal(t, order.StatusBridgeFailed, o.Status)
	assert.Equal(t, 1, o.BridgeRetries)
	assert.Empty(t, o.Platforms["alpha"].BridgeBackTx)
	assert.False(t, o.Terminal())
}

func TestTick_SkipsTerminalAndFailsOrphans(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	h := newHarness(t, a)

	done := buyOrder("alpha", order.StatusFilled)
	done.ID = "done-1"
	require.NoError(t, h.store.Append(done))

	orphan := buyOrder("alpha", order.StatusPending)
	orphan.ID = "orphan-1"
	orphan.CreatedAt = time.Now().UTC().Add(-2 * sendTimeout)
	require.NoError(t, h.store.Append(orphan))

	fresh := buyOrder("alpha", order.StatusPending)
	fresh.ID = "fresh-1"
	require.NoError(t, h.store.Append(fresh))

	h.engine.Tick(context.Background())

	got, err := h.store.Get("orphan-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, got.Status)
	assert.Equal(t, errSendInterrupted.Error(), got.Error)

	got, err = h.store.Get("done-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, got.Status)

	// A pending order inside the send window may still be mid-send.
	got, err = h.store.Get("fresh-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
}

func TestVenueBook_MirrorsSlugVenues(t *testing.T) {
	a := newFakeAdapter("slugven", 8453)
	a.ob = &venue.Orderbook{
		Bids: []book.Level{{Price: d("0.55"), Size: d("100")}},
		Asks: []book.Level{{Price: d("0.60"), Size: d("40")}},
	}
	h := newHarness(t, a)

	// Slug-keyed venues always quote the yes side; the no side is a mirror.
	key := config.RoutingKey{Slug: "mkt-slug"}
	b, err := h.engine.venueBook(context.Background(), a, key, "test-event", "home", book.SideNo)
	require.NoError(t, err)

	assert.Equal(t, book.SideNo, b.Side)
	assert.Equal(t, "mkt-slug", b.MarketID)
	require.Len(t, b.Asks, 1)
	assert.Equal(t, "0.45", b.Asks[0].Price.String())
	assert.Equal(t, "100", b.Asks[0].Size.String())
	assert.Equal(t, "0.4", b.Bids[0].Price.String())
}

func TestSubmitBuy_Validation(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	a.ob = &venue.Orderbook{Asks: []book.Level{{Price: d("0.5"), Size: d("100")}}}
	h := newHarness(t, a)
	ctx := context.Background()

	_, _, err := h.engine.SubmitBuy(ctx, BuyRequest{
		UserWallet: "0x1111111111111111111111111111111111111111",
		FromChain:  8453, EventID: "test-event", Outcome: "home",
		Side: "maybe", Budget: d("50"),
	})
	assert.ErrorContains(t, err, "invalid side")

	_, _, err = h.engine.SubmitBuy(ctx, BuyRequest{
		UserWallet: "not-an-address",
		FromChain:  8453, EventID: "test-event", Outcome: "home", Budget: d("50"),
	})
	assert.ErrorContains(t, err, "invalid user wallet")

	_, _, err = h.engine.SubmitBuy(ctx, BuyRequest{
		UserWallet: "0x1111111111111111111111111111111111111111",
		FromChain:  1, EventID: "test-event", Outcome: "home", Budget: d("50"),
	})
	assert.ErrorContains(t, err, "not configured")

	_, _, err = h.engine.SubmitBuy(ctx, BuyRequest{
		UserWallet: "0x1111111111111111111111111111111111111111",
		FromChain:  8453, EventID: "unknown-event", Outcome: "home", Budget: d("50"),
	})
	assert.ErrorIs(t, err, route.ErrNoLiquidity)
}

func TestSubmitBuy_RoutesAndSends(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	a.ob = &venue.Orderbook{Asks: []book.Level{{Price: d("0.5"), Size: d("200")}}}
	h := newHarness(t, a)

	o, r, err := h.engine.SubmitBuy(context.Background(), BuyRequest{
		UserWallet: "0x1111111111111111111111111111111111111111",
		FromChain:  8453,
		EventID:    "test-event",
		Outcome:    "home",
		Budget:     d("50"),
	})
	require.NoError(t, err)
	assert.Equal(t, "50", r.TotalSpent.String())
	assert.Len(t, o.ID, 8)
	assert.Equal(t, "yes", o.Side)
	require.Contains(t, o.Platforms, "alpha")
	assert.Equal(t, "111", o.Platforms["alpha"].TokenID)

	// The send runs before SubmitBuy returns; same-chain budgets skip the
	// bridge entirely so the order lands directly in bridged.
	assert.Equal(t, order.StatusBridged, o.Status)
	assert.NotEmpty(t, o.TxHash)
	assert.Equal(t, order.BridgeDone, o.Bridges["8453"].Status)

	// The returned order is final. Nothing mutates it after the call, so
	// the store copy matches what the caller serializes.
	got, err := h.store.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Status, got.Status)
	assert.Equal(t, o.TxHash, got.TxHash)
}

func TestSubmitBuy_InsufficientBalance(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	a.ob = &venue.Orderbook{Asks: []book.Level{{Price: d("0.5"), Size: d("200")}}}
	h := newHarness(t, a)
	h.backend.callResult = big.NewInt(10_000000) // $10 on chain

	_, _, err := h.engine.SubmitBuy(context.Background(), BuyRequest{
		UserWallet: "0x1111111111111111111111111111111111111111",
		FromChain:  8453,
		EventID:    "test-event",
		Outcome:    "home",
		Budget:     d("50"),
	})
	require.ErrorContains(t, err, "insufficient balance")

	// Nothing is recorded and no funds move when the check fails.
	orders, err := h.store.All()
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestSubmitSell_Guards(t *testing.T) {
	a := newFakeAdapter("alpha", 8453)
	h := newHarness(t, a)
	ctx := context.Background()

	buy := buyOrder("alpha", order.StatusMatched)
	require.NoError(t, h.store.Append(buy))

	_, err := h.engine.SubmitSell(ctx, SellRequest{BuyID: "missing"})
	assert.ErrorIs(t, err, order.ErrNotFound)

	_, err = h.engine.SubmitSell(ctx, SellRequest{BuyID: buy.ID})
	assert.ErrorContains(t, err, "not a filled buy")

	require.NoError(t, h.store.Update(buy.ID, func(o *order.Order) error {
		o.Status = order.StatusFilled
		o.Platforms["alpha"].Shares = d("100")
		o.Platforms["alpha"].Delivery = order.DeliveryDirect
		return nil
	}))

	_, err = h.engine.SubmitSell(ctx, SellRequest{
		BuyID:      buy.ID,
		UserWallet: "0x2222222222222222222222222222222222222222",
	})
	assert.ErrorContains(t, err, "does not own")

	_, err = h.engine.SubmitSell(ctx, SellRequest{BuyID: buy.ID, ToChain: 99})
	assert.ErrorContains(t, err, "not configured")
}

func TestSubmitSell_PartialAndDuplicate(t *testing.T) {
	a := newFakeAdapter("omega", 56)
	a.custodial = true
	h := newHarness(t, a)
	ctx := context.Background()

	buy := buyOrder("omega", order.StatusFilled)
	buy.Platforms["omega"].Shares = d("100")
	buy.Platforms["omega"].Delivery = order.DeliveryKeptOnChain
	require.NoError(t, h.store.Append(buy))

	sell, err := h.engine.SubmitSell(ctx, SellRequest{BuyID: buy.ID, Amount: d("25")})
	require.NoError(t, err)
	assert.Equal(t, order.TypeSell, sell.Type)
	assert.Equal(t, buy.ID, sell.BuyID)
	assert.Len(t, sell.ID, 8)
	assert.Equal(t, int64(8453), sell.ToChain)
	assert.Equal(t, "25", sell.Platforms["omega"].Shares.String())

	// Custodial legs skip the on-chain pull, so the sell returns already
	// advanced past the pull phase.
	assert.Equal(t, order.StatusSharesPulled, sell.Status)
	got, err := h.store.Get(sell.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSharesPulled, got.Status)

	_, err = h.engine.SubmitSell(ctx, SellRequest{BuyID: buy.ID})
	assert.ErrorContains(t, err, "already unwinding")
}
