// Package relay orchestrates the on-chain half of an order: pulling user
// funds or shares into custody through the router contract, fanning
// stablecoin out across chains via LiFi, and returning proceeds.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/premarket-labs/router/internal/bridge"
	"github.com/premarket-labs/router/internal/chain"
	"github.com/premarket-labs/router/internal/metrics"
	"github.com/premarket-labs/router/internal/order"
)

const (
	pullWait   = 60 * time.Second
	bridgeWait = 90 * time.Second

	// Transfers below this many dollars are not worth a bridge, LiFi fees
	// would eat them.
	minBridgeValue = 1
)

// ErrBridgeTooSmall marks proceeds below the bridge minimum that cannot be
// delivered on a different chain than they sit on.
var ErrBridgeTooSmall = errors.New("BRIDGE_AMOUNT_TOO_SMALL")

// ChainRuntime is one chain's wiring: a dialed client plus the deployed
// contract addresses the relay needs there.
type ChainRuntime struct {
	Client     *chain.Client
	Router     common.Address
	Stablecoin common.Address
	Decimals   int32
}

// ToBaseUnits converts a dollar amount to the chain's stablecoin units.
func (c *ChainRuntime) ToBaseUnits(d decimal.Decimal) *big.Int {
	return d.Shift(c.Decimals).BigInt()
}

// FromBaseUnits converts stablecoin units back to dollars.
func (c *ChainRuntime) FromBaseUnits(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, 0).Shift(-c.Decimals)
}

// Relay moves value between users, the custody wallets and chains.
type Relay struct {
	chains map[int64]*ChainRuntime
	signer *chain.Signer
	lifi   *bridge.Client
}

// New builds a relay over the dialed chains.
func New(chains map[int64]*ChainRuntime, signer *chain.Signer, lifi *bridge.Client) *Relay {
	return &Relay{chains: chains, signer: signer, lifi: lifi}
}

// Chain returns the runtime for a chain id.
func (r *Relay) Chain(chainID int64) (*ChainRuntime, error) {
	rt, ok := r.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d not configured", chainID)
	}
	return rt, nil
}

// Signer returns the relayer EOA.
func (r *Relay) Signer() *chain.Signer { return r.signer }

// PullFunds pulls the order's full budget from the user on the source chain
// through the router contract and waits for it to mine. The returned hash is
// recorded on the order as its custody pull.
func (r *Relay) PullFunds(ctx context.Context, o *order.Order, firstPlatform string) (string, error) {
	rt, err := r.Chain(o.FromChain)
	if err != nil {
		return "", err
	}
	amount := rt.ToBaseUnits(o.Budget)
	metadata := chain.Metadata(map[string]any{
		"order_id": o.ID,
		"event_id": o.EventID,
		"outcome":  o.Outcome,
		"side":     o.Side,
	})
	hash, err := rt.Client.RouterPullERC20(ctx, r.signer, rt.Router, rt.Stablecoin,
		common.HexToAddress(o.UserWallet), firstPlatform, amount, metadata)
	if err != nil {
		return "", fmt.Errorf("pull funds: %w", err)
	}
	if _, err := rt.Client.WaitMined(ctx, hash, pullWait); err != nil {
		return hash.Hex(), fmt.Errorf("pull funds: %w", err)
	}
	log.Info().
		Str("order_id", o.ID).
		Int64("chain", o.FromChain).
		Str("amount", o.Budget.String()).
		Str("tx", hash.Hex()).
		Msg("funds pulled from user")
	return hash.Hex(), nil
}

// PullShares pulls shares of tokenID from the user into custody on the
// venue's chain, for a sell order.
func (r *Relay) PullShares(ctx context.Context, o *order.Order, chainID int64, ctf common.Address, platform, tokenID string, shares *big.Int) (string, error) {
	rt, err := r.Chain(chainID)
	if err != nil {
		return "", err
	}
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return "", fmt.Errorf("invalid token id %q", tokenID)
	}
	metadata := chain.Metadata(map[string]any{"sell_id": o.ID, "platform": platform})
	hash, err := rt.Client.RouterPullERC1155(ctx, r.signer, rt.Router, ctf,
		common.HexToAddress(o.UserWallet), platform, id, shares, metadata)
	if err != nil {
		return "", fmt.Errorf("pull shares: %w", err)
	}
	if _, err := rt.Client.WaitMined(ctx, hash, pullWait); err != nil {
		return hash.Hex(), fmt.Errorf("pull shares: %w", err)
	}
	log.Info().
		Str("order_id", o.ID).
		Int64("chain", chainID).
		Str("shares", shares.String()).
		Str("tx", hash.Hex()).
		Msg("shares pulled from user")
	return hash.Hex(), nil
}

// Destination names where bridged funds should land for one venue chain.
type Destination struct {
	ChainID int64
	Address common.Address
}

// FanOutBridges moves each destination chain's budget from the source chain
// custody to the venue custody there. Same-chain budgets skip the bridge.
// Results land in o.Bridges keyed by destination chain id.
func (r *Relay) FanOutBridges(ctx context.Context, o *order.Order, budgets map[int64]decimal.Decimal, destinations map[int64]common.Address) error {
	src, err := r.Chain(o.FromChain)
	if err != nil {
		return err
	}
	if o.Bridges == nil {
		o.Bridges = make(map[string]*order.Bridge)
	}
	for chainID, budget := range budgets {
		key := fmt.Sprintf("%d", chainID)
		if _, done := o.Bridges[key]; done {
			continue
		}
		amount := src.ToBaseUnits(budget)
		if chainID == o.FromChain {
			o.Bridges[key] = &order.Bridge{Amount: amount.String(), Status: order.BridgeDone}
			continue
		}
		dst, err := r.Chain(chainID)
		if err != nil {
			return err
		}
		dest, ok := destinations[chainID]
		if !ok {
			dest = r.signer.Address()
		}
		tx, err := r.sendBridge(ctx, src, dst, amount, dest, false)
		if err != nil {
			metrics.BridgeTransfers.WithLabelValues("quote_failed").Inc()
			return fmt.Errorf("bridge to chain %d: %w", chainID, err)
		}
		o.Bridges[key] = &order.Bridge{Amount: amount.String(), BridgeTx: tx, Status: order.BridgeSent}
	}
	return nil
}

// sendBridge quotes a LiFi route, approves the diamond and submits the
// bridge transaction on the source chain.
func (r *Relay) sendBridge(ctx context.Context, src, dst *ChainRuntime, amount *big.Int, dest common.Address, sellBack bool) (string, error) {
	quote, err := r.lifi.GetQuote(ctx, bridge.QuoteRequest{
		FromChain:   src.Client.ChainID(),
		ToChain:     dst.Client.ChainID(),
		FromToken:   src.Stablecoin.Hex(),
		ToToken:     dst.Stablecoin.Hex(),
		FromAmount:  amount,
		FromAddress: r.signer.Address().Hex(),
		ToAddress:   dest.Hex(),
		SellBack:    sellBack,
	})
	if err != nil {
		return "", err
	}
	diamond := common.HexToAddress(quote.TransactionRequest.To)

	approveHash, err := src.Client.ERC20Approve(ctx, r.signer, src.Stablecoin, diamond, amount, 100000)
	if err != nil {
		return "", fmt.Errorf("approve diamond: %w", err)
	}
	if _, err := src.Client.WaitMined(ctx, approveHash, pullWait); err != nil {
		return "", fmt.Errorf("approve diamond: %w", err)
	}

	hash, err := src.Client.Send(ctx, r.signer, chain.TxRequest{
		To:       diamond,
		Data:     common.FromHex(quote.TransactionRequest.Data),
		Value:    new(big.Int).SetUint64(uint64(quote.TransactionRequest.Value)),
		GasLimit: quote.TransactionRequest.Gas(),
	})
	if err != nil {
		return "", fmt.Errorf("bridge tx: %w", err)
	}
	if _, err := src.Client.WaitMined(ctx, hash, bridgeWait); err != nil {
		return hash.Hex(), fmt.Errorf("bridge tx: %w", err)
	}
	metrics.BridgeTransfers.WithLabelValues("sent").Inc()
	log.Info().
		Int64("from_chain", src.Client.ChainID()).
		Int64("to_chain", dst.Client.ChainID()).
		Str("amount", amount.String()).
		Str("tx", hash.Hex()).
		Msg("bridge submitted")
	return hash.Hex(), nil
}

// CheckBridges polls LiFi for every in-flight bridge of the order.
// It returns whether all bridges completed and whether any failed.
func (r *Relay) CheckBridges(ctx context.Context, o *order.Order) (allDone, anyFailed bool) {
	allDone = true
	for chainKey, b := range o.Bridges {
		switch b.Status {
		case order.BridgeDone:
			continue
		case order.BridgeFailed:
			anyFailed = true
			continue
		}
		status, err := r.lifi.GetStatus(ctx, b.BridgeTx)
		if err != nil {
			log.Warn().Err(err).Str("order_id", o.ID).Str("chain", chainKey).Msg("bridge status check failed")
			allDone = false
			continue
		}
		switch status.Status {
		case bridge.StatusDone:
			b.Status = order.BridgeDone
			b.ReceivingTx = status.Receiving.TxHash
			b.ReceivingChain = status.Receiving.ChainID
			metrics.BridgeTransfers.WithLabelValues("done").Inc()
		case bridge.StatusFailed:
			b.Status = order.BridgeFailed
			anyFailed = true
			metrics.BridgeTransfers.WithLabelValues("failed").Inc()
		default:
			allDone = false
		}
	}
	return allDone, anyFailed
}

// ReturnProceeds delivers sale proceeds held on a venue chain back to the
// user on their home chain. Same-chain amounts transfer directly; amounts
// under the bridge minimum that would need a different chain error with
// ErrBridgeTooSmall. Returns the tx hash and whether it bridged.
func (r *Relay) ReturnProceeds(ctx context.Context, fromChain, toChain int64, amount *big.Int, user common.Address) (string, bool, error) {
	src, err := r.Chain(fromChain)
	if err != nil {
		return "", false, err
	}
	if fromChain == toChain {
		hash, err := src.Client.ERC20Transfer(ctx, r.signer, src.Stablecoin, user, amount, 100000)
		if err != nil {
			return "", false, fmt.Errorf("direct transfer: %w", err)
		}
		if _, err := src.Client.WaitMined(ctx, hash, pullWait); err != nil {
			return hash.Hex(), false, fmt.Errorf("direct transfer: %w", err)
		}
		log.Info().
			Int64("chain", fromChain).
			Str("amount", amount.String()).
			Msg("proceeds transferred directly")
		return hash.Hex(), false, nil
	}
	if src.FromBaseUnits(amount).LessThan(decimal.NewFromInt(minBridgeValue)) {
		return "", false, fmt.Errorf("%w: %s base units on chain %d", ErrBridgeTooSmall, amount, fromChain)
	}
	dst, err := r.Chain(toChain)
	if err != nil {
		return "", false, err
	}
	tx, err := r.sendBridge(ctx, src, dst, amount, user, true)
	if err != nil {
		return "", false, err
	}
	return tx, true, nil
}

// BridgeStatus exposes single-transfer polling for the sell settle loop.
func (r *Relay) BridgeStatus(ctx context.Context, txHash string) (*bridge.TransferStatus, error) {
	return r.lifi.GetStatus(ctx, txHash)
}
