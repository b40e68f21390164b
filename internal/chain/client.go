// Package chain wraps go-ethereum access for every supported chain: raw
// transaction submission with per-chain nonce serialization, receipt waits,
// ERC20/ERC1155 token operations, the premarket router contract and
// Safe-style smart-wallet execution.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// ErrReverted marks a mined transaction whose receipt status is zero.
// The transaction hash is preserved in the wrapping error for diagnosis.
var ErrReverted = errors.New("transaction reverted")

// Backend is the subset of ethclient.Client the router needs. Tests provide
// a fake; production uses *ethclient.Client.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client is a single-chain handle. All signed submissions through one Client
// are serialized: the relayer key's on-chain nonce imposes global ordering,
// so parallel submissions from the same signer would collide.
type Client struct {
	chainID *big.Int
	eip1559 bool
	backend Backend
	sendMu  sync.Mutex
}

// Dial connects to an RPC endpoint.
func Dial(rpcURL string, chainID int64, eip1559 bool) (*Client, error) {
	ec, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
	}
	return NewClient(ec, chainID, eip1559), nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, chainID int64, eip1559 bool) *Client {
	return &Client{chainID: big.NewInt(chainID), eip1559: eip1559, backend: backend}
}

// ChainID returns the chain id this client talks to.
func (c *Client) ChainID() int64 { return c.chainID.Int64() }

// TxRequest describes a raw call to submit.
type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Send signs and submits a transaction. Gas pricing follows EIP-1559 where
// the chain supports it and legacy with a 1.5x overpay otherwise. The pending
// nonce is fetched fresh for every submission.
func (c *Client) Send(ctx context.Context, s *Signer, req TxRequest) (common.Hash, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, s.Address())
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	var tx *types.Transaction
	if c.eip1559 {
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest gas tip: %w", err)
		}
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: new(big.Int).Mul(gasPrice, big.NewInt(2)),
			Gas:       req.GasLimit,
			To:        &req.To,
			Value:     value,
			Data:      req.Data,
		})
	} else {
		overpay := new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(3)), big.NewInt(2))
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: overpay,
			Gas:      req.GasLimit,
			To:       &req.To,
			Value:    value,
			Data:     req.Data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	log.Debug().
		Int64("chain", c.chainID.Int64()).
		Str("to", req.To.Hex()).
		Str("tx", signed.Hash().Hex()).
		Uint64("nonce", nonce).
		Msg("transaction submitted")
	return signed.Hash(), nil
}

// WaitMined polls for the receipt of hash until timeout. A status-zero
// receipt returns ErrReverted with the hash preserved.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// call performs an eth_call against the latest block.
func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// BlockNumber returns the current head number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// FilterLogs proxies a log query to the backend.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.backend.FilterLogs(ctx, q)
}
