package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

var erc20ABI = mustABI(`[
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"transferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"Transfer","type":"event","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`)

// ERC20BalanceOf reads the stablecoin balance of account in base units.
func (c *Client) ERC20BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", token.Hex(), err)
	}
	return new(big.Int).SetBytes(out), nil
}

// ERC20Allowance reads the spender allowance granted by owner.
func (c *Client) ERC20Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("allowance %s: %w", token.Hex(), err)
	}
	return new(big.Int).SetBytes(out), nil
}

// ERC20Approve grants spender an allowance of amount.
func (c *Client) ERC20Approve(ctx context.Context, s *Signer, token, spender common.Address, amount *big.Int, gasLimit uint64) (common.Hash, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return c.Send(ctx, s, TxRequest{To: token, Data: data, GasLimit: gasLimit})
}

// ERC20Transfer moves amount from the signer to recipient.
func (c *Client) ERC20Transfer(ctx context.Context, s *Signer, token, to common.Address, amount *big.Int, gasLimit uint64) (common.Hash, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return c.Send(ctx, s, TxRequest{To: token, Data: data, GasLimit: gasLimit})
}

// ERC20TransferFrom moves amount from holder to recipient against an
// existing allowance. Used to drain the smart-wallet custody account with
// gas paid by the signing EOA.
func (c *Client) ERC20TransferFrom(ctx context.Context, s *Signer, token, from, to common.Address, amount *big.Int, gasLimit uint64) (common.Hash, error) {
	data, err := erc20ABI.Pack("transferFrom", from, to, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return c.Send(ctx, s, TxRequest{To: token, Data: data, GasLimit: gasLimit})
}

// ERC20TransferTopic is the Transfer(address,address,uint256) event signature
// used when scanning for incoming deposits.
var ERC20TransferTopic = erc20ABI.Events["Transfer"].ID

// IncomingERC20 is a decoded stablecoin deposit found by scanning logs.
type IncomingERC20 struct {
	From   common.Address
	Amount *big.Int
	TxHash common.Hash
	Block  uint64
}

// FindIncomingERC20 scans the last lookback blocks for Transfer events
// sending token to recipient. Used to detect bridge payouts landing on the
// destination chain.
func (c *Client) FindIncomingERC20(ctx context.Context, token, recipient common.Address, lookback uint64) ([]IncomingERC20, error) {
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	from := uint64(0)
	if head > lookback {
		from = head - lookback
	}
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{token},
		Topics: [][]common.Hash{
			{ERC20TransferTopic},
			nil,
			{common.BytesToHash(recipient.Bytes())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("filter erc20 logs: %w", err)
	}
	var found []IncomingERC20
	for _, lg := range logs {
		if len(lg.Topics) < 3 || len(lg.Data) < 32 {
			continue
		}
		found = append(found, IncomingERC20{
			From:   common.BytesToAddress(lg.Topics[1].Bytes()),
			Amount: new(big.Int).SetBytes(lg.Data[:32]),
			TxHash: lg.TxHash,
			Block:  lg.BlockNumber,
		})
	}
	return found, nil
}
