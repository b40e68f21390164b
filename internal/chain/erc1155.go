package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var erc1155ABI = mustABI(`[
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"isApprovedForAll","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"setApprovalForAll","type":"function","stateMutability":"nonpayable","inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"outputs":[]},
  {"name":"safeTransferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]},
  {"name":"TransferSingle","type":"event","inputs":[{"name":"operator","type":"address","indexed":true},{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"id","type":"uint256","indexed":false},{"name":"value","type":"uint256","indexed":false}]}
]`)

// ERC1155BalanceOf reads the conditional-token share balance for a position id.
func (c *Client) ERC1155BalanceOf(ctx context.Context, token, account common.Address, id *big.Int) (*big.Int, error) {
	data, err := erc1155ABI.Pack("balanceOf", account, id)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("erc1155 balanceOf %s: %w", token.Hex(), err)
	}
	return new(big.Int).SetBytes(out), nil
}

// ERC1155IsApprovedForAll reports whether operator may move account's tokens.
func (c *Client) ERC1155IsApprovedForAll(ctx context.Context, token, account, operator common.Address) (bool, error) {
	data, err := erc1155ABI.Pack("isApprovedForAll", account, operator)
	if err != nil {
		return false, err
	}
	out, err := c.call(ctx, token, data)
	if err != nil {
		return false, fmt.Errorf("isApprovedForAll %s: %w", token.Hex(), err)
	}
	return new(big.Int).SetBytes(out).Sign() != 0, nil
}

// PackSetApprovalForAll encodes the approval calldata for wrapping inside
// a smart-wallet execution.
func PackSetApprovalForAll(operator common.Address, approved bool) ([]byte, error) {
	return erc1155ABI.Pack("setApprovalForAll", operator, approved)
}

// ERC1155SetApprovalForAll grants or revokes an operator over all ids.
func (c *Client) ERC1155SetApprovalForAll(ctx context.Context, s *Signer, token, operator common.Address, approved bool, gasLimit uint64) (common.Hash, error) {
	data, err := erc1155ABI.Pack("setApprovalForAll", operator, approved)
	if err != nil {
		return common.Hash{}, err
	}
	return c.Send(ctx, s, TxRequest{To: token, Data: data, GasLimit: gasLimit})
}

// ERC1155SafeTransferFrom moves shares of id between holders. The signer
// submits and must either be the holder or an approved operator.
func (c *Client) ERC1155SafeTransferFrom(ctx context.Context, s *Signer, token, from, to common.Address, id, amount *big.Int, gasLimit uint64) (common.Hash, error) {
	data, err := erc1155ABI.Pack("safeTransferFrom", from, to, id, amount, []byte{})
	if err != nil {
		return common.Hash{}, err
	}
	return c.Send(ctx, s, TxRequest{To: token, Data: data, GasLimit: gasLimit})
}

// ERC1155TransferSingleTopic is the TransferSingle event signature.
var ERC1155TransferSingleTopic = erc1155ABI.Events["TransferSingle"].ID

// IncomingERC1155 is a decoded share deposit found by scanning logs.
type IncomingERC1155 struct {
	From   common.Address
	ID     *big.Int
	Amount *big.Int
	TxHash common.Hash
	Block  uint64
}

// FindIncomingERC1155 scans the last lookback blocks for TransferSingle
// events sending shares of the conditional token to recipient.
func (c *Client) FindIncomingERC1155(ctx context.Context, token, recipient common.Address, lookback uint64) ([]IncomingERC1155, error) {
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
			{ERC1155TransferSingleTopic},
			nil,
			nil,
			{common.BytesToHash(recipient.Bytes())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("filter erc1155 logs: %w", err)
	}
	var found []IncomingERC1155
	for _, lg := range logs {
		in, err := decodeTransferSingle(lg)
		if err != nil {
			continue
		}
		found = append(found, in)
	}
	return found, nil
}

func decodeTransferSingle(lg types.Log) (IncomingERC1155, error) {
	if len(lg.Topics) < 4 || len(lg.Data) < 64 {
		return IncomingERC1155{}, fmt.Errorf("malformed TransferSingle log")
	}
	return IncomingERC1155{
		From:   common.BytesToAddress(lg.Topics[2].Bytes()),
		ID:     new(big.Int).SetBytes(lg.Data[:32]),
		Amount: new(big.Int).SetBytes(lg.Data[32:64]),
		TxHash: lg.TxHash,
		Block:  lg.BlockNumber,
	}, nil
}
