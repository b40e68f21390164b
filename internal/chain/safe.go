package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Safe v1.3+ typehashes. The custody wallet on opinion is a single-owner
// Safe, so one EIP-712 signature from the owner satisfies the threshold.
var (
	safeDomainTypehash = crypto.Keccak256Hash(
		[]byte("EIP712Domain(uint256 chainId,address verifyingContract)"),
	)
	safeTxTypehash = crypto.Keccak256Hash(
		[]byte("SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)"),
	)
)

var safeABI = mustABI(`[
  {"name":"nonce","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"execTransaction","type":"function","stateMutability":"payable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},{"name":"operation","type":"uint8"},{"name":"safeTxGas","type":"uint256"},{"name":"baseGas","type":"uint256"},{"name":"gasPrice","type":"uint256"},{"name":"gasToken","type":"address"},{"name":"refundReceiver","type":"address"},{"name":"signatures","type":"bytes"}],"outputs":[{"name":"","type":"bool"}]}
]`)

// SafeNonce reads the Safe's sequential transaction nonce.
func (c *Client) SafeNonce(ctx context.Context, safe common.Address) (*big.Int, error) {
	data, err := safeABI.Pack("nonce")
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, safe, data)
	if err != nil {
		return nil, fmt.Errorf("safe nonce %s: %w", safe.Hex(), err)
	}
	return new(big.Int).SetBytes(out), nil
}

func safeDomainSeparator(chainID int64, safe common.Address) common.Hash {
	return crypto.Keccak256Hash(
		safeDomainTypehash.Bytes(),
		padUint(big.NewInt(chainID)),
		padAddress(safe),
	)
}

func safeTxHash(chainID int64, safe, to common.Address, value *big.Int, data []byte, nonce *big.Int) common.Hash {
	structHash := crypto.Keccak256Hash(
		safeTxTypehash.Bytes(),
		padAddress(to),
		padUint(value),
		crypto.Keccak256(data),
		padUint(big.NewInt(0)), // operation: CALL
		padUint(big.NewInt(0)), // safeTxGas
		padUint(big.NewInt(0)), // baseGas
		padUint(big.NewInt(0)), // gasPrice
		padAddress(common.Address{}),
		padAddress(common.Address{}),
		padUint(nonce),
	)
	return TypedDataHash(safeDomainSeparator(chainID, safe), structHash)
}

// SafeExec runs an inner call through the Safe via execTransaction. The
// owner signs the SafeTx digest and also submits the outer transaction,
// paying gas from its own balance.
func (c *Client) SafeExec(ctx context.Context, owner *Signer, safe, to common.Address, value *big.Int, data []byte, gasLimit uint64) (common.Hash, error) {
	nonce, err := c.SafeNonce(ctx, safe)
	if err != nil {
		return common.Hash{}, err
	}
	if value == nil {
		value = big.NewInt(0)
	}
	sig, err := owner.SignHash(safeTxHash(c.chainID.Int64(), safe, to, value, data, nonce))
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign safe tx: %w", err)
	}
	calldata, err := safeABI.Pack("execTransaction",
		to, value, data, uint8(0),
		big.NewInt(0), big.NewInt(0), big.NewInt(0),
		common.Address{}, common.Address{}, sig,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return c.Send(ctx, owner, TxRequest{To: safe, Data: calldata, GasLimit: gasLimit})
}

// SafeApproveERC20 grants spender an allowance from the Safe's balance, used
// during setup so the gas-paying EOA can later drain custody with
// transferFrom instead of a Safe execution per order.
func (c *Client) SafeApproveERC20(ctx context.Context, owner *Signer, safe, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	inner, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return c.SafeExec(ctx, owner, safe, token, nil, inner, 300000)
}
