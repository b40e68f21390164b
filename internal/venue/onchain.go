package venue

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/premarket-labs/router/internal/chain"
)

// Gas limits for the custody transfer shapes every venue shares.
const (
	gasStableTransfer = 100000
	gasShareTransfer  = 200000
	gasApprove        = 100000
)

// maxUint256 is the unlimited-approval amount.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// onchain bundles the chain-side custody operations shared by all venues:
// balances, user transfers against pre-granted allowances and deposit scans.
// The custody address holds positions; the signer pays gas. For EOA venues
// they coincide, for smart-wallet venues they differ.
type onchain struct {
	client  *chain.Client
	signer  *chain.Signer
	custody common.Address
	stable  common.Address
	ctf     common.Address
}

// Custody returns the address holding positions and stablecoin.
func (o *onchain) Custody() common.Address { return o.custody }

// ConditionalToken returns the venue's ERC1155 share contract.
func (o *onchain) ConditionalToken() common.Address { return o.ctf }

// CustodialShares defaults to off; smart-wallet venues override it.
func (o *onchain) CustodialShares() bool { return false }

func parseTokenID(tokenID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id %q", tokenID)
	}
	return id, nil
}

func (o *onchain) StablecoinBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	if (account == common.Address{}) {
		account = o.custody
	}
	return o.client.ERC20BalanceOf(ctx, o.stable, account)
}

func (o *onchain) ShareBalance(ctx context.Context, account common.Address, tokenID string) (*big.Int, error) {
	if (account == common.Address{}) {
		account = o.custody
	}
	id, err := parseTokenID(tokenID)
	if err != nil {
		return nil, err
	}
	return o.client.ERC1155BalanceOf(ctx, o.ctf, account, id)
}

func (o *onchain) TransferStableFromUser(ctx context.Context, user common.Address, amount *big.Int) (string, error) {
	hash, err := o.client.ERC20TransferFrom(ctx, o.signer, o.stable, user, o.custody, amount, gasStableTransfer)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (o *onchain) TransferStableToUser(ctx context.Context, user common.Address, amount *big.Int) (string, error) {
	var hash common.Hash
	var err error
	if o.custody == o.signer.Address() {
		hash, err = o.client.ERC20Transfer(ctx, o.signer, o.stable, user, amount, gasStableTransfer)
	} else {
		// Custody is a smart wallet; drain via the allowance it granted.
		hash, err = o.client.ERC20TransferFrom(ctx, o.signer, o.stable, o.custody, user, amount, gasStableTransfer)
	}
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (o *onchain) TransferSharesFromUser(ctx context.Context, user common.Address, tokenID string, amount *big.Int) (string, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return "", err
	}
	hash, err := o.client.ERC1155SafeTransferFrom(ctx, o.signer, o.ctf, user, o.custody, id, amount, gasShareTransfer)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (o *onchain) TransferSharesToUser(ctx context.Context, user common.Address, tokenID string, amount *big.Int) (string, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return "", err
	}
	hash, err := o.client.ERC1155SafeTransferFrom(ctx, o.signer, o.ctf, o.custody, user, id, amount, gasShareTransfer)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (o *onchain) FindIncomingShares(ctx context.Context, tokenID string, expected *big.Int, lookback uint64) (*Incoming, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return nil, err
	}
	deposits, err := o.client.FindIncomingERC1155(ctx, o.ctf, o.custody, lookback)
	if err != nil {
		return nil, err
	}
	// Bridges and exchanges shave fees, accept 95% of the expectation.
	threshold := acceptThreshold(expected)
	for i := len(deposits) - 1; i >= 0; i-- {
		d := deposits[i]
		if d.ID.Cmp(id) == 0 && d.Amount.Cmp(threshold) >= 0 {
			return &Incoming{Found: true, TxHash: d.TxHash.Hex(), Amount: d.Amount, Block: d.Block}, nil
		}
	}
	return &Incoming{Amount: big.NewInt(0)}, nil
}

func (o *onchain) FindIncomingStable(ctx context.Context, expected *big.Int, lookback uint64) (*Incoming, error) {
	deposits, err := o.client.FindIncomingERC20(ctx, o.stable, o.custody, lookback)
	if err != nil {
		return nil, err
	}
	threshold := acceptThreshold(expected)
	for i := len(deposits) - 1; i >= 0; i-- {
		d := deposits[i]
		if d.Amount.Cmp(threshold) >= 0 {
			return &Incoming{Found: true, TxHash: d.TxHash.Hex(), Amount: d.Amount, Block: d.Block}, nil
		}
	}
	return &Incoming{Amount: big.NewInt(0)}, nil
}

func acceptThreshold(expected *big.Int) *big.Int {
	t := new(big.Int).Mul(expected, big.NewInt(95))
	return t.Div(t, big.NewInt(100))
}

func (o *onchain) CheckUserApproval(ctx context.Context, user common.Address) (Approvals, error) {
	var approvals Approvals
	shares, err := o.client.ERC1155IsApprovedForAll(ctx, o.ctf, user, o.signer.Address())
	if err != nil {
		return approvals, fmt.Errorf("check share approval: %w", err)
	}
	approvals.Shares = shares
	allowance, err := o.client.ERC20Allowance(ctx, o.stable, user, o.signer.Address())
	if err != nil {
		return approvals, fmt.Errorf("check stable approval: %w", err)
	}
	approvals.Stable = allowance.Sign() > 0
	approvals.StableAllowance = allowance
	return approvals, nil
}
