package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

var eip712DomainTypehash = crypto.Keccak256Hash(
	[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
)

// exchangeOrderTypehash covers the order layout shared by CTF exchange
// deployments on polymarket and limitless.
var exchangeOrderTypehash = crypto.Keccak256Hash(
	[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
)

func padAddress(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func padUint(v *big.Int) []byte {
	if v == nil {
		v = big.NewInt(0)
	}
	return math.U256Bytes(new(big.Int).Set(v))
}

// DomainSeparator computes the EIP-712 domain hash for a named contract.
func DomainSeparator(name, version string, chainID int64, verifying common.Address) common.Hash {
	return crypto.Keccak256Hash(
		eip712DomainTypehash.Bytes(),
		crypto.Keccak256([]byte(name)),
		crypto.Keccak256([]byte(version)),
		padUint(big.NewInt(chainID)),
		padAddress(verifying),
	)
}

// TypedDataHash is the final EIP-712 digest: keccak256(0x19 0x01 || domain || struct).
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

// ExchangeOrder is the signable maker order for CTF exchange contracts.
type ExchangeOrder struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// StructHash returns the EIP-712 struct hash of the order.
func (o *ExchangeOrder) StructHash() common.Hash {
	return crypto.Keccak256Hash(
		exchangeOrderTypehash.Bytes(),
		padUint(o.Salt),
		padAddress(o.Maker),
		padAddress(o.Signer),
		padAddress(o.Taker),
		padUint(o.TokenID),
		padUint(o.MakerAmount),
		padUint(o.TakerAmount),
		padUint(o.Expiration),
		padUint(o.Nonce),
		padUint(o.FeeRateBps),
		padUint(big.NewInt(int64(o.Side))),
		padUint(big.NewInt(int64(o.SignatureType))),
	)
}

// SignExchangeOrder signs an order against a verifying exchange contract.
func SignExchangeOrder(s *Signer, o *ExchangeOrder, domainName, domainVersion string, chainID int64, exchange common.Address) ([]byte, error) {
	domain := DomainSeparator(domainName, domainVersion, chainID, exchange)
	return s.SignHash(TypedDataHash(domain, o.StructHash()))
}
