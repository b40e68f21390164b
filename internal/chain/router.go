package chain

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var routerABI = mustABI(`[
  {"name":"transferERC20","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"from","type":"address"},{"name":"platformId","type":"uint8"},{"name":"amount","type":"uint256"},{"name":"metadata","type":"bytes"}],"outputs":[]},
  {"name":"transferERC1155","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"from","type":"address"},{"name":"platformId","type":"uint8"},{"name":"tokenId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"metadata","type":"bytes"}],"outputs":[]},
  {"name":"bridgeViaLiFi","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"from","type":"address"},{"name":"amount","type":"uint256"},{"name":"lifiDiamond","type":"address"},{"name":"lifiData","type":"bytes"},{"name":"metadata","type":"bytes"}],"outputs":[]}
]`)

// PlatformID maps venue names to the uint8 tag the router contract records
// with each pull. Unknown venues map to zero.
var PlatformID = map[string]uint8{
	"polymarket": 1,
	"opinion":    2,
	"limitless":  3,
}

// pullGasLimit covers router pulls, which are plain token moves plus an event.
const pullGasLimit = 200000

// Metadata serializes an order annotation into the bytes the router emits.
func Metadata(fields map[string]any) []byte {
	b, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return b
}

// RouterPullERC20 pulls amount of token from holder into the router custody
// account, tagged with the venue's platform id.
func (c *Client) RouterPullERC20(ctx context.Context, s *Signer, router, token, holder common.Address, platform string, amount *big.Int, metadata []byte) (common.Hash, error) {
	data, err := routerABI.Pack("transferERC20", token, holder, PlatformID[platform], amount, metadata)
	if err != nil {
		return common.Hash{}, err
	}
	return c.Send(ctx, s, TxRequest{To: router, Data: data, GasLimit: pullGasLimit})
}

// RouterPullERC1155 pulls shares of tokenID from holder into custody.
func (c *Client) RouterPullERC1155(ctx context.Context, s *Signer, router, token, holder common.Address, platform string, tokenID, amount *big.Int, metadata []byte) (common.Hash, error) {
	data, err := routerABI.Pack("transferERC1155", token, holder, PlatformID[platform], tokenID, amount, metadata)
	if err != nil {
		return common.Hash{}, err
	}
	return c.Send(ctx, s, TxRequest{To: router, Data: data, GasLimit: pullGasLimit})
}

// RouterBridgeViaLiFi pulls amount from holder and forwards it into the LiFi
// diamond in one call, using calldata obtained from a bridge quote.
func (c *Client) RouterBridgeViaLiFi(ctx context.Context, s *Signer, router, token, holder common.Address, amount *big.Int, diamond common.Address, lifiData, metadata []byte, gasLimit uint64) (common.Hash, error) {
	data, err := routerABI.Pack("bridgeViaLiFi", token, holder, amount, diamond, lifiData, metadata)
	if err != nil {
		return common.Hash{}, err
	}
	return c.Send(ctx, s, TxRequest{To: router, Data: data, GasLimit: gasLimit})
}
