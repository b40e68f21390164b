package api

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/premarket-labs/router/internal/order"
)

func equalAddress(a, b string) bool {
	if common.IsHexAddress(a) && common.IsHexAddress(b) {
		return common.HexToAddress(a) == common.HexToAddress(b)
	}
	return strings.EqualFold(a, b)
}

// liveShares reads the current on-chain balance behind a buy leg: the user
// wallet for delivered shares, the venue custody for shares it kept.
func (s *Server) liveShares(r *http.Request, o *order.Order, name string, leg *order.Leg) (decimal.Decimal, error) {
	a, err := s.venues.Get(name)
	if err != nil {
		return decimal.Zero, err
	}
	account := common.HexToAddress(o.UserWallet)
	if a.CustodialShares() {
		account = a.Custody()
	}
	balance, err := a.ShareBalance(r.Context(), account, leg.TokenID)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(balance, 0).Shift(-a.Decimals()), nil
}
