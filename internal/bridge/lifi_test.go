package bridge

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexUint_Formats(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{`"0x30d40"`, 200000},
		{`"0X1"`, 1},
		{`"250000"`, 250000},
		{`300000`, 300000},
		{`""`, 0},
		{`null`, 0},
	}
	for _, tc := range cases {
		var f flexUint
		require.NoError(t, json.Unmarshal([]byte(tc.in), &f), "input %s", tc.in)
		assert.Equal(t, tc.want, uint64(f), "input %s", tc.in)
	}

	var f flexUint
	assert.Error(t, json.Unmarshal([]byte(`"not-a-number"`), &f))
}

func TestTransactionRequest_GasFloor(t *testing.T) {
	tr := &TransactionRequest{GasLimit: 120000}
	assert.Equal(t, uint64(800000), tr.Gas())

	tr.GasLimit = 499999
	assert.Equal(t, uint64(800000), tr.Gas())

	tr.GasLimit = 900000
	assert.Equal(t, uint64(900000), tr.Gas())
}

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient(Config{
		BaseURL:      srv.URL,
		Integrator:   "test-router",
		RateLimitRPS: 1000,
	})
	return c, srv
}

func TestGetQuote_ParamsAndDecode(t *testing.T) {
	var gotPath string
	var gotQuery map[string]string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.Write([]byte(`{
			"tool": "stargate",
			"transactionRequest": {"to": "0xdead", "data": "0x1234", "value": "0x0", "gasLimit": "0x30d40"},
			"estimate": {"toAmount": "995000", "toAmountMin": "990000"}
		}`))
	}))
	defer srv.Close()

	q, err := c.GetQuote(context.Background(), QuoteRequest{
		FromChain:   8453,
		ToChain:     137,
		FromToken:   "0xusdc-base",
		ToToken:     "0xusdc-poly",
		FromAmount:  big.NewInt(1000000),
		FromAddress: "0xfrom",
		ToAddress:   "0xto",
	})
	require.NoError(t, err)

	assert.Equal(t, "/quote", gotPath)
	assert.Equal(t, "8453", gotQuery["fromChain"])
	assert.Equal(t, "137", gotQuery["toChain"])
	assert.Equal(t, "1000000", gotQuery["fromAmount"])
	assert.Equal(t, "test-router", gotQuery["integrator"])
	assert.Equal(t, "0.50", gotQuery["slippage"])

	assert.Equal(t, "stargate", q.Tool)
	assert.Equal(t, "0xdead", q.TransactionRequest.To)
	assert.Equal(t, uint64(800000), q.TransactionRequest.Gas())
	assert.Equal(t, "995000", q.Estimate.ToAmount)
}

func TestGetQuote_SellBackSlippage(t *testing.T) {
	var slip string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slip = r.URL.Query().Get("slippage")
		w.Write([]byte(`{"transactionRequest": {"to": "0x1", "data": "0x", "gasLimit": "600000"}}`))
	}))
	defer srv.Close()

	_, err := c.GetQuote(context.Background(), QuoteRequest{
		FromAmount: big.NewInt(1), SellBack: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "0.05", slip)
}

func TestGetQuote_RejectedWithoutTransaction(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message": "No available quotes for the requested transfer"}`))
	}))
	defer srv.Close()

	_, err := c.GetQuote(context.Background(), QuoteRequest{FromChain: 56, ToChain: 8453, FromAmount: big.NewInt(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.Contains(t, err.Error(), "No available quotes")
}

func TestGetStatus_Mapping(t *testing.T) {
	status := "DONE"
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		assert.Equal(t, "0xhash", r.URL.Query().Get("txHash"))
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"receiving": map[string]any{"txHash": "0xpayout", "chainId": "0x2105"},
		})
	}))
	defer srv.Close()

	got, err := c.GetStatus(context.Background(), "0xhash")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, "0xpayout", got.Receiving.TxHash)
	assert.Equal(t, int64(8453), got.Receiving.ChainID)

	status = "FAILED"
	got, err = c.GetStatus(context.Background(), "0xhash")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	// Anything else, including LiFi's NOT_FOUND, reads as in flight.
	status = "NOT_FOUND"
	got, err = c.GetStatus(context.Background(), "0xhash")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestGet_UpstreamErrorTripsRequest(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := c.GetStatus(context.Background(), "0xhash")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream 502")
}
