// Package order defines the durable order records and their flat-file
// store. Every state transition the engine makes is persisted here, so a
// restart resumes each order from its last recorded status.
package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type discriminates the two lifecycles an order can follow.
type Type string

const (
	TypeBuy  Type = "buy"
	TypeSell Type = "sell"
)

// Status values. Buys advance pending -> sent -> bridged -> matched ->
// filled; sells advance shares_pulled -> sell_matched -> sell_settled ->
// bridging_back -> completed. The failure and killed states are terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusBridged Status = "bridged"
	StatusMatched Status = "matched"
	StatusFilled  Status = "filled"

	StatusSharesPulled Status = "shares_pulled"
	StatusSellMatched  Status = "sell_matched"
	StatusSellSettled  Status = "sell_settled"
	StatusBridgingBack Status = "bridging_back"
	StatusCompleted    Status = "completed"

	StatusFailed       Status = "failed"
	StatusTradeFailed  Status = "trade_failed"
	StatusBridgeFailed Status = "bridge_failed"
	StatusKilled       Status = "killed"
)

// Retry bounds. Kill marks an order by forcing the counters past any bound.
const (
	MaxTradeRetries  = 5
	MaxBridgeRetries = 5
	MaxSettleChecks  = MaxTradeRetries * 2
	KilledRetries    = 99
)

// Bridge tracks one outbound LiFi transfer of a buy order, keyed by
// destination chain id. Amount is in source-chain base units, kept as a
// string since 18-decimal chains overflow int64.
type Bridge struct {
	Amount   string `json:"amount"`
	BridgeTx string `json:"bridge_tx,omitempty"`
	Status   string `json:"status"`

	// ReceivingTx and ReceivingChain are the destination-chain payout
	// reported by the bridge status API once the transfer completes.
	ReceivingTx    string `json:"receiving_tx,omitempty"`
	ReceivingChain int64  `json:"receiving_chain,omitempty"`
}

// Bridge status values.
const (
	BridgeSent   = "sent"
	BridgeDone   = "done"
	BridgeFailed = "failed"
)

// Leg is the per-venue slice of an order: the routed allocation, then the
// upstream order it turned into.
type Leg struct {
	MarketID string          `json:"market_id"`
	TokenID  string          `json:"token_id"`
	Spent    decimal.Decimal `json:"spent"`
	Qty      decimal.Decimal `json:"qty"`
	AvgPrice decimal.Decimal `json:"avg_price"`

	OrderID     string `json:"order_id,omitempty"`
	OrderStatus string `json:"order_status,omitempty"`
	Error       string `json:"error,omitempty"`

	// Sell bookkeeping: shares pulled in, the custody stablecoin balance
	// snapshotted before placement, and how proceeds or shares were
	// ultimately delivered.
	Shares        decimal.Decimal `json:"shares,omitempty"`
	BalanceBefore string          `json:"balance_before,omitempty"`
	Proceeds      decimal.Decimal `json:"proceeds,omitempty"`
	Delivery      string          `json:"delivery,omitempty"`
	TransferTx    string          `json:"transfer_tx,omitempty"`
	BridgeBackTx  string          `json:"bridge_back_tx,omitempty"`
}

// Delivery values for sell legs.
const (
	DeliveryBridgedBack = "bridged_back"
	DeliveryDirect      = "direct_transfer"
	DeliveryKeptOnChain = "kept_on_smart_wallet"
)

// Order is one durable router order.
type Order struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserWallet string `json:"user_wallet"`
	FromChain  int64  `json:"from_chain"`
	// ToChain is where sell proceeds are delivered; zero for buys.
	ToChain int64  `json:"to_chain,omitempty"`
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
	Side    string `json:"side"`

	Budget decimal.Decimal `json:"budget"`

	Platforms map[string]*Leg    `json:"platforms"`
	Bridges   map[string]*Bridge `json:"bridges,omitempty"`

	// TxHash is the custody pull on the source chain.
	TxHash string `json:"tx_hash,omitempty"`

	// ReceivingTx and ReceivingChain record where a sell's bridged-back
	// proceeds landed.
	ReceivingTx    string `json:"receiving_tx,omitempty"`
	ReceivingChain int64  `json:"receiving_chain,omitempty"`

	TradeRetries  int `json:"trade_retries"`
	BridgeRetries int `json:"bridge_retries"`
	SettleChecks  int `json:"settle_checks"`

	Error string `json:"error,omitempty"`

	// BuyID links a sell back to the buy whose position it unwinds.
	BuyID string `json:"buy_id,omitempty"`
}

// Touch stamps the order as modified now.
func (o *Order) Touch() { o.UpdatedAt = time.Now().UTC() }

// Terminal reports whether no further transitions can occur. A bridge
// failure during proceeds return stays retryable until its counter is
// exhausted; everything else terminal is terminal outright.
func (o *Order) Terminal() bool {
	switch o.Status {
	case StatusFilled, StatusCompleted, StatusFailed, StatusTradeFailed, StatusKilled:
		return true
	case StatusBridgeFailed:
		return o.BridgeRetries >= MaxBridgeRetries
	}
	return false
}

// Kill forces every retry counter past its bound and marks the order
// killed. Later ticks skip it permanently.
func (o *Order) Kill() {
	o.TradeRetries = KilledRetries
	o.BridgeRetries = KilledRetries
	o.SettleChecks = KilledRetries
	o.Status = StatusKilled
	o.Touch()
}

// Fail records a terminal error with the given status.
func (o *Order) Fail(status Status, err error) {
	o.Status = status
	if err != nil {
		o.Error = err.Error()
	}
	o.Touch()
}
