// Package model holds the domain types shared across the trading core:
// assets, pairs, balances, orders, fills, and the ledger audit trail.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Enums ────────────────────────────────────────────

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
	// TypeStop is reserved by the schema but never triggered by the core (spec Non-goals).
	TypeStop OrderType = "STOP"
)

type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

type OrderStatus string

const (
	StatusPending        OrderStatus = "pending"
	StatusPartial        OrderStatus = "partial"
	StatusFilled         OrderStatus = "filled"
	StatusCancelled      OrderStatus = "cancelled"
	StatusRejected       OrderStatus = "rejected"
	StatusRejectedPartial OrderStatus = "rejected_partial"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusRejectedPartial:
		return true
	default:
		return false
	}
}

type LedgerEntryKind string

const (
	KindDeposit    LedgerEntryKind = "deposit"
	KindWithdrawal LedgerEntryKind = "withdrawal"
	KindTrade      LedgerEntryKind = "trade"
	KindFee        LedgerEntryKind = "fee"
	KindLock       LedgerEntryKind = "lock"
	KindUnlock     LedgerEntryKind = "unlock"
)

// SystemFeeUser is the synthetic ledger principal that accrues trading fees,
// keeping balance-conservation (spec §8 invariant 1) true without a special case.
const SystemFeeUser = "_fees"

// MarketMakerUser is the synthetic principal the market maker trades as.
const MarketMakerUser = "_marketmaker"

// ── Auth ─────────────────────────────────────────────

// User is the minimal identity record backing JWT bearer auth (spec §6:
// "the minimal auth needed to drive the core"). HD-wallet custody and 2FA
// are out of scope.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ── Reference data ───────────────────────────────────

// Asset is a tradeable currency: a chain-tagged symbol with fixed-point precision.
type Asset struct {
	Symbol      string `json:"symbol"`
	Chain       string `json:"chain"`
	Decimals    int32  `json:"decimals"`
	MinDeposit  decimal.Decimal `json:"min_deposit"`
	MinWithdraw decimal.Decimal `json:"min_withdraw"`
	Active      bool   `json:"active"`
}

// TradingPair is an ordered (base, quote) market, symbol "BASE/QUOTE".
type TradingPair struct {
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	MinOrderSize decimal.Decimal `json:"min_order_size"`
	MaxOrderSize decimal.Decimal `json:"max_order_size"`
	PriceStep   decimal.Decimal `json:"price_step"`
	SizeStep    decimal.Decimal `json:"size_step"`
	MakerFee    decimal.Decimal `json:"maker_fee"`
	TakerFee    decimal.Decimal `json:"taker_fee"`
	Active      bool            `json:"active"`
}

// Symbol returns the canonical "BASE/QUOTE" identifier.
func (p TradingPair) Symbol() string { return p.Base + "/" + p.Quote }

// ── Balances ─────────────────────────────────────────

// Balance is a (userId, asset) pair's available and locked quantities.
type Balance struct {
	UserID    string          `json:"user_id"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

func (b Balance) Total() decimal.Decimal { return b.Available.Add(b.Locked) }

// ── Orders ───────────────────────────────────────────

type Order struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Pair          string          `json:"pair"`
	Type          OrderType       `json:"type"`
	Side          OrderSide       `json:"side"`
	Price         decimal.NullDecimal `json:"price"`
	QuoteBudget   decimal.NullDecimal `json:"quote_budget,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Filled        decimal.Decimal `json:"filled"`
	Remaining     decimal.Decimal `json:"remaining"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	Status        OrderStatus     `json:"status"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	LockedAmount  decimal.Decimal `json:"locked_amount"`
	LockedAsset   string          `json:"locked_asset"`
	Seq           int64           `json:"seq"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	RejectReason  string          `json:"reject_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	FilledAt      *time.Time      `json:"filled_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
}

// OrderFill is one counterparty fill of one order (a match writes two, one per side).
type OrderFill struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	TradeSeq  int64           `json:"trade_seq"`
	Pair      string          `json:"pair"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	FeeAsset  string          `json:"fee_asset"`
	IsMaker   bool            `json:"is_maker"`
	CreatedAt time.Time       `json:"created_at"`
}

// Trade is the pair-level record of one match (taker's perspective), used by
// the fan-out bus's trade@<pair> topic and the public trade-history query.
type Trade struct {
	ID           string          `json:"id"`
	Pair         string          `json:"pair"`
	TakerOrderID string          `json:"taker_order_id"`
	MakerOrderID string          `json:"maker_order_id"`
	TakerUserID  string          `json:"taker_user_id"`
	MakerUserID  string          `json:"maker_user_id"`
	TakerSide    OrderSide       `json:"taker_side"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	Seq          int64           `json:"seq"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ── Ledger ───────────────────────────────────────────

// LedgerEntry is an append-only audit record of one balance mutation.
type LedgerEntry struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	OrderID        string          `json:"order_id,omitempty"`
	Kind           LedgerEntryKind `json:"kind"`
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"` // signed
	BalanceBefore  decimal.Decimal `json:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Description    string          `json:"description"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ── Wire DTOs (§6 RPC surface) ───────────────────────

type SubmitOrderReq struct {
	Pair          string          `json:"pair"`
	Type          OrderType       `json:"type"`
	Side          OrderSide       `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	QuoteBudget   *decimal.Decimal `json:"quoteBudget,omitempty"`
	TimeInForce   TimeInForce     `json:"timeInForce,omitempty"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
}

type SubmitOrderResult struct {
	OrderID      string          `json:"orderId"`
	Status       OrderStatus     `json:"status"`
	Filled       decimal.Decimal `json:"filled"`
	Remaining    decimal.Decimal `json:"remaining"`
	AveragePrice decimal.Decimal `json:"averagePrice,omitempty"`
	Fills        []OrderFill     `json:"fills"`
	Reason       string          `json:"reason,omitempty"`
}

type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type BookSnapshot struct {
	Pair        string      `json:"pair"`
	Bids        []BookLevel `json:"bids"`
	Asks        []BookLevel `json:"asks"`
	LastUpdated time.Time   `json:"lastUpdated"`
	Sequence    int64       `json:"sequence"`
}

type Ticker struct {
	Pair      string          `json:"pair"`
	LastPrice decimal.Decimal `json:"lastPrice"`
	BestBid   decimal.Decimal `json:"bestBid"`
	BestAsk   decimal.Decimal `json:"bestAsk"`
	Spread    decimal.Decimal `json:"spread"`
	MidPrice  decimal.Decimal `json:"midPrice"`
	High24h   decimal.Decimal `json:"high24h"`
	Low24h    decimal.Decimal `json:"low24h"`
	Volume24h decimal.Decimal `json:"volume24h"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
