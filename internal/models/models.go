package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side of the book
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is how an order is priced
type OrderType string

const (
	TypeLimit      OrderType = "limit"
	TypeMarket     OrderType = "market"
	TypeStopLimit  OrderType = "stop_limit"
	TypeStopMarket OrderType = "stop_market"
)

// Known reports whether t is one of the four supported order types
func (t OrderType) Known() bool {
	switch t {
	case TypeLimit, TypeMarket, TypeStopLimit, TypeStopMarket:
		return true
	}
	return false
}

// LimitPriced reports whether orders of this type carry their own price
func (t OrderType) LimitPriced() bool {
	return t == TypeLimit || t == TypeStopLimit
}

// IsStop reports whether orders of this type wait for a trigger
func (t OrderType) IsStop() bool {
	return t == TypeStopLimit || t == TypeStopMarket
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusNew       OrderStatus = "new"
	StatusPending   OrderStatus = "pending"
	StatusStopping  OrderStatus = "stopping"
	StatusExecuting OrderStatus = "executing"
	StatusExecuted  OrderStatus = "executed"
	StatusCanceled  OrderStatus = "canceled"
)

// MarketType separates the regular order book from the instant-convert segment
type MarketType string

const (
	MarketNormal  MarketType = "normal"
	MarketConvert MarketType = "convert"
)

// StopCondition compares the last traded price against an order's stop price
type StopCondition string

const (
	StopAtOrAbove StopCondition = ">="
	StopAtOrBelow StopCondition = "<="
)

// Triggered reports whether lastPrice satisfies the condition against stop
func (c StopCondition) Triggered(stop, lastPrice decimal.Decimal) bool {
	switch c {
	case StopAtOrAbove:
		return lastPrice.GreaterThanOrEqual(stop)
	case StopAtOrBelow:
		return lastPrice.LessThanOrEqual(stop)
	}
	return false
}

// Pair identifies a trading pair
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Account is one user's holding of one asset
type Account struct {
	UserID           int64           `json:"user_id"`
	Asset            string          `json:"asset"`
	Balance          decimal.Decimal `json:"balance"`           // Total holding
	AvailableBalance decimal.Decimal `json:"available_balance"` // Balance minus open-order reservations
}

// Apply returns the account after d, without checking invariants
func (a Account) Apply(d AccountDelta) Account {
	a.Balance = a.Balance.Add(d.Balance)
	a.AvailableBalance = a.AvailableBalance.Add(d.Available)
	return a
}

// Valid reports whether 0 <= available <= balance
func (a Account) Valid() bool {
	return !a.AvailableBalance.IsNegative() && a.AvailableBalance.LessThanOrEqual(a.Balance)
}

// AccountDelta is a signed change to one account row
type AccountDelta struct {
	UserID    int64
	Asset     string
	Balance   decimal.Decimal
	Available decimal.Decimal
}

// IsZero reports whether the delta changes nothing
func (d AccountDelta) IsZero() bool {
	return d.Balance.IsZero() && d.Available.IsZero()
}

// Trade represents an executed match between a buy and a sell order
type Trade struct {
	ID           int64           `json:"id"`
	BuyOrderID   int64           `json:"buy_order_id"`
	SellOrderID  int64           `json:"sell_order_id"`
	BuyerID      int64           `json:"buyer_id"`
	SellerID     int64           `json:"seller_id"`
	BaseAsset    string          `json:"base_asset"`
	QuoteAsset   string          `json:"quote_asset"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	BuyFee       decimal.Decimal `json:"buy_fee"`  // In base asset
	SellFee      decimal.Decimal `json:"sell_fee"` // In quote asset
	IsBuyerMaker bool            `json:"is_buyer_maker"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// PriceLevel is the aggregate resting quantity at one price
type PriceLevel struct {
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Count    int             `json:"count"`
}

// PairSetting is the masterdata for a trading pair
type PairSetting struct {
	Pair              Pair
	PricePrecision    int32
	QuantityPrecision int32
	MinimumQuantity   decimal.Decimal
	MinimumAmount     decimal.Decimal
	PriceGroups       []decimal.Decimal // Tick sizes the book is aggregated at
}

// MarketFee holds the maker and taker rates for a pair and market segment
type MarketFee struct {
	Pair       Pair
	MarketType MarketType
	MakerRate  decimal.Decimal
	TakerRate  decimal.Decimal
}

// FeeExemption waives trading fees for one user on one pair
type FeeExemption struct {
	UserID int64
	Pair   Pair
}
