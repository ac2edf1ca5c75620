package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a buy or sell order
type Order struct {
	ID               int64               `json:"id"`
	UserID           int64               `json:"user_id"`
	BaseAsset        string              `json:"base_asset"`
	QuoteAsset       string              `json:"quote_asset"`
	Side             Side                `json:"side"`
	Type             OrderType           `json:"type"`
	Price            decimal.NullDecimal `json:"price"`      // Only for limit and stop-limit
	StopPrice        decimal.NullDecimal `json:"stop_price"` // Only for stop orders
	StopCondition    StopCondition       `json:"stop_condition,omitempty"`
	Quantity         decimal.Decimal     `json:"quantity"`
	ExecutedQuantity decimal.Decimal     `json:"executed_quantity"`
	Fee              decimal.Decimal     `json:"fee"`
	Status           OrderStatus         `json:"status"`
	MarketType       MarketType          `json:"market_type"`
	CreatedAt        time.Time           `json:"created_at"` // Used for time priority and maker/taker
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Pair returns the trading pair of the order
func (o Order) Pair() Pair {
	return Pair{Base: o.BaseAsset, Quote: o.QuoteAsset}
}

// Remaining is the quantity still open
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.ExecutedQuantity)
}

// IsLimitPriced reports whether the order has its own price
func (o Order) IsLimitPriced() bool {
	return o.Type.LimitPriced() && o.Price.Valid
}

// IsTerminal reports whether the order can no longer change
func (o Order) IsTerminal() bool {
	return o.Status == StatusExecuted || o.Status == StatusCanceled
}

// CanCancel reports whether a cancellation request is legal
func (o Order) CanCancel() bool {
	switch o.Status {
	case StatusNew, StatusPending, StatusStopping, StatusExecuting:
		return true
	}
	return false
}

// OnBook reports whether the order has been admitted to the order book
func (o Order) OnBook() bool {
	return o.Status == StatusPending || o.Status == StatusExecuting
}

// Reserved is the amount set aside at creation for the remaining quantity.
// Limit buys reserve quote at their own price, sells reserve the base quantity,
// market buys reserve nothing.
func (o Order) Reserved() decimal.Decimal {
	if o.Side == SideSell {
		return o.Remaining()
	}
	if o.IsLimitPriced() {
		return o.Price.Decimal.Mul(o.Remaining())
	}
	return decimal.Zero
}

// ReservedAsset is the asset Reserved is denominated in
func (o Order) ReservedAsset() string {
	if o.Side == SideSell {
		return o.BaseAsset
	}
	return o.QuoteAsset
}

// Fill returns the order after executing qty and accruing fee.
// complete marks the order EXECUTED even when quantity is left, which happens
// when a market buy exhausts what its balance can pay for.
func (o Order) Fill(qty, fee decimal.Decimal, complete bool, at time.Time) Order {
	o.ExecutedQuantity = o.ExecutedQuantity.Add(qty)
	o.Fee = o.Fee.Add(fee)
	if complete || o.Remaining().Sign() <= 0 {
		o.Status = StatusExecuted
	} else {
		o.Status = StatusExecuting
	}
	o.UpdatedAt = at
	return o
}

// WithStatus returns the order in status s
func (o Order) WithStatus(s OrderStatus, at time.Time) Order {
	o.Status = s
	o.UpdatedAt = at
	return o
}

// Validate checks the structural invariants of an order
func (o Order) Validate() error {
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("order %d: invalid side %q", o.ID, o.Side)
	}
	if !o.Type.Known() {
		return fmt.Errorf("order %d: unknown type %q", o.ID, o.Type)
	}
	if o.Type.LimitPriced() != o.Price.Valid {
		return fmt.Errorf("order %d: price must be set exactly for limit-priced types", o.ID)
	}
	if o.Price.Valid && !o.Price.Decimal.IsPositive() {
		return fmt.Errorf("order %d: price must be positive", o.ID)
	}
	if o.Type.IsStop() && !o.StopPrice.Valid {
		return fmt.Errorf("order %d: stop price required", o.ID)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("order %d: quantity must be positive", o.ID)
	}
	if o.ExecutedQuantity.IsNegative() || o.ExecutedQuantity.GreaterThan(o.Quantity) {
		return fmt.Errorf("order %d: executed quantity %s outside [0, %s]", o.ID, o.ExecutedQuantity, o.Quantity)
	}
	return nil
}
