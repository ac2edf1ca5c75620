// Package pricing decides at what price and for how much two orders trade.
package pricing

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotcore/internal/models"
	"github.com/xtrntr/spotcore/internal/money"
)

var (
	// ErrUnresolvablePrice means neither order carries a price. Two market orders must never be paired.
	ErrUnresolvablePrice = errors.New("unresolvable trade price")
	// ErrUnknownOrderType means an order type outside the four supported ones reached pricing.
	ErrUnknownOrderType = errors.New("unknown order type")
)

func checkTypes(orders ...models.Order) error {
	for _, o := range orders {
		if !o.Type.Known() {
			return errors.Wrapf(ErrUnknownOrderType, "order %d type %q", o.ID, o.Type)
		}
	}
	return nil
}

// ResolveTradePrice returns the price recorded on the trade.
// With both sides limit-priced the maker's price wins, with one side limit-priced
// that side's price is used.
func ResolveTradePrice(buy, sell models.Order, isBuyerMaker bool) (decimal.Decimal, error) {
	if err := checkTypes(buy, sell); err != nil {
		return decimal.Zero, err
	}

	buyPriced, sellPriced := buy.IsLimitPriced(), sell.IsLimitPriced()
	switch {
	case buyPriced && sellPriced:
		if isBuyerMaker {
			return buy.Price.Decimal, nil
		}
		return sell.Price.Decimal, nil
	case buyPriced:
		return buy.Price.Decimal, nil
	case sellPriced:
		return sell.Price.Decimal, nil
	}
	return decimal.Zero, errors.Wrapf(ErrUnresolvablePrice, "buy %d (%s) vs sell %d (%s)", buy.ID, buy.Type, sell.ID, sell.Type)
}

// BuyPrice is the price the buyer is charged at.
func BuyPrice(buy, sell models.Order, isBuyerMaker bool) (decimal.Decimal, error) {
	return ResolveTradePrice(buy, sell, isBuyerMaker)
}

// SellPrice is the price the seller is paid at.
func SellPrice(buy, sell models.Order, isBuyerMaker bool) (decimal.Decimal, error) {
	return ResolveTradePrice(buy, sell, isBuyerMaker)
}

// EffectiveQuantity is how much of order can trade at price.
// Market and stop-market buys reserve nothing up front, so they are capped at what
// available can pay for, rounded down to the pair's quantity precision. Every other
// order already reserved its remaining quantity and returns it unchanged.
func EffectiveQuantity(order models.Order, price, available decimal.Decimal, quantityPrecision int32) (decimal.Decimal, error) {
	if err := checkTypes(order); err != nil {
		return decimal.Zero, err
	}

	remaining := order.Remaining()
	if order.Side != models.SideBuy || order.Type.LimitPriced() {
		return remaining, nil
	}

	affordable, err := money.Div(available, price)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "effective quantity for order %d", order.ID)
	}
	affordable = money.Round(affordable, money.RoundDown, quantityPrecision)
	if affordable.IsNegative() {
		return decimal.Zero, nil
	}
	return money.Min(remaining, affordable), nil
}

// Crosses reports whether buy and sell can trade against each other.
func Crosses(buy, sell models.Order) bool {
	buyPriced, sellPriced := buy.IsLimitPriced(), sell.IsLimitPriced()
	switch {
	case buyPriced && sellPriced:
		return buy.Price.Decimal.GreaterThanOrEqual(sell.Price.Decimal)
	case buyPriced || sellPriced:
		return true
	}
	return false
}
