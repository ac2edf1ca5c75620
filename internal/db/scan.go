package db

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotcore/internal/models"
)

// Numeric columns travel as text so no precision is lost on the way through pgx.
const orderColumns = `id, user_id, base_asset, quote_asset, side, type, price::text, stop_price::text, stop_condition,
	quantity::text, executed_quantity::text, fee::text, status, market_type, created_at, updated_at`

const tradeColumns = `id, buy_order_id, sell_order_id, buyer_id, seller_id, base_asset, quote_asset,
	price::text, quantity::text, buy_fee::text, sell_fee::text, is_buyer_maker, executed_at`

func scanOrder(row pgx.Row) (models.Order, error) {
	var (
		o                                   models.Order
		side, typ, stopCond, status, market string
		price, stopPrice                    *string
		quantity, executed, fee             string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.BaseAsset, &o.QuoteAsset, &side, &typ, &price, &stopPrice, &stopCond,
		&quantity, &executed, &fee, &status, &market, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return models.Order{}, err
	}
	o.Side = models.Side(side)
	o.Type = models.OrderType(typ)
	o.StopCondition = models.StopCondition(stopCond)
	o.Status = models.OrderStatus(status)
	o.MarketType = models.MarketType(market)

	if o.Price, err = parseNullDecimal(price); err != nil {
		return models.Order{}, err
	}
	if o.StopPrice, err = parseNullDecimal(stopPrice); err != nil {
		return models.Order{}, err
	}
	if o.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return models.Order{}, fmt.Errorf("quantity: %w", err)
	}
	if o.ExecutedQuantity, err = decimal.NewFromString(executed); err != nil {
		return models.Order{}, fmt.Errorf("executed quantity: %w", err)
	}
	if o.Fee, err = decimal.NewFromString(fee); err != nil {
		return models.Order{}, fmt.Errorf("fee: %w", err)
	}
	return o, nil
}

func scanTrade(row pgx.Row) (models.Trade, error) {
	var (
		t                                models.Trade
		price, quantity, buyFee, sellFee string
	)
	err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &t.BaseAsset, &t.QuoteAsset,
		&price, &quantity, &buyFee, &sellFee, &t.IsBuyerMaker, &t.ExecutedAt)
	if err != nil {
		return models.Trade{}, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&t.Price, price}, {&t.Quantity, quantity}, {&t.BuyFee, buyFee}, {&t.SellFee, sellFee}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return models.Trade{}, err
		}
	}
	return t, nil
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullDecimal(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}
