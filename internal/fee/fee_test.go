package fee

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/spotcore/internal/models"
)

var btcusdt = models.Pair{Base: "BTC", Quote: "USDT"}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubAllowance struct {
	allowed Allowed
	err     error
}

func (s stubAllowance) AllowTradingFee(context.Context, int64, int64) (Allowed, error) {
	return s.allowed, s.err
}

func order(id, user int64, side models.Side, created time.Time) models.Order {
	return models.Order{
		ID: id, UserID: user, Side: side, BaseAsset: "BTC", QuoteAsset: "USDT",
		MarketType: models.MarketNormal, CreatedAt: created,
	}
}

func TestIsMaker(t *testing.T) {
	now := time.Now()
	early := order(5, 1, models.SideBuy, now)
	late := order(2, 2, models.SideSell, now.Add(time.Millisecond))
	assert.True(t, IsMaker(early, late))
	assert.False(t, IsMaker(late, early))

	sameA := order(1, 1, models.SideBuy, now)
	sameB := order(2, 2, models.SideSell, now)
	assert.True(t, IsMaker(sameA, sameB))
	assert.False(t, IsMaker(sameB, sameA))
}

func TestSchedule_Rate(t *testing.T) {
	s := NewSchedule(
		[]models.MarketFee{{Pair: btcusdt, MarketType: models.MarketNormal, MakerRate: d("0.001"), TakerRate: d("0.002")}},
		[]models.FeeExemption{{UserID: 9, Pair: btcusdt}},
	)

	assert.True(t, s.Rate(1, btcusdt, models.MarketNormal, true).Equal(d("0.001")))
	assert.True(t, s.Rate(1, btcusdt, models.MarketNormal, false).Equal(d("0.002")))
	assert.True(t, s.Rate(9, btcusdt, models.MarketNormal, false).IsZero())
	assert.True(t, s.Rate(1, btcusdt, models.MarketConvert, false).IsZero())
	assert.True(t, s.Rate(1, models.Pair{Base: "ETH", Quote: "USDT"}, models.MarketNormal, true).IsZero())
}

func TestEngine_Compute(t *testing.T) {
	now := time.Now()
	buy := order(1, 1, models.SideBuy, now)
	sell := order(2, 2, models.SideSell, now.Add(time.Second))
	schedule := NewSchedule([]models.MarketFee{{Pair: btcusdt, MarketType: models.MarketNormal, MakerRate: d("0.001"), TakerRate: d("0.002")}}, nil)

	tests := []struct {
		name     string
		allow    Allowance
		buyFee   string
		sellFee  string
		buyRate  string
		sellRate string
	}{
		{name: "ChargeBoth", allow: nil, buyFee: "0.002", sellFee: "0.4", buyRate: "0.001", sellRate: "0.002"},
		{name: "WaiveBuy", allow: stubAllowance{allowed: Allowed{Sell: true}}, buyFee: "0", sellFee: "0.4", buyRate: "0.001", sellRate: "0.002"},
		{name: "WaiveSell", allow: stubAllowance{allowed: Allowed{Buy: true}}, buyFee: "0.002", sellFee: "0", buyRate: "0.001", sellRate: "0.002"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(schedule, tt.allow)
			fees, err := e.Compute(context.Background(), buy, sell, d("100"), d("2"), true)
			require.NoError(t, err)
			assert.Equal(t, tt.buyFee, fees.BuyFee.String())
			assert.Equal(t, tt.sellFee, fees.SellFee.String())
			assert.Equal(t, tt.buyRate, fees.BuyRate.String())
			assert.Equal(t, tt.sellRate, fees.SellRate.String())
		})
	}

	boom := errors.New("allowance down")
	_, err := NewEngine(schedule, stubAllowance{err: boom}).Compute(context.Background(), buy, sell, d("1"), d("1"), true)
	assert.True(t, errors.Is(err, boom))
}
