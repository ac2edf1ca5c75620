package orderbook

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/spotcore/internal/models"
)

var btcusdt = models.Pair{Base: "BTC", Quote: "USDT"}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticSource struct {
	orders []models.Order
	calls  int
}

func (s *staticSource) OpenOrders(_ context.Context, pair models.Pair) ([]models.Order, error) {
	s.calls++
	var out []models.Order
	for _, o := range s.orders {
		if o.Pair() == pair {
			out = append(out, o)
		}
	}
	return out, nil
}

func resting(id int64, side models.Side, price, qty string) models.Order {
	return models.Order{
		ID: id, UserID: id, BaseAsset: "BTC", QuoteAsset: "USDT", Side: side, Type: models.TypeLimit,
		Price: decimal.NewNullDecimal(d(price)), Quantity: d(qty), Status: models.StatusPending,
	}
}

func newTestAggregator(t *testing.T, src OrderSource, cache Cache) *Aggregator {
	t.Helper()
	a := NewAggregator(src, cache, 3, nil)
	a.Register(models.PairSetting{Pair: btcusdt, PriceGroups: []decimal.Decimal{d("0.01"), d("10")}})
	return a
}

func prices(levels []models.PriceLevel) []string {
	out := make([]string, len(levels))
	for i, lv := range levels {
		out[i] = lv.Price.String() + "x" + lv.Quantity.String()
	}
	return out
}

func TestAggregator_GroupRounding(t *testing.T) {
	a := newTestAggregator(t, nil, nil)
	ctx := context.Background()

	a.ApplyBatch(btcusdt, []Change{
		{Side: models.SideBuy, Price: d("101.37"), Quantity: d("1"), Count: 1},
		{Side: models.SideBuy, Price: d("109.99"), Quantity: d("2"), Count: 1},
		{Side: models.SideSell, Price: d("110.01"), Quantity: d("3"), Count: 1},
	})

	bids, err := a.Depth(ctx, btcusdt, d("10"), models.SideBuy, 10)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Price.Equal(d("100")), "bids round down")
	assert.True(t, bids[0].Quantity.Equal(d("3")))
	assert.Equal(t, 2, bids[0].Count)

	asks, err := a.Depth(ctx, btcusdt, d("10"), models.SideSell, 10)
	require.NoError(t, err)
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Price.Equal(d("120")), "asks round up")

	fine, err := a.Depth(ctx, btcusdt, d("0.01"), models.SideBuy, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"109.99x2", "101.37x1"}, prices(fine))
}

func TestAggregator_UnknownGroup(t *testing.T) {
	a := newTestAggregator(t, nil, nil)
	_, err := a.Depth(context.Background(), btcusdt, d("5"), models.SideBuy, 10)
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func TestAggregator_ApplyBatchKeepsFirstZeroedLevel(t *testing.T) {
	a := newTestAggregator(t, nil, nil)
	a.ApplyBatch(btcusdt, []Change{
		{Side: models.SideSell, Price: d("100"), Quantity: d("1"), Count: 1},
		{Side: models.SideSell, Price: d("101"), Quantity: d("1"), Count: 1},
	})

	rows := a.ApplyBatch(btcusdt, []Change{
		{Side: models.SideSell, Price: d("100"), Quantity: d("-1"), Count: -1},
		{Side: models.SideSell, Price: d("101"), Quantity: d("-1"), Count: -1},
	})
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Quantity.IsZero())
	assert.True(t, rows[1].Quantity.IsZero())

	g := a.pairs[btcusdt].groups[0]
	_, kept := g.asks.levels["100"]
	_, removed := g.asks.levels["101"]
	assert.True(t, kept)
	assert.False(t, removed)

	asks, err := a.Depth(context.Background(), btcusdt, d("0.01"), models.SideSell, 10)
	require.NoError(t, err)
	assert.Empty(t, asks, "zero levels are not shown")
}

func TestAggregator_DepthCapped(t *testing.T) {
	a := newTestAggregator(t, nil, nil)
	for _, p := range []string{"1", "2", "3", "4", "5"} {
		a.Apply(btcusdt, Change{Side: models.SideSell, Price: d(p), Quantity: d("1"), Count: 1})
	}
	asks, err := a.Depth(context.Background(), btcusdt, d("0.01"), models.SideSell, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"1x1", "2x1", "3x1"}, prices(asks))

	asks, err = a.Depth(context.Background(), btcusdt, d("0.01"), models.SideSell, 2)
	require.NoError(t, err)
	assert.Len(t, asks, 2)
}

func TestAggregator_ViewStaleness(t *testing.T) {
	cache := NewMemoryCache()
	a := newTestAggregator(t, nil, cache)
	ctx := context.Background()
	for _, p := range []string{"1", "2", "3", "4"} {
		a.Apply(btcusdt, Change{Side: models.SideSell, Price: d(p), Quantity: d("1"), Count: 1})
	}
	key := viewKey(btcusdt, d("0.01"), models.SideSell)

	_, err := a.Depth(ctx, btcusdt, d("0.01"), models.SideSell, 3)
	require.NoError(t, err)
	v, ok, _ := cache.Get(key)
	require.True(t, ok)
	assert.True(t, v.MinPrice.Equal(d("1")))
	assert.True(t, v.MaxPrice.Equal(d("3")))

	t.Run("patch beyond the view keeps it", func(t *testing.T) {
		a.Apply(btcusdt, Change{Side: models.SideSell, Price: d("9"), Quantity: d("1"), Count: 1})
		_, ok, _ := cache.Get(key)
		assert.True(t, ok)
	})

	t.Run("patch inside the view drops it", func(t *testing.T) {
		a.Apply(btcusdt, Change{Side: models.SideSell, Price: d("2"), Quantity: d("5"), Count: 1})
		_, ok, _ := cache.Get(key)
		assert.False(t, ok)

		asks, err := a.Depth(ctx, btcusdt, d("0.01"), models.SideSell, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"1x1", "2x6", "3x1"}, prices(asks))
	})

	t.Run("new best ask drops it", func(t *testing.T) {
		a.Apply(btcusdt, Change{Side: models.SideSell, Price: d("0.5"), Quantity: d("1"), Count: 1})
		_, ok, _ := cache.Get(key)
		assert.False(t, ok)

		asks, err := a.Depth(ctx, btcusdt, d("0.01"), models.SideSell, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"0.5x1", "1x1", "2x6"}, prices(asks))
	})

	t.Run("bids", func(t *testing.T) {
		for _, p := range []string{"0.4", "0.3", "0.2", "0.1"} {
			a.Apply(btcusdt, Change{Side: models.SideBuy, Price: d(p), Quantity: d("1"), Count: 1})
		}
		bidKey := viewKey(btcusdt, d("0.01"), models.SideBuy)
		_, err := a.Depth(ctx, btcusdt, d("0.01"), models.SideBuy, 3)
		require.NoError(t, err)

		a.Apply(btcusdt, Change{Side: models.SideBuy, Price: d("0.05"), Quantity: d("1"), Count: 1})
		_, ok, _ := cache.Get(bidKey)
		assert.True(t, ok, "bid below the view keeps it")

		a.Apply(btcusdt, Change{Side: models.SideBuy, Price: d("0.45"), Quantity: d("2"), Count: 1})
		_, ok, _ = cache.Get(bidKey)
		assert.False(t, ok, "new best bid drops it")

		bids, err := a.Depth(ctx, btcusdt, d("0.01"), models.SideBuy, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"0.45x2", "0.4x1", "0.3x1"}, prices(bids))
	})
}

func TestAggregator_RebuildFromSource(t *testing.T) {
	src := &staticSource{orders: []models.Order{
		resting(1, models.SideBuy, "99", "1"),
		resting(2, models.SideBuy, "99", "2"),
		resting(3, models.SideSell, "101", "1.5"),
	}}
	canceled := resting(4, models.SideSell, "101", "7")
	canceled.Status = models.StatusCanceled
	src.orders = append(src.orders, canceled)

	a := newTestAggregator(t, src, nil)
	ctx := context.Background()

	bids, err := a.Depth(ctx, btcusdt, d("0.01"), models.SideBuy, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"99x3"}, prices(bids))
	assert.Equal(t, 2, bids[0].Count)
	assert.Equal(t, 1, src.calls, "first read builds the book")

	asks, err := a.Depth(ctx, btcusdt, d("0.01"), models.SideSell, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"101x1.5"}, prices(asks))
	assert.Equal(t, 1, src.calls)

	a.Invalidate(btcusdt)
	_, err = a.Depth(ctx, btcusdt, d("10"), models.SideSell, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls, "invalidated book is rebuilt")
}

func TestPebbleCache(t *testing.T) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	cache := &PebbleCache{db: db}
	defer cache.Close()

	key := viewKey(btcusdt, d("10"), models.SideBuy)
	_, ok, err := cache.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)

	v := newView(btcusdt, d("10"), models.SideBuy, []models.PriceLevel{
		{Side: models.SideBuy, Price: d("100"), Quantity: d("1.25"), Count: 2},
		{Side: models.SideBuy, Price: d("90"), Quantity: d("3"), Count: 1},
	}, time.Unix(1700000000, 0).UTC())
	require.NoError(t, cache.Put(key, v))

	got, ok, err := cache.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTC/USDT", got.Pair)
	assert.True(t, got.MinPrice.Equal(d("90")))
	assert.True(t, got.MaxPrice.Equal(d("100")))
	require.Len(t, got.Levels, 2)
	assert.True(t, got.Levels[0].Quantity.Equal(d("1.25")))
	assert.False(t, got.Behind(d("95")))
	assert.False(t, got.Behind(d("101")), "a higher bid is ahead of the view")
	assert.True(t, got.Behind(d("89.99")))

	require.NoError(t, cache.Delete(key))
	_, ok, err = cache.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAggregator_WithPebbleCache(t *testing.T) {
	cache, err := OpenPebbleCache("")
	require.NoError(t, err)
	defer cache.Close()

	a := newTestAggregator(t, &staticSource{orders: []models.Order{resting(1, models.SideSell, "100", "2")}}, cache)
	asks, err := a.Depth(context.Background(), btcusdt, d("0.01"), models.SideSell, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"100x2"}, prices(asks))

	a.Apply(btcusdt, Change{Side: models.SideSell, Price: d("100"), Quantity: d("-0.5")})
	asks, err = a.Depth(context.Background(), btcusdt, d("0.01"), models.SideSell, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"100x1.5"}, prices(asks))
}
