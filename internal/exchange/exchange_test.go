package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/spotcore/internal/engine"
	"github.com/xtrntr/spotcore/internal/events"
	"github.com/xtrntr/spotcore/internal/fee"
	"github.com/xtrntr/spotcore/internal/ledger"
	"github.com/xtrntr/spotcore/internal/models"
	"github.com/xtrntr/spotcore/internal/orderbook"
)

var (
	btcusdt = models.Pair{Base: "BTC", Quote: "USDT"}
	t0      = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type pairTable map[models.Pair]models.PairSetting

func (p pairTable) Pair(_ context.Context, pair models.Pair) (models.PairSetting, error) {
	s, ok := p[pair]
	if !ok {
		return models.PairSetting{}, fmt.Errorf("unknown pair %s", pair)
	}
	return s, nil
}

type fixture struct {
	mem    *ledger.Memory
	eng    *engine.Engine
	levels *orderbook.Aggregator
	bus    *events.Recorder
	ex     *Exchange
}

func newFixture(t *testing.T, mem *ledger.Memory) *fixture {
	t.Helper()
	setting := models.PairSetting{Pair: btcusdt, QuantityPrecision: 8}
	f := &fixture{mem: mem, bus: &events.Recorder{}}
	f.levels = orderbook.NewAggregator(mem, nil, 50, nil)
	f.levels.Register(setting)

	eng, err := engine.New(engine.Config{
		Store:  mem,
		Pairs:  pairTable{btcusdt: setting},
		Fees:   fee.NewEngine(fee.NewSchedule(nil, nil), nil),
		Book:   f.levels,
		Events: f.bus,
	})
	require.NoError(t, err)
	f.eng = eng
	f.ex = NewExchange(eng, mem, f.levels, []models.Pair{btcusdt}, nil)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ex.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func (f *fixture) fund(user int64, asset, amount string) {
	f.mem.SetAccount(models.Account{UserID: user, Asset: asset, Balance: d(amount), AvailableBalance: d(amount)})
}

func (f *fixture) submit(t *testing.T, o models.Order) Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	created, err := f.mem.CreateOrder(ctx, o)
	require.NoError(t, err)
	rep, err := f.ex.Submit(ctx, created)
	require.NoError(t, err)
	return rep
}

func limitOrder(user int64, side models.Side, price, qty string, at time.Time) models.Order {
	return models.Order{
		UserID: user, BaseAsset: "BTC", QuoteAsset: "USDT", Side: side, Type: models.TypeLimit,
		Price: decimal.NewNullDecimal(d(price)), Quantity: d(qty), CreatedAt: at,
	}
}

func marketOrder(user int64, side models.Side, qty string, at time.Time) models.Order {
	return models.Order{
		UserID: user, BaseAsset: "BTC", QuoteAsset: "USDT", Side: side, Type: models.TypeMarket,
		Quantity: d(qty), CreatedAt: at,
	}
}

func TestExchange_Submit(t *testing.T) {
	f := newFixture(t, ledger.NewMemory())
	f.fund(1, "USDT", "100000")
	f.fund(2, "BTC", "10")
	f.start(t)

	s1 := f.submit(t, limitOrder(2, models.SideSell, "50000", "0.1", t0)).Order
	s2 := f.submit(t, limitOrder(2, models.SideSell, "50000", "0.05", t0.Add(time.Second))).Order
	f.submit(t, limitOrder(2, models.SideSell, "51000", "0.2", t0.Add(time.Second)))

	tests := []struct {
		name         string
		order        models.Order
		expectTrades int
		expectStatus models.OrderStatus
		expectMaker  int64
	}{
		{
			name:         "MatchWithTimePriority",
			order:        limitOrder(1, models.SideBuy, "51000", "0.1", t0.Add(10*time.Second)),
			expectTrades: 1,
			expectStatus: models.StatusExecuted,
			expectMaker:  s1.ID,
		},
		{
			name:         "PartialFill",
			order:        limitOrder(1, models.SideBuy, "50000", "0.02", t0.Add(11*time.Second)),
			expectTrades: 1,
			expectStatus: models.StatusExecuted,
			expectMaker:  s2.ID,
		},
		{
			name:         "NoMatch",
			order:        limitOrder(1, models.SideBuy, "49000", "0.1", t0.Add(12*time.Second)),
			expectTrades: 0,
			expectStatus: models.StatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := f.submit(t, tt.order)
			require.Len(t, rep.Trades, tt.expectTrades)
			assert.Equal(t, tt.expectStatus, rep.Order.Status)
			if tt.expectTrades > 0 {
				tr := rep.Trades[0]
				assert.Equal(t, tt.expectMaker, tr.SellOrderID)
				assert.True(t, tr.Price.Equal(d("50000")), "resting seller sets the price")
				assert.False(t, tr.IsBuyerMaker)
			}
		})
	}

	bids, asks, err := f.ex.GetOrderBook(context.Background(), btcusdt)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	require.Len(t, asks, 2)
	assert.Equal(t, s2.ID, asks[0].ID)
	assert.True(t, asks[0].Remaining().Equal(d("0.03")))
	assert.Equal(t, models.StatusExecuting, asks[0].Status)

	depth, err := f.levels.Depth(context.Background(), btcusdt, decimal.Zero, models.SideSell, 10)
	require.NoError(t, err)
	require.Len(t, depth, 2)
	assert.True(t, depth[0].Quantity.Equal(d("0.03")))
}

func TestExchange_MarketRemainderIsCanceled(t *testing.T) {
	f := newFixture(t, ledger.NewMemory())
	f.fund(1, "USDT", "1000")
	f.fund(2, "BTC", "1")
	f.start(t)

	f.submit(t, limitOrder(1, models.SideBuy, "100", "0.1", t0))
	rep := f.submit(t, marketOrder(2, models.SideSell, "0.3", t0.Add(time.Second)))

	require.Len(t, rep.Trades, 1)
	assert.Equal(t, models.StatusExecuted, rep.Order.Status, "partially filled market order closes as executed")
	assert.True(t, rep.Order.ExecutedQuantity.Equal(d("0.1")))

	a, err := f.mem.Account(context.Background(), 2, "BTC")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d("0.9")))
	assert.True(t, a.AvailableBalance.Equal(d("0.9")))

	empty := f.submit(t, marketOrder(1, models.SideBuy, "1", t0.Add(2*time.Second)))
	assert.Empty(t, empty.Trades)
	assert.Equal(t, models.StatusCanceled, empty.Order.Status)
}

func TestExchange_Cancel(t *testing.T) {
	f := newFixture(t, ledger.NewMemory())
	f.fund(1, "USDT", "1000")
	f.start(t)
	ctx := context.Background()

	buy := f.submit(t, limitOrder(1, models.SideBuy, "100", "2", t0)).Order

	out, err := f.ex.Cancel(ctx, buy)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, out.Status)

	bids, _, err := f.ex.GetOrderBook(ctx, btcusdt)
	require.NoError(t, err)
	assert.Empty(t, bids)

	_, err = f.ex.Cancel(ctx, buy)
	assert.ErrorIs(t, err, engine.ErrNotCancelable)

	other := buy
	other.BaseAsset = "ETH"
	_, err = f.ex.Cancel(ctx, other)
	assert.ErrorIs(t, err, ErrUnknownPair)
}

func TestExchange_StopOrderTriggeredByTrade(t *testing.T) {
	f := newFixture(t, ledger.NewMemory())
	f.fund(1, "USDT", "1000")
	f.fund(2, "BTC", "1")
	f.fund(3, "USDT", "1000")
	f.start(t)

	f.submit(t, limitOrder(2, models.SideSell, "100", "0.1", t0))
	f.submit(t, limitOrder(2, models.SideSell, "101", "0.1", t0.Add(time.Second)))

	stop := limitOrder(3, models.SideBuy, "101", "0.1", t0.Add(2*time.Second))
	stop.Type = models.TypeStopLimit
	stop.StopPrice = decimal.NewNullDecimal(d("100"))
	stop.StopCondition = models.StopAtOrAbove
	parked := f.submit(t, stop)
	assert.Equal(t, models.StatusStopping, parked.Order.Status)
	assert.Empty(t, parked.Trades)

	rep := f.submit(t, limitOrder(1, models.SideBuy, "100", "0.1", t0.Add(3*time.Second)))
	require.Len(t, rep.Activated, 1)
	assert.Equal(t, parked.Order.ID, rep.Activated[0].ID)
	require.Len(t, rep.Trades, 2)
	assert.True(t, rep.Trades[1].Price.Equal(d("101")))
	assert.Equal(t, parked.Order.ID, rep.Trades[1].BuyOrderID)

	stored, err := f.mem.Order(context.Background(), parked.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, stored.Status)
	assert.Len(t, f.bus.Filter(events.KindOrder, events.ActionActivated), 1)
}

func TestExchange_Load(t *testing.T) {
	mem := ledger.NewMemory()
	seed := newFixture(t, mem)
	seed.fund(1, "USDT", "1000")
	seed.fund(2, "BTC", "1")
	ctx := context.Background()

	admit := func(o models.Order) models.Order {
		created, err := mem.CreateOrder(ctx, o)
		require.NoError(t, err)
		admitted, err := seed.eng.Admit(ctx, created, decimal.NullDecimal{})
		require.NoError(t, err)
		return admitted
	}
	ask := admit(limitOrder(2, models.SideSell, "100", "0.5", t0))
	stale := admit(marketOrder(1, models.SideBuy, "1", t0.Add(time.Second)))
	stop := limitOrder(1, models.SideBuy, "90", "1", t0.Add(2*time.Second))
	stop.Type = models.TypeStopLimit
	stop.StopPrice = decimal.NewNullDecimal(d("95"))
	stop.StopCondition = models.StopAtOrBelow
	parked := admit(stop)
	require.Equal(t, models.StatusStopping, parked.Status)

	f := newFixture(t, mem)
	require.NoError(t, f.ex.Load(ctx))

	w := f.ex.workers[btcusdt]
	require.Len(t, w.book.Asks, 1)
	assert.Equal(t, ask.ID, w.book.Asks[0].ID)
	assert.Empty(t, w.book.Bids)
	assert.Contains(t, w.stops, parked.ID)

	got, err := mem.Order(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, got.Status)

	depth, err := f.levels.Depth(ctx, btcusdt, decimal.Zero, models.SideSell, 10)
	require.NoError(t, err)
	require.Len(t, depth, 1)
	assert.True(t, depth[0].Quantity.Equal(d("0.5")))
}

// flushFailing reports a failed automatic flush after every match it settles.
type flushFailing struct {
	Matcher
	err error
}

func (m flushFailing) MatchPair(ctx context.Context, buy, sell models.Order, isBuyerMaker bool) (engine.Result, error) {
	res, err := m.Matcher.MatchPair(ctx, buy, sell, isBuyerMaker)
	if err != nil {
		return res, err
	}
	return res, m.err
}

func TestExchange_FlushFailureKeepsMatchResult(t *testing.T) {
	f := newFixture(t, ledger.NewMemory())
	f.fund(1, "USDT", "1000")
	f.fund(2, "BTC", "2")
	flushErr := &engine.FlushError{Pending: 1, Err: errors.New("lock timeout")}
	f.ex = NewExchange(flushFailing{Matcher: f.eng, err: flushErr}, f.mem, f.levels, []models.Pair{btcusdt}, nil)
	f.start(t)

	f.submit(t, limitOrder(2, models.SideSell, "100", "2", t0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	created, err := f.mem.CreateOrder(ctx, limitOrder(1, models.SideBuy, "100", "1", t0.Add(time.Second)))
	require.NoError(t, err)

	rep, err := f.ex.Submit(ctx, created)
	assert.ErrorIs(t, err, engine.ErrBufferFlush)
	require.Len(t, rep.Trades, 1)
	assert.Equal(t, models.StatusExecuted, rep.Order.Status)

	bids, asks, err := f.ex.GetOrderBook(ctx, btcusdt)
	require.NoError(t, err)
	assert.Empty(t, bids)
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Remaining().Equal(d("1")))
}
