package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/spotcore/internal/engine"
	"github.com/xtrntr/spotcore/internal/exchange"
	"github.com/xtrntr/spotcore/internal/ledger"
	"github.com/xtrntr/spotcore/internal/models"
	"github.com/xtrntr/spotcore/internal/orderbook"
)

var btcusdt = models.Pair{Base: "BTC", Quote: "USDT"}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeExchange struct {
	submitted []models.Order
	canceled  []models.Order
	err       error
}

func (f *fakeExchange) Submit(_ context.Context, o models.Order) (exchange.Report, error) {
	if f.err != nil {
		return exchange.Report{}, f.err
	}
	f.submitted = append(f.submitted, o)
	o.Status = models.StatusPending
	return exchange.Report{Order: o}, nil
}

func (f *fakeExchange) Cancel(_ context.Context, o models.Order) (models.Order, error) {
	if f.err != nil {
		return models.Order{}, f.err
	}
	f.canceled = append(f.canceled, o)
	o.Status = models.StatusCanceled
	return o, nil
}

func (f *fakeExchange) GetOrderBook(_ context.Context, pair models.Pair) ([]models.Order, []models.Order, error) {
	if pair != btcusdt {
		return nil, nil, fmt.Errorf("%w: %s", exchange.ErrUnknownPair, pair)
	}
	return []models.Order{{ID: 1, Side: models.SideBuy}}, nil, nil
}

type orderTable map[int64]models.Order

func (t orderTable) Order(_ context.Context, id int64) (models.Order, error) {
	o, ok := t[id]
	if !ok {
		return models.Order{}, fmt.Errorf("order %d: %w", id, ledger.ErrOrderNotFound)
	}
	return o, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fixture struct {
	ex     *fakeExchange
	router *chi.Mux
}

func newFixture(t *testing.T, health Pinger) *fixture {
	t.Helper()
	book := orderbook.NewAggregator(nil, nil, 10, nil)
	book.Register(models.PairSetting{Pair: btcusdt, PriceGroups: []decimal.Decimal{decimal.Zero, d("10")}})
	book.ApplyBatch(btcusdt, []orderbook.Change{
		{Side: models.SideBuy, Price: d("101"), Quantity: d("1"), Count: 1},
		{Side: models.SideBuy, Price: d("105"), Quantity: d("2"), Count: 1},
		{Side: models.SideSell, Price: d("111"), Quantity: d("0.5"), Count: 1},
	})

	ex := &fakeExchange{}
	orders := orderTable{
		7: {ID: 7, BaseAsset: "BTC", QuoteAsset: "USDT", Side: models.SideBuy, Status: models.StatusNew},
	}
	h := NewHandler(ex, book, orders, health, nil, nil)
	r := chi.NewRouter()
	h.Routes(r)
	return &fixture{ex: ex, router: r}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func TestHandler_Healthz(t *testing.T) {
	tests := []struct {
		name           string
		health         Pinger
		expectedStatus int
	}{
		{"NoDatabase", nil, http.StatusOK},
		{"Up", pinger{}, http.StatusOK},
		{"Down", pinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := newFixture(t, tt.health).do(t, http.MethodGet, "/healthz")
			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

func TestHandler_GetDepth(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		bids           []string
		asks           []string
	}{
		{"ExactPrices", "/depth/BTC/USDT", http.StatusOK, []string{"105", "101"}, []string{"111"}},
		{"Grouped", "/depth/BTC/USDT?group=10", http.StatusOK, []string{"100"}, []string{"120"}},
		{"Limited", "/depth/BTC/USDT?limit=1", http.StatusOK, []string{"105"}, []string{"111"}},
		{"UnknownGroup", "/depth/BTC/USDT?group=5", http.StatusNotFound, nil, nil},
		{"BadGroup", "/depth/BTC/USDT?group=abc", http.StatusBadRequest, nil, nil},
		{"BadLimit", "/depth/BTC/USDT?limit=0", http.StatusBadRequest, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodGet, tt.path)
			require.Equal(t, tt.expectedStatus, rr.Code, rr.Body.String())
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var resp depthResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, "BTC/USDT", resp.Pair)
			assert.Equal(t, tt.bids, levelPrices(resp.Bids))
			assert.Equal(t, tt.asks, levelPrices(resp.Asks))
		})
	}
}

func levelPrices(levels []models.PriceLevel) []string {
	out := make([]string, len(levels))
	for i, lv := range levels {
		out[i] = lv.Price.String()
	}
	return out
}

func TestHandler_GetOrderBook(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodGet, "/orderbook/BTC/USDT")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		BuyOrders  []models.Order `json:"buy_orders"`
		SellOrders []models.Order `json:"sell_orders"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.BuyOrders, 1)
	assert.Empty(t, resp.SellOrders)

	rr = f.do(t, http.MethodGet, "/orderbook/ETH/USDT")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_SubmitOrder(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		exchangeErr    error
		expectedStatus int
	}{
		{"Success", "/orders/7/submit", nil, http.StatusOK},
		{"InvalidID", "/orders/abc/submit", nil, http.StatusBadRequest},
		{"NotFound", "/orders/8/submit", nil, http.StatusNotFound},
		{"InvalidTransition", "/orders/7/submit", engine.ErrInvalidTransition, http.StatusConflict},
		{"FlushFailed", "/orders/7/submit", &engine.FlushError{Pending: 3, Err: errors.New("lock timeout")}, http.StatusServiceUnavailable},
		{"Failure", "/orders/7/submit", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.ex.err = tt.exchangeErr
			rr := f.do(t, http.MethodPost, tt.path)
			assert.Equal(t, tt.expectedStatus, rr.Code, rr.Body.String())
			if tt.expectedStatus == http.StatusOK {
				var resp submitResponse
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
				assert.Equal(t, int64(7), resp.Order.ID)
				assert.Equal(t, models.StatusPending, resp.Order.Status)
				assert.Len(t, f.ex.submitted, 1)
			}
		})
	}
}

func TestHandler_CancelOrder(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		exchangeErr    error
		expectedStatus int
	}{
		{"Success", "/orders/7", nil, http.StatusOK},
		{"NotFound", "/orders/999", nil, http.StatusNotFound},
		{"AlreadyFinal", "/orders/7", engine.ErrNotCancelable, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.ex.err = tt.exchangeErr
			rr := f.do(t, http.MethodDelete, tt.path)
			assert.Equal(t, tt.expectedStatus, rr.Code, rr.Body.String())
			if tt.expectedStatus == http.StatusOK {
				var o models.Order
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &o))
				assert.Equal(t, models.StatusCanceled, o.Status)
				assert.Len(t, f.ex.canceled, 1)
			}
		})
	}
}
