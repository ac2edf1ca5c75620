// Package exchange runs one matching worker per pair.
//
// Each worker owns the resting book of its pair and is the only goroutine that matches
// it, so orders of one pair are processed strictly in arrival order while pairs run in
// parallel. Settlement itself is delegated to the engine.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/spotcore/internal/engine"
	"github.com/xtrntr/spotcore/internal/fee"
	"github.com/xtrntr/spotcore/internal/models"
	"github.com/xtrntr/spotcore/internal/pricing"
)

var ErrUnknownPair = errors.New("unknown pair")

// Matcher settles matches and order lifecycle changes.
type Matcher interface {
	MatchPair(ctx context.Context, buy, sell models.Order, isBuyerMaker bool) (engine.Result, error)
	Cancel(ctx context.Context, order models.Order) (models.Order, error)
	Admit(ctx context.Context, order models.Order, lastPrice decimal.NullDecimal) (models.Order, error)
	Activate(ctx context.Context, order models.Order) (models.Order, error)
}

// OrderSource lists persisted orders when a worker starts.
type OrderSource interface {
	OpenOrders(ctx context.Context, pair models.Pair) ([]models.Order, error)
	StoppedOrders(ctx context.Context, pair models.Pair) ([]models.Order, error)
}

// Rebuilder rebuilds aggregated levels of a pair from storage.
type Rebuilder interface {
	Rebuild(ctx context.Context, pair models.Pair) error
}

// Report is what processing one submitted order led to.
type Report struct {
	Order     models.Order
	Trades    []models.Trade
	Canceled  []models.Order
	Activated []models.Order
}

type requestKind uint8

const (
	reqSubmit requestKind = iota
	reqCancel
	reqSnapshot
)

type request struct {
	kind  requestKind
	order models.Order
	reply chan response
}

type response struct {
	report Report
	bids   []models.Order
	asks   []models.Order
	err    error
}

// Exchange routes orders to the worker of their pair.
type Exchange struct {
	matcher Matcher
	source  OrderSource
	levels  Rebuilder
	workers map[models.Pair]*worker
	log     *logrus.Entry
}

// NewExchange creates an exchange serving pairs. levels may be nil.
func NewExchange(matcher Matcher, source OrderSource, levels Rebuilder, pairs []models.Pair, log *logrus.Entry) *Exchange {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Exchange{
		matcher: matcher,
		source:  source,
		levels:  levels,
		workers: make(map[models.Pair]*worker, len(pairs)),
		log:     log.WithField("component", "exchange"),
	}
	for _, p := range pairs {
		e.workers[p] = &worker{
			pair:  p,
			book:  NewBook(),
			stops: make(map[int64]models.Order),
			reqs:  make(chan request, 64),
			log:   e.log.WithField("pair", p.String()),
		}
	}
	return e
}

// Load restores every worker's resting book and parked stop orders from storage.
// Market orders left open by an earlier run can never rest and are canceled.
func (e *Exchange) Load(ctx context.Context) error {
	for pair, w := range e.workers {
		open, err := e.source.OpenOrders(ctx, pair)
		if err != nil {
			return fmt.Errorf("failed to load open orders for %s: %w", pair, err)
		}
		stopped, err := e.source.StoppedOrders(ctx, pair)
		if err != nil {
			return fmt.Errorf("failed to load stop orders for %s: %w", pair, err)
		}

		for _, o := range open {
			if o.IsLimitPriced() {
				w.book.Add(o)
				continue
			}
			if _, err := e.matcher.Cancel(ctx, o); err != nil {
				w.log.WithError(err).WithField("order_id", o.ID).Warn("Failed to cancel stale market order")
			}
		}
		for _, o := range stopped {
			w.stops[o.ID] = o
		}

		if e.levels != nil {
			if err := e.levels.Rebuild(ctx, pair); err != nil {
				return err
			}
		}
		w.log.WithFields(logrus.Fields{"resting": w.book.Len(), "stops": len(w.stops)}).Info("Loaded order book")
	}
	return nil
}

// Run loads the books and serves requests until ctx is canceled.
func (e *Exchange) Run(ctx context.Context) error {
	if err := e.Load(ctx); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for _, w := range e.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.serve(ctx, e.matcher)
		}(w)
	}
	wg.Wait()
	return nil
}

func (e *Exchange) do(ctx context.Context, pair models.Pair, req request) (response, error) {
	w, ok := e.workers[pair]
	if !ok {
		return response{}, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	req.reply = make(chan response, 1)
	select {
	case w.reqs <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// Submit admits a NEW order and matches it against the book.
func (e *Exchange) Submit(ctx context.Context, order models.Order) (Report, error) {
	resp, err := e.do(ctx, order.Pair(), request{kind: reqSubmit, order: order})
	return resp.report, err
}

// Cancel withdraws an order from its pair's book.
func (e *Exchange) Cancel(ctx context.Context, order models.Order) (models.Order, error) {
	resp, err := e.do(ctx, order.Pair(), request{kind: reqCancel, order: order})
	return resp.report.Order, err
}

// GetOrderBook returns the resting orders of pair.
func (e *Exchange) GetOrderBook(ctx context.Context, pair models.Pair) ([]models.Order, []models.Order, error) {
	resp, err := e.do(ctx, pair, request{kind: reqSnapshot})
	return resp.bids, resp.asks, err
}

type worker struct {
	pair  models.Pair
	book  *Book
	stops map[int64]models.Order
	last  decimal.NullDecimal
	reqs  chan request
	log   *logrus.Entry
	// automatic buffer flush failure seen while serving the current request
	flushErr error
}

// settled records a failed automatic flush and returns nil for it, since the unit that
// triggered the flush is still buffered and its result holds.
func (w *worker) settled(err error) error {
	if err != nil && errors.Is(err, engine.ErrBufferFlush) {
		w.flushErr = err
		return nil
	}
	return err
}

func (w *worker) serve(ctx context.Context, m Matcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.reqs:
			var resp response
			w.flushErr = nil
			switch req.kind {
			case reqSubmit:
				resp.report, resp.err = w.submit(ctx, m, req.order)
			case reqCancel:
				resp.report.Order, resp.err = w.cancel(ctx, m, req.order)
			case reqSnapshot:
				resp.bids, resp.asks = w.book.Snapshot()
			}
			if resp.err == nil {
				resp.err = w.flushErr
			}
			req.reply <- resp
		}
	}
}

func (w *worker) submit(ctx context.Context, m Matcher, order models.Order) (Report, error) {
	admitted, err := m.Admit(ctx, order, w.last)
	if err = w.settled(err); err != nil {
		return Report{}, err
	}
	if admitted.Status == models.StatusStopping {
		w.stops[admitted.ID] = admitted
		return Report{Order: admitted}, nil
	}

	var rep Report
	final, err := w.process(ctx, m, admitted, &rep)
	rep.Order = final
	if err != nil {
		return rep, err
	}
	w.triggerStops(ctx, m, &rep)
	return rep, nil
}

// process matches incoming against the opposite side until it stops crossing.
func (w *worker) process(ctx context.Context, m Matcher, incoming models.Order, rep *Report) (models.Order, error) {
	for incoming.OnBook() {
		opp, ok := w.book.Best(incoming.Side.Opposite())
		if !ok {
			break
		}
		buy, sell := incoming, opp
		if incoming.Side == models.SideSell {
			buy, sell = opp, incoming
		}
		if !pricing.Crosses(buy, sell) {
			break
		}

		res, err := m.MatchPair(ctx, buy, sell, fee.IsMaker(buy, sell))
		if err = w.settled(err); err != nil {
			return incoming, err
		}
		w.book.Remove(opp.ID)

		updated, other := res.Buy, res.Sell
		if incoming.Side == models.SideSell {
			updated, other = res.Sell, res.Buy
		}
		if res.Trade != nil {
			rep.Trades = append(rep.Trades, *res.Trade)
			w.last = decimal.NewNullDecimal(res.Trade.Price)
		}
		if res.Canceled != nil {
			rep.Canceled = append(rep.Canceled, *res.Canceled)
		}
		if other.OnBook() && other.IsLimitPriced() {
			w.book.Add(other)
		}
		incoming = updated
	}

	if incoming.OnBook() {
		if incoming.IsLimitPriced() {
			w.book.Add(incoming)
			return incoming, nil
		}
		canceled, err := m.Cancel(ctx, incoming)
		if err = w.settled(err); err != nil {
			return incoming, err
		}
		incoming = canceled
	}
	return incoming, nil
}

// triggerStops activates parked stop orders the last trade price has reached.
func (w *worker) triggerStops(ctx context.Context, m Matcher, rep *Report) {
	for w.last.Valid {
		fired, ok := w.nextTriggered()
		if !ok {
			return
		}
		delete(w.stops, fired.ID)

		activated, err := m.Activate(ctx, fired)
		if err = w.settled(err); err != nil {
			w.log.WithError(err).WithField("order_id", fired.ID).Warn("Failed to activate stop order")
			continue
		}
		rep.Activated = append(rep.Activated, activated)
		if _, err := w.process(ctx, m, activated, rep); err != nil {
			w.log.WithError(err).WithField("order_id", activated.ID).Error("Failed to match activated stop order")
		}
	}
}

func (w *worker) nextTriggered() (models.Order, bool) {
	ids := make([]int64, 0, len(w.stops))
	for id := range w.stops {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		o := w.stops[id]
		if o.StopCondition.Triggered(o.StopPrice.Decimal, w.last.Decimal) {
			return o, true
		}
	}
	return models.Order{}, false
}

func (w *worker) cancel(ctx context.Context, m Matcher, order models.Order) (models.Order, error) {
	resting, onBook := w.book.Remove(order.ID)
	stop, parked := w.stops[order.ID]
	delete(w.stops, order.ID)

	out, err := m.Cancel(ctx, order)
	if err = w.settled(err); err != nil && !errors.Is(err, engine.ErrNotCancelable) {
		if onBook {
			w.book.Add(resting)
		}
		if parked {
			w.stops[stop.ID] = stop
		}
	}
	return out, err
}
