// Package orderbook keeps the price-bucketed view of resting liquidity.
//
// Levels are patched incrementally as orders are admitted, matched and canceled. Rendered
// depth views are cached with the lowest and highest price they show. A full view survives
// a patch only when the patched price is worse than its worst level.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/spotcore/internal/models"
)

var ErrUnknownGroup = errors.New("unknown price group")

// DefaultMaxDepth caps the number of levels a view returns.
const DefaultMaxDepth = 100

// Change is a signed patch to the level holding Price.
type Change struct {
	Side     models.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Count    int
}

// OrderSource lists the orders resting on a pair's book, used to rebuild levels.
type OrderSource interface {
	OpenOrders(ctx context.Context, pair models.Pair) ([]models.Order, error)
}

type level struct {
	price decimal.Decimal
	qty   decimal.Decimal
	count int
}

type ladder struct {
	side   models.Side
	levels map[string]*level
	prices []decimal.Decimal // best first
}

func newLadder(side models.Side) *ladder {
	return &ladder{side: side, levels: make(map[string]*level)}
}

func (l *ladder) better(a, b decimal.Decimal) bool {
	if l.side == models.SideBuy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

func (l *ladder) get(price decimal.Decimal) *level {
	k := price.String()
	lv, ok := l.levels[k]
	if ok {
		return lv
	}
	lv = &level{price: price}
	l.levels[k] = lv
	i := sort.Search(len(l.prices), func(i int) bool { return !l.better(l.prices[i], price) })
	l.prices = append(l.prices, decimal.Zero)
	copy(l.prices[i+1:], l.prices[i:])
	l.prices[i] = price
	return lv
}

func (l *ladder) remove(price decimal.Decimal) {
	delete(l.levels, price.String())
	for i, p := range l.prices {
		if p.Equal(price) {
			l.prices = append(l.prices[:i], l.prices[i+1:]...)
			return
		}
	}
}

func (l *ladder) top(limit int) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, limit)
	for _, p := range l.prices {
		if len(out) == limit {
			break
		}
		lv := l.levels[p.String()]
		if !lv.qty.IsPositive() {
			continue
		}
		out = append(out, models.PriceLevel{Side: l.side, Price: lv.price, Quantity: lv.qty, Count: lv.count})
	}
	return out
}

type groupBook struct {
	tick decimal.Decimal
	bids *ladder
	asks *ladder
}

func (g *groupBook) ladder(side models.Side) *ladder {
	if side == models.SideBuy {
		return g.bids
	}
	return g.asks
}

// bucket rounds price onto the group's tick, bids down and asks up.
func (g *groupBook) bucket(side models.Side, price decimal.Decimal) decimal.Decimal {
	if !g.tick.IsPositive() {
		return price
	}
	steps := price.Div(g.tick)
	if side == models.SideBuy {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	return steps.Mul(g.tick)
}

type pairBook struct {
	groups []*groupBook // groups[0] is the finest tick
	loaded bool
}

// Aggregator maintains price levels per pair and price group.
type Aggregator struct {
	mu       sync.Mutex
	pairs    map[models.Pair]*pairBook
	source   OrderSource
	cache    Cache
	maxDepth int
	log      *logrus.Entry
}

// NewAggregator creates an aggregator. cache may be nil, in which case views are kept in memory.
func NewAggregator(source OrderSource, cache Cache, maxDepth int, log *logrus.Entry) *Aggregator {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Aggregator{
		pairs:    make(map[models.Pair]*pairBook),
		source:   source,
		cache:    cache,
		maxDepth: maxDepth,
		log:      log.WithField("component", "orderbook"),
	}
}

// Register declares the price groups a pair is aggregated at.
// Without groups the pair is aggregated at its exact prices.
func (a *Aggregator) Register(setting models.PairSetting) {
	ticks := append([]decimal.Decimal(nil), setting.PriceGroups...)
	if len(ticks) == 0 {
		ticks = []decimal.Decimal{decimal.Zero}
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].LessThan(ticks[j]) })

	pb := &pairBook{}
	for _, t := range ticks {
		pb.groups = append(pb.groups, &groupBook{tick: t, bids: newLadder(models.SideBuy), asks: newLadder(models.SideSell)})
	}

	a.mu.Lock()
	a.pairs[setting.Pair] = pb
	a.mu.Unlock()
}

func (a *Aggregator) pair(p models.Pair) *pairBook {
	pb, ok := a.pairs[p]
	if !ok {
		pb = &pairBook{groups: []*groupBook{{tick: decimal.Zero, bids: newLadder(models.SideBuy), asks: newLadder(models.SideSell)}}}
		a.pairs[p] = pb
	}
	return pb
}

// Apply patches a single level.
func (a *Aggregator) Apply(pair models.Pair, c Change) []models.PriceLevel {
	return a.ApplyBatch(pair, []Change{c})
}

// ApplyBatch patches several levels and returns the finest-group levels it touched.
//
// A level whose quantity drops to zero is deleted, except the first one per group in each
// batch, which is kept at zero. Hot prices empty and refill constantly and keeping the row
// avoids a delete/insert pair on every sweep. Zero levels are never shown in a view.
func (a *Aggregator) ApplyBatch(pair models.Pair, changes []Change) []models.PriceLevel {
	a.mu.Lock()
	defer a.mu.Unlock()

	pb := a.pair(pair)
	var rows []models.PriceLevel
	for gi, g := range pb.groups {
		keptOne := false
		for _, c := range changes {
			if c.Quantity.IsZero() && c.Count == 0 {
				continue
			}
			ld := g.ladder(c.Side)
			price := g.bucket(c.Side, c.Price)
			lv := ld.get(price)
			lv.qty = lv.qty.Add(c.Quantity)
			lv.count += c.Count
			if lv.count < 0 {
				lv.count = 0
			}

			if !lv.qty.IsPositive() {
				lv.qty = decimal.Zero
				lv.count = 0
				if keptOne {
					ld.remove(price)
				}
				keptOne = true
			}
			if gi == 0 {
				rows = append(rows, models.PriceLevel{Side: c.Side, Price: price, Quantity: lv.qty, Count: lv.count})
			}
			a.touch(pair, g, c.Side, price)
		}
	}
	return rows
}

// touch drops the cached view a patch at price could have changed.
func (a *Aggregator) touch(pair models.Pair, g *groupBook, side models.Side, price decimal.Decimal) {
	key := viewKey(pair, g.tick, side)
	v, ok, err := a.cache.Get(key)
	if err != nil {
		a.log.WithError(err).WithField("key", key).Warn("Failed to read cached view, dropping it")
		_ = a.cache.Delete(key)
		return
	}
	if !ok {
		return
	}
	if len(v.Levels) < a.maxDepth || !v.Behind(price) {
		if err := a.cache.Delete(key); err != nil {
			a.log.WithError(err).WithField("key", key).Warn("Failed to drop cached view")
		}
	}
}

// Invalidate forgets a pair's levels so the next read rebuilds them from the order source.
func (a *Aggregator) Invalidate(pair models.Pair) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pb := a.pair(pair)
	pb.loaded = false
	a.dropViews(pair, pb)
}

func (a *Aggregator) dropViews(pair models.Pair, pb *pairBook) {
	for _, g := range pb.groups {
		for _, side := range []models.Side{models.SideBuy, models.SideSell} {
			if err := a.cache.Delete(viewKey(pair, g.tick, side)); err != nil {
				a.log.WithError(err).Warn("Failed to drop cached view")
			}
		}
	}
}

// Rebuild recomputes every group of pair from the resting orders.
func (a *Aggregator) Rebuild(ctx context.Context, pair models.Pair) error {
	if a.source == nil {
		return fmt.Errorf("rebuild %s: no order source", pair)
	}
	orders, err := a.source.OpenOrders(ctx, pair)
	if err != nil {
		return fmt.Errorf("rebuild %s: %w", pair, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.rebuildLocked(pair, orders)
	return nil
}

func (a *Aggregator) rebuildLocked(pair models.Pair, orders []models.Order) {
	pb := a.pair(pair)
	for _, g := range pb.groups {
		g.bids, g.asks = newLadder(models.SideBuy), newLadder(models.SideSell)
		for _, o := range orders {
			if !o.IsLimitPriced() || !o.OnBook() || !o.Remaining().IsPositive() {
				continue
			}
			lv := g.ladder(o.Side).get(g.bucket(o.Side, o.Price.Decimal))
			lv.qty = lv.qty.Add(o.Remaining())
			lv.count++
		}
	}
	pb.loaded = true
	a.dropViews(pair, pb)
	a.log.WithFields(logrus.Fields{"pair": pair.String(), "orders": len(orders)}).Debug("Rebuilt order book levels")
}

// Depth returns up to limit levels of one side, best first.
func (a *Aggregator) Depth(ctx context.Context, pair models.Pair, group decimal.Decimal, side models.Side, limit int) ([]models.PriceLevel, error) {
	if limit <= 0 || limit > a.maxDepth {
		limit = a.maxDepth
	}

	a.mu.Lock()
	pb := a.pair(pair)
	loaded := pb.loaded
	a.mu.Unlock()

	if !loaded && a.source != nil {
		orders, err := a.source.OpenOrders(ctx, pair)
		if err != nil {
			return nil, fmt.Errorf("depth %s: %w", pair, err)
		}
		a.mu.Lock()
		if !pb.loaded {
			a.rebuildLocked(pair, orders)
		}
		a.mu.Unlock()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var g *groupBook
	for _, candidate := range pb.groups {
		if candidate.tick.Equal(group) {
			g = candidate
			break
		}
	}
	if g == nil {
		return nil, fmt.Errorf("%w: %s for %s", ErrUnknownGroup, group, pair)
	}

	key := viewKey(pair, g.tick, side)
	if v, ok, err := a.cache.Get(key); err == nil && ok {
		return clip(v.Levels, limit), nil
	}

	levels := g.ladder(side).top(a.maxDepth)
	v := newView(pair, g.tick, side, levels, time.Now())
	if err := a.cache.Put(key, v); err != nil {
		a.log.WithError(err).WithField("key", key).Warn("Failed to cache depth view")
	}
	return clip(levels, limit), nil
}

func clip(levels []models.PriceLevel, limit int) []models.PriceLevel {
	if len(levels) > limit {
		levels = levels[:limit]
	}
	return append([]models.PriceLevel(nil), levels...)
}
