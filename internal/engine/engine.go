// Package engine settles matches between resting orders.
//
// A match locks both orders and the four account rows involved, prices and sizes the
// trade, checks both sides can pay, computes fees and writes balances, orders and the
// trade as one unit through a Settler. Book patches, notifications and follow-up jobs
// run only after the unit is durable.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/spotcore/internal/events"
	"github.com/xtrntr/spotcore/internal/fee"
	"github.com/xtrntr/spotcore/internal/jobs"
	"github.com/xtrntr/spotcore/internal/ledger"
	"github.com/xtrntr/spotcore/internal/models"
	"github.com/xtrntr/spotcore/internal/money"
	"github.com/xtrntr/spotcore/internal/orderbook"
	"github.com/xtrntr/spotcore/internal/pricing"
)

type Outcome int

const (
	OutcomeNoTrade Outcome = iota
	OutcomeSellCompleting
	OutcomeBothCompleting
	OutcomeBuyCompleting
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSellCompleting:
		return "sell_completing"
	case OutcomeBothCompleting:
		return "both_completing"
	case OutcomeBuyCompleting:
		return "buy_completing"
	default:
		return "no_trade"
	}
}

// Result is the state of both orders after a match attempt.
// Trade.ID is zero until a buffered match is flushed.
type Result struct {
	Outcome  Outcome
	Buy      models.Order
	Sell     models.Order
	Trade    *models.Trade
	Canceled *models.Order // side canceled for lack of funds
	Requeue  *models.Order // side that stays on the book
}

// PairSettings serves the precision rules of a pair.
type PairSettings interface {
	Pair(ctx context.Context, pair models.Pair) (models.PairSetting, error)
}

// Book receives level patches after a unit commits.
type Book interface {
	ApplyBatch(pair models.Pair, changes []orderbook.Change) []models.PriceLevel
}

type Config struct {
	Store    ledger.Store
	Settler  Settler
	Pairs    PairSettings
	Fees     *fee.Engine
	Book     Book
	Events   events.Bus
	Jobs     jobs.Queue
	Reporter fee.Reporter
	Logger   *logrus.Entry
	Now      func() time.Time
}

type Engine struct {
	store    ledger.Store
	settler  Settler
	pairs    PairSettings
	fees     *fee.Engine
	book     Book
	bus      events.Bus
	queue    jobs.Queue
	reporter fee.Reporter
	log      *logrus.Entry
	now      func() time.Time
}

type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, jobs.Job) error { return nil }

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Pairs == nil || cfg.Fees == nil {
		return nil, errors.New("engine: store, pair settings and fee engine are required")
	}
	e := &Engine{
		store:    cfg.Store,
		settler:  cfg.Settler,
		pairs:    cfg.Pairs,
		fees:     cfg.Fees,
		book:     cfg.Book,
		bus:      cfg.Events,
		queue:    cfg.Jobs,
		reporter: cfg.Reporter,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
	if e.settler == nil {
		e.settler = SyncSettler{Store: cfg.Store}
	}
	if e.bus == nil {
		e.bus = events.Nop{}
	}
	if e.queue == nil {
		e.queue = nopQueue{}
	}
	if e.reporter == nil {
		e.reporter = jobs.FeeReporter{Queue: e.queue}
	}
	if e.log == nil {
		e.log = logrus.NewEntry(logrus.StandardLogger())
	}
	e.log = e.log.WithField("component", "engine")
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e, nil
}

func (e *Engine) Settler() Settler { return e.settler }

// MatchPair settles one match between a resting buy and sell of the same pair.
// Running short of funds is an outcome: the short side is canceled and the other requeued.
// With a buffered settler the result is valid even when an ErrBufferFlush is returned.
func (e *Engine) MatchPair(ctx context.Context, buy, sell models.Order, isBuyerMaker bool) (Result, error) {
	if buy.Side != models.SideBuy || sell.Side != models.SideSell {
		return Result{}, fmt.Errorf("%w: orders %d/%d are %s/%s", ErrInvalidMatch, buy.ID, sell.ID, buy.Side, sell.Side)
	}
	if buy.Pair() != sell.Pair() {
		return Result{}, fmt.Errorf("%w: pairs %s and %s differ", ErrInvalidMatch, buy.Pair(), sell.Pair())
	}
	if buy.IsLimitPriced() && sell.IsLimitPriced() && !pricing.Crosses(buy, sell) {
		return Result{}, fmt.Errorf("%w: buy %d at %s is below sell %d at %s",
			ErrInvalidMatch, buy.ID, buy.Price.Decimal, sell.ID, sell.Price.Decimal)
	}
	setting, err := e.pairs.Pair(ctx, buy.Pair())
	if err != nil {
		return Result{}, errors.Wrapf(err, "pair settings %s", buy.Pair())
	}

	var res Result
	err = e.settler.Settle(ctx, func(tx ledger.Tx, fx *Effects) error {
		var err error
		res, err = e.match(ctx, tx, fx, setting, buy.ID, sell.ID, isBuyerMaker)
		return err
	})
	if !buffered(err) {
		return Result{}, err
	}

	e.log.WithFields(logrus.Fields{
		"pair":    buy.Pair().String(),
		"buy_id":  buy.ID,
		"sell_id": sell.ID,
		"outcome": res.Outcome.String(),
	}).Debug("Match settled")
	return res, err
}

func (e *Engine) match(ctx context.Context, tx ledger.Tx, fx *Effects, setting models.PairSetting,
	buyID, sellID int64, isBuyerMaker bool) (Result, error) {

	buy, sell, err := lockPair(ctx, tx, buyID, sellID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Outcome: OutcomeNoTrade, Buy: buy, Sell: sell}

	// Either side may have left the book since it was queued.
	if !buy.OnBook() || !sell.OnBook() {
		if buy.OnBook() {
			res.Requeue = ref(buy)
		}
		if sell.OnBook() {
			res.Requeue = ref(sell)
		}
		return res, nil
	}

	tradePrice, err := pricing.ResolveTradePrice(buy, sell, isBuyerMaker)
	if err != nil {
		return Result{}, err
	}
	buyPrice, err := pricing.BuyPrice(buy, sell, isBuyerMaker)
	if err != nil {
		return Result{}, err
	}
	sellPrice, err := pricing.SellPrice(buy, sell, isBuyerMaker)
	if err != nil {
		return Result{}, err
	}

	pair := buy.Pair()
	accounts, err := lockAccounts(ctx, tx,
		accountKey{buy.UserID, pair.Quote}, accountKey{buy.UserID, pair.Base},
		accountKey{sell.UserID, pair.Base}, accountKey{sell.UserID, pair.Quote})
	if err != nil {
		return Result{}, err
	}
	buyerQuote := accounts[accountKey{buy.UserID, pair.Quote}]
	sellerBase := accounts[accountKey{sell.UserID, pair.Base}]

	buyQty, err := pricing.EffectiveQuantity(buy, buyPrice, buyerQuote.AvailableBalance, setting.QuantityPrecision)
	if err != nil {
		return Result{}, err
	}
	sellQty := sell.Remaining()
	qty := money.Min(buyQty, sellQty)

	if !buyQty.IsPositive() || !canPay(buy, buyerQuote, buyPrice.Mul(qty)) {
		canceled, err := e.cancelWithin(ctx, tx, fx, buy)
		if err != nil {
			return Result{}, err
		}
		res.Buy = canceled
		res.Canceled = ref(canceled)
		res.Requeue = ref(sell)
		return res, nil
	}
	if sellerBase.Balance.LessThan(qty) {
		canceled, err := e.cancelWithin(ctx, tx, fx, sell)
		if err != nil {
			return Result{}, err
		}
		res.Sell = canceled
		res.Canceled = ref(canceled)
		res.Requeue = ref(buy)
		return res, nil
	}

	switch {
	case buyQty.Equal(sellQty):
		res.Outcome = OutcomeBothCompleting
	case buyQty.GreaterThan(qty):
		res.Outcome = OutcomeSellCompleting
	default:
		res.Outcome = OutcomeBuyCompleting
	}
	buyDone := res.Outcome != OutcomeSellCompleting
	sellDone := res.Outcome != OutcomeBuyCompleting

	fees, err := e.fees.Compute(ctx, buy, sell, tradePrice, qty, isBuyerMaker)
	if err != nil {
		return Result{}, err
	}

	for _, d := range SettlementDeltas(buy, sell, buyPrice, sellPrice, qty, fees) {
		if d.IsZero() {
			continue
		}
		if err := tx.AdjustAccount(ctx, d); err != nil {
			return Result{}, err
		}
	}

	now := e.now()
	buyAfter := buy.Fill(qty, fees.BuyFee, buyDone, now)
	sellAfter := sell.Fill(qty, fees.SellFee, sellDone, now)
	if err := tx.UpdateOrder(ctx, buyAfter); err != nil {
		return Result{}, err
	}
	if err := tx.UpdateOrder(ctx, sellAfter); err != nil {
		return Result{}, err
	}

	trade, err := tx.InsertTrade(ctx, models.Trade{
		BuyOrderID:   buy.ID,
		SellOrderID:  sell.ID,
		BuyerID:      buy.UserID,
		SellerID:     sell.UserID,
		BaseAsset:    pair.Base,
		QuoteAsset:   pair.Quote,
		Price:        tradePrice,
		Quantity:     qty,
		BuyFee:       fees.BuyFee,
		SellFee:      fees.SellFee,
		IsBuyerMaker: isBuyerMaker,
		ExecutedAt:   now,
	})
	if err != nil {
		return Result{}, err
	}

	res.Buy, res.Sell, res.Trade = buyAfter, sellAfter, &trade
	if !buyDone {
		res.Requeue = ref(buyAfter)
	}
	if !sellDone {
		res.Requeue = ref(sellAfter)
	}

	fx.After(func(ctx context.Context, c Committed) {
		t := trade
		if len(c.Trades) > 0 {
			t = c.Trades[0]
		}
		e.afterMatch(ctx, buy, sell, buyAfter, sellAfter, t)
	})
	return res, nil
}

func ref(o models.Order) *models.Order { return &o }

// canPay checks the buyer can cover cost. Market buys spend from available; limit buys
// spend funds already reserved out of available, so only the balance has to hold them.
func canPay(buy models.Order, quote models.Account, cost decimal.Decimal) bool {
	if buy.IsLimitPriced() {
		return !quote.Balance.LessThan(cost)
	}
	return !quote.AvailableBalance.LessThan(cost)
}

func lockPair(ctx context.Context, tx ledger.Tx, buyID, sellID int64) (models.Order, models.Order, error) {
	first, second := buyID, sellID
	if second < first {
		first, second = second, first
	}
	a, err := tx.LockOrder(ctx, first)
	if err != nil {
		return models.Order{}, models.Order{}, err
	}
	b, err := tx.LockOrder(ctx, second)
	if err != nil {
		return models.Order{}, models.Order{}, err
	}
	if a.ID == buyID {
		return a, b, nil
	}
	return b, a, nil
}

func lockAccounts(ctx context.Context, tx ledger.Tx, keys ...accountKey) (map[accountKey]models.Account, error) {
	sortAccountKeys(keys)
	out := make(map[accountKey]models.Account, len(keys))
	for _, k := range keys {
		if _, ok := out[k]; ok {
			continue
		}
		a, err := tx.LockAccount(ctx, k.userID, k.asset)
		if err != nil {
			return nil, err
		}
		out[k] = a
	}
	return out, nil
}

// SettlementDeltas returns the balance changes of one trade, in the order they are applied:
// buyer quote, buyer base, seller base, seller quote.
func SettlementDeltas(buy, sell models.Order, buyPrice, sellPrice, qty decimal.Decimal, fees fee.Fees) []models.AccountDelta {
	pair := buy.Pair()
	cost := buyPrice.Mul(qty)

	buyerQuote := models.AccountDelta{UserID: buy.UserID, Asset: pair.Quote, Balance: cost.Neg(), Available: cost.Neg()}
	if buy.IsLimitPriced() {
		reserved := buy.Price.Decimal.Mul(qty)
		buyerQuote.Available = reserved.Sub(cost)
	}

	received := qty.Sub(fees.BuyFee)
	buyerBase := models.AccountDelta{UserID: buy.UserID, Asset: pair.Base, Balance: received, Available: received}

	sellerBase := models.AccountDelta{UserID: sell.UserID, Asset: pair.Base, Balance: qty.Neg(), Available: decimal.Zero}

	proceeds := sellPrice.Mul(qty).Sub(fees.SellFee)
	sellerQuote := models.AccountDelta{UserID: sell.UserID, Asset: pair.Quote, Balance: proceeds, Available: proceeds}

	return []models.AccountDelta{buyerQuote, buyerBase, sellerBase, sellerQuote}
}

func (e *Engine) afterMatch(ctx context.Context, buy, sell, buyAfter, sellAfter models.Order, t models.Trade) {
	log := e.log.WithFields(logrus.Fields{"pair": buy.Pair().String(), "trade_id": t.ID})

	var changes []orderbook.Change
	for _, o := range [][2]models.Order{{buy, buyAfter}, {sell, sellAfter}} {
		before, after := o[0], o[1]
		if !before.IsLimitPriced() {
			continue
		}
		c := orderbook.Change{Side: before.Side, Price: before.Price.Decimal, Quantity: t.Quantity.Neg()}
		if after.IsTerminal() {
			c.Quantity = before.Remaining().Neg()
			c.Count = -1
		}
		changes = append(changes, c)
	}
	if e.book != nil && len(changes) > 0 {
		rows := e.book.ApplyBatch(buy.Pair(), changes)
		e.bus.OrderbookChanged(ctx, buy.Pair(), events.ActionMatched, rows)
	}
	e.bus.OrderChanged(ctx, events.ActionMatched, buyAfter, buyAfter.UserID)
	e.bus.OrderChanged(ctx, events.ActionMatched, sellAfter, sellAfter.UserID)

	ref := fmt.Sprintf("trade:%d", t.ID)
	e.enqueue(ctx, log, jobs.LedgerSync(t.BuyerID, ref, t.BaseAsset, t.QuoteAsset))
	e.enqueue(ctx, log, jobs.LedgerSync(t.SellerID, ref, t.BaseAsset, t.QuoteAsset))
	for _, o := range []models.Order{buyAfter, sellAfter} {
		if o.Status == models.StatusExecuted {
			e.enqueue(ctx, log, jobs.FillEmail(o))
		}
	}

	reports := []fee.TradeFee{
		{TradeID: t.ID, UserID: t.BuyerID, Side: models.SideBuy, Asset: t.BaseAsset, Amount: t.BuyFee},
		{TradeID: t.ID, UserID: t.SellerID, Side: models.SideSell, Asset: t.QuoteAsset, Amount: t.SellFee},
	}
	for _, r := range reports {
		if !r.Amount.IsPositive() {
			continue
		}
		if err := e.reporter.ReportTradeFee(ctx, r); err != nil {
			log.WithError(err).WithField("side", r.Side).Warn("Failed to report trade fee")
		}
	}
}

func (e *Engine) enqueue(ctx context.Context, log *logrus.Entry, job jobs.Job) {
	if err := e.queue.Enqueue(ctx, job); err != nil {
		log.WithError(err).WithField("job", job.Key).Warn("Failed to enqueue job")
	}
}
