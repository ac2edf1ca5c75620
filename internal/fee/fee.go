// Package fee works out who is maker, which rate applies and how much each side pays.
package fee

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotcore/internal/models"
)

// IsMaker reports whether a was created before b. Equal timestamps fall back to the lower id.
func IsMaker(a, b models.Order) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Allowed says whether each side of a trade may be charged a fee.
type Allowed struct {
	Buy  bool
	Sell bool
}

// Allowance is the trading-fee-allowance collaborator.
type Allowance interface {
	AllowTradingFee(ctx context.Context, buyUserID, sellUserID int64) (Allowed, error)
}

// ChargeAll is an Allowance that never waives a fee.
type ChargeAll struct{}

func (ChargeAll) AllowTradingFee(context.Context, int64, int64) (Allowed, error) {
	return Allowed{Buy: true, Sell: true}, nil
}

type feeKey struct {
	pair   models.Pair
	market models.MarketType
}

type exemptKey struct {
	userID int64
	pair   models.Pair
}

// Schedule is the market fee table plus per-user exemptions.
type Schedule struct {
	mu     sync.RWMutex
	fees   map[feeKey]models.MarketFee
	exempt map[exemptKey]struct{}
}

// NewSchedule builds a schedule from masterdata rows.
func NewSchedule(fees []models.MarketFee, exemptions []models.FeeExemption) *Schedule {
	s := &Schedule{}
	s.Replace(fees, exemptions)
	return s
}

// Replace swaps the whole table, used when masterdata is reloaded.
func (s *Schedule) Replace(fees []models.MarketFee, exemptions []models.FeeExemption) {
	f := make(map[feeKey]models.MarketFee, len(fees))
	for _, mf := range fees {
		f[feeKey{pair: mf.Pair, market: mf.MarketType}] = mf
	}
	e := make(map[exemptKey]struct{}, len(exemptions))
	for _, ex := range exemptions {
		e[exemptKey{userID: ex.UserID, pair: ex.Pair}] = struct{}{}
	}

	s.mu.Lock()
	s.fees, s.exempt = f, e
	s.mu.Unlock()
}

// Rate returns the fee rate for userID trading pair in the given role.
// Pairs without a fee row trade for free.
func (s *Schedule) Rate(userID int64, pair models.Pair, market models.MarketType, maker bool) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.exempt[exemptKey{userID: userID, pair: pair}]; ok {
		return decimal.Zero
	}
	mf, ok := s.fees[feeKey{pair: pair, market: market}]
	if !ok {
		return decimal.Zero
	}
	if maker {
		return mf.MakerRate
	}
	return mf.TakerRate
}

// Fees is the outcome of a fee computation for one trade.
type Fees struct {
	BuyRate  decimal.Decimal
	SellRate decimal.Decimal
	BuyFee   decimal.Decimal // Base asset, deducted from what the buyer receives
	SellFee  decimal.Decimal // Quote asset, deducted from what the seller receives
}

// Engine computes trade fees.
type Engine struct {
	schedule  *Schedule
	allowance Allowance
}

// NewEngine creates a fee engine. A nil allowance charges every side.
func NewEngine(schedule *Schedule, allowance Allowance) *Engine {
	if allowance == nil {
		allowance = ChargeAll{}
	}
	return &Engine{schedule: schedule, allowance: allowance}
}

// Compute returns the buy and sell fee for trading qty at price.
func (e *Engine) Compute(ctx context.Context, buy, sell models.Order, price, qty decimal.Decimal, isBuyerMaker bool) (Fees, error) {
	pair := buy.Pair()
	fees := Fees{
		BuyRate:  e.schedule.Rate(buy.UserID, pair, buy.MarketType, isBuyerMaker),
		SellRate: e.schedule.Rate(sell.UserID, pair, sell.MarketType, !isBuyerMaker),
	}
	fees.BuyFee = qty.Mul(fees.BuyRate)
	fees.SellFee = qty.Mul(price).Mul(fees.SellRate)

	allowed, err := e.allowance.AllowTradingFee(ctx, buy.UserID, sell.UserID)
	if err != nil {
		return Fees{}, errors.Wrap(err, "trading fee allowance")
	}
	if !allowed.Buy {
		fees.BuyFee = decimal.Zero
	}
	if !allowed.Sell {
		fees.SellFee = decimal.Zero
	}
	return fees, nil
}

// TradeFee is what the referral/commission collaborator receives after a trade commits.
type TradeFee struct {
	TradeID int64
	UserID  int64
	Side    models.Side
	Asset   string
	Amount  decimal.Decimal
}

// Reporter is the referral/commission collaborator. Calls are fire-and-forget.
type Reporter interface {
	ReportTradeFee(ctx context.Context, tf TradeFee) error
}
