package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/spotcore/internal/events"
	"github.com/xtrntr/spotcore/internal/jobs"
	"github.com/xtrntr/spotcore/internal/ledger"
	"github.com/xtrntr/spotcore/internal/models"
	"github.com/xtrntr/spotcore/internal/orderbook"
)

// Cancel withdraws an order and releases whatever it still reserves.
// A partially filled order ends EXECUTED rather than CANCELED.
func (e *Engine) Cancel(ctx context.Context, order models.Order) (models.Order, error) {
	var out models.Order
	err := e.settler.Settle(ctx, func(tx ledger.Tx, fx *Effects) error {
		cur, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		out, err = e.cancelWithin(ctx, tx, fx, cur)
		return err
	})
	if !buffered(err) {
		return models.Order{}, err
	}
	e.log.WithFields(logrus.Fields{"order_id": out.ID, "status": out.Status}).Debug("Order canceled")
	return out, err
}

func (e *Engine) cancelWithin(ctx context.Context, tx ledger.Tx, fx *Effects, o models.Order) (models.Order, error) {
	if !o.CanCancel() {
		return models.Order{}, fmt.Errorf("%w: order %d is %s", ErrNotCancelable, o.ID, o.Status)
	}

	refund := o.Reserved()
	if refund.IsPositive() {
		acct, err := tx.LockAccount(ctx, o.UserID, o.ReservedAsset())
		if err != nil {
			return models.Order{}, err
		}
		// never release more than the balance still holds
		if held := acct.Balance.Sub(acct.AvailableBalance); held.LessThan(refund) {
			e.log.WithFields(logrus.Fields{"order_id": o.ID, "reserved": refund, "held": held}).
				Warn("Reservation exceeds held balance, releasing what is held")
			refund = decimal.Max(held, decimal.Zero)
		}
		err = tx.AdjustAccount(ctx, models.AccountDelta{UserID: o.UserID, Asset: o.ReservedAsset(), Available: refund})
		if err != nil {
			return models.Order{}, err
		}
	}

	status := models.StatusCanceled
	if o.ExecutedQuantity.IsPositive() {
		status = models.StatusExecuted
	}
	final := o.WithStatus(status, e.now())
	if err := tx.UpdateOrder(ctx, final); err != nil {
		return models.Order{}, err
	}

	fx.After(func(ctx context.Context, _ Committed) {
		e.afterCancel(ctx, o, final, refund)
	})
	return final, nil
}

func (e *Engine) afterCancel(ctx context.Context, before, after models.Order, refund decimal.Decimal) {
	log := e.log.WithFields(logrus.Fields{"pair": before.Pair().String(), "order_id": before.ID})

	if before.OnBook() && before.IsLimitPriced() {
		var rows []models.PriceLevel
		if e.book != nil {
			rows = e.book.ApplyBatch(before.Pair(), []orderbook.Change{{
				Side:     before.Side,
				Price:    before.Price.Decimal,
				Quantity: before.Remaining().Neg(),
				Count:    -1,
			}})
		}
		e.bus.OrderbookChanged(ctx, before.Pair(), events.ActionCanceled, rows)
	}
	e.bus.OrderChanged(ctx, events.ActionCanceled, after, after.UserID)

	if refund.IsPositive() {
		e.enqueue(ctx, log, jobs.LedgerSync(after.UserID, fmt.Sprintf("order:%d", after.ID), after.ReservedAsset()))
	}
	if after.Status == models.StatusExecuted {
		e.enqueue(ctx, log, jobs.FillEmail(after))
	}
}

// Admit moves a NEW order onto the book, or parks a stop order whose trigger has not
// been reached given the pair's last trade price.
func (e *Engine) Admit(ctx context.Context, order models.Order, lastPrice decimal.NullDecimal) (models.Order, error) {
	var out models.Order
	err := e.settler.Settle(ctx, func(tx ledger.Tx, fx *Effects) error {
		cur, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if cur.Status != models.StatusNew {
			return fmt.Errorf("%w: admit order %d in status %s", ErrInvalidTransition, cur.ID, cur.Status)
		}

		status := models.StatusPending
		if cur.Type.IsStop() && !(lastPrice.Valid && cur.StopCondition.Triggered(cur.StopPrice.Decimal, lastPrice.Decimal)) {
			status = models.StatusStopping
		}
		out = cur.WithStatus(status, e.now())
		if err := tx.UpdateOrder(ctx, out); err != nil {
			return err
		}
		admitted := out
		fx.After(func(ctx context.Context, _ Committed) {
			e.afterRest(ctx, admitted, events.ActionCreated)
		})
		return nil
	})
	if !buffered(err) {
		return models.Order{}, err
	}
	return out, err
}

// Activate moves a triggered stop order from STOPPING onto the book.
func (e *Engine) Activate(ctx context.Context, order models.Order) (models.Order, error) {
	var out models.Order
	err := e.settler.Settle(ctx, func(tx ledger.Tx, fx *Effects) error {
		cur, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if cur.Status != models.StatusStopping {
			return fmt.Errorf("%w: activate order %d in status %s", ErrInvalidTransition, cur.ID, cur.Status)
		}
		out = cur.WithStatus(models.StatusPending, e.now())
		if err := tx.UpdateOrder(ctx, out); err != nil {
			return err
		}
		activated := out
		fx.After(func(ctx context.Context, _ Committed) {
			e.afterRest(ctx, activated, events.ActionActivated)
		})
		return nil
	})
	if !buffered(err) {
		return models.Order{}, err
	}
	return out, err
}

func (e *Engine) afterRest(ctx context.Context, o models.Order, action events.Action) {
	if o.Status == models.StatusPending && o.IsLimitPriced() {
		var rows []models.PriceLevel
		if e.book != nil {
			rows = e.book.ApplyBatch(o.Pair(), []orderbook.Change{{
				Side:     o.Side,
				Price:    o.Price.Decimal,
				Quantity: o.Remaining(),
				Count:    1,
			}})
		}
		e.bus.OrderbookChanged(ctx, o.Pair(), action, rows)
	}
	e.bus.OrderChanged(ctx, action, o, o.UserID)
}
