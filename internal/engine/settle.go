package engine

import (
	"context"

	"github.com/xtrntr/spotcore/internal/ledger"
	"github.com/xtrntr/spotcore/internal/models"
)

// Committed is what one settled unit persisted, in insertion order.
type Committed struct {
	Trades []models.Trade
}

// Effect runs once the writes of its unit are durable.
type Effect func(ctx context.Context, c Committed)

// Effects collects the post-commit work of one unit.
type Effects struct {
	fns []Effect
}

func (fx *Effects) After(fn Effect) {
	fx.fns = append(fx.fns, fn)
}

func (fx *Effects) run(ctx context.Context, c Committed) {
	for _, fn := range fx.fns {
		fn(ctx, c)
	}
}

// Settler decides when the ledger writes of a unit become durable.
type Settler interface {
	// Settle runs fn against a ledger view. When fn returns nil its writes are
	// committed, now or later, and the collected effects run after that.
	Settle(ctx context.Context, fn func(tx ledger.Tx, fx *Effects) error) error
}

// SyncSettler commits every unit in its own ledger transaction.
type SyncSettler struct {
	Store ledger.Store
}

func (s SyncSettler) Settle(ctx context.Context, fn func(tx ledger.Tx, fx *Effects) error) error {
	fx := &Effects{}
	var rec *recordingTx
	err := s.Store.InTx(ctx, func(tx ledger.Tx) error {
		rec = &recordingTx{Tx: tx}
		return fn(rec, fx)
	})
	if err != nil {
		return classify(err)
	}
	fx.run(ctx, Committed{Trades: rec.trades})
	return nil
}

type recordingTx struct {
	ledger.Tx
	trades []models.Trade
}

func (r *recordingTx) InsertTrade(ctx context.Context, t models.Trade) (models.Trade, error) {
	t, err := r.Tx.InsertTrade(ctx, t)
	if err != nil {
		return t, err
	}
	r.trades = append(r.trades, t)
	return t, nil
}
