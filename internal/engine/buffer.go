package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/spotcore/internal/ledger"
	"github.com/xtrntr/spotcore/internal/models"
)

type opKind uint8

const (
	opAdjust opKind = iota
	opUpdateOrder
	opInsertTrade
)

type op struct {
	kind  opKind
	delta models.AccountDelta
	order models.Order
	trade models.Trade
}

type accountKey struct {
	userID int64
	asset  string
}

// bufferedMatch is the recorded ledger work of one unit plus its deferred effects.
type bufferedMatch struct {
	id      uuid.UUID
	ops     []op
	effects *Effects
	at      time.Time
}

// PendingMatch describes a buffered unit that has not been flushed yet.
type PendingMatch struct {
	ID     uuid.UUID
	Ops    int
	Trades []models.Trade
	At     time.Time
}

// Buffer records settlement work against an overlay of committed state and
// replays it in one ledger transaction on Flush.
//
// Reads through the overlay are not locked. Rows are locked at flush time, where the
// conditional adjust re-checks every balance and each order is compared with the
// version the overlay first read; any drift fails the whole flush.
type Buffer struct {
	store      ledger.Store
	maxPending int
	log        *logrus.Entry

	flushMu sync.Mutex
	mu      sync.Mutex
	entries []*bufferedMatch
	// projected state after every buffered entry
	accounts map[accountKey]models.Account
	orders   map[int64]models.Order
	// order rows as first read from the store
	base map[int64]models.Order
}

// NewBuffer creates a buffered settler. maxPending > 0 flushes automatically once that many
// units are buffered.
func NewBuffer(store ledger.Store, maxPending int, log *logrus.Entry) *Buffer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Buffer{store: store, maxPending: maxPending, log: log.WithField("component", "settlement-buffer")}
	b.reset()
	return b
}

func (b *Buffer) reset() {
	b.entries = nil
	b.accounts = make(map[accountKey]models.Account)
	b.orders = make(map[int64]models.Order)
	b.base = make(map[int64]models.Order)
}

func (b *Buffer) MaxPending() int { return b.maxPending }

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *Buffer) Pending() []PendingMatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingMatch, 0, len(b.entries))
	for _, e := range b.entries {
		p := PendingMatch{ID: e.id, Ops: len(e.ops), At: e.at}
		for _, o := range e.ops {
			if o.kind == opInsertTrade {
				p.Trades = append(p.Trades, o.trade)
			}
		}
		out = append(out, p)
	}
	return out
}

// Settle runs fn against the overlay and buffers its writes. Nothing is durable until Flush.
// When the unit fills the buffer and the automatic flush fails, the unit stays buffered and
// the *FlushError is returned.
func (b *Buffer) Settle(ctx context.Context, fn func(tx ledger.Tx, fx *Effects) error) error {
	b.mu.Lock()
	view := &overlayTx{
		b:        b,
		accounts: make(map[accountKey]models.Account),
		orders:   make(map[int64]models.Order),
		base:     make(map[int64]models.Order),
	}
	fx := &Effects{}
	if err := fn(view, fx); err != nil {
		b.mu.Unlock()
		return classify(err)
	}

	for k, a := range view.accounts {
		b.accounts[k] = a
	}
	for id, o := range view.orders {
		b.orders[id] = o
	}
	for id, o := range view.base {
		if _, ok := b.base[id]; !ok {
			b.base[id] = o
		}
	}
	if len(view.ops) > 0 || len(fx.fns) > 0 {
		b.entries = append(b.entries, &bufferedMatch{id: uuid.New(), ops: view.ops, effects: fx, at: time.Now()})
	}
	full := b.maxPending > 0 && len(b.entries) >= b.maxPending
	b.mu.Unlock()

	if full {
		if err := b.Flush(ctx); err != nil {
			b.log.WithError(err).Error("Automatic flush failed, matches stay buffered")
			return err
		}
	}
	return nil
}

// Flush replays every buffered unit in FIFO order in one ledger transaction.
// On success the buffer is emptied and the deferred effects run in the same order.
// On failure nothing is written and the buffer is left as it was.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return nil
	}
	entries := b.entries
	committed := make([]Committed, len(entries))

	err := b.store.InTx(ctx, func(tx ledger.Tx) error {
		for i := range committed {
			committed[i] = Committed{}
		}
		if err := b.lockRows(ctx, tx); err != nil {
			return err
		}
		for i, e := range entries {
			for _, o := range e.ops {
				switch o.kind {
				case opAdjust:
					if err := tx.AdjustAccount(ctx, o.delta); err != nil {
						return err
					}
				case opUpdateOrder:
					if err := tx.UpdateOrder(ctx, o.order); err != nil {
						return err
					}
				case opInsertTrade:
					t, err := tx.InsertTrade(ctx, o.trade)
					if err != nil {
						return err
					}
					committed[i].Trades = append(committed[i].Trades, t)
				}
			}
		}
		return nil
	})
	if err != nil {
		n := len(b.entries)
		b.mu.Unlock()
		return &FlushError{Pending: n, Err: err}
	}
	b.reset()
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"matches": len(entries)}).Debug("Flushed settlement buffer")
	for i, e := range entries {
		e.effects.run(ctx, committed[i])
	}
	return nil
}

// lockRows takes every touched row in a fixed order and checks orders have not moved
// since the overlay read them.
func (b *Buffer) lockRows(ctx context.Context, tx ledger.Tx) error {
	ids := make([]int64, 0, len(b.base))
	for id := range b.base {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		cur, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		was := b.base[id]
		if cur.Status != was.Status || !cur.ExecutedQuantity.Equal(was.ExecutedQuantity) {
			return fmt.Errorf("order %d changed outside the buffer: %s/%s, buffered against %s/%s",
				id, cur.Status, cur.ExecutedQuantity, was.Status, was.ExecutedQuantity)
		}
	}

	keys := make([]accountKey, 0, len(b.accounts))
	for k := range b.accounts {
		keys = append(keys, k)
	}
	sortAccountKeys(keys)
	for _, k := range keys {
		if _, err := tx.LockAccount(ctx, k.userID, k.asset); err != nil {
			return err
		}
	}
	return nil
}

func sortAccountKeys(keys []accountKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].userID == keys[j].userID {
			return keys[i].asset < keys[j].asset
		}
		return keys[i].userID < keys[j].userID
	})
}

// overlayTx is the ledger view one buffered unit runs against. Callers hold b.mu.
type overlayTx struct {
	b        *Buffer
	accounts map[accountKey]models.Account
	orders   map[int64]models.Order
	base     map[int64]models.Order
	ops      []op
}

func (v *overlayTx) LockAccount(ctx context.Context, userID int64, asset string) (models.Account, error) {
	k := accountKey{userID: userID, asset: asset}
	if a, ok := v.accounts[k]; ok {
		return a, nil
	}
	if a, ok := v.b.accounts[k]; ok {
		return a, nil
	}
	a, err := v.b.store.Account(ctx, userID, asset)
	if err != nil {
		return models.Account{}, err
	}
	v.accounts[k] = a
	return a, nil
}

func (v *overlayTx) AdjustAccount(ctx context.Context, d models.AccountDelta) error {
	cur, err := v.LockAccount(ctx, d.UserID, d.Asset)
	if err != nil {
		return err
	}
	next := cur.Apply(d)
	if next.Balance.IsNegative() || !next.Valid() {
		return fmt.Errorf("%w: user %d %s balance %s available %s, delta %s/%s",
			ledger.ErrInsufficientBalance, d.UserID, d.Asset, cur.Balance, cur.AvailableBalance, d.Balance, d.Available)
	}
	v.accounts[accountKey{userID: d.UserID, asset: d.Asset}] = next
	v.ops = append(v.ops, op{kind: opAdjust, delta: d})
	return nil
}

func (v *overlayTx) LockOrder(ctx context.Context, id int64) (models.Order, error) {
	if o, ok := v.orders[id]; ok {
		return o, nil
	}
	if o, ok := v.b.orders[id]; ok {
		return o, nil
	}
	o, err := v.b.store.Order(ctx, id)
	if err != nil {
		return models.Order{}, err
	}
	v.orders[id] = o
	v.base[id] = o
	return o, nil
}

func (v *overlayTx) UpdateOrder(ctx context.Context, o models.Order) error {
	if _, err := v.LockOrder(ctx, o.ID); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInvalidOrder, err)
	}
	v.orders[o.ID] = o
	v.ops = append(v.ops, op{kind: opUpdateOrder, order: o})
	return nil
}

func (v *overlayTx) InsertTrade(_ context.Context, t models.Trade) (models.Trade, error) {
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now().UTC()
	}
	v.ops = append(v.ops, op{kind: opInsertTrade, trade: t})
	return t, nil
}
