package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xtrntr/spotcore/internal/models"
)

type accountKey struct {
	userID int64
	asset  string
}

// rowLock is an exclusive lock that gives up when ctx is done.
type rowLock chan struct{}

func (l rowLock) lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l rowLock) unlock() { <-l }

type accountRow struct {
	lock rowLock
	acct models.Account
}

type orderRow struct {
	lock  rowLock
	order models.Order
}

// Memory is an in-process Store with row-level locks.
type Memory struct {
	mu        sync.Mutex
	accounts  map[accountKey]*accountRow
	orders    map[int64]*orderRow
	trades    []models.Trade
	nextOrder int64
	nextTrade int64
	now       func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[accountKey]*accountRow),
		orders:   make(map[int64]*orderRow),
		now:      time.Now,
	}
}

func (m *Memory) accountRow(userID int64, asset string) *accountRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := accountKey{userID: userID, asset: asset}
	row, ok := m.accounts[k]
	if !ok {
		row = &accountRow{lock: make(rowLock, 1), acct: models.Account{UserID: userID, Asset: asset}}
		m.accounts[k] = row
	}
	return row
}

func (m *Memory) orderRow(id int64) (*orderRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.orders[id]
	return row, ok
}

// SetAccount overwrites an account row, for seeding.
func (m *Memory) SetAccount(a models.Account) {
	row := m.accountRow(a.UserID, a.Asset)
	m.mu.Lock()
	row.acct = a
	m.mu.Unlock()
}

// CreateOrder stores a NEW order and reserves its funds, as order intake would.
func (m *Memory) CreateOrder(ctx context.Context, o models.Order) (models.Order, error) {
	if err := o.Validate(); err != nil {
		return models.Order{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	var created models.Order
	err := m.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockAccount(ctx, o.UserID, o.ReservedAsset()); err != nil {
			return err
		}
		if r := Reservation(o); !r.IsZero() {
			if err := tx.AdjustAccount(ctx, r); err != nil {
				return err
			}
		}
		m.mu.Lock()
		m.nextOrder++
		o.ID = m.nextOrder
		if o.CreatedAt.IsZero() {
			o.CreatedAt = m.now()
		}
		o.UpdatedAt = o.CreatedAt
		if o.Status == "" {
			o.Status = models.StatusNew
		}
		if o.MarketType == "" {
			o.MarketType = models.MarketNormal
		}
		m.mu.Unlock()
		mt := tx.(*memTx)
		mt.staged[o.ID] = o
		mt.inserted = append(mt.inserted, o.ID)
		created = o
		return nil
	})
	return created, err
}

// Account returns the committed account row.
func (m *Memory) Account(_ context.Context, userID int64, asset string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.accounts[accountKey{userID: userID, asset: asset}]; ok {
		return row.acct, nil
	}
	return models.Account{UserID: userID, Asset: asset}, nil
}

// Order returns the committed order row.
func (m *Memory) Order(_ context.Context, id int64) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.orders[id]
	if !ok {
		return models.Order{}, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	return row.order, nil
}

// OpenOrders returns the pair's orders that are on the book, oldest first.
func (m *Memory) OpenOrders(_ context.Context, pair models.Pair) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orders []models.Order
	for _, row := range m.orders {
		if row.order.Pair() == pair && row.order.OnBook() {
			orders = append(orders, row.order)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

// StoppedOrders returns the pair's stop orders still waiting for their trigger.
func (m *Memory) StoppedOrders(_ context.Context, pair models.Pair) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orders []models.Order
	for _, row := range m.orders {
		if row.order.Pair() == pair && row.order.Status == models.StatusStopping {
			orders = append(orders, row.order)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

// Trades returns every committed trade in insertion order.
func (m *Memory) Trades() []models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Trade(nil), m.trades...)
}

// Accounts returns every account row.
func (m *Memory) Accounts() []models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Account, 0, len(m.accounts))
	for _, row := range m.accounts {
		out = append(out, row.acct)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID == out[j].UserID {
			return out[i].Asset < out[j].Asset
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// InTx runs fn holding every row it locks until commit or rollback.
func (m *Memory) InTx(ctx context.Context, fn func(Tx) error) error {
	tx := &memTx{
		m:        m,
		accounts: make(map[accountKey]models.Account),
		staged:   make(map[int64]models.Order),
		locked:   make(map[accountKey]*accountRow),
		orders:   make(map[int64]*orderRow),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	m        *Memory
	accounts map[accountKey]models.Account
	staged   map[int64]models.Order
	inserted []int64
	trades   []models.Trade
	locked   map[accountKey]*accountRow
	orders   map[int64]*orderRow
}

func (tx *memTx) LockAccount(ctx context.Context, userID int64, asset string) (models.Account, error) {
	k := accountKey{userID: userID, asset: asset}
	if a, ok := tx.accounts[k]; ok {
		return a, nil
	}
	row := tx.m.accountRow(userID, asset)
	if err := row.lock.lock(ctx); err != nil {
		return models.Account{}, err
	}
	tx.locked[k] = row

	tx.m.mu.Lock()
	a := row.acct
	tx.m.mu.Unlock()
	tx.accounts[k] = a
	return a, nil
}

func (tx *memTx) AdjustAccount(ctx context.Context, d models.AccountDelta) error {
	cur, err := tx.LockAccount(ctx, d.UserID, d.Asset)
	if err != nil {
		return err
	}
	next := cur.Apply(d)
	if next.Balance.IsNegative() || !next.Valid() {
		return fmt.Errorf("%w: user %d %s balance %s available %s, delta %s/%s",
			ErrInsufficientBalance, d.UserID, d.Asset, cur.Balance, cur.AvailableBalance, d.Balance, d.Available)
	}
	tx.accounts[accountKey{userID: d.UserID, asset: d.Asset}] = next
	return nil
}

func (tx *memTx) LockOrder(ctx context.Context, id int64) (models.Order, error) {
	if o, ok := tx.staged[id]; ok {
		return o, nil
	}
	row, ok := tx.m.orderRow(id)
	if !ok {
		return models.Order{}, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	if err := row.lock.lock(ctx); err != nil {
		return models.Order{}, err
	}
	tx.orders[id] = row

	tx.m.mu.Lock()
	o := row.order
	tx.m.mu.Unlock()
	tx.staged[id] = o
	return o, nil
}

func (tx *memTx) UpdateOrder(ctx context.Context, o models.Order) error {
	if _, err := tx.LockOrder(ctx, o.ID); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	tx.staged[o.ID] = o
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t models.Trade) (models.Trade, error) {
	tx.m.mu.Lock()
	tx.m.nextTrade++
	t.ID = tx.m.nextTrade
	tx.m.mu.Unlock()
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = tx.m.now()
	}
	tx.trades = append(tx.trades, t)
	return t, nil
}

func (tx *memTx) commit() {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, a := range tx.accounts {
		if row, ok := tx.locked[k]; ok {
			row.acct = a
		}
	}
	for _, id := range tx.inserted {
		m.orders[id] = &orderRow{lock: make(rowLock, 1), order: tx.staged[id]}
	}
	for id, row := range tx.orders {
		row.order = tx.staged[id]
	}
	m.trades = append(m.trades, tx.trades...)
}

func (tx *memTx) release() {
	for _, row := range tx.locked {
		row.lock.unlock()
	}
	for _, row := range tx.orders {
		row.lock.unlock()
	}
	tx.locked, tx.orders = nil, nil
}
