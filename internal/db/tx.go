package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotcore/internal/ledger"
	"github.com/xtrntr/spotcore/internal/models"
)

type accountKey struct {
	userID int64
	asset  string
}

// ledgerTx implements ledger.Tx. Rows read through it are held FOR UPDATE until the
// transaction ends, so repeated reads are served from the copies kept here.
type ledgerTx struct {
	tx       pgx.Tx
	accounts map[accountKey]models.Account
	orders   map[int64]models.Order
}

func newTx(t pgx.Tx) *ledgerTx {
	return &ledgerTx{
		tx:       t,
		accounts: make(map[accountKey]models.Account),
		orders:   make(map[int64]models.Order),
	}
}

func (t *ledgerTx) LockAccount(ctx context.Context, userID int64, asset string) (models.Account, error) {
	k := accountKey{userID: userID, asset: asset}
	if a, ok := t.accounts[k]; ok {
		return a, nil
	}

	_, err := t.tx.Exec(ctx,
		"INSERT INTO accounts (user_id, asset) VALUES ($1, $2) ON CONFLICT (user_id, asset) DO NOTHING",
		userID, asset)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to create account: %w", err)
	}

	var balance, available string
	err = t.tx.QueryRow(ctx,
		"SELECT balance::text, available_balance::text FROM accounts WHERE user_id = $1 AND asset = $2 FOR UPDATE",
		userID, asset).Scan(&balance, &available)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to lock account: %w", err)
	}
	a, err := parseAccount(userID, asset, balance, available)
	if err != nil {
		return models.Account{}, err
	}
	t.accounts[k] = a
	return a, nil
}

// AdjustAccount applies d only if the row stays within 0 <= available <= balance
func (t *ledgerTx) AdjustAccount(ctx context.Context, d models.AccountDelta) error {
	if _, err := t.LockAccount(ctx, d.UserID, d.Asset); err != nil {
		return err
	}

	var balance, available string
	err := t.tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $3::numeric, available_balance = available_balance + $4::numeric, updated_at = NOW()
		WHERE user_id = $1 AND asset = $2
			AND available_balance + $4::numeric >= 0
			AND available_balance + $4::numeric <= balance + $3::numeric
		RETURNING balance::text, available_balance::text
	`, d.UserID, d.Asset, d.Balance.String(), d.Available.String()).Scan(&balance, &available)
	if errors.Is(err, pgx.ErrNoRows) {
		cur := t.accounts[accountKey{userID: d.UserID, asset: d.Asset}]
		return fmt.Errorf("%w: user %d %s balance %s available %s, delta %s/%s",
			ledger.ErrInsufficientBalance, d.UserID, d.Asset, cur.Balance, cur.AvailableBalance, d.Balance, d.Available)
	}
	if err != nil {
		return fmt.Errorf("failed to adjust account: %w", err)
	}

	a, err := parseAccount(d.UserID, d.Asset, balance, available)
	if err != nil {
		return err
	}
	t.accounts[accountKey{userID: d.UserID, asset: d.Asset}] = a
	return nil
}

func (t *ledgerTx) LockOrder(ctx context.Context, id int64) (models.Order, error) {
	if o, ok := t.orders[id]; ok {
		return o, nil
	}
	o, err := scanOrder(t.tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, fmt.Errorf("order %d: %w", id, ledger.ErrOrderNotFound)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to lock order: %w", err)
	}
	t.orders[id] = o
	return o, nil
}

// UpdateOrder writes the mutable columns of o: status, executed quantity and fee
func (t *ledgerTx) UpdateOrder(ctx context.Context, o models.Order) error {
	if _, err := t.LockOrder(ctx, o.ID); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInvalidOrder, err)
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, executed_quantity = $3::numeric, fee = $4::numeric, updated_at = $5
		WHERE id = $1
	`, o.ID, string(o.Status), o.ExecutedQuantity.String(), o.Fee.String(), o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", o.ID, ledger.ErrOrderNotFound)
	}
	t.orders[o.ID] = o
	return nil
}

func (t *ledgerTx) InsertTrade(ctx context.Context, tr models.Trade) (models.Trade, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO trades (buy_order_id, sell_order_id, buyer_id, seller_id, base_asset, quote_asset,
			price, quantity, buy_fee, sell_fee, is_buyer_maker, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11, COALESCE($12, NOW()))
		RETURNING `+tradeColumns,
		tr.BuyOrderID, tr.SellOrderID, tr.BuyerID, tr.SellerID, tr.BaseAsset, tr.QuoteAsset,
		tr.Price.String(), tr.Quantity.String(), tr.BuyFee.String(), tr.SellFee.String(), tr.IsBuyerMaker,
		nullTime(tr.ExecutedAt))
	created, err := scanTrade(row)
	if err != nil {
		return models.Trade{}, fmt.Errorf("failed to create trade: %w", err)
	}
	return created, nil
}

func parseAccount(userID int64, asset, balance, available string) (models.Account, error) {
	a := models.Account{UserID: userID, Asset: asset}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return models.Account{}, fmt.Errorf("failed to parse balance: %w", err)
	}
	if a.AvailableBalance, err = decimal.NewFromString(available); err != nil {
		return models.Account{}, fmt.Errorf("failed to parse available balance: %w", err)
	}
	return a, nil
}
