// Package db is the Postgres implementation of the settlement ledger.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotcore/internal/ledger"
	"github.com/xtrntr/spotcore/internal/models"
)

var _ ledger.Store = (*DB)(nil)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Ping reports whether the database answers.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// InTx runs fn in one transaction, committing only when fn succeeds
func (db *DB) InTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(newTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateOrder inserts a NEW order and reserves its funds in the same transaction
func (db *DB) CreateOrder(ctx context.Context, order models.Order) (models.Order, error) {
	if err := order.Validate(); err != nil {
		return models.Order{}, fmt.Errorf("%w: %v", ledger.ErrInvalidOrder, err)
	}
	if order.Status == "" {
		order.Status = models.StatusNew
	}
	if order.MarketType == "" {
		order.MarketType = models.MarketNormal
	}

	var created models.Order
	err := db.InTx(ctx, func(ltx ledger.Tx) error {
		if r := ledger.Reservation(order); !r.IsZero() {
			if err := ltx.AdjustAccount(ctx, r); err != nil {
				return err
			}
		}
		t := ltx.(*ledgerTx)
		row := t.tx.QueryRow(ctx, `
			INSERT INTO orders (user_id, base_asset, quote_asset, side, type, price, stop_price, stop_condition,
				quantity, executed_quantity, fee, status, market_type, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9::numeric, $10::numeric, $11::numeric,
				$12, $13, COALESCE($14, NOW()), COALESCE($14, NOW()))
			RETURNING `+orderColumns,
			order.UserID, order.BaseAsset, order.QuoteAsset, string(order.Side), string(order.Type),
			nullDecimal(order.Price), nullDecimal(order.StopPrice), string(order.StopCondition),
			order.Quantity.String(), order.ExecutedQuantity.String(), order.Fee.String(),
			string(order.Status), string(order.MarketType), nullTime(order.CreatedAt))
		var err error
		created, err = scanOrder(row)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Order{}, err
	}
	return created, nil
}

// Deposit credits amount to both balance and available balance
func (db *DB) Deposit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return db.InTx(ctx, func(tx ledger.Tx) error {
		return tx.AdjustAccount(ctx, models.AccountDelta{UserID: userID, Asset: asset, Balance: amount, Available: amount})
	})
}

// Account reads an account row without locking it. A missing row reads as zero.
func (db *DB) Account(ctx context.Context, userID int64, asset string) (models.Account, error) {
	acct := models.Account{UserID: userID, Asset: asset}
	var balance, available string
	err := db.Pool.QueryRow(ctx,
		"SELECT balance::text, available_balance::text FROM accounts WHERE user_id = $1 AND asset = $2",
		userID, asset).Scan(&balance, &available)
	if errors.Is(err, pgx.ErrNoRows) {
		return acct, nil
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	if acct.Balance, err = decimal.NewFromString(balance); err != nil {
		return models.Account{}, err
	}
	if acct.AvailableBalance, err = decimal.NewFromString(available); err != nil {
		return models.Account{}, err
	}
	return acct, nil
}

// Order reads an order without locking it
func (db *DB) Order(ctx context.Context, id int64) (models.Order, error) {
	o, err := scanOrder(db.Pool.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, fmt.Errorf("order %d: %w", id, ledger.ErrOrderNotFound)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// OpenOrders retrieves the pair's orders on the book, oldest first
func (db *DB) OpenOrders(ctx context.Context, pair models.Pair) ([]models.Order, error) {
	return db.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE base_asset = $1 AND quote_asset = $2 AND status IN ($3, $4)
		ORDER BY created_at ASC, id ASC
	`, pair.Base, pair.Quote, string(models.StatusPending), string(models.StatusExecuting))
}

// StoppedOrders retrieves the pair's stop orders waiting for their trigger
func (db *DB) StoppedOrders(ctx context.Context, pair models.Pair) ([]models.Order, error) {
	return db.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE base_asset = $1 AND quote_asset = $2 AND status = $3
		ORDER BY id ASC
	`, pair.Base, pair.Quote, string(models.StatusStopping))
}

// Trades retrieves the pair's most recent trades, newest first
func (db *DB) Trades(ctx context.Context, pair models.Pair, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE base_asset = $1 AND quote_asset = $2
		ORDER BY id DESC
		LIMIT $3
	`, pair.Base, pair.Quote, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (db *DB) queryOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
