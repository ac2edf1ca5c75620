// Package ledger defines the transactional store settlement runs against.
//
// Every balance change goes through Tx.AdjustAccount, which only applies a delta when the
// resulting row still satisfies 0 <= available_balance <= balance. Rows are locked
// exclusively for the rest of the transaction once read through LockAccount or LockOrder.
package ledger

import (
	"context"
	"errors"

	"github.com/xtrntr/spotcore/internal/models"
)

var (
	// ErrInsufficientBalance means a conditional adjust found the row short of funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidOrder        = errors.New("invalid order")
)

// Tx is one settlement transaction.
type Tx interface {
	// LockAccount reads an account row and holds it exclusively until the transaction ends.
	// A missing row reads as a zero balance.
	LockAccount(ctx context.Context, userID int64, asset string) (models.Account, error)
	// AdjustAccount applies d if the row stays valid, otherwise returns ErrInsufficientBalance.
	AdjustAccount(ctx context.Context, d models.AccountDelta) error
	LockOrder(ctx context.Context, id int64) (models.Order, error)
	UpdateOrder(ctx context.Context, o models.Order) error
	InsertTrade(ctx context.Context, t models.Trade) (models.Trade, error)
}

// Store runs transactions and serves unlocked reads of committed state.
type Store interface {
	// InTx runs fn in a transaction. fn returning an error rolls everything back.
	InTx(ctx context.Context, fn func(Tx) error) error
	Account(ctx context.Context, userID int64, asset string) (models.Account, error)
	Order(ctx context.Context, id int64) (models.Order, error)
	OpenOrders(ctx context.Context, pair models.Pair) ([]models.Order, error)
}

// Reservation is the delta that sets aside the funds order needs when it is created.
func Reservation(o models.Order) models.AccountDelta {
	return models.AccountDelta{
		UserID:    o.UserID,
		Asset:     o.ReservedAsset(),
		Available: o.Reserved().Neg(),
	}
}
