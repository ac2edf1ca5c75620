package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/spotcore/internal/money"
	"github.com/xtrntr/spotcore/internal/pricing"
)

var (
	// ErrSettlementCommit matches any failure of the storage layer while settling.
	ErrSettlementCommit = errors.New("settlement commit failed")
	// ErrBufferFlush matches a failed flush of buffered matches; the buffer is kept.
	ErrBufferFlush = errors.New("buffer flush failed")
	// ErrNotCancelable is returned for orders already EXECUTED or CANCELED.
	ErrNotCancelable = errors.New("order cannot be canceled")
	// ErrInvalidTransition is returned when admitting or activating an order in the wrong status.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrInvalidMatch is returned when the two orders cannot form a buy/sell pair.
	ErrInvalidMatch = errors.New("invalid match")
)

type commitError struct {
	err error
}

func (e *commitError) Error() string        { return fmt.Sprintf("%s: %v", ErrSettlementCommit, e.err) }
func (e *commitError) Unwrap() error        { return e.err }
func (e *commitError) Is(target error) bool { return target == ErrSettlementCommit }

// FlushError reports a failed flush and how many matches are still buffered.
type FlushError struct {
	Pending int
	Err     error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("%s (%d pending): %v", ErrBufferFlush, e.Pending, e.Err)
}
func (e *FlushError) Unwrap() error        { return e.Err }
func (e *FlushError) Is(target error) bool { return target == ErrBufferFlush }

// buffered reports whether a settle error still left the unit recorded, which is the case
// when only the automatic flush that followed it failed.
func buffered(err error) bool {
	return err == nil || errors.Is(err, ErrBufferFlush)
}

// classify leaves domain errors alone and marks everything else as a storage failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrSettlementCommit,
		ErrNotCancelable,
		ErrInvalidTransition,
		ErrInvalidMatch,
		pricing.ErrUnresolvablePrice,
		pricing.ErrUnknownOrderType,
		money.ErrDivisionByZero,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &commitError{err: err}
}
