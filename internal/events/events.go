// Package events carries order book and order list notifications out of the core.
// Delivery is best effort and never part of a settlement transaction.
package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xtrntr/spotcore/internal/models"
)

type Action string

const (
	ActionCreated   Action = "created"
	ActionMatched   Action = "matched"
	ActionCanceled  Action = "canceled"
	ActionActivated Action = "activated"
)

// Bus receives notifications after the state they describe has been committed.
type Bus interface {
	OrderbookChanged(ctx context.Context, pair models.Pair, action Action, rows []models.PriceLevel)
	OrderChanged(ctx context.Context, action Action, order models.Order, userID int64)
}

// Kind distinguishes the two notification streams.
type Kind string

const (
	KindOrderbook Kind = "orderbook"
	KindOrder     Kind = "order"
)

// Event is the wire form shared by every sink.
type Event struct {
	Kind   Kind                `json:"kind"`
	Action Action              `json:"action"`
	Pair   string              `json:"pair"`
	UserID int64               `json:"user_id,omitempty"`
	Rows   []models.PriceLevel `json:"rows,omitempty"`
	Order  *models.Order       `json:"order,omitempty"`
	At     time.Time           `json:"at"`
}

func orderbookEvent(pair models.Pair, action Action, rows []models.PriceLevel) Event {
	return Event{Kind: KindOrderbook, Action: action, Pair: pair.String(), Rows: rows, At: time.Now().UTC()}
}

func orderEvent(action Action, order models.Order, userID int64) Event {
	return Event{Kind: KindOrder, Action: action, Pair: order.Pair().String(), UserID: userID, Order: &order, At: time.Now().UTC()}
}

// Sink publishes encoded events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkBus adapts a Sink to a Bus, logging publish failures.
type SinkBus struct {
	sink Sink
	log  *logrus.Entry
}

func NewSinkBus(sink Sink, log *logrus.Entry) *SinkBus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SinkBus{sink: sink, log: log}
}

func (b *SinkBus) OrderbookChanged(ctx context.Context, pair models.Pair, action Action, rows []models.PriceLevel) {
	b.publish(ctx, orderbookEvent(pair, action, rows))
}

func (b *SinkBus) OrderChanged(ctx context.Context, action Action, order models.Order, userID int64) {
	b.publish(ctx, orderEvent(action, order, userID))
}

func (b *SinkBus) publish(ctx context.Context, ev Event) {
	if err := b.sink.Publish(ctx, ev); err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{"kind": ev.Kind, "action": ev.Action, "pair": ev.Pair}).
			Warn("Failed to publish event")
	}
}

// Nop discards every notification.
type Nop struct{}

func (Nop) OrderbookChanged(context.Context, models.Pair, Action, []models.PriceLevel) {}
func (Nop) OrderChanged(context.Context, Action, models.Order, int64)                  {}

// Multi fans every notification out to each bus in turn.
type Multi []Bus

func (m Multi) OrderbookChanged(ctx context.Context, pair models.Pair, action Action, rows []models.PriceLevel) {
	for _, b := range m {
		b.OrderbookChanged(ctx, pair, action, rows)
	}
}

func (m Multi) OrderChanged(ctx context.Context, action Action, order models.Order, userID int64) {
	for _, b := range m {
		b.OrderChanged(ctx, action, order, userID)
	}
}

// Async decouples callers from a slow bus with a bounded queue.
// When the queue is full the notification is dropped and counted.
type Async struct {
	next    Bus
	queue   chan func(context.Context)
	done    chan struct{}
	dropped atomic.Int64
	log     *logrus.Entry
}

func NewAsync(next Bus, size int, log *logrus.Entry) *Async {
	if size <= 0 {
		size = 1024
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Async{
		next:  next,
		queue: make(chan func(context.Context), size),
		done:  make(chan struct{}),
		log:   log.WithField("component", "events"),
	}
}

// Run delivers queued notifications until ctx is canceled, then drains what is left.
func (a *Async) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case fn := <-a.queue:
			fn(ctx)
		case <-ctx.Done():
			drain := context.Background()
			for {
				select {
				case fn := <-a.queue:
					fn(drain)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (a *Async) Done() <-chan struct{} { return a.done }

func (a *Async) Dropped() int64 { return a.dropped.Load() }

func (a *Async) enqueue(kind Kind, fn func(context.Context)) {
	select {
	case a.queue <- fn:
	default:
		n := a.dropped.Add(1)
		a.log.WithFields(logrus.Fields{"kind": kind, "dropped": n}).Warn("Event queue full, dropping notification")
	}
}

func (a *Async) OrderbookChanged(_ context.Context, pair models.Pair, action Action, rows []models.PriceLevel) {
	rows = append([]models.PriceLevel(nil), rows...)
	a.enqueue(KindOrderbook, func(ctx context.Context) { a.next.OrderbookChanged(ctx, pair, action, rows) })
}

func (a *Async) OrderChanged(_ context.Context, action Action, order models.Order, userID int64) {
	a.enqueue(KindOrder, func(ctx context.Context) { a.next.OrderChanged(ctx, action, order, userID) })
}
