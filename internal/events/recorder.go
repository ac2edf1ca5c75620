package events

import (
	"context"
	"sync"

	"github.com/xtrntr/spotcore/internal/models"
)

// Recorder keeps every notification in memory, in arrival order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) OrderbookChanged(_ context.Context, pair models.Pair, action Action, rows []models.PriceLevel) {
	r.mu.Lock()
	r.events = append(r.events, orderbookEvent(pair, action, rows))
	r.mu.Unlock()
}

func (r *Recorder) OrderChanged(_ context.Context, action Action, order models.Order, userID int64) {
	r.mu.Lock()
	r.events = append(r.events, orderEvent(action, order, userID))
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Filter returns the recorded events of one kind and action.
func (r *Recorder) Filter(kind Kind, action Action) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == kind && ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
