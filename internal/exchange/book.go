package exchange

import (
	"sort"

	"github.com/xtrntr/spotcore/internal/models"
)

// Book holds the resting limit orders of one pair in price/time priority.
type Book struct {
	Bids []models.Order
	Asks []models.Order
}

func NewBook() *Book {
	return &Book{
		Bids: []models.Order{},
		Asks: []models.Order{},
	}
}

func ahead(a, b models.Order) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Add rests an order, replacing any earlier copy with the same ID.
func (b *Book) Add(order models.Order) {
	b.Remove(order.ID)
	if order.Side == models.SideBuy {
		b.Bids = append(b.Bids, order)
		// Highest price first, then earliest time
		sort.SliceStable(b.Bids, func(i, j int) bool {
			pi, pj := b.Bids[i].Price.Decimal, b.Bids[j].Price.Decimal
			if pi.Equal(pj) {
				return ahead(b.Bids[i], b.Bids[j])
			}
			return pi.GreaterThan(pj)
		})
	} else {
		b.Asks = append(b.Asks, order)
		// Lowest price first, then earliest time
		sort.SliceStable(b.Asks, func(i, j int) bool {
			pi, pj := b.Asks[i].Price.Decimal, b.Asks[j].Price.Decimal
			if pi.Equal(pj) {
				return ahead(b.Asks[i], b.Asks[j])
			}
			return pi.LessThan(pj)
		})
	}
}

// Remove drops the order with id from either side.
func (b *Book) Remove(id int64) (models.Order, bool) {
	for i, o := range b.Bids {
		if o.ID == id {
			b.Bids = append(b.Bids[:i], b.Bids[i+1:]...)
			return o, true
		}
	}
	for i, o := range b.Asks {
		if o.ID == id {
			b.Asks = append(b.Asks[:i], b.Asks[i+1:]...)
			return o, true
		}
	}
	return models.Order{}, false
}

// Best returns the top order of side.
func (b *Book) Best(side models.Side) (models.Order, bool) {
	orders := b.Asks
	if side == models.SideBuy {
		orders = b.Bids
	}
	if len(orders) == 0 {
		return models.Order{}, false
	}
	return orders[0], true
}

func (b *Book) Len() int {
	return len(b.Bids) + len(b.Asks)
}

// Snapshot returns copies of both sides.
func (b *Book) Snapshot() ([]models.Order, []models.Order) {
	return append([]models.Order(nil), b.Bids...), append([]models.Order(nil), b.Asks...)
}
