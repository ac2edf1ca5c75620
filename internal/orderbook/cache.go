package orderbook

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotcore/internal/models"
)

// View is a rendered, depth-capped snapshot of one side of one price group.
type View struct {
	Pair     string              `json:"pair"`
	Group    decimal.Decimal     `json:"group"`
	Side     models.Side         `json:"side"`
	Levels   []models.PriceLevel `json:"levels"`
	MinPrice decimal.Decimal     `json:"min_price"`
	MaxPrice decimal.Decimal     `json:"max_price"`
	BuiltAt  time.Time           `json:"built_at"`
}

func newView(pair models.Pair, group decimal.Decimal, side models.Side, levels []models.PriceLevel, at time.Time) View {
	v := View{Pair: pair.String(), Group: group, Side: side, Levels: levels, BuiltAt: at}
	for i, lv := range levels {
		if i == 0 || lv.Price.LessThan(v.MinPrice) {
			v.MinPrice = lv.Price
		}
		if i == 0 || lv.Price.GreaterThan(v.MaxPrice) {
			v.MaxPrice = lv.Price
		}
	}
	return v
}

// Behind reports whether price is worse than every level the view shows, so a patch
// there cannot change it.
func (v View) Behind(price decimal.Decimal) bool {
	if len(v.Levels) == 0 {
		return false
	}
	if v.Side == models.SideBuy {
		return price.LessThan(v.MinPrice)
	}
	return price.GreaterThan(v.MaxPrice)
}

// Cache stores rendered views by key.
type Cache interface {
	Get(key string) (View, bool, error)
	Put(key string, v View) error
	Delete(key string) error
}

func viewKey(pair models.Pair, group decimal.Decimal, side models.Side) string {
	return fmt.Sprintf("depth/%s/%s/%s/%s", pair.Base, pair.Quote, group.String(), side)
}

type MemoryCache struct {
	mu    sync.RWMutex
	views map[string]View
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{views: make(map[string]View)}
}

func (c *MemoryCache) Get(key string) (View, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.views[key]
	return v, ok, nil
}

func (c *MemoryCache) Put(key string, v View) error {
	c.mu.Lock()
	c.views[key] = v
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(key string) error {
	c.mu.Lock()
	delete(c.views, key)
	c.mu.Unlock()
	return nil
}

// PebbleCache persists views in a pebble store as JSON.
type PebbleCache struct {
	db *pebble.DB
}

// OpenPebbleCache opens (or creates) a pebble store at dir. An empty dir keeps the store in memory.
func OpenPebbleCache(dir string) (*PebbleCache, error) {
	opts := &pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open depth cache: %w", err)
	}
	return &PebbleCache{db: db}, nil
}

func (c *PebbleCache) Get(key string) (View, bool, error) {
	raw, closer, err := c.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return View{}, false, nil
	}
	if err != nil {
		return View{}, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()

	var v View
	if err := json.Unmarshal(raw, &v); err != nil {
		return View{}, false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return v, true, nil
}

func (c *PebbleCache) Put(key string, v View) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := c.db.Set([]byte(key), raw, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (c *PebbleCache) Delete(key string) error {
	if err := c.db.Delete([]byte(key), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (c *PebbleCache) Close() error {
	return c.db.Close()
}
