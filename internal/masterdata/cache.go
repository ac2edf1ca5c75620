package masterdata

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/spotcore/internal/models"
)

// Cache keeps a snapshot of a slower provider and reloads it once ttl has passed.
// A failed reload keeps serving the previous snapshot.
type Cache struct {
	source Provider
	ttl    time.Duration
	now    func() time.Time
	log    *logrus.Entry

	mu       sync.Mutex
	static   *Static
	loadedAt time.Time
	onReload []func(Snapshot)
}

func NewCache(source Provider, ttl time.Duration, log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		log:    log.WithField("component", "masterdata"),
	}
}

// OnReload registers fn to receive every snapshot the cache loads.
func (c *Cache) OnReload(fn func(Snapshot)) {
	c.mu.Lock()
	c.onReload = append(c.onReload, fn)
	c.mu.Unlock()
}

// Refresh reloads the snapshot now.
func (c *Cache) Refresh(ctx context.Context) error {
	snap, err := Load(ctx, c.source)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.static == nil {
		c.static = NewStatic(snap)
	} else {
		c.static.Replace(snap)
	}
	c.loadedAt = c.now()
	hooks := append([]func(Snapshot){}, c.onReload...)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(snap)
	}
	c.log.WithFields(logrus.Fields{"pairs": len(snap.Pairs), "fees": len(snap.Fees)}).Debug("Reloaded masterdata")
	return nil
}

func (c *Cache) current(ctx context.Context) (*Static, error) {
	c.mu.Lock()
	st, loadedAt := c.static, c.loadedAt
	c.mu.Unlock()

	if st != nil && c.now().Sub(loadedAt) < c.ttl {
		return st, nil
	}
	if err := c.Refresh(ctx); err != nil {
		if st != nil {
			c.log.WithError(err).Warn("Failed to reload masterdata, serving previous snapshot")
			return st, nil
		}
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.static, nil
}

func (c *Cache) Pair(ctx context.Context, pair models.Pair) (models.PairSetting, error) {
	st, err := c.current(ctx)
	if err != nil {
		return models.PairSetting{}, err
	}
	return st.Pair(ctx, pair)
}

func (c *Cache) Pairs(ctx context.Context) ([]models.PairSetting, error) {
	st, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return st.Pairs(ctx)
}

func (c *Cache) Fees(ctx context.Context) ([]models.MarketFee, error) {
	st, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return st.Fees(ctx)
}

func (c *Cache) Exemptions(ctx context.Context) ([]models.FeeExemption, error) {
	st, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return st.Exemptions(ctx)
}

func (c *Cache) PriceGroups(ctx context.Context, pair models.Pair) ([]decimal.Decimal, error) {
	st, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return st.PriceGroups(ctx, pair)
}
