// Package masterdata serves pair settings, fee tables and price groups.
package masterdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotcore/internal/models"
)

var ErrPairNotFound = errors.New("pair not found")

type Provider interface {
	Pair(ctx context.Context, pair models.Pair) (models.PairSetting, error)
	Pairs(ctx context.Context) ([]models.PairSetting, error)
	Fees(ctx context.Context) ([]models.MarketFee, error)
	Exemptions(ctx context.Context) ([]models.FeeExemption, error)
	PriceGroups(ctx context.Context, pair models.Pair) ([]decimal.Decimal, error)
}

// Snapshot is a full copy of the masterdata tables.
type Snapshot struct {
	Pairs      []models.PairSetting
	Fees       []models.MarketFee
	Exemptions []models.FeeExemption
}

// Load reads every table from p.
func Load(ctx context.Context, p Provider) (Snapshot, error) {
	var s Snapshot
	var err error
	if s.Pairs, err = p.Pairs(ctx); err != nil {
		return Snapshot{}, err
	}
	if s.Fees, err = p.Fees(ctx); err != nil {
		return Snapshot{}, err
	}
	if s.Exemptions, err = p.Exemptions(ctx); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Static serves a fixed snapshot, typically declared in the config file.
type Static struct {
	mu    sync.RWMutex
	snap  Snapshot
	pairs map[models.Pair]models.PairSetting
}

func NewStatic(s Snapshot) *Static {
	st := &Static{}
	st.Replace(s)
	return st
}

func (s *Static) Replace(snap Snapshot) {
	pairs := make(map[models.Pair]models.PairSetting, len(snap.Pairs))
	for _, p := range snap.Pairs {
		groups := append([]decimal.Decimal(nil), p.PriceGroups...)
		sort.Slice(groups, func(i, j int) bool { return groups[i].LessThan(groups[j]) })
		p.PriceGroups = groups
		pairs[p.Pair] = p
	}
	s.mu.Lock()
	s.snap = snap
	s.pairs = pairs
	s.mu.Unlock()
}

func (s *Static) Pair(_ context.Context, pair models.Pair) (models.PairSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[pair]
	if !ok {
		return models.PairSetting{}, fmt.Errorf("%w: %s", ErrPairNotFound, pair)
	}
	return p, nil
}

func (s *Static) Pairs(context.Context) ([]models.PairSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PairSetting, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.String() < out[j].Pair.String() })
	return out, nil
}

func (s *Static) Fees(context.Context) ([]models.MarketFee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.MarketFee(nil), s.snap.Fees...), nil
}

func (s *Static) Exemptions(context.Context) ([]models.FeeExemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.FeeExemption(nil), s.snap.Exemptions...), nil
}

func (s *Static) PriceGroups(ctx context.Context, pair models.Pair) ([]decimal.Decimal, error) {
	p, err := s.Pair(ctx, pair)
	if err != nil {
		return nil, err
	}
	return p.PriceGroups, nil
}
