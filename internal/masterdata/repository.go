package masterdata

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/xtrntr/spotcore/internal/models"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Option defines connection options for the masterdata database.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	Config     *gorm.Config
}

func (opt Option) dsn() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

type pairSettingRow struct {
	BaseAsset         string          `gorm:"column:base_asset;primaryKey"`
	QuoteAsset        string          `gorm:"column:quote_asset;primaryKey"`
	PricePrecision    int32           `gorm:"column:price_precision"`
	QuantityPrecision int32           `gorm:"column:quantity_precision"`
	MinimumQuantity   decimal.Decimal `gorm:"column:minimum_quantity;type:numeric"`
	MinimumAmount     decimal.Decimal `gorm:"column:minimum_amount;type:numeric"`
}

func (pairSettingRow) TableName() string { return "pair_settings" }

type priceGroupRow struct {
	BaseAsset  string          `gorm:"column:base_asset;primaryKey"`
	QuoteAsset string          `gorm:"column:quote_asset;primaryKey"`
	Tick       decimal.Decimal `gorm:"column:tick;type:numeric;primaryKey"`
}

func (priceGroupRow) TableName() string { return "price_groups" }

type marketFeeRow struct {
	BaseAsset  string          `gorm:"column:base_asset;primaryKey"`
	QuoteAsset string          `gorm:"column:quote_asset;primaryKey"`
	MarketType string          `gorm:"column:market_type;primaryKey"`
	MakerRate  decimal.Decimal `gorm:"column:maker_rate;type:numeric"`
	TakerRate  decimal.Decimal `gorm:"column:taker_rate;type:numeric"`
}

func (marketFeeRow) TableName() string { return "market_fees" }

type feeExemptionRow struct {
	UserID     int64  `gorm:"column:user_id;primaryKey"`
	BaseAsset  string `gorm:"column:base_asset;primaryKey"`
	QuoteAsset string `gorm:"column:quote_asset;primaryKey"`
}

func (feeExemptionRow) TableName() string { return "fee_exemptions" }

func (r pairSettingRow) setting(groups []decimal.Decimal) models.PairSetting {
	return models.PairSetting{
		Pair:              models.Pair{Base: r.BaseAsset, Quote: r.QuoteAsset},
		PricePrecision:    r.PricePrecision,
		QuantityPrecision: r.QuantityPrecision,
		MinimumQuantity:   r.MinimumQuantity,
		MinimumAmount:     r.MinimumAmount,
		PriceGroups:       groups,
	}
}

// Repository reads masterdata through gorm.
type Repository struct {
	db *gorm.DB
}

// Open connects to the masterdata database.
func Open(option Option) (*Repository, error) {
	config := option.Config
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	}
	db, err := gorm.Open(postgres.Open(option.dsn()), config)
	if err != nil {
		return nil, errors.Wrap(err, "open masterdata database")
	}
	return &Repository{db: db}, nil
}

// NewRepository wraps an existing gorm handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *Repository) Pair(ctx context.Context, pair models.Pair) (models.PairSetting, error) {
	var row pairSettingRow
	err := r.db.WithContext(ctx).
		Where("base_asset = ? AND quote_asset = ?", pair.Base, pair.Quote).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.PairSetting{}, fmt.Errorf("%w: %s", ErrPairNotFound, pair)
	}
	if err != nil {
		return models.PairSetting{}, errors.Wrapf(err, "load pair %s", pair)
	}
	groups, err := r.PriceGroups(ctx, pair)
	if err != nil {
		return models.PairSetting{}, err
	}
	return row.setting(groups), nil
}

func (r *Repository) Pairs(ctx context.Context) ([]models.PairSetting, error) {
	var rows []pairSettingRow
	if err := r.db.WithContext(ctx).Order("base_asset, quote_asset").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load pairs")
	}
	var groupRows []priceGroupRow
	if err := r.db.WithContext(ctx).Find(&groupRows).Error; err != nil {
		return nil, errors.Wrap(err, "load price groups")
	}
	groups := make(map[models.Pair][]decimal.Decimal)
	for _, g := range groupRows {
		p := models.Pair{Base: g.BaseAsset, Quote: g.QuoteAsset}
		groups[p] = append(groups[p], g.Tick)
	}

	out := make([]models.PairSetting, 0, len(rows))
	for _, row := range rows {
		g := groups[models.Pair{Base: row.BaseAsset, Quote: row.QuoteAsset}]
		sortTicks(g)
		out = append(out, row.setting(g))
	}
	return out, nil
}

func (r *Repository) PriceGroups(ctx context.Context, pair models.Pair) ([]decimal.Decimal, error) {
	var rows []priceGroupRow
	err := r.db.WithContext(ctx).
		Where("base_asset = ? AND quote_asset = ?", pair.Base, pair.Quote).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "load price groups of %s", pair)
	}
	ticks := make([]decimal.Decimal, 0, len(rows))
	for _, row := range rows {
		ticks = append(ticks, row.Tick)
	}
	sortTicks(ticks)
	return ticks, nil
}

func (r *Repository) Fees(ctx context.Context) ([]models.MarketFee, error) {
	var rows []marketFeeRow
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load market fees")
	}
	out := make([]models.MarketFee, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.MarketFee{
			Pair:       models.Pair{Base: row.BaseAsset, Quote: row.QuoteAsset},
			MarketType: models.MarketType(row.MarketType),
			MakerRate:  row.MakerRate,
			TakerRate:  row.TakerRate,
		})
	}
	return out, nil
}

func (r *Repository) Exemptions(ctx context.Context) ([]models.FeeExemption, error) {
	var rows []feeExemptionRow
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load fee exemptions")
	}
	out := make([]models.FeeExemption, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.FeeExemption{
			UserID: row.UserID,
			Pair:   models.Pair{Base: row.BaseAsset, Quote: row.QuoteAsset},
		})
	}
	return out, nil
}

// Save upserts every row of s.
func (r *Repository) Save(ctx context.Context, s Snapshot) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := tx.Clauses(clause.OnConflict{UpdateAll: true})
		for _, p := range s.Pairs {
			row := pairSettingRow{
				BaseAsset:         p.Pair.Base,
				QuoteAsset:        p.Pair.Quote,
				PricePrecision:    p.PricePrecision,
				QuantityPrecision: p.QuantityPrecision,
				MinimumQuantity:   p.MinimumQuantity,
				MinimumAmount:     p.MinimumAmount,
			}
			if err := upsert.Create(&row).Error; err != nil {
				return errors.Wrapf(err, "save pair %s", p.Pair)
			}
			for _, tick := range p.PriceGroups {
				g := priceGroupRow{BaseAsset: p.Pair.Base, QuoteAsset: p.Pair.Quote, Tick: tick}
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&g).Error; err != nil {
					return errors.Wrapf(err, "save price group %s of %s", tick, p.Pair)
				}
			}
		}
		for _, f := range s.Fees {
			row := marketFeeRow{
				BaseAsset:  f.Pair.Base,
				QuoteAsset: f.Pair.Quote,
				MarketType: string(f.MarketType),
				MakerRate:  f.MakerRate,
				TakerRate:  f.TakerRate,
			}
			if err := upsert.Create(&row).Error; err != nil {
				return errors.Wrapf(err, "save fee %s %s", f.Pair, f.MarketType)
			}
		}
		for _, e := range s.Exemptions {
			row := feeExemptionRow{UserID: e.UserID, BaseAsset: e.Pair.Base, QuoteAsset: e.Pair.Quote}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return errors.Wrapf(err, "save exemption for user %d", e.UserID)
			}
		}
		return nil
	})
}

func sortTicks(ticks []decimal.Decimal) {
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].LessThan(ticks[j]) })
}
