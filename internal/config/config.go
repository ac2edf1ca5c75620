// Package config loads the server configuration from YAML plus a .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/xtrntr/spotcore/internal/masterdata"
	"github.com/xtrntr/spotcore/internal/models"
)

// SettlementMode selects how matches are committed.
type SettlementMode string

const (
	SettlementSync     SettlementMode = "sync"
	SettlementBuffered SettlementMode = "buffered"
)

func (m SettlementMode) Valid() bool {
	return m == SettlementSync || m == SettlementBuffered
}

// MasterdataSource selects where pair settings and fees come from.
type MasterdataSource string

const (
	MasterdataStatic   MasterdataSource = "static"
	MasterdataDatabase MasterdataSource = "database"
)

type Config struct {
	DatabaseURL string           `yaml:"database_url"`
	Server      ServerConfig     `yaml:"server"`
	Log         LogConfig        `yaml:"log"`
	Profiling   ProfilingConfig  `yaml:"profiling"`
	Kafka       KafkaConfig      `yaml:"kafka"`
	Settlement  SettlementConfig `yaml:"settlement"`
	Orderbook   OrderbookConfig  `yaml:"orderbook"`
	Events      EventsConfig     `yaml:"events"`
	Masterdata  MasterdataConfig `yaml:"masterdata"`
}

type ServerConfig struct {
	Addr                  string   `yaml:"addr"`
	AllowedOrigins        []string `yaml:"allowed_origins"`
	ShutdownTimeout       string   `yaml:"shutdown_timeout"`
	ParsedShutdownTimeout time.Duration
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type ProfilingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ApplicationName string `yaml:"application_name"`
	ServerAddress   string `yaml:"server_address"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	EventsTopic string   `yaml:"events_topic"`
	JobsTopic   string   `yaml:"jobs_topic"`
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type SettlementConfig struct {
	Mode                SettlementMode `yaml:"mode"`
	MaxPending          int            `yaml:"max_pending"`
	FlushInterval       string         `yaml:"flush_interval"`
	ParsedFlushInterval time.Duration
}

type OrderbookConfig struct {
	MaxDepth int    `yaml:"max_depth"`
	CacheDir string `yaml:"cache_dir"` // empty keeps the pebble cache in memory
}

type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type MasterdataConfig struct {
	Source               MasterdataSource `yaml:"source"`
	ReloadInterval       string           `yaml:"reload_interval"`
	ParsedReloadInterval time.Duration
	Pairs                []PairConfig      `yaml:"pairs"`
	Fees                 []FeeConfig       `yaml:"fees"`
	Exemptions           []ExemptionConfig `yaml:"exemptions"`
}

type PairConfig struct {
	Base              string   `yaml:"base"`
	Quote             string   `yaml:"quote"`
	PricePrecision    int32    `yaml:"price_precision"`
	QuantityPrecision int32    `yaml:"quantity_precision"`
	MinimumQuantity   string   `yaml:"minimum_quantity"`
	MinimumAmount     string   `yaml:"minimum_amount"`
	PriceGroups       []string `yaml:"price_groups"`
}

type FeeConfig struct {
	Base       string `yaml:"base"`
	Quote      string `yaml:"quote"`
	MarketType string `yaml:"market_type"`
	MakerRate  string `yaml:"maker_rate"`
	TakerRate  string `yaml:"taker_rate"`
}

type ExemptionConfig struct {
	UserID int64  `yaml:"user_id"`
	Base   string `yaml:"base"`
	Quote  string `yaml:"quote"`
}

// Load reads filename, after loading the .env file that sits next to it.
// DATABASE_URL and KAFKA_BROKERS in the environment override the file.
func Load(filename string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(filename), ".env")
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "load %s", envPath)
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "open config file")
	}
	defer file.Close()

	config := Default()
	if err := yaml.NewDecoder(file).Decode(config); err != nil {
		return nil, errors.Wrap(err, "decode config file")
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.DatabaseURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		config.Kafka.Brokers = splitList(v)
	}

	if err := config.finish(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default is the configuration used for anything the file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: "10s",
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Kafka: KafkaConfig{
			EventsTopic: "spotcore.events",
			JobsTopic:   "spotcore.jobs",
		},
		Settlement: SettlementConfig{
			Mode:          SettlementSync,
			MaxPending:    256,
			FlushInterval: "50ms",
		},
		Orderbook:  OrderbookConfig{MaxDepth: 100},
		Events:     EventsConfig{QueueSize: 1024},
		Masterdata: MasterdataConfig{Source: MasterdataStatic, ReloadInterval: "1m"},
	}
}

func (c *Config) finish() error {
	var err error
	if c.Server.ParsedShutdownTimeout, err = parseDuration("server.shutdown_timeout", c.Server.ShutdownTimeout); err != nil {
		return err
	}
	if c.Settlement.ParsedFlushInterval, err = parseDuration("settlement.flush_interval", c.Settlement.FlushInterval); err != nil {
		return err
	}
	if c.Masterdata.ParsedReloadInterval, err = parseDuration("masterdata.reload_interval", c.Masterdata.ReloadInterval); err != nil {
		return err
	}

	if !c.Settlement.Mode.Valid() {
		return fmt.Errorf("settlement.mode %q: must be %q or %q", c.Settlement.Mode, SettlementSync, SettlementBuffered)
	}
	switch c.Masterdata.Source {
	case MasterdataStatic:
		if _, err := c.Masterdata.Snapshot(); err != nil {
			return err
		}
	case MasterdataDatabase:
		if c.DatabaseURL == "" {
			return errors.New("masterdata.source database requires database_url")
		}
	default:
		return fmt.Errorf("masterdata.source %q: must be %q or %q", c.Masterdata.Source, MasterdataStatic, MasterdataDatabase)
	}
	return nil
}

// Snapshot converts the inline masterdata tables.
func (m MasterdataConfig) Snapshot() (masterdata.Snapshot, error) {
	var s masterdata.Snapshot
	for _, p := range m.Pairs {
		pair := models.Pair{Base: p.Base, Quote: p.Quote}
		minQty, err := parseDecimal(pair.String()+" minimum_quantity", p.MinimumQuantity)
		if err != nil {
			return s, err
		}
		minAmount, err := parseDecimal(pair.String()+" minimum_amount", p.MinimumAmount)
		if err != nil {
			return s, err
		}
		groups := make([]decimal.Decimal, 0, len(p.PriceGroups))
		for _, g := range p.PriceGroups {
			tick, err := parseDecimal(pair.String()+" price_groups", g)
			if err != nil {
				return s, err
			}
			groups = append(groups, tick)
		}
		s.Pairs = append(s.Pairs, models.PairSetting{
			Pair:              pair,
			PricePrecision:    p.PricePrecision,
			QuantityPrecision: p.QuantityPrecision,
			MinimumQuantity:   minQty,
			MinimumAmount:     minAmount,
			PriceGroups:       groups,
		})
	}
	for _, f := range m.Fees {
		pair := models.Pair{Base: f.Base, Quote: f.Quote}
		maker, err := parseDecimal(pair.String()+" maker_rate", f.MakerRate)
		if err != nil {
			return s, err
		}
		taker, err := parseDecimal(pair.String()+" taker_rate", f.TakerRate)
		if err != nil {
			return s, err
		}
		market := models.MarketType(f.MarketType)
		if market == "" {
			market = models.MarketNormal
		}
		s.Fees = append(s.Fees, models.MarketFee{Pair: pair, MarketType: market, MakerRate: maker, TakerRate: taker})
	}
	for _, e := range m.Exemptions {
		s.Exemptions = append(s.Exemptions, models.FeeExemption{UserID: e.UserID, Pair: models.Pair{Base: e.Base, Quote: e.Quote}})
	}
	return s, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", field)
	}
	return d, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse %s", field)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
