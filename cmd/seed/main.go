package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/spotcore/internal/config"
	"github.com/xtrntr/spotcore/internal/db"
	"github.com/xtrntr/spotcore/internal/masterdata"
	"github.com/xtrntr/spotcore/internal/models"
)

var log = logrus.New()

type deposit struct {
	userID int64
	asset  string
	amount string
}

var deposits = []deposit{
	{1, "USDT", "100000"},
	{1, "BTC", "2"},
	{2, "USDT", "50000"},
	{2, "BTC", "5"},
	{3, "ETH", "40"},
	{3, "USDT", "20000"},
}

// Seed the database with pair settings, fees, funded accounts and a few NEW orders
func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("database_url is required to seed")
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close(ctx)

	acct, err := database.Account(ctx, deposits[0].userID, deposits[0].asset)
	if err != nil {
		log.WithError(err).Fatal("Failed to check accounts")
	}
	if acct.Balance.IsPositive() {
		fmt.Println("Database already seeded. No need to seed.")
		os.Exit(0)
	}

	snap, err := cfg.Masterdata.Snapshot()
	if err != nil {
		log.WithError(err).Fatal("Failed to read masterdata from config")
	}
	repo, err := masterdata.Open(masterdata.Option{ConnString: cfg.DatabaseURL})
	if err != nil {
		log.WithError(err).Fatal("Failed to open masterdata")
	}
	defer repo.Close()
	if err := repo.Save(ctx, snap); err != nil {
		log.WithError(err).Fatal("Failed to save masterdata")
	}

	for _, d := range deposits {
		if err := database.Deposit(ctx, d.userID, d.asset, decimal.RequireFromString(d.amount)); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"user_id": d.userID, "asset": d.asset}).Fatal("Failed to fund account")
		}
	}

	orders := []models.Order{
		limitOrder(1, models.SideBuy, "29950", "0.5"),
		limitOrder(1, models.SideBuy, "29900", "0.8"),
		limitOrder(2, models.SideSell, "30050", "0.4"),
		limitOrder(2, models.SideSell, "30100", "1.2"),
	}
	for _, o := range orders {
		created, err := database.CreateOrder(ctx, o)
		if err != nil {
			log.WithError(err).Fatal("Failed to create order")
		}
		fmt.Printf("Created order %d: %s %s %s @ %s\n", created.ID, created.Side, created.Quantity, created.Pair(), created.Price.Decimal)
	}

	fmt.Printf("Seeded %d pairs, %d fees, %d accounts and %d orders\n", len(snap.Pairs), len(snap.Fees), len(deposits), len(orders))
}

func limitOrder(userID int64, side models.Side, price, qty string) models.Order {
	return models.Order{
		UserID:     userID,
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
		Side:       side,
		Type:       models.TypeLimit,
		Price:      decimal.NewNullDecimal(decimal.RequireFromString(price)),
		Quantity:   decimal.RequireFromString(qty),
	}
}
