package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/grafana/pyroscope-go"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/spotcore/internal/api"
	"github.com/xtrntr/spotcore/internal/config"
	"github.com/xtrntr/spotcore/internal/db"
	"github.com/xtrntr/spotcore/internal/engine"
	"github.com/xtrntr/spotcore/internal/events"
	"github.com/xtrntr/spotcore/internal/exchange"
	"github.com/xtrntr/spotcore/internal/fee"
	"github.com/xtrntr/spotcore/internal/jobs"
	"github.com/xtrntr/spotcore/internal/ledger"
	"github.com/xtrntr/spotcore/internal/masterdata"
	"github.com/xtrntr/spotcore/internal/models"
	"github.com/xtrntr/spotcore/internal/orderbook"
)

var log = logrus.New()

// store is what the server needs from a ledger backend.
type store interface {
	ledger.Store
	StoppedOrders(ctx context.Context, pair models.Pair) ([]models.Order, error)
}

// Main entry point: wires the ledger, masterdata, matching core and HTTP surface
func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	setupLogging(cfg.Log)

	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.ApplicationName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Logger:          log.WithField("component", "pyroscope"),
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to start profiler")
		}
		defer func() { _ = profiler.Stop() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Server failed")
	}
}

func setupLogging(c config.LogConfig) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		log.WithError(err).Warnf("Unknown log level %q, using info", c.Level)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	entry := logrus.NewEntry(log)

	// Ledger: Postgres when configured, otherwise an in-process ledger for local runs
	var (
		st     store
		health api.Pinger
		orders api.Orders
	)
	if cfg.DatabaseURL != "" {
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close(context.Background())
		st, health, orders = database, database, database
	} else {
		entry.Warn("No database_url configured, settling against the in-memory ledger")
		mem := ledger.NewMemory()
		st, orders = mem, mem
	}

	provider, closeMasterdata, err := openMasterdata(cfg, entry)
	if err != nil {
		return err
	}
	defer closeMasterdata()
	snap, err := masterdata.Load(ctx, provider)
	if err != nil {
		return err
	}
	schedule := fee.NewSchedule(snap.Fees, snap.Exemptions)
	if c, ok := provider.(*masterdata.Cache); ok {
		c.OnReload(func(s masterdata.Snapshot) { schedule.Replace(s.Fees, s.Exemptions) })
	}

	depthCache, err := orderbook.OpenPebbleCache(cfg.Orderbook.CacheDir)
	if err != nil {
		return err
	}
	defer depthCache.Close()
	book := orderbook.NewAggregator(st, depthCache, cfg.Orderbook.MaxDepth, entry)
	pairs := make([]models.Pair, 0, len(snap.Pairs))
	for _, p := range snap.Pairs {
		book.Register(p)
		pairs = append(pairs, p.Pair)
	}

	hub := events.NewHub(entry)
	buses := events.Multi{events.NewSinkBus(hub, entry)}
	var queue jobs.Queue = jobs.NewMemory()
	if cfg.Kafka.Enabled() {
		sink, err := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		if err != nil {
			return err
		}
		defer sink.Close()
		buses = append(buses, events.NewSinkBus(sink, entry))

		kq := jobs.NewKafkaQueue(cfg.Kafka.Brokers, cfg.Kafka.JobsTopic)
		defer kq.Close()
		queue = kq
	} else {
		entry.Warn("No Kafka brokers configured, jobs stay in process")
	}
	bus := events.NewAsync(buses, cfg.Events.QueueSize, entry)
	busCtx, stopBus := context.WithCancel(context.Background())
	go bus.Run(busCtx)
	defer func() {
		stopBus()
		<-bus.Done()
	}()

	var (
		settler engine.Settler = engine.SyncSettler{Store: st}
		buffer  *engine.Buffer
	)
	if cfg.Settlement.Mode == config.SettlementBuffered {
		buffer = engine.NewBuffer(st, cfg.Settlement.MaxPending, entry)
		settler = buffer
	}

	eng, err := engine.New(engine.Config{
		Store:   st,
		Settler: settler,
		Pairs:   provider,
		Fees:    fee.NewEngine(schedule, nil),
		Book:    book,
		Events:  bus,
		Jobs:    queue,
		Logger:  entry,
	})
	if err != nil {
		return err
	}

	ex := exchange.NewExchange(eng, st, book, pairs, entry)
	exErr := make(chan error, 1)
	go func() { exErr <- ex.Run(ctx) }()

	if buffer != nil {
		go flushLoop(ctx, buffer, cfg.Settlement.ParsedFlushInterval, entry)
		defer func() {
			if err := buffer.Flush(context.Background()); err != nil {
				entry.WithError(err).WithField("pending", buffer.Len()).Error("Final flush failed")
			}
		}()
	}

	handler := api.NewHandler(ex, book, orders, health, hub, entry)
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	handler.Routes(r)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	srvErr := make(chan error, 1)
	go func() {
		entry.WithFields(logrus.Fields{"addr": cfg.Server.Addr, "settlement": cfg.Settlement.Mode, "pairs": len(pairs)}).
			Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		return err
	case err := <-exErr:
		if err != nil {
			return err
		}
	}

	entry.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ParsedShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openMasterdata(cfg *config.Config, log *logrus.Entry) (masterdata.Provider, func() error, error) {
	if cfg.Masterdata.Source == config.MasterdataDatabase {
		repo, err := masterdata.Open(masterdata.Option{ConnString: cfg.DatabaseURL})
		if err != nil {
			return nil, nil, err
		}
		return masterdata.NewCache(repo, cfg.Masterdata.ParsedReloadInterval, log), repo.Close, nil
	}
	snap, err := cfg.Masterdata.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	return masterdata.NewStatic(snap), func() error { return nil }, nil
}

// flushLoop commits the settlement buffer on a fixed interval.
func flushLoop(ctx context.Context, buffer *engine.Buffer, every time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if buffer.Len() == 0 {
				continue
			}
			if err := buffer.Flush(ctx); err != nil {
				log.WithError(err).WithField("pending", buffer.Len()).Error("Flush failed, keeping buffered matches")
			}
		}
	}
}
