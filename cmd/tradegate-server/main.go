package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradegate/internal/api"
	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/engine"
	"tradegate/internal/ledger"
	"tradegate/internal/policy"
	"tradegate/internal/store"
	"tradegate/internal/util"
)

func main() {
	cfgPath := "config/tradegate.yaml"
	if p := os.Getenv("TRADEGATE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	log := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("tradegate-server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		return fmt.Errorf("creating storage dir: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	led, err := ledger.Open(ctx, db, log)
	if err != nil {
		return err
	}

	policies := policy.New(db, led, log)
	if err := policies.Load(ctx); err != nil {
		return err
	}
	seed := policy.Defaults()
	if cfg.Risk.PolicyFile != "" {
		if seed, err = config.LoadPolicies(cfg.Risk.PolicyFile); err != nil {
			return fmt.Errorf("loading policy file: %w", err)
		}
	}
	if err := policies.Seed(ctx, seed, "system"); err != nil {
		return err
	}

	prices := broker.NewPricer(cfg.Paper.Seed, cfg.Paper.Perturbation, nil)
	var simOpts []broker.SimulatorOption
	if cfg.Paper.PersistPositions {
		simOpts = append(simOpts, broker.WithPositionStore(db))
	}
	sim := broker.NewSimulatorBroker(prices, decimal.NewFromFloat(cfg.Paper.StartingCash), log, simOpts...)
	if err := sim.Restore(ctx); err != nil {
		return err
	}

	// Live US quotes size orders when Alpaca is configured; the simulator
	// keeps filling at its own deterministic prices.
	var refPrices broker.PriceSource = prices
	brokers := []broker.Broker{sim}
	if cfg.Alpaca.APIKey != "" {
		brokers = append(brokers, broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, log))
		refPrices = broker.NewAlpacaQuotes(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL,
			prices, cfg.Alpaca.QuoteTTL, log)
	}
	if cfg.Binance.APIKey != "" {
		brokers = append(brokers, broker.NewBinanceBroker(cfg.Binance.APIKey, cfg.Binance.APISecret,
			cfg.Binance.BaseURL, cfg.Binance.RateLimitPerMin, log))
	}
	for _, b := range brokers {
		log.Info("venue registered", "venue", b.Name(), "kind", b.Kind())
	}

	health := broker.NewHealthChecker(brokers, broker.HealthConfig{
		TTL:             cfg.Health.TTL,
		ProbeTimeout:    cfg.Health.ProbeTimeout,
		DegradedLatency: cfg.Health.DegradedLatency,
		Interval:        cfg.Health.Interval,
	}, log)
	router := broker.NewRouter(brokers, health, broker.RouterConfig{
		Regions:  cfg.Routing.Regions,
		Priority: cfg.Routing.Priority,
	}, led, log)

	ex := cfg.Execution
	eng := engine.NewEngine(engine.Config{
		SubmitTimeout:   ex.SubmitTimeout,
		CancelTimeout:   ex.CancelTimeout,
		StatusTimeout:   ex.StatusTimeout,
		PollInterval:    ex.PollInterval,
		MaxPollDuration: ex.MaxPollDuration,
		Backoff: util.Backoff{
			BaseDelay:   ex.RetryBaseDelay,
			Factor:      ex.RetryFactor,
			MaxAttempts: ex.MaxAttempts,
		},
	}, engine.Deps{
		Policies:   policies,
		Router:     router,
		Orders:     db,
		Ledger:     led,
		Prices:     refPrices,
		Calendar:   util.NewTradingCalendar(domain.Market(cfg.Risk.Market)),
		Reputation: engine.StaticReputation(cfg.Risk.Reputation),
		Sink:       store.NewParquetStore(cfg.Storage.DataDir),
	}, log)

	if err := eng.Resume(ctx); err != nil {
		return err
	}

	srv := api.NewServer(cfg.Server, eng, health, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return health.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	log.Info("tradegate-server started",
		"http_port", cfg.Server.Port, "grpc_port", cfg.Server.GRPCPort,
		"venues", len(brokers), "audit_entries", led.Len())

	err = g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := eng.Shutdown(sctx); serr != nil {
		err = errors.Join(err, serr)
	}
	log.Info("tradegate-server stopped")
	return err
}
