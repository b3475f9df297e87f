// Package bootstrap assembles the engine from configuration and owns its
// lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"trading_engine/internal/config"
	"trading_engine/internal/consumer"
	"trading_engine/internal/core"
	"trading_engine/internal/exchange/binance"
	"trading_engine/internal/infrastructure/health"
	"trading_engine/internal/infrastructure/metrics"
	"trading_engine/internal/infrastructure/server"
	"trading_engine/internal/lock"
	"trading_engine/internal/mock"
	"trading_engine/internal/store"
	"trading_engine/internal/trading/dispatcher"
	"trading_engine/internal/trading/oco"
	"trading_engine/internal/trading/order"
	"trading_engine/internal/trading/position"
	"trading_engine/internal/trading/riskconfig"
	"trading_engine/pkg/concurrency"
	"trading_engine/pkg/logging"
	"trading_engine/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds every constructed component of the engine.
type App struct {
	Cfg       *config.Config
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry

	Store      core.IDocumentStore
	Exchange   core.IExchange
	Locks      *lock.Manager
	Elector    *lock.LeaderElector
	RiskCfg    *riskconfig.Service
	Positions  *position.Manager
	Orders     *order.Manager
	Brackets   *oco.Manager
	Dispatcher *dispatcher.Dispatcher
	Consumer   *consumer.Consumer
	Health     *health.Manager
	AdminSrv   *server.Server
	MetricsSrv *metrics.Server
}

// NewApp builds the engine from a config file.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.Telemetry.ServiceName, cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tel, err := telemetry.Setup(cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := store.NewGormStore(cfg.Store.Driver, string(cfg.Store.DSN), logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("store migrate: %w", err)
	}

	exchange, err := buildExchange(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}

	locks := lock.NewManager(st, cfg.App.PodID, time.Duration(cfg.Locks.TTLSeconds)*time.Second, logger)
	elector := lock.NewLeaderElector(st, cfg.App.PodID,
		time.Duration(cfg.Locks.HeartbeatIntervalSeconds)*time.Second,
		time.Duration(cfg.Locks.LeaderStaleSeconds)*time.Second,
		logger)

	riskCfg := riskconfig.NewService(st, cfg.Risk,
		time.Duration(cfg.Risk.ConfigCacheTTLSeconds)*time.Second, logger)
	positions := position.NewManager(st, exchange, cfg.Risk, logger)
	orders := order.NewManager(exchange, st, cfg.Exchange, cfg.App.PodID, logger)
	brackets := oco.NewManager(orders, st, positions, positions, cfg.OCO, logger)
	disp := dispatcher.NewDispatcher(locks, positions, orders, brackets, riskCfg, cfg.Risk, logger)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "signal_consumer",
		MaxWorkers:  cfg.Concurrency.ConsumerPoolSize,
		MaxCapacity: cfg.Concurrency.ConsumerPoolBuffer,
		NonBlocking: true,
	}, logger)
	cons := consumer.NewConsumer(cfg.NATS, disp, pool, logger)

	hm := health.NewManager(logger)
	hm.Register("store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return st.Ping(ctx)
	})
	hm.Register("exchange", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return exchange.CheckHealth(ctx)
	})

	adminSrv := server.NewServer(cfg.Server.Port, logger, hm, disp, positions, orders, brackets, riskCfg, exchange)
	metricsSrv := metrics.NewServer(cfg.Server.MetricsPort, logger)

	return &App{
		Cfg:        cfg,
		Logger:     logger,
		Telemetry:  tel,
		Store:      st,
		Exchange:   exchange,
		Locks:      locks,
		Elector:    elector,
		RiskCfg:    riskCfg,
		Positions:  positions,
		Orders:     orders,
		Brackets:   brackets,
		Dispatcher: disp,
		Consumer:   cons,
		Health:     hm,
		AdminSrv:   adminSrv,
		MetricsSrv: metricsSrv,
	}, nil
}

func buildExchange(cfg *config.Config, logger core.ILogger) (core.IExchange, error) {
	switch cfg.Exchange.Name {
	case "binance":
		return binance.New(cfg.Exchange, logger)
	case "mock":
		return mock.NewExchange(), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", cfg.Exchange.Name)
	}
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails, then shuts down in reverse order.
func (a *App) Run(ctx context.Context) error {
	a.Logger.Info("Starting trading engine",
		"pod_id", a.Cfg.App.PodID,
		"exchange", a.Exchange.GetName())

	if hedge, err := a.Exchange.VerifyHedgeMode(ctx); err != nil {
		a.Logger.Warn("Could not verify position mode", "error", err)
	} else if !hedge {
		a.Logger.Warn("Exchange account is not in hedge mode, LONG and SHORT will collide")
	}

	if err := a.Positions.LoadOpenPositions(ctx); err != nil {
		return err
	}
	if err := a.Brackets.LoadActivePairs(ctx); err != nil {
		return err
	}
	if err := a.RiskCfg.Refresh(ctx); err != nil {
		a.Logger.Warn("Initial trading config load failed, using defaults", "error", err)
	}

	a.MetricsSrv.Start()
	a.AdminSrv.Start()
	a.Brackets.StartMonitoring(ctx)
	if err := a.Consumer.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Elector.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.Locks.RunSweeper(gctx, time.Duration(a.Cfg.Locks.SweepIntervalSeconds)*time.Second, a.Elector.IsLeader)
		return nil
	})
	g.Go(func() error {
		a.Positions.RunStoreSync(gctx, time.Duration(a.Cfg.Risk.SyncIntervalSeconds)*time.Second)
		return nil
	})

	err := g.Wait()

	a.shutdown()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// shutdown stops components in reverse dependency order.
func (a *App) shutdown() {
	a.Logger.Info("Shutting down trading engine")

	a.Consumer.Stop()
	a.Brackets.StopMonitoring()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.AdminSrv.Stop(ctx); err != nil {
		a.Logger.Warn("Admin server shutdown failed", "error", err)
	}
	if err := a.MetricsSrv.Stop(ctx); err != nil {
		a.Logger.Warn("Metrics server shutdown failed", "error", err)
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("Store close failed", "error", err)
	}
	if err := a.Telemetry.Shutdown(ctx); err != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", err)
	}
	a.Logger.Info("Trading engine stopped")
}
