package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/goatnetwork/goat-mixer/internal/btc"
	"github.com/goatnetwork/goat-mixer/internal/config"
	"github.com/goatnetwork/goat-mixer/internal/coordinator"
	"github.com/goatnetwork/goat-mixer/internal/db"
	"github.com/goatnetwork/goat-mixer/internal/http"
	"github.com/goatnetwork/goat-mixer/internal/metrics"
	"github.com/goatnetwork/goat-mixer/internal/mixer"
	"github.com/goatnetwork/goat-mixer/internal/pool"
	"github.com/goatnetwork/goat-mixer/internal/scheduler"
	"github.com/goatnetwork/goat-mixer/internal/security"
	"github.com/goatnetwork/goat-mixer/internal/state"
	"github.com/goatnetwork/goat-mixer/internal/types"
	"github.com/goatnetwork/goat-mixer/internal/validator"
	log "github.com/sirupsen/logrus"
)

type Application struct {
	DatabaseManager *db.DatabaseManager
	EventBus        *state.EventBus
	BTCClient       *rpcclient.Client
	PoolManager     *pool.PoolManager
	Coordinator     *coordinator.Coordinator
	RiskChecker     *security.RiskChecker
	Scheduler       *scheduler.Scheduler
	Engine          *mixer.Engine
	Metrics         *metrics.Collector
	HTTPServer      *http.HTTPServer
}

func NewApplication() *Application {
	config.InitConfig()
	cfg := config.AppConfig

	btcClient, err := btc.NewRPCClient(cfg.BTCRPC, cfg.BTCRPC_USER, cfg.BTCRPC_PASS)
	if err != nil {
		log.Fatalf("Failed to start bitcoin client: %v", err)
	}
	net := types.GetBTCNetwork(cfg.BTCNetworkType)

	dbm, err := db.NewDatabaseManager(cfg.DbDir)
	if err != nil {
		log.Fatalf("Failed to open databases: %v", err)
	}

	bus := state.NewEventBus()
	poolManager := pool.NewPoolManager(cfg.Pool, dbm, bus)
	chain := btc.NewManager(btcClient, net, nil)

	var payer scheduler.Payer
	if cfg.BTCPoolAddress != "" {
		payer = scheduler.NewChainPayer(chain, map[string]string{types.CurrencyBTC: cfg.BTCPoolAddress})
	}
	distributionScheduler := scheduler.NewScheduler(dbm.GetDistributionDB(), payer, time.Minute)

	requestValidator := validator.NewRequestValidator(cfg.Validator, net)
	if dropped := requestValidator.ServeOnly(chain.Currencies()...); len(dropped) > 0 {
		log.Warnf("No blockchain manager for %v, mix requests in them are rejected", dropped)
	}

	coord := coordinator.NewCoordinator(cfg.Mixer.RequestTTL)
	riskChecker := security.NewRiskChecker(cfg.Security)

	engine := mixer.NewEngine(cfg.Mixer, mixer.Dependencies{
		Pools:       poolManager,
		Storage:     dbm,
		Blockchain:  chain,
		Validator:   requestValidator,
		Security:    riskChecker,
		Scheduler:   distributionScheduler,
		Coordinator: coord,
		Notifier:    bus,
	})

	collector := metrics.NewCollector(bus)
	httpServer := http.NewHTTPServer(cfg.HTTPPort, cfg.MonitorJWTSecret, engine, poolManager, coord, collector.Handler())

	return &Application{
		DatabaseManager: dbm,
		EventBus:        bus,
		BTCClient:       btcClient,
		PoolManager:     poolManager,
		Coordinator:     coord,
		RiskChecker:     riskChecker,
		Scheduler:       distributionScheduler,
		Engine:          engine,
		Metrics:         collector,
		HTTPServer:      httpServer,
	}
}

func (app *Application) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	run := func(start func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start(ctx)
		}()
	}

	run(func(ctx context.Context) { app.Metrics.Run(ctx, app.EventBus) })
	run(app.PoolManager.Start)
	run(app.Coordinator.Start)
	run(app.RiskChecker.Start)
	run(app.Scheduler.Start)
	if err := app.Engine.Start(ctx); err != nil {
		log.Fatalf("Failed to start mixing engine: %v", err)
	}
	run(app.HTTPServer.Start)

	<-stop
	log.Info("Receiving exit signal...")

	app.Engine.Stop()
	app.PoolManager.Stop()
	cancel()

	wg.Wait()
	app.BTCClient.Shutdown()
	if err := app.DatabaseManager.Close(); err != nil {
		log.Errorf("Failed to close databases: %v", err)
	}
	log.Info("Server stopped")
}

func main() {
	app := NewApplication()
	app.Run()
}
