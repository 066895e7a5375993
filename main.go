package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/api"
	"execution-core/internal/balance"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/meta"
	"execution-core/internal/oco"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/bybit"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
	marketbybit "execution-core/pkg/market/bybit"
)

// statusRefreshInterval paces the background reconciliation of open orders
// against the venue.
const statusRefreshInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	log.Info("main: starting execution core",
		zap.String("version", buildVersion),
		zap.Bool("testnet", cfg.BybitTestnet),
		zap.String("port", cfg.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal("main: open database failed", zap.Error(err))
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal("main: migrations failed", zap.Error(err))
	}

	// Venue gateway with retry and rate limiting
	client := bybit.New(bybit.Config{
		APIKey:     cfg.BybitAPIKey,
		APISecret:  cfg.BybitAPISecret,
		Testnet:    cfg.BybitTestnet,
		BaseURL:    cfg.BybitBaseURL,
		RecvWindow: int64(cfg.RecvWindowMs),
		Logger:     log,
	})
	timeSync := common.NewTimeSync(client.GetServerTime, log)
	timeSync.Start(ctx)
	client.SetTimeSync(timeSync)
	gw := gateway.NewResilient(client, gateway.Options{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		CallTimeout:    cfg.CallTimeout,
		RequestsPerSec: cfg.RequestsPerSec,
		Burst:          cfg.RequestBurst,
	}, log)

	cache := meta.NewCache(gw, cfg.SymbolInfoTTL, log)
	validator := balance.NewValidator(gw, cfg.BalanceFreshness, cfg.SafetyMarginBps, log)

	mgr := engine.NewManager(cache, validator, gw, database, bus, log)
	if err := mgr.Recover(ctx); err != nil {
		log.Fatal("main: order recovery failed", zap.Error(err))
	}

	sup := oco.NewSupervisor(gw, database, bus, oco.Options{
		PollInterval:     cfg.OcoPollInterval,
		MaxCloseFailures: cfg.OcoMaxCloseFailures,
		WorkerSlots:      cfg.OcoWorkerSlots,
	}, log)
	if err := sup.LoadActive(ctx); err != nil {
		log.Fatal("main: oco recovery failed", zap.Error(err))
	}
	mgr.SetOcoRegistrar(sup)
	go sup.Run(ctx)

	// Market data stream feeds the supervisor; REST remains the fallback.
	if cfg.EnableTickerStream && len(cfg.Symbols) > 0 {
		feed := marketbybit.NewFeed(cfg.Symbols, cfg.BybitTestnet, bus, log)
		if cfg.BybitWSURL != "" {
			feed.SetURL(cfg.BybitWSURL)
		}
		sup.SetPriceSource(feed)
		go feed.Run(ctx)
	}

	// Background reconciliation of open orders against the venue.
	go func() {
		ticker := time.NewTicker(statusRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mgr.RefreshStatuses(ctx)
			}
		}
	}()

	// API
	server := api.NewServer(mgr, sup, bus, api.SystemMeta{
		Venue:   "bybit",
		Testnet: cfg.BybitTestnet,
		Version: buildVersion,
	}, log)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatal("main: api server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("main: shutting down")
	cancel()
	// Give the supervisor and feed a moment to persist and disconnect.
	time.Sleep(500 * time.Millisecond)
}
