package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"pnl-trackerv1/config"
	"pnl-trackerv1/internal/api"
	"pnl-trackerv1/internal/cache"
	"pnl-trackerv1/internal/logger"
	"pnl-trackerv1/internal/metrics"
	"pnl-trackerv1/internal/store/redis"
	"pnl-trackerv1/internal/store/sqlite"
	syncmgr "pnl-trackerv1/internal/sync"
	"pnl-trackerv1/internal/venue/gateway"
)

func main() {
	cfg := config.Load()
	log := logger.Init("tracker", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting",
		slog.String("api_addr", cfg.APIAddr),
		slog.String("metrics_addr", cfg.MetricsAddr),
		slog.Bool("readonly", cfg.Readonly),
		slog.Bool("demo_mode", cfg.DemoMode))

	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	st, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		log.Error("sqlite open", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = redis.New(redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Warn("redis unavailable, continuing without it", slog.String("error", err.Error()))
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	if cfg.DemoMode {
		if err := st.SeedDemo(cfg.BaseCurrency); err != nil {
			log.Error("demo seed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		log.Info("demo data seeded")
	}

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisProbe *goredis.Client
	if rdb != nil {
		redisProbe = rdb.Client()
	}
	health.StartLivenessChecker(ctx, redisProbe, st.DB(), 10*time.Second)

	c := cache.New()
	v := gateway.New(gateway.Config{
		URL:        cfg.GatewayURL,
		APIKey:     cfg.GatewayAPIKey,
		ClientCode: cfg.GatewayClientCode,
		TOTPSecret: cfg.GatewayTOTPSecret,
		ClientID:   cfg.GatewayClientID,
	})

	mgr := syncmgr.New(cfg, st, c, v, prom, health)
	if cfg.AutoSync {
		mgr.Start()
	}

	apiSrv := api.NewServer(cfg, c, st, mgr, rdb, prom)
	apiSrv.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	mgr.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	apiSrv.Stop(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	log.Info("shutdown complete")
}
