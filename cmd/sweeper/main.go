package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordum/agentlock/core/infra/buildinfo"
	"github.com/cordum/agentlock/core/infra/config"
	"github.com/cordum/agentlock/core/infra/locks"
	"github.com/cordum/agentlock/core/infra/logging"
	"github.com/cordum/agentlock/core/infra/metrics"
	"github.com/cordum/agentlock/core/infra/redisutil"
	"github.com/cordum/agentlock/core/sweeper"
)

const component = "sweeper"

func main() {
	log.Println("agentlock sweeper starting...")
	buildinfo.Log("agentlock-sweeper")

	cfg := config.Load()
	if err := run(cfg); err != nil {
		log.Fatalf("sweeper error: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}

	lockStore := locks.NewRedisStoreFromClient(redisClient)
	lockMetrics := metrics.NewLockProm("agentlock_sweeper")
	sw := sweeper.New(lockStore, lockMetrics, cfg.SweeperSecret)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("POST /api/v1/locks/cleanup-stale", sw.ServeHTTP)

	srv := &http.Server{
		Addr:         cfg.GatewayMetricsAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logging.Info(component, "http listening", "addr", cfg.GatewayMetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(component, "http server error", "error", err)
		}
	}()

	logging.Info(component, "sweep loop starting", "interval", cfg.SweeperInterval.String())
	sw.Run(ctx, cfg.SweeperInterval)
	return nil
}
