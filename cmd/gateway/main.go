package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordum/agentlock/core/coordination"
	"github.com/cordum/agentlock/core/depgraph"
	"github.com/cordum/agentlock/core/infra/buildinfo"
	"github.com/cordum/agentlock/core/infra/config"
	"github.com/cordum/agentlock/core/infra/locks"
	"github.com/cordum/agentlock/core/infra/logging"
	"github.com/cordum/agentlock/core/infra/metrics"
	"github.com/cordum/agentlock/core/infra/redisutil"
	"github.com/cordum/agentlock/core/remoterepo"
	"github.com/cordum/agentlock/core/sweeper"
)

const component = "gateway"

func main() {
	buildinfo.Log("agentlock-gateway")
	cfg := config.Load()
	if err := run(cfg); err != nil {
		log.Fatalf("gateway error: %v", err)
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
	graphStore := depgraph.NewRedisGraphStore(redisClient)

	remote, err := remoterepo.New(cfg.GithubAPIBaseURL, cfg.GithubToken)
	if err != nil {
		return err
	}

	lockMetrics := metrics.NewLockProm("agentlock")
	graphMetrics := metrics.NewGraphProm("agentlock")
	gatewayMetrics := metrics.NewGatewayProm("agentlock")

	tuning, err := depgraph.LoadTuning(cfg.AdapterTuningPath)
	if err != nil {
		logging.Error(component, "using default adapter tuning", "path", cfg.AdapterTuningPath, "error", err)
	}
	builder := depgraph.NewBuilderWithTuning(remote, graphStore, lockStore, graphMetrics, cfg.HeadCheckMinInterval, tuning)

	activity := coordination.NewActivityHub()
	svc := coordination.New(lockStore, remote, builder, activity, cfg.HeadCheckMinInterval)
	coordServer := coordination.NewServer(svc, activity)

	sw := sweeper.New(lockStore, lockMetrics, cfg.SweeperSecret)
	go sw.Run(ctx, cfg.SweeperInterval)

	mux := http.NewServeMux()
	coordServer.Register(mux)
	mux.HandleFunc("POST /api/v1/locks/cleanup-stale", sw.ServeHTTP)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	go func() {
		metricsSrv := &http.Server{
			Addr:         cfg.GatewayMetricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logging.Info(component, "metrics listening", "addr", cfg.GatewayMetricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(component, "metrics server error", "error", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:         cfg.GatewayHTTPAddr,
		Handler:      instrumented(gatewayMetrics, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logging.Error(component, "shutdown error", "error", err)
		}
	}()

	logging.Info(component, "http listening", "addr", cfg.GatewayHTTPAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrumented(gm metrics.GatewayMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		gm.ObserveRequest(r.Method, r.URL.Path, http.StatusText(rec.status), time.Since(start).Seconds())
	})
}
