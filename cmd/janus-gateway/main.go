package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/janusd/janus/internal/config"
	"github.com/janusd/janus/internal/control"
	"github.com/janusd/janus/internal/engine"
	"github.com/janusd/janus/internal/gateway"
	"github.com/janusd/janus/internal/observability"
	"github.com/janusd/janus/internal/policy"
	"github.com/janusd/janus/internal/store"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.Observability.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting Janus Gateway",
		"version", cfg.Observability.ServiceVersion,
		"backend", cfg.Limiter.Backend,
		"failure_mode", cfg.Limiter.FailureMode,
		"address", cfg.Gateway.Address,
		"grpc_address", cfg.Gateway.GRPCAddress,
	)

	provider, err := observability.Setup(cfg.Observability)
	if err != nil {
		logger.Error("Failed to setup tracing", "error", err)
		os.Exit(1)
	}

	table, err := loadPolicies(cfg)
	if err != nil {
		logger.Error("Failed to load policy table", "error", err)
		os.Exit(1)
	}
	logger.Info("Policy table loaded", "source", cfg.Limiter.PolicySource, "policies", table.Len())

	counterStore, pinger, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("Failed to create counter store", "error", err)
		os.Exit(1)
	}

	var metrics *engine.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = engine.NewMetrics(prometheus.DefaultRegisterer)
	}

	eng := engine.New(table, counterStore,
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithFailureMode(engine.FailureMode(cfg.Limiter.FailureMode)),
		engine.WithStoreTimeout(cfg.Limiter.StoreTimeout),
	)

	bypass := gateway.NewBypass(cfg.Bypass)

	// The standalone binary limits its own check API when an operator
	// has configured a policy for it; embedded deployments supply their
	// own route table instead.
	routes := map[string]policy.Key{}
	if _, ok := table.Lookup("api:check"); ok {
		routes["GET /v1/allow"] = "api:check"
	}
	classifier := gateway.NewClassifier(routes)
	if err := classifier.Validate(table); err != nil {
		logger.Error("Route classification invalid", "error", err)
		os.Exit(1)
	}

	server := gateway.NewServer(cfg, eng, classifier, bypass, pinger, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if err := counterStore.Close(); err != nil {
		logger.Error("Failed to close counter store", "error", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown tracing", "error", err)
	}

	logger.Info("Gateway shutdown complete")
}

// loadPolicies builds the table from the configured source. A table
// that fails validation prevents startup; a missing policy is a
// deployment defect, not a runtime condition.
func loadPolicies(cfg *config.Config) (*policy.Table, error) {
	if cfg.Limiter.PolicySource == "etcd" {
		client, err := control.NewEtcdClient(cfg.Etcd)
		if err != nil {
			return nil, err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return control.FetchTable(ctx, client)
	}
	return policy.LoadFile(cfg.Limiter.PolicyFile)
}

func buildStore(cfg *config.Config, logger *slog.Logger) (store.CounterStore, gateway.Pinger, error) {
	if cfg.Limiter.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.Database,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		rs := store.NewRedis(client)
		logger.Info("Using Redis counter store", "address", cfg.Redis.Address)
		return rs, rs, nil
	}

	logger.Info("Using in-memory counter store")
	return store.NewMemory(store.WithSweepInterval(cfg.Limiter.SweepInterval)), nil, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler)
}
