// Package main is the entry point for the Forrst RPC server. It wires the
// stores, hooks, registry, and orchestrator together and starts the HTTP
// server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/forrst-rpc/forrstd/internal/config"
	"github.com/forrst-rpc/forrstd/internal/hook"
	"github.com/forrst-rpc/forrstd/internal/observability"
	"github.com/forrst-rpc/forrstd/internal/operation"
	"github.com/forrst-rpc/forrstd/internal/orchestrator"
	"github.com/forrst-rpc/forrstd/internal/registry"
	"github.com/forrst-rpc/forrstd/internal/stream"
	"github.com/forrst-rpc/forrstd/internal/transport"
	"github.com/forrst-rpc/forrstd/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "forrstd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(flushCtx); err != nil {
			logger.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	protocol := model.Protocol{Name: cfg.Protocol.Name}
	if len(cfg.Protocol.Versions) > 0 {
		protocol.Version = cfg.Protocol.Versions[0]
	}

	// Operation store.
	opStore, opStoreCloser, err := buildOperationStore(ctx, cfg.Operations.Store, logger)
	if err != nil {
		logger.Error("operation store initialization failed", zap.Error(err))
		return 1
	}
	if opStoreCloser != nil {
		defer opStoreCloser()
	}

	controller := operation.NewController(
		opStore, logger,
		cfg.Limits.ListMaxLimit,
		cfg.Operations.Cancel.MaxAttempts,
		cfg.Operations.Cancel.BackoffInitial,
		operation.WithConflictObserver(metrics.OperationCASConflicts.Inc),
		operation.WithCancelObserver(func(result string) {
			metrics.OperationCancels.WithLabelValues(result).Inc()
		}),
	)

	// Function registry: lifecycle functions plus the demo pair.
	reg := registry.New()
	for _, fn := range controller.Functions() {
		reg.Register(fn)
	}
	registerDemoFunctions(reg)

	// Hook pipeline in configured priority order.
	hooks, closers, err := buildHooks(cfg, protocol, logger)
	if err != nil {
		logger.Error("hook initialization failed", zap.Error(err))
		return 1
	}
	for _, c := range closers {
		defer c()
	}

	pipeline := hook.NewPipeline(logger, hooks,
		hook.WithShortCircuitObserver(func(name string) {
			metrics.HookShortCircuits.WithLabelValues(name).Inc()
		}),
		hook.WithPanicObserver(func(name string) {
			metrics.HookPanics.WithLabelValues(name).Inc()
		}),
	)

	orch := orchestrator.New(reg, pipeline, logger,
		cfg.Protocol.Name, cfg.Protocol.Versions,
		cfg.Limits.MaxRequestBytes, cfg.Limits.DispatchTimeout,
		orchestrator.WithRejectObserver(func(reason string) {
			metrics.RequestsRejected.WithLabelValues(reason).Inc()
		}),
		orchestrator.WithDispatchObserver(func(function string, d time.Duration) {
			metrics.DispatchDuration.WithLabelValues(function).Observe(d.Seconds())
		}),
		orchestrator.WithTimeoutObserver(metrics.DispatchTimeouts.Inc),
	)

	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = observability.Handler()
	}

	ready := func() error { return nil }
	if pg, ok := opStore.(*operation.PgStore); ok {
		ready = func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pg.Ping(pingCtx)
		}
	}

	router := transport.NewRouter(transport.Dependencies{
		RPC:            transport.NewRPCHandler(orch, logger, metrics, cfg.Limits.MaxRequestBytes),
		Logger:         logger,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Observability.Metrics.Path,
		Ready:          ready,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("protocol_versions", cfg.Protocol.Versions),
		zap.Int("functions", len(reg.Names())),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildOperationStore creates the operation record store based on config.
func buildOperationStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (operation.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory operation store")
		return operation.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("operation store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("operation store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("operation store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("operation store: ping: %w", err)
		}
		return operation.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported operation store driver: %q", cfg.Driver)
	}
}

// buildHooks assembles the hook pipeline in the order config names.
func buildHooks(cfg *config.Config, protocol model.Protocol, logger *zap.Logger) ([]hook.Hook, []func(), error) {
	var hooks []hook.Hook
	var closers []func()

	for _, name := range cfg.Hooks.Order {
		switch name {
		case "auth":
			secret := os.Getenv(cfg.Auth.SecretEnv)
			if secret == "" {
				logger.Warn("auth secret not configured, auth hook disabled",
					zap.String("env", cfg.Auth.SecretEnv))
				continue
			}
			hooks = append(hooks, hook.NewAuthHook(
				[]byte(secret), cfg.Auth.Issuer, cfg.Auth.Audience, protocol))

		case "ratelimit":
			if !cfg.Hooks.RateLimit.Enabled {
				continue
			}
			hooks = append(hooks, hook.NewRateLimitHook(cfg.Hooks.RateLimit, protocol))

		case "idempotency":
			if !cfg.Idempotency.Enabled {
				continue
			}
			store, closer, err := buildReplayStore(cfg.Idempotency.Store, logger)
			if err != nil {
				return nil, nil, err
			}
			if closer != nil {
				closers = append(closers, closer)
			}
			hooks = append(hooks, hook.NewIdempotencyHook(
				store, cfg.Idempotency.Store.DefaultTTL, protocol))

		default:
			return nil, nil, fmt.Errorf("unknown hook %q in hooks.order", name)
		}
	}
	return hooks, closers, nil
}

// buildReplayStore creates the idempotency replay store based on config.
func buildReplayStore(cfg config.IdempotencyStoreConfig, logger *zap.Logger) (hook.ReplayStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return hook.NewMemoryReplayStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		return hook.NewRedisReplayStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Driver)
	}
}

// registerDemoFunctions adds the reference functions: a unary echo and a
// streaming counter.
func registerDemoFunctions(reg *registry.Registry) {
	reg.Register(registry.Function{
		Name:    "demo.echo",
		Version: "1",
		Handler: func(_ context.Context, _ *model.RequestContext, args map[string]any) (any, error) {
			return args, nil
		},
	})
	reg.Register(registry.Function{
		Name:    "demo.count",
		Version: "1",
		Handler: func(_ context.Context, _ *model.RequestContext, args map[string]any) (any, error) {
			n := countArg(args)
			return map[string]any{"count": n}, nil
		},
		Stream: func(_ *model.RequestContext, args map[string]any) stream.Producer {
			n := countArg(args)
			return func(ctx context.Context, send func(stream.Chunk) error) error {
				for i := 1; i <= n; i++ {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
					if err := send(stream.Chunk{Event: stream.EventData, Payload: map[string]any{"n": i}}); err != nil {
						return err
					}
				}
				return nil
			}
		},
	})
}

func countArg(args map[string]any) int {
	n := 10
	if f, ok := args["n"].(float64); ok && f >= 1 && f <= 1000 {
		n = int(f)
	}
	return n
}
