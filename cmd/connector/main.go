package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	dbmigrations "github.com/coachpo/voltlink/db/migrations"
	"github.com/coachpo/voltlink/internal/app/connector"
	"github.com/coachpo/voltlink/internal/app/registry"
	"github.com/coachpo/voltlink/internal/infra/adapters"
	"github.com/coachpo/voltlink/internal/infra/bus/eventbus"
	"github.com/coachpo/voltlink/internal/infra/cache"
	"github.com/coachpo/voltlink/internal/infra/config"
	"github.com/coachpo/voltlink/internal/infra/credentials"
	"github.com/coachpo/voltlink/internal/infra/logging"
	"github.com/coachpo/voltlink/internal/infra/persistence/migrations"
	"github.com/coachpo/voltlink/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/voltlink/internal/infra/server/http"
	"github.com/coachpo/voltlink/internal/infra/telemetry"
)

const (
	defaultConfigPath = "config/app.yaml"

	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	connectorShutdownTimeout = 10 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	busShutdownTimeout       = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second

	readHeaderTimeout  = 5 * time.Second
	adapterHTTPTimeout = 30 * time.Second
)

type latestCache interface {
	connector.LatestStore
	Close() error
}

func main() {
	cfgPathFlag, args := parseFlags()

	ctx, cancel := newSignalContext()
	defer cancel()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfgPath := resolveConfigPath(cfgPathFlag)
	appCfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:      appCfg.Logging.Level,
		Format:     appCfg.Logging.Format,
		File:       appCfg.Logging.File,
		MaxSizeMB:  appCfg.Logging.MaxSizeMB,
		MaxBackups: appCfg.Logging.MaxBackups,
		MaxAgeDays: appCfg.Logging.MaxAgeDays,
		Compress:   appCfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("configuration loaded",
		zap.String("path", cfgPath),
		zap.String("environment", string(appCfg.Environment)),
		zap.String("market_source", string(appCfg.MarketSource)))

	if len(args) > 0 {
		if args[0] != "migrate" {
			logger.Fatal("unknown command", zap.String("command", args[0]))
		}
		cmd, err := parseMigrate(args[1:], appCfg.Database.DSN, os.Stderr)
		if err != nil {
			logger.Fatal("invalid migrate command", zap.Error(err))
		}
		if err := cmd.run(ctx, logger.Named("migrations"), os.Stdout); err != nil {
			logger.Fatal("migrate failed", zap.String("command", cmd.action), zap.Error(err))
		}
		return
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatal("telemetry init failed", zap.Error(err))
	}

	var store *postgres.Store
	if appCfg.Database.Enabled {
		store, err = openDatabase(ctx, logger, appCfg.Database)
		if err != nil {
			logger.Fatal("database init failed", zap.Error(err))
		}
	}

	latest, err := newLatestCache(ctx, appCfg.Cache)
	if err != nil {
		logger.Fatal("cache init failed", zap.Error(err))
	}

	bus := newEventBus(logger, appCfg.Eventbus, store)

	reg := registry.New(registry.WithLogger(logger.Named("registry")))
	result, err := reg.Load(ctx, marketSource(appCfg, store))
	if err != nil {
		logger.Fatal("load markets failed", zap.Error(err))
	}
	logger.Info("markets loaded",
		zap.Strings("active", result.Loaded),
		zap.Strings("inactive", result.Inactive))

	httpClient := &http.Client{Timeout: adapterHTTPTimeout}
	connectorOpts := []connector.Option{
		connector.WithLogger(logger),
		connector.WithBus(bus),
		connector.WithLatestStore(latest),
		connector.WithHTTPClient(httpClient),
		connector.WithConnectConcurrency(appCfg.Connector.ConnectConcurrency),
		connector.WithCredentials(credentials.NewResolver(
			credentials.WithHTTPClient(httpClient),
			credentials.WithLogger(logger.Named("credentials")),
		)),
	}
	if store != nil {
		connectorOpts = append(connectorOpts, connector.WithSink(store.Sink))
	}
	conn := connector.New(reg, adapters.NewRegistry(), connectorOpts...)
	if err := conn.Start(); err != nil {
		logger.Fatal("start connector failed", zap.Error(err))
	}
	if appCfg.Connector.ConnectOnStart {
		if err := conn.ConnectAll(ctx); err != nil {
			logger.Warn("connect on start", zap.Error(err))
		}
	}

	var lifecycle conc.WaitGroup
	var opsServer *http.Server
	if appCfg.OpsServer.Addr != "" {
		opsServer = &http.Server{
			Addr:              appCfg.OpsServer.Addr,
			Handler:           httpserver.NewHandler(conn),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		startOpsServer(&lifecycle, logger, opsServer)
		logger.Info("ops server listening", zap.String("addr", opsServer.Addr))
	}

	logger.Info("connector started; awaiting shutdown signal", zap.Int("markets", len(conn.Markets())))
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     opsServer,
		connector:  conn,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		bus:        bus,
		cache:      latest,
		store:      store,
		telemetry:  telemetryProvider,
	})

	logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(shutdownStart)))
}

// parseFlags returns the config path and any subcommand arguments ("migrate ...").
func parseFlags() (string, []string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath, flag.Args()
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagPath string) string {
	if path := strings.TrimSpace(flagPath); path != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("VOLTLINK_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

func initTelemetry(ctx context.Context, logger *zap.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			zap.String("endpoint", telemetryCfg.OTLPEndpoint),
			zap.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func openDatabase(ctx context.Context, logger *zap.Logger, cfg config.DatabaseConfig) (*postgres.Store, error) {
	if cfg.RunMigrations {
		src := migrations.Source{Dir: "", FS: dbmigrations.Files}
		if _, err := migrations.Up(ctx, cfg.DSN, src, logger.Named("migrations")); err != nil {
			return nil, err
		}
	}
	pool, err := postgres.OpenPool(ctx, postgres.PoolOptions{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, err
	}
	postgres.ObservePoolMetrics(pool, "voltlink")
	logger.Info("database connected", zap.Int32("max_conns", cfg.MaxConns))
	return postgres.New(pool), nil
}

func newLatestCache(ctx context.Context, cfg config.CacheConfig) (latestCache, error) {
	if cfg.Backend == config.CacheBackendRedis {
		return cache.NewRedis(ctx, cache.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			TTL:       cfg.TTL(),
			KeyPrefix: "",
		})
	}
	return cache.NewMemory(cache.WithTTL(cfg.TTL())), nil
}

func newEventBus(logger *zap.Logger, cfg config.EventbusConfig, store *postgres.Store) eventbus.Bus {
	memory := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.BufferSize,
		FanoutWorkers: cfg.FanoutWorkerCount(),
	}, eventbus.WithLogger(logger.Named("eventbus")))
	if !cfg.Durable || store == nil {
		return memory
	}
	return eventbus.NewDurableBus(memory, store.Outbox,
		eventbus.WithDurableLogger(logger.Named("outbox")),
		eventbus.WithReplayInterval(cfg.ReplayInterval()),
		eventbus.WithReplayBatchSize(cfg.ReplayBatchSize),
	)
}

func marketSource(cfg config.AppConfig, store *postgres.Store) registry.Source {
	if cfg.MarketSource == config.MarketSourcePostgres && store != nil {
		return registry.StoreSource{Store: store.Markets}
	}
	return registry.StaticSource(cfg.Markets)
}

func startOpsServer(lifecycle *conc.WaitGroup, logger *zap.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	connector  *connector.Connector
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	bus        eventbus.Bus
	cache      latestCache
	store      *postgres.Store
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *zap.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		logger.Info("shutdown step", zap.String("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", zap.String("step", name), zap.Error(err))
			return
		}
		logger.Info("shutdown step completed", zap.String("step", name))
	}

	if cfg.server != nil {
		shutdownStep("ops server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.connector != nil {
		shutdownStep("connector", connectorShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.connector.Close(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("lifecycle", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("lifecycle wait: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("event bus close: %w", stepCtx.Err())
			}
		})
	}

	if cfg.cache != nil {
		shutdownStep("cache", busShutdownTimeout, func(context.Context) error {
			return cfg.cache.Close()
		})
	}

	if cfg.store != nil {
		shutdownStep("database", busShutdownTimeout, func(context.Context) error {
			cfg.store.Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
