package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"PerpLiquidator/internal/config"
	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/ingestion"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/lock"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/oracle"
	"PerpLiquidator/internal/persistence"
	"PerpLiquidator/internal/query"
	"PerpLiquidator/internal/server"
	"PerpLiquidator/internal/service"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the liquidation service (HTTP API, gRPC health, NATS consumer)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

// runtimeDeps is everything serve opens and must close on the way out.
type runtimeDeps struct {
	db    *sql.DB
	redis *redis.Client
	nc    *nats.Conn
}

func (d *runtimeDeps) close() {
	if d.nc != nil {
		d.nc.Drain()
	}
	if d.redis != nil {
		d.redis.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
}

func serve(cfg *config.Config) error {
	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("liquidator", level)
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}
	logger.Info().Str("db", cfg.Database.Driver).Str("lock", cfg.Lock.Backend).Str("oracle", cfg.Oracle.Source).Msg("liquidator starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	deps := &runtimeDeps{}
	defer deps.close()

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	errChan := make(chan error, 8)

	accounts, err := ledger.NewAccounts(cfg.Liquidator.Asset)
	if err != nil {
		return err
	}
	params, err := cfg.RiskParams()
	if err != nil {
		return err
	}
	oracleCfg, err := cfg.OracleConfig()
	if err != nil {
		return err
	}

	// --- Oracle ---
	var (
		source oracle.PriceSource
		static *oracle.StaticSource
	)
	switch cfg.Oracle.Source {
	case "static":
		static = oracle.NewStaticSource()
		source = static
	case "hermes":
		source = oracle.NewHermesSource(cfg.Oracle.HermesURL, cfg.Oracle.HTTPTimeout)
	case "stream":
		fallback := oracle.NewHermesSource(cfg.Oracle.HermesURL, cfg.Oracle.HTTPTimeout)
		stream := oracle.NewStreamSource(cfg.Oracle.StreamURL, cfg.FeedIDs(), fallback, component("oracle"))
		go func() {
			errChan <- stream.Run(ctx)
		}()
		source = stream
	}
	adapter, err := oracle.NewAdapter(source, oracleCfg)
	if err != nil {
		return err
	}

	engine, err := core.NewEngine(adapter, params, accounts, component("engine"), metrics)
	if err != nil {
		return err
	}

	// --- Backend ---
	backend, dbChecker, err := openBackend(ctx, cfg, accounts, deps, component("store"), metrics)
	if err != nil {
		return err
	}
	healthChecker.AddCheck("backend", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return backend.Ping(pingCtx)
	})

	// --- Position lock ---
	locker, err := openLocker(ctx, cfg, deps, component("lock"), healthChecker)
	if err != nil {
		return err
	}

	// --- Idempotency ---
	dedup := core.NewIdempotencyChecker(cfg.Liquidator.IdempotencyLRUCapacity, dbChecker, component("idempotency"), metrics)
	if warm, ok := dbChecker.(*persistence.DBIdempotencyChecker); ok && cfg.Liquidator.WarmKeys > 0 {
		keys, err := warm.RecentKeys(ctx, cfg.Liquidator.WarmKeys)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to warm idempotency LRU")
		} else {
			dedup.Warm(keys)
			logger.Info().Int("keys", len(keys)).Msg("idempotency LRU warmed")
		}
	}

	// --- NATS outbound ---
	var (
		sink core.EventSink
		js   jetstream.JetStream
	)
	if cfg.NATS.Enabled {
		natsLogger := component("nats")
		var nc *nats.Conn
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
		if err != nil {
			return err
		}
		deps.nc = nc
		healthChecker.AddCheck("nats", func() error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats disconnected")
			}
			return nil
		})

		if err := ingestion.EnsureOutboundStream(ctx, js, cfg.NATS.EventPrefix, natsLogger); err != nil {
			return err
		}
		publisher := ingestion.NewOutboundPublisher(js, cfg.NATS.EventPrefix, cfg.NATS.PublishBuffer, natsLogger, metrics)
		go func() {
			errChan <- publisher.Run(ctx)
		}()
		sink = publisher
	}

	// --- Liquidator ---
	allowed, err := cfg.Liquidators()
	if err != nil {
		return err
	}
	liq, err := service.NewLiquidator(engine, backend, locker, sink, dedup, service.Options{
		Feeds:       cfg.Oracle.Feeds,
		Liquidators: allowed,
		LockTimeout: cfg.Lock.Timeout,
	}, component("service"), metrics)
	if err != nil {
		return err
	}

	// --- NATS inbound ---
	var subscriber *ingestion.NATSSubscriber
	if cfg.NATS.Enabled && cfg.NATS.Subscribe {
		natsLogger := component("nats")
		if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
			return err
		}
		rawEventChan := make(chan ingestion.RawEvent, cfg.NATS.ConsumeBuffer)
		subscriber = ingestion.NewNATSSubscriber(js, rawEventChan, natsLogger)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		processor := ingestion.NewProcessor(liq, rawEventChan, component("processor"), metrics)
		go func() {
			errChan <- processor.Run(ctx)
		}()
	}

	// --- API ---
	var admin *ingestion.AdminIngestService
	if cfg.Server.EnableAdmin {
		admin = ingestion.NewAdminIngestService(backend, static, component("admin"))
	}
	srv, err := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Liquidator:    liq,
		Query:         query.NewQueryService(liq, accounts),
		Admin:         admin,
		AdminToken:    cfg.Server.AdminToken,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Gatherer:      prometheus.DefaultGatherer,
		Logger:        component("server"),
	})
	if err != nil {
		return err
	}
	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()
	go func() {
		errChan <- srv.StartHTTP(ctx)
	}()

	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Bool("nats", cfg.NATS.Enabled).
		Msg("liquidator ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("goroutine failed, shutting down")
			runErr = err
		} else {
			logger.Warn().Msg("background task exited, shutting down")
		}
	}

	healthChecker.SetReady(false)
	srv.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()

	logger.Info().Msg("liquidator shutdown complete")
	return runErr
}

func openBackend(
	ctx context.Context,
	cfg *config.Config,
	accounts ledger.Accounts,
	deps *runtimeDeps,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) (service.Backend, core.DBIdempotencyChecker, error) {
	if cfg.Database.Driver == "memory" {
		b := service.NewMemoryBackend(accounts)
		logger.Warn().Msg("using in-memory backend; state is lost on exit")
		return b, b, nil
	}

	db, dialect, err := persistence.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	deps.db = db
	if dialect.Name == persistence.Postgres.Name {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("%s ping: %w", dialect.Name, err)
	}
	logger.Info().Str("dialect", dialect.Name).Msg("database connected")

	if cfg.Database.AutoMigrate {
		dir := filepath.Join(cfg.Database.MigrationsDir, dialect.Name)
		if err := persistence.NewMigrator(db, dialect, dir, logger).Up(ctx); err != nil {
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	store, err := persistence.NewStore(ctx, db, dialect, accounts, logger, metrics)
	if err != nil {
		return nil, nil, err
	}
	return service.NewSQLBackend(store), persistence.NewDBIdempotencyChecker(db, dialect), nil
}

func openLocker(
	ctx context.Context,
	cfg *config.Config,
	deps *runtimeDeps,
	logger zerolog.Logger,
	health *observability.HealthChecker,
) (lock.Locker, error) {
	if cfg.Lock.Backend != "redis" {
		return lock.NewKeyedMutex(), nil
	}

	rdb, err := lock.NewRedisClient(cfg.Lock.RedisURL)
	if err != nil {
		return nil, err
	}
	deps.redis = rdb
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	health.AddCheck("redis", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	})
	logger.Info().Str("prefix", cfg.Lock.Prefix).Dur("ttl", cfg.Lock.TTL).Msg("redis position lock enabled")
	return lock.NewRedisLocker(rdb, cfg.Lock.Prefix, cfg.Lock.TTL, logger)
}
