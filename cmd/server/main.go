package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/sentinel/risk-engine/internal/alerts"
	"github.com/sentinel/risk-engine/internal/config"
	"github.com/sentinel/risk-engine/internal/dedup"
	"github.com/sentinel/risk-engine/internal/health"
	"github.com/sentinel/risk-engine/internal/ingest"
	"github.com/sentinel/risk-engine/internal/limits"
	"github.com/sentinel/risk-engine/internal/logging"
	"github.com/sentinel/risk-engine/internal/metrics"
	"github.com/sentinel/risk-engine/internal/pricing"
	"github.com/sentinel/risk-engine/internal/risk"
	"github.com/sentinel/risk-engine/internal/store"
	"github.com/sentinel/risk-engine/internal/trade"
	"github.com/sentinel/risk-engine/internal/transport"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}

	configPath := flag.String("config", os.Getenv("SENTINEL_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("sentinel exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	checks := health.NewChecker("sentinel", health.DefaultTimeout)

	// --- Redis (shared by breach cache and dedup) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		checks.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	// --- Store ---
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)
	if p, ok := st.(health.Pinger); ok {
		checks.RegisterPinger("store", p)
	}
	if cfg.CacheEnabled() {
		st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
		slog.Info("redis breach cache enabled", "ttl", cfg.Storage.CacheTTL.String())
	}

	// --- Dedup ---
	var seen risk.Deduper = dedup.New()
	if cfg.Dedup.Kind == config.KindRedis {
		seen = dedup.NewRedisDeduplicator(rdb, dedup.DefaultRedisKey)
		slog.Info("redis dedup enabled")
	}

	// --- Pricing ---
	var quoter pricing.Quoter
	if cfg.Pricing.FinnhubAPIKey != "" {
		quoter = pricing.NewFinnhubClient(cfg.Pricing.FinnhubURL, cfg.Pricing.FinnhubAPIKey, cfg.Pricing.Timeout)
	} else {
		slog.Warn("FINNHUB_API_KEY not set, using static prices only")
	}
	prices := pricing.NewCachedProvider(quoter, cfg.Pricing.TTL, cfg.Pricing.RequestsPerMinute, logger)
	for sym, p := range cfg.Pricing.Static {
		prices.Update(sym, p)
	}

	// --- Risk evaluator ---
	eval := risk.NewEvaluator(seen, prices, limits.NewStatic(cfg.Limits))

	// --- Transport ---
	bus, err := openBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() {
		if err := bus.Close(); err != nil {
			slog.Error("transport close failed", "err", err)
		}
	})
	if p, ok := bus.(health.Pinger); ok {
		checks.RegisterPinger("transport", p)
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Consumers ---
	alertSvc := alerts.NewService(st, wsHub, logger)
	proc := ingest.NewProcessor(eval, bus, logger)
	if err := bus.Subscribe(ctx, transport.TopicTradeCreated, ingest.ConsumerGroup, proc.HandleTrade); err != nil {
		return fmt.Errorf("subscribe %s: %w", transport.TopicTradeCreated, err)
	}
	if err := bus.Subscribe(ctx, transport.TopicLimitBreached, alerts.ConsumerGroup, alertSvc.HandleBreach); err != nil {
		return fmt.Errorf("subscribe %s: %w", transport.TopicLimitBreached, err)
	}

	// --- Trade service ---
	tradeSvc := trade.NewService(st, bus, eval, alertSvc, prices, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the dashboard.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", checks.Handler())

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// WebSocket stays outside the request timeout.
	r.Get("/api/ws", wsHub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		tradeSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sentinel listening",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Kind,
			"transport", cfg.Transport.Kind,
			"dedup", cfg.Dedup.Kind,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	slog.Info("shutting down sentinel...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	cancel()
	slog.Info("sentinel stopped")
	return nil
}

// openStore returns the configured store and its release func.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Storage.Kind {
	case config.KindPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database migration failed: %w", err)
		}
		slog.Info("connected to PostgreSQL")
		return pg, pool.Close, nil

	case config.KindSQLite:
		lite, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("opened SQLite store", "path", cfg.Storage.SQLitePath)
		return lite, func() { lite.Close() }, nil
	}

	slog.Warn("using in-memory store (data will not persist)")
	return store.NewMemoryStore(), func() {}, nil
}

func openBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Bus, error) {
	switch cfg.Transport.Kind {
	case config.KindKafka:
		bus, err := transport.NewKafkaBus(transport.KafkaConfig{Brokers: cfg.Transport.KafkaBrokers}, logger)
		if err != nil {
			return nil, err
		}
		slog.Info("kafka transport enabled", "brokers", cfg.Transport.KafkaBrokers)
		return bus, nil

	case config.KindNATS:
		bus, err := transport.ConnectNATS(ctx, cfg.Transport.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		slog.Info("nats transport enabled", "url", cfg.Transport.NATSURL)
		return bus, nil
	}

	slog.Info("in-memory transport enabled")
	return transport.NewMemoryBus(logger), nil
}
