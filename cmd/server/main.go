package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/floorguard/cppi-engine/internal/autopilot"
	"github.com/floorguard/cppi-engine/internal/catalog"
	"github.com/floorguard/cppi-engine/internal/config"
	"github.com/floorguard/cppi-engine/internal/engine"
	"github.com/floorguard/cppi-engine/internal/feed"
	"github.com/floorguard/cppi-engine/internal/ledger"
	"github.com/floorguard/cppi-engine/internal/metrics"
	"github.com/floorguard/cppi-engine/internal/store"
	"github.com/floorguard/cppi-engine/internal/trigger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("CPPI_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.PostgresURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.PostgresURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Cache.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Cache.TTL)
			slog.Info("Redis cache enabled", "addr", cfg.Cache.RedisAddr)
		}
	} else {
		slog.Warn("database.postgres_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Strategy catalog ---
	cat := catalog.Default()
	for _, strat := range cat.List() {
		if err := st.UpsertStrategy(context.Background(), strat); err != nil {
			slog.Error("seed strategy failed", "strategy", strat.ID, "err", err)
			os.Exit(1)
		}
	}

	// Rehydrate custom strategies persisted by earlier runs; without this,
	// positions opened against them would be stranded after a restart.
	persisted, err := st.ListStrategies(context.Background())
	if err != nil {
		slog.Error("list strategies failed", "err", err)
		os.Exit(1)
	}
	for _, strat := range persisted {
		if err := cat.Register(strat); err != nil {
			if errors.Is(err, catalog.ErrDuplicateStrategy) {
				continue // built-in, already seeded
			}
			slog.Error("rehydrate strategy failed", "strategy", strat.ID, "err", err)
			os.Exit(1)
		}
		slog.Info("rehydrated strategy", "strategy", strat.ID)
	}

	// --- Ledger + trigger policy ---
	eval := trigger.New(decimal.NewFromFloat(cfg.Engine.SpikeThreshold), cfg.Engine.FreshnessWindow)
	led := ledger.New(st, cat, eval)

	// --- WebSocket hub ---
	wsHub := engine.NewWSHub()
	go wsHub.Run()

	// --- Engine service ---
	svc := engine.NewService(led, cat, st, wsHub)

	// --- Autopilot ---
	// With a feed configured the engine polls; otherwise valuations arrive
	// via POST /revalue and only the expiry/maturity sweeps run.
	var src autopilot.ValuationSource
	var vol autopilot.VolatilitySource
	if cfg.Feed.BaseURL != "" {
		client := feed.NewClient(cfg.Feed.BaseURL, cfg.Feed.Timeout)
		src, vol = client, client
		slog.Info("valuation feed enabled", "url", cfg.Feed.BaseURL)
	}

	var exec autopilot.Executor = &autopilot.LoopbackExecutor{Ledger: led}
	ap := autopilot.New(led, src, vol, exec, cfg.Engine.TickTimeout, cfg.Engine.InstructionExpiry)

	if src != nil {
		err = ap.Register(cfg.Schedule.TickCron, cfg.Schedule.MaturityCron)
	} else {
		err = ap.RegisterMaintenance(cfg.Schedule.TickCron, cfg.Schedule.MaturityCron)
	}
	if err != nil {
		slog.Error("autopilot registration failed", "err", err)
		os.Exit(1)
	}
	ap.Start()
	defer ap.Stop()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
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

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"cppi-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("cppi-engine listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down cppi-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("cppi-engine stopped")
}
