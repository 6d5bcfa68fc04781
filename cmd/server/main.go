package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/investquest/portfolio-engine/internal/config"
	"github.com/investquest/portfolio-engine/internal/events"
	"github.com/investquest/portfolio-engine/internal/instrument"
	"github.com/investquest/portfolio-engine/internal/leaderboard"
	"github.com/investquest/portfolio-engine/internal/ledger"
	"github.com/investquest/portfolio-engine/internal/limits"
	"github.com/investquest/portfolio-engine/internal/market"
	"github.com/investquest/portfolio-engine/internal/metrics"
	"github.com/investquest/portfolio-engine/internal/store"
	"github.com/investquest/portfolio-engine/internal/trade"
	"github.com/investquest/portfolio-engine/internal/util"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if url := cfg.Storage.RedisURL; url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if dbURL := cfg.Storage.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Storage.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("schema migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Read-through cache over the database.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL.String())
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Events ---
	var sinks events.Fanout
	var hub *events.Hub
	if cfg.Events.WebSocket {
		hub = events.NewHub(cfg.Events.Buffer, logger)
		go hub.Run(ctx)
		sinks = append(sinks, hub)
	}
	if rdb != nil && cfg.Events.RedisChannel != "" {
		sinks = append(sinks, events.NewRedisSink(rdb, cfg.Events.RedisChannel))
	}

	// --- Trade executor ---
	fee, _ := cfg.Trading.Fee()
	policy := instrument.Policy{}
	if cfg.Trading.FractionalShares {
		policy = instrument.DefaultPolicy
	}
	var limiter *limits.PositionLimiter
	if cfg.Limits.Enabled() {
		maxQty, _ := cfg.Limits.MaxQuantity()
		limiter = limits.NewPositionLimiter(cfg.Limits.AllowedSymbols, cfg.Limits.MaxPositions, maxQty)
	}

	exec := trade.NewExecutor(st, market.NewStoreSource(st), sinks, trade.Options{
		Policy:             policy,
		Currency:           cfg.Trading.Currency,
		Fee:                fee,
		PriceTimeout:       cfg.Trading.PriceTimeout,
		MaxConflictRetries: cfg.Trading.MaxConflictRetries,
		RetryBaseDelay:     cfg.Trading.RetryBaseDelay,
		Limiter:            limiter,
		Logger:             logger,
	})
	tradeSvc := trade.NewService(exec, ledger.New(st), st)

	// --- Leaderboard ---
	boards := leaderboard.NewService(st, sinks, leaderboard.Options{
		Epsilon: cfg.Leaderboard.TieEpsilon,
		Valuer:  exec,
		Logger:  logger,
	})
	sched := leaderboard.NewScheduler(boards, cfg.Leaderboard.Interval, cfg.Leaderboard.Challenges, logger)
	go sched.Run(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, Idempotency-Key")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"portfolio-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of portfolio and leaderboard events.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}
		tradeSvc.Routes(r)
		leaderboard.NewHandler(boards).Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("portfolio-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down portfolio-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("portfolio-engine stopped")
}
