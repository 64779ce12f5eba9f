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

	"github.com/scoutx/session-engine/internal/api"
	"github.com/scoutx/session-engine/internal/config"
	"github.com/scoutx/session-engine/internal/events"
	"github.com/scoutx/session-engine/internal/logging"
	"github.com/scoutx/session-engine/internal/metrics"
	"github.com/scoutx/session-engine/internal/session"
	"github.com/scoutx/session-engine/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("SCOUTX_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("store init failed", "backend", cfg.Store.Backend, "err", err)
		os.Exit(1)
	}
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)
	notifiers := session.Notifiers{wsHub}
	pubDone := make(chan struct{})

	// --- Settlement event feed ---
	if cfg.NATS.URL == "" {
		close(pubDone)
	} else {
		nc, js, err := events.Connect(cfg.NATS.URL)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		defer nc.Drain()
		if err := events.EnsureStream(ctx, js); err != nil {
			slog.Error("nats stream setup failed", "err", err)
			os.Exit(1)
		}
		pub := events.NewPublisher(js, 1024, logger.With("component", "events"))
		go func() {
			pub.Run(ctx)
			close(pubDone)
		}()
		notifiers = append(notifiers, pub)
		slog.Info("publishing session events", "stream", events.StreamName)
	}

	// --- Session manager ---
	mgr := session.NewManager(st,
		session.WithLogger(logger.With("component", "session")),
		session.WithNotifier(notifiers),
		session.WithDefaultOwner(cfg.Ledger.DefaultOwner),
	)
	if err := mgr.SyncMetrics(ctx); err != nil {
		slog.Warn("open-session gauge not seeded", "err", err)
	}
	svc := api.NewService(mgr, wsHub)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
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
		fmt.Fprintf(w, `{"status":"ok","service":%q,"store":%q}`, cfg.ServiceName, cfg.Store.Backend)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		slog.Info("session-engine listening", "addr", srv.Addr, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down session-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	<-pubDone // queued session events are flushed to NATS
	fmt.Println("session-engine stopped")
}

// openStore builds the configured backend, optionally wrapped in the Redis
// read-through cache. Cleanup funcs run in reverse order on exit.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, []func(), error) {
	var st store.Store
	var cleanup []func()

	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case config.BackendSQLite:
		lite, err := store.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite store", "path", cfg.SQLitePath)

	case config.BackendFile:
		var opts []store.FileOption
		if cfg.Passphrase != "" {
			opts = append(opts, store.WithPassphrase(cfg.Passphrase))
		}
		fs, err := store.OpenFileStore(cfg.FilePath, opts...)
		if err != nil {
			return nil, nil, err
		}
		st = fs
		slog.Info("opened file store", "path", cfg.FilePath, "encrypted", cfg.Passphrase != "")

	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}

	return st, cleanup, nil
}
