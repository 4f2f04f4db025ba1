package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/smsrent/wallet-engine/internal/api"
	"github.com/smsrent/wallet-engine/internal/auditor"
	"github.com/smsrent/wallet-engine/internal/reconciler"
	"github.com/smsrent/wallet-engine/internal/registry"
	"github.com/smsrent/wallet-engine/internal/store"
	"github.com/smsrent/wallet-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	sweepInterval := envDuration("SWEEP_INTERVAL", 30*time.Second)
	auditInterval := envDuration("AUDIT_INTERVAL", 5*time.Minute)
	repairLimit := envInt("AUDIT_REPAIR_LIMIT", 0)

	// --- Store ---
	// st is the write path: with Redis it is the cache's write view, so
	// reads stay on the primary (a stale cached version would burn the
	// engine's conflict retries) while commits evict the cached row.
	// readStore serves HTTP reads through the cache.
	var st store.Store
	var readStore store.Store
	var pool *pgxpool.Pool
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		var err error
		pool, err = pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database pool creation failed", "error", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			slog.Error("cannot reach PostgreSQL", "error", err)
			os.Exit(1)
		}

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema setup failed", "error", err)
			os.Exit(1)
		}
		st = pg
		readStore = pg
		slog.Info("connected to PostgreSQL")

		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "error", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			cached := store.NewCachedStore(pg, rdb, 30*time.Second)
			readStore = cached
			st = cached.WriteView()
			slog.Info("Redis account cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		readStore = st
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Registry + engine ---
	reg := registry.New()
	if err := reg.WarmUp(ctx, st); err != nil {
		slog.Error("registry warm-up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("reservation registry warmed", "open", reg.OpenCount())

	engine := wallet.NewEngine(st, reg, logger)

	// --- Background work: reconciler sweep + audit pass ---
	sweeper := reconciler.NewSweeper(st, engine, logger, reconciler.DefaultBatchSize)
	aud := auditor.New(st, engine, logger)
	aud.RepairLimit = repairLimit

	bgCtx, stopBG := context.WithCancel(ctx)
	defer stopBG()

	if pool != nil {
		startRiver(ctx, bgCtx, pool, sweeper, aud, sweepInterval, auditInterval)
	} else {
		// No Postgres, no River: plain tickers drive the same sweep/audit.
		go tick(bgCtx, sweepInterval, func(c context.Context) {
			if _, err := sweeper.Sweep(c); err != nil {
				slog.Error("sweep failed", "error", err)
			}
		})
		go tick(bgCtx, auditInterval, func(c context.Context) {
			if _, err := aud.Run(c); err != nil {
				slog.Error("audit failed", "error", err)
			}
		})
	}

	// --- HTTP server ---
	handler := api.NewHandler(engine, readStore, logger)
	router := newRouter(handler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}).Handler(router)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      corsHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("wallet-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down wallet-engine")
	stopBG()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

// startRiver applies River migrations and starts a client whose periodic
// jobs enqueue the reconciler sweep and the audit pass.
func startRiver(ctx, runCtx context.Context, pool *pgxpool.Pool, sweeper *reconciler.Sweeper, aud *auditor.Auditor, sweepInterval, auditInterval time.Duration) {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("river migrator creation failed", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("river migrate up failed", "error", err)
		os.Exit(1)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, reconciler.NewSweepWorker(sweeper))
	river.AddWorker(workers, auditor.NewAuditWorker(aud))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 4},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(sweepInterval),
				func() (river.JobArgs, *river.InsertOpts) { return reconciler.SweepArgs{}, nil },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(auditInterval),
				func() (river.JobArgs, *river.InsertOpts) { return auditor.AuditArgs{}, nil },
				nil,
			),
		},
	})
	if err != nil {
		slog.Error("river client creation failed", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := client.Start(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("river client stopped", "error", err)
		}
	}()
}

func tick(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}
