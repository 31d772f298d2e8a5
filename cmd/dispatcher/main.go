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

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/api"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/cache"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/client"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/config"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/dispatch"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/logger"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/recovery"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/repo"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("dispatcher exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := repo.NewPool(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := repo.NewPostgresMessageStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	opts := dispatch.Options{
		MinInterval: cfg.Dispatch.MinIntervalSeconds,
		MaxInterval: cfg.Dispatch.MaxIntervalSeconds,
		Logger:      log,
	}

	var history api.RunHistory
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}

		rc := cache.NewRedisCache(rdb, cfg.Redis.TTL)
		opts.Observers = append(opts.Observers, rc)
		opts.SentCache = rc
		history = rc
	}

	ctrl := dispatch.NewController(store, newGateway(cfg, log), opts)

	sweeper, err := recovery.NewSweeper(store, ctrl, cfg.Recovery.Interval, cfg.Recovery.StaleAfter, log)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	handler := api.NewHandler(ctx, ctrl, store, history, log)
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(handler)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("dispatcher starting",
		"addr", cfg.Server.Address,
		"min_interval_s", cfg.Dispatch.MinIntervalSeconds,
		"max_interval_s", cfg.Dispatch.MaxIntervalSeconds,
		"test_mode", cfg.Dispatch.TestMode,
		"redis", cfg.Redis.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// The run loop still writes to Postgres and Redis; both close on return.
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout+cfg.Gateway.Timeout)
	defer cancel()
	if werr := ctrl.Wait(waitCtx); werr != nil {
		log.Warn("batch run still in progress at exit", "err", werr)
	}
	return err
}

func newGateway(cfg *config.Config, log *slog.Logger) dispatch.Gateway {
	if cfg.Dispatch.TestMode {
		log.Warn("test mode enabled, messages will not be delivered", "delay", cfg.Dispatch.TestDelay.String())
		return client.NewStubGateway(cfg.Dispatch.TestDelay)
	}
	return client.NewWhatsAppClient(cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.CountryCode, cfg.Gateway.Timeout)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
