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

	"github.com/redis/go-redis/v9"

	"github.com/ParkMazorika/areapulse/internal/api"
	"github.com/ParkMazorika/areapulse/internal/cache"
	"github.com/ParkMazorika/areapulse/internal/config"
	"github.com/ParkMazorika/areapulse/internal/location"
	"github.com/ParkMazorika/areapulse/internal/session"
	"github.com/ParkMazorika/areapulse/internal/storage"
	"github.com/ParkMazorika/areapulse/internal/upstream"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(log); err != nil {
		log.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()

	// Connect to PostgreSQL.
	pool, err := storage.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	applied, err := storage.RunMigrations(ctx, pool, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("migrations applied", "applied", applied)

	// Connect to Redis.
	redisClient, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	// Upstream session, restored from redis and optionally refreshed by login.
	client := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout)
	sessions := session.NewManager(client, session.NewRedisStore(redisClient, cfg.SessionKey), log)
	if err := sessions.Restore(ctx); err != nil {
		log.Warn("no stored session restored", "err", err)
	}
	if !sessions.IsAuthenticated() && cfg.AutoLogin() {
		if _, err := sessions.Login(ctx, cfg.Upstream.Email, cfg.Upstream.Password); err != nil {
			log.Warn("startup login failed", "err", err)
		}
	}

	var regions location.RegionResolver
	if cfg.RegionsGeoJSON != "" {
		index, err := location.LoadRegionIndex(cfg.RegionsGeoJSON)
		if err != nil {
			return fmt.Errorf("loading regions: %w", err)
		}
		log.Info("region index loaded", "regions", index.Len())
		regions = index
	}

	// Wire dependencies.
	service := location.NewService(sessions, client, regions, log)
	service.SetCategoryConcurrency(cfg.CategoryConcurrency)

	handlers := api.NewHandlers(
		sessions,
		service,
		location.NewTracker(service),
		cache.NewCache(redisClient, cfg.PointCacheTTL),
		storage.NewRepository(pool),
		log,
	)
	handlers.SetDefaultRadius(cfg.DefaultRadiusMeters)

	// Build router with pingers adapted for health check.
	dbPinger := &pgxPoolPinger{pool: pool}
	redisPinger := &redisPingerAdapter{client: redisClient}

	router := api.NewRouter(handlers, cfg.GatewayToken, dbPinger, redisPinger, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Upstream.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("server goroutine panicked", "recover", r)
				errCh <- fmt.Errorf("server panicked: %v", r)
			}
		}()
		log.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listening: %w", err)
		}
	}()

	select {
	case sig := <-quit:
		log.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	log.Info("server shut down cleanly")
	return nil
}

// pgxPoolPinger adapts pgxpool.Pool to the api.dbPinger interface.
type pgxPoolPinger struct {
	pool interface {
		Ping(ctx context.Context) error
	}
}

func (p *pgxPoolPinger) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// redisPingerAdapter adapts redis.Client to the api.redisPinger interface.
type redisPingerAdapter struct {
	client *redis.Client
}

func (r *redisPingerAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
