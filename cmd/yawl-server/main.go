package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fluxwork/yawl/common/config"
	"github.com/fluxwork/yawl/common/db"
	"github.com/fluxwork/yawl/common/logger"
	"github.com/fluxwork/yawl/common/metrics"
	redisWrapper "github.com/fluxwork/yawl/common/redis"
	"github.com/fluxwork/yawl/common/server"
	"github.com/fluxwork/yawl/engine"
	"github.com/fluxwork/yawl/engine/persist"
	"github.com/fluxwork/yawl/runner"
)

const sweepInterval = 5 * time.Second

func main() {
	ctx := context.Background()

	cfg, err := config.Load("yawl-server")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	m := metrics.Default()

	store, closeStore, health, err := setupStore(ctx, cfg, log)
	if err != nil {
		log.Error("persistence setup failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	facade := engine.NewFacade(engine.FacadeOpts{
		Config:  cfg,
		Store:   store,
		Sink:    setupSink(ctx, cfg, log),
		Logger:  log,
		Metrics: m,
	})

	if err := facade.Recover(ctx); err != nil {
		log.Error("case recovery failed", "error", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e)
	registerRoutes(e, facade, log, health)

	startSweeper(ctx, facade, log)

	srv := server.New(cfg.Service.Name, cfg.Service.Port, e, log)
	if err := srv.Start(); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// setupStore picks the persistence backend: Postgres when
// PERSIST_BACKEND=postgres, in-memory otherwise.
func setupStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (persist.Store, func(), func(context.Context) error, error) {
	if os.Getenv("PERSIST_BACKEND") != "postgres" {
		log.Info("using in-memory persistence")
		return persist.NewMemoryStore(), func() {}, nil, nil
	}

	database, err := db.New(ctx, cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	store := persist.NewPostgresStore(database)
	if err := store.Migrate(ctx); err != nil {
		database.Close()
		return nil, nil, nil, err
	}
	return store, database.Close, database.Health, nil
}

// setupSink wires the lifecycle event sink: Redis stream when enabled,
// in-memory otherwise.
func setupSink(ctx context.Context, cfg *config.Config, log *logger.Logger) runner.EventSink {
	if !cfg.Redis.Enabled {
		return runner.NewMemorySink()
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, lifecycle events stay in memory", "error", err)
		return runner.NewMemorySink()
	}
	return runner.NewRedisSink(redisWrapper.NewClient(rdb, log), "")
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
}

// registerRoutes registers the facade and allocator APIs
func registerRoutes(e *echo.Echo, facade *engine.Facade, log *logger.Logger, health func(context.Context) error) {
	h := newHandler(facade, log)

	e.GET("/healthz", func(c echo.Context) error {
		if health != nil {
			if err := health(c.Request().Context()); err != nil {
				return c.JSON(503, map[string]string{"status": "degraded", "error": err.Error()})
			}
		}
		return c.JSON(200, map[string]string{"status": "ok", "service": "yawl-server"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	{
		api.POST("/specs", h.loadSpec)
		api.POST("/cases", h.launchCase)
		api.GET("/cases/:id", h.getCase)
		api.POST("/cases/:id/events", h.applyEvent)
		api.POST("/cases/:id/cancel", h.cancelCase)
		api.GET("/items", h.listItems)
		api.POST("/items/:id/checkout", h.checkout)
		api.POST("/items/:id/heartbeat", h.heartbeat)
		api.POST("/items/:id/checkin", h.checkin)
		api.POST("/workers", h.registerWorker)
	}
}

// startSweeper drives timers, deadlines and lease expiry
func startSweeper(ctx context.Context, facade *engine.Facade, log *logger.Logger) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := facade.Sweep(ctx); err != nil {
					log.Warn("sweep pass failed", "error", err)
				}
			}
		}
	}()
}
