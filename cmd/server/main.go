package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shared-canvas/backend/api/handlers"
	"github.com/shared-canvas/backend/internal/clock"
	"github.com/shared-canvas/backend/internal/config"
	"github.com/shared-canvas/backend/internal/db"
	"github.com/shared-canvas/backend/internal/lock"
	"github.com/shared-canvas/backend/internal/session"
	"github.com/shared-canvas/backend/internal/store"
	"github.com/shared-canvas/backend/internal/store/pgstore"
	"github.com/shared-canvas/backend/internal/store/redisstore"
	"github.com/shared-canvas/backend/internal/store/sqlitestore"
	"github.com/shared-canvas/backend/internal/watchdog"
	"github.com/shared-canvas/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	reporter := prometheus.NewReporter(prometheus.Options{})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:          "canvas",
		Tags:            map[string]string{"instance": cfg.InstanceID},
		CachedReporter:  reporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, time.Second)
	defer closer.Close()

	// Shared store
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	clk := clock.NewReal()
	timing := ws.Timing{
		HeartbeatInterval:   cfg.HeartbeatInterval,
		CursorThrottle:      cfg.CursorThrottle,
		StalenessThreshold:  cfg.StalenessThreshold(),
		LockTTL:             cfg.LockTTL,
		LockRefreshInterval: cfg.LockRefreshInterval,
	}

	// Presence and lock cleanup
	wd := watchdog.New(watchdog.Config{}, logger.Named("watchdog"), scope)
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	reaperDone := make(chan struct{})
	if cfg.ReaperEnabled {
		elector := watchdog.NewElector(st, clk, cfg.InstanceID, 3*cfg.ReaperInterval)
		reaper := watchdog.NewReaper(st, clk, watchdog.ReaperConfig{
			Threshold:          cfg.StalenessThreshold(),
			Interval:           cfg.ReaperInterval,
			TombstoneRetention: cfg.TombstoneRetention,
		}, elector, logger, scope)
		go func() {
			defer close(reaperDone)
			reaper.Run(reaperCtx)
		}()
	} else {
		close(reaperDone)
	}

	// Gateway
	rooms := ws.NewRooms(st, clk, timing, logger, scope)
	sessions := session.NewRegistry()
	wsHandler := ws.NewHandler(st, clk, rooms, wd, sessions, timing, logger.Named("ws"), scope)

	docsHandler := handlers.NewDocumentsHandler(st, clk, lock.Config{
		TTL:             cfg.LockTTL,
		RefreshInterval: cfg.LockRefreshInterval,
	}, cfg.StalenessThreshold(), logger.Named("api"), scope)
	attachHandler := handlers.NewWebSocketHandler(wsHandler, logger.Named("api"))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(handlers.IdentityMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"store":       cfg.StoreBackend,
			"instance":    cfg.InstanceID,
			"connections": wsHandler.Connections(),
			"rooms":       rooms.Len(),
		})
	})
	r.GET("/metrics", gin.WrapH(reporter.HTTPHandler()))

	api := r.Group("/api")
	{
		docsHandler.RegisterRoutes(api)
		attachHandler.RegisterRoutes(api)
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreBackend),
			zap.String("instance", cfg.InstanceID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := wsHandler.Close(shutdownCtx); err != nil {
		logger.Warn("websocket shutdown", zap.Error(err))
	}
	if err := sessions.StopAll(shutdownCtx); err != nil {
		logger.Warn("stopping sessions", zap.Error(err))
	}
	if err := wd.Close(shutdownCtx); err != nil {
		logger.Warn("watchdog shutdown", zap.Error(err))
	}
	rooms.Close()
	stopReaper()
	<-reaperDone
	return nil
}

// newLogger builds the production logger at the given level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// openStore connects the configured backend. The returned function closes
// the store and the client underneath it.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	log := logger.Named("store")

	switch cfg.StoreBackend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize database: %w", err)
		}
		st := sqlitestore.New(database)
		return st, func() {
			st.Close()
			database.Close()
		}, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		st := redisstore.New(rdb, redisstore.Options{Logger: log})
		return st, func() {
			st.Close()
			rdb.Close()
		}, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		st, err := pgstore.Open(ctx, pool, pgstore.Options{Logger: log})
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, func() {
			st.Close()
			pool.Close()
		}, nil

	default:
		st := store.NewMemory()
		return st, func() { st.Close() }, nil
	}
}

// corsMiddleware returns the CORS middleware for the configured origins.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", handlers.HeaderUserID, handlers.HeaderDisplayName, handlers.HeaderUserColor},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}
