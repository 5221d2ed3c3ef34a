package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/hackerchat/internal/api"
	"github.com/lalith-99/hackerchat/internal/auth"
	"github.com/lalith-99/hackerchat/internal/config"
	"github.com/lalith-99/hackerchat/internal/db"
	"github.com/lalith-99/hackerchat/internal/events"
	"github.com/lalith-99/hackerchat/internal/fanout"
	"github.com/lalith-99/hackerchat/internal/ident"
	"github.com/lalith-99/hackerchat/internal/middleware"
	"github.com/lalith-99/hackerchat/internal/observ"
	"github.com/lalith-99/hackerchat/internal/presence"
	"github.com/lalith-99/hackerchat/internal/repository"
	"github.com/lalith-99/hackerchat/internal/repository/memory"
	"github.com/lalith-99/hackerchat/internal/repository/postgres"
	"github.com/lalith-99/hackerchat/internal/service"
	"github.com/lalith-99/hackerchat/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "hackerchat-server")
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 3. Storage: Postgres when DATABASE_URL is set, memory otherwise
	// ---------------------------------------------------------------
	var store repository.Store
	checks := map[string]func(context.Context) error{}
	if cfg.DatabaseURL != "" {
		database, err := db.New(ctx, db.Options{
			URL:      cfg.DatabaseURL,
			MaxConns: int32(cfg.DBMaxConns),
			MinConns: int32(cfg.DBMinConns),
		}, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		store = postgres.NewStore(database.Pool())
		checks["postgres"] = database.Health
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		store = memory.New().Store()
	}

	if _, _, err := store.Users.EnsureBot(ctx, auth.WebhookUserID, auth.WebhookName, ""); err != nil {
		return fmt.Errorf("ensure webhook bot: %w", err)
	}

	// ---------------------------------------------------------------
	// 4. Fan-out: local hub, plus Redis relay and connection index
	//    when REDIS_URL is set
	// ---------------------------------------------------------------
	hub := ws.NewHub()
	var (
		relay fanout.Relay
		index presence.Index
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}

		instanceID := uuid.NewString()
		redisRelay := fanout.NewRedisRelay(rdb, "hackerchat:events", instanceID, logger)
		ready := make(chan struct{})
		go func() {
			if err := redisRelay.Run(ctx, hub, ready); err != nil {
				logger.Error("fan-out relay stopped", zap.Error(err))
			}
		}()
		select {
		case <-ready:
		case <-time.After(10 * time.Second):
			return errors.New("redis relay did not subscribe in time")
		}
		relay = redisRelay
		index = presence.NewConnIndex(rdb, "", cfg.IdleThreshold)
		logger.Info("multi-instance fan-out enabled", zap.String("instance", instanceID))
	}
	fan := fanout.New(hub, relay, logger)

	// ---------------------------------------------------------------
	// 5. Domain event stream
	// ---------------------------------------------------------------
	var sink events.Sink = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := events.NewKafkaSink(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, logger)
		go kafkaSink.Run(ctx)
		defer func() {
			stop()
			kafkaSink.Wait()
		}()
		sink = kafkaSink
	}

	// ---------------------------------------------------------------
	// 6. Engines
	// ---------------------------------------------------------------
	monitor := presence.NewMonitor(store.Users, fan, hub, index, presence.Config{
		SweepInterval:   cfg.SweepInterval,
		IdleThreshold:   cfg.IdleThreshold,
		DisconnectGrace: cfg.DisconnectGrace,
		Exempt:          auth.IsBot,
	}, logger)
	if err := monitor.Seed(ctx); err != nil {
		return fmt.Errorf("seed presence: %w", err)
	}
	go monitor.Run(ctx)

	svc := service.New(store, ident.NewAllocator(cfg.IDMaxRetries, cfg.IDRetryDelay), fan, sink, service.Config{
		MaxMessageLength: cfg.MaxMessageLength,
		MaxChannelDepth:  cfg.MaxChannelDepth,
	}, logger)

	gw := auth.NewGateway(auth.GatewayConfig{
		JWTSecret:         cfg.JWTSecret,
		JWTAudience:       cfg.JWTAudience,
		WebhookSecret:     cfg.WebhookSecret,
		WebhookSecretHash: cfg.WebhookSecretHash,
	}, store.Users, logger)

	// ---------------------------------------------------------------
	// 7. HTTP and websocket routes
	// ---------------------------------------------------------------
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), observ.GinMetrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api.Register(r, gw, api.Handlers{
		Channels: api.NewChannelHandler(svc, logger),
		Users:    api.NewUserHandler(store.Users, logger),
		Presence: api.NewPresenceHandler(monitor, logger),
		Checks:   checks,
	})

	wsServer := ws.NewServer(hub, ws.NewRouter(svc, monitor, logger), monitor, ws.ServerConfig{
		MessagesPerSecond: cfg.WSMessagesPerSec,
	}, logger)
	r.GET("/ws", middleware.AuthMiddleware(gw), wsServer.Handle)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting HackerChat",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.Bool("postgres", cfg.DatabaseURL != ""),
		zap.Bool("redis", cfg.RedisURL != ""),
		zap.Bool("kafka", len(cfg.KafkaBrokers) > 0),
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ---------------------------------------------------------------
	// 8. Graceful shutdown
	// ---------------------------------------------------------------
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
