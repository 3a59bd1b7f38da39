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
	"go.uber.org/zap"

	intDatabase "callrelay-backend/internal/database"
	callHandler "callrelay-backend/internal/handler/http/call"
	wsHandler "callrelay-backend/internal/handler/ws"
	"callrelay-backend/internal/middleware"
	"callrelay-backend/internal/repository/cockroach"
	redisRepo "callrelay-backend/internal/repository/redis"
	callService "callrelay-backend/internal/service/call"
	"callrelay-backend/internal/service/history"
	"callrelay-backend/internal/service/signaling"
	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/constants"
	pkgDatabase "callrelay-backend/pkg/database"
	"callrelay-backend/pkg/jwt"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
	"callrelay-backend/pkg/resilience"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. Redis with degraded mode support
	redisDB := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}, appMetrics.GetRegistry())
	defer redisDB.Close()

	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable at startup, presence and call events disabled until it recovers", zap.Error(err))
	} else {
		logger.Info("Connected to Redis")
	}
	redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	// 3. CockroachDB for durable call history
	recorders := []history.Recorder{redisRepo.NewCallEventPublisher(redisDB)}
	var historyRepo *cockroach.CallHistoryRepository

	db, err := pkgDatabase.ConnectWithRetry(ctx, cfg.Database, constants.DBConnectRetries, constants.DBConnectBaseDelay)
	if err != nil {
		logger.Warn("Running in limited mode without call history persistence", zap.Error(err))
	} else {
		defer db.Close()
		repo := cockroach.NewCallHistoryRepository(db.Pool)

		schemaCtx, cancel := context.WithTimeout(ctx, constants.DefaultTimeout)
		err := repo.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			logger.Warn("Failed to ensure call_history schema, running without persistence", zap.Error(err))
		} else {
			historyRepo = repo
			breaker := resilience.NewCircuitBreaker(repo.Name(), resilience.Config{
				FailureThreshold: constants.HistoryBreakerThreshold,
				Cooldown:         constants.HistoryBreakerCooldown,
			}, appMetrics.GetRegistry())
			recorders = append(recorders, history.WithBreaker(repo, breaker))
			logger.Info("Connected to CockroachDB")
		}
	}

	// 4. Call signaling core
	historySink := history.NewDispatcher(history.Config{
		QueueSize: cfg.History.QueueSize,
		Workers:   cfg.History.Workers,
		Timeout:   cfg.History.Timeout,
	}, appMetrics, recorders...)

	registry := signaling.NewRegistry(redisRepo.NewPresenceRepository(redisDB), appMetrics)
	store := signaling.NewStore()
	timers := signaling.NewSupervisor()
	router := signaling.NewRouter(registry, store, timers, historySink, appMetrics, signaling.RouterConfig{
		RingTimeout: cfg.Signaling.RingTimeout,
	})

	// 5. Handlers
	var historyReader callService.HistoryReader
	if historyRepo != nil {
		historyReader = historyRepo
	}
	callHdlr := callHandler.NewHandler(callService.NewService(store, historyReader, cfg.ICE))
	signalingHdlr := wsHandler.NewSignalingHandler(router, registry, appMetrics, wsHandler.Config{
		MaxConnections:  cfg.Signaling.MaxConnections,
		SendBufferSize:  cfg.Signaling.SendBufferSize,
		MaxMessageBytes: cfg.Signaling.MaxMessageBytes,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	})

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, 15*time.Minute)
	revocationChecker := middleware.NewRedisRevocationChecker(redisDB)

	// 6. Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	if err := engine.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to configure trusted proxies", zap.Error(err))
	}

	engine.Use(middleware.HealthCheck(cfg.Server.ServiceName))
	engine.Use(middleware.Recovery())
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	engine.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	engine.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := engine.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		v1.GET("/active", callHdlr.GetActiveCall)
		v1.GET("/history", callHdlr.GetCallHistory)
		v1.GET("/ice-servers", callHdlr.GetICEServers)

		// WebSocket endpoint for WebRTC signaling
		v1.GET("/ws/signaling", signalingHdlr.ServeWS)
	}

	// 7. Serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment),
			zap.Duration("ring_timeout", cfg.Signaling.RingTimeout))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down signaling service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	timers.Stop()
	registry.Close()
	if err := historySink.Close(shutdownCtx); err != nil {
		logger.Error("Call history not fully flushed", zap.Error(err))
	}
	logger.Info("Signaling service stopped",
		zap.Int("calls_in_flight", store.Len()))
}
