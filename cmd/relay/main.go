package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	httphandlers "peerlink/internal/handlers/http"
	"peerlink/internal/infrastructure/distributed"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/infrastructure/repositories"
	relay "peerlink/internal/infrastructure/signal"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"
	"peerlink/pkg/tracing"
)

func main() {
	startTime := time.Now()

	configPaths := []string{
		os.Getenv("PEERLINK_CONFIG"),
		"configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("Using default configuration", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "peerlink-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	rooms := repoFactory.CreateRoomRepository()

	var bus ports.RelayBus
	if client := repoFactory.RedisClient(); client != nil {
		bus = distributed.NewRedisRelayBus(client, uuid.NewString(), log)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	relayServer := relay.NewRelayServer(relay.ServerConfigFrom(cfg), rooms, bus, collector, log)

	var tokens services.RoomTokenService
	if cfg.Auth.JWTSecret != "" {
		tokens = services.NewRoomTokenService(cfg.Auth.JWTSecret, cfg.Auth.RoomTokenTTL)
	}
	roomHandler := httphandlers.NewRoomHandler(rooms, tokens, cfg.Signal.MaxRoomPeers)

	health := monitoring.NewHealthChecker()
	health.AddRosterCheck(rooms, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}
	log.Infow("Readiness checks registered", "checks", health.Names())

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware("/health", "/ready", cfg.Monitoring.MetricsPath),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	roomHandler.SetupRoutes(router)

	ws := []gin.HandlerFunc{relayServer.HandleRoom}
	if tokens != nil {
		ws = append([]gin.HandlerFunc{middleware.RoomTokenMiddleware(tokens, cfg.Auth.RequireRoomToken)}, ws...)
	}
	router.GET("/ws/:room", ws...)

	router.GET("/health", func(c *gin.Context) {
		roomCount, peerCount := relayServer.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":    monitoring.StatusHealthy,
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"rooms":     roomCount,
			"peers":     peerCount,
		})
	})
	router.GET("/ready", health.Handler())

	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("Prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	// The websocket upgrade clears these deadlines on hijacked connections.
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := relayServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("Relay bus subscription ended", "error", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting peerlink relay", "address", cfg.Server.Address, "redis", bus != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	relayServer.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	cancel()

	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Errorw("Error closing relay bus", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("peerlink relay stopped")
}
