package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/consult-api/internal/config"
	"github.com/jwalitptl/consult-api/internal/handler"
	consultHandler "github.com/jwalitptl/consult-api/internal/handler/consult"
	"github.com/jwalitptl/consult-api/internal/middleware"
	"github.com/jwalitptl/consult-api/internal/repository/postgres"
	"github.com/jwalitptl/consult-api/internal/router"
	accessService "github.com/jwalitptl/consult-api/internal/service/access"
	chatService "github.com/jwalitptl/consult-api/internal/service/chat"
	"github.com/jwalitptl/consult-api/internal/service/room"
	"github.com/jwalitptl/consult-api/pkg/auth"
	"github.com/jwalitptl/consult-api/pkg/logger"
	"github.com/jwalitptl/consult-api/pkg/messaging/redis"
	"github.com/jwalitptl/consult-api/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)
	appMetrics := metrics.NewMetrics("consult", "api")

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	broker, err := redis.NewRedisBroker(redis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, appLogger.Zerolog())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer broker.Close()

	// Repositories
	appointmentRepo := postgres.NewAppointmentRepository(db)
	chatRepo := postgres.NewChatMessageRepository(db)

	// Services
	registry := room.NewRegistry(appLogger, appMetrics)
	accessSvc := accessService.NewService(appointmentRepo)
	chatSvc := chatService.NewService(chatRepo, broker, registry, appLogger, appMetrics)

	jwtSvc := auth.NewJWTService(cfg.JWT.Secret, time.Duration(cfg.JWT.ExpiryHours)*time.Hour)
	authMiddleware := middleware.NewAuthMiddleware(jwtSvc)

	// Handlers
	h := handler.NewHandler(db, broker)
	consultH := consultHandler.NewHandler(accessSvc, chatSvc, registry, appointmentRepo, appLogger,
		time.Duration(cfg.Server.TimeoutSeconds)*time.Second)

	r := router.NewRouter(authMiddleware, consultH, h, router.RouterConfig{
		RateLimit:     100,
		RateBurst:     200,
		CORSConfig:    middleware.DefaultCORSConfig(),
		MetricsPrefix: "consult_api",
	})
	r.Setup()

	fanoutCtx, cancelFanout := context.WithCancel(context.Background())
	defer cancelFanout()
	if err := chatSvc.StartFanout(fanoutCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to start chat fan-out")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r.Engine(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")

	// Close open rooms first so connected participants get a clean
	// shutdown notification before the listener stops.
	registry.Shutdown("server shutting down")
	cancelFanout()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited properly")
}
