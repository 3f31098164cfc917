package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/api"
	"github.com/lalith-99/chatrelay/internal/assistant"
	"github.com/lalith-99/chatrelay/internal/config"
	"github.com/lalith-99/chatrelay/internal/db"
	"github.com/lalith-99/chatrelay/internal/middleware"
	"github.com/lalith-99/chatrelay/internal/observ"
	"github.com/lalith-99/chatrelay/internal/presence"
	"github.com/lalith-99/chatrelay/internal/pubsub"
	"github.com/lalith-99/chatrelay/internal/relay"
	"github.com/lalith-99/chatrelay/internal/repository/postgres"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the process bottom-up: collaborators first (Postgres, Redis,
// backbone), then the core (hub, presence, router, dispatcher), then the
// HTTP surface. Any collaborator unreachable at startup aborts with a
// non-zero exit — better a crash loop the orchestrator can see than a
// half-alive relay.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// Startup has no deadline: take as long as needed to connect.
	ctx := context.Background()

	database, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	// Redis is dialed unconditionally: even with the NATS backbone, the
	// shared presence set lives in a Redis hash.
	redisClient, err := pubsub.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisClient.Close()

	var bus pubsub.Backbone
	switch cfg.PubSubDriver {
	case "nats":
		bus, err = pubsub.NewNatsBackbone(cfg.NatsURL, logger)
		if err != nil {
			return fmt.Errorf("connect backbone: %w", err)
		}
	case "redis":
		bus = pubsub.NewRedisBackbone(redisClient, logger)
	default:
		return fmt.Errorf("unknown pubsub driver %q", cfg.PubSubDriver)
	}

	pool := database.Pool()
	userRepo := postgres.NewUserStore(pool)
	convRepo := postgres.NewConversationStore(pool)
	participantRepo := postgres.NewParticipantStore(pool)
	messageRepo := postgres.NewMessageStore(pool)
	assistantRepo := postgres.NewAssistantStore(pool)

	tracker := presence.NewTracker(redisClient, bus, logger)
	hub := relay.NewHub(logger)
	router := relay.NewRouter(hub, userRepo, convRepo, messageRepo, tracker, bus, cfg.JWTSecret, logger)

	// Backbone subscriptions are per process lifetime; a failure here
	// means this instance would silently miss every cross-instance event.
	if err := router.Start(ctx); err != nil {
		return fmt.Errorf("subscribe backbone: %w", err)
	}

	backend := assistant.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel, logger)
	dispatcher := assistant.NewDispatcher(assistantRepo, backend, cfg.AssistantConcurrency, logger)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	authHandler := api.NewAuthHandler(userRepo, cfg.JWTSecret, logger)
	userHandler := api.NewUserHandler(userRepo, logger)
	convHandler := api.NewConversationHandler(convRepo, participantRepo, messageRepo, logger)
	assistantHandler := api.NewAssistantHandler(dispatcher, logger)
	healthHandler := api.NewHealthHandler(database, hub)
	wsHandler := api.NewWSHandler(router, logger)

	engine.GET("/v1/health", healthHandler.Check)
	engine.POST("/v1/auth/signup", authHandler.Signup)
	engine.POST("/v1/auth/login", authHandler.Login)
	engine.GET("/ws", wsHandler.Serve)

	v1 := engine.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	v1.GET("/users/me", userHandler.GetMe)
	v1.GET("/users", userHandler.List)
	v1.GET("/conversations", convHandler.List)
	v1.POST("/conversations", convHandler.CreateGroup)
	v1.GET("/conversations/:id", convHandler.Get)
	v1.POST("/conversations/:id/participants", convHandler.AddParticipant)
	v1.DELETE("/conversations/:id/participants/me", convHandler.RemoveParticipant)
	v1.GET("/conversations/:id/messages", convHandler.ListMessages)
	v1.POST("/assistant/messages", assistantHandler.Ask)
	v1.GET("/assistant/status", assistantHandler.Status)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	go func() {
		logger.Info("starting chatrelay",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("pubsub_driver", cfg.PubSubDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Teardown order: stop accepting HTTP first, then drain the backbone
	// so no event arrives for a hub that is going away. The deferred
	// closes above handle Redis and Postgres last.
	wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, map[string]gfshutdown.Operation{
		"http-server": func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
		"backbone": func(ctx context.Context) error {
			return bus.Close()
		},
	})

	exitCode := <-wait
	logger.Info("chatrelay stopped", zap.Int("exit_code", exitCode))
	return nil
}
