package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/connexus/finchat/internal/authtoken"
	"github.com/connexus/finchat/internal/cacheclient"
	"github.com/connexus/finchat/internal/chatservice"
	"github.com/connexus/finchat/internal/config"
	"github.com/connexus/finchat/internal/convstore"
	"github.com/connexus/finchat/internal/embedding"
	"github.com/connexus/finchat/internal/handler"
	"github.com/connexus/finchat/internal/llmclient"
	"github.com/connexus/finchat/internal/middleware"
	"github.com/connexus/finchat/internal/repository"
	"github.com/connexus/finchat/internal/retriever"
	"github.com/connexus/finchat/internal/router"
	"github.com/connexus/finchat/internal/service"
	"github.com/connexus/finchat/internal/vectorstore"
	"github.com/connexus/finchat/internal/wsendpoint"
)

const Version = "0.2.0"

// app bundles every long-lived dependency main needs to tear down again on
// shutdown, mirroring repository.NewPool's "construct, ping, return" idiom
// across the whole dependency graph instead of just the DB pool.
type app struct {
	router    http.Handler
	persist   *chatservice.BackgroundExecutor
	pubsubCli *pubsub.Client
	subCancel context.CancelFunc
	subDone   chan struct{}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, fmt.Errorf("buildApp: %w", err)
	}

	redisClient, err := cacheclient.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("buildApp: redis: %w", err)
	}
	cache := cacheclient.NewRedisCache(redisClient)

	embedSvc := embedding.NewService(embedding.VertexAILoader(cfg.GCPProject, cfg.EmbeddingLocation, cfg.EmbeddingModel))

	store := vectorstore.NewPostgresStore(pool)
	rag := retriever.New(embedSvc, store, cache, cfg.RAGMaxCtxChars, cfg.EmbeddingCacheTTL)

	llmBackend, err := llmclient.NewVertexAIBackend(ctx, cfg.GCPProject, cfg.VertexAILocation, cfg.VertexAIModel)
	if err != nil {
		return nil, fmt.Errorf("buildApp: llm backend: %w", err)
	}
	llm := llmclient.New(llmBackend, cache, cfg.TokenBudgetIn, cfg.ResponseCacheTTL)

	// Cross-instance cache invalidation (spec §12 supplemented feature) is
	// best-effort: a misconfigured or absent pubsub topic must never block
	// startup, since HistoryTTL alone already bounds staleness. Each replica
	// gets its own ephemeral subscription on the shared topic so every
	// replica — not just one, as a single shared subscription would
	// load-balance across consumers — observes every invalidation.
	var invalidator *convstore.Invalidator
	var subscriber *convstore.Subscriber
	pubsubCli, err := pubsub.NewClient(ctx, cfg.GCPProject)
	if err != nil {
		slog.Warn("main: pubsub client unavailable, cache invalidation disabled", "error", err)
	} else {
		topic := pubsubCli.Topic("chat-session-invalidation")
		invalidator = convstore.NewInvalidator(topic)

		subID := "chat-session-invalidation-" + uuid.New().String()
		sub, err := pubsubCli.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
			Topic:            topic,
			ExpirationPolicy: 24 * time.Hour,
		})
		if err != nil {
			slog.Warn("main: pubsub subscription unavailable, cache invalidation consumer disabled", "error", err)
		} else {
			subscriber = convstore.NewSubscriber(sub, cache)
		}
	}

	conv := convstore.NewPostgresStore(pool, invalidator)
	profiles := chatservice.NewPostgresProfileSource(pool)

	persist := chatservice.NewBackgroundExecutor(chatservice.DefaultWorkers, chatservice.DefaultQueueSize, chatservice.DefaultTaskTimeout)

	chatSvc := chatservice.New(conv, cache, rag, llm, profiles, persist, chatservice.Config{
		MessageMaxChars: cfg.MessageMaxChars,
		HistoryN:        cfg.HistoryN,
		RAGTopK:         cfg.RAGTopK,
		RAGThreshold:    cfg.RAGThreshold,
		PrefetchTimeout: cfg.PrefetchTimeout,
	})

	firebaseApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.FirebaseProjectID})
	if err != nil {
		return nil, fmt.Errorf("buildApp: firebase app: %w", err)
	}
	firebaseAuth, err := firebaseApp.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("buildApp: firebase auth client: %w", err)
	}
	authSvc := service.NewAuthService(firebaseAuth)
	verifier := authtoken.NewFirebaseVerifier(authSvc)

	stream := wsendpoint.New(chatSvc, verifier, cache, profiles, wsendpoint.Config{
		AuthTimeout:        cfg.AuthTimeout,
		ChatLimitPerMinute: cfg.ChatLimitPerMinute,
		MaxConnPerUser:     cfg.MaxConnPerUser,
	})

	metricsReg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(metricsReg)

	generalLimiter := middleware.NewRateLimiter(cache, middleware.RateLimiterConfig{
		MaxRequests: 120,
		Window:      time.Minute,
		KeyPrefix:   "ratelimit:general",
	})
	chatLimiter := middleware.NewRateLimiter(cache, middleware.RateLimiterConfig{
		MaxRequests: cfg.ChatLimitPerMinute,
		Window:      time.Minute,
		KeyPrefix:   "ratelimit:chat",
	})

	r := router.New(&router.Dependencies{
		DB:          pool,
		AuthService: authSvc,
		FrontendURL: cfg.FrontendURL,
		Version:     Version,
		Metrics:     metrics,
		MetricsReg:  metricsReg,

		InternalAuthSecret: cfg.InternalAuthSecret,

		ChatDeps: handler.ChatDeps{Chat: chatSvc, Conv: conv},
		Stream:   stream,

		Cache:     cache,
		LLMHealth: llm,

		GeneralRateLimiter: generalLimiter,
		ChatRateLimiter:    chatLimiter,
	})

	a := &app{router: r, persist: persist, pubsubCli: pubsubCli}
	if subscriber != nil {
		subCtx, subCancel := context.WithCancel(context.Background())
		a.subCancel = subCancel
		a.subDone = make(chan struct{})
		go func() {
			defer close(a.subDone)
			if err := subscriber.Run(subCtx); err != nil && subCtx.Err() == nil {
				slog.Error("main: cache invalidation subscriber stopped", "error", err)
			}
		}()
	}
	return a, nil
}

func getPort() string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return "8080"
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	srv := &http.Server{
		Addr:         ":" + getPort(),
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // chat streaming routes hold the connection open; per-route timeouts are applied in router.New.
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("finchat-backend v%s starting on %s", Version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down gracefully", sig)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	// Drain in-flight background persistence after the last HTTP response
	// has gone out, rather than racing it against srv.Shutdown.
	if err := a.persist.Shutdown(shutdownCtx); err != nil {
		log.Printf("background executor shutdown: %v", err)
	}
	if a.subCancel != nil {
		a.subCancel()
		select {
		case <-a.subDone:
		case <-shutdownCtx.Done():
		}
	}
	if a.pubsubCli != nil {
		a.pubsubCli.Close()
	}

	log.Println("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
