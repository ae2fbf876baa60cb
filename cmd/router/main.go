package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/bons-ai/router/config"
	"github.com/bons-ai/router/internal/billing"
	"github.com/bons-ai/router/internal/provider"
	"github.com/bons-ai/router/internal/provider/googleai"
	"github.com/bons-ai/router/internal/provider/openrouter"
	"github.com/bons-ai/router/internal/provider/vertex"
	"github.com/bons-ai/router/internal/proxy"
	"github.com/bons-ai/router/internal/quota"
	"github.com/bons-ai/router/internal/routing"
	"github.com/bons-ai/router/internal/telemetry"
	"github.com/bons-ai/router/internal/variant"
	"github.com/bons-ai/router/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("bons-ai-router", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL (optional; falls back to in-memory usage logs)
	ctx := context.Background()
	var billingStore billing.Store
	if cfg.PostgresDSN != "" {
		dbpool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer dbpool.Close()

		if err := dbpool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected")
		billingStore = billing.NewPostgresStore(dbpool)
	} else {
		log.Println("POSTGRES_DSN not set, using in-memory usage store")
		billingStore = billing.NewMemoryStore()
	}

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 6. Build quota ledgers
	now := time.Now()
	accounts := make([]*quota.Account, 0, len(cfg.GoogleAIKeys))
	googleClients := make(map[string]provider.Client, len(cfg.GoogleAIKeys))
	for i, key := range cfg.GoogleAIKeys {
		id := fmt.Sprintf("google-%d", i+1)
		accounts = append(accounts, &quota.Account{
			ID:         id,
			Name:       id,
			KeyRef:     fmt.Sprintf("GOOGLE_AI_API_KEYS[%d]", i),
			DailyQuota: cfg.GoogleAIDailyQuota,
			LastReset:  now,
			Active:     true,
		})
		googleClients[id] = googleai.New(key, cfg.ProviderTimeout)
	}
	pool := quota.NewAccountPool(accounts)
	credits := quota.NewCreditBalance(cfg.VertexTotalCredits)
	budget := quota.NewBudget(cfg.OpenRouterDailyUSD, cfg.OpenRouterMonthlyUSD)

	// 7. Init providers
	set := routing.ProviderSet{
		Google:     googleClients,
		Vertex:     vertex.New(cfg.VertexAPIKey, cfg.VertexProjectID, cfg.ProviderTimeout),
		OpenRouter: openrouter.New(cfg.OpenRouterAPIKey, cfg.ProviderTimeout),
	}

	// 8. Init routing engine
	engine := routing.NewEngine(routing.DefaultModels(now), pool, credits, budget)
	tracer := otel.GetTracerProvider().Tracer("bons-ai-router")
	router := routing.NewEnhanced(engine, variant.NewCatalog(), set, pool, credits, budget, tracer)

	// 9. Init handler
	handler := proxy.NewHandler(router, billingStore, limiter, tracer)

	// 10. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"bons-ai-router"}`))
	})

	r.Post("/v1/route", handler.HandleRoute)
	r.Post("/v1/route/stream", handler.HandleRouteStream)
	r.Post("/v1/route/collaborate", handler.HandleCollaborate)
	r.Get("/v1/status", handler.HandleStatus)
	r.Get("/v1/analytics", handler.HandleAnalytics)
	r.Get("/v1/usage", handler.HandleUsage)
	r.Post("/admin/brake", handler.HandleBrake)
	r.Delete("/admin/brake", handler.HandleReleaseBrake)

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Bons-AI router starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
