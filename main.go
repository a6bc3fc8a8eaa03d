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

	"ms-momo/internal/auth"
	"ms-momo/internal/config"
	"ms-momo/internal/correlator"
	"ms-momo/internal/database/migrations"
	"ms-momo/internal/gateway"
	"ms-momo/internal/kafka"
	"ms-momo/internal/logger"
	"ms-momo/internal/metrics"
	"ms-momo/internal/payment"
	handlers "ms-momo/internal/payment/handler"
	"ms-momo/internal/payment/storage"
	"ms-momo/internal/sse"
	"ms-momo/internal/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()

	log := logger.New(logger.Options{
		Dir:      "logs",
		Service:  "momo-gateway",
		MinLevel: logger.ParseLevel(cfg.LogLevel),
		Console:  os.Stdout,
	})
	defer log.Close()

	log.Info("APP", "Starting mobile money gateway")
	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", fmt.Sprintf("Invalid configuration: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB, err := storage.OpenPostgres(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	store := storage.NewBunStore(bunDB, log)
	defer store.Close()

	if cfg.Database.AutoMigrate {
		runner := migrations.NewRunner(bunDB, log)
		if err := runner.MigrateUp(); err != nil {
			log.Fatal("MIGRATION", fmt.Sprintf("Failed to run migrations: %v", err))
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = auth.ConnectRedis(ctx, cfg.Redis.Addr, log)
		if err != nil {
			log.Fatal("REDIS", fmt.Sprintf("Redis enabled but unreachable: %v", err))
		}
		defer redisClient.Close()
	}

	// gateway client and token manager depend on each other: the client
	// authenticates for the manager and asks the manager for bearer tokens
	client := gateway.NewClient(cfg.Gateway, log, gateway.WithMetrics(m))
	managerOpts := []auth.Option{auth.WithMetrics(m), auth.WithRefreshTimeout(cfg.Gateway.RefreshTimeout)}
	if redisClient != nil {
		managerOpts = append(managerOpts, auth.WithStore(auth.NewRedisTokenStore(redisClient)))
	}
	tokens := auth.NewTokenManager(client, log, managerOpts...)
	client.SetTokenSource(tokens)

	hub := sse.NewHub()
	var notifier correlator.Notifier = hub
	var registry correlator.Registry = correlator.NewMemoryRegistry()
	if redisClient != nil {
		relay := sse.NewRelay(redisClient, hub, log)
		ready := make(chan struct{})
		go func() {
			if err := relay.Run(ctx, ready); err != nil {
				log.Error("SSE", fmt.Sprintf("Event relay stopped: %v", err))
			}
		}()
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			log.Warn("SSE", "Event relay not subscribed yet, continuing")
		}
		notifier = relay
		registry = correlator.NewRedisRegistry(redisClient, cfg.Redis.RegistrationTTL)
	}
	corr := correlator.New(store, registry, notifier, log, m)

	serviceOpts := []payment.Option{payment.WithMetrics(m), payment.WithMinAmount(cfg.Gateway.MinAmount)}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()

		topics := []string{cfg.Kafka.Topics.PaymentSuccessful, cfg.Kafka.Topics.PaymentFailed}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		serviceOpts = append(serviceOpts, payment.WithPublisher(producer, cfg.Kafka.Topics))
	}

	verifier := webhook.NewVerifier(cfg.Gateway.Credentials.WebhookSecret)
	service := payment.NewService(store, client, verifier, corr, log, serviceOpts...)
	handler := handlers.NewHandler(service, hub, log, cfg.Gateway.SignatureHeader)

	var protect func(http.Handler) http.Handler
	if cfg.Auth.OIDCIssuer != "" {
		verify, err := auth.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer)
		if err != nil {
			log.Fatal("AUTH", fmt.Sprintf("Failed to set up OIDC verification: %v", err))
		}
		protect = auth.Middleware(verify, log)
		log.Info("AUTH", "OIDC middleware applied to payment routes")
	} else {
		log.Warn("AUTH", "OIDC_ISSUER not set, payment routes are unauthenticated")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	handler.RegisterRoutes(r, protect)
	log.Info("ROUTER", "Payment routes registered under /api/payments, webhook at /api/webhooks/paypack")

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Gateway service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server shutdown failed: %v", err))
	} else {
		log.Info("HTTP", "Gateway service shutdown complete")
	}
}
