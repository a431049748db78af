package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxops/call-reconciler/internal/backend"
	"github.com/voxops/call-reconciler/internal/config"
	"github.com/voxops/call-reconciler/internal/events"
	"github.com/voxops/call-reconciler/internal/httpapi"
	"github.com/voxops/call-reconciler/internal/observability"
	"github.com/voxops/call-reconciler/internal/resilience"
	"github.com/voxops/call-reconciler/internal/session"
	"github.com/voxops/call-reconciler/internal/transport"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("backend_url", cfg.BackendURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Call Reconciler Service starting")

	// Backend call-record store client
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
	backendClient := backend.NewClient(cfg.BackendURL, cfg.BackendRequestTimeout(), retryCfg)

	// Transcript mirror (disabled without brokers)
	var brokers []string
	if cfg.KafkaBrokers != "" {
		brokers = strings.Split(cfg.KafkaBrokers, ",")
	}
	mirror := events.New(&events.Config{
		Brokers:      brokers,
		TopicPartial: cfg.KafkaTopicPartial,
		TopicFinal:   cfg.KafkaTopicFinal,
	})
	defer mirror.Close()

	// Session lifecycle controller
	registry := session.NewRegistry()
	controller := session.NewController(cfg, backendClient, transport.NewWSDialer(), registry)
	controller.AddSubscriberFactory(mirror.SubscriberFor)

	// Create HTTP server
	mux := http.NewServeMux()

	// Session API for the dashboard UI
	httpapi.NewHandlers(controller, registry).Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	backendCheck := func(ctx context.Context) (bool, error) {
		return backendClient.Ping(ctx)
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(
		observability.NamedCheck{Name: "backend", Check: backendCheck},
	))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Stop accepting sessions and finalize the live ones before the
	// listener closes, so every in-flight call gets its record synced.
	registry.StartDraining()
	registry.Wait()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
