package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mindshift-labs/voice-capture/internal/config"
	"github.com/mindshift-labs/voice-capture/internal/gateway"
	"github.com/mindshift-labs/voice-capture/internal/observability"
	"github.com/mindshift-labs/voice-capture/internal/resilience"
	"github.com/mindshift-labs/voice-capture/internal/stt"
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
		Str("stt_url", cfg.STTServiceURL).
		Str("stt_model", cfg.STTModelSize).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Capture Service starting")

	// Shared Whisper client and circuit breaker for all sessions
	client := stt.NewWhisperClient(cfg)
	breaker := resilience.NewCircuitBreaker("stt",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		if state == resilience.StateOpen {
			observability.IncrementCircuitBreakerFailures(name)
		}
		logger.Warn().
			Str("breaker", name).
			Str("state", state.String()).
			Msg("Circuit breaker state changed")
	})

	// Probe the STT service at startup. Failure is logged but not fatal:
	// the service may come up after us and the breaker covers the gap.
	probeSTTService(cfg, client, logger)

	mux := http.NewServeMux()

	// Client capture stream endpoint
	mux.HandleFunc("/streams/capture", gateway.Handler(cfg, client, breaker))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness depends on the Whisper service answering its health check
	mux.HandleFunc("/ready", observability.ReadinessHandler(client.HealthCheck))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/capture", cfg.Port)).
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// probeSTTService waits for the Whisper service to answer its health check,
// retrying with backoff. A failed probe is non-fatal.
func probeSTTService(cfg *config.Config, client *stt.WhisperClient, logger zerolog.Logger) {
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       cfg.StartupProbeAttempts,
		InitialBackoff:    time.Duration(cfg.StartupProbeBackoffMs) * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := resilience.Retry(ctx, func() error {
		probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
		defer probeCancel()

		healthy, err := client.HealthCheck(probeCtx)
		if err != nil {
			return err
		}
		if !healthy {
			return fmt.Errorf("stt service reported unhealthy")
		}
		return nil
	}, retryCfg, nil)

	if err != nil {
		logger.Warn().
			Err(err).
			Str("stt_url", cfg.STTServiceURL).
			Msg("STT service not reachable at startup, continuing anyway")
		return
	}

	logger.Info().Str("stt_url", cfg.STTServiceURL).Msg("STT service is healthy")
}
