// The scraper binary runs the stateless worker plane: headless browser
// attempts driven entirely by the request queue.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fetchpipe/fetchpipe/internal/config"
	"github.com/fetchpipe/fetchpipe/internal/observability"
	"github.com/fetchpipe/fetchpipe/internal/queue"
	"github.com/fetchpipe/fetchpipe/internal/scraper"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(cfg)
	initSentry(cfg)
	defer sentry.Flush(2 * time.Second)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metricsSrv *http.Server
	if cfg.ObservabilityEnabled {
		obsProviders, err := observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    "fetchpipe-scraper",
			Environment:    cfg.Env,
			OTLPEndpoint:   strings.TrimSpace(cfg.OTLPEndpoint),
			OTLPHeaders:    config.ParseOTLPHeaders(cfg.OTLPHeaders),
			OTLPInsecure:   cfg.OTLPInsecure,
			MetricsAddress: cfg.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else if obsProviders != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && cfg.MetricsAddr != "" {
				metricsSrv = &http.Server{
					Addr:              cfg.MetricsAddr,
					Handler:           obsProviders.MetricsHandler,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	// Connect to RabbitMQ and declare the pipeline topology
	bus, err := queue.Connect(cfg.RabbitMQURL)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer bus.Close()

	// Launch the shared headless browser
	browser, err := scraper.NewChromeBrowser(ctx, cfg)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to start headless browser")
	}
	defer browser.Close()

	worker := scraper.NewWorker(browser, bus, cfg)

	log.Info().
		Int("concurrency", cfg.ConcurrentScrapers).
		Dur("navigation_timeout", cfg.NavigationTimeout).
		Str("wait_strategy", cfg.WaitStrategy).
		Msg("Scraper ready")

	if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Worker stopped with error")
	}

	log.Info().Msg("Scraper stopped")
}

// initSentry configures error tracking when a DSN is present.
func initSentry(cfg *config.App) {
	if cfg.SentryDSN == "" {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
		return
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Env,
		TracesSampleRate: func() float64 {
			if cfg.Env == "production" {
				return 0.1 // 10% sampling in production
			}
			return 1.0 // 100% sampling in development
		}(),
		AttachStacktrace: true,
		Debug:            cfg.Env == "development",
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise Sentry")
		return
	}

	log.Info().Str("environment", cfg.Env).Msg("Sentry initialised successfully")
}

// setupLogging configures the logging system
func setupLogging(cfg *config.App) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "fetchpipe-scraper").
			Logger()
	}
}
