package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"gatekeeper/internal/api"
	"gatekeeper/internal/config"
	"gatekeeper/internal/load"
	"gatekeeper/internal/logger"
	"gatekeeper/internal/models"
	"gatekeeper/internal/observability"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/storage"
	"gatekeeper/internal/version"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	breakerCooldown = 30 * time.Second
)

var (
	configFile  = flag.String("config", "", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Print version information and exit")
	writeConfig = flag.String("write-example-config", "", "Write an example configuration file to the given path and exit")
)

func main() {
	flag.Parse()

	info := version.GetInfo()
	if *showVersion {
		fmt.Println(info.String())
		return
	}
	if *writeConfig != "" {
		if err := config.SaveExample(*writeConfig); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(info); err != nil {
		slog.Error("Gatekeeper stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(info version.Info) error {
	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, cfg.Observability.ServiceName, info)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, info)
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	// Initialize ban storage
	banStore, err := initializeStorage(cfg, otelProvider)
	if err != nil {
		return err
	}
	defer banStore.Close()

	// The limiter is created after its metrics, so the gauges read it late.
	var limiter *ratelimit.Limiter
	limiterMetrics, err := observability.NewLimiterMetrics(otelProvider.Meter(),
		observability.StatsFunc(func() models.Stats {
			if limiter == nil {
				return models.Stats{}
			}
			return limiter.Stats()
		}))
	if err != nil {
		return fmt.Errorf("failed to create limiter metrics: %w", err)
	}
	defer limiterMetrics.Close()

	limiterOpts := []ratelimit.Option{
		ratelimit.WithLogger(log),
		ratelimit.WithRecorder(limiterMetrics),
		ratelimit.WithBanStore(banStore, cfg.Storage.Timeout),
	}
	if sampler := newLoadSampler(cfg.RateLimit.Adaptive, log); sampler != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithSampler(sampler))
	}

	limiter, err = ratelimit.New(cfg.RateLimit, limiterOpts...)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	defer limiter.Close()

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 30*time.Second)
	restored, err := limiter.Restore(restoreCtx)
	cancelRestore()
	if err != nil {
		// Start with empty lists rather than refusing to serve
		slog.Error("Failed to restore persisted bans", "error", err)
	} else {
		slog.Info("Restored persisted bans", "count", restored)
	}

	// Setup routes with middleware
	handlers := api.NewHandlers(limiter, info)
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	if cfg.RateLimit.Enabled {
		proxies, err := cfg.Server.TrustedProxyPrefixes()
		if err != nil {
			return fmt.Errorf("invalid trusted proxies: %w", err)
		}
		routeOpts = append(routeOpts, api.WithRateLimiter(
			ratelimit.Middleware(limiter, cfg.RateLimit.Headers.Enabled, ratelimit.WithTrustedProxies(proxies))))
	}
	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ratelimit.NewSweeper(limiter, cfg.RateLimit.Sweep).Run(gctx)
	})

	g.Go(func() error {
		slog.Info("Starting server", "addr", server.Addr, "tls", cfg.Server.TLSEnabled)
		var err error
		if cfg.Server.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("Metrics server forced to shutdown", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}

// initializeStorage creates the configured ban store and wraps it with
// instrumentation when metrics or tracing are enabled.
func initializeStorage(cfg *models.Config, provider *observability.Provider) (storage.BanStore, error) {
	store, err := storage.NewFactory().Create(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if !cfg.Metrics.Enabled && !cfg.Observability.Tracing.Enabled {
		return store, nil
	}

	instrumented, err := observability.NewInstrumentedBanStore(store, provider.Meter())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create instrumented storage: %w", err)
	}
	return instrumented, nil
}

// newLoadSampler returns nil when adaptive throttling is off.
func newLoadSampler(cfg models.AdaptiveConfig, log *slog.Logger) load.Sampler {
	if !cfg.Enabled {
		return nil
	}

	var sampler load.Sampler
	switch cfg.Source {
	case models.LoadSourceStatic:
		sampler = load.Static(cfg.StaticLoad)
	default:
		sampler = load.NewSystemSampler()
	}
	return load.NewBreakerSampler(sampler, breakerCooldown, log)
}
