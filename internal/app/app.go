// Package app wires up and runs the service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"k8s.io/client-go/kubernetes"

	"github.com/skobkin/gpuavail/internal/aggregator"
	"github.com/skobkin/gpuavail/internal/availability"
	"github.com/skobkin/gpuavail/internal/capacity"
	"github.com/skobkin/gpuavail/internal/config"
	"github.com/skobkin/gpuavail/internal/httpserver"
	"github.com/skobkin/gpuavail/internal/hub"
	"github.com/skobkin/gpuavail/internal/inventory"
	"github.com/skobkin/gpuavail/internal/kube"
	"github.com/skobkin/gpuavail/internal/ratelimit"
	"github.com/skobkin/gpuavail/internal/tracing"
	"github.com/skobkin/gpuavail/internal/usage"
	"github.com/skobkin/gpuavail/internal/version"
	"github.com/skobkin/gpuavail/internal/watch"
)

const (
	shutdownTimeout      = 10 * time.Second
	limiterCleanupPeriod = time.Minute
	limiterIdleTimeout   = 10 * time.Minute
)

// Services are the collaborators built from configuration.
type Services struct {
	Aggregator *aggregator.Service
	Tracing    *tracing.Provider
}

// Close flushes pending spans.
func (s *Services) Close(ctx context.Context) error {
	return s.Tracing.Shutdown(ctx)
}

// Build connects to the cluster and assembles the aggregation pipeline.
func Build(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) (*Services, error) {
	provider, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "gpuavail",
		ServiceVersion: version.Current().Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enable,
	}, baseLogger.With("component", "tracing"))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	client, err := kube.NewClientset(kube.Options{
		Kubeconfig: cfg.Kube.Kubeconfig,
		Timeout:    cfg.Kube.Timeout,
		UserAgent:  version.UserAgent(),
	})
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}

	service, err := buildAggregator(ctx, baseLogger, cfg, client)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	return &Services{Aggregator: service, Tracing: provider}, nil
}

func buildAggregator(ctx context.Context, baseLogger *slog.Logger, cfg config.Config, client kubernetes.Interface) (*aggregator.Service, error) {
	labels := inventory.Labels{
		Product: cfg.GPU.ProductLabel,
		Memory:  cfg.GPU.MemoryLabel,
		Count:   cfg.GPU.CountLabel,
	}
	source := inventory.NewKubeSource(client, inventory.KubeOptions{
		Labels:  labels,
		Timeout: cfg.Kube.Timeout,
	})

	sessions, err := newSessionLister(ctx, baseLogger, cfg, client)
	if err != nil {
		return nil, err
	}

	return aggregator.New(source, sessions, capacity.FileSource{Path: cfg.CapacityFile}, aggregator.Options{
		Calculator: availability.Options{
			Labels:   labels,
			Resource: cfg.GPU.Resource,
		},
		Usage:       usage.Options{DefaultSite: cfg.Hub.DefaultSite},
		Concurrency: cfg.Kube.Concurrency,
		Window:      cfg.Cache.Window,
		MaxEntries:  cfg.Cache.MaxEntries,
	}, baseLogger.With("component", "aggregator"))
}

// newSessionLister returns nil when no hub is configured.
func newSessionLister(ctx context.Context, baseLogger *slog.Logger, cfg config.Config, client kubernetes.Interface) (aggregator.SessionLister, error) {
	logger := baseLogger.With("component", "hub")
	if !cfg.Hub.Enabled() {
		logger.Info("session ledger disabled; site usage is reported as zero")
		return nil, nil
	}

	token, err := hub.ResolveToken(ctx, client, hub.TokenOptions{
		Token:   cfg.Hub.APIToken,
		Secret:  cfg.Hub.TokenSecret,
		Key:     cfg.Hub.TokenSecretKey,
		Timeout: cfg.Kube.Timeout,
	})
	if err != nil {
		return nil, err
	}

	hubClient, err := hub.NewClient(hub.Options{
		BaseURL:  cfg.Hub.URL,
		Token:    token,
		Timeout:  cfg.Hub.Timeout,
		PageSize: cfg.Hub.PageSize,
		Keys: hub.OptionKeys{
			Site:     cfg.Hub.SiteOption,
			GPUModel: cfg.Hub.GPUModelOption,
			GPUCount: cfg.Hub.GPUCountOption,
		},
		UserAgent: version.UserAgent(),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("session ledger configured", "url", cfg.Hub.URL)
	return hubClient, nil
}

// Run bootstraps the service lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	services, err := Build(ctx, baseLogger, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := services.Close(closeCtx); err != nil {
			appLogger.Warn("tracing shutdown", "err", err)
		}
	}()

	return serve(ctx, baseLogger, cfg, services.Aggregator)
}

func serve(ctx context.Context, baseLogger *slog.Logger, cfg config.Config, agg *aggregator.Service) error {
	appLogger := baseLogger.With("component", "app")
	deps := httpserver.Deps{Aggregator: agg}

	var watcherErrCh chan error
	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()

	if cfg.Watch.Enable {
		manager, err := watch.NewManager(cfg.Watch.Interval, agg, baseLogger.With("component", "watch"))
		if err != nil {
			return fmt.Errorf("init watcher: %w", err)
		}
		deps.Watcher = manager
		watcherErrCh = make(chan error, 1)
		go func() {
			watcherErrCh <- manager.Run(watcherCtx)
		}()
	}

	if cfg.RateLimit.Enabled() {
		limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		deps.Limiter = limiter
		deps.KeyFunc = ratelimit.TrustedProxyKeyFunc(cfg.RateLimit.TrustedProxies)
		go cleanupLimiter(watcherCtx, limiter, baseLogger.With("component", "ratelimit"))
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), deps)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stopWatcher := func() error {
		watcherCancel()
		if watcherErrCh == nil {
			return nil
		}
		if err := <-watcherErrCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	for {
		select {
		case err := <-errCh:
			if err != nil {
				watcherCancel()
				return err
			}
			return stopWatcher()
		case err := <-watcherErrCh:
			watcherErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			if err := stopWatcher(); err != nil {
				return err
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

func cleanupLimiter(ctx context.Context, limiter *ratelimit.Limiter, logger *slog.Logger) {
	ticker := time.NewTicker(limiterCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := limiter.Cleanup(limiterIdleTimeout); removed > 0 {
				logger.Debug("forgot idle clients", "removed", removed, "tracked", limiter.Len())
			}
		}
	}
}
