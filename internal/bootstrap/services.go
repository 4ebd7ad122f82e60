package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/armazem-sao-joaquim/backoffice/config"
	"github.com/armazem-sao-joaquim/backoffice/internal/adapters/reaper"
	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	httpx "github.com/armazem-sao-joaquim/backoffice/internal/http"
	"github.com/armazem-sao-joaquim/backoffice/internal/observability/metrics"
)

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second

	// hubSweepInterval is how often idle clients and login limiters are pruned.
	hubSweepInterval = time.Minute
)

// shutdownSignals lists the signals that trigger a graceful stop.
var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config  *config.AppConfig
	DB      *sql.DB
	Auth    *AuthComponents
	Metrics *metrics.Recorder
	Clock   core.TimeProvider
	Logger  *slog.Logger
}

// backgroundService describes a startable component. start blocks until ctx is done.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// buildBackgroundServices returns the components for every enabled service mode.
func buildBackgroundServices(cfg *ServiceOrchestrationConfig) ([]backgroundService, error) {
	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return nil, fmt.Errorf("determine enabled services: %w", err)
	}

	var services []backgroundService
	if enabled[config.ServiceModeHTTP] {
		httpServices, err := newHTTPBackgroundServices(cfg)
		if err != nil {
			return nil, err
		}
		services = append(services, httpServices...)
	}
	if enabled[config.ServiceModeReaper] {
		svc, err := newReaperBackgroundService(cfg)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, nil
}

func newHTTPBackgroundServices(cfg *ServiceOrchestrationConfig) ([]backgroundService, error) {
	if cfg.Auth == nil || cfg.Auth.Runtime == nil {
		return nil, errors.New("http service requires the auth runtime")
	}
	components, err := BuildHTTPServer(&HTTPServerConfig{
		Config:    cfg.Config,
		Runtime:   cfg.Auth.Runtime,
		Metrics:   cfg.Metrics,
		Readiness: readinessChecks(cfg),
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	idle := cfg.Config.Auth.ClientIdleTimeout

	return []backgroundService{
		{
			mode: config.ServiceModeHTTP,
			name: "http server",
			start: func(ctx context.Context) error {
				return ServeHTTP(ctx, components.Server, cfg.Config.HTTP.ShutdownTimeout, cfg.Logger)
			},
		},
		{
			mode: config.ServiceModeHTTP,
			name: "client hub",
			start: func(ctx context.Context) error {
				return components.Hub.Run(ctx, hubSweepInterval)
			},
		},
		{
			mode: config.ServiceModeHTTP,
			name: "login limiter pruner",
			start: func(ctx context.Context) error {
				ticker := time.NewTicker(hubSweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						components.Limiter.Prune(idle)
					}
				}
			},
		},
	}, nil
}

// readinessChecks checks Postgres and, when shared, the Redis cache backend.
func readinessChecks(cfg *ServiceOrchestrationConfig) []httpx.ReadinessCheck {
	var checks []httpx.ReadinessCheck
	if cfg.DB != nil {
		checks = append(checks, httpx.ReadinessCheck{Name: "postgres", Check: cfg.DB.PingContext})
	}
	if cfg.Auth != nil && cfg.Auth.CacheRepo != nil {
		checks = append(checks, httpx.ReadinessCheck{Name: "redis", Check: cfg.Auth.CacheRepo.Health})
	}
	return checks
}

func newReaperBackgroundService(cfg *ServiceOrchestrationConfig) (backgroundService, error) {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config.Reaper,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
		Clock:   cfg.Clock,
	})
	if err != nil {
		return backgroundService{}, fmt.Errorf("build reaper: %w", err)
	}
	return backgroundService{
		mode:  config.ServiceModeReaper,
		name:  "reaper",
		start: runner.Run,
	}, nil
}

// RunServices starts every service and blocks until ctx is done or one of them fails.
// A failing service cancels the others.
func RunServices(ctx context.Context, services []backgroundService, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error {
			logger.InfoContext(gctx, "background service started", "service", svc.name, "mode", svc.mode)
			err := svc.start(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorContext(gctx, "service error", "service", svc.name, "error", err)
				return fmt.Errorf("%s failed: %w", svc.name, err)
			}
			logger.InfoContext(gctx, svc.name+" stopped")
			return nil
		})
	}
	return g.Wait()
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	services, err := buildBackgroundServices(cfg)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		return errors.New("no services enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	go func() {
		<-ctx.Done()
		cfg.Logger.Info("shutting down services...")
	}()

	return RunServices(ctx, services, cfg.Logger)
}
