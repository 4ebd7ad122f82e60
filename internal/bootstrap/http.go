package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/armazem-sao-joaquim/backoffice/config"
	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	httpx "github.com/armazem-sao-joaquim/backoffice/internal/http"
	"github.com/armazem-sao-joaquim/backoffice/internal/observability/metrics"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config  *config.AppConfig
	Runtime httpx.OrchestratorFactory
	Metrics *metrics.Recorder
	// Readiness backs GET /readyz.
	Readiness []httpx.ReadinessCheck
	Clock     core.TimeProvider
	Logger    *slog.Logger
}

// HTTPComponents is the HTTP surface plus the background loops it depends on.
type HTTPComponents struct {
	Server  *http.Server
	Hub     *httpx.ClientHub
	Limiter *httpx.RateLimiter
}

// BuildHTTPServer wires the client hub, login limiter and router into an http.Server.
// The server is not started.
func BuildHTTPServer(cfg *HTTPServerConfig) (*HTTPComponents, error) {
	if cfg == nil || cfg.Config == nil {
		return nil, errors.New("http server config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appCfg := cfg.Config

	hub, err := httpx.NewClientHub(httpx.ClientHubOptions{
		Factory:     cfg.Runtime,
		IdleTimeout: appCfg.Auth.ClientIdleTimeout,
		Clock:       cfg.Clock,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build client hub: %w", err)
	}

	limiter := httpx.NewLoginLimiter(appCfg.Auth.LoginRate, appCfg.Auth.LoginBurst)

	var rec *metrics.Recorder
	metricsPath := ""
	if appCfg.Observability.Metrics.IsEnabled() {
		rec = cfg.Metrics
		metricsPath = appCfg.Observability.Metrics.Path
	}

	handler := httpx.NewRouter(httpx.RouterServices{
		Hub: hub,
		Cookie: httpx.CookieConfig{
			Domain: appCfg.HTTP.CookieDomain,
			Secure: appCfg.HTTP.CookieSecure,
		},
		AllowedOrigins: appCfg.HTTP.AllowedOrigins,
		LoginLimiter:   limiter,
		Metrics:        rec,
		MetricsPath:    metricsPath,
		Readiness:      cfg.Readiness,
		Logger:         logger,
	})

	return &HTTPComponents{
		Server:  newServer(handler, appCfg.HTTP),
		Hub:     hub,
		Limiter: limiter,
	}, nil
}

func newServer(handler http.Handler, cfg config.HTTPConfig) *http.Server {
	addr := cfg.Addr
	// Guard against empty addr to avoid listening on Go default
	if addr == "" {
		addr = ":8080"
	}
	// WriteTimeout stays zero so /auth/events websockets are not cut off.
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// ServeHTTP listens on the server's address until ctx is done, then shuts the
// server down within timeout.
func ServeHTTP(ctx context.Context, server *http.Server, timeout time.Duration, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", server.Addr, err)
	}
	return serveListener(ctx, server, lis, timeout, logger)
}

func serveListener(
	ctx context.Context,
	server *http.Server,
	lis net.Listener,
	timeout time.Duration,
	logger *slog.Logger,
) error {
	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "starting HTTP server", "addr", lis.Addr().String())
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.InfoContext(ctx, "shutting down HTTP server")
	if timeout <= 0 {
		timeout = shutdownWaitTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.InfoContext(ctx, "HTTP server stopped")
	return nil
}
