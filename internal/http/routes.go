package httpx

import (
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/armazem-sao-joaquim/backoffice/internal/observability/metrics"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Hub            *ClientHub
	Cookie         CookieConfig
	AllowedOrigins []string
	// LoginLimiter throttles POST /auth/login per remote address. Nil disables throttling.
	LoginLimiter *RateLimiter
	// Metrics serves the Prometheus endpoint at MetricsPath when set.
	Metrics     *metrics.Recorder
	MetricsPath string
	// Readiness backs GET /readyz.
	Readiness []ReadinessCheck
	Logger    *slog.Logger
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	authHandlers := &AuthHandlers{Hub: services.Hub, Cookie: services.Cookie, Logger: logger}
	eventHandlers := NewEventHandlers(services.Hub, services.AllowedOrigins, logger)

	registerAuthRoutes(mux, authHandlers, services.LoginLimiter)
	registerAdminRoutes(mux, authHandlers, services.Hub)
	mux.Handle("GET /auth/events", http.HandlerFunc(eventHandlers.Stream))
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("GET /readyz", readinessHandler(services.Readiness, logger))
	if services.Metrics != nil && services.MetricsPath != "" {
		mux.Handle("GET "+services.MetricsPath, services.Metrics.Handler())
	}

	clientAware := ClientIdentity(services.Cookie)(mux)
	return Recover(logger)(Logging(logger)(clientAware))
}

func registerAuthRoutes(mux *http.ServeMux, h *AuthHandlers, limiter *RateLimiter) {
	var login http.Handler = http.HandlerFunc(h.Login)
	if limiter != nil {
		login = limiter.Middleware()(login)
	}
	mux.Handle("POST /auth/login", login)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("POST /auth/admin/refresh", h.RefreshAdmin)
	mux.HandleFunc("POST /auth/extend", h.Extend)
	mux.HandleFunc("GET /auth/status", h.Status)
}

func registerAdminRoutes(mux *http.ServeMux, h *AuthHandlers, hub *ClientHub) {
	mux.Handle("GET /admin/ping", RequireAdmin(hub)(http.HandlerFunc(h.AdminPing)))
}

// NewLoginLimiter builds the login limiter from a per-second rate and burst.
func NewLoginLimiter(perSecond float64, burst int) *RateLimiter {
	return NewRateLimiter(rate.Limit(perSecond), burst)
}
