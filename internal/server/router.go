package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/savesync/savesync/internal/handler"
	"github.com/savesync/savesync/internal/metrics"
	"github.com/savesync/savesync/internal/middleware"
)

// multipartOverhead is the slack allowed on top of the bundle size for
// multipart boundaries and part headers.
const multipartOverhead = 64 << 10

// RouterDeps are the collaborators the HTTP router needs. Health checkers
// that are not configured must be left nil.
type RouterDeps struct {
	Logger   *slog.Logger
	Identity interface {
		handler.Registrar
		middleware.KeyValidator
	}
	Bundles handler.Bundles
	Limiter middleware.RateLimiter // nil disables rate limiting
	Metrics metrics.Snapshotter

	DB    handler.HealthChecker
	Cache handler.HealthChecker
	Blobs handler.HealthChecker

	IsDevelopment      bool
	AuthMinDuration    time.Duration
	MaxRequestBodySize int64
	RateLimit          middleware.RateLimitConfig
}

// NewRouter builds the chi router with every route and middleware.
func NewRouter(d RouterDeps) http.Handler {
	identityHandler := handler.NewIdentityHandler(d.Identity, d.Logger)
	bundleHandler := handler.NewBundleHandler(d.Bundles, d.Logger)
	healthHandler := handler.NewHealthHandler(d.DB, d.Cache, d.Blobs)
	metricsHandler := handler.NewMetricsHandler(d.Metrics)

	rl := d.RateLimit
	rl.Logger = d.Logger
	rl.Limiter = d.Limiter

	authCfg := middleware.AuthConfig{
		Logger:      d.Logger,
		Validator:   d.Identity,
		MinDuration: d.AuthMinDuration,
	}

	uploadLimit := int64(1 << 62)
	if max := d.Bundles.MaxBundleSize(); max > 0 {
		uploadLimit = max + multipartOverhead
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Recoverer(d.Logger, d.IsDevelopment))
	r.Use(middleware.Security(middleware.SecurityConfig{IsDevelopment: d.IsDevelopment}))

	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	r.Get("/metrics", metricsHandler.Metrics)

	r.With(
		middleware.MaxBodySize(d.MaxRequestBodySize),
		middleware.RateLimitIP(rl),
	).Post("/register", identityHandler.Register)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(authCfg))
		r.Use(middleware.RateLimitKey(rl))

		r.Get("/validate", identityHandler.Validate)

		r.Route("/saves", func(r chi.Router) {
			r.Get("/", bundleHandler.List)
			r.With(middleware.MaxBodySize(uploadLimit)).Post("/{emulator}", bundleHandler.Upload)
			r.Get("/{emulator}", bundleHandler.Download)
			r.Get("/{emulator}/info", bundleHandler.Info)
		})
	})

	r.NotFound(handler.NotFound)
	r.MethodNotAllowed(handler.MethodNotAllowed)

	return r
}
