package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/appointment-sync/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/appointment-sync/internal/http/middleware"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger            *logging.Logger
	AdminSync         *handlers.AdminSyncHandler
	UserAppointments  *handlers.UserAppointmentsHandler
	AdminAuthSecret   string
	ServiceAuthSecret string
	ServiceRateLimit  float64
	ServiceRateBurst  int
	MetricsHandler    http.Handler
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// Public endpoints
	r.Group(func(public chi.Router) {
		public.Get("/health", healthCheck)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Admin routes (HMAC JWT)
	if cfg.AdminSync != nil && cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			cfg.AdminSync.Routes(admin)
		})
	}

	// Bot-facing service routes (separate HMAC JWT, rate limited)
	if cfg.UserAppointments != nil && cfg.ServiceAuthSecret != "" {
		r.Route("/v1", func(svc chi.Router) {
			svc.Use(httpmiddleware.RateLimit(cfg.ServiceRateLimit, cfg.ServiceRateBurst))
			svc.Use(httpmiddleware.ServiceJWT(cfg.ServiceAuthSecret))
			cfg.UserAppointments.Routes(svc)
		})
	}

	return r
}

func healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
