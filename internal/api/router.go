package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"github.com/pulsetrack/pulsetrack/internal/config"
	"github.com/pulsetrack/pulsetrack/internal/whoop"
)

// NewRouter creates a new HTTP router
func NewRouter(cfg *config.Config, db *gorm.DB, whoopSvc *whoop.Service) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(SecurityHeadersMiddleware(cfg.Environment == "production"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Login gets a tight limit; the webhook endpoint is unauthenticated and
	// gets its own
	authLimiter := NewRateLimiter(1, 5)
	authLimiter.CleanupOldLimiters()
	webhookLimiter := NewRateLimiter(10, 30)
	webhookLimiter.CleanupOldLimiters()

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Auth routes
		r.With(RateLimitMiddleware(authLimiter)).Post("/auth/login", HandleLogin(db, cfg))
		r.Post("/auth/setup", HandleSetup(db, cfg))

		// Webhook ingress: authenticated by signature, not session
		r.With(RateLimitMiddleware(webhookLimiter)).Post("/whoop/webhook", HandleWhoopWebhook(db, whoopSvc))

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.JWTSecret, db))

			r.Get("/user/me", HandleGetCurrentUser(db))

			r.Route("/whoop", func(r chi.Router) {
				r.Get("/status", HandleWhoopStatus(whoopSvc))
				r.Post("/link", HandleWhoopLink(whoopSvc))
				r.Post("/sync", HandleWhoopManualSync(db, whoopSvc))
				r.Delete("/", HandleWhoopUnlink(whoopSvc))
			})
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}
