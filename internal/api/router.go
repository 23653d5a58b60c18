package api

import (
	"html/template"
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/hugh/calbridge/internal/api/handlers"
	"github.com/hugh/calbridge/internal/api/middleware"
	"github.com/hugh/calbridge/internal/linker"
	"github.com/hugh/calbridge/internal/marketplace"
	"github.com/hugh/calbridge/internal/oauth"
	"github.com/hugh/calbridge/pkg/crypto"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Router struct {
	chi.Router
}

type RouterConfig struct {
	DB              *gorm.DB
	Redis           *redis.Client
	Logger          *slog.Logger
	Providers       []oauth.Provider
	StateCodec      *crypto.StateCodec
	Linker          *linker.Service
	Installs        *marketplace.InstallService
	Verifier        *marketplace.Verifier
	Uninstalls      *marketplace.Processor
	Templates       *template.Template
	DefaultRedirect string
	AllowedOrigins  []string // CORS allowed origins
	RateLimitReqs   int      // Rate limit requests per window
	RateLimitSecs   int      // Rate limit window in seconds
}

func NewRouter(cfg RouterConfig) *Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))

	if cfg.RateLimitReqs > 0 {
		r.Use(middleware.RateLimit(cfg.RateLimitReqs, cfg.RateLimitSecs))
	}

	// CORS matters only for the JSON endpoints; the OAuth and
	// Marketplace flows are plain browser navigations.
	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(cfg.DB, cfg.Redis)
	oauthHandler := handlers.NewOAuthHandler(
		cfg.Providers, cfg.StateCodec, cfg.Linker,
		cfg.Templates, cfg.DefaultRedirect, cfg.Logger,
	)
	marketplaceHandler := handlers.NewMarketplaceHandler(
		cfg.Installs, cfg.Verifier, cfg.Uninstalls,
		cfg.Templates, cfg.Logger,
	)

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Identity linking flow
	r.Route("/oauth", func(r chi.Router) {
		r.Get("/done", oauthHandler.Done)
		r.Route("/{provider}", func(r chi.Router) {
			r.Get("/start", oauthHandler.Start)
			r.Get("/callback", oauthHandler.Callback)
			r.Get("/done", oauthHandler.Done)
		})
	})

	// Marketplace lifecycle
	r.Route("/marketplace", func(r chi.Router) {
		r.Get("/install", marketplaceHandler.Install)
		r.Get("/admin-install", marketplaceHandler.AdminInstall)
		r.Get("/org-activate", marketplaceHandler.OrgActivate)
		r.Get("/done", marketplaceHandler.AdminDone)
		r.Post("/uninstall", marketplaceHandler.Uninstall)
	})

	return &Router{r}
}
