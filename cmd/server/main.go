package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hugh/calbridge/internal/api"
	"github.com/hugh/calbridge/internal/database"
	"github.com/hugh/calbridge/internal/linker"
	"github.com/hugh/calbridge/internal/marketplace"
	"github.com/hugh/calbridge/internal/oauth"
	"github.com/hugh/calbridge/internal/vault"
	"github.com/hugh/calbridge/internal/web"
	"github.com/hugh/calbridge/pkg/config"
	"github.com/hugh/calbridge/pkg/crypto"
	"github.com/hugh/calbridge/pkg/queue"
	"github.com/hugh/calbridge/pkg/util"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := util.NewLogger(cfg.Server.Env)
	slog.SetDefault(logger)

	logger.Info("starting calbridge server",
		"env", cfg.Server.Env,
		"addr", cfg.Server.Addr(),
	)

	db, err := database.Connect(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.AutoMigrate(db); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Redis only carries onboarding tasks; the server stays up without
	// it and linking degrades to logged enqueue failures.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Warn("failed to connect to Redis", "error", err)
	}

	asynqClient := queue.NewClient(&cfg.Redis)
	defer asynqClient.Close()

	stateCodec, err := crypto.NewStateCodec(cfg.State.Secret)
	if err != nil {
		logger.Error("failed to create state codec", "error", err)
		os.Exit(1)
	}

	google := oauth.NewGoogle(cfg.OAuth.Google, cfg.Server.PublicURL)
	microsoft := oauth.NewMicrosoft(cfg.OAuth.Microsoft, cfg.Server.PublicURL)

	vaultClient := vault.NewClient(&cfg.Vault)
	linkService := linker.NewService(db, vaultClient, asynqClient, logger)
	installService := marketplace.NewInstallService(db, google, linkService, logger)
	verifier := marketplace.NewVerifier(cfg.Marketplace.JWKSURL, cfg.Marketplace.Audience, logger)
	uninstallProcessor := marketplace.NewProcessor(db, vaultClient, google, logger)

	templates, err := web.LoadTemplates()
	if err != nil {
		logger.Error("failed to load templates", "error", err)
		os.Exit(1)
	}

	router := api.NewRouter(api.RouterConfig{
		DB:              db,
		Redis:           redisClient,
		Logger:          logger,
		Providers:       []oauth.Provider{google, microsoft},
		StateCodec:      stateCodec,
		Linker:          linkService,
		Installs:        installService,
		Verifier:        verifier,
		Uninstalls:      uninstallProcessor,
		Templates:       templates,
		DefaultRedirect: cfg.OAuth.DefaultRedirect,
		RateLimitReqs:   cfg.RateLimit.Requests,
		RateLimitSecs:   cfg.RateLimit.WindowSeconds,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	redisClient.Close()

	sqlDB, _ := db.DB()
	sqlDB.Close()

	logger.Info("server stopped")
}
