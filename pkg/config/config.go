package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	State       StateConfig
	OAuth       OAuthConfig
	Vault       VaultConfig
	Marketplace MarketplaceConfig
	RateLimit   RateLimitConfig
}

type ServerConfig struct {
	Host string
	Port int
	Env  string

	// PublicURL is the externally visible base URL used to build
	// OAuth redirect URIs (e.g. https://app.calbridge.dev).
	PublicURL string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

// StateConfig holds the secret for the encrypted OAuth state parameter.
type StateConfig struct {
	Secret string
}

type OAuthConfig struct {
	Google    ProviderCredentials
	Microsoft ProviderCredentials

	// DefaultRedirect is where callbacks send the user when the
	// start request carried no redirect_uri.
	DefaultRedirect string
}

type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
}

type VaultConfig struct {
	BaseURL        string
	TimeoutSeconds int
}

type MarketplaceConfig struct {
	// Audience is the expected aud claim on uninstall webhook JWTs,
	// i.e. the Marketplace OAuth client id.
	Audience string
	JWKSURL  string
}

type RateLimitConfig struct {
	Requests      int
	WindowSeconds int
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s *ServerConfig) IsDevelopment() bool {
	return s.Env == "development"
}

func (v *VaultConfig) Timeout() time.Duration {
	return time.Duration(v.TimeoutSeconds) * time.Second
}

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_ENV", "development")
	v.SetDefault("SERVER_PUBLIC_URL", "http://localhost:8080")
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "calbridge")
	v.SetDefault("DATABASE_PASSWORD", "calbridge_secret")
	v.SetDefault("DATABASE_NAME", "calbridge")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("STATE_SECRET", "change-me-in-production")
	v.SetDefault("OAUTH_DEFAULT_REDIRECT", "/oauth/done")
	v.SetDefault("VAULT_BASE_URL", "http://localhost:8090")
	v.SetDefault("VAULT_TIMEOUT_SECONDS", 10)
	v.SetDefault("MARKETPLACE_JWKS_URL", "https://www.googleapis.com/oauth2/v3/certs")
	v.SetDefault("RATE_LIMIT_REQUESTS", 100)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)

	// Load from .env file if present
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// Override with environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		Server: ServerConfig{
			Host:      v.GetString("SERVER_HOST"),
			Port:      v.GetInt("SERVER_PORT"),
			Env:       v.GetString("SERVER_ENV"),
			PublicURL: strings.TrimRight(v.GetString("SERVER_PUBLIC_URL"), "/"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DATABASE_HOST"),
			Port:     v.GetInt("DATABASE_PORT"),
			User:     v.GetString("DATABASE_USER"),
			Password: v.GetString("DATABASE_PASSWORD"),
			Name:     v.GetString("DATABASE_NAME"),
			SSLMode:  v.GetString("DATABASE_SSLMODE"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
		},
		State: StateConfig{
			Secret: v.GetString("STATE_SECRET"),
		},
		OAuth: OAuthConfig{
			Google: ProviderCredentials{
				ClientID:     v.GetString("GOOGLE_CLIENT_ID"),
				ClientSecret: v.GetString("GOOGLE_CLIENT_SECRET"),
			},
			Microsoft: ProviderCredentials{
				ClientID:     v.GetString("MICROSOFT_CLIENT_ID"),
				ClientSecret: v.GetString("MICROSOFT_CLIENT_SECRET"),
			},
			DefaultRedirect: v.GetString("OAUTH_DEFAULT_REDIRECT"),
		},
		Vault: VaultConfig{
			BaseURL:        strings.TrimRight(v.GetString("VAULT_BASE_URL"), "/"),
			TimeoutSeconds: v.GetInt("VAULT_TIMEOUT_SECONDS"),
		},
		Marketplace: MarketplaceConfig{
			Audience: v.GetString("MARKETPLACE_AUDIENCE"),
			JWKSURL:  v.GetString("MARKETPLACE_JWKS_URL"),
		},
		RateLimit: RateLimitConfig{
			Requests:      v.GetInt("RATE_LIMIT_REQUESTS"),
			WindowSeconds: v.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
		},
	}

	return cfg, nil
}
