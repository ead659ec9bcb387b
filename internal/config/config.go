package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Hard-coded WHOOP endpoint fallbacks, overridable per environment.
const (
	defaultWhoopAuthorizeURL = "https://api.prod.whoop.com/oauth/oauth2/auth"
	defaultWhoopTokenURL     = "https://api.prod.whoop.com/oauth/oauth2/token"
	defaultWhoopAPIBaseURL   = "https://api.prod.whoop.com/developer"
)

// Sync execution modes
const (
	SyncModeInline = "inline"
	SyncModeQueued = "queued"
)

// Config holds application configuration
type Config struct {
	Port        int
	Database    DatabaseConfig
	JWTSecret   string
	Environment string
	CORSOrigins []string
	Whoop       *WhoopConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type         string // postgres
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// WhoopConfig holds wearable-platform integration configuration
type WhoopConfig struct {
	Enabled       bool
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	Scopes        []string
	AuthorizeURL  string
	TokenURL      string
	APIBaseURL    string
	WebhookSecret string

	// Token vault settings
	TokenSecret     string
	TokenKeyVersion string

	// Refresh a stored access token when it expires within this window
	RefreshThreshold time.Duration

	// SyncMode selects inline or queued sync task execution
	SyncMode string
}

// Load loads configuration from environment variables
func Load() *Config {
	env := getEnv("ENVIRONMENT", "production")
	jwtSecret := loadJWTSecret(env)

	cfg := &Config{
		Port: getEnvInt("PORT", 8080),
		Database: DatabaseConfig{
			Type:         getEnv("DATABASE_TYPE", "postgres"),
			DSN:          getEnv("DATABASE_DSN", buildPostgresDSN()),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		JWTSecret:   jwtSecret,
		Environment: env,
		CORSOrigins: loadCORSOrigins(env),
		Whoop:       loadWhoopConfig(),
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	return cfg
}

func loadWhoopConfig() *WhoopConfig {
	clientID := os.Getenv("WHOOP_CLIENT_ID")
	clientSecret := os.Getenv("WHOOP_CLIENT_SECRET")

	return &WhoopConfig{
		Enabled:          clientID != "" && clientSecret != "",
		ClientID:         clientID,
		ClientSecret:     clientSecret,
		RedirectURI:      getEnv("WHOOP_REDIRECT_URI", ""),
		Scopes:           splitAndTrim(getEnv("WHOOP_SCOPES", "offline read:profile read:recovery read:sleep read:workout"), " "),
		AuthorizeURL:     sanitizeBaseURL(os.Getenv("WHOOP_AUTHORIZE_URL"), defaultWhoopAuthorizeURL),
		TokenURL:         sanitizeBaseURL(os.Getenv("WHOOP_TOKEN_URL"), defaultWhoopTokenURL),
		APIBaseURL:       sanitizeBaseURL(os.Getenv("WHOOP_API_BASE_URL"), defaultWhoopAPIBaseURL),
		WebhookSecret:    os.Getenv("WHOOP_WEBHOOK_SECRET"),
		TokenSecret:      os.Getenv("TOKEN_ENCRYPTION_SECRET"),
		TokenKeyVersion:  getEnv("TOKEN_KEY_VERSION", "v1"),
		RefreshThreshold: time.Duration(getEnvInt("WHOOP_REFRESH_THRESHOLD_SECONDS", 300)) * time.Second,
		SyncMode:         getEnv("WHOOP_SYNC_MODE", SyncModeQueued),
	}
}

// sanitizeBaseURL validates a configured URL and falls back when it is unusable
func sanitizeBaseURL(raw, fallback string) string {
	if raw == "" {
		return fallback
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		log.Printf("WARNING: Ignoring invalid URL %q, using default", raw)
		return fallback
	}

	return strings.TrimSuffix(u.String(), "/")
}

func buildPostgresDSN() string {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "pulsetrack")
	password := getEnv("POSTGRES_PASSWORD", "secret")
	dbName := getEnv("POSTGRES_DB", "pulsetrack")
	sslMode := getEnv("POSTGRES_SSLMODE", "disable")

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   dbName,
	}

	query := u.Query()
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}

		// Check for insecure default secrets
		insecureSecrets := []string{
			"change-this-secret-in-production",
			"change-me-in-production",
			"secret",
			"password",
			"changeme",
		}
		for _, insecure := range insecureSecrets {
			if c.JWTSecret == insecure {
				return fmt.Errorf("JWT_SECRET is set to an insecure default value. Please set a strong random secret")
			}
		}
	}

	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("at least one CORS origin must be configured")
	}

	if c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	if c.Whoop != nil && c.Whoop.Enabled {
		if c.Whoop.RedirectURI == "" {
			return fmt.Errorf("WHOOP_REDIRECT_URI is required when the WHOOP integration is enabled")
		}
		if c.Whoop.TokenSecret == "" {
			return fmt.Errorf("TOKEN_ENCRYPTION_SECRET is required when the WHOOP integration is enabled")
		}
		if c.Environment == "production" && len(c.Whoop.TokenSecret) < 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_SECRET must be at least 32 characters in production")
		}
		if c.Whoop.SyncMode != SyncModeInline && c.Whoop.SyncMode != SyncModeQueued {
			return fmt.Errorf("invalid WHOOP_SYNC_MODE: %s (must be %q or %q)", c.Whoop.SyncMode, SyncModeInline, SyncModeQueued)
		}
		if c.Whoop.WebhookSecret == "" {
			log.Println("WARNING: WHOOP_WEBHOOK_SECRET not set. Inbound webhooks will be rejected as not configured.")
		}
	}

	return nil
}

func loadJWTSecret(env string) string {
	secret := os.Getenv("JWT_SECRET")

	// If JWT_SECRET is not set, generate a random one for development
	if secret == "" {
		if env == "production" {
			log.Fatal("FATAL: JWT_SECRET environment variable is required in production")
		}

		log.Println("WARNING: JWT_SECRET not set. Generating random secret for development.")
		log.Println("WARNING: This secret will change on restart. Set JWT_SECRET in production!")
		return generateRandomSecret()
	}

	if len(secret) < 16 {
		log.Fatal("FATAL: JWT_SECRET must be at least 16 characters long")
	}

	return secret
}

func loadCORSOrigins(env string) []string {
	if appURL := os.Getenv("APP_URL"); appURL != "" {
		return []string{strings.TrimSuffix(appURL, "/")}
	}

	if env == "development" {
		return []string{"http://localhost:3000", "http://localhost:8080"}
	}

	log.Println("WARNING: APP_URL not set. Using default localhost origins.")
	log.Println("WARNING: Set APP_URL environment variable for production deployments.")
	return []string{"http://localhost:3000", "http://localhost:8080"}
}

func splitAndTrim(s, sep string) []string {
	parts := []string{}
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func generateRandomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("FATAL: Failed to generate random secret: %v", err)
	}
	return base64.URLEncoding.EncodeToString(b)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}
