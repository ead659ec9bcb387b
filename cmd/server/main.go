package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsetrack/pulsetrack/internal/api"
	"github.com/pulsetrack/pulsetrack/internal/cache"
	"github.com/pulsetrack/pulsetrack/internal/config"
	"github.com/pulsetrack/pulsetrack/internal/database"
	"github.com/pulsetrack/pulsetrack/internal/jobs"
	"github.com/pulsetrack/pulsetrack/internal/syncqueue"
	"github.com/pulsetrack/pulsetrack/internal/vault"
	"github.com/pulsetrack/pulsetrack/internal/whoop"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get database connection: %v", err)
	}
	defer sqlDB.Close()

	// Run migrations
	if err := database.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	invalidator := cache.LogInvalidator{}

	// Wire the WHOOP integration pipeline
	var (
		whoopSvc   *whoop.Service
		dispatcher *syncqueue.Dispatcher
		consumer   *syncqueue.Consumer
	)

	whoopClient := whoop.NewClient(cfg.Whoop)
	tokenVault, err := vault.New(vaultSecret(cfg))
	if err != nil {
		log.Fatalf("Failed to initialize token vault: %v", err)
	}

	refresher := whoop.NewRefresher(db, whoopClient, tokenVault, cfg.Whoop.RefreshThreshold, cfg.Whoop.TokenKeyVersion)
	worker := whoop.NewSyncWorker(db, refresher, noopSyncer{}, invalidator)

	inline := cfg.Whoop.SyncMode == config.SyncModeInline
	dispatcher = syncqueue.NewDispatcher(db, syncqueue.DefaultQueue, inline, worker)
	sessions := whoop.NewSessionManager(db, whoop.DefaultSessionTTL)
	whoopSvc = whoop.NewService(db, cfg.Whoop, whoopClient, tokenVault, sessions, refresher, dispatcher, invalidator)

	if !inline {
		consumer = syncqueue.NewConsumer(db, worker, syncqueue.DefaultPollInterval)
		consumer.Start()
		defer consumer.Stop()
	}

	if !cfg.Whoop.Enabled {
		log.Println("WHOOP integration disabled: client credentials not configured")
	}

	// Initialize job scheduler
	scheduler := jobs.NewScheduler(db, dispatcher)
	scheduler.Start()
	defer scheduler.Stop()

	// Setup API router
	router := api.NewRouter(cfg, db, whoopSvc)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on port %d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// vaultSecret picks the token-encryption secret, falling back to the JWT
// secret in development so the service still boots without one
func vaultSecret(cfg *config.Config) string {
	if cfg.Whoop != nil && cfg.Whoop.TokenSecret != "" {
		return cfg.Whoop.TokenSecret
	}
	log.Println("WARNING: TOKEN_ENCRYPTION_SECRET not set. Deriving vault key from JWT_SECRET.")
	return cfg.JWTSecret
}

// noopSyncer stands in for the physiological-data sync worker, which lives
// outside this service
type noopSyncer struct{}

func (noopSyncer) SyncMemberData(_ context.Context, userID int, memberID, _ string) error {
	log.Printf("Sync: Would pull WHOOP data for user %d (member %s)", userID, memberID)
	return nil
}
