package whoop

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pulsetrack/pulsetrack/internal/config"
	"github.com/pulsetrack/pulsetrack/internal/models"
	"github.com/pulsetrack/pulsetrack/internal/syncqueue"
	"github.com/pulsetrack/pulsetrack/internal/vault"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.WhoopIntegration{},
		&models.LinkSession{},
		&models.SyncTask{},
	))

	return db
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New("unit-test-secret-0123456789abcdef012345")
	require.NoError(t, err)
	return v
}

func createUser(t *testing.T, db *gorm.DB, id int) *models.User {
	t.Helper()
	user := &models.User{
		ID:       id,
		Username: fmt.Sprintf("user%d", id),
		Email:    fmt.Sprintf("user%d@example.com", id),
		Password: "x",
		Active:   true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

// testService wires a full facade against the given token endpoint
func testService(t *testing.T, db *gorm.DB, tokenURL string, inline bool, worker syncqueue.Worker) (*Service, *config.WhoopConfig) {
	t.Helper()

	cfg := &config.WhoopConfig{
		Enabled:          true,
		ClientID:         "client-id",
		ClientSecret:     "client-secret",
		RedirectURI:      "https://app.example.com/whoop/callback",
		Scopes:           []string{"offline", "read:profile"},
		AuthorizeURL:     "https://example.com/oauth/auth",
		TokenURL:         tokenURL,
		APIBaseURL:       tokenURL,
		WebhookSecret:    "hook-secret",
		TokenSecret:      "unit-test-secret-0123456789abcdef012345",
		TokenKeyVersion:  "v1",
		RefreshThreshold: 5 * time.Minute,
	}

	v := testVault(t)
	client := NewClient(cfg)
	sessions := NewSessionManager(db, DefaultSessionTTL)
	refresher := NewRefresher(db, client, v, cfg.RefreshThreshold, cfg.TokenKeyVersion)
	dispatcher := syncqueue.NewDispatcher(db, syncqueue.DefaultQueue, inline, worker)

	return NewService(db, cfg, client, v, sessions, refresher, dispatcher, nil), cfg
}
