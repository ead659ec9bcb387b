package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pulsetrack/pulsetrack/internal/config"
	"github.com/pulsetrack/pulsetrack/internal/models"
	"github.com/pulsetrack/pulsetrack/internal/syncqueue"
	"github.com/pulsetrack/pulsetrack/internal/vault"
	"github.com/pulsetrack/pulsetrack/internal/whoop"
)

const hookSecret = "hook-secret"

func webhookTestServer(t *testing.T) (*gorm.DB, http.HandlerFunc) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.WhoopIntegration{},
		&models.LinkSession{},
		&models.SyncTask{},
	))

	cfg := &config.WhoopConfig{
		Enabled:          true,
		ClientID:         "client-id",
		ClientSecret:     "client-secret",
		RedirectURI:      "https://app/cb",
		AuthorizeURL:     "https://example.com/auth",
		TokenURL:         "https://example.com/token",
		APIBaseURL:       "https://example.com/api",
		WebhookSecret:    hookSecret,
		TokenSecret:      "unit-test-secret-0123456789abcdef012345",
		TokenKeyVersion:  "v1",
		RefreshThreshold: 5 * time.Minute,
	}

	v, err := vault.New(cfg.TokenSecret)
	require.NoError(t, err)

	client := whoop.NewClient(cfg)
	sessions := whoop.NewSessionManager(db, whoop.DefaultSessionTTL)
	refresher := whoop.NewRefresher(db, client, v, cfg.RefreshThreshold, cfg.TokenKeyVersion)
	dispatcher := syncqueue.NewDispatcher(db, syncqueue.DefaultQueue, false, nil)
	svc := whoop.NewService(db, cfg, client, v, sessions, refresher, dispatcher, nil)

	return db, HandleWhoopWebhook(db, svc)
}

func signedRequest(t *testing.T, body []byte, secret string) *http.Request {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	req := httptest.NewRequest("POST", "/api/whoop/webhook", bytes.NewReader(body))
	req.Header.Set("X-Whoop-Signature", hex.EncodeToString(mac.Sum(nil)))
	return req
}

func linkMember(t *testing.T, db *gorm.DB, userID int, memberID string) {
	t.Helper()
	require.NoError(t, db.Create(&models.User{
		ID: userID, Username: "u", Email: "u@example.com", Password: "x", Active: true,
	}).Error)
	require.NoError(t, db.Create(&models.WhoopIntegration{
		UserID:        userID,
		WhoopMemberID: &memberID,
		AccessToken:   "enc",
		SyncStatus:    models.SyncStatusActive,
		KeyVersion:    "v1",
	}).Error)
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	_, handler := webhookTestServer(t)

	body := []byte(`{"user_id": "42"}`)
	req := signedRequest(t, body, "wrong-secret")
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// No signature header at all
	req = httptest.NewRequest("POST", "/api/whoop/webhook", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRejectsNonObjectBody(t *testing.T) {
	_, handler := webhookTestServer(t)

	req := signedRequest(t, []byte(`not json`), hookSecret)
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookAcceptsUnknownMemberAsIgnored(t *testing.T) {
	db, handler := webhookTestServer(t)

	req := signedRequest(t, []byte(`{"type": "workout.updated"}`), hookSecret)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp["status"])
	assert.Equal(t, "unknown-member", resp["reason"])

	var count int64
	require.NoError(t, db.Model(&models.SyncTask{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestWebhookAcceptsUnlinkedMemberAsIgnored(t *testing.T) {
	_, handler := webhookTestServer(t)

	req := signedRequest(t, []byte(`{"user_id": "999"}`), hookSecret)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unlinked", resp["reason"])
}

func TestWebhookEnqueuesByTraceID(t *testing.T) {
	db, handler := webhookTestServer(t)
	linkMember(t, db, 1, "42")

	body := []byte(`{"user_id": "42", "trace_id": "tr-1", "type": "sleep.updated"}`)

	// Duplicate deliveries collapse onto one task
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler(rec, signedRequest(t, body, hookSecret))
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}

	var tasks []models.SyncTask
	require.NoError(t, db.Find(&tasks).Error)
	require.Len(t, tasks, 1)
	assert.Equal(t, "whoop-webhook-tr-1", tasks[0].Name)
	assert.Contains(t, string(tasks[0].Payload), `"reason":"webhook"`)
}

func TestWebhookResolvesNestedMemberID(t *testing.T) {
	db, handler := webhookTestServer(t)
	linkMember(t, db, 1, "m-77")

	body := []byte(`{"data": {"user": {"member_id": "m-77"}}, "meta": {"delivery_id": "d-9"}}`)
	rec := httptest.NewRecorder()
	handler(rec, signedRequest(t, body, hookSecret))

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var task models.SyncTask
	require.NoError(t, db.First(&task).Error)
	assert.Equal(t, "whoop-webhook-d-9", task.Name)
}

func TestWebhookWithoutSecretIsNotConfigured(t *testing.T) {
	db, _ := webhookTestServer(t)

	cfg := &config.WhoopConfig{Enabled: true, TokenSecret: "unit-test-secret-0123456789abcdef012345"}
	v, err := vault.New(cfg.TokenSecret)
	require.NoError(t, err)
	svc := whoop.NewService(db, cfg, whoop.NewClient(cfg), v,
		whoop.NewSessionManager(db, 0), whoop.NewRefresher(db, whoop.NewClient(cfg), v, 0, "v1"),
		syncqueue.NewDispatcher(db, "", false, nil), nil)
	handler := HandleWhoopWebhook(db, svc)

	req := signedRequest(t, []byte(`{}`), hookSecret)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not configured")
}
