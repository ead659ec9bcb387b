package whoop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrack/pulsetrack/internal/models"
)

func TestCompleteLinkFullExchange(t *testing.T) {
	db := testDB(t)
	createUser(t, db, 1)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostFormValue("grant_type"))
		assert.Equal(t, "code-1", r.PostFormValue("code"))
		assert.Equal(t, "https://app.example.com/whoop/callback", r.PostFormValue("redirect_uri"))
		w.Write([]byte(`{"access_token": "abc", "expires_in": 3600, "refresh_token": "r1", "member_id": "42"}`))
	}))
	defer srv.Close()

	svc, _ := testService(t, db, srv.URL, false, nil)

	start, err := svc.StartLink(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, start.AuthorizeURL, "state="+start.State)

	integ, err := svc.CompleteLink(ctx, 1, start.State, "code-1")
	require.NoError(t, err)

	assert.Equal(t, models.SyncStatusActive, integ.SyncStatus)
	require.NotNil(t, integ.WhoopMemberID)
	assert.Equal(t, "42", *integ.WhoopMemberID)

	// Tokens are stored encrypted, never verbatim
	var stored models.WhoopIntegration
	require.NoError(t, db.Where("user_id = ?", 1).First(&stored).Error)
	assert.NotEqual(t, "abc", stored.AccessToken)
	assert.NotContains(t, stored.AccessToken, "abc")
	require.NotNil(t, stored.RefreshToken)

	// Denormalized member id lands on the user row
	var user models.User
	require.NoError(t, db.First(&user, 1).Error)
	require.NotNil(t, user.WhoopMemberID)
	assert.Equal(t, "42", *user.WhoopMemberID)

	// Initial sync task was enqueued
	var task models.SyncTask
	require.NoError(t, db.Where("queue = ?", "whoop-sync").First(&task).Error)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Contains(t, string(task.Payload), "initial-link")

	// The session is consumed: replaying the state fails generically
	_, err = svc.CompleteLink(ctx, 1, start.State, "code-1")
	assert.ErrorIs(t, err, ErrInvalidLinkSession)
}

func TestCompleteLinkWithoutRefreshTokenIsDegradedButActive(t *testing.T) {
	db := testDB(t)
	createUser(t, db, 1)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token": "abc", "expires_in": 3600, "member_id": "42"}`))
	}))
	defer srv.Close()

	svc, cfg := testService(t, db, srv.URL, false, nil)

	start, err := svc.StartLink(ctx, 1)
	require.NoError(t, err)
	integ, err := svc.CompleteLink(ctx, 1, start.State, "code-1")
	require.NoError(t, err)

	// Access token usable, so the integration is ACTIVE despite no refresh token
	assert.Equal(t, models.SyncStatusActive, integ.SyncStatus)
	assert.Nil(t, integ.RefreshToken)

	// Once the access token expires, ensure yields no token since renewal is
	// impossible
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, db.Model(&models.WhoopIntegration{}).Where("user_id = ?", 1).Update("expires_at", past).Error)

	var stored models.WhoopIntegration
	require.NoError(t, db.Where("user_id = ?", 1).First(&stored).Error)

	v := testVault(t)
	refresher := NewRefresher(db, NewClient(cfg), v, 5*time.Minute, "v1")
	result, err := refresher.EnsureAccessToken(ctx, &stored)
	require.NoError(t, err)
	assert.Empty(t, result.AccessToken)
	assert.False(t, result.Refreshed)
}

func TestCompleteLinkResolvesMemberIDFromProfile(t *testing.T) {
	db := testDB(t)
	createUser(t, db, 1)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"user_id": 4711}`))
			return
		}
		w.Write([]byte(`{"access_token": "abc", "expires_in": 3600, "refresh_token": "r1"}`))
	}))
	defer srv.Close()

	svc, _ := testService(t, db, srv.URL, false, nil)

	start, err := svc.StartLink(ctx, 1)
	require.NoError(t, err)
	integ, err := svc.CompleteLink(ctx, 1, start.State, "code-1")
	require.NoError(t, err)

	require.NotNil(t, integ.WhoopMemberID)
	assert.Equal(t, "4711", *integ.WhoopMemberID)
}

func TestStartLinkRejectsWhenAlreadyLinked(t *testing.T) {
	db := testDB(t)
	createUser(t, db, 1)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token": "abc", "expires_in": 3600, "refresh_token": "r1", "member_id": "42"}`))
	}))
	defer srv.Close()

	svc, _ := testService(t, db, srv.URL, false, nil)

	start, err := svc.StartLink(ctx, 1)
	require.NoError(t, err)
	_, err = svc.CompleteLink(ctx, 1, start.State, "code-1")
	require.NoError(t, err)

	_, err = svc.StartLink(ctx, 1)
	assert.ErrorIs(t, err, ErrAlreadyLinked)
}

func TestStartLinkNotConfigured(t *testing.T) {
	db := testDB(t)
	createUser(t, db, 1)

	svc, cfg := testService(t, db, "http://unused.invalid", false, nil)
	cfg.Enabled = false

	_, err := svc.StartLink(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestUnlinkIsTolerantAndCancelsSessions(t *testing.T) {
	db := testDB(t)
	createUser(t, db, 1)
	ctx := context.Background()

	svc, _ := testService(t, db, "http://unused.invalid", false, nil)

	// Unlinking a never-linked user succeeds
	require.NoError(t, svc.Unlink(ctx, 1))

	// A pending link session dies with the unlink
	start, err := svc.StartLink(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, svc.Unlink(ctx, 1))

	sessions := NewSessionManager(db, DefaultSessionTTL)
	_, err = sessions.Validate(ctx, 1, start.State)
	assert.ErrorIs(t, err, ErrInvalidLinkSession)
}

func TestStatusReflectsIntegrationAndPendingLink(t *testing.T) {
	db := testDB(t)
	createUser(t, db, 1)
	ctx := context.Background()

	svc, _ := testService(t, db, "http://unused.invalid", false, nil)

	status, err := svc.Status(ctx, 1)
	require.NoError(t, err)
	assert.False(t, status.Linked)
	assert.False(t, status.LinkPending)

	_, err = svc.StartLink(ctx, 1)
	require.NoError(t, err)

	status, err = svc.Status(ctx, 1)
	require.NoError(t, err)
	assert.True(t, status.LinkPending)
	require.NotNil(t, status.LinkExpiresAt)
	assert.True(t, status.LinkExpiresAt.After(time.Now()))
}
