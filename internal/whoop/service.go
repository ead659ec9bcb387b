package whoop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pulsetrack/pulsetrack/internal/cache"
	"github.com/pulsetrack/pulsetrack/internal/config"
	"github.com/pulsetrack/pulsetrack/internal/models"
	"github.com/pulsetrack/pulsetrack/internal/syncqueue"
	"github.com/pulsetrack/pulsetrack/internal/vault"
)

var (
	// ErrNotConfigured is returned when the WHOOP client credentials are
	// missing; callers surface this as a distinct condition, never a runtime
	// failure
	ErrNotConfigured = errors.New("whoop integration is not configured")

	// ErrAlreadyLinked is returned when a link is initiated for a user who
	// already has a live integration
	ErrAlreadyLinked = errors.New("whoop account is already linked")
)

// Service orchestrates the wearable pipeline: link sessions, token exchange
// and storage, refresh, unlink, and sync scheduling
type Service struct {
	db         *gorm.DB
	cfg        *config.WhoopConfig
	client     *Client
	vault      *vault.Vault
	sessions   *SessionManager
	refresher  *Refresher
	dispatcher *syncqueue.Dispatcher
	cache      cache.Invalidator
}

// NewService wires the integration facade
func NewService(db *gorm.DB, cfg *config.WhoopConfig, client *Client, v *vault.Vault, sessions *SessionManager, refresher *Refresher, dispatcher *syncqueue.Dispatcher, invalidator cache.Invalidator) *Service {
	if invalidator == nil {
		invalidator = cache.LogInvalidator{}
	}
	return &Service{
		db:         db,
		cfg:        cfg,
		client:     client,
		vault:      v,
		sessions:   sessions,
		refresher:  refresher,
		dispatcher: dispatcher,
		cache:      invalidator,
	}
}

// Status describes a user's integration for the API
type Status struct {
	Linked        bool       `json:"linked"`
	SyncStatus    string     `json:"sync_status,omitempty"`
	WhoopMemberID string     `json:"whoop_member_id,omitempty"`
	Scopes        []string   `json:"scopes,omitempty"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	CanRefresh    bool       `json:"can_refresh"`

	// Open link attempt, if one is pending
	LinkPending   bool       `json:"link_pending"`
	LinkExpiresAt *time.Time `json:"link_expires_at,omitempty"`
}

// LinkStart is the response to a link initiation
type LinkStart struct {
	AuthorizeURL string    `json:"authorize_url"`
	State        string    `json:"state"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Status reports whether the user is linked and whether a link attempt is in
// flight. Reading the open session lazily expires it when its TTL has passed.
func (s *Service) Status(ctx context.Context, userID int) (*Status, error) {
	status := &Status{}

	integ, err := s.integrationByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if integ != nil {
		status.Linked = true
		status.SyncStatus = integ.SyncStatus
		status.Scopes = integ.ScopeList()
		status.LastSyncedAt = integ.LastSyncedAt
		status.CanRefresh = integ.CanRefresh()
		if integ.WhoopMemberID != nil {
			status.WhoopMemberID = *integ.WhoopMemberID
		}
	}

	session, err := s.sessions.Open(ctx, userID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		status.LinkPending = true
		expires := session.ExpiresAt
		status.LinkExpiresAt = &expires
	}

	return status, nil
}

// StartLink opens a new link session and returns the authorization URL the
// user should be sent to. Rejects when a live integration already exists.
func (s *Service) StartLink(ctx context.Context, userID int) (*LinkStart, error) {
	if !s.cfg.Enabled {
		return nil, ErrNotConfigured
	}

	integ, err := s.integrationByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if integ != nil && s.hasLiveAccessToken(integ) {
		return nil, ErrAlreadyLinked
	}

	session, err := s.sessions.Initiate(ctx, userID, s.cfg.RedirectURI, s.cfg.Scopes)
	if err != nil {
		return nil, err
	}

	return &LinkStart{
		AuthorizeURL: s.client.AuthorizeURL(session.State, session.RedirectURI, s.cfg.Scopes),
		State:        session.State,
		ExpiresAt:    session.ExpiresAt,
	}, nil
}

// CompleteLink finishes the handshake: validates the state, exchanges the
// code using the redirect URI stored on the session (never one supplied by
// the caller), persists the encrypted tokens, and schedules the first sync.
func (s *Service) CompleteLink(ctx context.Context, userID int, state, code string) (*models.WhoopIntegration, error) {
	if !s.cfg.Enabled {
		return nil, ErrNotConfigured
	}

	session, err := s.sessions.Validate(ctx, userID, state)
	if err != nil {
		return nil, err
	}

	result, err := s.client.ExchangeCode(ctx, code, session.RedirectURI)
	if err != nil {
		return nil, err
	}

	memberID := result.MemberID
	if memberID == "" {
		// The exchange may omit the member id; resolve it from the profile
		// endpoint, tolerating failure (a webhook can still resolve it later)
		if id, err := s.client.FetchMemberID(ctx, result.AccessToken); err == nil {
			memberID = id
		} else {
			log.Printf("Whoop: Could not resolve member id for user %d: %v", userID, err)
		}
	}

	integ, err := s.persistLink(ctx, userID, session, result, memberID)
	if err != nil {
		return nil, err
	}

	// Best-effort first sync; a scheduling hiccup must not fail the link
	_, err = s.dispatcher.Enqueue(ctx, syncqueue.Payload{
		UserID:   userID,
		MemberID: memberID,
		Reason:   syncqueue.ReasonInitialLink,
	}, &syncqueue.Options{SwallowErrors: true})
	if err != nil {
		log.Printf("Whoop: Failed to schedule initial sync for user %d: %v", userID, err)
	}

	if err := s.cache.InvalidateDashboard(ctx, userID); err != nil {
		log.Printf("Whoop: Dashboard invalidation failed for user %d: %v", userID, err)
	}

	return integ, nil
}

// persistLink closes the session and upserts the integration record in one
// transaction
func (s *Service) persistLink(ctx context.Context, userID int, session *models.LinkSession, result *TokenResult, memberID string) (*models.WhoopIntegration, error) {
	encAccess, err := s.vault.Encrypt(result.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var encRefresh *string
	if result.RefreshToken != "" {
		enc, err := s.vault.Encrypt(result.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		encRefresh = &enc
	}

	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(result.ExpiresIn) * time.Second)

	integ := &models.WhoopIntegration{
		UserID:       userID,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		ExpiresAt:    &expiresAt,
		Scopes:       joinScopes(result.Scopes),
		SyncStatus:   models.SyncStatusActive,
		KeyVersion:   s.cfg.TokenKeyVersion,
		RotatedAt:    &now,
	}
	if memberID != "" {
		integ.WhoopMemberID = &memberID
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.sessions.Complete(tx, session); err != nil {
			return err
		}

		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"whoop_member_id", "access_token", "refresh_token", "expires_at",
				"scopes", "sync_status", "key_version", "rotated_at", "updated_at",
			}),
		}).Create(integ).Error
		if err != nil {
			return fmt.Errorf("failed to upsert integration: %w", err)
		}

		if memberID != "" {
			err = tx.Model(&models.User{}).Where("id = ?", userID).
				Update("whoop_member_id", memberID).Error
			if err != nil {
				return fmt.Errorf("failed to update user member id: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Whoop: Linked user %d", userID)
	return integ, nil
}

// Unlink removes the integration. A missing record is tolerated; any open
// link session is cancelled so a stale tab cannot complete a link afterwards.
func (s *Service) Unlink(ctx context.Context, userID int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ?", userID).Delete(&models.WhoopIntegration{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete integration: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			log.Printf("Whoop: Unlink for user %d found no integration", userID)
		}

		err := tx.Model(&models.User{}).Where("id = ?", userID).
			Update("whoop_member_id", nil).Error
		if err != nil {
			return fmt.Errorf("failed to clear user member id: %w", err)
		}

		return cancelOpenSessions(tx, userID, time.Now().UTC())
	})
	if err != nil {
		return err
	}

	if err := s.cache.InvalidateDashboard(ctx, userID); err != nil {
		log.Printf("Whoop: Dashboard invalidation failed for user %d: %v", userID, err)
	}

	log.Printf("Whoop: Unlinked user %d", userID)
	return nil
}

// IntegrationByMemberID resolves an integration from the external member id
// carried by a webhook. Returns nil when no account is linked to that member.
func (s *Service) IntegrationByMemberID(ctx context.Context, memberID string) (*models.WhoopIntegration, error) {
	var integ models.WhoopIntegration
	err := s.db.WithContext(ctx).Where("whoop_member_id = ?", memberID).First(&integ).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up integration by member id: %w", err)
	}
	return &integ, nil
}

// EnsureAccessToken exposes the refresh coordinator to collaborators
func (s *Service) EnsureAccessToken(ctx context.Context, integ *models.WhoopIntegration) (*EnsureResult, error) {
	return s.refresher.EnsureAccessToken(ctx, integ)
}

// Dispatcher exposes the sync dispatcher to the HTTP layer
func (s *Service) Dispatcher() *syncqueue.Dispatcher {
	return s.dispatcher
}

// Configured reports whether client credentials are present
func (s *Service) Configured() bool {
	return s.cfg != nil && s.cfg.Enabled
}

// WebhookSecret returns the shared webhook secret ("" when unset)
func (s *Service) WebhookSecret() string {
	if s.cfg == nil {
		return ""
	}
	return s.cfg.WebhookSecret
}

func (s *Service) integrationByUser(ctx context.Context, userID int) (*models.WhoopIntegration, error) {
	var integ models.WhoopIntegration
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&integ).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read integration: %w", err)
	}
	return &integ, nil
}

// hasLiveAccessToken is the "already linked" test: an ACTIVE integration
// whose stored access token decrypts and has not expired
func (s *Service) hasLiveAccessToken(integ *models.WhoopIntegration) bool {
	if integ.SyncStatus != models.SyncStatusActive {
		return false
	}
	if _, ok := s.vault.Decrypt(integ.AccessToken); !ok {
		return false
	}
	return integ.ExpiresAt == nil || time.Now().UTC().Before(*integ.ExpiresAt)
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
