package whoop

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/pulsetrack/pulsetrack/internal/models"
)

// DefaultSessionTTL is how long a link session stays usable
const DefaultSessionTTL = 10 * time.Minute

// ErrInvalidLinkSession covers every state-validation failure: unknown state,
// wrong owner, already completed, already cancelled, or expired. Callers get
// one generic signal so session existence cannot be probed.
var ErrInvalidLinkSession = errors.New("link session is invalid or expired")

// SessionManager issues and validates single-use link sessions (the OAuth
// state handshake)
type SessionManager struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewSessionManager creates a session manager with the given TTL. A zero TTL
// selects the default.
func NewSessionManager(db *gorm.DB, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{db: db, ttl: ttl}
}

// Initiate cancels any currently open session for the user and creates a
// fresh one, atomically. At most one open session per user at all times.
func (m *SessionManager) Initiate(ctx context.Context, userID int, redirectURI string, scopes []string) (*models.LinkSession, error) {
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &models.LinkSession{
		UserID:      userID,
		State:       state,
		RedirectURI: redirectURI,
		Scopes:      strings.Join(scopes, " "),
		ExpiresAt:   now.Add(m.ttl),
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := cancelOpenSessions(tx, userID, now); err != nil {
			return err
		}
		return tx.Create(session).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create link session: %w", err)
	}

	return session, nil
}

// Open returns the user's current open session, or nil when none exists.
// Expiry is evaluated lazily here: a session found past its expiry is marked
// cancelled as a side effect of the read and treated as absent.
func (m *SessionManager) Open(ctx context.Context, userID int) (*models.LinkSession, error) {
	var session models.LinkSession
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND completed_at IS NULL AND cancelled_at IS NULL", userID).
		Order("id DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read link session: %w", err)
	}

	now := time.Now().UTC()
	if !now.Before(session.ExpiresAt) {
		if err := m.db.WithContext(ctx).Model(&session).Update("cancelled_at", now).Error; err != nil {
			return nil, fmt.Errorf("failed to expire link session: %w", err)
		}
		return nil, nil
	}

	return &session, nil
}

// Validate looks up the session for the supplied state and checks it is open,
// unexpired, and owned by the user. Every mismatch maps onto
// ErrInvalidLinkSession.
func (m *SessionManager) Validate(ctx context.Context, userID int, state string) (*models.LinkSession, error) {
	if state == "" {
		return nil, ErrInvalidLinkSession
	}

	var session models.LinkSession
	err := m.db.WithContext(ctx).Where("state = ?", state).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidLinkSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read link session: %w", err)
	}

	if session.UserID != userID || !session.IsOpen(time.Now().UTC()) {
		return nil, ErrInvalidLinkSession
	}

	return &session, nil
}

// Complete closes the session and cancels any other open sessions for the
// same user. Runs inside the caller's transaction.
func (m *SessionManager) Complete(tx *gorm.DB, session *models.LinkSession) error {
	now := time.Now().UTC()

	if err := tx.Model(session).Update("completed_at", now).Error; err != nil {
		return fmt.Errorf("failed to close link session: %w", err)
	}

	return cancelOpenSessions(tx.Where("id <> ?", session.ID), session.UserID, now)
}

// CancelOpen cancels any open session for the user (used on unlink so a stale
// browser tab cannot finish a link afterwards)
func (m *SessionManager) CancelOpen(ctx context.Context, userID int) error {
	return cancelOpenSessions(m.db.WithContext(ctx), userID, time.Now().UTC())
}

func cancelOpenSessions(tx *gorm.DB, userID int, now time.Time) error {
	err := tx.Model(&models.LinkSession{}).
		Where("user_id = ? AND completed_at IS NULL AND cancelled_at IS NULL", userID).
		Update("cancelled_at", now).Error
	if err != nil {
		return fmt.Errorf("failed to cancel open link sessions: %w", err)
	}
	return nil
}

// generateState mints an unguessable single-use state token
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(b), nil
}
