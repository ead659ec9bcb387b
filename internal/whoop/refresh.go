package whoop

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/pulsetrack/pulsetrack/internal/models"
	"github.com/pulsetrack/pulsetrack/internal/vault"
)

// DefaultRefreshThreshold triggers a proactive refresh when the access token
// expires within this window, avoiding request-time stalls on a 401.
const DefaultRefreshThreshold = 5 * time.Minute

// EnsureResult is the outcome of EnsureAccessToken. An empty AccessToken with
// a nil error means no usable token exists and the user needs to re-link.
type EnsureResult struct {
	AccessToken string
	Integration *models.WhoopIntegration
	Refreshed   bool
}

// Refresher keeps stored access tokens fresh
type Refresher struct {
	db         *gorm.DB
	client     *Client
	vault      *vault.Vault
	threshold  time.Duration
	keyVersion string
}

// NewRefresher creates a token refresh coordinator. A zero threshold selects
// the default.
func NewRefresher(db *gorm.DB, client *Client, v *vault.Vault, threshold time.Duration, keyVersion string) *Refresher {
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	return &Refresher{db: db, client: client, vault: v, threshold: threshold, keyVersion: keyVersion}
}

// EnsureAccessToken returns a live access token for the integration,
// refreshing it first when it is missing, undecryptable, or expires within
// the threshold. Concurrent calls may each decide to refresh; duplicates are
// benign since the later persist simply stores equally valid newer tokens.
func (r *Refresher) EnsureAccessToken(ctx context.Context, integ *models.WhoopIntegration) (*EnsureResult, error) {
	accessToken, accessOK := "", false
	if integ.AccessToken != "" {
		accessToken, accessOK = r.vault.Decrypt(integ.AccessToken)
	}

	refreshToken := ""
	if integ.CanRefresh() {
		refreshToken, _ = r.vault.Decrypt(*integ.RefreshToken)
	}

	// Without a refresh token renewal is impossible: serve the access token
	// for as long as it lasts, then report no token.
	if refreshToken == "" {
		if accessOK && integ.ExpiresAt != nil && time.Now().UTC().Before(*integ.ExpiresAt) {
			return &EnsureResult{AccessToken: accessToken, Integration: integ}, nil
		}
		return &EnsureResult{Integration: integ}, nil
	}

	if accessOK && !r.shouldRefresh(integ) {
		return &EnsureResult{AccessToken: accessToken, Integration: integ}, nil
	}

	result, err := r.client.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	// Providers may omit a new refresh token; retain the old one.
	newRefresh := result.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	updated, err := r.persistTokens(ctx, integ, result, newRefresh)
	if err != nil {
		return nil, err
	}

	log.Printf("Whoop: Refreshed access token for user %d", integ.UserID)

	return &EnsureResult{AccessToken: result.AccessToken, Integration: updated, Refreshed: true}, nil
}

// shouldRefresh is true when no expiry is recorded or the remaining lifetime
// is at or below the threshold
func (r *Refresher) shouldRefresh(integ *models.WhoopIntegration) bool {
	if integ.ExpiresAt == nil {
		return true
	}
	return time.Until(*integ.ExpiresAt) <= r.threshold
}

// persistTokens re-encrypts the token pair and writes tokens, expiry, scopes,
// rotation timestamp, and sync status as one atomic unit
func (r *Refresher) persistTokens(ctx context.Context, integ *models.WhoopIntegration, result *TokenResult, refreshToken string) (*models.WhoopIntegration, error) {
	encAccess, err := r.vault.Encrypt(result.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := r.vault.Encrypt(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(result.ExpiresIn) * time.Second)

	updates := map[string]interface{}{
		"access_token":  encAccess,
		"refresh_token": encRefresh,
		"expires_at":    expiresAt,
		"key_version":   r.keyVersion,
		"rotated_at":    now,
		"sync_status":   models.SyncStatusActive,
	}
	if len(result.Scopes) > 0 {
		updates["scopes"] = joinScopes(result.Scopes)
	}

	err = r.db.WithContext(ctx).Model(&models.WhoopIntegration{}).
		Where("id = ?", integ.ID).
		Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	var updated models.WhoopIntegration
	if err := r.db.WithContext(ctx).First(&updated, integ.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload integration: %w", err)
	}

	return &updated, nil
}
