package whoop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/pulsetrack/pulsetrack/internal/cache"
	"github.com/pulsetrack/pulsetrack/internal/models"
)

// RecordSyncer pulls and stores a member's physiological data given a live
// bearer token. The implementation lives outside this pipeline.
type RecordSyncer interface {
	SyncMemberData(ctx context.Context, userID int, memberID, accessToken string) error
}

// ErrRelinkRequired is returned when no usable token exists and unattended
// renewal is impossible
var ErrRelinkRequired = errors.New("whoop tokens are unusable, user must re-link")

// SyncWorker implements syncqueue.Worker: it obtains a live access token via
// the refresh coordinator and hands off to the data syncer.
type SyncWorker struct {
	db        *gorm.DB
	refresher *Refresher
	syncer    RecordSyncer
	cache     cache.Invalidator
}

// NewSyncWorker creates the queue-facing worker
func NewSyncWorker(db *gorm.DB, refresher *Refresher, syncer RecordSyncer, invalidator cache.Invalidator) *SyncWorker {
	if invalidator == nil {
		invalidator = cache.LogInvalidator{}
	}
	return &SyncWorker{db: db, refresher: refresher, syncer: syncer, cache: invalidator}
}

// SyncUser runs one sync task
func (w *SyncWorker) SyncUser(ctx context.Context, userID int, memberID, reason string) error {
	var integ models.WhoopIntegration
	err := w.db.WithContext(ctx).Where("user_id = ?", userID).First(&integ).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The user unlinked after the task was enqueued; nothing to do
		log.Printf("Whoop: Sync for user %d skipped, no integration", userID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load integration: %w", err)
	}

	ensured, err := w.refresher.EnsureAccessToken(ctx, &integ)
	if err != nil {
		return err
	}
	if ensured.AccessToken == "" {
		return ErrRelinkRequired
	}

	if memberID == "" && ensured.Integration.WhoopMemberID != nil {
		memberID = *ensured.Integration.WhoopMemberID
	}

	if err := w.syncer.SyncMemberData(ctx, userID, memberID, ensured.AccessToken); err != nil {
		return fmt.Errorf("sync (%s) failed: %w", reason, err)
	}

	now := time.Now().UTC()
	err = w.db.WithContext(ctx).Model(&models.WhoopIntegration{}).
		Where("id = ?", ensured.Integration.ID).
		Update("last_synced_at", now).Error
	if err != nil {
		return fmt.Errorf("failed to record sync time: %w", err)
	}

	if err := w.cache.InvalidateDashboard(ctx, userID); err != nil {
		log.Printf("Whoop: Dashboard invalidation failed for user %d: %v", userID, err)
	}

	return nil
}
