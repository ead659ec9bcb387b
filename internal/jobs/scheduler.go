package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/pulsetrack/pulsetrack/internal/models"
	"github.com/pulsetrack/pulsetrack/internal/syncqueue"
)

// Integrations idle longer than this get a scheduled sync
const staleSyncAge = 6 * time.Hour

// Sessions past expiry by more than this are deleted outright
const sessionRetention = 24 * time.Hour

// Scheduler manages background jobs
type Scheduler struct {
	cron       *cron.Cron
	db         *gorm.DB
	dispatcher *syncqueue.Dispatcher
}

// NewScheduler creates a new job scheduler
func NewScheduler(db *gorm.DB, dispatcher *syncqueue.Dispatcher) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		db:         db,
		dispatcher: dispatcher,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	// Enqueue scheduled syncs for stale active integrations every hour
	s.cron.AddFunc("10 * * * *", func() {
		s.enqueueScheduledSyncs()
	})

	// Delete long-expired link sessions daily at 3:14 AM
	s.cron.AddFunc("14 3 * * *", func() {
		log.Println("Jobs: Running link session cleanup...")
		s.cleanupExpiredSessions()
	})

	s.cron.Start()
	log.Println("Job scheduler started")
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("Job scheduler stopped")
}

// enqueueScheduledSyncs schedules a sync for every active integration that
// has not synced recently. The task name encodes the schedule window, so a
// restart mid-window cannot double-enqueue.
func (s *Scheduler) enqueueScheduledSyncs() {
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-staleSyncAge)
	window := time.Now().UTC().Format("2006010215")

	var integrations []models.WhoopIntegration
	err := s.db.
		Where("sync_status = ? AND (last_synced_at IS NULL OR last_synced_at < ?)", models.SyncStatusActive, cutoff).
		Find(&integrations).Error
	if err != nil {
		log.Printf("Jobs: Failed to load stale integrations: %v", err)
		return
	}

	scheduled := 0
	for i := range integrations {
		integ := &integrations[i]
		payload := syncqueue.Payload{UserID: integ.UserID, Reason: syncqueue.ReasonScheduled}
		if integ.WhoopMemberID != nil {
			payload.MemberID = *integ.WhoopMemberID
		}

		_, err := s.dispatcher.Enqueue(ctx, payload, &syncqueue.Options{
			TaskName:      fmt.Sprintf("whoop-scheduled-%d-%s", integ.UserID, window),
			SwallowErrors: true,
		})
		if err != nil {
			log.Printf("Jobs: Failed to enqueue scheduled sync for user %d: %v", integ.UserID, err)
			continue
		}
		scheduled++
	}

	if scheduled > 0 {
		log.Printf("Jobs: Scheduled %d syncs", scheduled)
	}
}

// cleanupExpiredSessions removes sessions whose expiry passed without them
// ever being read (lazy expiry only marks sessions somebody looked at)
func (s *Scheduler) cleanupExpiredSessions() {
	cutoff := time.Now().UTC().Add(-sessionRetention)

	result := s.db.Where("expires_at < ?", cutoff).Delete(&models.LinkSession{})
	if result.Error != nil {
		log.Printf("Jobs: Failed to delete expired link sessions: %v", result.Error)
	} else if result.RowsAffected > 0 {
		log.Printf("Jobs: Deleted %d expired link sessions", result.RowsAffected)
	}
}
