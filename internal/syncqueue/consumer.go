package syncqueue

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/pulsetrack/pulsetrack/internal/models"
)

// DefaultPollInterval is how often the consumer looks for due tasks
const DefaultPollInterval = 15 * time.Second

const claimBatchSize = 20

// Consumer drains PENDING tasks in queued mode: it claims due work, runs the
// worker, and reschedules failures with exponential backoff up to the task's
// recorded retry policy.
type Consumer struct {
	db       *gorm.DB
	worker   Worker
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewConsumer creates a queue consumer. A zero interval selects the default.
func NewConsumer(db *gorm.DB, worker Worker, interval time.Duration) *Consumer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Consumer{
		db:       db,
		worker:   worker,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins polling in the background
func (c *Consumer) Start() {
	log.Printf("SyncQueue: Consumer started (poll interval %s)", c.interval)

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.runOnce(context.Background())
		for {
			select {
			case <-ticker.C:
				c.runOnce(context.Background())
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts polling and waits for the in-flight pass to finish
func (c *Consumer) Stop() {
	close(c.stop)
	<-c.done
	log.Println("SyncQueue: Consumer stopped")
}

// runOnce claims and executes one batch of due tasks
func (c *Consumer) runOnce(ctx context.Context) {
	now := time.Now().UTC()

	var tasks []models.SyncTask
	err := c.db.WithContext(ctx).
		Where("status = ? AND (not_before IS NULL OR not_before <= ?)", models.TaskStatusPending, now).
		Order("id").
		Limit(claimBatchSize).
		Find(&tasks).Error
	if err != nil {
		log.Printf("SyncQueue: Failed to load due tasks: %v", err)
		return
	}

	for i := range tasks {
		c.execute(ctx, &tasks[i])
	}
}

// execute claims one task and runs the worker against it
func (c *Consumer) execute(ctx context.Context, task *models.SyncTask) {
	now := time.Now().UTC()

	// Conditional claim: losing the race to another consumer is normal
	claim := c.db.WithContext(ctx).Model(&models.SyncTask{}).
		Where("id = ? AND status = ?", task.ID, models.TaskStatusPending).
		Updates(map[string]interface{}{
			"status":          models.TaskStatusDispatched,
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": now,
		})
	if claim.Error != nil {
		log.Printf("SyncQueue: Failed to claim task %s: %v", task.Name, claim.Error)
		return
	}
	if claim.RowsAffected == 0 {
		return
	}
	task.Attempts++

	if task.FirstAttemptAt == nil {
		if err := c.db.WithContext(ctx).Model(task).Update("first_attempt_at", now).Error; err != nil {
			log.Printf("SyncQueue: Failed to stamp first attempt for task %s: %v", task.Name, err)
		}
	}

	var payload Payload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		log.Printf("SyncQueue: Task %s carries an unreadable payload: %v", task.Name, err)
		c.finish(ctx, task, models.TaskStatusFailed, err.Error())
		return
	}

	if err := c.worker.SyncUser(ctx, payload.UserID, payload.MemberID, payload.Reason); err != nil {
		c.handleFailure(ctx, task, err)
		return
	}

	c.finish(ctx, task, models.TaskStatusCompleted, "")
}

// handleFailure reschedules with backoff or marks the task terminally failed
func (c *Consumer) handleFailure(ctx context.Context, task *models.SyncTask, workErr error) {
	log.Printf("SyncQueue: Task %s attempt %d/%d failed: %v", task.Name, task.Attempts, task.MaxAttempts, workErr)

	if task.Attempts >= task.MaxAttempts {
		c.finish(ctx, task, models.TaskStatusFailed, workErr.Error())
		return
	}

	notBefore := time.Now().UTC().Add(backoff(task, task.Attempts))
	err := c.db.WithContext(ctx).Model(task).Updates(map[string]interface{}{
		"status":     models.TaskStatusPending,
		"not_before": notBefore,
		"last_error": workErr.Error(),
	}).Error
	if err != nil {
		log.Printf("SyncQueue: Failed to reschedule task %s: %v", task.Name, err)
	}
}

func (c *Consumer) finish(ctx context.Context, task *models.SyncTask, status, errMsg string) {
	updates := map[string]interface{}{"status": status}
	if errMsg != "" {
		updates["last_error"] = errMsg
	}
	if err := c.db.WithContext(ctx).Model(task).Updates(updates).Error; err != nil {
		log.Printf("SyncQueue: Failed to finish task %s: %v", task.Name, err)
	}
}

// backoff doubles from the task's minimum bound per attempt, capped at the
// maximum bound
func backoff(task *models.SyncTask, attempt int) time.Duration {
	min := time.Duration(task.MinBackoffSeconds) * time.Second
	max := time.Duration(task.MaxBackoffSeconds) * time.Second
	if min <= 0 {
		min = DefaultRetryPolicy.MinBackoff
	}
	if max < min {
		max = min
	}

	d := min
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
