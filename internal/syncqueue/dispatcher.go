// Package syncqueue persists durable, retryable sync work and dispatches it
// either inline or to an out-of-band consumer.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pulsetrack/pulsetrack/internal/models"
)

// DefaultQueue is the queue name sync tasks are written to
const DefaultQueue = "whoop-sync"

// Reasons a sync task gets enqueued
const (
	ReasonInitialLink = "initial-link"
	ReasonWebhook     = "webhook"
	ReasonManualRetry = "manual-retry"
	ReasonScheduled   = "scheduled"
)

// Payload is the JSON body carried by every sync task
type Payload struct {
	UserID   int    `json:"user_id"`
	MemberID string `json:"member_id,omitempty"`
	Reason   string `json:"reason"`
}

// RetryPolicy bounds the consumer's retry behavior. Recorded on every task as
// an immutable reference value.
type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy is applied to every enqueued task
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	MinBackoff:  30 * time.Second,
	MaxBackoff:  time.Hour,
}

// Worker executes one sync task. The real implementation pulls physiological
// data from the platform; from the queue's point of view it is an opaque
// collaborator.
type Worker interface {
	SyncUser(ctx context.Context, userID int, memberID, reason string) error
}

// Options tunes a single enqueue call
type Options struct {
	// TaskName overrides the generated name; used for idempotency
	TaskName string
	// NotBefore delays execution in queued mode
	NotBefore *time.Time
	// SwallowErrors makes inline worker failures non-fatal to the caller
	SwallowErrors bool
}

// Dispatcher persists sync tasks and, in inline mode, runs them immediately
type Dispatcher struct {
	db     *gorm.DB
	queue  string
	inline bool
	worker Worker
}

// NewDispatcher creates a dispatcher. worker may be nil when inline is false.
func NewDispatcher(db *gorm.DB, queue string, inline bool, worker Worker) *Dispatcher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Dispatcher{db: db, queue: queue, inline: inline, worker: worker}
}

// Enqueue persists a task for the payload. Enqueuing a name that already
// exists is a no-op returning the existing row, never a duplicate insert. In
// inline mode the task is marked dispatched and the worker runs synchronously;
// a failure to even mark the task dispatched is always fatal regardless of
// the swallow flag, since an un-markable task must not silently disappear.
func (d *Dispatcher) Enqueue(ctx context.Context, payload Payload, opts *Options) (*models.SyncTask, error) {
	if opts == nil {
		opts = &Options{}
	}

	name := opts.TaskName
	if name == "" {
		name = fmt.Sprintf("whoop-sync-%d-%d", payload.UserID, time.Now().UnixNano())
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}

	task := &models.SyncTask{
		Name:              name,
		Queue:             d.queue,
		Payload:           body,
		MaxAttempts:       DefaultRetryPolicy.MaxAttempts,
		MinBackoffSeconds: int(DefaultRetryPolicy.MinBackoff.Seconds()),
		MaxBackoffSeconds: int(DefaultRetryPolicy.MaxBackoff.Seconds()),
		Status:            models.TaskStatusPending,
		NotBefore:         opts.NotBefore,
	}

	result := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(task)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to enqueue sync task: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		// Idempotent re-delivery: hand back the existing row untouched
		var existing models.SyncTask
		if err := d.db.WithContext(ctx).Where("name = ?", name).First(&existing).Error; err != nil {
			return nil, fmt.Errorf("failed to load existing sync task: %w", err)
		}
		return &existing, nil
	}

	if !d.inline {
		return task, nil
	}

	return task, d.runInline(ctx, task, payload, opts.SwallowErrors)
}

// runInline marks the task dispatched and invokes the worker synchronously
func (d *Dispatcher) runInline(ctx context.Context, task *models.SyncTask, payload Payload, swallow bool) error {
	if d.worker == nil {
		return errors.New("inline sync mode configured without a worker")
	}

	if err := d.markDispatched(ctx, task); err != nil {
		log.Printf("SyncQueue: Failed to mark task %s dispatched: %v", task.Name, err)
		return fmt.Errorf("failed to mark sync task dispatched: %w", err)
	}

	if err := d.worker.SyncUser(ctx, payload.UserID, payload.MemberID, payload.Reason); err != nil {
		log.Printf("SyncQueue: Inline sync for task %s failed: %v", task.Name, err)
		d.recordFailure(ctx, task, err)
		if swallow {
			return nil
		}
		return fmt.Errorf("inline sync failed: %w", err)
	}

	d.recordSuccess(ctx, task)
	return nil
}

func (d *Dispatcher) markDispatched(ctx context.Context, task *models.SyncTask) error {
	now := time.Now().UTC()
	err := d.db.WithContext(ctx).Model(task).Updates(map[string]interface{}{
		"status":           models.TaskStatusDispatched,
		"attempts":         gorm.Expr("attempts + 1"),
		"first_attempt_at": now,
		"last_attempt_at":  now,
	}).Error
	if err != nil {
		return err
	}
	task.Status = models.TaskStatusDispatched
	return nil
}

func (d *Dispatcher) recordSuccess(ctx context.Context, task *models.SyncTask) {
	err := d.db.WithContext(ctx).Model(task).Update("status", models.TaskStatusCompleted).Error
	if err != nil {
		log.Printf("SyncQueue: Failed to mark task %s completed: %v", task.Name, err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, task *models.SyncTask, workErr error) {
	msg := workErr.Error()
	err := d.db.WithContext(ctx).Model(task).Updates(map[string]interface{}{
		"status":     models.TaskStatusFailed,
		"last_error": msg,
	}).Error
	if err != nil {
		log.Printf("SyncQueue: Failed to record failure for task %s: %v", task.Name, err)
	}
}
