// Package cache exposes the dashboard cache invalidation hook. The dashboard
// itself lives outside this service; invalidation is best-effort and a
// failure is never fatal to the operation that triggered it.
package cache

import (
	"context"
	"log"
)

// Invalidator drops any cached dashboard tiles for a user
type Invalidator interface {
	InvalidateDashboard(ctx context.Context, userID int) error
}

// LogInvalidator is the default hook used when no dashboard cache is wired
// up; it only records that an invalidation would have happened.
type LogInvalidator struct{}

func (LogInvalidator) InvalidateDashboard(_ context.Context, userID int) error {
	log.Printf("Cache: Dashboard invalidation requested for user %d (no cache configured)", userID)
	return nil
}
