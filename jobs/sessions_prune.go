package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-admin/internal/jobs"
)

const defaultKeyRetention = 7 * 24 * time.Hour

// SessionPruner deletes expired session rows.
type SessionPruner interface {
	PruneSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// KeyCleaner drops idempotency keys older than a retention window.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SessionsPruneJob keeps the user_sessions and idempotency_keys tables small.
type SessionsPruneJob struct {
	Sessions SessionPruner
	Keys     KeyCleaner
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewSessionsPruneJob wires dependencies for the prune handler.
func NewSessionsPruneJob(sessions SessionPruner, keys KeyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *SessionsPruneJob {
	return &SessionsPruneJob{
		Sessions: sessions,
		Keys:     keys,
		Logger:   logger,
		Metrics:  metrics,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes auth:sessions_prune tasks.
func (j *SessionsPruneJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sessions == nil {
		return errors.New("sessions prune: handler not configured")
	}
	var payload SessionsPrunePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("sessions prune: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	retention := time.Duration(payload.KeyRetentionHours) * time.Hour
	if retention <= 0 {
		retention = defaultKeyRetention
	}

	tracker := j.Metrics.Track(TaskSessionsPrune)
	defer func() { err = tracker.End(err) }()

	sessions, err := j.Sessions.PruneSessions(ctx, j.clock())
	if err != nil {
		return err
	}
	j.Metrics.AddPruned("sessions", sessions)

	var keys int64
	if j.Keys != nil {
		keys, err = j.Keys.Cleanup(ctx, retention)
		if err != nil {
			return err
		}
		j.Metrics.AddPruned("idempotency_keys", keys)
	}
	j.logger().Info("sessions pruned", slog.Int64("sessions", sessions), slog.Int64("idempotency_keys", keys))
	return nil
}

func (j *SessionsPruneJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
