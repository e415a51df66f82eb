package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-admin/internal/auth"
	jobmetrics "github.com/odyssey-erp/odyssey-admin/internal/jobs"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

const lockoutModule = "auth.lockout"

// Enqueuer is the subset of *asynq.Client used to publish tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// LockoutNotifier publishes lockout events onto the job queue.
type LockoutNotifier struct {
	queue Enqueuer
}

// NewLockoutNotifier wraps an asynq client.
func NewLockoutNotifier(queue Enqueuer) *LockoutNotifier {
	return &LockoutNotifier{queue: queue}
}

// NotifyLockout enqueues an auth:lockout task.
func (n *LockoutNotifier) NotifyLockout(ctx context.Context, event auth.LockoutEvent) error {
	if n == nil || n.queue == nil {
		return errors.New("lockout notifier: queue not configured")
	}
	task, err := NewLockoutTask(event)
	if err != nil {
		return err
	}
	_, err = n.queue.EnqueueContext(ctx, task)
	return err
}

var _ auth.LockoutNotifier = (*LockoutNotifier)(nil)

// KeyStore deduplicates task deliveries.
type KeyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// LockoutJob writes an audit record for every lockout event.
type LockoutJob struct {
	Audit   shared.AuditRecorder
	Keys    KeyStore
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLockoutJob wires dependencies for the lockout handler.
func NewLockoutJob(audit shared.AuditRecorder, keys KeyStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *LockoutJob {
	return &LockoutJob{Audit: audit, Keys: keys, Logger: logger, Metrics: metrics}
}

// Handle processes auth:lockout tasks. Redelivered events are acknowledged
// without writing a second record.
func (j *LockoutJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Audit == nil {
		return errors.New("lockout job: handler not configured")
	}
	var payload LockoutPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("lockout job: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Username == "" {
		return fmt.Errorf("lockout job: username missing: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskAuthLockout)
	defer func() { err = tracker.End(err) }()

	logger := j.logger().With(slog.String("event_id", payload.EventID), slog.String("username", payload.Username))
	if j.Keys != nil && payload.EventID != "" {
		if err := j.Keys.CheckAndInsert(ctx, payload.EventID, lockoutModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				logger.Info("lockout already recorded")
				return nil
			}
			return err
		}
	}

	record := shared.AuditLog{
		Action:   shared.AuditLoginLockout,
		Entity:   "user",
		EntityID: payload.Username,
		Meta: map[string]any{
			"ip":                  payload.IP,
			"attempts":            payload.Attempts,
			"retry_after_seconds": payload.RetryAfterSeconds,
		},
		At: payload.OccurredAt,
	}
	if err := j.Audit.Record(ctx, record); err != nil {
		if j.Keys != nil && payload.EventID != "" {
			if delErr := j.Keys.Delete(ctx, payload.EventID); delErr != nil {
				logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		logger.Error("record lockout", slog.Any("error", err))
		return err
	}
	j.Metrics.AddLockouts(1)
	logger.Info("lockout recorded", slog.String("ip", payload.IP), slog.Int("attempts", payload.Attempts))
	return nil
}

func (j *LockoutJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
