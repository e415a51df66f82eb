package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-admin/internal/auth"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthLockout records a login lockout in the audit trail.
	TaskAuthLockout = "auth:lockout"
	// TaskSessionsPrune drops expired session rows and stale idempotency keys.
	TaskSessionsPrune = "auth:sessions_prune"
)

// LockoutPayload is the wire form of an auth.LockoutEvent. EventID makes
// redelivered tasks detectable.
type LockoutPayload struct {
	EventID           string    `json:"event_id"`
	Username          string    `json:"username"`
	IP                string    `json:"ip"`
	Attempts          int       `json:"attempts"`
	RetryAfterSeconds int       `json:"retry_after_seconds"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// NewLockoutTask builds the asynq task for event.
func NewLockoutTask(event auth.LockoutEvent) (*asynq.Task, error) {
	payload := LockoutPayload{
		EventID:           uuid.NewString(),
		Username:          event.Username,
		IP:                event.IP,
		Attempts:          event.Attempts,
		RetryAfterSeconds: int(event.RetryAfter.Round(time.Second) / time.Second),
		OccurredAt:        event.OccurredAt,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthLockout, data, asynq.MaxRetry(5), asynq.Queue(QueueDefault)), nil
}

// SessionsPrunePayload configures a prune run.
type SessionsPrunePayload struct {
	KeyRetentionHours int `json:"key_retention_hours"`
}

// NewSessionsPruneTask builds the periodic prune task.
func NewSessionsPruneTask(keyRetention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(SessionsPrunePayload{KeyRetentionHours: int(keyRetention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionsPrune, data), nil
}
