package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-admin/internal/auth"
	jobmetrics "github.com/odyssey-erp/odyssey-admin/internal/jobs"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

type capturingQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *capturingQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Queue: QueueDefault, Type: task.Type()}, nil
}

type memoryAudit struct {
	logs []shared.AuditLog
	err  error
}

func (a *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

type memoryKeys struct {
	keys map[string]string
}

func newMemoryKeys() *memoryKeys { return &memoryKeys{keys: map[string]string{}} }

func (k *memoryKeys) CheckAndInsert(_ context.Context, key, module string) error {
	if _, ok := k.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	k.keys[key] = module
	return nil
}

func (k *memoryKeys) Delete(_ context.Context, key string) error {
	delete(k.keys, key)
	return nil
}

func sampleEvent() auth.LockoutEvent {
	return auth.LockoutEvent{
		Username:   "alice",
		IP:         "10.0.0.7",
		Attempts:   5,
		RetryAfter: 87 * time.Second,
		OccurredAt: time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC),
	}
}

func TestNotifierEnqueuesLockoutTask(t *testing.T) {
	queue := &capturingQueue{}
	notifier := NewLockoutNotifier(queue)

	require.NoError(t, notifier.NotifyLockout(context.Background(), sampleEvent()))

	require.Len(t, queue.tasks, 1)
	task := queue.tasks[0]
	assert.Equal(t, TaskAuthLockout, task.Type())
	var payload LockoutPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.NotEmpty(t, payload.EventID)
	assert.Equal(t, "alice", payload.Username)
	assert.Equal(t, 87, payload.RetryAfterSeconds)
}

func TestNotifierPropagatesQueueErrors(t *testing.T) {
	notifier := NewLockoutNotifier(&capturingQueue{err: errors.New("redis down")})

	err := notifier.NotifyLockout(context.Background(), sampleEvent())

	assert.EqualError(t, err, "redis down")
}

func lockoutTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := NewLockoutTask(sampleEvent())
	require.NoError(t, err)
	return task
}

func TestLockoutJobRecordsAuditOnce(t *testing.T) {
	audit := &memoryAudit{}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewLockoutJob(audit, newMemoryKeys(), nil, metrics)
	task := lockoutTask(t)

	require.NoError(t, job.Handle(context.Background(), task))
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, audit.logs, 1)
	log := audit.logs[0]
	assert.Equal(t, shared.AuditLoginLockout, log.Action)
	assert.Equal(t, "user", log.Entity)
	assert.Equal(t, "alice", log.EntityID)
	assert.Equal(t, "10.0.0.7", log.Meta["ip"])
	assert.Equal(t, 5, log.Meta["attempts"])
	assert.Equal(t, sampleEvent().OccurredAt, log.At)
	var recorded dto.Metric
	require.NoError(t, metrics.Lockouts().Write(&recorded))
	assert.Equal(t, float64(1), recorded.GetCounter().GetValue())
}

func TestLockoutJobReleasesKeyOnFailure(t *testing.T) {
	audit := &memoryAudit{err: errors.New("db down")}
	keys := newMemoryKeys()
	job := NewLockoutJob(audit, keys, nil, nil)

	err := job.Handle(context.Background(), lockoutTask(t))

	assert.EqualError(t, err, "db down")
	assert.Empty(t, keys.keys)
}

func TestLockoutJobSkipsMalformedPayload(t *testing.T) {
	job := NewLockoutJob(&memoryAudit{}, nil, nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskAuthLockout, []byte("{")))

	assert.ErrorIs(t, err, asynq.SkipRetry)
}
