package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	cutoff time.Time
	rows   int64
	err    error
}

func (p *fakePruner) PruneSessions(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return p.rows, p.err
}

type fakeCleaner struct {
	retention time.Duration
}

func (c *fakeCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	c.retention = olderThan
	return 2, nil
}

func TestSessionsPruneUsesClockAndRetention(t *testing.T) {
	now := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	pruner := &fakePruner{rows: 4}
	cleaner := &fakeCleaner{}
	job := NewSessionsPruneJob(pruner, cleaner, nil, nil)
	job.clock = func() time.Time { return now }
	task, err := NewSessionsPruneTask(48 * time.Hour)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, now, pruner.cutoff)
	assert.Equal(t, 48*time.Hour, cleaner.retention)
}

func TestSessionsPruneDefaultsRetention(t *testing.T) {
	cleaner := &fakeCleaner{}
	job := NewSessionsPruneJob(&fakePruner{}, cleaner, nil, nil)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskSessionsPrune, nil)))

	assert.Equal(t, defaultKeyRetention, cleaner.retention)
}

func TestSessionsPruneStopsOnError(t *testing.T) {
	cleaner := &fakeCleaner{}
	job := NewSessionsPruneJob(&fakePruner{err: errors.New("boom")}, cleaner, nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskSessionsPrune, nil))

	assert.EqualError(t, err, "boom")
	assert.Zero(t, cleaner.retention)
}
