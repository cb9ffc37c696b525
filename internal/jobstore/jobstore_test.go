package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnqueueAndGet_RoundTripsScalarFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	completion := time.Now().Add(time.Hour)
	id, err := store.Enqueue(ctx, "conv-1", "hello there", 4.5, completion)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, id, job.ID)
	assert.Equal(t, "conv-1", job.ConversationID)
	assert.Equal(t, "hello there", job.Prompt)
	assert.Equal(t, 4.5, job.EstimatedPower)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Nil(t, job.Response)
	assert.WithinDuration(t, completion, job.EstimatedCompletion, time.Millisecond)
	assert.True(t, job.EstimatedCompletion.After(job.SubmittedAt) || job.EstimatedCompletion.Equal(job.SubmittedAt))
}

func TestEnqueue_EmptyConversationIDPersistsAsEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "", "no conversation yet", 1.0, time.Now())
	require.NoError(t, err)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "", job.ConversationID)
}

func TestBindConversation_AttachesConversationID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "", "prompt", 1.0, time.Now())
	require.NoError(t, err)

	require.NoError(t, store.BindConversation(ctx, id, "conv-late"))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "conv-late", job.ConversationID)
}

func TestBindConversation_UnknownJobReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.BindConversation(context.Background(), "does-not-exist", "conv-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_UnknownJobReturnsNilWithoutError(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestSelectNext_FIFOBySubmissionOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := store.Enqueue(ctx, "conv-1", "p", 1.0, time.Now())
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(time.Millisecond)
	}

	job, err := store.SelectNext(ctx, 100, time.Now(), ModeImmediate)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, ids[0], job.ID)
}

func TestSelectNext_ScheduledModeRequiresPowerAndTimeWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "conv-1", "heavy job", 10.0, time.Now().Add(time.Hour))
	require.NoError(t, err)

	job, err := store.SelectNext(ctx, 5.0, time.Now(), ModeScheduled)
	require.NoError(t, err)
	assert.Nil(t, job, "insufficient available power should exclude the job")

	job, err = store.SelectNext(ctx, 20.0, time.Now(), ModeScheduled)
	require.NoError(t, err)
	assert.Nil(t, job, "estimated_completion in the future should exclude the job")

	job, err = store.SelectNext(ctx, 20.0, time.Now().Add(2*time.Hour), ModeScheduled)
	require.NoError(t, err)
	require.NotNil(t, job, "sufficient power and elapsed time should select the job")
}

func TestSelectNext_ExactlyEqualPowerIsSelectable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "conv-1", "p", 8.0, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	job, err := store.SelectNext(ctx, 8.0, time.Now(), ModeScheduled)
	require.NoError(t, err)
	assert.NotNil(t, job, "estimated_power == available_power must be selectable")
}

func TestTransition_OnlyAllowsDeclaredEdges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "conv-1", "p", 1.0, time.Now())
	require.NoError(t, err)

	assert.ErrorIs(t, store.Transition(ctx, id, StatusCompleted, nil), ErrInvalidTransition, "queued->completed would skip processing")

	require.NoError(t, store.Transition(ctx, id, StatusProcessing, nil))
	assert.ErrorIs(t, store.Transition(ctx, id, StatusProcessing, nil), ErrInvalidTransition, "processing->processing is not an edge")

	response := "done"
	require.NoError(t, store.Transition(ctx, id, StatusCompleted, &response))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	require.NotNil(t, job.Response)
	assert.Equal(t, "done", *job.Response)

	assert.ErrorIs(t, store.Transition(ctx, id, StatusFailed, nil), ErrInvalidTransition, "completed is terminal")
}

func TestQueueLengthAndPosition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	length, err := store.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, length)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := store.Enqueue(ctx, "conv-1", "p", 1.0, time.Now())
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(time.Millisecond)
	}

	length, err = store.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, length)

	pos, err := store.QueuePosition(ctx, ids[1])
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 2, *pos)

	require.NoError(t, store.Transition(ctx, ids[0], StatusProcessing, nil))
	pos, err = store.QueuePosition(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, pos, "a job no longer queued has no queue position")
}

func TestListByConversation_ReturnsOnlyMatchingJobsInOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	idA1, err := store.Enqueue(ctx, "conv-a", "first", 1.0, time.Now())
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = store.Enqueue(ctx, "conv-b", "other conversation", 1.0, time.Now())
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	idA2, err := store.Enqueue(ctx, "conv-a", "second", 1.0, time.Now())
	require.NoError(t, err)

	jobs, err := store.ListByConversation(ctx, "conv-a")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, idA1, jobs[0].ID)
	assert.Equal(t, idA2, jobs[1].ID)
}

func TestSweepStaleProcessing_FailsOnlyProcessingJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	queuedID, err := store.Enqueue(ctx, "conv-1", "queued", 1.0, time.Now())
	require.NoError(t, err)

	stuckID, err := store.Enqueue(ctx, "conv-1", "stuck", 1.0, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, stuckID, StatusProcessing, nil))

	n, err := store.SweepStaleProcessing(ctx, "interrupted on restart")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stuck, err := store.Get(ctx, stuckID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stuck.Status)
	require.NotNil(t, stuck.Response)
	assert.Equal(t, "interrupted on restart", *stuck.Response)

	queued, err := store.Get(ctx, queuedID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, queued.Status)
}
