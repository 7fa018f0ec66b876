package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/processor"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisConsumer(t *testing.T, runner *fakeRunner, sinks ...processor.ResultSink) (*RedisConsumer, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	c := newRedisConsumer(db, &RedisConsumerConfig{
		QueueName:     "q",
		ResultChannel: "results",
		PollTimeout:   time.Second,
		Handler:       newHandler(t, runner, nil, sinks...),
	})
	return c, mock
}

func storedJob(t *testing.T, job RedisJobData) string {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return string(data)
}

func TestProcessNextJobCompletes(t *testing.T) {
	c, mock := redisConsumer(t, &fakeRunner{})
	job := RedisJobData{ID: "job-1", MaxRetries: 3, Payload: BatchJob{
		JobID:    "job-1",
		Captures: []CaptureData{{ID: "c1", Image: pngBytes(t)}},
	}}

	mock.ExpectBRPop(time.Second, "q").SetVal([]string{"q", "job-1"})
	mock.ExpectHGet("q:data", "job-1").SetVal(storedJob(t, job))
	mock.ExpectSAdd("q:processing", "job-1").SetVal(1)
	mock.Regexp().ExpectPublish("q:events", `"event":"job:processing"`).SetVal(0)
	mock.ExpectSRem("q:processing", "job-1").SetVal(1)
	mock.ExpectSAdd("q:completed", "job-1").SetVal(1)
	mock.Regexp().ExpectHSet("q:results", "job-1", `"batchId":"b1"`).SetVal(1)
	mock.Regexp().ExpectPublish("q:events", `"event":"job:completed"`).SetVal(0)
	mock.Regexp().ExpectPublish("results", `"key":"k-c1"`).SetVal(1)

	require.NoError(t, c.processNextJob(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessNextJobRequeuesTransientFailure(t *testing.T) {
	c, mock := redisConsumer(t, &fakeRunner{abort: true, err: fmt.Errorf("boom")})
	job := RedisJobData{ID: "job-2", MaxRetries: 3, Payload: BatchJob{
		JobID:    "job-2",
		Captures: []CaptureData{{ID: "c1", Image: pngBytes(t)}},
	}}

	mock.ExpectBRPop(time.Second, "q").SetVal([]string{"q", "job-2"})
	mock.ExpectHGet("q:data", "job-2").SetVal(storedJob(t, job))
	mock.ExpectSAdd("q:processing", "job-2").SetVal(1)
	mock.Regexp().ExpectPublish("q:events", `job:processing`).SetVal(0)
	mock.Regexp().ExpectHSet("q:data", "job-2", `"attempts":1`).SetVal(0)
	mock.ExpectLPush("q", "job-2").SetVal(1)

	require.NoError(t, c.processNextJob(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessNextJobFailsInvalidJobWithoutRetry(t *testing.T) {
	c, mock := redisConsumer(t, &fakeRunner{})
	job := RedisJobData{ID: "job-3", MaxRetries: 3, Payload: BatchJob{JobID: "job-3"}}

	mock.ExpectBRPop(time.Second, "q").SetVal([]string{"q", "job-3"})
	mock.ExpectHGet("q:data", "job-3").SetVal(storedJob(t, job))
	mock.ExpectSAdd("q:processing", "job-3").SetVal(1)
	mock.Regexp().ExpectPublish("q:events", `job:processing`).SetVal(0)
	mock.ExpectSRem("q:processing", "job-3").SetVal(1)
	mock.ExpectSAdd("q:failed", "job-3").SetVal(1)
	mock.Regexp().ExpectHSet("q:errors", "job-3", `INVALID_CAPTURE`).SetVal(1)
	mock.Regexp().ExpectPublish("q:events", `job:failed`).SetVal(0)

	require.NoError(t, c.processNextJob(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessNextJobFailsDeliveryWithoutRetry(t *testing.T) {
	runner := &fakeRunner{}
	c, mock := redisConsumer(t, runner, &fakeSink{err: errors.NewStorageFailedError("c1", fmt.Errorf("connection reset"))})
	job := RedisJobData{ID: "job-4", MaxRetries: 3, Payload: BatchJob{
		JobID:    "job-4",
		Captures: []CaptureData{{ID: "c1", Image: pngBytes(t)}},
	}}

	mock.ExpectBRPop(time.Second, "q").SetVal([]string{"q", "job-4"})
	mock.ExpectHGet("q:data", "job-4").SetVal(storedJob(t, job))
	mock.ExpectSAdd("q:processing", "job-4").SetVal(1)
	mock.Regexp().ExpectPublish("q:events", `job:processing`).SetVal(0)
	mock.ExpectSRem("q:processing", "job-4").SetVal(1)
	mock.ExpectSAdd("q:failed", "job-4").SetVal(1)
	mock.Regexp().ExpectHSet("q:errors", "job-4", `STORAGE_FAILED.*"batchId":"b1"`).SetVal(1)
	mock.Regexp().ExpectPublish("q:events", `job:failed`).SetVal(0)

	require.NoError(t, c.processNextJob(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, runner.runs)
}

func TestProcessNextJobRecordsFailedRequeue(t *testing.T) {
	c, mock := redisConsumer(t, &fakeRunner{abort: true, err: fmt.Errorf("boom")})
	job := RedisJobData{ID: "job-5", MaxRetries: 3, Payload: BatchJob{
		JobID:    "job-5",
		Captures: []CaptureData{{ID: "c1", Image: pngBytes(t)}},
	}}

	mock.ExpectBRPop(time.Second, "q").SetVal([]string{"q", "job-5"})
	mock.ExpectHGet("q:data", "job-5").SetVal(storedJob(t, job))
	mock.ExpectSAdd("q:processing", "job-5").SetVal(1)
	mock.Regexp().ExpectPublish("q:events", `job:processing`).SetVal(0)
	mock.Regexp().ExpectHSet("q:data", "job-5", `"attempts":1`).SetVal(0)
	mock.ExpectLPush("q", "job-5").SetErr(fmt.Errorf("READONLY replica"))
	mock.ExpectSRem("q:processing", "job-5").SetVal(1)
	mock.ExpectSAdd("q:failed", "job-5").SetVal(1)
	mock.Regexp().ExpectHSet("q:errors", "job-5", `re-queue failed`).SetVal(1)
	mock.Regexp().ExpectPublish("q:events", `job:failed`).SetVal(0)

	err := c.processNextJob(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "READONLY")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStopFinishesInFlightJob(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	runner := &fakeRunner{hook: func() {
		close(started)
		<-release
	}}
	c, mock := redisConsumer(t, runner)
	job := RedisJobData{ID: "job-6", MaxRetries: 3, Payload: BatchJob{
		JobID:    "job-6",
		Captures: []CaptureData{{ID: "c1", Image: pngBytes(t)}},
	}}

	mock.ExpectBRPop(time.Second, "q").SetVal([]string{"q", "job-6"})
	mock.ExpectHGet("q:data", "job-6").SetVal(storedJob(t, job))
	mock.ExpectSAdd("q:processing", "job-6").SetVal(1)
	mock.Regexp().ExpectPublish("q:events", `job:processing`).SetVal(0)
	mock.ExpectSRem("q:processing", "job-6").SetVal(1)
	mock.ExpectSAdd("q:completed", "job-6").SetVal(1)
	mock.Regexp().ExpectHSet("q:results", "job-6", `"batchId":"b1"`).SetVal(1)
	mock.Regexp().ExpectPublish("q:events", `job:completed`).SetVal(0)
	mock.Regexp().ExpectPublish("results", `"jobId":"job-6"`).SetVal(1)

	require.NoError(t, c.Start())
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()
	<-c.ctx.Done()
	close(release)

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the in-flight job finished")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookkeepingOutlivesShutdown(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	ctx, done := bookkeeping(parent)
	defer done()
	assert.NoError(t, ctx.Err())
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(bookkeepingTimeout), deadline, time.Second)
}

func TestProcessNextJobEmptyQueue(t *testing.T) {
	c, mock := redisConsumer(t, &fakeRunner{})
	mock.ExpectBRPop(time.Second, "q").RedisNil()

	err := c.processNextJob(context.Background())
	assert.ErrorIs(t, err, errNoJobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStats(t *testing.T) {
	c, mock := redisConsumer(t, &fakeRunner{})
	mock.ExpectLLen("q").SetVal(4)
	mock.ExpectSCard("q:processing").SetVal(1)
	mock.ExpectSCard("q:completed").SetVal(10)
	mock.ExpectSCard("q:failed").SetVal(2)

	stats, err := c.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"waiting": 4, "processing": 1, "completed": 10, "failed": 2}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}
