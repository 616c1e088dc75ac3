package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/dynamic-shield/shield-oracle/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

var m = metrics.NewMetrics("test", prometheus.NewRegistry())

type FakeKafkaClient struct {
	FakeProducerClient
	records             []*kgo.Record
	fetchErr            error
	failedPolls         int // number of polls failing with fetchErr, 0 fails all of them
	idle                func()
	polls               int
	delivered           bool
	position            int64
	rewinds             []map[string]map[int32]kgo.EpochOffset
	committed           []*kgo.Record
	commitCount         int
	allowRebalanceCount int
}

// PollRecords returns the records from the current position once. Later polls call idle and return nothing until
// the position is set again.
func (f *FakeKafkaClient) PollRecords(_ context.Context, _ int) kgo.Fetches {
	f.polls++
	if f.fetchErr != nil && (f.failedPolls == 0 || f.polls <= f.failedPolls) {
		return kgo.Fetches{{Topics: []kgo.FetchTopic{{
			Topic:      "jobs",
			Partitions: []kgo.FetchPartition{{Partition: 0, Err: f.fetchErr}},
		}}}}
	}
	if f.delivered {
		if f.idle != nil {
			f.idle()
		}
		return kgo.Fetches{}
	}
	f.delivered = true

	var records []*kgo.Record
	for _, r := range f.records {
		if r.Offset >= f.position {
			records = append(records, r)
		}
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "jobs",
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: records}},
	}}}}
}

func (f *FakeKafkaClient) SetOffsets(offsets map[string]map[int32]kgo.EpochOffset) {
	f.rewinds = append(f.rewinds, offsets)
	f.position = offsets["jobs"][0].Offset
	f.delivered = false
}

func (f *FakeKafkaClient) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	f.commitCount++
	f.committed = append(f.committed, rs...)
	return nil
}

func (f *FakeKafkaClient) AllowRebalance() {
	f.allowRebalanceCount++
}

type FakeHandler struct {
	errs    map[string]error
	handled []entities.Job
}

func (f *FakeHandler) Handle(_ context.Context, job entities.Job) error {
	f.handled = append(f.handled, job)
	return f.errs[job.ID]
}

type FakeDeadLetterSink struct {
	indexed []entities.DeadLetterRecord
}

func (f *FakeDeadLetterSink) IndexDeadLetter(_ context.Context, record entities.DeadLetterRecord) error {
	f.indexed = append(f.indexed, record)
	return nil
}

func jobRecord(t *testing.T, job entities.Job, offset int64) *kgo.Record {
	record, err := createJobRecord("jobs", job)
	require.NoError(t, err)
	record.Offset = offset
	return record
}

func newTestConsumer(client *FakeKafkaClient, sink DeadLetterSink) *Consumer {
	cfg := ConsumerConfig{
		JobsTopic:       "jobs",
		DeadLetterTopic: "jobs-dlq",
		MaxAttempts:     3,
		RetryBackoff:    func(int) time.Duration { return 0 },
	}
	return NewConsumer(client, cfg, sink, m, zap.NewNop().Sugar())
}

func TestConsumer_ConsumeBatch(t *testing.T) {
	job1, job2 := testJob(t, 1), testJob(t, 2)
	client := &FakeKafkaClient{records: []*kgo.Record{jobRecord(t, job1, 0), jobRecord(t, job2, 1)}}
	handler := &FakeHandler{}

	count, err := newTestConsumer(client, nil).consumeBatch(context.Background(), handler)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, client.allowRebalanceCount)
	assert.Equal(t, 1, client.commitCount)
	assert.Len(t, client.committed, 2)
	require.Len(t, handler.handled, 2)
	assert.Equal(t, job1.ID, handler.handled[0].ID)
	assert.Equal(t, job2.ID, handler.handled[1].ID)
	assert.Empty(t, client.produced)
}

func TestConsumer_ConsumeBatch_givenHandlerError_thenRetryAndCommit(t *testing.T) {
	job := testJob(t, 1)
	client := &FakeKafkaClient{records: []*kgo.Record{jobRecord(t, job, 0)}}
	handler := &FakeHandler{errs: map[string]error{job.ID: errors.New("rpc unavailable")}}

	count, err := newTestConsumer(client, nil).consumeBatch(context.Background(), handler)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, client.commitCount)

	require.Len(t, client.produced, 1)
	retry := client.produced[0]
	assert.Equal(t, "jobs", retry.Topic)
	assert.Equal(t, job.ID, string(retry.Key))
	assert.Equal(t, "1", headerValue(retry, headerAttempt))
	assert.Equal(t, "rpc unavailable", headerValue(retry, headerLastError))

	var retried entities.Job
	require.NoError(t, json.Unmarshal(retry.Value, &retried))
	assert.Equal(t, 1, retried.Attempt)
	assert.False(t, retried.NotBefore.IsZero())
}

func TestConsumer_ConsumeBatch_givenLastAttemptFails_thenDeadLetter(t *testing.T) {
	job := testJob(t, 1)
	job.Attempt = 2
	client := &FakeKafkaClient{records: []*kgo.Record{jobRecord(t, job, 5)}}
	handler := &FakeHandler{errs: map[string]error{job.ID: errors.New("reverted")}}
	sink := &FakeDeadLetterSink{}

	count, err := newTestConsumer(client, sink).consumeBatch(context.Background(), handler)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, client.commitCount)

	require.Len(t, client.produced, 1)
	dead := client.produced[0]
	assert.Equal(t, "jobs-dlq", dead.Topic)
	assert.Equal(t, "2", headerValue(dead, headerAttempt))
	assert.Equal(t, "reverted", headerValue(dead, headerLastError))
	assert.Equal(t, "jobs/0/5", headerValue(dead, headerSource))

	require.Len(t, sink.indexed, 1)
	assert.Equal(t, job.ID, sink.indexed[0].JobID)
	assert.Equal(t, 2, sink.indexed[0].Attempt)
}

func TestConsumer_ConsumeBatch_givenInvalidJob_thenDeadLetterWithoutHandling(t *testing.T) {
	client := &FakeKafkaClient{records: []*kgo.Record{{Topic: "jobs", Key: []byte("x"), Value: []byte("garbage")}}}
	handler := &FakeHandler{}

	count, err := newTestConsumer(client, nil).consumeBatch(context.Background(), handler)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Empty(t, handler.handled)
	require.Len(t, client.produced, 1)
	assert.Equal(t, "jobs-dlq", client.produced[0].Topic)
	assert.Equal(t, []byte("garbage"), client.produced[0].Value)
}

func TestConsumer_ConsumeBatch_givenPermanentHandlerError_thenNoRetry(t *testing.T) {
	job := testJob(t, 1)
	client := &FakeKafkaClient{records: []*kgo.Record{jobRecord(t, job, 0)}}
	handler := &FakeHandler{errs: map[string]error{job.ID: errors.Wrap(entities.ErrInvalidJob, "bad pool")}}

	_, err := newTestConsumer(client, nil).consumeBatch(context.Background(), handler)
	require.NoError(t, err)
	require.Len(t, client.produced, 1)
	assert.Equal(t, "jobs-dlq", client.produced[0].Topic)
}

func TestConsumer_ConsumeBatch_givenProduceFails_thenCommitOnlyCompleted(t *testing.T) {
	job1, job2 := testJob(t, 1), testJob(t, 2)
	client := &FakeKafkaClient{records: []*kgo.Record{jobRecord(t, job1, 0), jobRecord(t, job2, 1)}}
	client.err = errors.New("broker down")
	handler := &FakeHandler{errs: map[string]error{job2.ID: errors.New("rpc unavailable")}}

	count, err := newTestConsumer(client, nil).consumeBatch(context.Background(), handler)
	require.Error(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, client.commitCount)
	require.Len(t, client.committed, 1)
	assert.Equal(t, int64(0), client.committed[0].Offset)

	// the failed record is fetched again
	require.Len(t, client.rewinds, 1)
	assert.Equal(t, int64(1), client.rewinds[0]["jobs"][0].Offset)
}

func TestConsumer_ConsumeBatch_givenFetchError_thenNoCommit(t *testing.T) {
	client := &FakeKafkaClient{fetchErr: errors.New("fetch failed")}

	_, err := newTestConsumer(client, nil).consumeBatch(context.Background(), &FakeHandler{})
	require.Error(t, err)
	assert.Equal(t, 0, client.commitCount)
	assert.Equal(t, 1, client.allowRebalanceCount)
}

func TestConsumer_Consume_givenFetchErrorOnce_thenRetriesAndConsumes(t *testing.T) {
	job := testJob(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &FakeKafkaClient{
		records:     []*kgo.Record{jobRecord(t, job, 0)},
		fetchErr:    errors.New("broker not available"),
		failedPolls: 1,
		idle:        cancel,
	}
	handler := &FakeHandler{}

	err := newTestConsumer(client, nil).Consume(ctx, handler)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, client.polls)
	require.Len(t, handler.handled, 1)
	assert.Equal(t, job.ID, handler.handled[0].ID)
	require.Len(t, client.committed, 1)
	assert.Equal(t, int64(0), client.committed[0].Offset)
}

func TestConsumer_Consume_givenProduceErrorOnce_thenFailedRecordIsConsumedAgain(t *testing.T) {
	job1, job2 := testJob(t, 1), testJob(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &FakeKafkaClient{
		records: []*kgo.Record{jobRecord(t, job1, 0), jobRecord(t, job2, 1)},
		idle:    cancel,
	}
	client.err = errors.New("broker not available")
	client.failures = 1
	handler := &FakeHandler{errs: map[string]error{job2.ID: errors.New("rpc unavailable")}}

	err := newTestConsumer(client, nil).Consume(ctx, handler)
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, handler.handled, 3)
	assert.Equal(t, []string{job1.ID, job2.ID, job2.ID}, []string{handler.handled[0].ID, handler.handled[1].ID, handler.handled[2].ID})
	require.Len(t, client.rewinds, 1)
	assert.Equal(t, int64(1), client.rewinds[0]["jobs"][0].Offset)

	// the retry of job2 was produced on the second try and only then job2 was committed
	require.Len(t, client.produced, 1)
	assert.Equal(t, "1", headerValue(client.produced[0], headerAttempt))
	require.Len(t, client.committed, 2)
	assert.Equal(t, int64(0), client.committed[0].Offset)
	assert.Equal(t, int64(1), client.committed[1].Offset)
}

func TestConsumer_Consume_givenCancelledContext_thenReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &FakeKafkaClient{fetchErr: errors.New("broker not available")}

	err := newTestConsumer(client, nil).Consume(ctx, &FakeHandler{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, client.commitCount)
}

func TestConsumer_ConsumeBatch_givenCancelledWhileWaiting_thenNoCommit(t *testing.T) {
	job := testJob(t, 1)
	job.NotBefore = time.Now().Add(time.Hour)
	client := &FakeKafkaClient{records: []*kgo.Record{jobRecord(t, job, 0)}}
	handler := &FakeHandler{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestConsumer(client, nil).consumeBatch(ctx, handler)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, handler.handled)
	assert.Equal(t, 0, client.commitCount)
}

func TestCalculateBackoff(t *testing.T) {
	assert.GreaterOrEqual(t, CalculateBackoff(1), time.Second)
	assert.Less(t, CalculateBackoff(1), 2*time.Second)
	assert.GreaterOrEqual(t, CalculateBackoff(50), 30*time.Second)
	assert.Less(t, CalculateBackoff(50), 31*time.Second)
}
