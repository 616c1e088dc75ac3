package kafka

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/dynamic-shield/shield-oracle/metrics"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const commitTimeout = 10 * time.Second

type ConsumerClient interface {
	KafkaClient
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	SetOffsets(setOffsets map[string]map[int32]kgo.EpochOffset)
	AllowRebalance()
}

type Handler interface {
	Handle(ctx context.Context, job entities.Job) error
}

type DeadLetterSink interface {
	IndexDeadLetter(ctx context.Context, record entities.DeadLetterRecord) error
}

type ConsumerConfig struct {
	JobsTopic       string
	DeadLetterTopic string
	MaxAttempts     int
	MaxPollRecords  int
	// RetryBackoff returns the delay before the given attempt is processed.
	RetryBackoff func(attempt int) time.Duration
}

// Consumer delivers jobs to a handler. A record is committed only after the handler succeeded, or after the job
// was re-enqueued for a later attempt, or after it was moved to the dead letter topic.
type Consumer struct {
	kcl     ConsumerClient
	cfg     ConsumerConfig
	sink    DeadLetterSink
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

func NewConsumer(kafkaClient ConsumerClient, cfg ConsumerConfig, sink DeadLetterSink, m *metrics.Metrics, logger *zap.SugaredLogger) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 100
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = CalculateBackoff
	}
	return &Consumer{
		kcl:     kafkaClient,
		cfg:     cfg,
		sink:    sink,
		metrics: m,
		logger:  logger,
	}
}

// Consume processes batches until the context is cancelled. A failed batch is polled again after a backoff,
// starting from its first record without a durable outcome.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	failures := 0
	for {
		count, err := c.consumeBatch(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failures++
			backoff := c.cfg.RetryBackoff(failures)
			c.logger.Errorw("Error consuming batch. Retrying.", "error", err, "failures", failures, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		failures = 0
		if count > 0 {
			c.logger.Infow("Processed jobs.", "count", count)
		}
	}
}

func (c *Consumer) consumeBatch(ctx context.Context, handler Handler) (int, error) {
	fetches := c.kcl.PollRecords(ctx, c.cfg.MaxPollRecords)
	defer c.kcl.AllowRebalance() // because of the kgo.BlockRebalanceOnPoll() option
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	records := fetches.Records()
	if errs := fetches.Errors(); len(errs) > 0 {
		for _, err := range errs {
			c.logger.Errorw("Fetch error.", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
		}
		c.rewind(records)
		return 0, errors.New("fetching records")
	}

	var completed []*kgo.Record
	var processErr error
	for _, record := range records {
		if err := c.processRecord(ctx, handler, record); err != nil {
			processErr = err
			break
		}
		completed = append(completed, record)
	}
	if processErr != nil {
		// polling continues after the fetched records, so the unfinished ones have to be fetched again
		c.rewind(records[len(completed):])
	}

	if len(completed) > 0 {
		// commit even when shutting down, the outcome of these records is durable
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		defer cancel()
		if err := c.kcl.CommitRecords(commitCtx, completed...); err != nil {
			return 0, errors.Wrap(err, "committing records")
		}
	}
	return len(completed), processErr
}

// rewind moves the consume position of every partition back to its first record in records.
func (c *Consumer) rewind(records []*kgo.Record) {
	if len(records) == 0 {
		return
	}
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for _, record := range records {
		partitions, ok := offsets[record.Topic]
		if !ok {
			partitions = make(map[int32]kgo.EpochOffset)
			offsets[record.Topic] = partitions
		}
		if _, ok := partitions[record.Partition]; !ok {
			partitions[record.Partition] = kgo.EpochOffset{Epoch: record.LeaderEpoch, Offset: record.Offset}
		}
	}
	c.kcl.SetOffsets(offsets)
}

func (c *Consumer) processRecord(ctx context.Context, handler Handler, record *kgo.Record) error {
	job, err := unmarshalJob(record)
	if err != nil {
		return c.deadLetter(ctx, record, job, err)
	}

	if delay := time.Until(job.NotBefore); delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	err = handler.Handle(ctx, job)
	if err == nil {
		c.metrics.IncJobOutcome(metrics.OutcomeSuccess)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(err, entities.ErrInvalidJob) || job.Attempt+1 >= c.cfg.MaxAttempts {
		return c.deadLetter(ctx, record, job, err)
	}
	return c.retry(ctx, job, err)
}

func (c *Consumer) retry(ctx context.Context, job entities.Job, cause error) error {
	job.Attempt++
	job.NotBefore = time.Now().Add(c.cfg.RetryBackoff(job.Attempt))

	record, err := createJobRecord(c.cfg.JobsTopic, job, kgo.RecordHeader{Key: headerLastError, Value: []byte(cause.Error())})
	if err != nil {
		return err
	}
	if err := c.kcl.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errors.Wrapf(err, "re-enqueueing job [%s]", job.ID)
	}
	c.metrics.IncJobOutcome(metrics.OutcomeRetry)
	c.logger.Warnw("Job failed. Scheduled retry.", "job", job.ID, "attempt", job.Attempt,
		"notBefore", job.NotBefore.Format(time.DateTime), "error", cause)
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, original *kgo.Record, job entities.Job, cause error) error {
	attempt := job.Attempt
	if attempt == 0 {
		if parsed, err := strconv.Atoi(headerValue(original, headerAttempt)); err == nil {
			attempt = parsed
		}
	}

	record := &kgo.Record{
		Topic: c.cfg.DeadLetterTopic,
		Key:   original.Key,
		Value: original.Value,
		Headers: []kgo.RecordHeader{
			{Key: headerKind, Value: []byte(job.Kind)},
			{Key: headerAttempt, Value: []byte(strconv.Itoa(attempt))},
			{Key: headerLastError, Value: []byte(cause.Error())},
			{Key: headerSource, Value: []byte(fmt.Sprintf("%s/%d/%d", original.Topic, original.Partition, original.Offset))},
		},
	}
	if err := c.kcl.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errors.Wrapf(err, "dead-lettering job [%s]", job.ID)
	}
	c.metrics.IncJobOutcome(metrics.OutcomeDeadLetter)
	c.logger.Errorw("Job moved to dead letter topic.", "job", job.ID, "attempt", attempt, "error", cause)

	if c.sink != nil {
		err := c.sink.IndexDeadLetter(ctx, entities.DeadLetterRecord{
			JobID:     job.ID,
			Kind:      job.Kind,
			Attempt:   attempt,
			Error:     cause.Error(),
			Payload:   string(original.Value),
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			// the dead letter topic is the source of truth, the index is for inspection only
			c.logger.Warnw("Indexing dead letter failed.", "job", job.ID, "error", err)
		}
	}
	return nil
}

// CalculateBackoff grows linearly per attempt up to 30 seconds and adds up to one second of jitter.
func CalculateBackoff(attempt int) time.Duration {
	if attempt < 10 {
		return time.Second*time.Duration(attempt) + randomMillis()
	}
	return time.Second*30 + randomMillis()
}

func randomMillis() time.Duration {
	return time.Duration(rand.Intn(1000)) * time.Millisecond
}
