package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	headerKind      = "kind"
	headerAttempt   = "attempt"
	headerLastError = "last-error"
	headerSource    = "source"
)

type KafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Producer enqueues jobs on the jobs topic.
type Producer struct {
	kcl   KafkaClient
	topic string
}

func NewProducer(kafkaClient KafkaClient, topic string) *Producer {
	return &Producer{
		kcl:   kafkaClient,
		topic: topic,
	}
}

// Enqueue durably stores the job. It returns only after the broker acknowledged the record.
func (p *Producer) Enqueue(ctx context.Context, job entities.Job) (string, error) {
	record, err := createJobRecord(p.topic, job)
	if err != nil {
		return "", err
	}
	if err := p.kcl.ProduceSync(ctx, record).FirstErr(); err != nil {
		return "", errors.Wrapf(err, "producing job [%s]", job.ID)
	}
	return job.ID, nil
}

func createJobRecord(topic string, job entities.Job, extraHeaders ...kgo.RecordHeader) (*kgo.Record, error) {
	if job.ID == "" {
		return nil, errors.New("job without id")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, errors.Wrapf(err, "marshalling job [%s]", job.ID)
	}

	headers := []kgo.RecordHeader{
		{Key: headerKind, Value: []byte(job.Kind)},
		{Key: headerAttempt, Value: []byte(strconv.Itoa(job.Attempt))},
	}
	headers = append(headers, extraHeaders...)

	// the job id as key keeps all attempts of a job on the same partition
	return &kgo.Record{
		Topic:   topic,
		Key:     []byte(job.ID),
		Value:   payload,
		Headers: headers,
	}, nil
}

func unmarshalJob(record *kgo.Record) (entities.Job, error) {
	var job entities.Job
	if err := json.Unmarshal(record.Value, &job); err != nil {
		return job, errors.Wrapf(entities.ErrInvalidJob, "unmarshalling record: %v", err)
	}
	if job.ID == "" {
		job.ID = string(record.Key)
	}
	if job.ID == "" {
		return job, errors.Wrap(entities.ErrInvalidJob, "record without job id")
	}
	return job, nil
}

func headerValue(record *kgo.Record, key string) string {
	for _, h := range record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
