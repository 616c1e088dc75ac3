package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/pkg/errors"
)

type Config struct {
	Addresses        []string
	Username         string
	Password         string
	CACert           []byte
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     func(attempt int) time.Duration
	RemediationIndex string
	DeadLetterIndex  string
}

// Client writes the audit trail of the worker: confirmed remediations and dead-lettered jobs.
type Client struct {
	remediationIndex string
	deadLetterIndex  string
	esClient         *elasticsearch.Client
}

type document struct {
	id      string
	payload []byte
}

func NewClient(cfg Config) (*Client, error) {
	esClient, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		CACert:    cfg.CACert,
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: cfg.Timeout,
		},
		RetryOnStatus: []int{502, 503, 504, 429},
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating elasticsearch client")
	}

	return &Client{
		remediationIndex: cfg.RemediationIndex,
		deadLetterIndex:  cfg.DeadLetterIndex,
		esClient:         esClient,
	}, nil
}

// IndexRemediation stores the record under the job id. Indexing the same job again overwrites the document.
func (es *Client) IndexRemediation(ctx context.Context, record entities.RemediationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "serializing remediation record")
	}
	return es.bulkIndex(ctx, es.remediationIndex, []document{{id: record.JobID, payload: data}})
}

func (es *Client) IndexDeadLetter(ctx context.Context, record entities.DeadLetterRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "serializing dead letter record")
	}
	id := fmt.Sprintf("%s-%d", record.JobID, record.Attempt)
	return es.bulkIndex(ctx, es.deadLetterIndex, []document{{id: id, payload: data}})
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (es *Client) bulkIndex(ctx context.Context, index string, docs []document) error {
	var buf bytes.Buffer
	for _, doc := range docs {
		// Metadata line for each document
		meta := []byte(fmt.Sprintf(`{ "index": { "_index": "%s", "_id": "%s" } }%s`, index, doc.id, "\n"))
		buf.Write(meta)
		buf.Write(doc.payload)
		buf.Write([]byte("\n"))
	}

	res, err := es.esClient.Bulk(bytes.NewReader(buf.Bytes()), es.esClient.Bulk.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "bulk request failed")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("bulk request error: %s", res.String())
	}

	var result bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return errors.Wrap(err, "decoding bulk response")
	}
	if result.Errors {
		for _, item := range result.Items {
			for _, status := range item {
				if status.Status >= 300 {
					return errors.Errorf("indexing document: [%s: %s]", status.Error.Type, status.Error.Reason)
				}
			}
		}
		return errors.New("bulk response reported errors")
	}
	return nil
}
