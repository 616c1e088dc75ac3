package elastic

import (
	"context"

	"github.com/dynamic-shield/shield-oracle/entities"
	"go.uber.org/zap"
)

// StubClient only logs. Used when no elasticsearch cluster is configured.
type StubClient struct {
	logger *zap.SugaredLogger
}

func NewStubClient(logger *zap.SugaredLogger) *StubClient {
	return &StubClient{logger: logger}
}

func (s *StubClient) IndexRemediation(_ context.Context, record entities.RemediationRecord) error {
	s.logger.Infow("Remediation.", "job", record.JobID, "pool", record.PoolID, "tx", record.TxHash.Hex(),
		"positions", len(record.TokenIDs))
	return nil
}

func (s *StubClient) IndexDeadLetter(_ context.Context, record entities.DeadLetterRecord) error {
	s.logger.Infow("Dead letter.", "job", record.JobID, "attempt", record.Attempt, "error", record.Error)
	return nil
}
