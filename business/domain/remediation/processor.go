package remediation

import (
	"context"
	"math/big"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/dynamic-shield/shield-oracle/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DefaultBatchSize = 500

// in-flight ledger entries older than this no longer hold their positions
const inFlightWindow = 15 * time.Minute

type Registry interface {
	FindViolating(ctx context.Context, poolID common.Hash, currentTick int32, limit int) ([]*big.Int, error)
	MarkRemediated(ctx context.Context, poolID common.Hash, tokenIDs []*big.Int) error
}

type Submitter interface {
	Simulate(ctx context.Context, batch entities.RemediationBatch) error
	Sign(ctx context.Context, batch entities.RemediationBatch) (*types.Transaction, error)
	Broadcast(ctx context.Context, tx *types.Transaction) error
	WaitConfirmed(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Attester produces the operator's attestation for a pool. Optional.
type Attester interface {
	Attest(ctx context.Context, poolID common.Hash) (*entities.Attestation, error)
}

type AuditSink interface {
	IndexRemediation(ctx context.Context, record entities.RemediationRecord) error
}

type jobLedger interface {
	GetJob(id string) (*entities.JobRecord, error)
	SetJob(record entities.JobRecord) error
	ListJobs(state entities.JobState) ([]entities.JobRecord, error)
}

// Processor handles tick-event jobs. It removes the liquidity of all positions of the pool that the tick
// violates with one transaction and returns only after that transaction was confirmed.
type Processor struct {
	registry  Registry
	submitter Submitter
	attester  Attester
	ledger    jobLedger
	audit     AuditSink
	batchSize int
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewProcessor(registry Registry, submitter Submitter, attester Attester, ledger jobLedger, audit AuditSink, batchSize int, m *metrics.Metrics, logger *zap.SugaredLogger) *Processor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Processor{
		registry:  registry,
		submitter: submitter,
		attester:  attester,
		ledger:    ledger,
		audit:     audit,
		batchSize: batchSize,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

func (p *Processor) Handle(ctx context.Context, job entities.Job) error {
	payload, err := job.TickEvent()
	if err != nil {
		return err
	}

	record, err := p.ledger.GetJob(job.ID)
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		record = &entities.JobRecord{ID: job.ID, State: entities.JobStatePending}
	} else if err != nil {
		return errors.Wrapf(err, "getting ledger entry for job [%s]", job.ID)
	}
	record.Attempts++

	switch {
	case record.State == entities.JobStateDone:
		p.logger.Infow("Job already done. Skipping.", "job", job.ID, "tx", record.TxHash.Hex())
		return nil
	case record.State == entities.JobStateInFlight && len(record.RawTx) > 0:
		var tx types.Transaction
		if err := tx.UnmarshalBinary(record.RawTx); err != nil {
			return p.fail(record, errors.Wrap(err, "decoding stored transaction"))
		}
		p.logger.Infow("Resuming in-flight remediation.", "job", job.ID, "tx", tx.Hash().Hex())
		return p.confirm(ctx, job.ID, payload, record, &tx)
	}

	tokenIDs, err := p.registry.FindViolating(ctx, payload.Pool(), payload.CurrentTick, p.batchSize)
	if err != nil {
		return p.fail(record, errors.Wrap(err, "finding violating positions"))
	}
	tokenIDs, err = p.withoutInFlight(job.ID, payload.Pool(), dedupe(tokenIDs))
	if err != nil {
		return p.fail(record, err)
	}
	if len(tokenIDs) == 0 {
		p.logger.Infow("No violating positions.", "job", job.ID, "pool", payload.PoolID, "tick", payload.CurrentTick)
		record.State = entities.JobStateDone
		return p.save(record)
	}

	batch := entities.RemediationBatch{PoolID: payload.Pool(), TokenIDs: tokenIDs}
	if p.attester != nil {
		attestation, err := p.attester.Attest(ctx, batch.PoolID)
		if err != nil {
			return p.fail(record, errors.Wrap(err, "attesting"))
		}
		batch.Attestation = attestation
	}

	if err := p.submitter.Simulate(ctx, batch); err != nil {
		return p.fail(record, errors.Wrap(err, "simulating remediation"))
	}
	tx, err := p.submitter.Sign(ctx, batch)
	if err != nil {
		return p.fail(record, errors.Wrap(err, "signing remediation"))
	}
	rawTx, err := tx.MarshalBinary()
	if err != nil {
		return p.fail(record, errors.Wrap(err, "encoding transaction"))
	}

	// the signed transaction is stored before it is sent, so a redelivery sends the same transaction again
	record.State = entities.JobStateInFlight
	record.PoolID = batch.PoolID.Hex()
	record.RawTx = rawTx
	record.TxHash = tx.Hash()
	record.TokenIDs = toStrings(tokenIDs)
	record.LastError = ""
	if err := p.save(record); err != nil {
		return err
	}
	return p.confirm(ctx, job.ID, payload, record, tx)
}

func (p *Processor) confirm(ctx context.Context, jobID string, payload *entities.TickEventPayload, record *entities.JobRecord, tx *types.Transaction) error {
	if err := p.submitter.Broadcast(ctx, tx); err != nil {
		if errors.Is(err, entities.ErrTransactionReplaced) {
			// the stored transaction can never be mined, the next attempt signs a new one
			record.RawTx = nil
			return p.fail(record, err)
		}
		return p.keepInFlight(record, errors.Wrap(err, "broadcasting remediation"))
	}
	p.logger.Infow("Sent remediation.", "job", jobID, "pool", payload.PoolID, "tx", tx.Hash().Hex(), "positions", len(record.TokenIDs))

	receipt, err := p.submitter.WaitConfirmed(ctx, tx.Hash())
	if errors.Is(err, entities.ErrTransactionReverted) {
		// the next attempt starts over and simulates again
		record.RawTx = nil
		return p.fail(record, err)
	}
	if err != nil {
		return p.keepInFlight(record, errors.Wrap(err, "waiting for remediation"))
	}

	tokenIDs, err := fromStrings(record.TokenIDs)
	if err != nil {
		return p.fail(record, err)
	}
	if err := p.registry.MarkRemediated(ctx, payload.Pool(), tokenIDs); err != nil {
		return p.keepInFlight(record, errors.Wrap(err, "marking positions remediated"))
	}

	record.State = entities.JobStateDone
	record.LastError = ""
	if err := p.save(record); err != nil {
		return err
	}
	p.metrics.AddRemediation(len(tokenIDs))
	p.logger.Infow("Remediation confirmed.", "job", jobID, "tx", tx.Hash().Hex(), "block", receipt.BlockNumber)

	if p.audit != nil {
		err := p.audit.IndexRemediation(ctx, entities.RemediationRecord{
			JobID:       jobID,
			PoolID:      payload.PoolID,
			CurrentTick: payload.CurrentTick,
			TokenIDs:    record.TokenIDs,
			TxHash:      tx.Hash(),
			BlockNumber: blockNumber(receipt),
			Timestamp:   p.now().UTC(),
		})
		if err != nil {
			p.logger.Warnw("Indexing remediation failed.", "job", jobID, "error", err)
		}
	}
	return nil
}

func (p *Processor) fail(record *entities.JobRecord, cause error) error {
	record.State = entities.JobStateFailed
	record.LastError = cause.Error()
	if err := p.save(record); err != nil {
		p.logger.Errorw("Storing failed job state failed.", "job", record.ID, "error", err)
	}
	return cause
}

// keepInFlight records the error but keeps the signed transaction for the next attempt.
func (p *Processor) keepInFlight(record *entities.JobRecord, cause error) error {
	record.LastError = cause.Error()
	if err := p.save(record); err != nil {
		p.logger.Errorw("Storing job state failed.", "job", record.ID, "error", err)
	}
	return cause
}

func (p *Processor) save(record *entities.JobRecord) error {
	record.UpdatedAt = p.now().UTC()
	if err := p.ledger.SetJob(*record); err != nil {
		return errors.Wrapf(err, "storing ledger entry for job [%s]", record.ID)
	}
	return nil
}

// withoutInFlight drops the token ids that an unconfirmed transaction of another job of the pool removes.
func (p *Processor) withoutInFlight(jobID string, poolID common.Hash, tokenIDs []*big.Int) ([]*big.Int, error) {
	records, err := p.ledger.ListJobs(entities.JobStateInFlight)
	if err != nil {
		return nil, errors.Wrap(err, "listing in-flight jobs")
	}
	cutoff := p.now().Add(-inFlightWindow)
	held := make(map[string]string)
	for _, r := range records {
		if r.ID == jobID || r.PoolID != poolID.Hex() || len(r.RawTx) == 0 || r.UpdatedAt.Before(cutoff) {
			continue
		}
		for _, id := range r.TokenIDs {
			held[id] = r.ID
		}
	}
	if len(held) == 0 {
		return tokenIDs, nil
	}

	result := make([]*big.Int, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if other, ok := held[id.String()]; ok {
			p.logger.Infow("Position held by in-flight job. Skipping.", "job", jobID, "inFlightJob", other, "token", id)
			continue
		}
		result = append(result, id)
	}
	return result, nil
}

// dedupe removes repeated token ids and keeps the first occurrence's order.
func dedupe(tokenIDs []*big.Int) []*big.Int {
	seen := make(map[string]bool, len(tokenIDs))
	result := make([]*big.Int, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == nil || seen[id.String()] {
			continue
		}
		seen[id.String()] = true
		result = append(result, id)
	}
	return result
}

func toStrings(tokenIDs []*big.Int) []string {
	result := make([]string, len(tokenIDs))
	for i, id := range tokenIDs {
		result[i] = id.String()
	}
	return result
}

func fromStrings(tokenIDs []string) ([]*big.Int, error) {
	result := make([]*big.Int, len(tokenIDs))
	for i, raw := range tokenIDs {
		id, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, errors.Errorf("invalid token id [%s]", raw)
		}
		result[i] = id
	}
	return result, nil
}

func blockNumber(receipt *types.Receipt) uint64 {
	if receipt == nil || receipt.BlockNumber == nil {
		return 0
	}
	return receipt.BlockNumber.Uint64()
}
