package chain

import (
	"context"
	"math/big"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// RemediationSubmitter sends batch remediation calls to the shield contract.
type RemediationSubmitter struct {
	transactor *Transactor
	contract   common.Address
}

func NewRemediationSubmitter(transactor *Transactor, contract common.Address) *RemediationSubmitter {
	return &RemediationSubmitter{transactor: transactor, contract: contract}
}

// RemediationCall returns the contract method and arguments for the batch. Batches carrying an attestation use
// the attested entry point.
func RemediationCall(batch entities.RemediationBatch) (string, []any, error) {
	if len(batch.TokenIDs) == 0 {
		return "", nil, errors.New("empty remediation batch")
	}
	tokenIDs := make([]*big.Int, len(batch.TokenIDs))
	copy(tokenIDs, batch.TokenIDs)

	if batch.Attestation == nil {
		return "removeLiquidityInBatch", []any{[32]byte(batch.PoolID), tokenIDs}, nil
	}
	attestation := attestationArg{
		Operator:       batch.Attestation.Operator,
		Signature:      batch.Attestation.Signature,
		ReferenceBlock: batch.Attestation.ReferenceBlock,
	}
	return "removeLiquidityInBatchAttested", []any{[32]byte(batch.PoolID), tokenIDs, attestation}, nil
}

func (s *RemediationSubmitter) Simulate(ctx context.Context, batch entities.RemediationBatch) error {
	method, args, err := RemediationCall(batch)
	if err != nil {
		return err
	}
	return s.transactor.Simulate(ctx, ShieldABI, s.contract, method, args...)
}

func (s *RemediationSubmitter) Sign(ctx context.Context, batch entities.RemediationBatch) (*types.Transaction, error) {
	method, args, err := RemediationCall(batch)
	if err != nil {
		return nil, err
	}
	return s.transactor.Sign(ctx, ShieldABI, s.contract, method, args...)
}

func (s *RemediationSubmitter) Broadcast(ctx context.Context, tx *types.Transaction) error {
	return s.transactor.Broadcast(ctx, tx)
}

func (s *RemediationSubmitter) WaitConfirmed(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return s.transactor.WaitConfirmed(ctx, txHash)
}

// RegisterShield registers a position on the shield contract. Used by operators to seed positions.
func (s *RemediationSubmitter) RegisterShield(ctx context.Context, p entities.ShieldPosition) (*types.Receipt, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.transactor.Execute(ctx, ShieldABI, s.contract, "registerShield",
		[32]byte(p.PoolID), big.NewInt(int64(p.TickLower)), big.NewInt(int64(p.TickUpper)), p.TokenID, p.Owner)
}

// SendTick emits a tick event from the contract, for exercising the pipeline end to end.
func (s *RemediationSubmitter) SendTick(ctx context.Context, poolID common.Hash, tick int32) (*types.Receipt, error) {
	return s.transactor.Execute(ctx, ShieldABI, s.contract, "sendTickEvent", [32]byte(poolID), big.NewInt(int64(tick)))
}
