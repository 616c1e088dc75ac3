package entities

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RemediationBatch is one on-chain call removing the liquidity of all listed positions of a pool.
type RemediationBatch struct {
	PoolID      common.Hash
	TokenIDs    []*big.Int
	Attestation *Attestation
}
