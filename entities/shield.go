package entities

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// ShieldPosition is a liquidity position protected by a shield. (PoolID, TokenID) is unique.
type ShieldPosition struct {
	ID           int64
	PoolID       common.Hash
	TokenID      *big.Int
	TickLower    int32
	TickUpper    int32
	Owner        common.Address
	CreatedAt    time.Time
	RemediatedAt *time.Time
}

// Violated reports whether the current tick lies outside of the shielded range.
func (p ShieldPosition) Violated(currentTick int32) bool {
	return currentTick < p.TickLower || currentTick > p.TickUpper
}

func (p ShieldPosition) Validate() error {
	if p.TokenID == nil || p.TokenID.Sign() <= 0 {
		return errors.Wrap(ErrInvalidPosition, "token id must be positive")
	}
	if p.TickLower > p.TickUpper {
		return errors.Wrapf(ErrInvalidPosition, "tick lower [%d] above tick upper [%d]", p.TickLower, p.TickUpper)
	}
	return nil
}
