package operator

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DefaultRegistrationExpiry = time.Hour

type TrustRegistry interface {
	IsOperator(ctx context.Context, operator common.Address) (bool, error)
	RegisterAsOperator(ctx context.Context) error
	IsRegisteredWithService(ctx context.Context, operator common.Address) (bool, error)
	RegistrationDigest(ctx context.Context, operator common.Address, salt [32]byte, expiry *big.Int) ([32]byte, error)
	RegisterWithService(ctx context.Context, signature []byte, salt [32]byte, expiry *big.Int) error
}

type Signer interface {
	Address() common.Address
	SignDigest(digest [32]byte) ([]byte, error)
	SignMessage(data []byte) ([]byte, error)
}

type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Registrar owns the operator identity of this process.
type Registrar struct {
	registry TrustRegistry
	signer   Signer
	head     HeadSource
	expiry   time.Duration
	now      func() time.Time
	logger   *zap.SugaredLogger
}

func NewRegistrar(registry TrustRegistry, signer Signer, head HeadSource, expiry time.Duration, logger *zap.SugaredLogger) *Registrar {
	if expiry <= 0 {
		expiry = DefaultRegistrationExpiry
	}
	return &Registrar{
		registry: registry,
		signer:   signer,
		head:     head,
		expiry:   expiry,
		now:      time.Now,
		logger:   logger,
	}
}

func (r *Registrar) Address() common.Address {
	return r.signer.Address()
}

// RegisterIfNeeded registers the operator with the delegation manager and with the service. Steps that are
// already done on chain are skipped, so it is safe to call on every start.
func (r *Registrar) RegisterIfNeeded(ctx context.Context) error {
	operator := r.signer.Address()

	isOperator, err := r.registry.IsOperator(ctx, operator)
	if err != nil {
		return errors.Wrap(err, "checking operator registration")
	}
	if isOperator {
		r.logger.Infow("Operator already registered.", "operator", operator.Hex())
	} else {
		err := r.registry.RegisterAsOperator(ctx)
		if errors.Is(err, entities.ErrAlreadyRegistered) {
			r.logger.Infow("Operator already registered.", "operator", operator.Hex())
		} else if err != nil {
			return errors.Wrap(err, "registering as operator")
		} else {
			r.logger.Infow("Registered as operator.", "operator", operator.Hex())
		}
	}

	registered, err := r.registry.IsRegisteredWithService(ctx, operator)
	if err != nil {
		return errors.Wrap(err, "checking service registration")
	}
	if registered {
		r.logger.Infow("Operator already registered with service.", "operator", operator.Hex())
		return nil
	}

	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return errors.Wrap(err, "creating salt")
	}
	expiry := big.NewInt(r.now().Add(r.expiry).Unix())

	digest, err := r.registry.RegistrationDigest(ctx, operator, salt, expiry)
	if err != nil {
		return errors.Wrap(err, "calculating registration digest")
	}
	signature, err := r.signer.SignDigest(digest)
	if err != nil {
		return err
	}

	err = r.registry.RegisterWithService(ctx, signature, salt, expiry)
	if errors.Is(err, entities.ErrAlreadyRegistered) {
		r.logger.Infow("Operator already registered with service.", "operator", operator.Hex())
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "registering with service")
	}
	r.logger.Infow("Registered operator with service.", "operator", operator.Hex(), "expiry", expiry)
	return nil
}

// Attest signs keccak256(poolID) as a personal message and references the current head block.
func (r *Registrar) Attest(ctx context.Context, poolID common.Hash) (*entities.Attestation, error) {
	signature, err := r.signer.SignMessage(crypto.Keccak256(poolID.Bytes()))
	if err != nil {
		return nil, errors.Wrap(err, "signing attestation")
	}
	block, err := r.head.BlockNumber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting reference block")
	}
	return &entities.Attestation{
		Operator:       r.signer.Address(),
		Signature:      signature,
		ReferenceBlock: uint32(block),
	}, nil
}
