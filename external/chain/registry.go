package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

type TrustRegistryAddresses struct {
	DelegationManager common.Address
	AVSDirectory      common.Address
	StakeRegistry     common.Address
	ServiceManager    common.Address
}

// TrustRegistry talks to the restaking contracts the operator registers with.
type TrustRegistry struct {
	transactor  *Transactor
	addresses   TrustRegistryAddresses
	metadataURI string
}

func NewTrustRegistry(transactor *Transactor, addresses TrustRegistryAddresses, metadataURI string) *TrustRegistry {
	return &TrustRegistry{transactor: transactor, addresses: addresses, metadataURI: metadataURI}
}

func (r *TrustRegistry) ServiceManager() common.Address {
	return r.addresses.ServiceManager
}

func (r *TrustRegistry) IsOperator(ctx context.Context, operator common.Address) (bool, error) {
	return r.callBool(ctx, DelegationManagerABI, r.addresses.DelegationManager, "isOperator", operator)
}

// RegisterAsOperator registers the signer with the delegation manager. A revert stating the operator is
// already registered is reported as entities.ErrAlreadyRegistered.
func (r *TrustRegistry) RegisterAsOperator(ctx context.Context) error {
	signer := r.transactor.Signer().Address()
	details := operatorDetails{
		EarningsReceiver:         signer,
		DelegationApprover:       common.Address{},
		StakerOptOutWindowBlocks: 0,
	}
	_, err := r.transactor.Execute(ctx, DelegationManagerABI, r.addresses.DelegationManager, "registerAsOperator", details, r.metadataURI)
	if err != nil && isAlreadyRegisteredRevert(err) {
		return errors.Wrap(entities.ErrAlreadyRegistered, err.Error())
	}
	return err
}

func (r *TrustRegistry) IsRegisteredWithService(ctx context.Context, operator common.Address) (bool, error) {
	return r.callBool(ctx, StakeRegistryABI, r.addresses.StakeRegistry, "operatorRegistered", operator)
}

func (r *TrustRegistry) RegistrationDigest(ctx context.Context, operator common.Address, salt [32]byte, expiry *big.Int) ([32]byte, error) {
	values, err := r.transactor.Call(ctx, AVSDirectoryABI, r.addresses.AVSDirectory, "calculateOperatorAVSRegistrationDigestHash",
		operator, r.addresses.ServiceManager, salt, expiry)
	if err != nil {
		return [32]byte{}, err
	}
	if len(values) != 1 {
		return [32]byte{}, errors.Errorf("digest: unexpected result len %d", len(values))
	}
	digest, ok := values[0].([32]byte)
	if !ok {
		return [32]byte{}, errors.Errorf("digest: unexpected type %T", values[0])
	}
	return digest, nil
}

func (r *TrustRegistry) RegisterWithService(ctx context.Context, signature []byte, salt [32]byte, expiry *big.Int) error {
	arg := signatureWithSaltAndExpiry{Signature: signature, Salt: salt, Expiry: expiry}
	_, err := r.transactor.Execute(ctx, StakeRegistryABI, r.addresses.StakeRegistry, "registerOperatorWithSignature",
		arg, r.transactor.Signer().Address())
	if err != nil && isAlreadyRegisteredRevert(err) {
		return errors.Wrap(entities.ErrAlreadyRegistered, err.Error())
	}
	return err
}

func (r *TrustRegistry) callBool(ctx context.Context, contractABI abi.ABI, to common.Address, method string, args ...any) (bool, error) {
	values, err := r.transactor.Call(ctx, contractABI, to, method, args...)
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, errors.Errorf("%s: unexpected result len %d", method, len(values))
	}
	result, ok := values[0].(bool)
	if !ok {
		return false, errors.Errorf("%s: unexpected type %T", method, values[0])
	}
	return result, nil
}

func isAlreadyRegisteredRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already registered")
}
