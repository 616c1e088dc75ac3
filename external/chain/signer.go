package chain

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// KeySigner holds the single operator key of this process.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

// SignDigest signs a 32 byte digest as is. The recovery id is shifted to 27/28 as expected by ecrecover.
func (s *KeySigner) SignDigest(digest [32]byte) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, errors.Wrap(err, "signing digest")
	}
	if len(sig) != crypto.SignatureLength {
		return nil, errors.Errorf("unexpected signature length %d", len(sig))
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignMessage signs data with the personal message prefix.
func (s *KeySigner) SignMessage(data []byte) ([]byte, error) {
	var digest [32]byte
	copy(digest[:], accounts.TextHash(data))
	return s.SignDigest(digest)
}

// RecoverSigner returns the address that produced sig over digest. It accepts 27/28 and 0/1 recovery ids.
func RecoverSigner(digest [32]byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Errorf("unexpected signature length %d", len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "recovering public key")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
