package chain

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// well known development key
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestKeySigner_Address(t *testing.T) {
	signer, err := NewKeySigner(testKey)
	require.NoError(t, err)
	assert.Equal(t, testOwner, signer.Address())

	_, err = NewKeySigner("not-a-key")
	require.Error(t, err)
}

func TestKeySigner_SignDigest_thenRecoverable(t *testing.T) {
	signer, err := NewKeySigner(testKey)
	require.NoError(t, err)

	digest := crypto.Keccak256Hash([]byte("digest"))
	sig, err := signer.SignDigest(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	recovered, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}

func TestKeySigner_SignMessage_usesPersonalPrefix(t *testing.T) {
	signer, err := NewKeySigner(testKey)
	require.NoError(t, err)

	message := testPool.Bytes()
	sig, err := signer.SignMessage(message)
	require.NoError(t, err)

	var prefixed [32]byte
	copy(prefixed[:], accounts.TextHash(message))
	recovered, err := RecoverSigner(prefixed, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}
