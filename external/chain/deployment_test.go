package chain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDeployment(t *testing.T, dir, sub, content string) {
	require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sub, "31337.json"), []byte(content), 0o644))
}

func TestLoadDeployment(t *testing.T) {
	dir := t.TempDir()
	writeDeployment(t, dir, "core", `{"addresses":{"delegation":"0x0000000000000000000000000000000000000001","avsDirectory":"0x0000000000000000000000000000000000000002"}}`)
	writeDeployment(t, dir, "dynamic-shield-avs", `{"addresses":{"dynamicShieldAVS":"0x0000000000000000000000000000000000000003","stakeRegistry":"0x0000000000000000000000000000000000000004"}}`)

	addresses, err := LoadDeployment(dir, 31337)
	require.NoError(t, err)
	assert.Equal(t, TrustRegistryAddresses{
		DelegationManager: common.HexToAddress("0x01"),
		AVSDirectory:      common.HexToAddress("0x02"),
		ServiceManager:    common.HexToAddress("0x03"),
		StakeRegistry:     common.HexToAddress("0x04"),
	}, addresses)
}

func TestLoadDeployment_givenMissingAddress_thenError(t *testing.T) {
	dir := t.TempDir()
	writeDeployment(t, dir, "core", `{"addresses":{"delegation":"0x0000000000000000000000000000000000000001"}}`)
	writeDeployment(t, dir, "dynamic-shield-avs", `{"addresses":{}}`)

	_, err := LoadDeployment(dir, 31337)
	require.Error(t, err)

	_, err = LoadDeployment(dir, 1)
	require.Error(t, err)
}
