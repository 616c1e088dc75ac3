package chain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

type deploymentFile struct {
	Addresses map[string]string `json:"addresses"`
}

// LoadDeployment reads the contract addresses written by the deployment scripts:
// <dir>/core/<chainId>.json and <dir>/dynamic-shield-avs/<chainId>.json.
func LoadDeployment(dir string, chainID uint64) (TrustRegistryAddresses, error) {
	core, err := readDeploymentFile(filepath.Join(dir, "core", fmt.Sprintf("%d.json", chainID)))
	if err != nil {
		return TrustRegistryAddresses{}, err
	}
	avs, err := readDeploymentFile(filepath.Join(dir, "dynamic-shield-avs", fmt.Sprintf("%d.json", chainID)))
	if err != nil {
		return TrustRegistryAddresses{}, err
	}

	var addresses TrustRegistryAddresses
	lookups := []struct {
		file   deploymentFile
		key    string
		target *common.Address
	}{
		{core, "delegation", &addresses.DelegationManager},
		{core, "avsDirectory", &addresses.AVSDirectory},
		{avs, "dynamicShieldAVS", &addresses.ServiceManager},
		{avs, "stakeRegistry", &addresses.StakeRegistry},
	}
	for _, lookup := range lookups {
		value, ok := lookup.file.Addresses[lookup.key]
		if !ok || !common.IsHexAddress(value) {
			return TrustRegistryAddresses{}, errors.Errorf("deployment address [%s] missing or invalid", lookup.key)
		}
		*lookup.target = common.HexToAddress(value)
	}
	return addresses, nil
}

func readDeploymentFile(path string) (deploymentFile, error) {
	var file deploymentFile
	data, err := os.ReadFile(path)
	if err != nil {
		return file, errors.Wrapf(err, "reading deployment file [%s]", path)
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return file, errors.Wrapf(err, "parsing deployment file [%s]", path)
	}
	return file, nil
}
