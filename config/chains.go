package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type YAMLChain struct {
	ChainID uint64 `yaml:"chain_id"`
	Name    string `yaml:"name"`
	RpcURL  string `yaml:"rpc_url"`
}

type YAMLChains struct {
	Chains []YAMLChain `yaml:"chains"`
}

// LoadChains reads the static chain list (chain id -> RPC endpoint) from a
// yaml file. Every chain the coordinator accepts submissions for must appear
// here.
func LoadChains(filePath string) ([]YAMLChain, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read chains file: %w", err)
	}

	var yamlData YAMLChains
	err = yaml.Unmarshal(data, &yamlData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}

	seen := make(map[uint64]struct{}, len(yamlData.Chains))
	for _, c := range yamlData.Chains {
		if c.ChainID == 0 {
			return nil, fmt.Errorf("chain %q: chain_id must be set", c.Name)
		}
		if c.RpcURL == "" {
			return nil, fmt.Errorf("chain %q: rpc_url must be set", c.Name)
		}
		if _, ok := seen[c.ChainID]; ok {
			return nil, fmt.Errorf("duplicate chain_id %d", c.ChainID)
		}
		seen[c.ChainID] = struct{}{}
	}

	return yamlData.Chains, nil
}
