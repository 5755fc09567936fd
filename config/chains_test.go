package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeChains(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadChains(t *testing.T) {
	path := writeChains(t, `
chains:
  - chain_id: 1
    name: ethereum
    rpc_url: https://eth.example
  - chain_id: 10
    name: optimism
    rpc_url: https://op.example
`)

	chains, err := LoadChains(path)
	require.NoError(t, err)
	require.Len(t, chains, 2)
	require.EqualValues(t, 1, chains[0].ChainID)
	require.Equal(t, "https://op.example", chains[1].RpcURL)
}

func TestLoadChainsValidation(t *testing.T) {
	for name, content := range map[string]string{
		"zero chain id": `
chains:
  - chain_id: 0
    name: broken
    rpc_url: https://x.example
`,
		"missing rpc url": `
chains:
  - chain_id: 1
    name: ethereum
`,
		"duplicate chain id": `
chains:
  - chain_id: 1
    name: ethereum
    rpc_url: https://a.example
  - chain_id: 1
    name: ethereum-again
    rpc_url: https://b.example
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadChains(writeChains(t, content))
			require.Error(t, err)
		})
	}
}

func TestLoadChainsMissingFile(t *testing.T) {
	_, err := LoadChains(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
