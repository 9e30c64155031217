package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultDeployPolicyRejectsEmptyCode(t *testing.T) {
	p := DefaultDeployPolicy()
	err := p.Validate(nil)
	require.NotNil(t, err)
	require.Equal(t, ErrValidation, err.Kind)
}

func TestDefaultDeployPolicyAcceptsWithinBound(t *testing.T) {
	p := DefaultDeployPolicy()
	err := p.Validate([]byte{0x01, 0x02, 0x03})
	require.Nil(t, err)
}

func TestDeployPolicyRejectsOversizeCode(t *testing.T) {
	p := DeployPolicy{MaxContractCodeBytes: 4}
	err := p.Validate([]byte{1, 2, 3, 4, 5})
	require.NotNil(t, err)
	require.Equal(t, ErrValidation, err.Kind)
}

func TestLoadDeployPolicyMissingFileFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	p, err := LoadDeployPolicy(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultDeployPolicy(), p)
}

func TestLoadDeployPolicyParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	contents := "max_contract_code_bytes: 128\nallowed_opcodes:\n  - PUSH\n  - CALL\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	p, err := LoadDeployPolicy(path)
	require.NoError(t, err)
	require.Equal(t, 128, p.MaxContractCodeBytes)
	require.Equal(t, []string{"PUSH", "CALL"}, p.AllowedOpcodes)
}
