package core

// policy.go – contract deploy-code admission policy (spec §4.7 "validated
// against the code policy before admission"), loaded from a YAML file
// alongside the node's data directory. Grounded on the teacher's own use
// of YAML for static configuration (gopkg.in/yaml.v3, also used by
// pkg/config's viper layer) rather than hand-rolling a parser for what is,
// here, a small operator-edited allowlist file.

import (
	"os"

	"gopkg.in/yaml.v3"
)

// DeployPolicy bounds what a contract-deploy output may contain.
type DeployPolicy struct {
	MaxContractCodeBytes int      `yaml:"max_contract_code_bytes"`
	AllowedOpcodes        []string `yaml:"allowed_opcodes"`
}

// DefaultDeployPolicy is used when no policy file is present.
func DefaultDeployPolicy() DeployPolicy {
	return DeployPolicy{MaxContractCodeBytes: 1 << 20}
}

// LoadDeployPolicy reads a YAML policy file, falling back to
// DefaultDeployPolicy if the file does not exist.
func LoadDeployPolicy(path string) (DeployPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDeployPolicy(), nil
		}
		return DeployPolicy{}, WrapError(ErrFatal, err, "read deploy policy")
	}
	policy := DefaultDeployPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return DeployPolicy{}, WrapError(ErrValidation, err, "parse deploy policy")
	}
	return policy, nil
}

// Validate checks code against the policy (spec §4.7, moved here from the
// shard router so the policy itself stays data, not code).
func (p DeployPolicy) Validate(code []byte) *ErrorInfo {
	if len(code) == 0 {
		return NewError(ErrValidation, "deploy-code output carries no code")
	}
	if p.MaxContractCodeBytes > 0 && len(code) > p.MaxContractCodeBytes {
		return NewError(ErrValidation, "deploy-code output exceeds maximum contract size")
	}
	return nil
}
