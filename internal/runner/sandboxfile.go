package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// SandboxFileName is the optional per-repository build configuration.
const SandboxFileName = "sandbox.yaml"

// SandboxFile overrides estate build settings from the repository root.
type SandboxFile struct {
	Install string            `yaml:"install"`
	Build   string            `yaml:"build"`
	Env     map[string]string `yaml:"env"`
}

// LoadSandboxFile reads sandbox.yaml from dir. A missing file yields nil.
func LoadSandboxFile(dir string) (*SandboxFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, SandboxFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", SandboxFileName, err)
	}

	var f SandboxFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", SandboxFileName, err)
	}
	return &f, nil
}

// envList renders a map as KEY=VALUE entries sorted by key.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
