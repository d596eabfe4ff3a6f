package bootstrap

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"

	"github.com/joho/godotenv"
)

// ApplyResult counts what a reconcile run changed in the env file.
type ApplyResult struct {
	// Injected counts keys that were absent before.
	Injected int `json:"injected"`
	// Removed counts keys no longer desired.
	Removed int `json:"removed"`
	// Changed counts keys whose value differs.
	Changed int `json:"changed"`
	// Skipped counts desired keys whose value cannot be stored in an env
	// file without being altered. They are left out of the file.
	Skipped int `json:"skipped,omitempty"`
	// Restarted is set when the run restarted services.
	Restarted bool `json:"restarted"`
}

// HasChanges reports whether the file content changed.
func (r *ApplyResult) HasChanges() bool {
	return r.Injected+r.Removed+r.Changed > 0
}

// ApplyEnvFile makes path contain exactly the representable part of desired.
// The rendered content is compared with the file's bytes and the file is only
// replaced, atomically with mode 0600, when they differ.
func ApplyEnvFile(path string, desired map[string]string) (*ApplyResult, error) {
	current, raw, err := readEnvFile(path)
	if err != nil {
		return nil, err
	}

	keep, skipped := splitEncodable(desired)
	content, err := renderEnv(keep)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(raw, content) {
		return &ApplyResult{Skipped: len(skipped)}, nil
	}

	res := diffEnv(current, keep)
	res.Skipped = len(skipped)
	if err := writeFileAtomic(path, content, 0o600); err != nil {
		return nil, err
	}
	return res, nil
}

// Unencodable returns the sorted keys of env whose values do not survive a
// write and read of the env file format.
func Unencodable(env map[string]string) []string {
	_, skipped := splitEncodable(env)
	return skipped
}

func renderEnv(env map[string]string) ([]byte, error) {
	content, err := godotenv.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("rendering env file: %w", err)
	}
	if content != "" {
		content += "\n"
	}
	return []byte(content), nil
}

// roundTrip renders env and parses it back.
func roundTrip(env map[string]string) (map[string]string, error) {
	content, err := renderEnv(env)
	if err != nil {
		return nil, err
	}
	return godotenv.UnmarshalBytes(content)
}

// splitEncodable drops every entry that would read back differently, until
// the remaining map renders and parses to itself.
func splitEncodable(desired map[string]string) (map[string]string, []string) {
	keep := make(map[string]string, len(desired))
	for k, v := range desired {
		keep[k] = v
	}
	var skipped []string
	for {
		parsed, err := roundTrip(keep)
		if err == nil && maps.Equal(parsed, keep) {
			break
		}

		var bad []string
		for k, v := range keep {
			if err == nil {
				if got, ok := parsed[k]; !ok || got != v {
					bad = append(bad, k)
					continue
				}
			}
			if single, err := roundTrip(map[string]string{k: v}); err != nil || !maps.Equal(single, map[string]string{k: v}) {
				bad = append(bad, k)
			}
		}
		if len(bad) == 0 {
			// The entries only fail together; keep none of them.
			bad = slices.Collect(maps.Keys(keep))
		}
		for _, k := range bad {
			if _, ok := keep[k]; ok {
				delete(keep, k)
				skipped = append(skipped, k)
			}
		}
	}
	slices.Sort(skipped)
	return keep, skipped
}

func readEnvFile(path string) (map[string]string, []byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading env file: %w", err)
	}
	env, err := godotenv.UnmarshalBytes(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing env file %s: %w", path, err)
	}
	return env, data, nil
}

func diffEnv(current, desired map[string]string) *ApplyResult {
	res := &ApplyResult{}
	for k, v := range desired {
		old, ok := current[k]
		switch {
		case !ok:
			res.Injected++
		case old != v:
			res.Changed++
		}
	}
	for k := range current {
		if _, ok := desired[k]; !ok {
			res.Removed++
		}
	}
	return res
}
