// Package validation checks user supplied environment variables before they
// are sealed or handed to a sandbox.
package validation

import (
	"fmt"
	"regexp"
	"sort"
)

var envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const (
	// MaxEnvKeyLength is the maximum length of an environment variable name.
	MaxEnvKeyLength = 256
	// MaxEnvValueLength is the maximum length of a value (32KB).
	MaxEnvValueLength = 32 * 1024
	// MaxEnvEntries bounds the number of variables in a single request.
	MaxEnvEntries = 512
)

// Error describes a rejected field.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateEnvKey rejects empty names, names over MaxEnvKeyLength and names
// that are not shell identifiers.
func ValidateEnvKey(key string) error {
	switch {
	case key == "":
		return &Error{Field: "key", Message: "environment variable key is required"}
	case len(key) > MaxEnvKeyLength:
		return &Error{Field: "key", Message: fmt.Sprintf("environment variable key must be %d characters or less", MaxEnvKeyLength)}
	case !envKeyRegex.MatchString(key):
		return &Error{Field: "key", Message: "environment variable key must start with a letter or underscore and contain only letters, numbers, and underscores"}
	}
	return nil
}

// ValidateEnvValue rejects values over MaxEnvValueLength.
func ValidateEnvValue(value string) error {
	if len(value) > MaxEnvValueLength {
		return &Error{Field: "value", Message: "environment variable value must be 32KB or less"}
	}
	return nil
}

// ValidateEnv checks every entry of env. Keys are visited in sorted order so
// the reported error is stable.
func ValidateEnv(env map[string]string) error {
	if len(env) > MaxEnvEntries {
		return &Error{Field: "env", Message: fmt.Sprintf("at most %d variables are allowed", MaxEnvEntries)}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ValidateEnvKey(k); err != nil {
			return err
		}
		if err := ValidateEnvValue(env[k]); err != nil {
			return &Error{Field: "env." + k, Message: err.(*Error).Message}
		}
	}
	return nil
}

// MergeEnv returns a new map holding base overlaid with override. Keys in
// override win.
func MergeEnv(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
