package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// Common holds the fields shared by every runner invocation.
type Common struct {
	SessionDir     string `json:"sessionDir"`
	RepoURL        string `json:"repoUrl"`
	Token          string `json:"token,omitempty"`
	CheckoutTarget string `json:"checkoutTarget"`
	IsCommitHash   bool   `json:"isCommitHash"`
	WorkDir        string `json:"workDir"`
	IngestURL      string `json:"ingestUrl"`
}

func (c *Common) validate() error {
	if c.WorkDir == "" {
		return errors.New("workDir is required")
	}
	if c.IngestURL == "" {
		return errors.New("ingestUrl is required")
	}
	if _, err := url.ParseRequestURI(c.IngestURL); err != nil {
		return fmt.Errorf("invalid ingestUrl: %w", err)
	}
	if c.SessionDir == "" {
		c.SessionDir = c.WorkDir + ".session"
	}
	return nil
}

// BuildTask is the JSON argument of `runner build`.
type BuildTask struct {
	Common
	BuildID        string `json:"buildId"`
	EstateID       string `json:"estateId"`
	CallbackURL    string `json:"callbackUrl"`
	InstallCommand string `json:"installCommand,omitempty"`
	BuildCommand   string `json:"buildCommand,omitempty"`
}

// Validate checks required fields.
func (t *BuildTask) Validate() error {
	if err := t.Common.validate(); err != nil {
		return err
	}
	if t.RepoURL == "" {
		return errors.New("repoUrl is required")
	}
	if t.BuildID == "" {
		return errors.New("buildId is required")
	}
	return nil
}

// ExecTask is the JSON argument of `runner exec`.
type ExecTask struct {
	Common
	ProcessID string            `json:"processId"`
	EstateID  string            `json:"estateId"`
	Command   []string          `json:"command"`
	Env       map[string]string `json:"env,omitempty"`
}

// Validate checks required fields. An empty repoUrl runs the command in
// workDir without preparation.
func (t *ExecTask) Validate() error {
	if err := t.Common.validate(); err != nil {
		return err
	}
	if t.ProcessID == "" {
		return errors.New("processId is required")
	}
	if len(t.Command) == 0 || t.Command[0] == "" {
		return errors.New("command is required")
	}
	return nil
}

// ParseBuildTask decodes and validates a build argument.
func ParseBuildTask(arg string) (*BuildTask, error) {
	var t BuildTask
	if err := json.Unmarshal([]byte(arg), &t); err != nil {
		return nil, fmt.Errorf("decoding build task: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid build task: %w", err)
	}
	return &t, nil
}

// ParseExecTask decodes and validates an exec argument.
func ParseExecTask(arg string) (*ExecTask, error) {
	var t ExecTask
	if err := json.Unmarshal([]byte(arg), &t); err != nil {
		return nil, fmt.Errorf("decoding exec task: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid exec task: %w", err)
	}
	return &t, nil
}
