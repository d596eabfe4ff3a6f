// Package sandbox launches runner containers for builds and ad-hoc commands.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Runner subcommands.
const (
	KindBuild = "build"
	KindExec  = "exec"
)

// Label keys set on every sandbox.
const (
	LabelManaged = "sandbox-plane.managed"
	LabelKind    = "sandbox-plane.kind"
	LabelTarget  = "sandbox-plane.target"
	LabelEstate  = "sandbox-plane.estate"
)

// ErrInvalidRequest is returned for requests that cannot be launched.
var ErrInvalidRequest = errors.New("invalid sandbox request")

// Limits constrains sandbox resources.
type Limits struct {
	CPUs      float64
	MemoryMB  int64
	PidsLimit int64
}

// Request describes one sandbox to start.
type Request struct {
	// Kind is the runner subcommand: KindBuild or KindExec.
	Kind string
	// TargetID is the build or process id.
	TargetID string
	EstateID string
	// Task is JSON-encoded as the runner's single positional argument.
	Task any
	Env  map[string]string
}

// Handle identifies a started sandbox.
type Handle struct {
	ID   string
	Name string
}

// Launcher starts sandboxes. Launch returns once the sandbox is running;
// the workload reports back asynchronously.
type Launcher interface {
	Launch(ctx context.Context, req *Request) (*Handle, error)
}

var nameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// containerName derives a stable container name from the request.
func containerName(req *Request) string {
	return "sandbox-" + req.Kind + "-" + nameUnsafe.ReplaceAllString(req.TargetID, "")
}

// runnerArgs validates req and returns the runner argv.
func runnerArgs(req *Request) ([]string, error) {
	if req.Kind != KindBuild && req.Kind != KindExec {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	if strings.TrimSpace(req.TargetID) == "" {
		return nil, fmt.Errorf("%w: target id is required", ErrInvalidRequest)
	}
	arg, err := json.Marshal(req.Task)
	if err != nil {
		return nil, fmt.Errorf("encoding runner task: %w", err)
	}
	return []string{"runner", req.Kind, string(arg)}, nil
}

func labels(req *Request) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelKind:    req.Kind,
		LabelTarget:  req.TargetID,
		LabelEstate:  req.EstateID,
	}
}

// envList renders env as sorted KEY=VALUE entries.
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
