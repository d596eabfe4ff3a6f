package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// PodmanConfig configures a PodmanLauncher.
type PodmanConfig struct {
	// Binary is the podman executable. Defaults to "podman".
	Binary string
	// SocketURL selects a remote podman service, e.g. unix:///run/podman/podman.sock.
	SocketURL string
	Image     string
	Network   string
	Limits    Limits
}

// PodmanLauncher starts runner containers with the podman CLI.
type PodmanLauncher struct {
	cfg    PodmanConfig
	logger *slog.Logger
}

// NewPodmanLauncher creates a PodmanLauncher.
func NewPodmanLauncher(cfg PodmanConfig, logger *slog.Logger) *PodmanLauncher {
	if cfg.Binary == "" {
		cfg.Binary = "podman"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PodmanLauncher{cfg: cfg, logger: logger}
}

// Launch runs a detached, auto-removed runner container.
func (p *PodmanLauncher) Launch(ctx context.Context, req *Request) (*Handle, error) {
	cmd, err := runnerArgs(req)
	if err != nil {
		return nil, err
	}
	name := containerName(req)
	args := p.buildRunArgs(name, req, cmd)

	p.logger.Debug("running podman container", "name", name, "image", p.cfg.Image)

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, p.cfg.Binary, args...)
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("podman run failed (exit %d): %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("running podman: %w", err)
	}

	id := strings.TrimSpace(stdout.String())
	p.logger.Info("sandbox started", "container_id", id, "name", name, "kind", req.Kind, "target_id", req.TargetID)
	return &Handle{ID: id, Name: name}, nil
}

// buildRunArgs constructs the podman run command arguments.
func (p *PodmanLauncher) buildRunArgs(name string, req *Request, cmd []string) []string {
	var args []string
	if p.cfg.SocketURL != "" {
		args = append(args, "--url", p.cfg.SocketURL)
	}
	args = append(args, "run", "--detach", "--rm", "--name", name)

	if p.cfg.Network != "" {
		args = append(args, "--network", p.cfg.Network)
	}

	for k, v := range labels(req) {
		args = append(args, "--label", k+"="+v)
	}
	for _, kv := range envList(req.Env) {
		args = append(args, "-e", kv)
	}

	limits := p.cfg.Limits
	if limits.CPUs > 0 {
		// Period is 100000 microseconds (100ms), quota is proportional.
		period := 100000
		quota := int(limits.CPUs * float64(period))
		args = append(args, "--cpu-period", fmt.Sprintf("%d", period))
		args = append(args, "--cpu-quota", fmt.Sprintf("%d", quota))
	}
	if limits.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", limits.MemoryMB))
	}
	if limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", limits.PidsLimit))
	}

	args = append(args, p.cfg.Image)
	return append(args, cmd...)
}
