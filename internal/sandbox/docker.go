package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerAPI is the subset of the Docker client used by DockerLauncher.
type dockerAPI interface {
	ContainerCreate(
		ctx context.Context,
		config *container.Config,
		hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// DockerConfig configures a DockerLauncher.
type DockerConfig struct {
	Image   string
	Network string
	// Platform pins the runner image platform, e.g. "linux/arm64". Empty
	// lets the daemon choose.
	Platform string
	Limits   Limits
}

// DockerLauncher starts runner containers through the Docker Engine API.
type DockerLauncher struct {
	api      dockerAPI
	cfg      DockerConfig
	platform *ocispec.Platform
	logger   *slog.Logger
}

// NewDockerLauncher connects to the Docker daemon configured by the environment.
func NewDockerLauncher(cfg DockerConfig, logger *slog.Logger) (*DockerLauncher, error) {
	if _, err := ParsePlatform(cfg.Platform); err != nil {
		return nil, err
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newDockerLauncher(cli, cfg, logger), nil
}

func newDockerLauncher(api dockerAPI, cfg DockerConfig, logger *slog.Logger) *DockerLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	platform, err := ParsePlatform(cfg.Platform)
	if err != nil {
		logger.Warn("ignoring invalid sandbox platform", "platform", cfg.Platform, "error", err)
	}
	return &DockerLauncher{api: api, cfg: cfg, platform: platform, logger: logger}
}

// ParsePlatform parses "os/arch[/variant]". An empty string yields nil.
func ParsePlatform(s string) (*ocispec.Platform, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("invalid platform %q: want os/arch[/variant]", s)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid platform %q: empty component", s)
		}
	}
	platform := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		platform.Variant = parts[2]
	}
	return platform, nil
}

// Launch creates and starts an auto-removed runner container.
func (d *DockerLauncher) Launch(ctx context.Context, req *Request) (*Handle, error) {
	cmd, err := runnerArgs(req)
	if err != nil {
		return nil, err
	}
	name := containerName(req)

	config := &container.Config{
		Image:  d.cfg.Image,
		Cmd:    cmd,
		Env:    envList(req.Env),
		Labels: labels(req),
	}

	hostConfig := &container.HostConfig{
		AutoRemove: true,
		Resources:  d.resources(),
	}
	if d.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(d.cfg.Network)
	}

	resp, err := d.api.ContainerCreate(ctx, config, hostConfig, nil, d.platform, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := d.api.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			d.logger.Warn("failed to remove unstarted container", "container_id", resp.ID, "error", rmErr)
		}
		return nil, fmt.Errorf("start container: %w", err)
	}

	d.logger.Info("sandbox started",
		"container_id", resp.ID,
		"name", name,
		"kind", req.Kind,
		"target_id", req.TargetID,
	)
	return &Handle{ID: resp.ID, Name: name}, nil
}

func (d *DockerLauncher) resources() container.Resources {
	var r container.Resources
	if d.cfg.Limits.CPUs > 0 {
		r.NanoCPUs = int64(d.cfg.Limits.CPUs * 1e9)
	}
	if d.cfg.Limits.MemoryMB > 0 {
		r.Memory = d.cfg.Limits.MemoryMB * 1024 * 1024
	}
	if d.cfg.Limits.PidsLimit > 0 {
		pids := d.cfg.Limits.PidsLimit
		r.PidsLimit = &pids
	}
	return r
}

// Close releases the Docker client.
func (d *DockerLauncher) Close() error {
	return d.api.Close()
}
