package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

// SystemdRestarter restarts a unit over D-Bus.
type SystemdRestarter struct {
	Unit string
	// Mode is the systemd job mode. Empty means "replace".
	Mode string
}

// Restart restarts the unit and waits for the job to finish.
func (r *SystemdRestarter) Restart(ctx context.Context) error {
	if r.Unit == "" {
		return errors.New("systemd unit is required")
	}
	mode := r.Mode
	if mode == "" {
		mode = "replace"
	}

	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	ch := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, r.Unit, mode, ch); err != nil {
		return fmt.Errorf("systemd restart %s: %w", r.Unit, err)
	}

	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("systemd restart %s: job result %q", r.Unit, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CommandRestarter runs a fixed argv, for example
// "s6-svscanctl -an /run/service".
type CommandRestarter struct {
	Argv []string
}

// Restart runs the command and reports its stderr on failure.
func (r *CommandRestarter) Restart(ctx context.Context) error {
	if len(r.Argv) == 0 {
		return errors.New("restart command is required")
	}
	cmd := exec.CommandContext(ctx, r.Argv[0], r.Argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", r.Argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", r.Argv[0], err)
	}
	return nil
}

// NewRestarter returns the restarter for mode: "systemd", "command" or
// "none". "none" yields nil, which disables restarts.
func NewRestarter(mode, unit string, argv []string) (Restarter, error) {
	switch mode {
	case "systemd":
		return &SystemdRestarter{Unit: unit}, nil
	case "command":
		return &CommandRestarter{Argv: argv}, nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown restart mode %q", mode)
}
