package shutdown

import (
	"context"
	"io"
)

// ServerShutdowner is implemented by *http.Server and the API server.
type ServerShutdowner interface {
	Shutdown(ctx context.Context) error
}

// ServerComponent wraps a server for graceful shutdown.
type ServerComponent struct {
	name   string
	server ServerShutdowner
}

// NewServerComponent creates a new server shutdown component.
func NewServerComponent(name string, server ServerShutdowner) *ServerComponent {
	return &ServerComponent{
		name:   name,
		server: server,
	}
}

// Name returns the component name.
func (c *ServerComponent) Name() string {
	return c.name
}

// Shutdown stops accepting new connections and waits for in-flight requests.
func (c *ServerComponent) Shutdown(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}

// CloserComponent wraps an io.Closer for graceful shutdown.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent creates a new closer shutdown component.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{
		name:   name,
		closer: closer,
	}
}

// Name returns the component name.
func (c *CloserComponent) Name() string {
	return c.name
}

// Shutdown closes the resource.
func (c *CloserComponent) Shutdown(ctx context.Context) error {
	return c.closer.Close()
}

// Stopper is implemented by background loops such as the reconcile scheduler.
type Stopper interface {
	Stop()
}

// StopperComponent wraps a blocking Stop for graceful shutdown.
type StopperComponent struct {
	name    string
	stopper Stopper
}

// NewStopperComponent creates a new stopper shutdown component.
func NewStopperComponent(name string, stopper Stopper) *StopperComponent {
	return &StopperComponent{
		name:    name,
		stopper: stopper,
	}
}

// Name returns the component name.
func (c *StopperComponent) Name() string {
	return c.name
}

// Shutdown calls Stop, returning early if ctx expires first.
func (c *StopperComponent) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.stopper.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
