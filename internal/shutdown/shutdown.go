// Package shutdown coordinates process signals for the gateway: SIGHUP reloads
// trust material, SIGINT/SIGTERM drain the HTTP server and then release the
// stores behind it.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout is the default graceful shutdown timeout.
const DefaultTimeout = 30 * time.Second

// Component represents a component that can be gracefully shut down.
type Component interface {
	// Name returns the component name for logging.
	Name() string
	// Shutdown gracefully shuts down the component.
	// It should return within the given context deadline.
	Shutdown(ctx context.Context) error
}

// ReloadFunc is called on SIGHUP.
type ReloadFunc func(ctx context.Context) error

// Coordinator owns the process signal loop.
type Coordinator struct {
	components []Component
	reloaders  []namedReload
	timeout    time.Duration
	logger     *slog.Logger
	mu         sync.Mutex

	// For testing: allows injecting a custom signal channel
	signalCh chan os.Signal

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	exitCode     int
}

type namedReload struct {
	name string
	fn   ReloadFunc
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSignalChannel sets a custom signal channel (for testing).
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:      DefaultTimeout,
		logger:       slog.Default(),
		shutdownDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Register adds a component to be shut down. Components are shut down one at a
// time in reverse order of registration, so register stores before the server
// that uses them.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// OnReload registers fn to run on SIGHUP.
func (c *Coordinator) OnReload(name string, fn ReloadFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloaders = append(c.reloaders, namedReload{name: name, fn: fn})
}

// Run handles signals until SIGINT/SIGTERM or ctx is done, then shuts down.
func (c *Coordinator) Run(ctx context.Context) {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigCh)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context done, shutting down")
			c.Shutdown()
			return
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				c.Reload(ctx)
				continue
			}
			c.logger.Info("received shutdown signal", "signal", sig)
			c.Shutdown()
			return
		}
	}
}

// Reload runs every reload hook. A failing hook leaves the previous state in place.
func (c *Coordinator) Reload(ctx context.Context) error {
	c.mu.Lock()
	reloaders := append([]namedReload(nil), c.reloaders...)
	c.mu.Unlock()

	var errs []error
	for _, r := range reloaders {
		if err := r.fn(ctx); err != nil {
			c.logger.Error("reload failed, keeping previous state", "name", r.name, "error", err)
			errs = append(errs, err)
			continue
		}
		c.logger.Info("reloaded", "name", r.name)
	}
	return errors.Join(errs...)
}

// Shutdown shuts components down in reverse registration order within the
// configured timeout. Subsequent calls are no-ops.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		components := make([]Component, len(c.components))
		copy(components, c.components)
		c.mu.Unlock()

		done := make(chan bool, 1)
		go func() {
			clean := true
			for i := len(components) - 1; i >= 0; i-- {
				comp := components[i]
				c.logger.Info("shutting down component", "name", comp.Name())
				if err := comp.Shutdown(ctx); err != nil {
					c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
					clean = false
					continue
				}
				c.logger.Info("component shutdown complete", "name", comp.Name())
			}
			done <- clean
		}()

		select {
		case clean := <-done:
			if clean {
				c.logger.Info("all components shut down successfully")
			} else {
				c.exitCode = 1
			}
		case <-ctx.Done():
			c.logger.Warn("shutdown timeout exceeded, forcing termination")
			c.exitCode = 1
		}

		close(c.shutdownDone)
	})
}

// Wait blocks until shutdown is complete.
func (c *Coordinator) Wait() {
	<-c.shutdownDone
}

// ExitCode returns the exit code after shutdown: 0 when every component shut
// down cleanly, 1 otherwise.
func (c *Coordinator) ExitCode() int {
	return c.exitCode
}
