package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/siftlab/sift/logger"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth holds health information for one component.
type ComponentHealth struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Component is a lifecycle-managed part of the engine.
type Component interface {
	// Name returns the unique name of the component.
	Name() string

	// Start initializes and starts the component.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the component.
	Stop(ctx context.Context) error

	// Health returns the component's current health.
	Health(ctx context.Context) ComponentHealth
}

// stopTimeout bounds one component's shutdown.
const stopTimeout = 10 * time.Second

// registry manages component lifecycle with deterministic ordering:
// started in registration order, stopped in reverse.
type registry struct {
	mu      sync.Mutex
	entries []Component
	started int
	log     *logger.Logger
}

func newRegistry(log *logger.Logger) *registry {
	return &registry{log: log.WithComponent("lifecycle")}
}

func (r *registry) register(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, c)
}

// startAll starts components in registration order. On failure the
// already started ones are stopped again, in reverse.
func (r *registry) startAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.entries {
		r.log.Debug("starting component", logger.Fields(logger.FieldComponent, c.Name()))
		if err := c.Start(ctx); err != nil {
			r.log.Error("component start failed", logger.ErrorFields(c.Name(), err))
			r.stopLocked(ctx, i)
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		r.started = i + 1
	}
	return nil
}

// stopAll stops started components in reverse registration order,
// collecting errors rather than aborting on the first.
func (r *registry) stopAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(ctx, r.started)
}

func (r *registry) stopLocked(ctx context.Context, n int) error {
	var errs []error
	for i := n - 1; i >= 0; i-- {
		c := r.entries[i]
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		if err := c.Stop(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
			r.log.Error("component stop failed", logger.ErrorFields(c.Name(), err))
		}
		cancel()
	}
	r.started = 0
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func (r *registry) healthAll(ctx context.Context) []ComponentHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ComponentHealth, 0, len(r.entries))
	for _, c := range r.entries {
		out = append(out, c.Health(ctx))
	}
	return out
}
