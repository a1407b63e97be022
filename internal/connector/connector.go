// Package connector implements the Connector (spec.md §2/§8): the
// process-wide owner of every App plus the timer service, cache
// service, and readiness/liveness state the Apps' Stages share.
// Grounded on the teacher's cmd/thane process-lifecycle wiring
// (construct singletons, start everything, block for a shutdown
// signal, stop everything in reverse).
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/solaceflow/connector/internal/app"
	"github.com/solaceflow/connector/internal/cachesvc"
	"github.com/solaceflow/connector/internal/events"
	"github.com/solaceflow/connector/internal/timersvc"
)

// Connector is the process-wide owner of every App (spec.md §2:
// "Process-wide owner of Apps, a timer scheduler, a cache service, and
// the readiness/liveness state").
type Connector struct {
	logger *slog.Logger
	bus    *events.Bus

	Timers *timersvc.Service
	Cache  cachesvc.Cache

	mu      sync.Mutex
	apps    map[string]*app.App
	started bool
	live    bool
}

// New creates a Connector with its process-wide timer and cache
// services constructed but not yet started. Avoid module-
// initialization-time side effects (spec.md §9): nothing runs until
// Start.
func New(bus *events.Bus, logger *slog.Logger) *Connector {
	return &Connector{
		logger: logger,
		bus:    bus,
		Timers: timersvc.New(logger),
		Cache:  cachesvc.NewInMemory(),
		apps:   make(map[string]*app.App),
		live:   true,
	}
}

// Register adds an App under its Name(). Registering a second App
// under the same name replaces the first — callers build every App
// before calling Register, so this only happens for a deliberate
// reload.
func (c *Connector) Register(a *app.App) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps[a.Name()] = a
}

// App returns the registered App by name, if any.
func (c *Connector) App(name string) (*app.App, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.apps[name]
	return a, ok
}

// Apps returns every registered App.
func (c *Connector) Apps() []*app.App {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*app.App, 0, len(c.apps))
	for _, a := range c.apps {
		out = append(out, a)
	}
	return out
}

// Start starts every registered App, in registration order is not
// guaranteed (map iteration) since Apps do not depend on each other's
// startup order per spec.md's process model.
func (c *Connector) Start() {
	c.mu.Lock()
	apps := make([]*app.App, 0, len(c.apps))
	for _, a := range c.apps {
		apps = append(apps, a)
	}
	c.started = true
	c.mu.Unlock()

	for _, a := range apps {
		a.Start()
	}
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceConnector,
		Kind:      events.KindConnectorStarted,
	})
}

// Stop stops every registered App and tears down the timer service.
// The cache service has no background goroutines beyond per-entry
// expiry timers, which Stop does not cancel — expiring caches fire
// their handlers harmlessly against Apps that are already stopped.
func (c *Connector) Stop() {
	c.mu.Lock()
	apps := make([]*app.App, 0, len(c.apps))
	for _, a := range c.apps {
		apps = append(apps, a)
	}
	c.live = false
	c.mu.Unlock()

	for _, a := range apps {
		a.Stop()
	}
	c.Timers.Close()
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceConnector,
		Kind:      events.KindConnectorStopped,
	})
}

// IsReady reports whether every registered App is ready
// (health_check readiness probe, spec.md §6).
func (c *Connector) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return false
	}
	for _, a := range c.apps {
		if !a.IsReady() {
			return false
		}
	}
	return true
}

// IsLive reports process liveness: true from construction until Stop
// is called (health_check liveness probe, spec.md §6).
func (c *Connector) IsLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// WaitReady blocks until every App is ready or ctx is done, polling at
// the given interval.
func (c *Connector) WaitReady(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if c.IsReady() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connector: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
