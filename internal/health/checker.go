// Package health provides automated health checks for the driver: sqlite
// reachability, mudlib root presence, and scheduler tick drift.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mudforge/driver/internal/infra/metrics"
	"github.com/mudforge/driver/internal/infra/scheduler"
	"github.com/mudforge/driver/internal/infra/sqlite"
)

// Check defines a single health check.
type Check struct {
	Name    string
	CheckFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks and exposes their latest results,
// also doubling as the scheduler lag monitor: a tick drift above
// TickDriftWarning marks the "scheduler" check unhealthy.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker creates a health checker with the driver's standard checks.
func NewChecker(db *sqlite.DB, mudlibRoot string, sch *scheduler.Scheduler, driftWarning time.Duration) *Checker {
	return &Checker{
		interval: 30 * time.Second,
		checks: []Check{
			{
				Name: "sqlite",
				CheckFn: func(ctx context.Context) error {
					return db.Ping()
				},
			},
			{
				Name: "mudlib_root",
				CheckFn: func(ctx context.Context) error {
					return checkMudlibRoot(mudlibRoot)
				},
			},
			{
				Name: "scheduler",
				CheckFn: func(ctx context.Context) error {
					return checkSchedulerDrift(sch, driftWarning)
				},
			},
		},
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
		} else {
			s.Healthy = true
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check implementations ──────────────────────────────────────────────────

func checkMudlibRoot(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check mudlib root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mudlib root %s is not a directory", dir)
	}
	return nil
}

func checkSchedulerDrift(sch *scheduler.Scheduler, warning time.Duration) error {
	drift := time.Duration(sch.Stats().LastTickDriftMs) * time.Millisecond
	if drift > warning {
		return fmt.Errorf("tick drift %s exceeds warning threshold %s", drift, warning)
	}
	return nil
}
