// Package health reports whether the pipeline is doing its job.
//
// A Checker runs named component checks (event log, time authority,
// shipper, collector database) and folds them into one status. Critical
// components turn the whole process unhealthy; the rest can only degrade
// it. Server exposes the result over HTTP next to the metrics registry.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 2 * time.Second

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component is a health-checkable part of the process.
type Component struct {
	Name string
	// Critical components make the overall status unhealthy when they fail.
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	clock quartz.Clock

	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a Checker. A nil clock means the real one.
func NewChecker(clock quartz.Clock) *Checker {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Checker{
		clock:      clock,
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  clock.Now(),
	}
}

// Register adds or replaces a component. Its status is unknown until the
// first run.
func (c *Checker) Register(component Component) {
	if component.Timeout <= 0 {
		component.Timeout = DefaultCheckTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[component.Name] = &component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a check with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(Component{Name: name, Critical: critical, Check: check})
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Run executes every check concurrently and records the results.
func (c *Checker) Run(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.run(ctx, comp)
			resMu.Lock()
			results[comp.Name] = result
			resMu.Unlock()
		}()
	}
	wg.Wait()

	c.mu.Lock()
	for name, result := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = result
		}
	}
	c.mu.Unlock()
	return results
}

// run executes one check, converting panics and timeouts into unhealthy
// results. A check that ignores its context is abandoned, not waited for.
func (c *Checker) run(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := c.clock.Now()
	out := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprint(r),
				}
			}
		}()
		out <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-out:
	case <-checkCtx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   checkCtx.Err().Error(),
		}
	}
	result.LastChecked = start
	result.Duration = c.clock.Since(start)
	return result
}

// OverallStatus folds the last results into one status. A failed critical
// component wins; otherwise an unchecked critical component makes the
// status unknown, and any other fault degrades it.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var unknown, degraded bool
	for name, result := range c.results {
		comp := c.components[name]
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			degraded = true
		case StatusDegraded:
			degraded = true
		case StatusUnknown:
			if comp.Critical {
				unknown = true
			}
		}
	}

	switch {
	case unknown:
		return StatusUnknown
	case degraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Report is the body of the health endpoint.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs all checks and returns the aggregate.
func (c *Checker) Report(ctx context.Context) Report {
	components := c.Run(ctx)
	now := c.clock.Now()

	return Report{
		Status:     c.OverallStatus(),
		Ready:      c.IsReady(),
		Uptime:     now.Sub(c.startTime).Truncate(time.Second).String(),
		Components: components,
		Timestamp:  now,
	}
}

// Names returns the registered component names in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
