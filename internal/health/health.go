// Package health runs named diagnostic checks concurrently and folds them
// into one report.
package health

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"grimm.is/portcullis/internal/clock"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check.
type Check struct {
	Name        string        `json:"name" yaml:"name"`
	Status      Status        `json:"status" yaml:"status"`
	Message     string        `json:"message,omitempty" yaml:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked" yaml:"last_checked"`
	Duration    time.Duration `json:"duration_ms" yaml:"duration_ms"`
}

// Report represents the overall health report.
type Report struct {
	Status    Status           `json:"status" yaml:"status"`
	Checks    map[string]Check `json:"checks" yaml:"checks"`
	Timestamp time.Time        `json:"timestamp" yaml:"timestamp"`
}

// Sorted returns the checks ordered by name.
func (r Report) Sorted() []Check {
	out := make([]Check, 0, len(r.Checks))
	for _, c := range r.Checks {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Check) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// CheckFunc is a function that performs a health check. Name, LastChecked
// and Duration are filled in by the Checker.
type CheckFunc func(ctx context.Context) Check

// Checker performs health checks.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
	clock   clock.Clock
}

// NewChecker creates a checker that gives each check at most timeout. A
// zero timeout means no limit beyond the caller's context.
func NewChecker(timeout time.Duration) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: timeout,
		clock:   clock.RealClock{},
	}
}

// Register adds a health check, replacing any check with the same name.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Check runs all health checks and returns a report. The overall status is
// the worst status of any check.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	checkFuncs := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checkFuncs[name] = fn
	}
	c.mu.RUnlock()

	checks := make(map[string]Check, len(checkFuncs))
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checkFuncs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			check := c.run(ctx, fn)
			check.Name = name

			mu.Lock()
			checks[name] = check
			overallStatus = worst(overallStatus, check.Status)
			mu.Unlock()
		}()
	}

	wg.Wait()

	return Report{
		Status:    overallStatus,
		Checks:    checks,
		Timestamp: c.clock.Now(),
	}
}

func (c *Checker) run(ctx context.Context, fn CheckFunc) Check {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := c.clock.Now()
	check := fn(ctx)
	if check.Status == "" {
		check.Status = StatusUnhealthy
	}
	check.LastChecked = start
	check.Duration = c.clock.Since(start)
	return check
}

func worst(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusHealthy:
			return 0
		case StatusDegraded:
			return 1
		}
		return 2
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Healthy returns a passing check with msg.
func Healthy(msg string) Check { return Check{Status: StatusHealthy, Message: msg} }

// Degraded returns a degraded check with msg.
func Degraded(msg string) Check { return Check{Status: StatusDegraded, Message: msg} }

// Unhealthy returns a failing check with msg.
func Unhealthy(msg string) Check { return Check{Status: StatusUnhealthy, Message: msg} }
