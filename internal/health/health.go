// Package health covers both sides of agent health: readiness checks for the
// local process, and the signal file each agent emits for others to read.
// Whether an agent is unreachable is always decided by the reader.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 5 * time.Second

type check struct {
	fn       CheckFunc
	advisory bool
}

// Report is the outcome of one readiness pass.
type Report struct {
	Checked time.Time
	Results map[string]Status
	// Ready is false when any required check is down. Advisory checks
	// never affect it.
	Ready bool
}

// Checker runs the readiness checks of the local process. The vault and the
// journal are required; sync is advisory because an agent keeps working
// offline and catches up later.
type Checker struct {
	Timeout time.Duration

	mu     sync.RWMutex
	checks map[string]check
	last   Report
	logger zerolog.Logger
}

// NewChecker creates a checker with no checks registered.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		Timeout: DefaultCheckTimeout,
		checks:  make(map[string]check),
		last:    Report{Results: map[string]Status{}, Ready: true},
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a required check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.add(name, check{fn: fn})
}

// RegisterAdvisory adds a check that is reported but never blocks readiness.
func (c *Checker) RegisterAdvisory(name string, fn CheckFunc) {
	c.add(name, check{fn: fn, advisory: true})
}

func (c *Checker) add(name string, ch check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = ch
}

// Names returns the registered check names, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for n := range c.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes every check concurrently and keeps the report for Last.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]check, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	timeout := c.Timeout
	c.mu.RUnlock()
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}

	rep := Report{Checked: time.Now().UTC(), Results: make(map[string]Status, len(checks)), Ready: true}
	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, ch := range checks {
		wg.Add(1)
		go func(n string, ch check) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			s := ch.fn(checkCtx)
			mu.Lock()
			defer mu.Unlock()
			rep.Results[n] = s
			if s == StatusDown && !ch.advisory {
				rep.Ready = false
			}
		}(name, ch)
	}
	wg.Wait()

	for n, s := range rep.Results {
		if s != StatusOK {
			c.logger.Debug().Str("check", n).Str("status", string(s)).Msg("check not ok")
		}
	}

	c.mu.Lock()
	c.last = rep
	c.mu.Unlock()
	return rep
}

// Last returns the report of the previous Run.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.last
	out.Results = make(map[string]Status, len(c.last.Results))
	for k, v := range c.last.Results {
		out.Results[k] = v
	}
	return out
}

// IsReady runs the checks and reports readiness.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.Run(ctx).Ready
}
