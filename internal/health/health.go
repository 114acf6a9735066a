// Package health reports whether the service's backing systems are reachable.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the state of one component or of the whole service.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 2 * time.Second

// Check returns nil while its component is usable.
type Check func(ctx context.Context) error

// Pinger is implemented by stores and buses that can reach their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Component is the result of one check.
type Component struct {
	Status   Status  `json:"status"`
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"durationMs"`
}

// Report is the body of GET /health.
type Report struct {
	Status     Status               `json:"status"`
	Service    string               `json:"service"`
	Timestamp  time.Time            `json:"timestamp"`
	Components map[string]Component `json:"components"`
}

// Checker runs named checks.
type Checker struct {
	service string
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Check
}

// NewChecker creates a checker. A timeout <= 0 uses DefaultTimeout.
func NewChecker(service string, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{service: service, timeout: timeout, checks: make(map[string]Check)}
}

// Register adds or replaces the check called name.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// RegisterPinger registers p.Ping under name.
func (c *Checker) RegisterPinger(name string, p Pinger) {
	c.Register(name, p.Ping)
}

// Names returns the registered check names, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes every check concurrently. The service is UP only when every
// component is.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	report := Report{
		Status:     StatusUp,
		Service:    c.service,
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]Component, len(checks)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			comp := c.run(ctx, check)
			mu.Lock()
			report.Components[name] = comp
			if comp.Status != StatusUp {
				report.Status = StatusDown
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return report
}

func (c *Checker) run(ctx context.Context, check Check) Component {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	comp := Component{
		Status:   StatusUp,
		Duration: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		comp.Status = StatusDown
		comp.Error = err.Error()
	}
	return comp
}

// Handler serves the report: 200 when UP, 503 otherwise.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())

		status := http.StatusOK
		if report.Status != StatusUp {
			status = http.StatusServiceUnavailable
			for name, comp := range report.Components {
				if comp.Status != StatusUp {
					slog.Warn("health check failed", "component", name, "err", comp.Error)
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(report)
	}
}
