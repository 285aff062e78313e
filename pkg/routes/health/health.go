package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name  string
	check CheckFunc
}

// Checker serves the health endpoints
type Checker struct {
	checks    []namedCheck
	timeout   time.Duration
	version   string
	startTime time.Time
	ready     atomic.Bool
}

func NewChecker(version string, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		timeout:   timeout,
		version:   version,
		startTime: time.Now(),
	}
}

// AddCheck registers a dependency probe reported by Health
func (c *Checker) AddCheck(name string, check CheckFunc) {
	c.checks = append(c.checks, namedCheck{name: name, check: check})
}

// SetReady sets the readiness state
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

func (c *Checker) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/v1/health", c.Health)
	e.GET("/api/v1/health/live", c.Live)
	e.GET("/api/v1/health/ready", c.Ready)
}

type HealthStatus struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Checks     map[string]*CheckResult `json:"checks"`
	ReportedAt time.Time               `json:"reported_at"`
}

type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Health runs every registered check and reports 503 if any fails
func (c *Checker) Health(ctx echo.Context) error {
	status := &HealthStatus{
		Status:     "healthy",
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     make(map[string]*CheckResult, len(c.checks)),
		ReportedAt: time.Now(),
	}

	reqCtx, cancel := context.WithTimeout(ctx.Request().Context(), c.timeout)
	defer cancel()

	for _, nc := range c.checks {
		start := time.Now()
		err := nc.check(reqCtx)
		if err != nil {
			status.Status = "unhealthy"
			status.Checks[nc.name] = &CheckResult{Status: "unhealthy", Message: err.Error()}
			continue
		}
		status.Checks[nc.name] = &CheckResult{Status: "healthy", Latency: time.Since(start).String()}
	}

	httpStatus := http.StatusOK
	if status.Status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	return ctx.JSON(httpStatus, status)
}

// Live reports that the process is running
func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

// Ready reports whether the consumers are running
func (c *Checker) Ready(ctx echo.Context) error {
	if c.ready.Load() {
		return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
	}
	return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}
