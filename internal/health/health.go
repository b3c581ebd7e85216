// SPDX-License-Identifier: MIT

// Package health aggregates component probes for the /health endpoint.
// The persistent store is the only critical dependency: without it the
// service cannot honour its durability contract. A degraded edge cache
// only costs latency, so it never takes the service out of rotation.
package health

import (
	"context"
	"time"
)

// Status is a component or overall health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's probe outcome.
type CheckResult struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Response is the full health report.
type Response struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager runs the registered checkers and folds their results.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates an empty manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Check probes every component. Overall status is the worst component
// status: any unhealthy component makes the whole report unhealthy.
func (m *Manager) Check(ctx context.Context) Response {
	resp := Response{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
	}
	if len(m.checkers) == 0 {
		return resp
	}

	resp.Checks = make(map[string]CheckResult, len(m.checkers))
	for _, c := range m.checkers {
		result := c.Check(ctx)
		resp.Checks[c.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case StatusDegraded:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// probeChecker adapts a plain probe func. When degradedOnly is set a
// failing probe reports degraded instead of unhealthy.
type probeChecker struct {
	name         string
	probe        func(ctx context.Context) error
	degradedOnly bool
}

// NewChecker wraps a probe as a critical checker: failure is unhealthy.
func NewChecker(name string, probe func(ctx context.Context) error) Checker {
	return &probeChecker{name: name, probe: probe}
}

// NewDegradedChecker wraps a probe whose failure only degrades the
// service (the edge cache contract).
func NewDegradedChecker(name string, probe func(ctx context.Context) error) Checker {
	return &probeChecker{name: name, probe: probe, degradedOnly: true}
}

func (c *probeChecker) Name() string { return c.name }

func (c *probeChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.probe(ctx); err != nil {
		status := StatusUnhealthy
		if c.degradedOnly {
			status = StatusDegraded
		}
		return CheckResult{Status: status, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}
