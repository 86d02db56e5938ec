package modkit

import "time"

// Status is the three-valued health judgment.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// rank orders statuses worst-last for aggregation.
func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Worse returns the worse of two statuses.
func Worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Check is a single service-specific health check result.
type Check struct {
	Service string `json:"service"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus is a composite health snapshot derived from a set of
// checks. It lives only in the in-memory ring buffers.
type HealthStatus struct {
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Checks    []Check        `json:"checks,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ReduceChecks collapses a check list into a single status: unhealthy if
// any check is unhealthy, else degraded if any is degraded, else healthy.
// Zero checks reduce to healthy by definition.
func ReduceChecks(checks []Check) Status {
	status := StatusHealthy
	for _, c := range checks {
		status = Worse(status, c.Status)
	}
	return status
}

func unhealthyStatus(message string) HealthStatus {
	return HealthStatus{
		Status:    StatusUnhealthy,
		Timestamp: time.Now(),
		Details:   map[string]any{"error": message},
	}
}
