// Package health aggregates the health of the data plane's moving parts
// (dispatcher, flow store, NATS connection) into one status for /health.
package health

import (
	"regexp"
	"strings"
	"time"
)

// State is the health of one component
type State string

// Health states, ordered from best to worst
const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

func (s State) rank() int {
	switch s {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	default:
		return 2
	}
}

// Status is the health of a component or of the whole system
type Status struct {
	Component   string         `json:"component"`
	State       State          `json:"status"`
	Message     string         `json:"message,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
	SubStatuses []Status       `json:"subStatuses,omitempty"`
}

// Healthy returns a healthy status
func Healthy(component, message string) Status {
	return Status{Component: component, State: StateHealthy, Message: message, Timestamp: time.Now()}
}

// Degraded returns a degraded status
func Degraded(component, message string) Status {
	return Status{Component: component, State: StateDegraded, Message: message, Timestamp: time.Now()}
}

// Unhealthy returns an unhealthy status. The message is sanitized.
func Unhealthy(component, message string) Status {
	return Status{Component: component, State: StateUnhealthy, Message: Sanitize(message), Timestamp: time.Now()}
}

// IsHealthy reports whether the status is healthy
func (s Status) IsHealthy() bool { return s.State == StateHealthy }

// WithDetails returns a copy carrying details
func (s Status) WithDetails(details map[string]any) Status {
	s.Details = details
	return s
}

// Aggregate combines sub-statuses. The aggregate takes the worst state found.
func Aggregate(component string, subs []Status) Status {
	worst := StateHealthy
	for _, sub := range subs {
		if sub.State.rank() > worst.rank() {
			worst = sub.State
		}
	}

	var status Status
	switch worst {
	case StateHealthy:
		status = Healthy(component, "all components healthy")
	case StateDegraded:
		status = Degraded(component, "one or more components degraded")
	default:
		status = Unhealthy(component, "one or more components unhealthy")
	}
	status.SubStatuses = append([]Status(nil), subs...)
	return status
}

var (
	urlPattern        = regexp.MustCompile(`(?i)\b(?:https?|nats|wss?|tls)://[^\s]+`)
	ipPattern         = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d{2,5})?\b`)
	credentialPattern = regexp.MustCompile(`(?i)(password|token|secret|credential|authcode)\s*[:=]\s*[^,\s}]+`)
)

// Sanitize strips URLs, addresses and credentials from an error message
// before it is exposed on an unauthenticated endpoint.
func Sanitize(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlPattern.ReplaceAllString(msg, "[URL]")
	msg = ipPattern.ReplaceAllString(msg, "[IP]")
	if strings.ContainsAny(msg, ":=") {
		msg = credentialPattern.ReplaceAllString(msg, "$1=[REDACTED]")
	}
	return msg
}
