// Package health tracks the state of the responder's moving parts and serves
// it as JSON.
package health

import (
	"regexp"
	"time"
)

// State is the health of one component.
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

// Status is the reported health of a component, or of the whole process
// when Components is set.
type Status struct {
	Component  string    `json:"component"`
	State      State     `json:"state"`
	Message    string    `json:"message,omitempty"`
	Since      time.Time `json:"since"`
	Components []Status  `json:"components,omitempty"`
}

// Healthy reports whether the state is StateHealthy.
func (s Status) Healthy() bool {
	return s.State == StateHealthy
}

var (
	urlPattern        = regexp.MustCompile(`\b(?:nats|tls|wss?|https?)://[^\s"]+`)
	credentialPattern = regexp.MustCompile(`(?i)(password|token|secret|creds?|seed)\s*[:=]\s*[^,\s}]+`)
)

// sanitize strips server URLs and credentials from messages that end up on
// an unauthenticated endpoint.
func sanitize(msg string) string {
	msg = urlPattern.ReplaceAllString(msg, "[URL]")
	return credentialPattern.ReplaceAllString(msg, "$1=[REDACTED]")
}
