package health

import (
	"regexp"
	"time"
)

// States
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?i)\b(?:https?|wss?|nats)://\S+`)
	bearerRegex     = regexp.MustCompile(`(?i)\bbearer\s+\S+`)
	credentialRegex = regexp.MustCompile(`(?i)(access_token|password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries counters shown next to a status.
type Metrics struct {
	Uptime            time.Duration `json:"uptime,omitempty"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Status == StateHealthy }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Status == StateDegraded }

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// FromError builds a status for component from its last error. A nil
// error is healthy; otherwise the status is degraded when transient is
// true and unhealthy when not. The message is sanitized.
func FromError(component string, err error, transient bool) Status {
	if err == nil {
		return NewHealthy(component, "OK")
	}
	msg := sanitizeErrorMessage(err.Error())
	if transient {
		return NewDegraded(component, msg)
	}
	return NewUnhealthy(component, msg)
}

// sanitizeErrorMessage hides instance URLs, credentials, paths, IP
// addresses and ports. Stream URLs carry the access token in their query.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := urlRegex.ReplaceAllString(err, "[URL]")
	sanitized = bearerRegex.ReplaceAllString(sanitized, "Bearer [REDACTED]")
	sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	return portRegex.ReplaceAllString(sanitized, "[PORT]")
}
