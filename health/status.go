package health

import (
	"regexp"
	"strings"
	"time"
)

// Level is the health state of a component.
type Level string

// Health levels, ordered from best to worst.
const (
	LevelHealthy   Level = "healthy"
	LevelDegraded  Level = "degraded"
	LevelUnhealthy Level = "unhealthy"
)

func (l Level) rank() int {
	switch l {
	case LevelHealthy:
		return 0
	case LevelDegraded:
		return 1
	default:
		return 2
	}
}

var (
	urlRegex        = regexp.MustCompile(`(https?|nats|tls|wss?)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one component, or of the daemon with its
// components as Checks.
type Status struct {
	Component string    `json:"component"`
	Level     Level     `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Status  `json:"checks,omitempty"`
}

// Healthy reports whether the status is fully healthy.
func (s Status) Healthy() bool { return s.Level == LevelHealthy }

// Healthy returns a healthy status.
func Healthy(component, message string) Status {
	return Status{Component: component, Level: LevelHealthy, Message: message}
}

// Degraded returns a degraded status. A degraded daemon still answers health checks
// with 200.
func Degraded(component, message string) Status {
	return Status{Component: component, Level: LevelDegraded, Message: message}
}

// Unhealthy returns an unhealthy status carrying a sanitized err.
func Unhealthy(component string, err error) Status {
	msg := "unhealthy"
	if err != nil {
		msg = sanitizeErrorMessage(err.Error())
	}
	return Status{Component: component, Level: LevelUnhealthy, Message: msg}
}

// sanitizeErrorMessage strips URLs, paths, addresses and credentials from
// messages served to unauthenticated callers.
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = unixPathRegex.ReplaceAllString(msg, "[PATH]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = portRegex.ReplaceAllString(msg, "[PORT]")

	lower := strings.ToLower(msg)
	for _, word := range []string{"password", "token", "secret", "credential"} {
		if strings.Contains(lower, word) {
			return credentialRegex.ReplaceAllString(msg, "[REDACTED]")
		}
	}
	return msg
}
