package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/ofsaga/metric"
)

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client) error

// WithMaxReconnects sets the maximum number of reconnection attempts (-1 for infinite)
func WithMaxReconnects(maxReconnects int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = maxReconnects
		return nil
	}
}

// WithReconnectWait sets the wait time between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger.With("component", "natsclient")
		}
		return nil
	}
}

// WithCircuitBreakerThreshold sets the consecutive failures that open the circuit
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			return fmt.Errorf("circuit breaker threshold must be positive, got %d", threshold)
		}
		c.circuitThreshold = threshold
		return nil
	}
}

// WithMaxBackoff caps the circuit breaker backoff
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("max backoff must be positive, got %v", d)
		}
		c.maxBackoff = d
		return nil
	}
}

// WithCredentials sets username and password authentication
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken sets token authentication
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTLS sets the client certificate and CA files
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		if (certFile == "") != (keyFile == "") {
			return fmt.Errorf("TLS certificate and key must be set together")
		}
		c.tlsCertFile = certFile
		c.tlsKeyFile = keyFile
		c.tlsCAFile = caFile
		return nil
	}
}

// WithName sets the connection name reported to the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithTimeout sets the dial timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithMetrics reports connection status and reconnects to the core metrics
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		if registry != nil {
			c.metrics = registry.CoreMetrics()
		}
		return nil
	}
}
