package transport

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/c360/fedstream/errors"
)

// Protocol selects how the transport receives events.
type Protocol string

const (
	// ProtocolWebsocket streams over a duplex websocket and supports
	// subscription control frames.
	ProtocolWebsocket Protocol = "websocket"
	// ProtocolSSE streams the user timeline as server-sent events.
	ProtocolSSE Protocol = "sse"
	// ProtocolPolling fetches the home timeline and notifications on a timer.
	ProtocolPolling Protocol = "polling"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolWebsocket, ProtocolSSE, ProtocolPolling:
		return true
	}
	return false
}

// Config configures a Manager.
type Config struct {
	Protocol             Protocol      `json:"protocol" yaml:"protocol"`
	BaseURL              string        `json:"base_url" yaml:"base_url"`
	AccessToken          string        `json:"access_token" yaml:"access_token"`
	StreamingPath        string        `json:"streaming_path" yaml:"streaming_path"`
	ConnectTimeout       time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReconnectInterval    time.Duration `json:"reconnect_interval" yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	PollInterval         time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// PollRateLimit caps polling requests per second with a burst of
	// PollBurst (at least 2, one tick's worth). Zero, the default,
	// disables the limit so every tick fetches.
	PollRateLimit float64 `json:"poll_rate_limit" yaml:"poll_rate_limit"`
	PollBurst     int     `json:"poll_burst" yaml:"poll_burst"`
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		Protocol:             ProtocolWebsocket,
		StreamingPath:        "/api/v1/streaming",
		ConnectTimeout:       10 * time.Second,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: 10,
		PollInterval:         30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	invalid := func(msg string) error {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "transport", "Validate", "check config")
	}
	if !c.Protocol.Valid() {
		return invalid(fmt.Sprintf("unknown protocol %q", c.Protocol))
	}
	if c.BaseURL == "" {
		return invalid("base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" {
		return invalid(fmt.Sprintf("base_url %q is not an absolute url", c.BaseURL))
	}
	switch {
	case c.ReconnectInterval < 0:
		return invalid("reconnect_interval cannot be negative")
	case c.MaxReconnectAttempts < 0:
		return invalid("max_reconnect_attempts cannot be negative")
	case c.Protocol == ProtocolPolling && c.PollInterval <= 0:
		return invalid("poll_interval must be positive for polling")
	case c.PollRateLimit < 0:
		return invalid("poll_rate_limit cannot be negative")
	}
	return nil
}

// streamingURL is the websocket endpoint carrying the token as a query
// parameter. http(s) base urls are mapped to ws(s).
func (c Config) streamingURL() string {
	base := strings.TrimRight(c.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	u := base + c.StreamingPath
	if c.AccessToken != "" {
		u += "?" + url.Values{"access_token": {c.AccessToken}}.Encode()
	}
	return u
}

func (c Config) apiURL(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}
