package utils

import (
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"time"
)

// CalculateBackoff returns the delay before reconnect attempt number
// attempt (starting at 0): InitialDelay * Multiplier^attempt, capped at
// MaxDelay. Jitter adds up to a quarter of the delay without exceeding the
// cap, so successive delays never decrease.
func CalculateBackoff(attempt int, b BackoffConfig) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt))
	max := float64(b.MaxDelay)
	if delay > max || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = max
	}
	if b.Jitter {
		delay += rand.Float64() * delay * 0.25
		if delay > max {
			delay = max
		}
	}
	return time.Duration(delay)
}

// ControlURL is the websocket URL of the control connection:
// <endpoint>/v1?namespace=<ns>, with http(s) rewritten to ws(s).
func (c Config) ControlURL() (string, error) {
	base := c.ControlEndpoint
	if base == "" {
		base = c.Endpoint
	}
	u, err := websocketURL(base, "/v1")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("namespace", c.Namespace)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TunnelURL is the websocket URL of the tunnel connection. runnerID is
// omitted from the query while still unknown.
func (c Config) TunnelURL(runnerID string) (string, error) {
	base := c.TunnelEndpoint
	if base == "" {
		base = c.ControlEndpoint
	}
	if base == "" {
		base = c.Endpoint
	}
	u, err := websocketURL(base, "/tunnel")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("namespace", c.Namespace)
	if runnerID != "" {
		q.Set("runner_id", runnerID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func websocketURL(endpoint, suffix string) (*url.URL, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("empty endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + suffix
	u.RawPath = ""
	return u, nil
}
