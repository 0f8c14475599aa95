// File: utils/config.go
package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every configurable runner parameter. Host callbacks are not
// part of it; they are passed to runner.New alongside.
type Config struct {
	// Identity
	Version    uint32 `yaml:"version"`    // Runner version reported in Init
	RunnerName string `yaml:"runnerName"` // Pool name the runner joins
	RunnerKey  string `yaml:"runnerKey"`  // Stable key identifying this runner across restarts
	TotalSlots uint32 `yaml:"totalSlots"` // Maximum number of actors hosted at once
	Namespace  string `yaml:"namespace"`  // Orchestrator namespace

	// Endpoints
	Endpoint        string `yaml:"endpoint"`        // Base orchestrator endpoint (http, https, ws or wss)
	ControlEndpoint string `yaml:"controlEndpoint"` // Optional override for the control connection
	TunnelEndpoint  string `yaml:"tunnelEndpoint"`  // Optional override for the tunnel connection

	// Advertised data
	PrepopulateActorNames map[string]ActorNameConfig `yaml:"prepopulateActorNames"` // Actor names known up front
	Metadata              map[string]interface{}     `yaml:"metadata"`              // Sent as JSON in Init

	// Timing
	PingInterval       time.Duration `yaml:"pingInterval"`       // Ping cadence while the control connection is open
	AckInterval        time.Duration `yaml:"ackInterval"`        // Command ack cadence
	EventPruneInterval time.Duration `yaml:"eventPruneInterval"` // How often the event journal is swept
	EventRetention     time.Duration `yaml:"eventRetention"`     // Age after which journal entries are dropped
	KVSweepInterval    time.Duration `yaml:"kvSweepInterval"`    // How often expired KV requests are rejected
	KVExpire           time.Duration `yaml:"kvExpire"`           // Age after which a KV request is rejected
	TunnelGCInterval   time.Duration `yaml:"tunnelGcInterval"`   // How often unacked tunnel messages are purged
	TunnelAckTimeout   time.Duration `yaml:"tunnelAckTimeout"`   // Age after which an unacked tunnel message is purged
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"`    // Bound on a graceful shutdown

	Backoff BackoffConfig `yaml:"backoff"` // Reconnect policy for both connections
}

// ActorNameConfig describes an actor name advertised in Init.
type ActorNameConfig struct {
	Metadata map[string]interface{} `yaml:"metadata"`
}

// BackoffConfig parameterises CalculateBackoff.
type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// DefaultConfig returns a Config struct with default values.
func DefaultConfig() Config {
	return Config{
		Version:    1,
		RunnerName: "default",
		TotalSlots: 100,
		Namespace:  "default",

		PrepopulateActorNames: map[string]ActorNameConfig{},
		Metadata:              map[string]interface{}{},

		PingInterval:       DefaultPingInterval,
		AckInterval:        DefaultAckInterval,
		EventPruneInterval: DefaultEventPruneInterval,
		EventRetention:     DefaultEventRetention,
		KVSweepInterval:    DefaultKVSweepInterval,
		KVExpire:           DefaultKVExpire,
		TunnelGCInterval:   DefaultTunnelGCInterval,
		TunnelAckTimeout:   DefaultTunnelAckTimeout,
		ShutdownTimeout:    DefaultShutdownTimeout,

		Backoff: BackoffConfig{
			InitialDelay: DefaultBackoffInitialDelay,
			MaxDelay:     DefaultBackoffMaxDelay,
			Multiplier:   DefaultBackoffMultiplier,
			Jitter:       true,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Fields absent from the
// file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	if c.Endpoint == "" && c.ControlEndpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace is required"))
	}
	if c.RunnerName == "" {
		errs = append(errs, errors.New("runnerName is required"))
	}
	if c.RunnerKey == "" {
		errs = append(errs, errors.New("runnerKey is required"))
	}
	if c.PingInterval <= 0 || c.AckInterval <= 0 || c.EventPruneInterval <= 0 ||
		c.KVSweepInterval <= 0 || c.TunnelGCInterval <= 0 {
		errs = append(errs, errors.New("intervals must be positive"))
	}
	if c.Backoff.InitialDelay <= 0 || c.Backoff.MaxDelay < c.Backoff.InitialDelay || c.Backoff.Multiplier < 1 {
		errs = append(errs, errors.New("backoff needs 0 < initialDelay <= maxDelay and multiplier >= 1"))
	}
	return errors.Join(errs...)
}

// MetadataJSON renders Metadata for the Init message. An empty map still
// produces "{}".
func (c Config) MetadataJSON() (string, error) {
	return marshalJSON(c.Metadata)
}

// ActorNamesJSON renders the metadata of every prepopulated actor name.
func (c Config) ActorNamesJSON() (map[string]string, error) {
	out := make(map[string]string, len(c.PrepopulateActorNames))
	for name, an := range c.PrepopulateActorNames {
		s, err := marshalJSON(an.Metadata)
		if err != nil {
			return nil, fmt.Errorf("actor name %q: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

func marshalJSON(v map[string]interface{}) (string, error) {
	if v == nil {
		v = map[string]interface{}{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
