package utils

import "time"

const (
	DefaultPingInterval       = 1 * time.Second
	DefaultAckInterval        = 5 * time.Minute
	DefaultEventPruneInterval = 60 * time.Second
	DefaultEventRetention     = 5 * time.Minute
	DefaultKVSweepInterval    = 15 * time.Second
	DefaultKVExpire           = 30 * time.Second
	DefaultTunnelGCInterval   = 60 * time.Second
	DefaultTunnelAckTimeout   = 5 * time.Second
	DefaultShutdownTimeout    = 10 * time.Second

	DefaultBackoffInitialDelay = 1 * time.Second
	DefaultBackoffMaxDelay     = 30 * time.Second
	DefaultBackoffMultiplier   = 2.0

	// TargetHeader routes a websocket upgrade at the orchestrator's edge.
	TargetHeader       = "x-rivet-target"
	TargetRunnerSocket = "runner-ws"
	TargetTunnel       = "tunnel"

	// WebSocket close codes used by the tunnel.
	CloseNormal        = 1000
	CloseInternalError = 1011
)
