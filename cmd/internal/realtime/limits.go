package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). A message_broadcast
	// carries a full stored record, so this leaves room for MaxMessageChars
	// of multi-byte text plus the envelope.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max consecutive failed pings before the session is dropped.
	maxPingFailures = 3

	// How long HandleWS waits for the heartbeat goroutine on exit.
	closeGrace = 1 * time.Second

	minSendQueueSize = 32
)

// Defaults used when GatewayConfig fields are zero.
const (
	defaultSendQueueSize = 256
	defaultWriteTimeout  = 5 * time.Second
	defaultReadIdle      = 2 * time.Minute

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	defaultMaxRooms = 32
)
