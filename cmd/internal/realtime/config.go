package realtime

import "time"

// GatewayConfig holds the gateway knobs.
// Field tags are relative; the app mounts it under ECHOSTREAM_WS_.
type GatewayConfig struct {
	// DevInsecure disables the websocket library's origin verification.
	// Dev only; the allowlist below still applies.
	DevInsecure bool `env:"DEV_INSECURE" envDefault:"false"`

	OriginRequired bool     `env:"ORIGIN_REQUIRED" envDefault:"true"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost,http://127.0.0.1" envSeparator:","`

	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
	ReadIdleTimeout time.Duration `env:"READ_IDLE_TIMEOUT" envDefault:"2m"`
	SendQueue       int           `env:"SEND_QUEUE" envDefault:"256"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5s"`

	RateEvents int           `env:"RATE_EVENTS" envDefault:"120"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"10s"`

	// MaxRooms bounds concurrent room memberships per connection.
	MaxRooms int `env:"MAX_ROOMS" envDefault:"32"`

	// RequireAuth rejects upgrades without a valid access token.
	// Anonymous rooms need it off.
	RequireAuth bool `env:"REQUIRE_AUTH" envDefault:"false"`

	// RedisChannelPrefix namespaces room channels on the Redis bus.
	RedisChannelPrefix string `env:"REDIS_CHANNEL_PREFIX" envDefault:"echostream:room:"`
}

// DefaultGatewayConfig mirrors the envDefault tags.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:     true,
		AllowedOrigins:     []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:       defaultWriteTimeout,
		ReadIdleTimeout:    defaultReadIdle,
		SendQueue:          defaultSendQueueSize,
		HeartbeatInterval:  heartbeatInterval,
		HeartbeatTimeout:   heartbeatTimeout,
		RateEvents:         rateLimitEvents,
		RateWindow:         rateLimitWindow,
		MaxRooms:           defaultMaxRooms,
		RedisChannelPrefix: "echostream:room:",
	}
}

// withDefaults replaces non-positive values with defaults.
func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueueSize
	}
	if c.SendQueue < minSendQueueSize {
		c.SendQueue = minSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	if c.MaxRooms <= 0 {
		c.MaxRooms = defaultMaxRooms
	}
	if c.RedisChannelPrefix == "" {
		c.RedisChannelPrefix = "echostream:room:"
	}
	return c
}
