package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"echostream/cmd/internal/auth"
	"echostream/cmd/internal/pgutil"
	"echostream/cmd/internal/realtime"
	"echostream/cmd/security/password"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every server variable.
const EnvPrefix = "ECHOSTREAM_"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8000"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// DatabaseURL switches persistence to Postgres. Empty keeps everything in memory.
	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"0"`
	DBSchema    string `env:"DB_SCHEMA" envDefault:"echostream"`
	DBMigrate   bool   `env:"DB_MIGRATE" envDefault:"true"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB" envDefault:"false"`

	// RedisURL enables cross-instance room fanout.
	RedisURL string `env:"REDIS_URL"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:*,http://127.0.0.1:*" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"true"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"600"`

	Auth     auth.Config            `envPrefix:"AUTH_"`
	Password password.Config        `envPrefix:"PASSWORD_"`
	Gateway  realtime.GatewayConfig `envPrefix:"WS_"`
}

// LoadConfig loads Config from ECHOSTREAM_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.CORSAllowedOrigins = trimList(cfg.CORSAllowedOrigins)
	cfg.Gateway.AllowedOrigins = trimList(cfg.Gateway.AllowedOrigins)
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
// An empty JWT secret is allowed here; New replaces it with an ephemeral one.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("HTTP_ADDR is required"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text", "pretty":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q: want json, text or pretty", c.LogFormat))
	}
	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS %d out of range", c.DBMinConns))
	}
	if _, err := pgutil.CheckSchema(c.DBSchema); err != nil {
		errs = append(errs, err)
	}
	if err := c.Password.Check(); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.Secret != "" {
		if err := c.Auth.Check(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func trimList(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
