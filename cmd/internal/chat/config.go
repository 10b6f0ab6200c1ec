package chat

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the client configuration, read from ECHOSTREAM_* variables.
type Config struct {
	// SocketURL is the realtime endpoint. http(s) URLs are mapped to ws(s) and
	// get the /ws path when none is given.
	SocketURL string `env:"SOCKET_URL" envDefault:"http://localhost:8000"`
	// APIURL is the REST base. Empty reuses the SocketURL origin.
	APIURL string `env:"API_URL"`
	// Origin is sent on the upgrade request; the gateway checks it against its allowlist.
	Origin string `env:"ORIGIN" envDefault:"http://localhost"`
	// Token is a bearer access token. Login fills it at runtime.
	Token string `env:"TOKEN"`

	DialTimeout    time.Duration `env:"DIAL_TIMEOUT" envDefault:"10s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`

	PageSize    int    `env:"PAGE_SIZE" envDefault:"20"`
	ClientLabel string `env:"CLIENT_LABEL" envDefault:"echostream-chat"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		SocketURL:      "http://localhost:8000",
		Origin:         "http://localhost",
		DialTimeout:    10 * time.Second,
		RequestTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		PageSize:       20,
		ClientLabel:    "echostream-chat",
	}
}

// LoadConfig parses the client config with the ECHOSTREAM_ prefix.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "ECHOSTREAM_"}); err != nil {
		return Config{}, fmt.Errorf("chat config: %w", err)
	}
	return cfg, nil
}

// WebSocketURL resolves SocketURL into the ws(s) URL of the gateway.
func (c Config) WebSocketURL() (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.SocketURL))
	if err != nil {
		return "", fmt.Errorf("socket url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("socket url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("socket url: missing host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// BaseURL returns the REST base URL.
func (c Config) BaseURL() (string, error) {
	raw := strings.TrimSpace(c.APIURL)
	if raw == "" {
		raw = strings.TrimSpace(c.SocketURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("api url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("api url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api url: missing host")
	}
	if c.APIURL == "" {
		u.Path = ""
	}
	u.RawQuery, u.Fragment = "", ""
	return strings.TrimRight(u.String(), "/"), nil
}
