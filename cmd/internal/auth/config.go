package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"
)

// minSecretBytes is the smallest accepted HS256 key.
const minSecretBytes = 32

// Config controls token issuance and cookie transport.
// Field tags are relative; the app mounts it under ECHOSTREAM_AUTH_.
type Config struct {
	Secret   string        `env:"JWT_SECRET"`
	Issuer   string        `env:"JWT_ISSUER" envDefault:"echostream"`
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	CookieName     string `env:"COOKIE_NAME" envDefault:"accessToken"`
	CookiePath     string `env:"COOKIE_PATH" envDefault:"/"`
	CookieDomain   string `env:"COOKIE_DOMAIN"`
	CookieSecure   bool   `env:"COOKIE_SECURE" envDefault:"false"`
	CookieSameSite string `env:"COOKIE_SAMESITE" envDefault:"lax"`

	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"65536"`
}

// DefaultConfig mirrors the envDefault tags. Secret is left empty.
func DefaultConfig() Config {
	return Config{
		Issuer:         "echostream",
		TokenTTL:       24 * time.Hour,
		CookieName:     "accessToken",
		CookiePath:     "/",
		CookieSameSite: "lax",
		MaxBodyBytes:   64 << 10,
	}
}

// WithEphemeralSecret fills an empty Secret with random bytes.
// Tokens signed this way do not survive a restart. The bool reports whether
// a secret was generated so the caller can warn about it.
func (c Config) WithEphemeralSecret() (Config, bool, error) {
	if strings.TrimSpace(c.Secret) != "" {
		return c, false, nil
	}
	b := make([]byte, minSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return c, false, err
	}
	c.Secret = base64.RawURLEncoding.EncodeToString(b)
	return c, true, nil
}

// Check validates the config.
func (c Config) Check() error {
	if len(c.Secret) < minSecretBytes {
		return errors.New("auth: JWT secret must be at least 32 bytes")
	}
	if c.TokenTTL <= 0 {
		return errors.New("auth: token ttl must be positive")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return errors.New("auth: empty cookie name")
	}
	return nil
}

func (c Config) sameSite() http.SameSite {
	switch strings.ToLower(strings.TrimSpace(c.CookieSameSite)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
