package app

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "0.0.0.0:8000" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.DBSchema != "echostream" || !cfg.DBMigrate {
		t.Fatalf("db defaults: schema=%q migrate=%v", cfg.DBSchema, cfg.DBMigrate)
	}
	if cfg.Auth.CookieName != "accessToken" || cfg.Auth.TokenTTL != 24*time.Hour {
		t.Fatalf("auth defaults not mounted: %+v", cfg.Auth)
	}
	if cfg.Password.MemoryKiB != 64*1024 {
		t.Fatalf("password defaults not mounted: %+v", cfg.Password)
	}
	if cfg.Gateway.MaxRooms != 32 || !cfg.Gateway.OriginRequired {
		t.Fatalf("gateway defaults not mounted: %+v", cfg.Gateway)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("ECHOSTREAM_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("ECHOSTREAM_CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("ECHOSTREAM_AUTH_TOKEN_TTL", "1h")
	t.Setenv("ECHOSTREAM_WS_MAX_ROOMS", "4")
	t.Setenv("ECHOSTREAM_WS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("ECHOSTREAM_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "127.0.0.1:9000" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if got := strings.Join(cfg.CORSAllowedOrigins, "|"); got != "https://a.example|https://b.example" {
		t.Fatalf("CORSAllowedOrigins=%q", got)
	}
	if got := strings.Join(cfg.Gateway.AllowedOrigins, "|"); got != "https://a.example|https://b.example" {
		t.Fatalf("Gateway.AllowedOrigins=%q", got)
	}
	if cfg.Auth.TokenTTL != time.Hour {
		t.Fatalf("TokenTTL=%v", cfg.Auth.TokenTTL)
	}
	if cfg.Gateway.MaxRooms != 4 {
		t.Fatalf("MaxRooms=%d", cfg.Gateway.MaxRooms)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("RedisURL=%q", cfg.RedisURL)
	}
}

func TestConfigValidate(t *testing.T) {
	base, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "empty addr", mutate: func(c *Config) { c.HTTPAddr = " " }, want: "HTTP_ADDR"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, want: "LOG_FORMAT"},
		{name: "min over max", mutate: func(c *Config) { c.DBMinConns = 20 }, want: "DB_MIN_CONNS"},
		{name: "bad schema", mutate: func(c *Config) { c.DBSchema = "drop table;" }, want: "schema"},
		{name: "short secret", mutate: func(c *Config) { c.Auth.Secret = "short" }, want: "secret"},
		{name: "weak argon2", mutate: func(c *Config) { c.Password.MemoryKiB = 1 }, want: "argon2"},
	}

	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(tc.want)) {
			t.Fatalf("%s: err=%q want substring %q", tc.name, err, tc.want)
		}
	}
}
