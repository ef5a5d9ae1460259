package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix     = "VH_"
	configFileEnv = "VH_CONFIG_FILE"
)

// Config is loaded once at startup and never mutated afterwards.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	Internal  InternalConfig  `koanf:"internal"`
	Services  ServicesConfig  `koanf:"services"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	PG        PGConfig        `koanf:"pg"`
	Redis     RedisConfig     `koanf:"redis"`
	Rate      RateConfig      `koanf:"rate"`
	Log       LogConfig       `koanf:"log"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Bootstrap BootstrapConfig `koanf:"bootstrap"`
}

type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	MaxBodyBytes int64         `koanf:"max_body_bytes"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// TrustedProxies is a comma-separated list of CIDRs or addresses whose
	// X-Forwarded-For / X-Real-IP headers are honoured.
	TrustedProxies string `koanf:"trusted_proxies"`
}

type AuthConfig struct {
	Secret         string        `koanf:"secret"`
	Issuer         string        `koanf:"issuer"`
	SessionTTL     time.Duration `koanf:"session_ttl"`
	CookieSecure   bool          `koanf:"cookie_secure"`
	LoginLimit     int           `koanf:"login_limit"`
	LoginUserLimit int           `koanf:"login_user_limit"`
	LoginWindow    time.Duration `koanf:"login_window"`
}

type InternalConfig struct {
	APIKey string `koanf:"api_key"`
}

// ServicesConfig holds one base URL per downstream service.
type ServicesConfig struct {
	CaseURL    string `koanf:"case_url"`
	AIURL      string `koanf:"ai_url"`
	ChannelURL string `koanf:"channel_url"`
}

type UpstreamConfig struct {
	Timeout time.Duration `koanf:"timeout"`
	Retries int           `koanf:"retries"`
}

type PGConfig struct {
	DSN         string `koanf:"dsn"`
	AutoMigrate bool   `koanf:"auto_migrate"`
}

type RedisConfig struct {
	Addr string `koanf:"addr"`
}

type RateConfig struct {
	Burst     int `koanf:"burst"`
	PerSecond int `koanf:"per_second"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type TracingConfig struct {
	Enabled bool   `koanf:"enabled"`
	Service string `koanf:"service"`
}

// BootstrapConfig seeds a superadmin into the in-memory store for local runs.
type BootstrapConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

var defaults = map[string]any{
	"server.addr":           ":8080",
	"server.max_body_bytes": int64(1 << 20),
	"server.write_timeout":  "30s",
	"auth.issuer":           "villagehub-gateway",
	"auth.session_ttl":      "12h",
	"auth.cookie_secure":    true,
	"auth.login_limit":      10,
	"auth.login_window":     "1m",
	"auth.login_user_limit": 50,
	"upstream.timeout":      "10s",
	"upstream.retries":      1,
	"rate.burst":            50,
	"rate.per_second":       20,
	"log.level":             "info",
	"tracing.service":       "villagehub-gateway",
}

// Load reads the optional YAML file named by VH_CONFIG_FILE, then VH_* environment
// variables on top. VH_SERVICES_CASE_URL maps to services.case_url.
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := strings.TrimSpace(os.Getenv(configFileEnv)); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, val); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// envKey turns VH_SECTION_FIELD_NAME into section.field_name.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if s == "config_file" {
		return ""
	}
	section, field, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + field
}

// Validate reports configuration that would make the gateway unsafe to start.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if strings.TrimSpace(c.Internal.APIKey) == "" {
		errs = append(errs, errors.New("internal.api_key is required"))
	}
	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, errors.New("auth.session_ttl must be positive"))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}
	if c.Upstream.Retries < 0 {
		errs = append(errs, errors.New("upstream.retries must not be negative"))
	}
	if _, err := ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseTrustedProxies parses a comma-separated list of CIDRs. A bare address is
// taken as a single-host prefix.
func ParseTrustedProxies(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
