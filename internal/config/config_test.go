package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("VH_AUTH_SECRET", "s3cret")
	t.Setenv("VH_INTERNAL_API_KEY", "internal")
	t.Setenv("VH_SERVICES_CASE_URL", "http://case:8000")
	t.Setenv("VH_UPSTREAM_TIMEOUT", "3s")
	t.Setenv("VH_AUTH_SESSION_TTL", "2h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Services.CaseURL != "http://case:8000" {
		t.Fatalf("unexpected case url %q", cfg.Services.CaseURL)
	}
	if cfg.Upstream.Timeout != 3*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.Upstream.Timeout)
	}
	if cfg.Auth.SessionTTL != 2*time.Hour {
		t.Fatalf("unexpected session ttl %v", cfg.Auth.SessionTTL)
	}
	if cfg.Upstream.Retries != 1 {
		t.Fatalf("unexpected retries %d", cfg.Upstream.Retries)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	yaml := "services:\n  ai_url: http://ai.local\n  channel_url: http://channel.local\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	t.Setenv("VH_CONFIG_FILE", path)
	t.Setenv("VH_SERVICES_AI_URL", "http://ai.override")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Services.AIURL != "http://ai.override" {
		t.Fatalf("env should override file, got %q", cfg.Services.AIURL)
	}
	if cfg.Services.ChannelURL != "http://channel.local" {
		t.Fatalf("unexpected channel url %q", cfg.Services.ChannelURL)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Log.Level)
	}
}

func TestValidateReportsMissingSecrets(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{SessionTTL: time.Hour}, Upstream: UpstreamConfig{Timeout: time.Second}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"auth.secret", "internal.api_key"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"VH_SERVICES_CASE_URL": "services.case_url",
		"VH_PG_DSN":            "pg.dsn",
		"VH_AUTH_SESSION_TTL":  "auth.session_ttl",
		"VH_CONFIG_FILE":       "",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Fatalf("envKey(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies(" 10.0.0.0/8, 192.168.1.7 ,,::1")
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.168.1.7/32", "::1/128"}
	if len(got) != len(want) {
		t.Fatalf("unexpected prefixes %v", got)
	}
	for i, p := range got {
		if p.String() != want[i] {
			t.Fatalf("prefix %d = %s, want %s", i, p, want[i])
		}
	}

	if _, err := ParseTrustedProxies("10.0.0.0/33"); err == nil {
		t.Fatalf("expected error for bad prefix")
	}
	cfg := &Config{
		Server:   ServerConfig{TrustedProxies: "not-an-ip"},
		Auth:     AuthConfig{Secret: "s", SessionTTL: time.Hour},
		Internal: InternalConfig{APIKey: "k"},
		Upstream: UpstreamConfig{Timeout: time.Second},
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "trusted_proxies") {
		t.Fatalf("expected trusted_proxies validation error, got %v", err)
	}
}
