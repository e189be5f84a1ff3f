package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr() != "0.0.0.0:30002" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Database.MaxConnections != 10 {
		t.Errorf("max connections = %d, want 10", cfg.Database.MaxConnections)
	}
	if cfg.Server.MaxRequestBodyBytes != 100<<20 {
		t.Errorf("max body = %d, want 100 MiB", cfg.Server.MaxRequestBodyBytes)
	}
	if cfg.Server.ShutdownBudget() != 30*time.Second {
		t.Errorf("shutdown budget = %v", cfg.Server.ShutdownBudget())
	}
	if cfg.Cache.MaxEntries != 1000 {
		t.Errorf("cache entries = %d, want 1000", cfg.Cache.MaxEntries)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9000
  graceful_shutdown_timeout_secs: 5
database:
  url: /tmp/gw.db
  max_connections: 3
auth:
  jwt_secret: file-secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr() != "127.0.0.1:9000" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Database.URL != "/tmp/gw.db" || cfg.Database.MaxConnections != 3 {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Auth.JWTSecret != "file-secret" {
		t.Errorf("jwt secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Server.ShutdownBudget() != 5*time.Second {
		t.Errorf("budget = %v", cfg.Server.ShutdownBudget())
	}
}

func TestEnvExpansionInYAML(t *testing.T) {
	t.Setenv("TEST_MITHRIL_SECRET", "expanded-secret")
	path := writeConfig(t, `
auth:
  jwt_secret: ${TEST_MITHRIL_SECRET}
database:
  url: gw.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.JWTSecret != "expanded-secret" {
		t.Errorf("jwt secret = %q", cfg.Auth.JWTSecret)
	}
}

func TestEnvVarsOverrideFile(t *testing.T) {
	t.Setenv("SERVER_PORT", "8123")
	t.Setenv("DATABASE_URL", "env.db")
	t.Setenv("JWT_SECRET", "env-secret")

	path := writeConfig(t, `
server:
  port: 9000
database:
  url: file.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("port = %d, want env override 8123", cfg.Server.Port)
	}
	if cfg.Database.URL != "env.db" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("jwt secret = %q", cfg.Auth.JWTSecret)
	}
}

func TestMissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestUnexpandedVarLeftIntact(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: ${DEFINITELY_UNSET_VAR_12345}
database:
  url: gw.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.JWTSecret != "${DEFINITELY_UNSET_VAR_12345}" {
		t.Errorf("jwt secret = %q, want literal placeholder", cfg.Auth.JWTSecret)
	}
}
