package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
http_addr: ":9000"
db:
  driver: postgres
  dsn: "postgres://file"
ai:
  upstream_timeout: 45s
  max_tokens: 2048
cors_origins: ["http://a.test"]
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DB_DSN", "postgres://env")
	t.Setenv("CORS_ORIGINS", "http://b.test, http://c.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("http addr from file not applied: %q", cfg.HTTPAddr)
	}
	if cfg.DB.Driver != "postgres" || cfg.DB.DSN != "postgres://env" {
		t.Fatalf("unexpected db config: %+v", cfg.DB)
	}
	if cfg.AI.UpstreamTimeout != 45*time.Second || cfg.AI.MaxTokens != 2048 {
		t.Fatalf("unexpected ai config: %+v", cfg.AI)
	}
	if strings.Join(cfg.CORSOrigins, "|") != "http://b.test|http://c.test" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSOrigins)
	}
	// untouched defaults survive
	if cfg.AI.OpenAIBaseURL != "https://api.openai.com/v1" {
		t.Fatalf("default openai base url lost: %q", cfg.AI.OpenAIBaseURL)
	}
}

func TestValidate_RejectsUnknownDriver(t *testing.T) {
	cfg := Defaults()
	cfg.DB.Driver = "oracle"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestValidate_ClampsWorkerConcurrency(t *testing.T) {
	cfg := Defaults()
	cfg.WorkerConcurrency = 500
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.WorkerConcurrency != 50 {
		t.Fatalf("expected clamp to 50, got %d", cfg.WorkerConcurrency)
	}
}

func TestCredentialKeyBytes(t *testing.T) {
	cfg := Defaults()
	cfg.CredentialKey = base64.StdEncoding.EncodeToString(make([]byte, 16))
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for short key")
	}

	cfg.CredentialKey = base64.StdEncoding.EncodeToString(make([]byte, 32))
	key, err := cfg.CredentialKeyBytes()
	if err != nil || key == nil {
		t.Fatalf("expected key, got %v, %v", key, err)
	}
}
