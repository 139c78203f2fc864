package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("FABRICGATE_HTTP_ADDR", ":9999")
	t.Setenv("FABRICGATE_DATABASE_DSN", "postgres://localhost/fg")
	t.Setenv("FABRICGATE_UPSTREAM_TIMEOUT", "5s")
	t.Setenv("FABRICGATE_AUDIT_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("unexpected http addr %q", cfg.HTTPAddr)
	}
	if cfg.DatabaseDSN != "postgres://localhost/fg" {
		t.Fatalf("unexpected dsn %q", cfg.DatabaseDSN)
	}
	if cfg.Upstream.Timeout != 5*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.Upstream.Timeout)
	}
	if cfg.Upstream.RetryAttempts != 3 {
		t.Fatalf("unexpected retry attempts %d", cfg.Upstream.RetryAttempts)
	}
	if cfg.Policy.CacheTTL != 30*time.Second {
		t.Fatalf("unexpected cache ttl %v", cfg.Policy.CacheTTL)
	}
	if len(cfg.Audit.KafkaBrokers) != 2 || cfg.Audit.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Audit.KafkaBrokers)
	}
}

func TestLoadFileDescriptors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabricgate.yaml")
	body := []byte(`
http_addr: ":8181"
descriptors:
  - namespace: manage
    path: specs/manage.json
  - namespace: analyze
    path: specs/analyze.yaml
    base_path: /api/v1/analyze
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8181" {
		t.Fatalf("unexpected http addr %q", cfg.HTTPAddr)
	}
	if len(cfg.Descriptors) != 2 || cfg.Descriptors[1].BasePath != "/api/v1/analyze" {
		t.Fatalf("unexpected descriptors %+v", cfg.Descriptors)
	}
}

func TestValidateRejectsIncompleteDescriptor(t *testing.T) {
	v := New()
	v.Set("descriptors", []map[string]any{{"namespace": "manage"}})
	if _, err := Decode(v); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSourcesAndOrigins(t *testing.T) {
	t.Setenv("FABRICGATE_ALLOWED_ORIGINS", "https://console.example.com,https://ops.example.com")
	v := New()
	v.Set("descriptors", []map[string]any{{"namespace": "manage", "path": "manage.json"}})
	cfg, err := Decode(v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://console.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	src := cfg.Sources()
	if len(src) != 1 || src[0].Namespace != "manage" || src[0].Path != "manage.json" {
		t.Fatalf("unexpected sources %+v", src)
	}
}
