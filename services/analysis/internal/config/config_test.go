package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const baseYAML = `port: "8080"
redisAddr: "localhost:6379"
jwtSecret: "secret"
generationProvider: "openai"
generationModel: "gpt-4o-mini"
maxUploadBytes: 1048576
uploadRateLimitPerMinute: 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.MaxUploadBytes != 1048576 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.StorageBackend != "" {
		t.Fatalf("storage backend should default to empty (local)")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/datalens")
	t.Setenv("GENERATION_MODEL", "llama3")
	t.Setenv("ANALYSIS_MAX_UPLOAD_BYTES", "2048")

	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://db/datalens" {
		t.Fatalf("env override not applied: %q", cfg.DatabaseURL)
	}
	if cfg.GenerationModel != "llama3" || cfg.MaxUploadBytes != 2048 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	valid := "port: \"8080\"\nredisAddr: \"localhost:6379\"\njwtSecret: \"s\"\ngenerationProvider: %q\ngenerationModel: \"m\"\nstorageBackend: %q\n"
	cases := map[string]string{
		"missing port":     "redisAddr: \"localhost:6379\"\njwtSecret: \"s\"\ngenerationProvider: \"openai\"\ngenerationModel: \"m\"\n",
		"bad provider":     fmt.Sprintf(valid, "gemini", "local"),
		"bad backend":      fmt.Sprintf(valid, "openai", "gcs"),
		"minio incomplete": fmt.Sprintf(valid, "openai", "minio"),
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestParseSessionTTL(t *testing.T) {
	if d, err := ParseSessionTTL(""); err != nil || d != 0 {
		t.Fatalf("empty TTL: %v %v", d, err)
	}
	if _, err := ParseSessionTTL("not-a-duration"); err == nil {
		t.Fatalf("expected parse error")
	}
	if d, err := ParseSessionTTL("24h"); err != nil || d.Hours() != 24 {
		t.Fatalf("24h TTL: %v %v", d, err)
	}
}
