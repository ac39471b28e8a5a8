package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secret store.
type mockSecrets struct {
	value string
	err   error
}

func (m mockSecrets) Get(service, account string) (string, error) {
	if m.value == "" && m.err == nil {
		return "", errNoSecret
	}
	return m.value, m.err
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromPath(path string, s secretStore) (Config, error) {
	return loadWith(newFileBackend(path), s)
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, "# empty\n")
	t.Setenv("AIGIS_OPENROUTER_API_KEY", "test-key")

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Embedding.Backend != "openrouter" || cfg.Embedding.Dimension != 1536 {
		t.Errorf("Embedding = %+v", cfg.Embedding)
	}
	if cfg.Breaker.FailureThreshold != 3 || cfg.Breaker.RecoveryTimeout != 30*time.Second || cfg.Breaker.SuccessThreshold != 2 {
		t.Errorf("Breaker = %+v", cfg.Breaker)
	}
	if cfg.Retrieval.Limit != 5 || cfg.Retrieval.Threshold != 0.7 || cfg.Retrieval.Index != "scan" {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Context.Limit != 10 || cfg.Gap.Cap != 50 {
		t.Errorf("Context.Limit = %d, Gap.Cap = %d", cfg.Context.Limit, cfg.Gap.Cap)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
}

// TestYAMLParsing verifies that nested YAML keys are read.
func TestYAMLParsing(t *testing.T) {
	content := `
server:
  port: 5000
storage:
  data_dir: /tmp/aigis-test
embedding:
  backend: ollama
  model: nomic-embed-text
  dimension: 768
  timeout: 3s
  backfill_interval: 90s
breaker:
  failure_threshold: 5
  recovery_timeout: 1m
retrieval:
  index: chromem
  threshold: 0.82
shutdown:
  grace_period: 2s
`
	path := writeTempConfig(t, content)
	t.Setenv("AIGIS_OPENROUTER_API_KEY", "")

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/aigis-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Embedding.Backend != "ollama" || cfg.Embedding.Model != "nomic-embed-text" || cfg.Embedding.Dimension != 768 || cfg.Embedding.Timeout != 3*time.Second {
		t.Errorf("Embedding = %+v", cfg.Embedding)
	}
	if cfg.Embedding.BackfillInterval != 90*time.Second {
		t.Errorf("Embedding.BackfillInterval = %v", cfg.Embedding.BackfillInterval)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.RecoveryTimeout != time.Minute {
		t.Errorf("Breaker = %+v", cfg.Breaker)
	}
	if cfg.Retrieval.Index != "chromem" || cfg.Retrieval.Threshold != 0.82 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Shutdown.GracePeriod != 2*time.Second {
		t.Errorf("Shutdown.GracePeriod = %v", cfg.Shutdown.GracePeriod)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 5000\n")
	t.Setenv("AIGIS_OPENROUTER_API_KEY", "env-key")
	t.Setenv("AIGIS_SERVER_PORT", "6000")
	t.Setenv("AIGIS_RETRIEVAL_CACHE_TTL", "90s")
	t.Setenv("AIGIS_GAP_CAP", "not-a-number")

	cfg, err := loadFromPath(path, mockSecrets{value: "file-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.OpenRouter.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want %q", cfg.OpenRouter.APIKey, "env-key")
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Retrieval.CacheTTL != 90*time.Second {
		t.Errorf("CacheTTL = %v", cfg.Retrieval.CacheTTL)
	}
	if cfg.Gap.Cap != 50 {
		t.Errorf("Gap.Cap = %d, want default after bad env value", cfg.Gap.Cap)
	}
}

// TestMissingAPIKey verifies the key is only required for the remote backend.
func TestMissingAPIKey(t *testing.T) {
	t.Setenv("AIGIS_OPENROUTER_API_KEY", "")

	_, err := loadFromPath(writeTempConfig(t, "# empty\n"), mockSecrets{})
	if err == nil || !strings.Contains(err.Error(), "missing required config") {
		t.Fatalf("err = %v, want missing required config", err)
	}

	if _, err := loadFromPath(writeTempConfig(t, "embedding:\n  backend: hash\n"), mockSecrets{}); err != nil {
		t.Errorf("hash backend should not need a key: %v", err)
	}
}

func TestMissingAPIKey_MessageNamesSecretsFile(t *testing.T) {
	t.Setenv("AIGIS_OPENROUTER_API_KEY", "")
	dir := filepath.Join(t.TempDir(), "100%data")
	t.Setenv("XDG_DATA_HOME", dir)

	_, err := loadFromPath(writeTempConfig(t, "# empty\n"), mockSecrets{})
	if err == nil {
		t.Fatal("expected error")
	}
	want := filepath.Join(dir, "aigis", "secrets.yaml")
	if !strings.Contains(err.Error(), want) || strings.Contains(err.Error(), "%!") {
		t.Errorf("err = %q, want it to name %s", err, want)
	}
}

// TestSecretsFallback verifies the secrets file is consulted when no API key is in file or env.
func TestSecretsFallback(t *testing.T) {
	t.Setenv("AIGIS_OPENROUTER_API_KEY", "")

	cfg, err := loadFromPath(writeTempConfig(t, "# no api key\n"), mockSecrets{value: "secret-from-file"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenRouter.APIKey != "secret-from-file" {
		t.Errorf("APIKey = %q, want %q", cfg.OpenRouter.APIKey, "secret-from-file")
	}
}

func TestFileSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(path, []byte("aigis:\n  openrouter_api_key: \" sk-123 \"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := fileSecrets{path: path}

	got, err := s.Get("aigis", "openrouter_api_key")
	if err != nil || got != "sk-123" {
		t.Errorf("Get = %q, %v", got, err)
	}
	if _, err := s.Get("aigis", "other"); !errors.Is(err, errNoSecret) {
		t.Errorf("err = %v, want errNoSecret", err)
	}
}

func TestValidation(t *testing.T) {
	t.Setenv("AIGIS_OPENROUTER_API_KEY", "k")
	tests := []struct {
		name, yaml, want string
	}{
		{"backend", "embedding:\n  backend: magic\n", "embedding.backend"},
		{"index", "retrieval:\n  index: faiss\n", "retrieval.index"},
		{"log level", "log:\n  level: loud\n", "log.level"},
		{"dimension", "embedding:\n  dimension: 0\n", "embedding.dimension"},
		{"threshold", "retrieval:\n  threshold: NaN\n", "retrieval.threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFromPath(writeTempConfig(t, tt.yaml), mockSecrets{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestZeroThresholdIsKept(t *testing.T) {
	t.Setenv("AIGIS_OPENROUTER_API_KEY", "k")
	cfg, err := loadFromPath(writeTempConfig(t, "retrieval:\n  threshold: 0\n"), mockSecrets{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retrieval.Threshold != 0 {
		t.Errorf("threshold = %v, want 0", cfg.Retrieval.Threshold)
	}
}

func TestSetKey_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aigis", "config.yaml")
	b := newFileBackend(path)

	if err := setKey(b, "server.port", "7000"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "breaker.recovery_timeout", "45s"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "openrouter.api_key", "x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKey(b, "no.such", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	t.Setenv("AIGIS_OPENROUTER_API_KEY", "k")
	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7000 || cfg.Breaker.RecoveryTimeout != 45*time.Second {
		t.Errorf("Port = %d, RecoveryTimeout = %v", cfg.Server.Port, cfg.Breaker.RecoveryTimeout)
	}
}

func TestShowAll_HidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.OpenRouter.APIKey = "sk-secret"
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "openrouter.api_key" || ki.Value == "sk-secret" {
			t.Errorf("secret shown: %+v", ki)
		}
	}
	if len(ValidKeys()) != len(specs)-1 {
		t.Errorf("ValidKeys() has %d keys, want %d", len(ValidKeys()), len(specs)-1)
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "", "warn", "error"} {
		if _, err := ParseLevel(s); err != nil {
			t.Errorf("ParseLevel(%q): %v", s, err)
		}
	}
}
