// Package config loads aigis settings: built-in defaults, then the YAML
// config file, then AIGIS_* environment variables, then the secrets file
// for credentials still unset.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Embedding  EmbeddingConfig
	Breaker    BreakerConfig
	Retrieval  RetrievalConfig
	Context    ContextConfig
	Gap        GapConfig
	Shutdown   ShutdownConfig
	Ollama     OllamaConfig
	Chat       ChatConfig
	OpenRouter OpenRouterConfig
	Quote      QuoteConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// EmbeddingConfig selects the embedding provider. Backend is "openrouter"
// (any OpenAI-compatible endpoint), "ollama" or "hash" (offline, for tests
// and demos).
type EmbeddingConfig struct {
	Backend   string
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
	// BackfillInterval is how often messages left without an embedding are
	// retried. Zero disables the sweep.
	BackfillInterval time.Duration
}

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// RetrievalConfig tunes semantic search. Index is "scan" or "chromem".
type RetrievalConfig struct {
	Index     string
	Limit     int
	Threshold float64
	CacheTTL  time.Duration
}

type ContextConfig struct {
	Limit int
	Label string
}

type GapConfig struct {
	Cap int
}

type ShutdownConfig struct {
	GracePeriod time.Duration
}

type OllamaConfig struct {
	BaseURL string
}

type ChatConfig struct {
	Model        string
	SystemPrompt string
}

type OpenRouterConfig struct {
	APIKey string
}

type QuoteConfig struct {
	URL string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4000},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Embedding: EmbeddingConfig{
			Backend:          "openrouter",
			BaseURL:          "https://openrouter.ai/api/v1",
			Model:            "openai/text-embedding-3-small",
			Dimension:        1536,
			Timeout:          10 * time.Second,
			BackfillInterval: 5 * time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 2,
		},
		Retrieval: RetrievalConfig{
			Index:     "scan",
			Limit:     5,
			Threshold: 0.7,
			CacheTTL:  10 * time.Minute,
		},
		Context:  ContextConfig{Limit: 10, Label: "author"},
		Gap:      GapConfig{Cap: 50},
		Shutdown: ShutdownConfig{GracePeriod: 10 * time.Second},
		Ollama:   OllamaConfig{BaseURL: "http://localhost:11434"},
		Chat: ChatConfig{
			Model:        "openai/gpt-4o-mini",
			SystemPrompt: "You are a helpful AI assistant.",
		},
		Quote: QuoteConfig{URL: "https://api.quotable.io/random"},
	}
}

// Load reads configuration from $XDG_CONFIG_HOME/aigis/config.yaml, AIGIS_*
// environment variables and $XDG_DATA_HOME/aigis/secrets.yaml.
func Load() (Config, error) {
	return loadWith(newFileBackend(FilePath()), fileSecrets{path: secretsFilePath()})
}

// secretStore abstracts credential lookup for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.OpenRouter.APIKey == "" {
		if key, err := secrets.Get("aigis", "openrouter_api_key"); err == nil && key != "" {
			cfg.OpenRouter.APIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.Embedding.Backend {
	case "openrouter":
		if cfg.OpenRouter.APIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. "+
				"Set it via environment variable AIGIS_OPENROUTER_API_KEY or %s, "+
				"or select embedding.backend=ollama", secretsFilePath())
		}
	case "ollama", "hash":
	default:
		return fmt.Errorf("invalid embedding.backend %q (want openrouter, ollama or hash)", cfg.Embedding.Backend)
	}
	switch cfg.Retrieval.Index {
	case "scan", "chromem":
	default:
		return fmt.Errorf("invalid retrieval.index %q (want scan or chromem)", cfg.Retrieval.Index)
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	if cfg.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", cfg.Embedding.Dimension)
	}
	if t := cfg.Retrieval.Threshold; math.IsNaN(t) || math.IsInf(t, 0) {
		return fmt.Errorf("retrieval.threshold must be finite, got %v", t)
	}
	return nil
}

// ParseLevel maps a log.level value onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log.level %q (want debug, info, warn or error)", s)
}

// FilePath is where the YAML config file lives.
func FilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "aigis", "config.yaml")
}

func dataHome() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return ""
		}
	}
	return dir
}

func defaultDataDir() string {
	dir := dataHome()
	if dir == "" {
		return "aigis-data"
	}
	return filepath.Join(dir, "aigis")
}

func secretsFilePath() string {
	dir := dataHome()
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "aigis", "secrets.yaml")
}
