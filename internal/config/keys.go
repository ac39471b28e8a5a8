package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "AIGIS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AIGIS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "AIGIS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "embedding.backend", typ: kString, env: "AIGIS_EMBEDDING_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Backend },
	},
	{
		key: "embedding.base_url", typ: kString, env: "AIGIS_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.model", typ: kString, env: "AIGIS_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.dimension", typ: kInt, env: "AIGIS_EMBEDDING_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimension },
	},
	{
		key: "embedding.timeout", typ: kDuration, env: "AIGIS_EMBEDDING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embedding.Timeout },
	},
	{
		key: "embedding.backfill_interval", typ: kDuration, env: "AIGIS_EMBEDDING_BACKFILL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BackfillInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embedding.BackfillInterval },
	},
	{
		key: "breaker.failure_threshold", typ: kInt, env: "AIGIS_BREAKER_FAILURE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Breaker.FailureThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Breaker.FailureThreshold },
	},
	{
		key: "breaker.recovery_timeout", typ: kDuration, env: "AIGIS_BREAKER_RECOVERY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Breaker.RecoveryTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Breaker.RecoveryTimeout },
	},
	{
		key: "breaker.success_threshold", typ: kInt, env: "AIGIS_BREAKER_SUCCESS_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Breaker.SuccessThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Breaker.SuccessThreshold },
	},
	{
		key: "retrieval.index", typ: kString, env: "AIGIS_RETRIEVAL_INDEX",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Index = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Index },
	},
	{
		key: "retrieval.limit", typ: kInt, env: "AIGIS_RETRIEVAL_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.Limit },
	},
	{
		key: "retrieval.threshold", typ: kFloat, env: "AIGIS_RETRIEVAL_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.Threshold },
	},
	{
		key: "retrieval.cache_ttl", typ: kDuration, env: "AIGIS_RETRIEVAL_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.CacheTTL },
	},
	{
		key: "context.limit", typ: kInt, env: "AIGIS_CONTEXT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Context.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.Limit },
	},
	{
		key: "context.label", typ: kString, env: "AIGIS_CONTEXT_LABEL",
		apply:   func(cfg *Config, v any) { cfg.Context.Label = v.(string) },
		extract: func(cfg Config) any { return cfg.Context.Label },
	},
	{
		key: "gap.cap", typ: kInt, env: "AIGIS_GAP_CAP",
		apply:   func(cfg *Config, v any) { cfg.Gap.Cap = v.(int) },
		extract: func(cfg Config) any { return cfg.Gap.Cap },
	},
	{
		key: "shutdown.grace_period", typ: kDuration, env: "AIGIS_SHUTDOWN_GRACE_PERIOD",
		apply:   func(cfg *Config, v any) { cfg.Shutdown.GracePeriod = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Shutdown.GracePeriod },
	},
	{
		key: "ollama.base_url", typ: kString, env: "AIGIS_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "chat.model", typ: kString, env: "AIGIS_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Chat.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Model },
	},
	{
		key: "chat.system_prompt", typ: kString, env: "AIGIS_CHAT_SYSTEM_PROMPT",
		apply:   func(cfg *Config, v any) { cfg.Chat.SystemPrompt = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.SystemPrompt },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "AIGIS_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "quote.url", typ: kString, env: "AIGIS_QUOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Quote.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Quote.URL },
	},
}

// parse converts a raw string to the spec's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if pv, err := s.parse(v); err == nil {
					s.apply(cfg, pv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
