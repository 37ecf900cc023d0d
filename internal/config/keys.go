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
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "TENANTBOT_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "TENANTBOT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "TENANTBOT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TENANTBOT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.vector_backend", typ: kString, env: "TENANTBOT_STORAGE_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.VectorBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.VectorBackend },
	},
	{
		key: "llm.provider", typ: kString, env: "TENANTBOT_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "TENANTBOT_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "TENANTBOT_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.embed_model", typ: kString, env: "TENANTBOT_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "TENANTBOT_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "TENANTBOT_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "llm.top_p", typ: kFloat, env: "TENANTBOT_LLM_TOP_P",
		apply:   func(cfg *Config, v any) { cfg.LLM.TopP = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.TopP },
	},
	{
		key: "llm.max_tokens", typ: kInt, env: "TENANTBOT_LLM_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "TENANTBOT_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.dimension", typ: kInt, env: "TENANTBOT_RETRIEVAL_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.Dimension },
	},
	{
		key: "retrieval.kb_idle_ttl", typ: kDuration, env: "TENANTBOT_RETRIEVAL_KB_IDLE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.KBIdleTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.KBIdleTTL },
	},
	{
		key: "retrieval.idle_sweep", typ: kDuration, env: "TENANTBOT_RETRIEVAL_IDLE_SWEEP",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.IdleSweep = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.IdleSweep },
	},
	{
		key: "queue.max_attempts", typ: kInt, env: "TENANTBOT_QUEUE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxAttempts },
	},
	{
		key: "queue.poll_interval", typ: kDuration, env: "TENANTBOT_QUEUE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.PollInterval },
	},
	{
		key: "reply.default_platform", typ: kString, env: "TENANTBOT_REPLY_DEFAULT_PLATFORM",
		apply:   func(cfg *Config, v any) { cfg.Reply.DefaultPlatform = v.(string) },
		extract: func(cfg Config) any { return cfg.Reply.DefaultPlatform },
	},
	{
		key: "reply.webhook_url", typ: kString, env: "TENANTBOT_REPLY_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Reply.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Reply.WebhookURL },
	},
	{
		key: "reply.rate_per_second", typ: kFloat, env: "TENANTBOT_REPLY_RATE_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Reply.RatePerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Reply.RatePerSecond },
	},
	{
		key: "telemetry.gpu_interval", typ: kDuration, env: "TENANTBOT_TELEMETRY_GPU_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.GPUInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Telemetry.GPUInterval },
	},
	{
		key: "tracing.otlp_endpoint", typ: kString, env: "TENANTBOT_TRACING_OTLP_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Tracing.OTLPEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Tracing.OTLPEndpoint },
	},
}

// parseValue converts raw text to the Go type of s.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
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
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
