package config

import (
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
	Queue     QueueConfig
	Reply     ReplyConfig
	Telemetry TelemetryConfig
	Tracing   TracingConfig
	Secrets   Secrets
}

type ServerConfig struct {
	Host string
	Port int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir       string
	VectorBackend string
}

type LLMConfig struct {
	Provider    string
	BaseURL     string
	Model       string
	EmbedModel  string
	Timeout     time.Duration
	Temperature float64
	TopP        float64
	MaxTokens   int
}

type RetrievalConfig struct {
	TopK      int
	Dimension int
	// KBIdleTTL expires a tenant's knowledge base after this long without a
	// retrieval. Zero disables expiry.
	KBIdleTTL time.Duration
	IdleSweep time.Duration
}

type QueueConfig struct {
	MaxAttempts  int
	PollInterval time.Duration
}

type ReplyConfig struct {
	DefaultPlatform string
	WebhookURL      string
	RatePerSecond   float64
}

type TelemetryConfig struct {
	// GPUInterval is the gpu_usage sampling period. Zero disables sampling.
	GPUInterval time.Duration
}

type TracingConfig struct {
	OTLPEndpoint string
}

// Secrets are never read from or written to the config backend.
type Secrets struct {
	APIToken      string
	OpenAIAPIKey  string
	TelegramToken string
	DiscordToken  string
	WebhookToken  string
	PostgresDSN   string
}

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			VectorBackend: BackendSQLite,
		},
		LLM: LLMConfig{
			Provider:    "ollama",
			Model:       "llama3.1",
			EmbedModel:  "nomic-embed-text",
			Timeout:     30 * time.Second,
			Temperature: 0.7,
			TopP:        0.9,
			MaxTokens:   512,
		},
		Retrieval: RetrievalConfig{
			TopK:      3,
			Dimension: 768,
			IdleSweep: time.Hour,
		},
		Queue: QueueConfig{
			MaxAttempts:  3,
			PollInterval: time.Second,
		},
		Reply: ReplyConfig{
			DefaultPlatform: "webhook",
			RatePerSecond:   20,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.tenantbot.app) and
// secrets come from the Keychain. On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/tenantbot/config.json and secrets live in
// $XDG_DATA_HOME/tenantbot/secrets.json.
//
// Environment variables (TENANTBOT_*) override backend values on all
// platforms, and secret-store values only fill secrets left empty.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
