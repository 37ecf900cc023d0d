package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

const secretService = "tenantbot"

// SecretStore reads and writes secrets by service and account. Get returns
// an error wrapping ErrSecretNotFound for a missing account.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type secretSpec struct {
	account string
	env     string
	field   func(cfg *Config) *string
}

var secretSpecs = []secretSpec{
	{account: "api_token", env: "TENANTBOT_API_TOKEN", field: func(c *Config) *string { return &c.Secrets.APIToken }},
	{account: "openai_api_key", env: "TENANTBOT_OPENAI_API_KEY", field: func(c *Config) *string { return &c.Secrets.OpenAIAPIKey }},
	{account: "telegram_token", env: "TENANTBOT_TELEGRAM_TOKEN", field: func(c *Config) *string { return &c.Secrets.TelegramToken }},
	{account: "discord_token", env: "TENANTBOT_DISCORD_TOKEN", field: func(c *Config) *string { return &c.Secrets.DiscordToken }},
	{account: "webhook_token", env: "TENANTBOT_WEBHOOK_TOKEN", field: func(c *Config) *string { return &c.Secrets.WebhookToken }},
	{account: "postgres_dsn", env: "TENANTBOT_POSTGRES_DSN", field: func(c *Config) *string { return &c.Secrets.PostgresDSN }},
}

// applySecrets fills secrets from the environment first, then the store.
func applySecrets(cfg *Config, store SecretStore) {
	for _, s := range secretSpecs {
		dst := s.field(cfg)
		if v := os.Getenv(s.env); v != "" {
			*dst = v
			continue
		}
		if store == nil {
			continue
		}
		if v, err := store.Get(secretService, s.account); err == nil && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
}

// NewSecretStore returns the platform secret store: the login Keychain on
// macOS, $XDG_DATA_HOME/tenantbot/secrets.json elsewhere.
func NewSecretStore() SecretStore { return newPlatformSecrets() }

// EnsureAPIToken returns the admin API token, generating and storing a new
// one on first use.
func EnsureAPIToken(store SecretStore) (string, error) {
	if v := os.Getenv("TENANTBOT_API_TOKEN"); v != "" {
		return v, nil
	}
	v, err := store.Get(secretService, "api_token")
	switch {
	case err == nil && v != "":
		return v, nil
	case err != nil && !errors.Is(err, ErrSecretNotFound):
		return "", fmt.Errorf("reading API token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := store.Set(secretService, "api_token", token); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return token, nil
}

// SetSecret stores a named secret in the platform store.
func SetSecret(store SecretStore, account, value string) error {
	for _, s := range secretSpecs {
		if s.account == account {
			return store.Set(secretService, account, value)
		}
	}
	return fmt.Errorf("unknown secret %q", account)
}

// SecretNames lists the secrets that can be stored.
func SecretNames() []string {
	out := make([]string, len(secretSpecs))
	for i, s := range secretSpecs {
		out[i] = s.account
	}
	return out
}
