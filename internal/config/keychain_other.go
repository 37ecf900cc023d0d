//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// fileSecrets keeps secrets in a 0600 JSON file of service → account →
// value, next to the data directory rather than the config file.
type fileSecrets struct {
	path string
}

func newPlatformSecrets() SecretStore {
	return fileSecrets{path: secretsFilePath()}
}

func secretsFilePath() string {
	if p := os.Getenv("TENANTBOT_SECRETS_FILE"); p != "" {
		return p
	}
	dir := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "tenantbot", "secrets.json")
}

func (s fileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = map[string]map[string]string{}
	}
	return secrets, nil
}

func (s fileSecrets) Get(service, account string) (string, error) {
	secrets, err := s.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
	}
	return val, nil
}

func (s fileSecrets) Set(service, account, value string) error {
	secrets, err := s.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value
	return writeFileAtomic(s.path, secrets)
}
