package config

import "errors"

// ConfigBackend is the platform store for non-secret settings. Values are
// written by `tenantbot config set` and read once at startup, below the
// TENANTBOT_* environment overrides.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	// Delete removes key so that its default applies again. Deleting an
	// unset key is not an error.
	Delete(key string) error
}

// ErrSecretNotFound is returned by a SecretStore for an account it has no
// value for.
var ErrSecretNotFound = errors.New("secret not found")
