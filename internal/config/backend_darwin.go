//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.tenantbot.app"

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "tenantbot")
	}
	return "tenantbot-data"
}

// defaultsBackend stores settings in the macOS user defaults database via
// the defaults(1) tool. TENANTBOT_DEFAULTS_DOMAIN overrides the domain.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	domain := defaultsDomain
	if d := os.Getenv("TENANTBOT_DEFAULTS_DOMAIN"); d != "" {
		domain = d
	}
	return defaultsBackend{domain: domain}
}

// run executes defaults with the domain inserted after the verb. A missing
// key makes defaults exit 1, reported as missing=true.
func (b defaultsBackend) run(verb, key string, extra ...string) (out string, missing bool, err error) {
	args := append([]string{verb, b.domain, key}, extra...)
	raw, err := exec.Command("defaults", args...).CombinedOutput()
	out = strings.TrimSpace(string(raw))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && verb != "write" {
			return "", true, nil
		}
		return "", false, fmt.Errorf("defaults %s %s: %w: %s", verb, key, err, out)
	}
	return out, false, nil
}

func (b defaultsBackend) GetString(key string) (string, bool, error) {
	out, missing, err := b.run("read", key)
	return out, !missing && err == nil, err
}

func (b defaultsBackend) GetInt(key string) (int, bool, error) {
	out, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(out)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b defaultsBackend) SetString(key, val string) error {
	_, _, err := b.run("write", key, "-string", val)
	return err
}

func (b defaultsBackend) SetInt(key string, val int) error {
	_, _, err := b.run("write", key, "-int", strconv.Itoa(val))
	return err
}

func (b defaultsBackend) Delete(key string) error {
	_, _, err := b.run("delete", key)
	return err
}
