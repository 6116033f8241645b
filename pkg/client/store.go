package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

// configDir returns ~/.sherpa, creating it with owner-only permissions.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("client: resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".sherpa")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("client: create %s: %w", dir, err)
	}
	return dir, nil
}

// DefaultTrustDir returns the pinned-certificate directory.
func DefaultTrustDir() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "trusted_certs"), nil
}

func tokenPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "token"), nil
}

// SaveToken persists the session token, readable only by the owner.
func SaveToken(token string) error {
	path, err := tokenPath()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("client: write token: %w", err)
	}
	return nil
}

// LoadToken reads the stored session token. A missing file yields a typed
// not-found error so callers can tell "log in first" from real failures.
func LoadToken() (string, error) {
	path, err := tokenPath()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", util.NewNotFoundError("token", path)
	}
	if err != nil {
		return "", fmt.Errorf("client: read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ClearToken removes the stored token. Missing is fine.
func ClearToken() error {
	path, err := tokenPath()
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("client: remove token: %w", err)
	}
	return nil
}
