package session

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoToken means no token is stored for the session; the user has never
// logged in or has been logged out.
var ErrNoToken = errors.New("no session token")

// SaveToken persists the auth token for a session with owner-only
// permissions.
func SaveToken(name, token string) error {
	if err := EnsureDir(name); err != nil {
		return fmt.Errorf("ensure session dir: %w", err)
	}
	if err := os.WriteFile(TokenPath(name), []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// LoadToken reads the stored auth token. Returns ErrNoToken when absent.
func LoadToken(name string) (string, error) {
	data, err := os.ReadFile(TokenPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// ClearToken removes the stored token, e.g. after a forced logout.
func ClearToken(name string) error {
	err := os.Remove(TokenPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}
