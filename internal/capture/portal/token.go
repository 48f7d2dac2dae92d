package portal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TokenStore persists the ScreenCast restore token so later sessions can
// skip the share dialog
type TokenStore struct {
	path string
	mu   sync.Mutex
}

// DefaultTokenPath returns ~/.config/screenguard/portal_token
func DefaultTokenPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "screenguard", "portal_token")
}

// NewTokenStore stores the token at path
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

type tokenFile struct {
	Token string `json:"token"`
}

// Load returns the saved token, or "" when there is none
func (s *TokenStore) Load() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	var t tokenFile
	if err := json.Unmarshal(data, &t); err != nil {
		return ""
	}
	return t.Token
}

// Save writes token, creating the directory if needed
func (s *TokenStore) Save(token string) error {
	if s == nil || token == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	data, err := json.Marshal(tokenFile{Token: token})
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	return nil
}

// Clear forgets the saved token
func (s *TokenStore) Clear() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	return nil
}
