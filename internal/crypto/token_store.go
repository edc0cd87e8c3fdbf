// Package crypto provides encrypted at-rest storage for the session token.
package crypto

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TokenStore keeps the API session token encrypted on disk so a
// restarted app can resume syncing without re-authenticating. The
// encryption key is bound to the device, so the file is useless copied
// elsewhere.
type TokenStore struct {
	mu      sync.Mutex
	dataDir string
	key     []byte
}

// NewTokenStore creates a TokenStore rooted at dataDir.
func NewTokenStore(dataDir string) *TokenStore {
	return &TokenStore{
		dataDir: dataDir,
		key:     GetDeviceKey(DeviceIdentifier()),
	}
}

// path returns the token file location.
func (s *TokenStore) path() string {
	return filepath.Join(s.dataDir, "secure", "session.token")
}

// Save encrypts and stores the token.
func (s *TokenStore) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path()), 0700); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	encrypted, err := EncryptString(token, string(s.key))
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}

	if err := os.WriteFile(s.path(), []byte(encrypted), 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Load returns the stored token, or "" when none has been saved. A
// token that fails to decrypt (device changed, file tampered) reads as
// absent so the app falls back to a fresh login.
func (s *TokenStore) Load() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path())
	if err != nil {
		return ""
	}

	token, err := DecryptString(string(data), string(s.key))
	if err != nil {
		return ""
	}
	return token
}

// Clear removes the stored token.
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete token file: %w", err)
	}
	return nil
}
