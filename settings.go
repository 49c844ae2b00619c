package authcore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const settingsSecretBytes = 48

// AuthSettings is the persisted, runtime-adjustable configuration document.
// Unlike Config, which is fixed at Build time, these values are loaded from
// disk at startup and can be changed through UpdateAuthSettings without a
// restart.
type AuthSettings struct {
	SigningSecret        string `json:"signing_secret"`
	AccessTTLSeconds     int64  `json:"access_ttl_seconds"`
	RefreshTTLSeconds    int64  `json:"refresh_ttl_seconds"`
	MinPasswordLength    int    `json:"min_password_length"`
	RequireSpecial       bool   `json:"require_special"`
	LocalAuthEnabled     bool   `json:"local_auth_enabled"`
	DelegatedAuthEnabled bool   `json:"delegated_auth_enabled"`
	AutoCreateUsers      bool   `json:"auto_create_users"`
	MaxSessionsPerUser   int    `json:"max_sessions_per_user"`
}

// AuthSettingsView is the admin-facing snapshot. It never carries the
// signing secret.
type AuthSettingsView struct {
	AccessTTLSeconds     int64 `json:"access_ttl_seconds"`
	RefreshTTLSeconds    int64 `json:"refresh_ttl_seconds"`
	MinPasswordLength    int   `json:"min_password_length"`
	RequireSpecial       bool  `json:"require_special"`
	LocalAuthEnabled     bool  `json:"local_auth_enabled"`
	DelegatedAuthEnabled bool  `json:"delegated_auth_enabled"`
	AutoCreateUsers      bool  `json:"auto_create_users"`
	MaxSessionsPerUser   int   `json:"max_sessions_per_user"`
}

// AuthSettingsUpdate carries partial changes for UpdateAuthSettings. Nil
// fields keep the current value.
type AuthSettingsUpdate struct {
	AccessTTLSeconds     *int64
	RefreshTTLSeconds    *int64
	MinPasswordLength    *int
	RequireSpecial       *bool
	LocalAuthEnabled     *bool
	DelegatedAuthEnabled *bool
	AutoCreateUsers      *bool
	MaxSessionsPerUser   *int
}

func defaultAuthSettings() (AuthSettings, error) {
	secret, err := generateSigningSecret()
	if err != nil {
		return AuthSettings{}, err
	}
	return AuthSettings{
		SigningSecret:        secret,
		AccessTTLSeconds:     int64((30 * time.Minute).Seconds()),
		RefreshTTLSeconds:    int64((7 * 24 * time.Hour).Seconds()),
		MinPasswordLength:    8,
		RequireSpecial:       false,
		LocalAuthEnabled:     true,
		DelegatedAuthEnabled: true,
		AutoCreateUsers:      true,
		MaxSessionsPerUser:   0,
	}, nil
}

func generateSigningSecret() (string, error) {
	raw := make([]byte, settingsSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating signing secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// SettingsStore owns the settings file. The current document is cached in
// memory; Save replaces the file atomically and swaps the cache under a
// single writer lock.
type SettingsStore struct {
	path string

	mu      sync.RWMutex
	current AuthSettings
	loaded  bool
}

func NewSettingsStore(path string) *SettingsStore {
	return &SettingsStore{path: path}
}

// Load reads the settings file, creating it with generated defaults when it
// does not exist. Load is idempotent; subsequent calls return the cache.
func (s *SettingsStore) Load() (AuthSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.current, nil
	}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var doc AuthSettings
		if err := json.Unmarshal(data, &doc); err != nil {
			return AuthSettings{}, fmt.Errorf("parsing settings file %s: %w", s.path, err)
		}
		if doc.SigningSecret == "" {
			doc.SigningSecret, err = generateSigningSecret()
			if err != nil {
				return AuthSettings{}, err
			}
			if err := s.writeLocked(doc); err != nil {
				return AuthSettings{}, err
			}
		}
		s.current = doc
		s.loaded = true
		return doc, nil

	case errors.Is(err, os.ErrNotExist):
		doc, err := defaultAuthSettings()
		if err != nil {
			return AuthSettings{}, err
		}
		if err := s.writeLocked(doc); err != nil {
			return AuthSettings{}, err
		}
		s.current = doc
		s.loaded = true
		return doc, nil

	default:
		return AuthSettings{}, fmt.Errorf("reading settings file %s: %w", s.path, err)
	}
}

// Current returns the cached document. Load must have succeeded first.
func (s *SettingsStore) Current() AuthSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Save persists doc and swaps the cache. The file is written to a temp
// sibling and renamed so readers never observe a partial document.
func (s *SettingsStore) Save(doc AuthSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(doc); err != nil {
		return err
	}
	s.current = doc
	s.loaded = true
	return nil
}

func (s *SettingsStore) writeLocked(doc AuthSettings) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".authsettings-*")
	if err != nil {
		return fmt.Errorf("creating temp settings file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting settings file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing settings file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing settings file: %w", err)
	}
	return nil
}

// SecretBytes decodes the signing secret for the JWT manager.
func (doc AuthSettings) SecretBytes() ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(doc.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding signing secret: %w", err)
	}
	return raw, nil
}

// View strips the signing secret for admin responses.
func (doc AuthSettings) View() AuthSettingsView {
	return AuthSettingsView{
		AccessTTLSeconds:     doc.AccessTTLSeconds,
		RefreshTTLSeconds:    doc.RefreshTTLSeconds,
		MinPasswordLength:    doc.MinPasswordLength,
		RequireSpecial:       doc.RequireSpecial,
		LocalAuthEnabled:     doc.LocalAuthEnabled,
		DelegatedAuthEnabled: doc.DelegatedAuthEnabled,
		AutoCreateUsers:      doc.AutoCreateUsers,
		MaxSessionsPerUser:   doc.MaxSessionsPerUser,
	}
}

func (doc AuthSettings) validate() error {
	if doc.AccessTTLSeconds <= 0 {
		return errors.New("access TTL must be > 0")
	}
	if doc.RefreshTTLSeconds < doc.AccessTTLSeconds {
		return errors.New("refresh TTL must be >= access TTL")
	}
	if doc.MinPasswordLength < 1 {
		return errors.New("minimum password length must be >= 1")
	}
	if doc.MaxSessionsPerUser < 0 {
		return errors.New("max sessions per user must be >= 0")
	}
	return nil
}

func (doc AuthSettings) apply(upd AuthSettingsUpdate) AuthSettings {
	out := doc
	if upd.AccessTTLSeconds != nil {
		out.AccessTTLSeconds = *upd.AccessTTLSeconds
	}
	if upd.RefreshTTLSeconds != nil {
		out.RefreshTTLSeconds = *upd.RefreshTTLSeconds
	}
	if upd.MinPasswordLength != nil {
		out.MinPasswordLength = *upd.MinPasswordLength
	}
	if upd.RequireSpecial != nil {
		out.RequireSpecial = *upd.RequireSpecial
	}
	if upd.LocalAuthEnabled != nil {
		out.LocalAuthEnabled = *upd.LocalAuthEnabled
	}
	if upd.DelegatedAuthEnabled != nil {
		out.DelegatedAuthEnabled = *upd.DelegatedAuthEnabled
	}
	if upd.AutoCreateUsers != nil {
		out.AutoCreateUsers = *upd.AutoCreateUsers
	}
	if upd.MaxSessionsPerUser != nil {
		out.MaxSessionsPerUser = *upd.MaxSessionsPerUser
	}
	return out
}
