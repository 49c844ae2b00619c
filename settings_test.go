package authcore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSettingsLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth", "settings.json")
	store := NewSettingsStore(path)

	doc, err := store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if doc.SigningSecret == "" {
		t.Fatal("expected a generated signing secret")
	}
	secret, err := doc.SecretBytes()
	if err != nil {
		t.Fatalf("decoding secret: %v", err)
	}
	if len(secret) != settingsSecretBytes {
		t.Fatalf("expected %d secret bytes, got %d", settingsSecretBytes, len(secret))
	}
	if !doc.LocalAuthEnabled || !doc.DelegatedAuthEnabled || !doc.AutoCreateUsers {
		t.Fatalf("unexpected defaults %+v", doc.View())
	}

	// The file exists with owner-only permissions.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected mode 0600, got %o", perm)
	}
}

func TestSettingsLoadIsStableAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	first, err := NewSettingsStore(path).Load()
	if err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	second, err := NewSettingsStore(path).Load()
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}

	if first.SigningSecret != second.SigningSecret {
		t.Fatal("signing secret changed across restarts")
	}
}

func TestSettingsSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	store := NewSettingsStore(path)

	doc, err := store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	doc.MaxSessionsPerUser = 5
	doc.LocalAuthEnabled = false
	if err := store.Save(doc); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if got := store.Current(); got.MaxSessionsPerUser != 5 || got.LocalAuthEnabled {
		t.Fatalf("cache not updated: %+v", got.View())
	}

	reloaded, err := NewSettingsStore(path).Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.MaxSessionsPerUser != 5 || reloaded.LocalAuthEnabled {
		t.Fatalf("file not updated: %+v", reloaded.View())
	}
}

func TestSettingsBackfillsMissingSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	doc := AuthSettings{
		AccessTTLSeconds:  1800,
		RefreshTTLSeconds: 604800,
		MinPasswordLength: 8,
		LocalAuthEnabled:  true,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("seeding file: %v", err)
	}

	loaded, err := NewSettingsStore(path).Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.SigningSecret == "" {
		t.Fatal("expected generated secret for legacy file")
	}

	// The backfilled secret is persisted, not regenerated per process.
	again, err := NewSettingsStore(path).Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if again.SigningSecret != loaded.SigningSecret {
		t.Fatal("backfilled secret not persisted")
	}
}

func TestSettingsRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seeding file: %v", err)
	}

	if _, err := NewSettingsStore(path).Load(); err == nil {
		t.Fatal("expected error for corrupt settings file")
	}
}

func TestSettingsValidate(t *testing.T) {
	base := AuthSettings{
		AccessTTLSeconds:  1800,
		RefreshTTLSeconds: 604800,
		MinPasswordLength: 8,
	}
	if err := base.validate(); err != nil {
		t.Fatalf("valid document rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*AuthSettings)
	}{
		{"zero access TTL", func(d *AuthSettings) { d.AccessTTLSeconds = 0 }},
		{"refresh below access", func(d *AuthSettings) { d.RefreshTTLSeconds = 60 }},
		{"zero password length", func(d *AuthSettings) { d.MinPasswordLength = 0 }},
		{"negative session cap", func(d *AuthSettings) { d.MaxSessionsPerUser = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := base
			tc.mutate(&doc)
			if err := doc.validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSettingsApplyPartialUpdate(t *testing.T) {
	doc := AuthSettings{
		AccessTTLSeconds:     1800,
		RefreshTTLSeconds:    604800,
		MinPasswordLength:    8,
		LocalAuthEnabled:     true,
		DelegatedAuthEnabled: true,
	}

	maxSessions := 3
	local := false
	out := doc.apply(AuthSettingsUpdate{
		MaxSessionsPerUser: &maxSessions,
		LocalAuthEnabled:   &local,
	})

	if out.MaxSessionsPerUser != 3 || out.LocalAuthEnabled {
		t.Fatalf("update not applied: %+v", out.View())
	}
	if out.AccessTTLSeconds != 1800 || !out.DelegatedAuthEnabled {
		t.Fatalf("untouched fields changed: %+v", out.View())
	}
	if doc.MaxSessionsPerUser != 0 {
		t.Fatal("apply mutated the receiver")
	}
}
