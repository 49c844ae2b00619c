package authcore

import (
	"errors"
	"time"
)

// Config carries every tunable the Engine consumes. Zero values fall back
// to the defaults from defaultConfig; Builder.WithConfig merges the caller's
// overrides on top before validation.
type Config struct {
	JWT           JWTConfig
	Password      PasswordConfig
	Policy        PolicyConfig
	Session       SessionConfig
	PasswordReset PasswordResetConfig
	Providers     ProvidersConfig
	Security      SecurityConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

// JWTConfig controls token signing and lifetimes. Secret may be left empty,
// in which case the engine generates one and persists it via the settings
// store so tokens survive restarts.
type JWTConfig struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
	Leeway     time.Duration
}

// PasswordConfig holds argon2id cost parameters.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool
}

// PolicyConfig toggles password strength rules for new passwords.
type PolicyConfig struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
	DenyList       []string
}

type SessionConfig struct {
	RedisPrefix string
	// MaxSessionsPerUser caps concurrent sessions; 0 means unlimited.
	// Oldest sessions are revoked when the cap is exceeded.
	MaxSessionsPerUser int
}

type PasswordResetConfig struct {
	Enabled     bool
	RedisPrefix string
	ResetTTL    time.Duration
	MaxAttempts int
}

// ProvidersConfig controls delegated authentication against external
// identity providers.
type ProvidersConfig struct {
	// AutoCreateUsers provisions a local account on first delegated login.
	AutoCreateUsers bool
	// UsernamePrefix is prepended to a provider username when it collides
	// with an existing local account.
	UsernamePrefix string
	// RefreshProfileOnLogin re-syncs display name and email from the
	// provider on every delegated login.
	RefreshProfileOnLogin bool
}

type SecurityConfig struct {
	EnableIPThrottle        bool
	EnableRefreshThrottle   bool
	MaxLoginAttempts        int
	LoginCooldownDuration   time.Duration
	MaxRefreshAttempts      int
	RefreshCooldownDuration time.Duration
	MaxResetRequests        int
	ResetCooldownDuration   time.Duration
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:  30 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			Leeway:     30 * time.Second,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
		},
		Policy: PolicyConfig{
			MinLength:    8,
			RequireUpper: true,
			RequireLower: true,
			RequireDigit: true,
		},
		Session: SessionConfig{
			RedisPrefix:        "auth",
			MaxSessionsPerUser: 0,
		},
		PasswordReset: PasswordResetConfig{
			Enabled:     true,
			RedisPrefix: "apr",
			ResetTTL:    15 * time.Minute,
			MaxAttempts: 5,
		},
		Providers: ProvidersConfig{
			AutoCreateUsers:       true,
			UsernamePrefix:        "disp_",
			RefreshProfileOnLogin: true,
		},
		Security: SecurityConfig{
			EnableIPThrottle:        true,
			EnableRefreshThrottle:   true,
			MaxLoginAttempts:        5,
			LoginCooldownDuration:   15 * time.Minute,
			MaxRefreshAttempts:      20,
			RefreshCooldownDuration: 1 * time.Minute,
			MaxResetRequests:        3,
			ResetCooldownDuration:   15 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.Secret = cloneBytes(cfg.JWT.Secret)
	if len(cfg.Policy.DenyList) > 0 {
		out.Policy.DenyList = append([]string(nil), cfg.Policy.DenyList...)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate rejects configurations the engine cannot run with. It is called
// by Builder.Build after defaults are applied.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be >= AccessTTL")
	}
	if len(c.JWT.Secret) > 0 && len(c.JWT.Secret) < 32 {
		return errors.New("JWT Secret must be at least 32 bytes when provided")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	// Policy
	if c.Policy.MinLength < 1 {
		return errors.New("Policy MinLength must be >= 1")
	}

	// Session
	if c.Session.RedisPrefix == "" {
		return errors.New("Session RedisPrefix must not be empty")
	}
	if c.Session.MaxSessionsPerUser < 0 {
		return errors.New("Session MaxSessionsPerUser must be >= 0")
	}

	// Password reset
	if c.PasswordReset.Enabled {
		if c.PasswordReset.RedisPrefix == "" {
			return errors.New("PasswordReset RedisPrefix must not be empty")
		}
		if c.PasswordReset.ResetTTL <= 0 {
			return errors.New("PasswordReset ResetTTL must be > 0")
		}
		if c.PasswordReset.MaxAttempts <= 0 {
			return errors.New("PasswordReset MaxAttempts must be > 0")
		}
	}

	// Security
	if c.Security.MaxLoginAttempts <= 0 {
		return errors.New("MaxLoginAttempts must be > 0")
	}
	if c.Security.LoginCooldownDuration <= 0 {
		return errors.New("LoginCooldownDuration must be > 0")
	}
	if c.Security.EnableRefreshThrottle {
		if c.Security.MaxRefreshAttempts <= 0 {
			return errors.New("MaxRefreshAttempts must be > 0 when refresh throttle is enabled")
		}
		if c.Security.RefreshCooldownDuration <= 0 {
			return errors.New("RefreshCooldownDuration must be > 0 when refresh throttle is enabled")
		}
	}
	if c.PasswordReset.Enabled {
		if c.Security.MaxResetRequests <= 0 {
			return errors.New("MaxResetRequests must be > 0 when password reset is enabled")
		}
		if c.Security.ResetCooldownDuration <= 0 {
			return errors.New("ResetCooldownDuration must be > 0 when password reset is enabled")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}
