package authcore

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamworks/authcore/internal/rate"
	"github.com/streamworks/authcore/internal/stores"
	"github.com/streamworks/authcore/jwt"
	"github.com/streamworks/authcore/password"
	"github.com/streamworks/authcore/providers"
	"github.com/streamworks/authcore/session"
)

// Builder assembles an Engine. Redis and a UserStore are mandatory; every
// other dependency degrades the engine gracefully when absent (no provider
// means no delegated login, no mailer means resets are issued but not sent).
type Builder struct {
	config Config
	redis  redis.UniversalClient

	users      UserStore
	identities IdentityStore

	providerKind string
	provider     providers.Client

	mailer    Mailer
	auditSink AuditSink
	settings  *SettingsStore

	built bool
}

func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the default configuration wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.users = store
	return b
}

func (b *Builder) WithIdentityStore(store IdentityStore) *Builder {
	b.identities = store
	return b
}

// WithProviderClient wires the delegated-authentication backend. kind is the
// provider name recorded on identity rows (e.g. "dispatcharr").
func (b *Builder) WithProviderClient(kind string, client providers.Client) *Builder {
	b.providerKind = kind
	b.provider = client
	return b
}

func (b *Builder) WithMailer(mailer Mailer) *Builder {
	b.mailer = mailer
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithSettings attaches a persisted settings store. Build loads it; the
// signing secret and token lifetimes come from the document when the config
// does not set them explicitly.
func (b *Builder) WithSettings(store *SettingsStore) *Builder {
	b.settings = store
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, wires every subsystem, and returns a
// ready Engine. A Builder is single-use.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.users == nil {
		return nil, errors.New("user store required")
	}

	if b.settings != nil {
		doc, err := b.settings.Load()
		if err != nil {
			return nil, err
		}
		if len(cfg.JWT.Secret) == 0 {
			secret, err := doc.SecretBytes()
			if err != nil {
				return nil, err
			}
			cfg.JWT.Secret = secret
		}
		if doc.AccessTTLSeconds > 0 {
			cfg.JWT.AccessTTL = time.Duration(doc.AccessTTLSeconds) * time.Second
		}
		if doc.RefreshTTLSeconds > 0 {
			cfg.JWT.RefreshTTL = time.Duration(doc.RefreshTTLSeconds) * time.Second
		}
		if doc.MinPasswordLength > 0 {
			cfg.Policy.MinLength = doc.MinPasswordLength
		}
		cfg.Policy.RequireSpecial = doc.RequireSpecial
	}

	if len(cfg.JWT.Secret) == 0 {
		return nil, errors.New("JWT secret required: set Config.JWT.Secret or attach a settings store")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine := &Engine{
		config:       cloneConfig(cfg),
		sessionStore: session.NewStore(b.redis, cfg.Session.RedisPrefix),
		users:        b.users,
		identities:   b.identities,
		provider:     b.provider,
		providerKind: b.providerKind,
		mailer:       b.mailer,
		settings:     b.settings,
	}

	engine.rateLimiter = rate.New(b.redis, rate.Config{
		EnableIPThrottle:        cfg.Security.EnableIPThrottle,
		EnableRefreshThrottle:   cfg.Security.EnableRefreshThrottle,
		MaxLoginAttempts:        cfg.Security.MaxLoginAttempts,
		LoginCooldownDuration:   cfg.Security.LoginCooldownDuration,
		MaxRefreshAttempts:      cfg.Security.MaxRefreshAttempts,
		RefreshCooldownDuration: cfg.Security.RefreshCooldownDuration,
		MaxResetRequests:        cfg.Security.MaxResetRequests,
		ResetCooldownDuration:   cfg.Security.ResetCooldownDuration,
	})

	if cfg.PasswordReset.Enabled {
		engine.resetStore = stores.NewPasswordResetStore(b.redis, cfg.PasswordReset.RedisPrefix)
	}

	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.hasher = hasher

	engine.policy = password.NewPolicy(password.PolicyConfig{
		MinLength:      cfg.Policy.MinLength,
		RequireUpper:   cfg.Policy.RequireUpper,
		RequireLower:   cfg.Policy.RequireLower,
		RequireDigit:   cfg.Policy.RequireDigit,
		RequireSpecial: cfg.Policy.RequireSpecial,
		DenyList:       cfg.Policy.DenyList,
	})

	manager, err := jwt.NewManager(jwt.Config{
		Secret:     cloneBytes(cfg.JWT.Secret),
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
		Issuer:     cfg.JWT.Issuer,
		Leeway:     cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = manager

	b.built = true

	return engine, nil
}
