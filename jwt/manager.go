package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Sentinel decode failures. Every token that fails validation maps onto
// exactly one of these so callers never branch on parser internals.
var (
	// ErrExpired reports a structurally valid, correctly signed token whose
	// expiry has passed.
	ErrExpired = errors.New("token expired")
	// ErrInvalid reports any other decode failure: bad signature, malformed
	// payload, wrong algorithm, or wrong token type.
	ErrInvalid = errors.New("token invalid")
)

const (
	minSecretLen = 32

	// TypeRefresh is the value of the "type" claim carried by refresh tokens.
	// Access tokens have no type claim.
	TypeRefresh = "refresh"
)

// Config holds signing material and lifetimes for issued tokens.
type Config struct {
	// Secret is the HS256 signing key. At least 32 bytes.
	Secret []byte
	// AccessTTL is the access-token lifetime. Defaults to 30 minutes.
	AccessTTL time.Duration
	// RefreshTTL is the refresh-token lifetime. Defaults to 7 days.
	RefreshTTL time.Duration
	// Issuer, when set, is stamped into and required on every token.
	Issuer string
	// Leeway tolerates small clock skew during validation. At most 2 minutes.
	Leeway time.Duration
}

// Manager signs and validates the access and refresh tokens of the engine.
// A Manager is immutable after construction and safe for concurrent use.
type Manager struct {
	config Config
}

// Claims is the decoded payload of an engine-issued token. Subject carries
// the user ID; Username is present on access tokens only and TokenType is
// present on refresh tokens only. Every issued token carries a unique jti,
// so no two tokens share bytes even when minted within the same second.
type Claims struct {
	Username  string `json:"username,omitempty"`
	TokenType string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim back into a numeric user ID.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: non-numeric subject", ErrInvalid)
	}
	return id, nil
}

// IsRefresh reports whether the token carries the refresh type claim.
func (c *Claims) IsRefresh() bool {
	return c.TokenType == TypeRefresh
}

// NewManager validates cfg and returns a ready Manager. A missing or short
// secret is a construction error, never a runtime panic.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", minSecretLen)
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 30 * time.Minute
	}
	if cfg.AccessTTL < 0 {
		return nil, errors.New("invalid access TTL configuration")
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.RefreshTTL < 0 {
		return nil, errors.New("invalid refresh TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}

	return &Manager{config: cfg}, nil
}

// AccessTTL returns the configured access-token lifetime.
func (m *Manager) AccessTTL() time.Duration { return m.config.AccessTTL }

// RefreshTTL returns the configured refresh-token lifetime.
func (m *Manager) RefreshTTL() time.Duration { return m.config.RefreshTTL }

// CreateAccess issues an access token for userID with the default lifetime.
func (m *Manager) CreateAccess(userID int64, username string) (string, error) {
	return m.CreateAccessWithTTL(userID, username, m.config.AccessTTL)
}

// CreateAccessWithTTL issues an access token with an explicit lifetime.
func (m *Manager) CreateAccessWithTTL(userID int64, username string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("access TTL must be positive")
	}

	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    m.config.Issuer,
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.config.Secret)
}

// CreateRefresh issues a refresh token for userID with the default lifetime.
func (m *Manager) CreateRefresh(userID int64) (string, error) {
	return m.CreateRefreshWithTTL(userID, m.config.RefreshTTL)
}

// CreateRefreshWithTTL issues a refresh token with an explicit lifetime.
func (m *Manager) CreateRefreshWithTTL(userID int64, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("refresh TTL must be positive")
	}

	now := time.Now()
	claims := Claims{
		TokenType: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    m.config.Issuer,
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.config.Secret)
}

// Decode validates signature and expiry and returns the claims. Failures are
// always ErrExpired or ErrInvalid.
func (m *Manager) Decode(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.config.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalid
	}

	return claims, nil
}

// DecodeAccess decodes tokenStr and rejects refresh tokens, so a stolen
// refresh token cannot be replayed where an access token is expected.
func (m *Manager) DecodeAccess(tokenStr string) (*Claims, error) {
	claims, err := m.Decode(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.IsRefresh() {
		return nil, fmt.Errorf("%w: refresh token used as access token", ErrInvalid)
	}
	return claims, nil
}

// DecodeRefresh decodes tokenStr and requires the refresh type claim.
// An access token presented here fails with ErrInvalid.
func (m *Manager) DecodeRefresh(tokenStr string) (*Claims, error) {
	claims, err := m.Decode(tokenStr)
	if err != nil {
		return nil, err
	}
	if !claims.IsRefresh() {
		return nil, fmt.Errorf("%w: not a refresh token", ErrInvalid)
	}
	return claims, nil
}

// RefreshAccess exchanges a valid refresh token for a new access token. The
// new token carries the same subject; username enrichment is the caller's
// concern since refresh tokens do not embed it.
func (m *Manager) RefreshAccess(refreshToken string) (string, error) {
	claims, err := m.DecodeRefresh(refreshToken)
	if err != nil {
		return "", err
	}
	id, err := claims.UserID()
	if err != nil {
		return "", err
	}
	return m.CreateAccess(id, "")
}

// Rotate exchanges a valid refresh token for a fresh access/refresh pair.
// Server-side single-use enforcement of the old token belongs to the session
// store; Rotate alone is a pure token exchange.
func (m *Manager) Rotate(refreshToken string) (access string, refresh string, err error) {
	claims, err := m.DecodeRefresh(refreshToken)
	if err != nil {
		return "", "", err
	}
	id, err := claims.UserID()
	if err != nil {
		return "", "", err
	}
	access, err = m.CreateAccess(id, "")
	if err != nil {
		return "", "", err
	}
	refresh, err = m.CreateRefresh(id)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}
