package authcore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/streamworks/authcore/providers"
)

// testConfig returns a valid configuration with cheap argon2 parameters so
// the suite stays fast.
func testConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.Secret = []byte("0123456789abcdef0123456789abcdef")
	cfg.JWT.Leeway = 0
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Security.MaxLoginAttempts = 3
	cfg.Security.MaxResetRequests = 2
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

type memUserStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*User
	calls  map[string]int
}

func newMemUserStore() *memUserStore {
	return &memUserStore{
		users: map[int64]*User{},
		calls: map[string]int{},
	}
}

func (s *memUserStore) called(name string) {
	s.calls[name]++
}

func (s *memUserStore) callCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *memUserStore) GetByID(_ context.Context, id int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("GetByID")

	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (s *memUserStore) GetByUsername(_ context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("GetByUsername")

	for _, user := range s.users {
		if user.Username == username {
			clone := *user
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUserStore) GetByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("GetByEmail")

	for _, user := range s.users {
		if user.Email != "" && strings.EqualFold(user.Email, email) {
			clone := *user
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUserStore) Create(_ context.Context, newUser NewUser) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("Create")

	for _, user := range s.users {
		if user.Username == newUser.Username {
			return nil, ErrConflict
		}
		if newUser.Email != "" && strings.EqualFold(user.Email, newUser.Email) {
			return nil, ErrConflict
		}
	}

	s.nextID++
	now := time.Now()
	user := &User{
		ID:           s.nextID,
		Username:     newUser.Username,
		Email:        newUser.Email,
		DisplayName:  newUser.DisplayName,
		PasswordHash: newUser.PasswordHash,
		IsActive:     newUser.IsActive,
		IsAdmin:      newUser.IsAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users[user.ID] = user

	clone := *user
	return &clone, nil
}

func (s *memUserStore) Update(_ context.Context, id int64, upd UserUpdate) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("Update")

	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}

	if upd.Email != nil && *upd.Email != "" {
		for _, other := range s.users {
			if other.ID != id && strings.EqualFold(other.Email, *upd.Email) {
				return nil, ErrConflict
			}
		}
	}

	if upd.Email != nil {
		user.Email = *upd.Email
	}
	if upd.DisplayName != nil {
		user.DisplayName = *upd.DisplayName
	}
	if upd.IsActive != nil {
		user.IsActive = *upd.IsActive
	}
	if upd.IsAdmin != nil {
		user.IsAdmin = *upd.IsAdmin
	}
	user.UpdatedAt = time.Now()

	clone := *user
	return &clone, nil
}

func (s *memUserStore) UpdatePasswordHash(_ context.Context, id int64, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("UpdatePasswordHash")

	user, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	user.PasswordHash = hash
	return nil
}

func (s *memUserStore) UpdateLastLogin(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("UpdateLastLogin")

	user, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	user.LastLoginAt = &at
	return nil
}

func (s *memUserStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("Delete")

	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *memUserStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("Count")
	return len(s.users), nil
}

func (s *memUserStore) List(_ context.Context) ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("List")

	out := make([]*User, 0, len(s.users))
	for _, user := range s.users {
		clone := *user
		out = append(out, &clone)
	}
	return out, nil
}

type memIdentityStore struct {
	mu         sync.Mutex
	nextID     int64
	identities map[int64]*Identity
	calls      map[string]int
}

func newMemIdentityStore() *memIdentityStore {
	return &memIdentityStore{
		identities: map[int64]*Identity{},
		calls:      map[string]int{},
	}
}

func (s *memIdentityStore) called(name string) {
	s.calls[name]++
}

func (s *memIdentityStore) GetByProviderExternalID(_ context.Context, provider, externalID string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("GetByProviderExternalID")

	for _, ident := range s.identities {
		if ident.Provider == provider && ident.ExternalID == externalID {
			clone := *ident
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memIdentityStore) GetByProviderIdentifier(_ context.Context, provider, identifier string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("GetByProviderIdentifier")

	for _, ident := range s.identities {
		if ident.Provider == provider && ident.Identifier == identifier {
			clone := *ident
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memIdentityStore) ListForUser(_ context.Context, userID int64) ([]*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("ListForUser")

	out := []*Identity{}
	for _, ident := range s.identities {
		if ident.UserID == userID {
			clone := *ident
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *memIdentityStore) CountForUser(_ context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("CountForUser")

	n := 0
	for _, ident := range s.identities {
		if ident.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *memIdentityStore) Create(_ context.Context, newIdent NewIdentity) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("Create")

	for _, ident := range s.identities {
		if ident.Provider == newIdent.Provider && ident.ExternalID == newIdent.ExternalID {
			return nil, ErrConflict
		}
		if ident.Provider == newIdent.Provider && ident.Identifier == newIdent.Identifier {
			return nil, ErrConflict
		}
	}

	s.nextID++
	ident := &Identity{
		ID:          s.nextID,
		UserID:      newIdent.UserID,
		Provider:    newIdent.Provider,
		ExternalID:  newIdent.ExternalID,
		Identifier:  newIdent.Identifier,
		DisplayName: newIdent.DisplayName,
		Email:       newIdent.Email,
		CreatedAt:   time.Now(),
	}
	s.identities[ident.ID] = ident

	clone := *ident
	return &clone, nil
}

func (s *memIdentityStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("Delete")

	if _, ok := s.identities[id]; !ok {
		return ErrNotFound
	}
	delete(s.identities, id)
	return nil
}

func (s *memIdentityStore) TouchLastUsed(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("TouchLastUsed")

	ident, ok := s.identities[id]
	if !ok {
		return ErrNotFound
	}
	ident.LastUsedAt = &at
	return nil
}

type fakeProvider struct {
	mu        sync.Mutex
	accounts  map[string]providers.Identity
	passwords map[string]string
	down      bool
	calls     int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		accounts:  map[string]providers.Identity{},
		passwords: map[string]string{},
	}
}

func (p *fakeProvider) addAccount(ident providers.Identity, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[ident.Username] = ident
	p.passwords[ident.Username] = password
}

func (p *fakeProvider) Authenticate(_ context.Context, username, password string) (*providers.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++

	if p.down {
		return nil, providers.ErrUnavailable
	}

	ident, ok := p.accounts[username]
	if !ok || p.passwords[username] != password {
		return nil, providers.ErrBadCredentials
	}
	clone := ident
	return &clone, nil
}

type sentMail struct {
	To       string
	Username string
	Token    string
}

type captureMailer struct {
	mu   sync.Mutex
	sent []sentMail
	fail error
}

func (m *captureMailer) SendPasswordReset(_ context.Context, to, username, resetToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, sentMail{To: to, Username: username, Token: resetToken})
	return nil
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *captureMailer) last() sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

func redisClientForTest(t *testing.T) redis.UniversalClient {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type testEnv struct {
	engine     *Engine
	redis      *miniredis.Miniredis
	users      *memUserStore
	identities *memIdentityStore
	provider   *fakeProvider
	mailer     *captureMailer
}

func newTestEngine(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	env := &testEnv{
		redis:      mr,
		users:      newMemUserStore(),
		identities: newMemIdentityStore(),
		provider:   newFakeProvider(),
		mailer:     &captureMailer{},
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserStore(env.users).
		WithIdentityStore(env.identities).
		WithProviderClient("dispatcharr", env.provider).
		WithMailer(env.mailer).
		Build()
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	t.Cleanup(engine.Close)

	env.engine = engine
	return env
}

// createLocalUser provisions an account with a local identity the way Setup
// and LinkIdentity would.
func (env *testEnv) createLocalUser(t *testing.T, username, plaintext string, admin bool) *User {
	t.Helper()

	hash, err := env.engine.hasher.Hash(plaintext)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}

	user, err := env.users.Create(context.Background(), NewUser{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		IsActive:     true,
		IsAdmin:      admin,
	})
	if err != nil {
		t.Fatalf("creating user: %v", err)
	}

	if _, err := env.identities.Create(context.Background(), NewIdentity{
		UserID:     user.ID,
		Provider:   ProviderLocal,
		ExternalID: formatUserID(user.ID),
		Identifier: username,
	}); err != nil {
		t.Fatalf("creating identity: %v", err)
	}

	return user
}

func (env *testEnv) counter(id MetricID) uint64 {
	return env.engine.MetricsSnapshot().Counters[id]
}
