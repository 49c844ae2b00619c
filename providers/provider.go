// Package providers defines the delegated-authentication client contract and
// a compile-time registry of available provider kinds.
//
// A provider client answers exactly one question: are these credentials valid
// on the external system, and if so, who is this. Account creation, identity
// linking, and token issuance stay in the engine.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrBadCredentials reports that the external system rejected the
	// credentials. Never conflated with availability failures.
	ErrBadCredentials = errors.New("provider rejected credentials")
	// ErrUnavailable reports that the external system could not be reached
	// or did not answer in time.
	ErrUnavailable = errors.New("provider unavailable")
)

// Identity is the provider's view of an authenticated user.
type Identity struct {
	// ExternalID is the provider's stable identifier for the user.
	ExternalID string
	// Username is the provider-side login name.
	Username string
	// DisplayName is a human-readable name, when the provider has one.
	DisplayName string
	// Email may be empty if the provider does not expose it.
	Email string
}

// Client authenticates credentials against one external provider.
type Client interface {
	// Authenticate verifies username/password against the provider and
	// returns the external identity. Credential rejection and provider
	// outage are distinct failures: ErrBadCredentials vs ErrUnavailable.
	Authenticate(ctx context.Context, username, password string) (*Identity, error)
}

// Factory builds a Client from a provider-specific configuration blob.
type Factory func(cfg map[string]string) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a provider kind constructible by name. Called from provider
// package init functions; registering a duplicate kind panics since it is a
// programming error.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if kind == "" || factory == nil {
		panic("providers: invalid registration")
	}
	if _, dup := registry[kind]; dup {
		panic("providers: duplicate registration for " + kind)
	}
	registry[kind] = factory
}

// New builds a client for a registered kind.
func New(kind string, cfg map[string]string) (Client, error) {
	registryMu.RLock()
	factory, ok := registry[kind]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
	return factory(cfg)
}

// Kinds lists the registered provider kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
