// Package identity issues namespace-scoped session tokens.
package identity

import (
	"strings"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// DefaultNamespace is used when no namespace is given.
const DefaultNamespace = "default"

// Identity is one namespace's session token.
type Identity struct {
	NamespaceID  string
	SessionToken string
}

// Registry maps namespaces to identities. Tokens are issued lazily and live
// for the lifetime of the process unless reset. The cache is safe for
// concurrent use; Add makes issuing race free.
type Registry struct {
	items    *gocache.Cache
	newToken func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithTokenGenerator overrides token generation.
func WithTokenGenerator(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newToken = fn
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		items:    gocache.New(gocache.NoExpiration, 0),
		newToken: func() string { return "session-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the identity for namespace, issuing one on first use.
func (r *Registry) Get(namespace string) Identity {
	namespace = normalize(namespace)

	if v, ok := r.items.Get(namespace); ok {
		return v.(Identity)
	}
	id := Identity{NamespaceID: namespace, SessionToken: r.newToken()}
	if err := r.items.Add(namespace, id, gocache.NoExpiration); err != nil {
		// Lost the race; the winner's token is the live one.
		if v, ok := r.items.Get(namespace); ok {
			return v.(Identity)
		}
	}
	return id
}

// Reset replaces the namespace's token wholesale and returns the new identity.
func (r *Registry) Reset(namespace string) Identity {
	namespace = normalize(namespace)

	id := Identity{NamespaceID: namespace, SessionToken: r.newToken()}
	r.items.Set(namespace, id, gocache.NoExpiration)
	return id
}

// Session binds a registry to one namespace and reads its token live.
type Session struct {
	registry  *Registry
	namespace string
}

// Bind returns a namespace-bound view of the registry.
func (r *Registry) Bind(namespace string) *Session {
	return &Session{registry: r, namespace: normalize(namespace)}
}

// Namespace returns the bound namespace.
func (s *Session) Namespace() string { return s.namespace }

// Token returns the current session token, issuing one if needed.
func (s *Session) Token() string { return s.registry.Get(s.namespace).SessionToken }

// Reset rotates the bound namespace's token.
func (s *Session) Reset() string { return s.registry.Reset(s.namespace).SessionToken }

func normalize(namespace string) string {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return DefaultNamespace
	}
	return namespace
}
