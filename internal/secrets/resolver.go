// Package secrets resolves credential references to their values.
// Lookup and webhook configurations carry opaque secret codes rather than
// raw credentials, so configurations can be stored and logged safely.
package secrets

import (
	"context"
	"sync"

	"outbound-gateway/internal/common/errors"
)

// Resolver maps a secret code to its value.
type Resolver interface {
	Get(ctx context.Context, code string) (string, error)
}

// StaticResolver serves secrets from an in-memory map, typically loaded
// from the environment at startup.
type StaticResolver struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStaticResolver creates a resolver over a copy of the given map.
func NewStaticResolver(values map[string]string) *StaticResolver {
	copied := make(map[string]string, len(values))
	for code, value := range values {
		copied[code] = value
	}
	return &StaticResolver{values: copied}
}

// Get returns the secret for the given code or a not-found error.
func (r *StaticResolver) Get(_ context.Context, code string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, ok := r.values[code]
	if !ok {
		return "", errors.NotFoundError("secret " + code)
	}
	return value, nil
}

// Put adds or replaces a secret.
func (r *StaticResolver) Put(code, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[code] = value
}

var _ Resolver = (*StaticResolver)(nil)
