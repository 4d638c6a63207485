// Package credentials resolves instance credentials through pluggable
// secret stores with TTL-based expiry. Encryption and persistence details
// live in the store implementations, never in the orchestration core.
package credentials

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a store has no live entry for the key.
var ErrNotFound = errors.New("credentials not found")

// Credentials are what a store hands back for one instance.
type Credentials struct {
	User        string `json:"user"`
	Password    string `json:"password"`
	SaveEnabled bool   `json:"save_enabled"`
}

// Store is a credential cache keyed by (project, instance). Entries expire
// after their TTL; an expired entry behaves exactly like a missing one.
type Store interface {
	Get(ctx context.Context, project, instance string) (*Credentials, error)
	Put(ctx context.Context, project, instance string, creds Credentials, ttl time.Duration) error
	Delete(ctx context.Context, project, instance string) error
}

// ProjectCache caches instance listings per project with a TTL, sparing
// repeated catalog calls during interactive selection.
type ProjectCache interface {
	GetInstances(ctx context.Context, project string) ([]string, error)
	PutInstances(ctx context.Context, project string, names []string, ttl time.Duration) error
}

// Resolver tries stores in order and falls back to explicit values.
type Resolver struct {
	stores   []Store
	fallback *Credentials
}

// NewResolver creates a resolver over the given stores, consulted in order.
func NewResolver(stores ...Store) *Resolver {
	return &Resolver{stores: stores}
}

// WithFallback sets explicit credentials used when no store has an entry.
func (r *Resolver) WithFallback(user, password string) *Resolver {
	r.fallback = &Credentials{User: user, Password: password}
	return r
}

// Resolve returns the first live entry found, or the fallback. Store
// errors other than a miss stop the lookup.
func (r *Resolver) Resolve(ctx context.Context, project, instance string) (*Credentials, error) {
	for _, store := range r.stores {
		creds, err := store.Get(ctx, project, instance)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if r.fallback != nil && r.fallback.User != "" {
		return r.fallback, nil
	}
	return nil, ErrNotFound
}

// Save writes credentials to every store that has saving enabled for the
// entry. Errors are collected but do not stop remaining stores.
func (r *Resolver) Save(ctx context.Context, project, instance string, creds Credentials, ttl time.Duration) error {
	if !creds.SaveEnabled {
		return nil
	}
	var firstErr error
	for _, store := range r.stores {
		if err := store.Put(ctx, project, instance, creds, ttl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
