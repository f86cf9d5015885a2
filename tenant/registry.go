package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means no tenant matches the credential.
	ErrNotFound = errors.New("vendor not found")
	// ErrInvalidCredential means the credential is empty or shape-invalid.
	ErrInvalidCredential = errors.New("invalid vendor credential")
)

// Tenant is one vendor project served by the gateway.
type Tenant struct {
	ID            uuid.UUID
	Slug          string
	Name          string
	APIKey        string
	SigningSecret string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Source resolves a vendor credential (api key, slug, or UUID) to a tenant.
// Implementations try api_key first, then slug, then id; first match wins.
type Source interface {
	Lookup(ctx context.Context, credential string) (*Tenant, error)
}

// DefaultCacheTTL bounds how long a resolved tenant is served from cache.
// Kept short so rotated signing secrets propagate without a restart.
const DefaultCacheTTL = 60 * time.Second

// Registry resolves credentials through a Source with a small TTL cache in
// front. Safe for concurrent use.
type Registry struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	tenant  Tenant
	expires time.Time
}

// NewRegistry builds a Registry over src. A non-positive ttl selects
// DefaultCacheTTL; ttl above DefaultCacheTTL is clamped to it.
func NewRegistry(src Source, ttl time.Duration) *Registry {
	if ttl <= 0 || ttl > DefaultCacheTTL {
		ttl = DefaultCacheTTL
	}
	return &Registry{
		src:   src,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// Resolve maps a credential to its tenant. The credential is trimmed before
// matching; matching itself is case-sensitive. Misses are never cached, so a
// freshly provisioned tenant is visible on the next request.
func (r *Registry) Resolve(ctx context.Context, credential string) (*Tenant, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrInvalidCredential
	}

	if t, ok := r.cached(credential); ok {
		return t, nil
	}

	t, err := r.src.Lookup(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vendor lookup: %w", err)
	}

	r.mu.Lock()
	r.cache[credential] = cacheEntry{tenant: *t, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	out := *t
	return &out, nil
}

func (r *Registry) cached(credential string) (*Tenant, bool) {
	r.mu.RLock()
	entry, ok := r.cache[credential]
	r.mu.RUnlock()
	if !ok || r.now().After(entry.expires) {
		return nil, false
	}
	t := entry.tenant
	return &t, true
}
