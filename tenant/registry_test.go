package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeSource struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
	calls   int
	err     error
}

func (f *fakeSource) Lookup(ctx context.Context, credential string) (*Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if t, ok := f.tenants[credential]; ok {
		out := *t
		return &out, nil
	}
	return nil, ErrNotFound
}

func newFakeSource() *fakeSource {
	id := uuid.MustParse("0b7d4b0a-6e10-4db4-8571-2c74e07bcb35")
	demo := &Tenant{
		ID:            id,
		Slug:          "demo-vendor",
		APIKey:        "vk_live_demo",
		SigningSecret: "demo-signing-secret",
	}
	return &fakeSource{tenants: map[string]*Tenant{
		"vk_live_demo": demo,
		"demo-vendor":  demo,
		id.String():    demo,
	}}
}

func TestResolveByAnyCredential(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry(src, time.Minute)

	for _, cred := range []string{"vk_live_demo", "demo-vendor", "0b7d4b0a-6e10-4db4-8571-2c74e07bcb35"} {
		got, err := reg.Resolve(context.Background(), cred)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", cred, err)
		}
		if got.SigningSecret != "demo-signing-secret" {
			t.Errorf("Resolve(%q) secret = %q", cred, got.SigningSecret)
		}
	}
}

func TestResolveTrimsWhitespace(t *testing.T) {
	reg := NewRegistry(newFakeSource(), time.Minute)
	if _, err := reg.Resolve(context.Background(), "  vk_live_demo\t"); err != nil {
		t.Fatalf("Resolve with surrounding whitespace failed: %v", err)
	}
}

func TestResolveEmptyCredential(t *testing.T) {
	reg := NewRegistry(newFakeSource(), time.Minute)
	for _, cred := range []string{"", "   "} {
		if _, err := reg.Resolve(context.Background(), cred); !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("Resolve(%q) = %v, want ErrInvalidCredential", cred, err)
		}
	}
}

func TestResolveNotFound(t *testing.T) {
	reg := NewRegistry(newFakeSource(), time.Minute)
	if _, err := reg.Resolve(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve = %v, want ErrNotFound", err)
	}
}

func TestResolveCachesWithinTTL(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry(src, time.Minute)
	now := time.Unix(1_729_200_000, 0)
	reg.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if _, err := reg.Resolve(context.Background(), "vk_live_demo"); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	}
	if src.calls != 1 {
		t.Fatalf("source calls = %d, want 1", src.calls)
	}

	// Past the TTL the source is consulted again, so rotated secrets
	// propagate without a restart.
	now = now.Add(61 * time.Second)
	src.tenants["vk_live_demo"].SigningSecret = "rotated"
	got, err := reg.Resolve(context.Background(), "vk_live_demo")
	if err != nil {
		t.Fatalf("Resolve after expiry failed: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2", src.calls)
	}
	if got.SigningSecret != "rotated" {
		t.Errorf("secret = %q, want rotated", got.SigningSecret)
	}
}

func TestResolveCacheTTLClamped(t *testing.T) {
	reg := NewRegistry(newFakeSource(), time.Hour)
	if reg.ttl != DefaultCacheTTL {
		t.Fatalf("ttl = %v, want clamped to %v", reg.ttl, DefaultCacheTTL)
	}
}

func TestResolveMissesNotCached(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry(src, time.Minute)

	if _, err := reg.Resolve(context.Background(), "late-vendor"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	src.mu.Lock()
	src.tenants["late-vendor"] = &Tenant{ID: uuid.New(), Slug: "late-vendor", SigningSecret: "s"}
	src.mu.Unlock()

	if _, err := reg.Resolve(context.Background(), "late-vendor"); err != nil {
		t.Fatalf("Resolve after provisioning failed: %v", err)
	}
}

func TestResolveSourceErrorWrapped(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	reg := NewRegistry(src, time.Minute)
	_, err := reg.Resolve(context.Background(), "vk_live_demo")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected backend error, got %v", err)
	}
}
