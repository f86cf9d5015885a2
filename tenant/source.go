package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tenantColumns = `id, slug, name, api_key, signing_secret, created_at, updated_at`

// PGSource resolves tenants from the gateway's Postgres store.
type PGSource struct {
	pool *pgxpool.Pool
}

// NewPGSource creates a PGSource backed by pool.
func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

// Lookup resolves credential by api_key, then slug, then — when the
// credential parses as a UUID — by id. First match wins.
func (s *PGSource) Lookup(ctx context.Context, credential string) (*Tenant, error) {
	t, err := s.queryOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE api_key = $1`, credential)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query tenant by api_key: %w", err)
	}

	t, err = s.queryOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, credential)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query tenant by slug: %w", err)
	}

	if id, parseErr := uuid.Parse(credential); parseErr == nil {
		t, err = s.queryOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("query tenant by id: %w", err)
		}
	}
	return nil, ErrNotFound
}

func (s *PGSource) queryOne(ctx context.Context, query string, arg any) (*Tenant, error) {
	var t Tenant
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&t.ID, &t.Slug, &t.Name, &t.APIKey, &t.SigningSecret, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
