package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gymcloud/accessd/internal/access/types"
)

type CredentialStore struct {
	pool *pgxpool.Pool
}

const credentialColumns = `credential_id, tenant_id, usuario_id, credential_type, value, label, created_at`

func scanCredential(row pgx.Row) (types.Credential, error) {
	var (
		c  types.Credential
		ct string
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.UsuarioID, &ct, &c.Value, &c.Label, &c.CreatedAt); err != nil {
		return types.Credential{}, notFound(err)
	}
	c.Type = types.CredentialType(ct)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// BindCredential inserts unless the (tenant, type, value) key exists, then
// reads back whichever row won so rebinding to the same user is idempotent.
func (s *CredentialStore) BindCredential(ctx context.Context, c types.Credential) (types.Credential, error) {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO credentials(`+credentialColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_id, credential_type, value) DO NOTHING`,
		c.ID, c.TenantID, c.UsuarioID, string(c.Type), c.Value, c.Label, c.CreatedAt,
	); err != nil {
		return types.Credential{}, fmt.Errorf("BindCredential insert: %w", err)
	}

	existing, err := s.ResolveCredential(ctx, c.TenantID, c.Type, c.Value)
	if err != nil {
		return types.Credential{}, fmt.Errorf("BindCredential reload: %w", err)
	}
	if existing.UsuarioID != c.UsuarioID {
		return types.Credential{}, types.ErrConflict
	}
	return existing, nil
}

func (s *CredentialStore) UnbindCredential(ctx context.Context, tenantID, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE credential_id = $1 AND tenant_id = $2`, id, tenantID); err != nil {
		return fmt.Errorf("UnbindCredential: %w", err)
	}
	return nil
}

func (s *CredentialStore) ResolveCredential(ctx context.Context, tenantID string, ct types.CredentialType, value string) (types.Credential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx, `
SELECT `+credentialColumns+`
FROM credentials
WHERE tenant_id = $1 AND credential_type = $2 AND value = $3`, tenantID, string(ct), value))
	return c, wrap("ResolveCredential", err)
}

func (s *CredentialStore) ListCredentials(ctx context.Context, tenantID string, usuarioID *int64) ([]types.Credential, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+credentialColumns+`
FROM credentials
WHERE tenant_id = $1 AND ($2::BIGINT IS NULL OR usuario_id = $2)
ORDER BY created_at, credential_id`, tenantID, usuarioID)
	if err != nil {
		return nil, fmt.Errorf("ListCredentials: %w", err)
	}
	defer rows.Close()

	out := make([]types.Credential, 0)
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("ListCredentials scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type MemberStore struct {
	pool *pgxpool.Pool
}

func (s *MemberStore) UpsertMember(ctx context.Context, m types.Member) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO members(tenant_id, usuario_id, dni, pin_hash, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tenant_id, usuario_id) DO UPDATE SET
  dni = EXCLUDED.dni,
  pin_hash = EXCLUDED.pin_hash,
  updated_at = EXCLUDED.updated_at`,
		m.TenantID, m.UsuarioID, m.DNI, m.PINHash, m.UpdatedAt)
	if isUniqueViolation(err) {
		return types.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("UpsertMember: %w", err)
	}
	return nil
}

func (s *MemberStore) ResolveDNI(ctx context.Context, tenantID, dni string) (types.Member, error) {
	var m types.Member
	err := s.pool.QueryRow(ctx, `
SELECT tenant_id, usuario_id, dni, pin_hash, updated_at
FROM members
WHERE tenant_id = $1 AND dni = $2`, tenantID, dni).Scan(&m.TenantID, &m.UsuarioID, &m.DNI, &m.PINHash, &m.UpdatedAt)
	if err != nil {
		return types.Member{}, wrap("ResolveDNI", notFound(err))
	}
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}
