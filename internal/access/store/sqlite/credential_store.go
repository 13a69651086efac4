package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gymcloud/accessd/internal/access/types"
	dbpkg "github.com/gymcloud/accessd/internal/db"
)

type CredentialStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewCredentialStore(db *sql.DB, writer *dbpkg.Worker) *CredentialStore {
	return &CredentialStore{db: db, writer: writer}
}

const credentialColumns = `credential_id, tenant_id, usuario_id, credential_type, value, label, created_at_ms`

func scanCredential(r rowScanner) (types.Credential, error) {
	var (
		c         types.Credential
		createdMs int64
	)
	if err := r.Scan(&c.ID, &c.TenantID, &c.UsuarioID, &c.Type, &c.Value, &c.Label, &createdMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Credential{}, types.ErrNotFound
		}
		return types.Credential{}, err
	}
	c.CreatedAt = fromMs(createdMs)
	return c, nil
}

// BindCredential relies on the (tenant_id, credential_type, value) unique
// key: the insert is skipped on conflict and the surviving row decides
// between idempotent success and ErrConflict.
func (s *CredentialStore) BindCredential(ctx context.Context, c types.Credential) (types.Credential, error) {
	var out types.Credential
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO credentials(`+credentialColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_id, credential_type, value) DO NOTHING;
`, c.ID, c.TenantID, c.UsuarioID, c.Type, c.Value, c.Label, toMs(c.CreatedAt)); err != nil {
			return fmt.Errorf("BindCredential insert: %w", err)
		}

		existing, err := scanCredential(tx.QueryRowContext(ctx, `
SELECT `+credentialColumns+`
FROM credentials
WHERE tenant_id = ? AND credential_type = ? AND value = ?;
`, c.TenantID, c.Type, c.Value))
		if err != nil {
			return fmt.Errorf("BindCredential reload: %w", err)
		}
		if existing.UsuarioID != c.UsuarioID {
			return types.ErrConflict
		}
		out = existing
		return nil
	})
	return out, err
}

func (s *CredentialStore) UnbindCredential(ctx context.Context, tenantID, id string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE credential_id = ? AND tenant_id = ?;`, id, tenantID); err != nil {
			return fmt.Errorf("UnbindCredential: %w", err)
		}
		return nil
	})
}

func (s *CredentialStore) ResolveCredential(ctx context.Context, tenantID string, ct types.CredentialType, value string) (types.Credential, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx, `
SELECT `+credentialColumns+`
FROM credentials
WHERE tenant_id = ? AND credential_type = ? AND value = ?;
`, tenantID, ct, value))
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return types.Credential{}, fmt.Errorf("ResolveCredential: %w", err)
	}
	return c, err
}

func (s *CredentialStore) ListCredentials(ctx context.Context, tenantID string, usuarioID *int64) ([]types.Credential, error) {
	var uid any
	if usuarioID != nil {
		uid = *usuarioID
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+credentialColumns+`
FROM credentials
WHERE tenant_id = ? AND (? IS NULL OR usuario_id = ?)
ORDER BY created_at_ms, credential_id;
`, tenantID, uid, uid)
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
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewMemberStore(db *sql.DB, writer *dbpkg.Worker) *MemberStore {
	return &MemberStore{db: db, writer: writer}
}

func (s *MemberStore) UpsertMember(ctx context.Context, m types.Member) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO members(tenant_id, usuario_id, dni, pin_hash, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(tenant_id, usuario_id) DO UPDATE SET
  dni = excluded.dni,
  pin_hash = excluded.pin_hash,
  updated_at_ms = excluded.updated_at_ms;
`, m.TenantID, m.UsuarioID, m.DNI, m.PINHash, toMs(m.UpdatedAt))
		if isUniqueViolation(err) {
			return types.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("UpsertMember: %w", err)
		}
		return nil
	})
}

func (s *MemberStore) ResolveDNI(ctx context.Context, tenantID, dni string) (types.Member, error) {
	var (
		m         types.Member
		updatedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT tenant_id, usuario_id, dni, pin_hash, updated_at_ms
FROM members
WHERE tenant_id = ? AND dni = ?;
`, tenantID, dni).Scan(&m.TenantID, &m.UsuarioID, &m.DNI, &m.PINHash, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Member{}, types.ErrNotFound
	}
	if err != nil {
		return types.Member{}, fmt.Errorf("ResolveDNI: %w", err)
	}
	m.UpdatedAt = fromMs(updatedMs)
	return m, nil
}
