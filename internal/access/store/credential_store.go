package store

import (
	"context"

	"github.com/gymcloud/accessd/internal/access/types"
)

// CredentialStore is indexed by (tenant, type, value) so Resolve is a
// single keyed lookup.
type CredentialStore interface {
	// BindCredential inserts c, or returns the existing binding when the
	// same user already holds the value. A value bound to another user is
	// types.ErrConflict.
	BindCredential(ctx context.Context, c types.Credential) (types.Credential, error)
	UnbindCredential(ctx context.Context, tenantID, id string) error
	ResolveCredential(ctx context.Context, tenantID string, ct types.CredentialType, value string) (types.Credential, error)
	ListCredentials(ctx context.Context, tenantID string, usuarioID *int64) ([]types.Credential, error)
}

// MemberStore holds the DNI identity used by dni/dni_pin events.
type MemberStore interface {
	// UpsertMember sets the DNI (and PIN hash) of a user. A DNI already used
	// by another user of the tenant is types.ErrConflict.
	UpsertMember(ctx context.Context, m types.Member) error
	ResolveDNI(ctx context.Context, tenantID, dni string) (types.Member, error)
}
