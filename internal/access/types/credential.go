package types

import (
	"strings"
	"time"
)

type CredentialType string

const (
	CredentialFob  CredentialType = "fob"
	CredentialCard CredentialType = "card"
)

func (t CredentialType) Valid() bool {
	return t == CredentialFob || t == CredentialCard
}

// Credential binds an opaque fob/card identifier to a user. (tenant, type,
// value) is unique.
type Credential struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	UsuarioID int64          `json:"usuario_id"`
	Type      CredentialType `json:"credential_type"`
	Value     string         `json:"value"`
	Label     string         `json:"label,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NormalizeCredentialValue canonicalises reader output so the same fob
// always maps to the same key regardless of reader casing or padding.
func NormalizeCredentialValue(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

// Member is the DNI identity of a user, used by dni and dni_pin events.
type Member struct {
	TenantID  string
	UsuarioID int64
	DNI       string
	PINHash   string
	UpdatedAt time.Time
}

// NormalizeDNI strips separators commonly typed on keypads.
func NormalizeDNI(v string) string {
	v = strings.TrimSpace(v)
	v = strings.NewReplacer(".", "", "-", "", " ", "").Replace(v)
	return strings.ToUpper(v)
}
