package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/gymcloud/accessd/internal/access/store"
	"github.com/gymcloud/accessd/internal/access/types"
	"github.com/gymcloud/accessd/internal/observability/logger"
	"github.com/gymcloud/accessd/internal/security/pin"
)

const maxCredentialValueLen = 128

type CredentialConfig struct {
	Now Clock
	// PIN overrides the argon2id cost, mainly so tests stay fast.
	PIN *pin.Params
}

// CredentialService binds fob/card values and DNI identities to users.
type CredentialService struct {
	creds   store.CredentialStore
	members store.MemberStore
	pin     pin.Params
	now     Clock
	log     *zap.Logger
}

func NewCredentialService(cs store.CredentialStore, ms store.MemberStore, cfg CredentialConfig) *CredentialService {
	p := pin.Default
	if cfg.PIN != nil {
		p = *cfg.PIN
	}
	return &CredentialService{
		creds:   cs,
		members: ms,
		pin:     p,
		now:     orSystem(cfg.Now),
		log:     logger.Named("credentials"),
	}
}

// NewCredential is the operator input for Bind.
type NewCredential struct {
	UsuarioID int64                `json:"usuario_id"`
	Type      types.CredentialType `json:"credential_type"`
	Value     string               `json:"value"`
	Label     string               `json:"label,omitempty"`
}

// Bind attaches value to a user. Binding a value the user already holds
// returns the existing credential; a value held by someone else is
// ErrConflict.
func (s *CredentialService) Bind(ctx context.Context, tenantID string, in NewCredential) (types.Credential, error) {
	if in.UsuarioID <= 0 {
		return types.Credential{}, &types.ValidationError{Field: "usuario_id", Reason: "must be positive"}
	}
	if !in.Type.Valid() {
		return types.Credential{}, &types.ValidationError{Field: "credential_type", Reason: "must be fob or card"}
	}
	value := types.NormalizeCredentialValue(in.Value)
	if value == "" {
		return types.Credential{}, &types.ValidationError{Field: "value", Reason: "is required"}
	}
	if len(value) > maxCredentialValueLen {
		return types.Credential{}, &types.ValidationError{Field: "value", Reason: "is too long"}
	}

	c, err := s.creds.BindCredential(ctx, types.Credential{
		ID:        newID(),
		TenantID:  tenantID,
		UsuarioID: in.UsuarioID,
		Type:      in.Type,
		Value:     value,
		Label:     strings.TrimSpace(in.Label),
		CreatedAt: s.now(),
	})
	if err != nil {
		return types.Credential{}, err
	}
	s.log.Info("credential bound",
		logger.TenantID(tenantID),
		logger.UsuarioID(in.UsuarioID),
		zap.String("credential_type", string(in.Type)),
		zap.String("value_masked", types.MaskValue(value)),
	)
	return c, nil
}

// Unbind is idempotent.
func (s *CredentialService) Unbind(ctx context.Context, tenantID, credentialID string) error {
	return s.creds.UnbindCredential(ctx, tenantID, credentialID)
}

// Resolve returns the owner of a fob/card value or ErrNotFound.
func (s *CredentialService) Resolve(ctx context.Context, tenantID string, ct types.CredentialType, raw string) (types.Credential, error) {
	value := types.NormalizeCredentialValue(raw)
	if value == "" {
		return types.Credential{}, types.ErrNotFound
	}
	return s.creds.ResolveCredential(ctx, tenantID, ct, value)
}

func (s *CredentialService) List(ctx context.Context, tenantID string, usuarioID *int64) ([]types.Credential, error) {
	return s.creds.ListCredentials(ctx, tenantID, usuarioID)
}

// SetMemberDNI records the DNI of a user and, when plainPIN is not empty,
// the argon2id hash of their keypad PIN. An empty PIN clears it.
func (s *CredentialService) SetMemberDNI(ctx context.Context, tenantID string, usuarioID int64, dni, plainPIN string) error {
	if usuarioID <= 0 {
		return &types.ValidationError{Field: "usuario_id", Reason: "must be positive"}
	}
	norm := types.NormalizeDNI(dni)
	if norm == "" {
		return &types.ValidationError{Field: "dni", Reason: "is required"}
	}
	var hash string
	if plainPIN = strings.TrimSpace(plainPIN); plainPIN != "" {
		if len(plainPIN) < 4 || len(plainPIN) > 12 {
			return &types.ValidationError{Field: "pin", Reason: "must be 4 to 12 characters"}
		}
		h, err := pin.Hash(s.pin, plainPIN)
		if err != nil {
			return err
		}
		hash = h
	}
	return s.members.UpsertMember(ctx, types.Member{
		TenantID:  tenantID,
		UsuarioID: usuarioID,
		DNI:       norm,
		PINHash:   hash,
		UpdatedAt: s.now(),
	})
}

func (s *CredentialService) ResolveDNI(ctx context.Context, tenantID, raw string) (types.Member, error) {
	dni := types.NormalizeDNI(raw)
	if dni == "" {
		return types.Member{}, types.ErrNotFound
	}
	return s.members.ResolveDNI(ctx, tenantID, dni)
}

// VerifyPIN reports whether plain matches the member's PIN. Members without
// a PIN never verify.
func (s *CredentialService) VerifyPIN(m types.Member, plain string) bool {
	if m.PINHash == "" || plain == "" {
		return false
	}
	return pin.Verify(strings.TrimSpace(plain), m.PINHash)
}
