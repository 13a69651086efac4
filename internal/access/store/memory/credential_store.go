package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/gymcloud/accessd/internal/access/types"
)

type credKey struct {
	tenant string
	ctype  types.CredentialType
	value  string
}

// CredentialStore keeps credentials indexed by (tenant, type, value).
type CredentialStore struct {
	mu    sync.RWMutex
	byID  map[string]types.Credential
	byKey map[credKey]string
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		byID:  make(map[string]types.Credential),
		byKey: make(map[credKey]string),
	}
}

func (s *CredentialStore) BindCredential(_ context.Context, c types.Credential) (types.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := credKey{c.TenantID, c.Type, c.Value}
	if id, ok := s.byKey[k]; ok {
		existing := s.byID[id]
		if existing.UsuarioID != c.UsuarioID {
			return types.Credential{}, types.ErrConflict
		}
		return existing, nil
	}
	s.byID[c.ID] = c
	s.byKey[k] = c.ID
	return c, nil
}

func (s *CredentialStore) UnbindCredential(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok || c.TenantID != tenantID {
		return nil
	}
	delete(s.byID, id)
	delete(s.byKey, credKey{c.TenantID, c.Type, c.Value})
	return nil
}

func (s *CredentialStore) ResolveCredential(_ context.Context, tenantID string, ct types.CredentialType, value string) (types.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[credKey{tenantID, ct, value}]
	if !ok {
		return types.Credential{}, types.ErrNotFound
	}
	return s.byID[id], nil
}

func (s *CredentialStore) ListCredentials(_ context.Context, tenantID string, usuarioID *int64) ([]types.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Credential, 0)
	for _, c := range s.byID {
		if c.TenantID != tenantID {
			continue
		}
		if usuarioID != nil && c.UsuarioID != *usuarioID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type memberKey struct {
	tenant string
	user   int64
}

// MemberStore keeps DNI identities.
type MemberStore struct {
	mu     sync.RWMutex
	byUser map[memberKey]types.Member
}

func NewMemberStore() *MemberStore {
	return &MemberStore{byUser: make(map[memberKey]types.Member)}
}

func (s *MemberStore) UpsertMember(_ context.Context, m types.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, other := range s.byUser {
		if k.tenant == m.TenantID && other.DNI == m.DNI && k.user != m.UsuarioID {
			return types.ErrConflict
		}
	}
	s.byUser[memberKey{m.TenantID, m.UsuarioID}] = m
	return nil
}

func (s *MemberStore) ResolveDNI(_ context.Context, tenantID, dni string) (types.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, m := range s.byUser {
		if k.tenant == tenantID && m.DNI == dni {
			return m, nil
		}
	}
	return types.Member{}, types.ErrNotFound
}
