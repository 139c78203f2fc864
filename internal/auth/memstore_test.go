package auth

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

type memStore struct {
	mu         sync.Mutex
	seq        int
	principals map[string]Principal
	roles      map[string]Role
	roleSets   map[string][]string
}

func newMemStore() *memStore {
	return &memStore{
		principals: map[string]Principal{},
		roles:      map[string]Role{},
		roleSets:   map[string][]string{},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return prefix + strconv.Itoa(m.seq)
}

func (m *memStore) hydrate(p Principal) Principal {
	p.Roles = nil
	for _, id := range m.roleSets[p.ID] {
		if r, ok := m.roles[id]; ok {
			p.Roles = append(p.Roles, r)
		}
	}
	return p
}

func (m *memStore) GetPrincipal(_ context.Context, id string) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return Principal{}, ErrNotFound
	}
	return m.hydrate(p), nil
}

func (m *memStore) PrincipalByUsername(_ context.Context, username string) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.principals {
		if strings.EqualFold(p.Username, username) {
			return m.hydrate(p), nil
		}
	}
	return Principal{}, ErrNotFound
}

func (m *memStore) PrincipalByAPITokenHash(_ context.Context, hash string) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.principals {
		if p.APITokenHash != "" && p.APITokenHash == hash {
			return m.hydrate(p), nil
		}
	}
	return Principal{}, ErrNotFound
}

func (m *memStore) ListPrincipals(_ context.Context) ([]Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Principal, 0, len(m.principals))
	for _, p := range m.principals {
		out = append(out, m.hydrate(p))
	}
	return out, nil
}

func (m *memStore) CreatePrincipal(_ context.Context, p Principal) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.principals {
		if strings.EqualFold(existing.Username, p.Username) {
			return Principal{}, ErrConflict
		}
	}
	p.ID = m.nextID("p")
	m.principals[p.ID] = p
	return p, nil
}

func (m *memStore) UpdatePrincipal(_ context.Context, id string, upd PrincipalUpdate) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return Principal{}, ErrNotFound
	}
	if upd.Email != nil {
		p.Email = *upd.Email
	}
	if upd.DisplayName != nil {
		p.DisplayName = *upd.DisplayName
	}
	if upd.PasswordHash != nil {
		p.PasswordHash = *upd.PasswordHash
	}
	if upd.Active != nil {
		p.Active = *upd.Active
	}
	if upd.Superuser != nil {
		p.Superuser = *upd.Superuser
	}
	if upd.AllClusters != nil {
		p.AllClusters = *upd.AllClusters
	}
	if upd.ExternalID != nil {
		p.ExternalID = *upd.ExternalID
	}
	if upd.DirectoryConfigID != nil {
		p.DirectoryConfigID = *upd.DirectoryConfigID
	}
	m.principals[id] = p
	return m.hydrate(p), nil
}

func (m *memStore) SetAPITokenHash(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.APITokenHash = hash
	m.principals[id] = p
	return nil
}

func (m *memStore) SetPrincipalRoles(_ context.Context, id string, roleIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.principals[id]; !ok {
		return ErrNotFound
	}
	m.roleSets[id] = append([]string(nil), roleIDs...)
	return nil
}

func (m *memStore) SetPrincipalClusters(_ context.Context, id string, clusterIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.Clusters = nil
	for _, c := range clusterIDs {
		p.Clusters = append(p.Clusters, ClusterRef{ID: c})
	}
	m.principals[id] = p
	return nil
}

func (m *memStore) CreateRole(_ context.Context, r Role) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.nextID("r")
	m.roles[r.ID] = r
	return r, nil
}

func (m *memStore) GetRole(_ context.Context, id string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (m *memStore) ListRoles(_ context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) UpdateRole(_ context.Context, id string, upd RoleUpdate) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	if upd.Name != nil {
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	if upd.EditMode != nil {
		r.EditMode = *upd.EditMode
	}
	m.roles[id] = r
	return r, nil
}

func (m *memStore) DeleteRole(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return ErrNotFound
	}
	delete(m.roles, id)
	return nil
}

func (m *memStore) SetRoleOperations(_ context.Context, id string, operations []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return ErrNotFound
	}
	r.Operations = append([]string(nil), operations...)
	m.roles[id] = r
	return nil
}
