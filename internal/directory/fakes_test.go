package directory

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"fabricgate.org/internal/auth"
)

type memConfigs struct {
	mu       sync.Mutex
	seq      int
	configs  map[string]Config
	mappings map[string]GroupMapping
	statuses []SyncStatus
}

func newMemConfigs(cfgs ...Config) *memConfigs {
	m := &memConfigs{configs: map[string]Config{}, mappings: map[string]GroupMapping{}}
	for _, c := range cfgs {
		m.configs[c.ID] = c
	}
	return m
}

func (m *memConfigs) CreateDirectoryConfig(_ context.Context, c Config) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	c.ID = "cfg" + strconv.Itoa(m.seq)
	m.configs[c.ID] = c
	return c, nil
}

func (m *memConfigs) GetDirectoryConfig(_ context.Context, id string) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[id]
	if !ok {
		return Config{}, ErrNotFound
	}
	return c, nil
}

func (m *memConfigs) PrimaryDirectoryConfig(_ context.Context) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.configs {
		if c.Primary {
			return c, nil
		}
	}
	return Config{}, ErrNotFound
}

func (m *memConfigs) ListDirectoryConfigs(_ context.Context) ([]Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Config, 0, len(m.configs))
	for _, c := range m.configs {
		out = append(out, c)
	}
	return out, nil
}

func (m *memConfigs) UpdateDirectoryConfig(_ context.Context, c Config) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[c.ID]; !ok {
		return Config{}, ErrNotFound
	}
	m.configs[c.ID] = c
	return c, nil
}

func (m *memConfigs) DeleteDirectoryConfig(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[id]; !ok {
		return ErrNotFound
	}
	delete(m.configs, id)
	return nil
}

func (m *memConfigs) SetSyncStatus(_ context.Context, id string, st SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[id]
	if !ok {
		return ErrNotFound
	}
	at := st.At
	c.LastSyncAt = &at
	c.LastSyncStatus = st.Status
	c.LastSyncMessage = st.Message
	c.LastSyncCreated = st.Created
	c.LastSyncUpdated = st.Updated
	m.configs[id] = c
	m.statuses = append(m.statuses, st)
	return nil
}

func (m *memConfigs) ListGroupMappings(_ context.Context, configID string) ([]GroupMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []GroupMapping
	for _, gm := range m.mappings {
		if gm.ConfigID == configID {
			out = append(out, gm)
		}
	}
	return out, nil
}

func (m *memConfigs) CreateGroupMapping(_ context.Context, gm GroupMapping) (GroupMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	gm.ID = "map" + strconv.Itoa(m.seq)
	m.mappings[gm.ID] = gm
	return gm, nil
}

func (m *memConfigs) DeleteGroupMapping(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mappings[id]; !ok {
		return ErrNotFound
	}
	delete(m.mappings, id)
	return nil
}

func (m *memConfigs) lastStatus() SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.statuses) == 0 {
		return SyncStatus{}
	}
	return m.statuses[len(m.statuses)-1]
}

type memPrincipals struct {
	mu         sync.Mutex
	seq        int
	principals map[string]auth.Principal
	failFor    string
}

func newMemPrincipals() *memPrincipals {
	return &memPrincipals{principals: map[string]auth.Principal{}}
}

func (m *memPrincipals) PrincipalByExternalID(_ context.Context, externalID string) (auth.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.principals {
		if p.ExternalID != "" && strings.EqualFold(p.ExternalID, externalID) {
			return p, nil
		}
	}
	return auth.Principal{}, auth.ErrNotFound
}

func (m *memPrincipals) PrincipalByUsername(_ context.Context, username string) (auth.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.principals {
		if strings.EqualFold(p.Username, username) {
			return p, nil
		}
	}
	return auth.Principal{}, auth.ErrNotFound
}

func (m *memPrincipals) CreatePrincipal(_ context.Context, p auth.Principal) (auth.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor != "" && p.Username == m.failFor {
		return auth.Principal{}, errors.New("insert failed")
	}
	m.seq++
	p.ID = "p" + strconv.Itoa(m.seq)
	m.principals[p.ID] = p
	return p, nil
}

func (m *memPrincipals) UpdatePrincipal(_ context.Context, id string, upd auth.PrincipalUpdate) (auth.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return auth.Principal{}, auth.ErrNotFound
	}
	if upd.Email != nil {
		p.Email = *upd.Email
	}
	if upd.DisplayName != nil {
		p.DisplayName = *upd.DisplayName
	}
	if upd.ExternalID != nil {
		p.ExternalID = *upd.ExternalID
	}
	if upd.DirectoryConfigID != nil {
		p.DirectoryConfigID = *upd.DirectoryConfigID
	}
	m.principals[id] = p
	return p, nil
}

func (m *memPrincipals) SetPrincipalRoles(_ context.Context, id string, roleIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return auth.ErrNotFound
	}
	p.Roles = nil
	for _, r := range roleIDs {
		p.Roles = append(p.Roles, auth.Role{ID: r})
	}
	m.principals[id] = p
	return nil
}

func (m *memPrincipals) SetPrincipalClusters(_ context.Context, id string, clusterIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return auth.ErrNotFound
	}
	p.Clusters = nil
	for _, c := range clusterIDs {
		p.Clusters = append(p.Clusters, auth.ClusterRef{ID: c})
	}
	m.principals[id] = p
	return nil
}

func (m *memPrincipals) byUsername(username string) (auth.Principal, bool) {
	p, err := m.PrincipalByUsername(context.Background(), username)
	return p, err == nil
}

type plainVault struct{}

func (plainVault) Encrypt(s string) (string, error) { return "sealed:" + s, nil }
func (plainVault) Decrypt(s string) (string, error) {
	if !strings.HasPrefix(s, "sealed:") {
		return "", errors.New("not sealed")
	}
	return strings.TrimPrefix(s, "sealed:"), nil
}

type fakeDirectory struct {
	mu        sync.Mutex
	entries   []Entry
	groups    []Group
	passwords map[string]string
	dialErr   error
	searchErr error
	dials     int
	bindPass  string
	block     chan struct{}
	entered   chan struct{}
}

func (f *fakeDirectory) Dial(_ context.Context, _ Config, bindPassword string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	f.bindPass = bindPassword
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return &fakeConn{dir: f}, nil
}

type fakeConn struct {
	dir *fakeDirectory
}

func (c *fakeConn) SearchUsers(ctx context.Context, _ Config) ([]Entry, error) {
	if c.dir.entered != nil {
		c.dir.entered <- struct{}{}
	}
	if c.dir.block != nil {
		select {
		case <-c.dir.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.dir.searchErr != nil {
		return nil, c.dir.searchErr
	}
	return append([]Entry(nil), c.dir.entries...), nil
}

func (c *fakeConn) FindUser(_ context.Context, _ Config, username string) (Entry, error) {
	for _, e := range c.dir.entries {
		if strings.EqualFold(e.Username, username) {
			return e, nil
		}
	}
	return Entry{}, ErrUserNotFound
}

func (c *fakeConn) SearchGroups(context.Context, Config) ([]Group, error) {
	return c.dir.groups, nil
}

func (c *fakeConn) Bind(dn, password string) error {
	if want, ok := c.dir.passwords[dn]; ok && want == password && password != "" {
		return nil
	}
	return errors.New("invalid credentials")
}

func (c *fakeConn) Close() error { return nil }
