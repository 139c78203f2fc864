package upstream

import (
	"context"
	"errors"
	"testing"
)

type stubClusterStore struct {
	clusters map[string]Cluster
	lastUpd  ClusterUpdate
}

func (s *stubClusterStore) CreateCluster(_ context.Context, c Cluster) (Cluster, error) {
	c.ID = "c" + c.Name
	s.clusters[c.ID] = c
	return c, nil
}

func (s *stubClusterStore) GetCluster(_ context.Context, id string) (Cluster, error) {
	c, ok := s.clusters[id]
	if !ok {
		return Cluster{}, ErrNotFound
	}
	return c, nil
}

func (s *stubClusterStore) ClusterByName(_ context.Context, name string) (Cluster, error) {
	for _, c := range s.clusters {
		if c.Name == name {
			return c, nil
		}
	}
	return Cluster{}, ErrNotFound
}

func (s *stubClusterStore) ListClusters(context.Context) ([]Cluster, error) {
	var out []Cluster
	for _, c := range s.clusters {
		out = append(out, c)
	}
	return out, nil
}

func (s *stubClusterStore) UpdateCluster(_ context.Context, id string, upd ClusterUpdate) (Cluster, error) {
	c, ok := s.clusters[id]
	if !ok {
		return Cluster{}, ErrNotFound
	}
	s.lastUpd = upd
	if upd.Active != nil {
		c.Active = *upd.Active
	}
	if upd.PasswordEncrypted != nil {
		c.PasswordEncrypted = *upd.PasswordEncrypted
	}
	s.clusters[id] = c
	return c, nil
}

func (s *stubClusterStore) DeleteCluster(_ context.Context, id string) error {
	delete(s.clusters, id)
	return nil
}

type prefixVault struct{}

func (prefixVault) Encrypt(s string) (string, error) { return "sealed:" + s, nil }

func TestClusterServiceCreateValidates(t *testing.T) {
	t.Parallel()
	store := &stubClusterStore{clusters: map[string]Cluster{}}
	svc, err := NewClusterService(store, prefixVault{}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()

	cases := []NewCluster{
		{Name: "", BaseURL: "https://nd.example", Username: "u", Password: "p"},
		{Name: "dc1", BaseURL: "nd.example", Username: "u", Password: "p"},
		{Name: "dc1", BaseURL: "https://nd.example", Username: "u"},
	}
	for _, in := range cases {
		if _, err := svc.Create(ctx, in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", in, err)
		}
	}

	c, err := svc.Create(ctx, NewCluster{Name: "dc1", BaseURL: "https://nd.example/", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.BaseURL != "https://nd.example" || c.PasswordEncrypted != "sealed:p" || !c.Active {
		t.Fatalf("unexpected cluster %+v", c)
	}
	byName, err := svc.Lookup(ctx, "dc1")
	if err != nil || byName.ID != c.ID {
		t.Fatalf("lookup by name: %+v %v", byName, err)
	}
}

func TestClusterServiceUpdateResetsSession(t *testing.T) {
	t.Parallel()
	store := &stubClusterStore{clusters: map[string]Cluster{"c1": {ID: "c1", Name: "dc1", Active: true}}}
	m, _ := NewManager(plainVault{})
	svc, _ := NewClusterService(store, prefixVault{}, m)
	ctx := context.Background()

	s := m.session("c1")
	s.state = Active

	inactive := false
	if _, err := svc.Update(ctx, "c1", ClusterChanges{Active: &inactive}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if m.State("c1") != Disabled {
		t.Fatalf("expected Disabled after deactivation, got %s", m.State("c1"))
	}

	active := true
	pw := "new"
	if _, err := svc.Update(ctx, "c1", ClusterChanges{Active: &active, Password: &pw}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if m.State("c1") != Unauthenticated {
		t.Fatalf("expected fresh session after edit, got %s", m.State("c1"))
	}
	if *store.lastUpd.PasswordEncrypted != "sealed:new" {
		t.Fatalf("password must be sealed, got %q", *store.lastUpd.PasswordEncrypted)
	}
}
