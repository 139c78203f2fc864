package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Cluster is an upstream API endpoint with its service credentials.
type Cluster struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	BaseURL           string    `json:"base_url"`
	Username          string    `json:"username"`
	PasswordEncrypted string    `json:"-"`
	VerifySSL         bool      `json:"verify_ssl"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ClusterUpdate carries optional cluster changes.
type ClusterUpdate struct {
	Name              *string
	BaseURL           *string
	Username          *string
	PasswordEncrypted *string
	VerifySSL         *bool
	Active            *bool
}

// ClusterStore persists clusters.
type ClusterStore interface {
	CreateCluster(ctx context.Context, c Cluster) (Cluster, error)
	GetCluster(ctx context.Context, id string) (Cluster, error)
	ClusterByName(ctx context.Context, name string) (Cluster, error)
	ListClusters(ctx context.Context) ([]Cluster, error)
	UpdateCluster(ctx context.Context, id string, upd ClusterUpdate) (Cluster, error)
	DeleteCluster(ctx context.Context, id string) error
}

// Encrypter seals cluster passwords before they are stored.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// NewCluster is the admin input for registering a cluster.
type NewCluster struct {
	Name      string
	BaseURL   string
	Username  string
	Password  string
	VerifySSL bool
}

// ClusterChanges is the admin input for editing a cluster.
type ClusterChanges struct {
	Name      *string
	BaseURL   *string
	Username  *string
	Password  *string
	VerifySSL *bool
	Active    *bool
}

// ClusterService validates cluster writes and keeps the session table in step.
type ClusterService struct {
	store    ClusterStore
	vault    Encrypter
	sessions *Manager
}

func NewClusterService(store ClusterStore, vault Encrypter, sessions *Manager) (*ClusterService, error) {
	if store == nil {
		return nil, errors.New("cluster store is required")
	}
	if vault == nil {
		return nil, errors.New("vault is required")
	}
	return &ClusterService{store: store, vault: vault, sessions: sessions}, nil
}

func (s *ClusterService) Create(ctx context.Context, in NewCluster) (Cluster, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Cluster{}, fmt.Errorf("%w: cluster name is required", ErrInvalidInput)
	}
	base, err := normalizeBaseURL(in.BaseURL)
	if err != nil {
		return Cluster{}, err
	}
	username := strings.TrimSpace(in.Username)
	if username == "" || in.Password == "" {
		return Cluster{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	sealed, err := s.vault.Encrypt(in.Password)
	if err != nil {
		return Cluster{}, fmt.Errorf("encrypt cluster password: %w", err)
	}
	return s.store.CreateCluster(ctx, Cluster{
		Name:              name,
		BaseURL:           base,
		Username:          username,
		PasswordEncrypted: sealed,
		VerifySSL:         in.VerifySSL,
		Active:            true,
	})
}

func (s *ClusterService) Get(ctx context.Context, id string) (Cluster, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Cluster{}, fmt.Errorf("%w: cluster_id is required", ErrInvalidInput)
	}
	return s.store.GetCluster(ctx, id)
}

func (s *ClusterService) List(ctx context.Context) ([]Cluster, error) {
	return s.store.ListClusters(ctx)
}

// Lookup finds a cluster by id first, then by name.
func (s *ClusterService) Lookup(ctx context.Context, ref string) (Cluster, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Cluster{}, fmt.Errorf("%w: cluster is required", ErrInvalidInput)
	}
	c, err := s.store.GetCluster(ctx, ref)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Cluster{}, err
	}
	return s.store.ClusterByName(ctx, ref)
}

// Update applies changes and drops any cached session for the cluster.
func (s *ClusterService) Update(ctx context.Context, id string, ch ClusterChanges) (Cluster, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Cluster{}, fmt.Errorf("%w: cluster_id is required", ErrInvalidInput)
	}
	upd := ClusterUpdate{VerifySSL: ch.VerifySSL, Active: ch.Active}
	if ch.Name != nil {
		name := strings.TrimSpace(*ch.Name)
		if name == "" {
			return Cluster{}, fmt.Errorf("%w: cluster name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if ch.BaseURL != nil {
		base, err := normalizeBaseURL(*ch.BaseURL)
		if err != nil {
			return Cluster{}, err
		}
		upd.BaseURL = &base
	}
	if ch.Username != nil {
		username := strings.TrimSpace(*ch.Username)
		if username == "" {
			return Cluster{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
		}
		upd.Username = &username
	}
	if ch.Password != nil {
		if *ch.Password == "" {
			return Cluster{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
		}
		sealed, err := s.vault.Encrypt(*ch.Password)
		if err != nil {
			return Cluster{}, fmt.Errorf("encrypt cluster password: %w", err)
		}
		upd.PasswordEncrypted = &sealed
	}
	c, err := s.store.UpdateCluster(ctx, id, upd)
	if err != nil {
		return Cluster{}, err
	}
	if s.sessions != nil {
		s.sessions.Forget(c.ID)
		if !c.Active {
			s.sessions.Disable(c.ID)
		}
	}
	return c, nil
}

func (s *ClusterService) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: cluster_id is required", ErrInvalidInput)
	}
	if err := s.store.DeleteCluster(ctx, id); err != nil {
		return err
	}
	if s.sessions != nil {
		s.sessions.Forget(id)
	}
	return nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: base_url must be an absolute http(s) URL", ErrInvalidInput)
	}
	return raw, nil
}
