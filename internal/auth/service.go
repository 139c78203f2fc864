package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fabricgate.org/internal/ids"
)

// DefaultTokenTTL is the lifetime of tokens issued by Login.
const DefaultTokenTTL = 12 * time.Hour

// OperationCatalog answers whether an operation name is currently registered.
type OperationCatalog interface {
	Has(name string) bool
}

// ExternalAuthenticator verifies credentials against another identity source
// and returns the matching (possibly newly provisioned) principal.
type ExternalAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (Principal, error)
}

// NewPrincipal is the admin input for creating a local principal.
type NewPrincipal struct {
	Username    string
	Password    string
	Email       string
	DisplayName string
	Superuser   bool
	AllClusters bool
}

// PrincipalChanges is the admin input for editing a principal.
type PrincipalChanges struct {
	Email       *string
	DisplayName *string
	Password    *string
	Active      *bool
	Superuser   *bool
	AllClusters *bool
}

// NewRole is the admin input for creating a role.
type NewRole struct {
	Name        string
	Description string
	EditMode    bool
	Operations  []string
}

// Service validates admin writes and authenticates principals.
type Service struct {
	store    Store
	catalog  OperationCatalog
	external ExternalAuthenticator
	tokenTTL time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithCatalog validates role grants against the operation registry.
func WithCatalog(c OperationCatalog) Option {
	return func(s *Service) { s.catalog = c }
}

// WithExternalAuthenticator enables login fallback for unknown or non-local principals.
func WithExternalAuthenticator(a ExternalAuthenticator) Option {
	return func(s *Service) { s.external = a }
}

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth store is required")
	}
	s := &Service{store: store, tokenTTL: DefaultTokenTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetExternalAuthenticator installs the login fallback after construction.
func (s *Service) SetExternalAuthenticator(a ExternalAuthenticator) {
	s.external = a
}

func (s *Service) CreatePrincipal(ctx context.Context, in NewPrincipal) (Principal, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return Principal{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Password) == "" {
		return Principal{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email != "" && !strings.Contains(email, "@") {
		return Principal{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return Principal{}, err
	}
	return s.store.CreatePrincipal(ctx, Principal{
		Username:     username,
		Email:        email,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		PasswordHash: hash,
		Active:       true,
		Superuser:    in.Superuser,
		AllClusters:  in.AllClusters,
		Origin:       OriginLocal,
	})
}

func (s *Service) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Principal{}, fmt.Errorf("%w: principal_id is required", ErrInvalidInput)
	}
	return s.store.GetPrincipal(ctx, id)
}

func (s *Service) ListPrincipals(ctx context.Context) ([]Principal, error) {
	return s.store.ListPrincipals(ctx)
}

func (s *Service) UpdatePrincipal(ctx context.Context, id string, ch PrincipalChanges) (Principal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Principal{}, fmt.Errorf("%w: principal_id is required", ErrInvalidInput)
	}
	upd := PrincipalUpdate{
		DisplayName: ch.DisplayName,
		Active:      ch.Active,
		Superuser:   ch.Superuser,
		AllClusters: ch.AllClusters,
	}
	if ch.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*ch.Email))
		if email != "" && !strings.Contains(email, "@") {
			return Principal{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		upd.Email = &email
	}
	if ch.Password != nil {
		pw := strings.TrimSpace(*ch.Password)
		if pw == "" {
			return Principal{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
		}
		hash, err := HashPassword(pw)
		if err != nil {
			return Principal{}, err
		}
		upd.PasswordHash = &hash
	}
	return s.store.UpdatePrincipal(ctx, id, upd)
}

// DeactivatePrincipal is the admin "delete": audit rows keep referencing the principal.
func (s *Service) DeactivatePrincipal(ctx context.Context, id string) error {
	inactive := false
	_, err := s.UpdatePrincipal(ctx, id, PrincipalChanges{Active: &inactive})
	return err
}

func (s *Service) SetPrincipalRoles(ctx context.Context, id string, roleIDs []string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: principal_id is required", ErrInvalidInput)
	}
	return s.store.SetPrincipalRoles(ctx, id, dedupeStrings(roleIDs))
}

func (s *Service) SetPrincipalClusters(ctx context.Context, id string, clusterIDs []string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: principal_id is required", ErrInvalidInput)
	}
	return s.store.SetPrincipalClusters(ctx, id, dedupeStrings(clusterIDs))
}

// RotateAPIToken issues a new API token for the principal. Only its hash is stored;
// the returned plaintext is shown once.
func (s *Service) RotateAPIToken(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: principal_id is required", ErrInvalidInput)
	}
	token := ids.Token(32)
	if err := s.store.SetAPITokenHash(ctx, id, HashAPIToken(token)); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Service) CreateRole(ctx context.Context, in NewRole) (Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	ops, err := s.validateOperations(in.Operations)
	if err != nil {
		return Role{}, err
	}
	role, err := s.store.CreateRole(ctx, Role{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		EditMode:    in.EditMode,
	})
	if err != nil {
		return Role{}, err
	}
	if len(ops) > 0 {
		if err := s.store.SetRoleOperations(ctx, role.ID, ops); err != nil {
			return Role{}, err
		}
		role.Operations = ops
	}
	return role, nil
}

func (s *Service) GetRole(ctx context.Context, id string) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.GetRole(ctx, id)
}

func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

func (s *Service) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error) {
	current, err := s.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		if current.System && name != current.Name {
			return Role{}, ErrSystemRole
		}
		upd.Name = &name
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	return s.store.UpdateRole(ctx, current.ID, upd)
}

func (s *Service) DeleteRole(ctx context.Context, id string) error {
	current, err := s.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if current.System {
		return ErrSystemRole
	}
	return s.store.DeleteRole(ctx, current.ID)
}

// SetRoleOperations replaces the role's grant set. Every name must be registered.
func (s *Service) SetRoleOperations(ctx context.Context, id string, operations []string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	ops, err := s.validateOperations(operations)
	if err != nil {
		return err
	}
	return s.store.SetRoleOperations(ctx, id, ops)
}

func (s *Service) validateOperations(operations []string) ([]string, error) {
	ops := dedupeStrings(operations)
	if s.catalog == nil {
		return ops, nil
	}
	var unknown []string
	for _, op := range ops {
		if !s.catalog.Has(op) {
			unknown = append(unknown, op)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown operations %s", ErrInvalidInput, strings.Join(unknown, ", "))
	}
	return ops, nil
}

// ResolvePrincipal loads an active principal by id.
func (s *Service) ResolvePrincipal(ctx context.Context, id string) (Principal, error) {
	p, err := s.store.GetPrincipal(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthorized
		}
		return Principal{}, err
	}
	if !p.Active {
		return Principal{}, ErrInactive
	}
	return p, nil
}

// AuthenticateToken accepts either a signed session token or a principal API token.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	if LooksLikeJWT(token) {
		claims, err := ParseAndValidate(token)
		if err != nil {
			return Principal{}, err
		}
		return s.ResolvePrincipal(ctx, claims.Subject)
	}
	p, err := s.store.PrincipalByAPITokenHash(ctx, HashAPIToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthorized
		}
		return Principal{}, err
	}
	if !p.Active {
		return Principal{}, ErrInactive
	}
	return p, nil
}

// Login checks local credentials first, then the external authenticator for
// principals that are unknown locally or belong to the directory. It returns the
// principal and a signed session token.
func (s *Service) Login(ctx context.Context, username, password string) (Principal, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Principal{}, "", fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	p, err := s.store.PrincipalByUsername(ctx, username)
	switch {
	case err == nil && p.Origin != OriginLDAP:
		if VerifyPassword(p.PasswordHash, password) != nil {
			return Principal{}, "", ErrUnauthorized
		}
	case err == nil || errors.Is(err, ErrNotFound):
		if s.external == nil {
			return Principal{}, "", ErrUnauthorized
		}
		p, err = s.external.Authenticate(ctx, username, password)
		if err != nil {
			return Principal{}, "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	default:
		return Principal{}, "", err
	}
	if !p.Active {
		return Principal{}, "", ErrInactive
	}
	token, err := GenerateToken(p, s.tokenTTL)
	if err != nil {
		return Principal{}, "", err
	}
	return p, token, nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
