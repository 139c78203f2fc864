package auth

import "context"

// PrincipalStore persists principals together with their role and cluster sets.
type PrincipalStore interface {
	GetPrincipal(ctx context.Context, id string) (Principal, error)
	PrincipalByUsername(ctx context.Context, username string) (Principal, error)
	PrincipalByAPITokenHash(ctx context.Context, hash string) (Principal, error)
	ListPrincipals(ctx context.Context) ([]Principal, error)
	CreatePrincipal(ctx context.Context, p Principal) (Principal, error)
	UpdatePrincipal(ctx context.Context, id string, upd PrincipalUpdate) (Principal, error)
	SetAPITokenHash(ctx context.Context, id, hash string) error
	SetPrincipalRoles(ctx context.Context, id string, roleIDs []string) error
	SetPrincipalClusters(ctx context.Context, id string, clusterIDs []string) error
}

// RoleStore persists roles and their operation grants.
type RoleStore interface {
	CreateRole(ctx context.Context, r Role) (Role, error)
	GetRole(ctx context.Context, id string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error)
	DeleteRole(ctx context.Context, id string) error
	SetRoleOperations(ctx context.Context, id string, operations []string) error
}

// Store combines both stores.
type Store interface {
	PrincipalStore
	RoleStore
}
