package httpapi

import (
	"context"
	"errors"
	"net/http"

	"fabricgate.org/internal/audit"
	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/directory"
	"fabricgate.org/internal/gateway"
	"fabricgate.org/internal/guidance"
	"fabricgate.org/internal/policy"
	"fabricgate.org/internal/registry"
	"fabricgate.org/internal/upstream"
)

// Authenticator verifies bearer credentials and issues session tokens.
type Authenticator interface {
	AuthenticateToken(ctx context.Context, token string) (auth.Principal, error)
	Login(ctx context.Context, username, password string) (auth.Principal, string, error)
}

// Invoker runs tool invocations.
type Invoker interface {
	Invoke(ctx context.Context, call gateway.Call) (gateway.Result, error)
	ListTools() []registry.ToolSpec
}

// AccessAdmin manages principals and roles.
type AccessAdmin interface {
	ListPrincipals(ctx context.Context) ([]auth.Principal, error)
	CreatePrincipal(ctx context.Context, in auth.NewPrincipal) (auth.Principal, error)
	GetPrincipal(ctx context.Context, id string) (auth.Principal, error)
	UpdatePrincipal(ctx context.Context, id string, ch auth.PrincipalChanges) (auth.Principal, error)
	DeactivatePrincipal(ctx context.Context, id string) error
	SetPrincipalRoles(ctx context.Context, id string, roleIDs []string) error
	SetPrincipalClusters(ctx context.Context, id string, clusterIDs []string) error
	RotateAPIToken(ctx context.Context, id string) (string, error)

	ListRoles(ctx context.Context) ([]auth.Role, error)
	CreateRole(ctx context.Context, in auth.NewRole) (auth.Role, error)
	GetRole(ctx context.Context, id string) (auth.Role, error)
	UpdateRole(ctx context.Context, id string, upd auth.RoleUpdate) (auth.Role, error)
	DeleteRole(ctx context.Context, id string) error
	SetRoleOperations(ctx context.Context, id string, operations []string) error
}

// ClusterAdmin manages upstream clusters.
type ClusterAdmin interface {
	List(ctx context.Context) ([]upstream.Cluster, error)
	Create(ctx context.Context, in upstream.NewCluster) (upstream.Cluster, error)
	Get(ctx context.Context, id string) (upstream.Cluster, error)
	Update(ctx context.Context, id string, ch upstream.ClusterChanges) (upstream.Cluster, error)
	Delete(ctx context.Context, id string) error
}

// SessionStates reports the upstream session state of a cluster.
type SessionStates interface {
	State(clusterID string) upstream.State
}

// PolicyAdmin reads and saves the security policy.
type PolicyAdmin interface {
	Current(ctx context.Context) (policy.Snapshot, error)
	Reload(ctx context.Context) (policy.Snapshot, error)
}

// DirectoryAdmin manages directory configs and group mappings.
type DirectoryAdmin interface {
	List(ctx context.Context) ([]directory.Config, error)
	Get(ctx context.Context, id string) (directory.Config, error)
	Create(ctx context.Context, in directory.ConfigInput) (directory.Config, error)
	Update(ctx context.Context, id string, in directory.ConfigInput) (directory.Config, error)
	Delete(ctx context.Context, id string) error
	ListMappings(ctx context.Context, configID string) ([]directory.GroupMapping, error)
	AddMapping(ctx context.Context, m directory.GroupMapping) (directory.GroupMapping, error)
	DeleteMapping(ctx context.Context, id string) error
}

// DirectoryOps runs live operations against a directory.
type DirectoryOps interface {
	TestConnection(ctx context.Context, configID string) error
	DiscoverGroups(ctx context.Context, configID string) ([]directory.Group, error)
	Running(configID string) bool
}

// SyncTrigger starts a background sync; false means one is already running.
type SyncTrigger interface {
	Trigger(configID string) bool
}

// AuditReader queries persisted audit records.
type AuditReader interface {
	QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Record, error)
	AuditStats(ctx context.Context, f audit.Filter) (audit.Stats, error)
}

// AuditTail streams records as they are written.
type AuditTail interface {
	Subscribe(ctx context.Context) <-chan audit.Record
}

// GuidanceReader serves guidance documents as readable resources.
type GuidanceReader interface {
	Resources() []guidance.Resource
	Read(uri string) (guidance.Contents, error)
}

// RegistryReloader re-reads the configured descriptors.
type RegistryReloader func(ctx context.Context) (registry.LoadReport, error)

// Deps wires the API to the services. Nil members disable their routes with 503.
type Deps struct {
	Auth         Authenticator
	Gateway      Invoker
	Access       AccessAdmin
	Clusters     ClusterAdmin
	Sessions     SessionStates
	Policy       PolicyAdmin
	PolicyStore  policy.Store
	Directory    DirectoryAdmin
	DirectoryOps DirectoryOps
	Sync         SyncTrigger
	Audit        AuditReader
	Tail         AuditTail
	ReloadTools  RegistryReloader
	Guidance     GuidanceReader
	Ready        readinessChecker
}

// serviceStatus maps a service sentinel to its HTTP status; zero means unknown.
func serviceStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, upstream.ErrInvalidInput),
		errors.Is(err, directory.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrNotFound),
		errors.Is(err, upstream.ErrNotFound),
		errors.Is(err, directory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrConflict),
		errors.Is(err, auth.ErrSystemRole),
		errors.Is(err, upstream.ErrConflict),
		errors.Is(err, directory.ErrConflict),
		errors.Is(err, directory.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrInactive):
		return http.StatusForbidden
	case errors.Is(err, directory.ErrConfigDisabled), errors.Is(err, directory.ErrNoDirectory):
		return http.StatusUnprocessableEntity
	}
	return 0
}

func isServiceError(err error) bool { return serviceStatus(err) != 0 }

// handleServiceError maps service sentinels onto HTTP statuses. Unknown errors
// are logged and reported as 500 without detail.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch status := serviceStatus(err); status {
	case http.StatusUnauthorized:
		writeError(w, r, status, "invalid credentials")
	case http.StatusForbidden:
		writeError(w, r, status, "principal is inactive")
	case 0:
		logRequestError(r, err, "request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	default:
		writeError(w, r, status, err.Error())
	}
}
