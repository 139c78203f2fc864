package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fabricgate.org/internal/audit"
	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/policy"
	"fabricgate.org/internal/upstream"
)

func (a *API) adminRoutes(r chi.Router) {
	r.Route("/v1/principals", func(r chi.Router) {
		r.Get("/", a.listPrincipals)
		r.Post("/", a.createPrincipal)
		r.Get("/{id}", a.getPrincipal)
		r.Patch("/{id}", a.updatePrincipal)
		r.Delete("/{id}", a.deactivatePrincipal)
		r.Put("/{id}/roles", a.setPrincipalRoles)
		r.Put("/{id}/clusters", a.setPrincipalClusters)
		r.Post("/{id}/api-token", a.rotateAPIToken)
	})
	r.Route("/v1/roles", func(r chi.Router) {
		r.Get("/", a.listRoles)
		r.Post("/", a.createRole)
		r.Get("/{id}", a.getRole)
		r.Patch("/{id}", a.updateRole)
		r.Delete("/{id}", a.deleteRole)
		r.Put("/{id}/operations", a.setRoleOperations)
	})
	r.Route("/v1/clusters", func(r chi.Router) {
		r.Get("/", a.listClusters)
		r.Post("/", a.createCluster)
		r.Get("/{id}", a.getCluster)
		r.Patch("/{id}", a.updateCluster)
		r.Delete("/{id}", a.deleteCluster)
	})
	r.Put("/v1/security", a.handlePutSecurity)
}

func (a *API) event(r *http.Request, name string, fields map[string]any) {
	_ = audit.LogEvent(r.Context(), name, fields)
}

// principals

type createPrincipalRequest struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Superuser   bool     `json:"superuser"`
	AllClusters bool     `json:"all_clusters"`
	RoleIDs     []string `json:"role_ids"`
	ClusterIDs  []string `json:"cluster_ids"`
}

type updatePrincipalRequest struct {
	Email       *string `json:"email"`
	DisplayName *string `json:"display_name"`
	Password    *string `json:"password"`
	Active      *bool   `json:"active"`
	Superuser   *bool   `json:"superuser"`
	AllClusters *bool   `json:"all_clusters"`
}

type idsRequest struct {
	RoleIDs    []string `json:"role_ids"`
	ClusterIDs []string `json:"cluster_ids"`
}

func (a *API) listPrincipals(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	list, err := a.deps.Access.ListPrincipals(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(list)})
}

func (a *API) createPrincipal(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	var req createPrincipalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	p, err := a.deps.Access.CreatePrincipal(ctx, auth.NewPrincipal{
		Username:    req.Username,
		Password:    req.Password,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Superuser:   req.Superuser,
		AllClusters: req.AllClusters,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if len(req.RoleIDs) > 0 {
		if err := a.deps.Access.SetPrincipalRoles(ctx, p.ID, req.RoleIDs); err != nil {
			handleServiceError(w, r, err)
			return
		}
	}
	if len(req.ClusterIDs) > 0 {
		if err := a.deps.Access.SetPrincipalClusters(ctx, p.ID, req.ClusterIDs); err != nil {
			handleServiceError(w, r, err)
			return
		}
	}
	if p, err = a.deps.Access.GetPrincipal(ctx, p.ID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "principal.create", map[string]any{"id": p.ID, "username": p.Username, "superuser": p.Superuser})
	w.Header().Set("Location", fmt.Sprintf("/v1/principals/%s", p.ID))
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) getPrincipal(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	p, err := a.deps.Access.GetPrincipal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) updatePrincipal(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	var req updatePrincipalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	p, err := a.deps.Access.UpdatePrincipal(r.Context(), id, auth.PrincipalChanges{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Password:    req.Password,
		Active:      req.Active,
		Superuser:   req.Superuser,
		AllClusters: req.AllClusters,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "principal.update", map[string]any{"id": id, "password_changed": req.Password != nil})
	writeJSON(w, http.StatusOK, p)
}

func (a *API) deactivatePrincipal(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.deps.Access.DeactivatePrincipal(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "principal.deactivate", map[string]any{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setPrincipalRoles(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	var req idsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.deps.Access.SetPrincipalRoles(r.Context(), id, req.RoleIDs); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "principal.roles", map[string]any{"id": id, "role_ids": req.RoleIDs})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setPrincipalClusters(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	var req idsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.deps.Access.SetPrincipalClusters(r.Context(), id, req.ClusterIDs); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "principal.clusters", map[string]any{"id": id, "cluster_ids": req.ClusterIDs})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) rotateAPIToken(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	id := chi.URLParam(r, "id")
	token, err := a.deps.Access.RotateAPIToken(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "principal.api_token", map[string]any{"id": id})
	writeJSON(w, http.StatusOK, map[string]string{"api_token": token})
}

// roles

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	EditMode    bool     `json:"edit_mode"`
	Operations  []string `json:"operations"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	EditMode    *bool   `json:"edit_mode"`
}

type roleOperationsRequest struct {
	Operations []string `json:"operations"`
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	roles, err := a.deps.Access.ListRoles(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(roles)})
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.deps.Access.CreateRole(r.Context(), auth.NewRole{
		Name:        req.Name,
		Description: req.Description,
		EditMode:    req.EditMode,
		Operations:  req.Operations,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "role.create", map[string]any{"id": role.ID, "name": role.Name, "edit_mode": role.EditMode,
		"operations": len(role.Operations)})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) getRole(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	role, err := a.deps.Access.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) updateRole(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	var req updateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	role, err := a.deps.Access.UpdateRole(r.Context(), id, auth.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
		EditMode:    req.EditMode,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "role.update", map[string]any{"id": id, "edit_mode": role.EditMode})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.deps.Access.DeleteRole(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "role.delete", map[string]any{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setRoleOperations(w http.ResponseWriter, r *http.Request) {
	if a.deps.Access == nil {
		unavailable(w, r, "access admin")
		return
	}
	var req roleOperationsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.deps.Access.SetRoleOperations(r.Context(), id, req.Operations); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "role.operations", map[string]any{"id": id, "count": len(req.Operations)})
	w.WriteHeader(http.StatusNoContent)
}

// clusters

type createClusterRequest struct {
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	VerifySSL *bool  `json:"verify_ssl"`
}

type updateClusterRequest struct {
	Name      *string `json:"name"`
	BaseURL   *string `json:"base_url"`
	Username  *string `json:"username"`
	Password  *string `json:"password"`
	VerifySSL *bool   `json:"verify_ssl"`
	Active    *bool   `json:"active"`
}

type clusterView struct {
	upstream.Cluster
	Session string `json:"session"`
}

func (a *API) viewCluster(c upstream.Cluster) clusterView {
	v := clusterView{Cluster: c, Session: upstream.Unauthenticated.String()}
	if a.deps.Sessions != nil {
		v.Session = a.deps.Sessions.State(c.ID).String()
	}
	return v
}

func (a *API) listClusters(w http.ResponseWriter, r *http.Request) {
	if a.deps.Clusters == nil {
		unavailable(w, r, "cluster admin")
		return
	}
	list, err := a.deps.Clusters.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]clusterView, 0, len(list))
	for _, c := range list {
		out = append(out, a.viewCluster(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) createCluster(w http.ResponseWriter, r *http.Request) {
	if a.deps.Clusters == nil {
		unavailable(w, r, "cluster admin")
		return
	}
	var req createClusterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	verify := true
	if req.VerifySSL != nil {
		verify = *req.VerifySSL
	}
	c, err := a.deps.Clusters.Create(r.Context(), upstream.NewCluster{
		Name:      req.Name,
		BaseURL:   req.BaseURL,
		Username:  req.Username,
		Password:  req.Password,
		VerifySSL: verify,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "cluster.create", map[string]any{"id": c.ID, "name": c.Name, "base_url": c.BaseURL})
	w.Header().Set("Location", fmt.Sprintf("/v1/clusters/%s", c.ID))
	writeJSON(w, http.StatusCreated, a.viewCluster(c))
}

func (a *API) getCluster(w http.ResponseWriter, r *http.Request) {
	if a.deps.Clusters == nil {
		unavailable(w, r, "cluster admin")
		return
	}
	c, err := a.deps.Clusters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.viewCluster(c))
}

func (a *API) updateCluster(w http.ResponseWriter, r *http.Request) {
	if a.deps.Clusters == nil {
		unavailable(w, r, "cluster admin")
		return
	}
	var req updateClusterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	c, err := a.deps.Clusters.Update(r.Context(), id, upstream.ClusterChanges{
		Name:      req.Name,
		BaseURL:   req.BaseURL,
		Username:  req.Username,
		Password:  req.Password,
		VerifySSL: req.VerifySSL,
		Active:    req.Active,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "cluster.update", map[string]any{"id": id, "active": c.Active, "password_changed": req.Password != nil})
	writeJSON(w, http.StatusOK, a.viewCluster(c))
}

func (a *API) deleteCluster(w http.ResponseWriter, r *http.Request) {
	if a.deps.Clusters == nil {
		unavailable(w, r, "cluster admin")
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.deps.Clusters.Delete(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "cluster.delete", map[string]any{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

// security policy

type securityView struct {
	policy.Snapshot
	ReadOnly bool `json:"read_only"`
}

type securityRequest struct {
	EditMode     string   `json:"edit_mode"`
	AllowList    []string `json:"allow_list"`
	DenyList     []string `json:"deny_list"`
	AuditLogging *bool    `json:"audit_logging"`
}

func (a *API) handleGetSecurity(w http.ResponseWriter, r *http.Request) {
	if a.deps.Policy == nil {
		unavailable(w, r, "policy")
		return
	}
	snap, err := a.deps.Policy.Current(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, securityView{Snapshot: snap, ReadOnly: snap.ReadOnly()})
}

func (a *API) handlePutSecurity(w http.ResponseWriter, r *http.Request) {
	if a.deps.Policy == nil || a.deps.PolicyStore == nil {
		unavailable(w, r, "policy")
		return
	}
	var req securityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	mode := policy.ParseEditMode(req.EditMode)
	if mode == policy.EditModeUnset {
		writeError(w, r, http.StatusBadRequest, `edit_mode must be "on" or "off"`)
		return
	}
	auditOn := true
	if req.AuditLogging != nil {
		auditOn = *req.AuditLogging
	}
	saved, err := a.deps.PolicyStore.SaveSecurityPolicy(r.Context(), policy.Snapshot{
		EditMode:     mode,
		AllowList:    req.AllowList,
		DenyList:     req.DenyList,
		AuditLogging: auditOn,
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if reloaded, err := a.deps.Policy.Reload(r.Context()); err == nil {
		saved = reloaded
	}
	a.event(r, "security.update", map[string]any{
		"edit_mode":     string(saved.EditMode),
		"allow_list":    saved.AllowList,
		"deny_list":     saved.DenyList,
		"audit_logging": saved.AuditLogging,
	})
	writeJSON(w, http.StatusOK, securityView{Snapshot: saved, ReadOnly: saved.ReadOnly()})
}

func (a *API) handleRegistryReload(w http.ResponseWriter, r *http.Request) {
	if a.deps.ReloadTools == nil {
		unavailable(w, r, "registry")
		return
	}
	report, err := a.deps.ReloadTools(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "report": report})
		return
	}
	a.event(r, "registry.reload", map[string]any{"version": report.Version, "operations": report.Operations,
		"conflicts": len(report.Conflicts), "rejected": len(report.Rejected)})
	writeJSON(w, http.StatusOK, report)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
