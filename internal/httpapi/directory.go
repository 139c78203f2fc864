package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fabricgate.org/internal/directory"
)

func (a *API) directoryRoutes(r chi.Router) {
	r.Route("/v1/directory", func(r chi.Router) {
		r.Get("/configs", a.listDirectoryConfigs)
		r.Post("/configs", a.createDirectoryConfig)
		r.Get("/configs/{id}", a.getDirectoryConfig)
		r.Put("/configs/{id}", a.updateDirectoryConfig)
		r.Delete("/configs/{id}", a.deleteDirectoryConfig)
		r.Post("/configs/{id}/sync", a.syncDirectory)
		r.Post("/configs/{id}/test", a.testDirectory)
		r.Get("/configs/{id}/groups", a.discoverGroups)
		r.Get("/configs/{id}/mappings", a.listMappings)
		r.Post("/configs/{id}/mappings", a.addMapping)
		r.Delete("/mappings/{id}", a.deleteMapping)
	})
}

type directoryConfigRequest struct {
	directory.Config
	BindPassword      string `json:"bind_password"`
	ClearBindPassword bool   `json:"clear_bind_password"`
}

func (req directoryConfigRequest) input() directory.ConfigInput {
	return directory.ConfigInput{
		Config:            req.Config,
		BindPassword:      req.BindPassword,
		ClearBindPassword: req.ClearBindPassword,
	}
}

type directoryConfigView struct {
	directory.Config
	HasBindPassword bool `json:"has_bind_password"`
	Syncing         bool `json:"syncing"`
}

func (a *API) viewDirectory(cfg directory.Config) directoryConfigView {
	v := directoryConfigView{Config: cfg, HasBindPassword: cfg.BindPasswordEncrypted != ""}
	if a.deps.DirectoryOps != nil {
		v.Syncing = a.deps.DirectoryOps.Running(cfg.ID)
	}
	return v
}

func (a *API) listDirectoryConfigs(w http.ResponseWriter, r *http.Request) {
	if a.deps.Directory == nil {
		unavailable(w, r, "directory")
		return
	}
	list, err := a.deps.Directory.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]directoryConfigView, 0, len(list))
	for _, cfg := range list {
		out = append(out, a.viewDirectory(cfg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) createDirectoryConfig(w http.ResponseWriter, r *http.Request) {
	if a.deps.Directory == nil {
		unavailable(w, r, "directory")
		return
	}
	var req directoryConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := a.deps.Directory.Create(r.Context(), req.input())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "directory.create", map[string]any{"id": cfg.ID, "name": cfg.Name, "server_url": cfg.ServerURL,
		"primary": cfg.Primary})
	w.Header().Set("Location", fmt.Sprintf("/v1/directory/configs/%s", cfg.ID))
	writeJSON(w, http.StatusCreated, a.viewDirectory(cfg))
}

func (a *API) getDirectoryConfig(w http.ResponseWriter, r *http.Request) {
	if a.deps.Directory == nil {
		unavailable(w, r, "directory")
		return
	}
	cfg, err := a.deps.Directory.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.viewDirectory(cfg))
}

func (a *API) updateDirectoryConfig(w http.ResponseWriter, r *http.Request) {
	if a.deps.Directory == nil {
		unavailable(w, r, "directory")
		return
	}
	var req directoryConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	cfg, err := a.deps.Directory.Update(r.Context(), id, req.input())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "directory.update", map[string]any{"id": id, "enabled": cfg.Enabled, "primary": cfg.Primary,
		"bind_password_changed": req.BindPassword != "" || req.ClearBindPassword})
	writeJSON(w, http.StatusOK, a.viewDirectory(cfg))
}

func (a *API) deleteDirectoryConfig(w http.ResponseWriter, r *http.Request) {
	if a.deps.Directory == nil {
		unavailable(w, r, "directory")
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.deps.Directory.Delete(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "directory.delete", map[string]any{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) syncDirectory(w http.ResponseWriter, r *http.Request) {
	if a.deps.Directory == nil || a.deps.Sync == nil {
		unavailable(w, r, "directory sync")
		return
	}
	id := chi.URLParam(r, "id")
	cfg, err := a.deps.Directory.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !cfg.Enabled {
		handleServiceError(w, r, directory.ErrConfigDisabled)
		return
	}
	started := a.deps.Sync.Trigger(id)
	a.event(r, "directory.sync", map[string]any{"id": id, "started": started})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"config_id":       id,
		"started":         started,
		"already_running": !started,
	})
}

func (a *API) testDirectory(w http.ResponseWriter, r *http.Request) {
	if a.deps.DirectoryOps == nil {
		unavailable(w, r, "directory")
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.deps.DirectoryOps.TestConnection(r.Context(), id); err != nil {
		if isServiceError(err) {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "connection successful"})
}

func (a *API) discoverGroups(w http.ResponseWriter, r *http.Request) {
	if a.deps.DirectoryOps == nil {
		unavailable(w, r, "directory")
		return
	}
	groups, err := a.deps.DirectoryOps.DiscoverGroups(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if isServiceError(err) {
			handleServiceError(w, r, err)
			return
		}
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(groups), "count": len(groups)})
}

func (a *API) listMappings(w http.ResponseWriter, r *http.Request) {
	if a.deps.Directory == nil {
		unavailable(w, r, "directory")
		return
	}
	list, err := a.deps.Directory.ListMappings(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(list)})
}

type mappingRequest struct {
	GroupDN   string `json:"group_dn"`
	GroupName string `json:"group_name"`
	RoleID    string `json:"role_id"`
	ClusterID string `json:"cluster_id"`
}

func (a *API) addMapping(w http.ResponseWriter, r *http.Request) {
	if a.deps.Directory == nil {
		unavailable(w, r, "directory")
		return
	}
	var req mappingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.deps.Directory.AddMapping(r.Context(), directory.GroupMapping{
		ConfigID:  chi.URLParam(r, "id"),
		GroupDN:   req.GroupDN,
		GroupName: req.GroupName,
		RoleID:    req.RoleID,
		ClusterID: req.ClusterID,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "directory.mapping.create", map[string]any{"id": m.ID, "config_id": m.ConfigID, "group_dn": m.GroupDN,
		"role_id": m.RoleID, "cluster_id": m.ClusterID})
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) deleteMapping(w http.ResponseWriter, r *http.Request) {
	if a.deps.Directory == nil {
		unavailable(w, r, "directory")
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.deps.Directory.DeleteMapping(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.event(r, "directory.mapping.delete", map[string]any{"id": id})
	w.WriteHeader(http.StatusNoContent)
}
