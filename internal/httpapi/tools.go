package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/gateway"
)

func (a *API) handleListTools(w http.ResponseWriter, r *http.Request) {
	if a.deps.Gateway == nil {
		unavailable(w, r, "gateway")
		return
	}
	tools := a.deps.Gateway.ListTools()
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools, "count": len(tools)})
}

type invokeRequest struct {
	Arguments map[string]any `json:"arguments"`
}

func (a *API) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if a.deps.Gateway == nil {
		unavailable(w, r, "gateway")
		return
	}
	var req invokeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	res, err := a.deps.Gateway.Invoke(r.Context(), callFor(r, chi.URLParam(r, "name"), req.Arguments))
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func callFor(r *http.Request, name string, args map[string]any) gateway.Call {
	p, _ := auth.PrincipalFromContext(r.Context())
	token, _ := auth.TokenFromContext(r.Context())
	if args == nil {
		args = map[string]any{}
	}
	return gateway.Call{
		PrincipalID: p.ID,
		Token:       token,
		Operation:   name,
		Arguments:   args,
		ClientIP:    auth.ClientIPFromContext(r.Context()),
	}
}

type gatewayErrorBody struct {
	Error     *gateway.Error `json:"error"`
	RequestID string         `json:"request_id,omitempty"`
}

func writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		handleServiceError(w, r, err)
		return
	}
	status := gwErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, gatewayErrorBody{Error: gwErr, RequestID: RequestIDFromContext(r.Context())})
}

// toolText renders an upstream body for text-only transports.
func toolText(body json.RawMessage) string {
	if len(body) == 0 {
		return ""
	}
	return string(body)
}
