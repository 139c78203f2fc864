package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"fabricgate.org/internal/gateway"
	"fabricgate.org/internal/guidance"
)

const (
	rpcVersion      = "2.0"
	protocolVersion = "2024-11-05"

	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolCallResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError"`
}

// handleRPC serves the JSON-RPC tool transport: initialize, tools/list,
// tools/call, resources/list, resources/read and ping. Requests without an id
// are notifications and get 202.
func (a *API) handleRPC(w http.ResponseWriter, r *http.Request) {
	if a.deps.Gateway == nil {
		unavailable(w, r, "gateway")
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: rpcVersion, ID: json.RawMessage("null"),
			Error: &rpcError{Code: rpcParseError, Message: "parse error"}})
		return
	}
	if req.JSONRPC != rpcVersion || req.Method == "" {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: rpcVersion, ID: idOrNull(req.ID),
			Error: &rpcError{Code: rpcInvalidRequest, Message: "invalid request"}})
		return
	}
	if len(req.ID) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := rpcResponse{JSONRPC: rpcVersion, ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools":     map[string]any{"listChanged": true},
				"resources": map[string]any{},
			},
			"serverInfo": map[string]any{"name": serviceName, "version": a.opts.Version},
		}
	case "ping":
		resp.Result = map[string]any{}
	case "tools/list":
		resp.Result = map[string]any{"tools": a.deps.Gateway.ListTools()}
	case "tools/call":
		var params toolCallParams
		if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil || params.Name == "" {
			resp.Error = &rpcError{Code: rpcInvalidParams, Message: "missing tool name"}
			break
		}
		resp.Result, resp.Error = a.callTool(r, params)
	case "resources/list":
		resources := []guidance.Resource{}
		if a.deps.Guidance != nil {
			resources = a.deps.Guidance.Resources()
		}
		resp.Result = map[string]any{"resources": resources}
	case "resources/read":
		var params resourceReadParams
		if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil || params.URI == "" {
			resp.Error = &rpcError{Code: rpcInvalidParams, Message: "missing resource uri"}
			break
		}
		resp.Result, resp.Error = a.readResource(params.URI)
	default:
		resp.Error = &rpcError{Code: rpcMethodNotFound, Message: "method not found: " + req.Method}
	}
	writeJSON(w, http.StatusOK, resp)
}

// callTool reports gateway failures as tool results with isError set so the
// agent sees the reason; only unexpected failures become JSON-RPC errors.
func (a *API) callTool(r *http.Request, params toolCallParams) (any, *rpcError) {
	res, err := a.deps.Gateway.Invoke(r.Context(), callFor(r, params.Name, params.Arguments))
	if err != nil {
		var gwErr *gateway.Error
		if !errors.As(err, &gwErr) {
			return nil, &rpcError{Code: rpcInternalError, Message: "internal error"}
		}
		payload, _ := json.Marshal(gwErr)
		return toolCallResult{Content: []toolContent{{Type: "text", Text: string(payload)}}, IsError: true}, nil
	}
	return toolCallResult{Content: []toolContent{{Type: "text", Text: toolText(res.Body)}}}, nil
}

func (a *API) readResource(uri string) (any, *rpcError) {
	if a.deps.Guidance == nil {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "unknown resource: " + uri}
	}
	c, err := a.deps.Guidance.Read(uri)
	if errors.Is(err, guidance.ErrUnknownResource) {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "unknown resource: " + uri}
	}
	if err != nil {
		return nil, &rpcError{Code: rpcInternalError, Message: "internal error"}
	}
	return map[string]any{"contents": []guidance.Contents{c}}, nil
}

func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
