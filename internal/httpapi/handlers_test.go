package httpapi

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fabricgate.org/internal/audit"
	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/directory"
	"fabricgate.org/internal/gateway"
	"fabricgate.org/internal/guidance"
	"fabricgate.org/internal/policy"
	"fabricgate.org/internal/registry"
)

func newTestServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Auth == nil {
		deps.Auth = newFakeAuth()
	}
	api := New(deps, Options{Version: "test", RateBurst: 1000, RatePerSecond: 1000})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, token string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthAndInfo(t *testing.T) {
	srv := newTestServer(t, Deps{Gateway: &fakeInvoker{tools: []registry.ToolSpec{{Name: "manage_listFabrics"}}}})

	resp := doRequest(t, srv, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}

	resp = doRequest(t, srv, http.MethodGet, "/v1/info", "", nil)
	var info map[string]any
	decodeBody(t, resp, &info)
	if info["name"] != serviceName || info["tools"] != float64(1) {
		t.Fatalf("unexpected info %v", info)
	}

	resp = doRequest(t, srv, http.MethodGet, "/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestLogin(t *testing.T) {
	srv := newTestServer(t, Deps{})

	cases := []struct {
		name   string
		body   any
		status int
	}{
		{name: "ok", body: loginRequest{Username: "alice", Password: "s3cret"}, status: http.StatusOK},
		{name: "wrong password", body: loginRequest{Username: "alice", Password: "nope"}, status: http.StatusUnauthorized},
		{name: "missing fields", body: loginRequest{Username: "alice"}, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"username":"alice","password":"s3cret","otp":"1"}`, status: http.StatusBadRequest},
		{name: "trailing data", body: `{"username":"alice","password":"s3cret"} {}`, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, srv, http.MethodPost, "/v1/auth/token", "", tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if tc.status != http.StatusOK {
				return
			}
			var out loginResponse
			decodeBody(t, resp, &out)
			if out.Token != "alice-token" || out.TokenType != "Bearer" || out.Principal.Username != "alice" {
				t.Fatalf("unexpected login response %+v", out)
			}
		})
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv := newTestServer(t, Deps{Gateway: &fakeInvoker{}})

	resp := doRequest(t, srv, http.MethodGet, "/v1/tools", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate challenge")
	}

	resp = doRequest(t, srv, http.MethodGet, "/v1/tools", "forged", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", resp.StatusCode)
	}

	resp = doRequest(t, srv, http.MethodGet, "/v1/tools", "inactive-token", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for inactive principal, got %d", resp.StatusCode)
	}

	resp = doRequest(t, srv, http.MethodGet, "/v1/auth/me", "alice-token", nil)
	var me auth.Principal
	decodeBody(t, resp, &me)
	if me.ID != alicePrincipal.ID {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestInvokePassesCallerAndArguments(t *testing.T) {
	inv := &fakeInvoker{res: gateway.Result{Operation: "manage_listFabrics", Cluster: "dc1", StatusCode: 200,
		Body: json.RawMessage(`[{"name":"f1"}]`)}}
	srv := newTestServer(t, Deps{Gateway: inv})

	resp := doRequest(t, srv, http.MethodPost, "/v1/tools/manage_listFabrics/invoke", "alice-token",
		map[string]any{"arguments": map[string]any{"cluster": "dc1", "limit": 5}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var res gateway.Result
	decodeBody(t, resp, &res)
	if res.Cluster != "dc1" || string(res.Body) != `[{"name":"f1"}]` {
		t.Fatalf("unexpected result %+v", res)
	}

	call := inv.lastCall()
	if call.PrincipalID != alicePrincipal.ID || call.Token != "alice-token" || call.Operation != "manage_listFabrics" {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.Arguments["cluster"] != "dc1" || call.ClientIP == "" {
		t.Fatalf("arguments or client ip missing: %+v", call)
	}

	resp = doRequest(t, srv, http.MethodPost, "/v1/tools/manage_listFabrics/invoke", "alice-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("empty body must be accepted, got %d", resp.StatusCode)
	}
	if args := inv.lastCall().Arguments; args == nil || len(args) != 0 {
		t.Fatalf("expected empty argument map, got %v", args)
	}
}

func TestInvokeMapsGatewayErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "denied", err: &gateway.Error{Code: gateway.CodePermissionDenied, Reason: string(policy.ReasonEditModeRequired),
			Message: "edit mode required", Status: http.StatusForbidden}, status: http.StatusForbidden, code: gateway.CodePermissionDenied},
		{name: "unknown operation", err: &gateway.Error{Code: gateway.CodeNotFound, Reason: gateway.ReasonNotFound,
			Message: "no such tool", Status: http.StatusNotFound}, status: http.StatusNotFound, code: gateway.CodeNotFound},
		{name: "upstream", err: &gateway.Error{Code: gateway.CodeUpstreamError, Message: "upstream returned 409",
			Status: http.StatusConflict, Details: json.RawMessage(`{"msg":"busy"}`)}, status: http.StatusConflict, code: gateway.CodeUpstreamError},
		{name: "unclassified", err: fmt.Errorf("boom"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, Deps{Gateway: &fakeInvoker{err: tc.err}})
			resp := doRequest(t, srv, http.MethodPost, "/v1/tools/manage_deleteFabric/invoke", "alice-token",
				map[string]any{"arguments": map[string]any{}})
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if tc.code == "" {
				return
			}
			var body struct {
				Error     gateway.Error `json:"error"`
				RequestID string        `json:"request_id"`
			}
			decodeBody(t, resp, &body)
			if body.Error.Code != tc.code || body.RequestID == "" {
				t.Fatalf("unexpected error body %+v", body)
			}
		})
	}
}

func rpcCall(t *testing.T, srv *httptest.Server, payload string) (*http.Response, map[string]any) {
	t.Helper()
	resp := doRequest(t, srv, http.MethodPost, "/mcp/message", "alice-token", payload)
	if resp.StatusCode == http.StatusAccepted {
		return resp, nil
	}
	var out map[string]any
	decodeBody(t, resp, &out)
	return resp, out
}

func TestRPCTransport(t *testing.T) {
	inv := &fakeInvoker{
		tools: []registry.ToolSpec{{Name: "manage_listFabrics", Description: "GET /fabrics"}},
		res:   gateway.Result{StatusCode: 200, Body: json.RawMessage(`{"ok":true}`)},
	}
	srv := newTestServer(t, Deps{Gateway: inv})

	_, out := rpcCall(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	result, _ := out["result"].(map[string]any)
	if result["protocolVersion"] != protocolVersion {
		t.Fatalf("unexpected initialize result %v", out)
	}

	_, out = rpcCall(t, srv, `{"jsonrpc":"2.0","id":"a","method":"tools/list"}`)
	result, _ = out["result"].(map[string]any)
	if tools, _ := result["tools"].([]any); len(tools) != 1 || out["id"] != "a" {
		t.Fatalf("unexpected tools/list %v", out)
	}

	_, out = rpcCall(t, srv, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"manage_listFabrics","arguments":{"cluster":"dc1"}}}`)
	result, _ = out["result"].(map[string]any)
	if result["isError"] != false {
		t.Fatalf("unexpected tools/call result %v", out)
	}
	content, _ := result["content"].([]any)
	first, _ := content[0].(map[string]any)
	if first["text"] != `{"ok":true}` {
		t.Fatalf("unexpected content %v", content)
	}
	if inv.lastCall().Arguments["cluster"] != "dc1" {
		t.Fatalf("arguments not forwarded: %+v", inv.lastCall())
	}

	inv.err = &gateway.Error{Code: gateway.CodePermissionDenied, Reason: "OperationBlocked", Message: "blocked", Status: 403}
	_, out = rpcCall(t, srv, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"manage_listFabrics"}}`)
	result, _ = out["result"].(map[string]any)
	if result["isError"] != true || out["error"] != nil {
		t.Fatalf("denial must be a tool error result, got %v", out)
	}

	resp, _ := rpcCall(t, srv, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for notification, got %d", resp.StatusCode)
	}

	rpcErrors := []struct {
		payload string
		code    float64
	}{
		{payload: `{not json`, code: rpcParseError},
		{payload: `{"jsonrpc":"1.0","id":4,"method":"ping"}`, code: rpcInvalidRequest},
		{payload: `{"jsonrpc":"2.0","id":5,"method":"prompts/list"}`, code: rpcMethodNotFound},
		{payload: `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{}}`, code: rpcInvalidParams},
	}
	for _, tc := range rpcErrors {
		_, out := rpcCall(t, srv, tc.payload)
		rpcErr, _ := out["error"].(map[string]any)
		if rpcErr["code"] != tc.code {
			t.Fatalf("payload %s: expected code %v, got %v", tc.payload, tc.code, out)
		}
	}
}

func TestRPCGuidanceResources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guidance.yaml")
	doc := "sections:\n  - name: intro\n    title: Fabric Automation\n    content: Read before writing.\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write guidance: %v", err)
	}
	lib, err := guidance.Open(path)
	if err != nil {
		t.Fatalf("open guidance: %v", err)
	}
	srv := newTestServer(t, Deps{Gateway: &fakeInvoker{}, Guidance: lib})

	_, out := rpcCall(t, srv, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	result, _ := out["result"].(map[string]any)
	if resources, _ := result["resources"].([]any); len(resources) != 2 {
		t.Fatalf("unexpected resources/list %v", out)
	}

	_, out = rpcCall(t, srv, `{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"`+guidance.SystemPromptURI+`"}}`)
	result, _ = out["result"].(map[string]any)
	contents, _ := result["contents"].([]any)
	if len(contents) != 1 {
		t.Fatalf("unexpected resources/read %v", out)
	}
	first, _ := contents[0].(map[string]any)
	if text, _ := first["text"].(string); !strings.Contains(text, "# Fabric Automation") || first["mimeType"] != "text/plain" {
		t.Fatalf("unexpected prompt contents %v", first)
	}

	for _, payload := range []string{
		`{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"nexus://guidance/unknown"}}`,
		`{"jsonrpc":"2.0","id":4,"method":"resources/read","params":{}}`,
	} {
		_, out = rpcCall(t, srv, payload)
		rpcErr, _ := out["error"].(map[string]any)
		if rpcErr["code"] != float64(rpcInvalidParams) {
			t.Fatalf("payload %s: expected invalid params, got %v", payload, out)
		}
	}
}

func TestAdminRoutesRequireSuperuser(t *testing.T) {
	access := &fakeAccess{principals: []auth.Principal{rootPrincipal, alicePrincipal}}
	srv := newTestServer(t, Deps{Access: access, Audit: &fakeAudit{}})

	for _, path := range []string{"/v1/principals", "/v1/audit", "/v1/audit/stats"} {
		resp := doRequest(t, srv, http.MethodGet, path, "alice-token", nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s: expected 403 for regular principal, got %d", path, resp.StatusCode)
		}
	}

	resp := doRequest(t, srv, http.MethodGet, "/v1/principals", "root-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for superuser, got %d", resp.StatusCode)
	}
	var list struct {
		Items []auth.Principal `json:"items"`
	}
	decodeBody(t, resp, &list)
	if len(list.Items) != 2 {
		t.Fatalf("unexpected list %+v", list)
	}

	resp = doRequest(t, srv, http.MethodGet, "/v1/clusters", "root-token", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("missing cluster admin must answer 503, got %d", resp.StatusCode)
	}
}

func TestCreatePrincipal(t *testing.T) {
	access := &fakeAccess{}
	srv := newTestServer(t, Deps{Access: access})

	resp := doRequest(t, srv, http.MethodPost, "/v1/principals", "root-token",
		createPrincipalRequest{Username: "bob", Password: "pw-123456", RoleIDs: []string{"r-ops"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if resp.Header.Get("Location") != "/v1/principals/p-new" {
		t.Fatalf("unexpected location %q", resp.Header.Get("Location"))
	}
	var p auth.Principal
	decodeBody(t, resp, &p)
	if len(p.Roles) != 1 || p.Roles[0].ID != "r-ops" {
		t.Fatalf("roles not applied: %+v", p)
	}

	access.createErr = fmt.Errorf("%w: username taken", auth.ErrConflict)
	resp = doRequest(t, srv, http.MethodPost, "/v1/principals", "root-token", createPrincipalRequest{Username: "bob"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	resp = doRequest(t, srv, http.MethodGet, "/v1/principals/missing", "root-token", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSecurityPolicyRoundTrip(t *testing.T) {
	pol := &fakePolicy{snap: policy.Default()}
	srv := newTestServer(t, Deps{Policy: pol, PolicyStore: pol})

	resp := doRequest(t, srv, http.MethodGet, "/v1/security", "alice-token", nil)
	var view struct {
		EditMode policy.EditMode `json:"edit_mode"`
		ReadOnly bool            `json:"read_only"`
	}
	decodeBody(t, resp, &view)
	if view.EditMode != policy.EditModeOff || !view.ReadOnly {
		t.Fatalf("unexpected default view %+v", view)
	}

	resp = doRequest(t, srv, http.MethodPut, "/v1/security", "alice-token", securityRequest{EditMode: "on"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("policy writes need a superuser, got %d", resp.StatusCode)
	}

	resp = doRequest(t, srv, http.MethodPut, "/v1/security", "root-token", securityRequest{EditMode: "maybe"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad edit mode, got %d", resp.StatusCode)
	}

	resp = doRequest(t, srv, http.MethodPut, "/v1/security", "root-token",
		securityRequest{EditMode: "on", DenyList: []string{" manage_deleteFabric ", "manage_deleteFabric"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if pol.reloads != 1 {
		t.Fatalf("expected one reload, got %d", pol.reloads)
	}
	if pol.snap.EditMode != policy.EditModeOn || len(pol.snap.DenyList) != 1 || !pol.snap.AuditLogging {
		t.Fatalf("unexpected saved policy %+v", pol.snap)
	}
}

func TestAuditQueryAndExport(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeAudit{records: []audit.Record{
		{ID: "a1", At: at, Username: "alice", Operation: "manage_listFabrics", Method: "GET", Outcome: audit.OutcomeAllowed, StatusCode: audit.Status(200)},
		{ID: "a2", At: at, Username: "alice", Operation: "manage_deleteFabric", Method: "DELETE", Outcome: audit.OutcomeDenied, Reason: "EditModeRequired"},
	}}
	srv := newTestServer(t, Deps{Audit: store})

	resp := doRequest(t, srv, http.MethodGet, "/v1/audit?method=get&status_min=200&since=2025-03-01T00:00:00Z&limit=5000", "root-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if store.filter.Method != "GET" || store.filter.Limit != audit.MaxLimit || *store.filter.StatusMin != 200 || store.filter.Since == nil {
		t.Fatalf("filter not parsed: %+v", store.filter)
	}

	for _, q := range []string{"since=yesterday", "status_max=abc", "outcome=maybe", "offset=-1"} {
		resp := doRequest(t, srv, http.MethodGet, "/v1/audit?"+q, "root-token", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}

	resp = doRequest(t, srv, http.MethodGet, "/v1/audit/export", "root-token", nil)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "attachment") {
		t.Fatalf("expected attachment disposition, got %q", resp.Header.Get("Content-Disposition"))
	}
	rows, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "ID" || rows[2][0] != "a2" {
		t.Fatalf("unexpected csv %v", rows)
	}
	if store.filter.Limit != audit.MaxLimit {
		t.Fatalf("export must default to the max limit, got %d", store.filter.Limit)
	}

	resp = doRequest(t, srv, http.MethodGet, "/v1/audit/stats", "root-token", nil)
	var stats audit.Stats
	decodeBody(t, resp, &stats)
	if stats.Total != 2 || stats.Success != 1 || stats.SuccessRate != 0.5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDirectorySyncTrigger(t *testing.T) {
	dir := &fakeDirectory{configs: map[string]directory.Config{
		"d1": {ID: "d1", Name: "corp", Enabled: true},
		"d2": {ID: "d2", Name: "legacy", Enabled: false},
	}}
	trigger := &fakeSync{}
	srv := newTestServer(t, Deps{Directory: dir, Sync: trigger})

	var out map[string]any
	resp := doRequest(t, srv, http.MethodPost, "/v1/directory/configs/d1/sync", "root-token", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d", resp.StatusCode)
	}
	decodeBody(t, resp, &out)
	if out["started"] != true {
		t.Fatalf("unexpected response %v", out)
	}

	resp = doRequest(t, srv, http.MethodPost, "/v1/directory/configs/d1/sync", "root-token", nil)
	decodeBody(t, resp, &out)
	if out["already_running"] != true {
		t.Fatalf("second trigger must report a running sync, got %v", out)
	}

	resp = doRequest(t, srv, http.MethodPost, "/v1/directory/configs/d2/sync", "root-token", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("disabled config: expected 422, got %d", resp.StatusCode)
	}

	resp = doRequest(t, srv, http.MethodPost, "/v1/directory/configs/zz/sync", "root-token", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown config: expected 404, got %d", resp.StatusCode)
	}
}
