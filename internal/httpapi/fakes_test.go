package httpapi

import (
	"context"
	"sync"

	"fabricgate.org/internal/audit"
	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/directory"
	"fabricgate.org/internal/gateway"
	"fabricgate.org/internal/policy"
	"fabricgate.org/internal/registry"
)

var (
	rootPrincipal  = auth.Principal{ID: "p-root", Username: "root", Active: true, Superuser: true}
	alicePrincipal = auth.Principal{ID: "p-alice", Username: "alice", Active: true}
)

type fakeAuth struct {
	tokens map[string]auth.Principal
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{tokens: map[string]auth.Principal{
		"root-token":  rootPrincipal,
		"alice-token": alicePrincipal,
	}}
}

func (f *fakeAuth) AuthenticateToken(_ context.Context, token string) (auth.Principal, error) {
	if token == "inactive-token" {
		return auth.Principal{}, auth.ErrInactive
	}
	p, ok := f.tokens[token]
	if !ok {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return p, nil
}

func (f *fakeAuth) Login(_ context.Context, username, password string) (auth.Principal, string, error) {
	if username == "" || password == "" {
		return auth.Principal{}, "", auth.ErrInvalidInput
	}
	if username == "alice" && password == "s3cret" {
		return alicePrincipal, "alice-token", nil
	}
	return auth.Principal{}, "", auth.ErrUnauthorized
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []gateway.Call
	res   gateway.Result
	err   error
	tools []registry.ToolSpec
}

func (f *fakeInvoker) Invoke(_ context.Context, call gateway.Call) (gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.res, f.err
}

func (f *fakeInvoker) ListTools() []registry.ToolSpec { return f.tools }

func (f *fakeInvoker) lastCall() gateway.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return gateway.Call{}
	}
	return f.calls[len(f.calls)-1]
}

// fakeAccess implements only what the tests touch; other methods panic.
type fakeAccess struct {
	AccessAdmin
	principals []auth.Principal
	createErr  error
	roles      map[string][]string
}

func (f *fakeAccess) ListPrincipals(context.Context) ([]auth.Principal, error) {
	return f.principals, nil
}

func (f *fakeAccess) CreatePrincipal(_ context.Context, in auth.NewPrincipal) (auth.Principal, error) {
	if f.createErr != nil {
		return auth.Principal{}, f.createErr
	}
	p := auth.Principal{ID: "p-new", Username: in.Username, Active: true, Superuser: in.Superuser}
	f.principals = append(f.principals, p)
	return p, nil
}

func (f *fakeAccess) GetPrincipal(_ context.Context, id string) (auth.Principal, error) {
	for _, p := range f.principals {
		if p.ID == id {
			for _, roleID := range f.roles[id] {
				p.Roles = append(p.Roles, auth.Role{ID: roleID})
			}
			return p, nil
		}
	}
	return auth.Principal{}, auth.ErrNotFound
}

func (f *fakeAccess) SetPrincipalRoles(_ context.Context, id string, roleIDs []string) error {
	if f.roles == nil {
		f.roles = map[string][]string{}
	}
	f.roles[id] = roleIDs
	return nil
}

type fakePolicy struct {
	snap    policy.Snapshot
	reloads int
}

func (f *fakePolicy) Current(context.Context) (policy.Snapshot, error) { return f.snap, nil }

func (f *fakePolicy) Reload(context.Context) (policy.Snapshot, error) {
	f.reloads++
	return f.snap, nil
}

func (f *fakePolicy) SecurityPolicy(context.Context) (policy.Snapshot, error) { return f.snap, nil }

func (f *fakePolicy) SaveSecurityPolicy(_ context.Context, snap policy.Snapshot) (policy.Snapshot, error) {
	f.snap = snap.Normalize()
	return f.snap, nil
}

type fakeAudit struct {
	records []audit.Record
	filter  audit.Filter
}

func (f *fakeAudit) QueryAudit(_ context.Context, filter audit.Filter) ([]audit.Record, error) {
	f.filter = filter
	return f.records, nil
}

func (f *fakeAudit) AuditStats(_ context.Context, filter audit.Filter) (audit.Stats, error) {
	f.filter = filter
	s := audit.Stats{Total: len(f.records)}
	for _, r := range f.records {
		if r.Outcome == audit.OutcomeAllowed {
			s.Success++
		}
	}
	s.Finish()
	return s, nil
}

type fakeDirectory struct {
	DirectoryAdmin
	configs map[string]directory.Config
}

func (f *fakeDirectory) Get(_ context.Context, id string) (directory.Config, error) {
	cfg, ok := f.configs[id]
	if !ok {
		return directory.Config{}, directory.ErrNotFound
	}
	return cfg, nil
}

type fakeSync struct {
	running map[string]bool
}

func (f *fakeSync) Trigger(id string) bool {
	if f.running[id] {
		return false
	}
	if f.running == nil {
		f.running = map[string]bool{}
	}
	f.running[id] = true
	return true
}
