package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"fabricgate.org/internal/audit"
	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/obs"
	"fabricgate.org/internal/policy"
	"fabricgate.org/internal/registry"
	"fabricgate.org/internal/upstream"
)

// BodyArgument is the argument carrying the JSON request body.
const BodyArgument = "body"

// Catalog resolves operations.
type Catalog interface {
	Resolve(name string) (*registry.Operation, error)
	Snapshot() *registry.Snapshot
}

// Principals resolves the caller.
type Principals interface {
	ResolvePrincipal(ctx context.Context, id string) (auth.Principal, error)
	AuthenticateToken(ctx context.Context, token string) (auth.Principal, error)
}

// Policies supplies the current security policy.
type Policies interface {
	Current(ctx context.Context) (policy.Snapshot, error)
}

// Clusters finds a cluster by id or name.
type Clusters interface {
	Lookup(ctx context.Context, ref string) (upstream.Cluster, error)
}

// Executor performs upstream calls.
type Executor interface {
	Execute(ctx context.Context, cluster upstream.Cluster, req upstream.Request) (upstream.Response, error)
}

// Auditor records invocation outcomes.
type Auditor interface {
	Record(ctx context.Context, rec audit.Record)
}

// Overrides supplies operator-written tool description overrides.
type Overrides interface {
	ToolOverride(name string) (registry.ToolOverride, bool)
}

// Call is one invocation request. Either PrincipalID or Token identifies the caller.
type Call struct {
	PrincipalID string
	Token       string
	Operation   string
	Arguments   map[string]any
	ClientIP    string
}

// Result is a successful upstream reply.
type Result struct {
	Operation  string          `json:"operation"`
	Cluster    string          `json:"cluster"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	DurationMS int64           `json:"duration_ms"`
}

// Gateway resolves, authorizes, executes and audits tool invocations.
type Gateway struct {
	catalog        Catalog
	principals     Principals
	policies       Policies
	clusters       Clusters
	executor       Executor
	auditor        Auditor
	overrides      Overrides
	defaultCluster string
	now            func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDefaultCluster names the cluster used when a call does not name one.
func WithDefaultCluster(ref string) Option {
	return func(g *Gateway) { g.defaultCluster = strings.TrimSpace(ref) }
}

// WithOverrides enriches listed tool descriptions.
func WithOverrides(o Overrides) Option {
	return func(g *Gateway) { g.overrides = o }
}

func New(catalog Catalog, principals Principals, policies Policies, clusters Clusters, executor Executor, auditor Auditor, opts ...Option) (*Gateway, error) {
	if catalog == nil || principals == nil || policies == nil || clusters == nil || executor == nil || auditor == nil {
		return nil, errors.New("gateway dependencies are required")
	}
	g := &Gateway{
		catalog:    catalog,
		principals: principals,
		policies:   policies,
		clusters:   clusters,
		executor:   executor,
		auditor:    auditor,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ListTools returns the tool descriptors of the current registry snapshot.
func (g *Gateway) ListTools() []registry.ToolSpec {
	ops := g.catalog.Snapshot().Operations()
	out := make([]registry.ToolSpec, 0, len(ops))
	for _, op := range ops {
		spec := registry.Tool(op)
		if g.overrides != nil {
			if o, ok := g.overrides.ToolOverride(op.Name); ok {
				spec = o.Apply(spec)
			}
		}
		out = append(out, spec)
	}
	return out
}

// Invoke runs one call. Every call, whatever its outcome, is audited exactly once.
func (g *Gateway) Invoke(ctx context.Context, call Call) (Result, error) {
	started := g.now()
	if call.ClientIP != "" {
		ctx = auth.ContextWithClientIP(ctx, call.ClientIP)
	}
	rec := audit.Record{Operation: call.Operation, ClientIP: call.ClientIP}
	snap := g.policy(ctx)

	finish := func(outcome audit.Outcome, err error) {
		rec.Outcome = outcome
		rec.DurationMS = g.now().Sub(started).Milliseconds()
		if err != nil {
			rec.Error = err.Error()
		}
		if !snap.AuditLogging {
			rec.RequestBody, rec.ResponseBody = "", ""
		}
		g.auditor.Record(ctx, rec)
	}
	deny := func(e *Error) (Result, error) {
		rec.Reason = e.Reason
		obs.ObserveDenial(e.Reason)
		finish(audit.OutcomeDenied, e)
		return Result{}, e
	}

	op, opErr := g.catalog.Resolve(call.Operation)
	if opErr == nil {
		rec.Method = op.Method
	}

	principal, err := g.caller(ctx, call)
	if err != nil {
		return deny(&Error{Code: CodeUnauthenticated, Reason: ReasonUnauthenticated, Message: "authentication required", Status: http.StatusUnauthorized, Err: err})
	}
	rec.PrincipalID = principal.ID
	rec.Username = principal.Username

	if opErr != nil {
		return deny(&Error{Code: CodeNotFound, Reason: ReasonNotFound, Message: fmt.Sprintf("unknown operation %q", call.Operation), Status: http.StatusNotFound, Err: opErr})
	}

	target, hasTarget := policy.ExtractCluster(call.Arguments)

	decision := policy.Decide(policy.Input{Principal: principal, Operation: op, TargetCluster: target, HasTarget: hasTarget}, snap)
	if !decision.Allowed {
		var de *policy.DeniedError
		errors.As(decision.Err(), &de)
		return deny(denied(de))
	}

	req, err := BuildRequest(op, call.Arguments)
	if err != nil {
		return deny(&Error{Code: CodeInvalidArguments, Reason: ReasonInvalidArgs, Message: err.Error(), Status: http.StatusBadRequest, Err: err})
	}
	rec.Path = req.Path
	rec.RequestBody = audit.Truncate(req.Body)

	ref := target
	if !hasTarget {
		ref = g.defaultCluster
	}
	if ref == "" {
		return deny(&Error{Code: CodeInvalidArguments, Reason: ReasonInvalidArgs, Message: "no cluster given and no default cluster configured", Status: http.StatusBadRequest})
	}
	cluster, err := g.clusters.Lookup(ctx, ref)
	if err != nil {
		e := &Error{Code: CodeClusterNotFound, Message: fmt.Sprintf("cluster %q not found", ref), Status: http.StatusNotFound, Err: err}
		if !errors.Is(err, upstream.ErrNotFound) {
			e = &Error{Code: CodeInternal, Message: "cluster lookup failed", Status: http.StatusInternalServerError, Err: err}
		}
		obs.ObserveInvocation(op.Namespace, string(audit.OutcomeUpstreamError))
		finish(audit.OutcomeUpstreamError, e)
		return Result{}, e
	}
	rec.ClusterID = cluster.ID
	rec.ClusterName = cluster.Name

	resp, err := g.executor.Execute(ctx, cluster, req)
	if resp.StatusCode != 0 {
		rec.StatusCode = audit.Status(resp.StatusCode)
		rec.ResponseBody = audit.Truncate(resp.Body)
	}
	if err != nil {
		e := upstreamError(err)
		obs.ObserveInvocation(op.Namespace, string(audit.OutcomeUpstreamError))
		obs.Logger().Warn().Err(err).Str("operation", op.Name).Str("cluster", cluster.Name).
			Str("principal", principal.Username).Msg("invocation failed upstream")
		finish(audit.OutcomeUpstreamError, e)
		return Result{}, e
	}

	obs.ObserveInvocation(op.Namespace, string(audit.OutcomeAllowed))
	finish(audit.OutcomeAllowed, nil)
	return Result{
		Operation:  op.Name,
		Cluster:    cluster.Name,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		DurationMS: resp.Duration.Milliseconds(),
	}, nil
}

func (g *Gateway) policy(ctx context.Context) policy.Snapshot {
	snap, err := g.policies.Current(ctx)
	if err != nil {
		obs.Logger().Warn().Err(err).Msg("security policy unavailable, using read-only default")
		return policy.Default()
	}
	return snap
}

func (g *Gateway) caller(ctx context.Context, call Call) (auth.Principal, error) {
	if id := strings.TrimSpace(call.PrincipalID); id != "" {
		return g.principals.ResolvePrincipal(ctx, id)
	}
	if tok := strings.TrimSpace(call.Token); tok != "" {
		return g.principals.AuthenticateToken(ctx, tok)
	}
	return auth.Principal{}, auth.ErrUnauthorized
}

// BuildRequest maps tool arguments onto an upstream request: path parameters
// are substituted, the body argument becomes the JSON body, cluster aliases are
// dropped and every other argument becomes a query parameter.
func BuildRequest(op *registry.Operation, args map[string]any) (upstream.Request, error) {
	used := map[string]struct{}{BodyArgument: {}}
	path := op.FullPath()
	for _, name := range op.PathParams() {
		v, ok := args[name]
		s := ""
		if ok && v != nil {
			s = strings.TrimSpace(fmt.Sprint(v))
		}
		if s == "" {
			return upstream.Request{}, fmt.Errorf("missing path parameter %q", name)
		}
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(s))
		used[name] = struct{}{}
	}

	query := url.Values{}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, skip := used[k]; skip || policy.IsClusterAlias(k) {
			continue
		}
		switch v := args[k].(type) {
		case nil:
		case []any:
			for _, item := range v {
				query.Add(k, fmt.Sprint(item))
			}
		case []string:
			for _, item := range v {
				query.Add(k, item)
			}
		default:
			query.Set(k, fmt.Sprint(v))
		}
	}

	req := upstream.Request{Method: op.Method, Path: path, Query: query}
	if body, ok := args[BodyArgument]; ok && body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return upstream.Request{}, fmt.Errorf("encode body: %w", err)
		}
		req.Body = data
	}
	return req, nil
}
