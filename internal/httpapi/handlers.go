package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"fabricgate.org/internal/obs"
)

const (
	serviceName     = "fabricgate"
	maxRequestBytes = 1 << 20
)

// ReadyProbe checks the dependencies a replica needs before taking traffic.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Options tunes the HTTP surface.
type Options struct {
	Version           string
	RateBurst         int
	RatePerSecond     int
	AllowedOrigins    []string
	TrustForwardedFor bool
}

// API is the HTTP layer: tool invocation, JSON-RPC, admin and audit surfaces.
type API struct {
	deps   Deps
	opts   Options
	router chi.Router
}

func New(deps Deps, opts Options) *API {
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	a := &API{deps: deps, opts: opts}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		RequestID,
		ClientIP(a.opts.TrustForwardedFor),
		Logging,
		SecurityHeaders,
		CORS(a.opts.AllowedOrigins),
		MaxBodyBytes(maxRequestBytes),
		RateLimit(a.opts.RateBurst, a.opts.RatePerSecond),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())
	r.Post("/v1/auth/token", a.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		r.Get("/v1/auth/me", a.handleMe)
		r.Get("/v1/tools", a.handleListTools)
		r.Post("/v1/tools/{name}/invoke", a.handleInvoke)
		r.Post("/mcp/message", a.handleRPC)
		r.Get("/v1/security", a.handleGetSecurity)

		r.Group(func(r chi.Router) {
			r.Use(requireSuperuser)
			a.adminRoutes(r)
			a.directoryRoutes(r)
			a.auditRoutes(r)
			r.Post("/v1/registry/reload", a.handleRegistryReload)
		})
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		if err := a.deps.Ready.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	}
	if a.deps.Gateway != nil {
		info["tools"] = len(a.deps.Gateway.ListTools())
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func unavailable(w http.ResponseWriter, r *http.Request, what string) {
	writeError(w, r, http.StatusServiceUnavailable, what+" unavailable")
}

func logRequestError(r *http.Request, err error, msg string) {
	obs.Logger().Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).
		Str("path", r.URL.Path).Msg(msg)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
