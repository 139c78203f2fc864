package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fabricgate.org/internal/audit"
)

const streamKeepAlive = 25 * time.Second

func (a *API) auditRoutes(r chi.Router) {
	r.Get("/v1/audit", a.queryAudit)
	r.Get("/v1/audit/export", a.exportAudit)
	r.Get("/v1/audit/stats", a.auditStats)
	r.Get("/v1/audit/stream", a.streamAudit)
}

// parseAuditFilter reads the audit query string. Times are RFC 3339.
func parseAuditFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		PrincipalID: q.Get("principal_id"),
		Operation:   q.Get("operation"),
		ClusterID:   q.Get("cluster_id"),
		Method:      q.Get("method"),
		Outcome:     audit.Outcome(q.Get("outcome")),
	}
	switch f.Outcome {
	case "", audit.OutcomeAllowed, audit.OutcomeDenied, audit.OutcomeUpstreamError:
	default:
		return f, fmt.Errorf("invalid outcome %q", f.Outcome)
	}

	ints := []struct {
		key string
		dst **int
	}{{"status_min", &f.StatusMin}, {"status_max", &f.StatusMax}}
	for _, it := range ints {
		if v := q.Get(it.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return f, fmt.Errorf("invalid %s", it.key)
			}
			*it.dst = &n
		}
	}
	times := []struct {
		key string
		dst **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}}
	for _, it := range times {
		if v := q.Get(it.key); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("invalid %s: expected RFC 3339", it.key)
			}
			ts = ts.UTC()
			*it.dst = &ts
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset")
		}
		f.Offset = n
	}
	return f.Normalize(), nil
}

func (a *API) queryAudit(w http.ResponseWriter, r *http.Request) {
	if a.deps.Audit == nil {
		unavailable(w, r, "audit")
		return
	}
	f, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	records, err := a.deps.Audit.QueryAudit(r.Context(), f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  nonNil(records),
		"count":  len(records),
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (a *API) exportAudit(w http.ResponseWriter, r *http.Request) {
	if a.deps.Audit == nil {
		unavailable(w, r, "audit")
		return
	}
	f, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.Query().Get("limit") == "" {
		f.Limit = audit.MaxLimit
	}
	records, err := a.deps.Audit.QueryAudit(r.Context(), f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	name := fmt.Sprintf("audit-%s.csv", time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	if err := audit.WriteCSV(w, records); err != nil {
		logRequestError(r, err, "audit export interrupted")
	}
}

func (a *API) auditStats(w http.ResponseWriter, r *http.Request) {
	if a.deps.Audit == nil {
		unavailable(w, r, "audit")
		return
	}
	f, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := a.deps.Audit.AuditStats(r.Context(), f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// streamAudit relays newly written records as server-sent events.
func (a *API) streamAudit(w http.ResponseWriter, r *http.Request) {
	if a.deps.Tail == nil {
		unavailable(w, r, "audit stream")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	ch := a.deps.Tail.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case rec, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %s\nevent: audit\ndata: %s\n\n", rec.ID, payload)
			flusher.Flush()
		}
	}
}
