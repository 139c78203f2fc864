package audit

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// Outcome classifies an invocation attempt.
type Outcome string

const (
	OutcomeAllowed       Outcome = "allowed"
	OutcomeDenied        Outcome = "denied"
	OutcomeUpstreamError Outcome = "upstream_error"
)

// MaxBodyBytes caps stored request and response bodies.
const MaxBodyBytes = 4096

const truncatedMarker = "...[truncated]"

// Record is one immutable audit entry.
type Record struct {
	ID           string    `json:"id"`
	At           time.Time `json:"timestamp"`
	PrincipalID  string    `json:"principal_id,omitempty"`
	Username     string    `json:"username,omitempty"`
	Operation    string    `json:"operation"`
	ClusterID    string    `json:"cluster_id,omitempty"`
	ClusterName  string    `json:"cluster_name,omitempty"`
	Method       string    `json:"method,omitempty"`
	Path         string    `json:"path,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	StatusCode   *int      `json:"status_code"`
	RequestBody  string    `json:"request_body,omitempty"`
	ResponseBody string    `json:"response_body,omitempty"`
	Error        string    `json:"error,omitempty"`
	ClientIP     string    `json:"client_ip,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
}

// Truncate returns body as text, cut to MaxBodyBytes on a rune boundary.
func Truncate(body []byte) string {
	if len(body) <= MaxBodyBytes {
		return string(body)
	}
	cut := MaxBodyBytes
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + truncatedMarker
}

// Status returns a pointer to code, for records that reached the upstream.
func Status(code int) *int { return &code }

// Filter narrows audit queries. Zero values match everything.
type Filter struct {
	PrincipalID string
	Operation   string
	ClusterID   string
	Method      string
	Outcome     Outcome
	StatusMin   *int
	StatusMax   *int
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Normalize trims and bounds the filter.
func (f Filter) Normalize() Filter {
	f.PrincipalID = strings.TrimSpace(f.PrincipalID)
	f.Operation = strings.TrimSpace(f.Operation)
	f.ClusterID = strings.TrimSpace(f.ClusterID)
	f.Method = strings.ToUpper(strings.TrimSpace(f.Method))
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Stats aggregates records matching a filter.
type Stats struct {
	Total       int            `json:"total"`
	Success     int            `json:"successful"`
	Errors      int            `json:"failed"`
	Denied      int            `json:"denied"`
	ByMethod    map[string]int `json:"by_method"`
	ByStatus    map[string]int `json:"by_status"`
	SuccessRate float64        `json:"success_rate"`
}

// Finish computes derived fields.
func (s *Stats) Finish() {
	if s.ByMethod == nil {
		s.ByMethod = map[string]int{}
	}
	if s.ByStatus == nil {
		s.ByStatus = map[string]int{}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Success) / float64(s.Total)
	}
}

// Writer persists records.
type Writer interface {
	InsertAudit(ctx context.Context, rec Record) error
}

// Store is the full audit persistence surface.
type Store interface {
	Writer
	QueryAudit(ctx context.Context, f Filter) ([]Record, error)
	AuditStats(ctx context.Context, f Filter) (Stats, error)
}
