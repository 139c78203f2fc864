package audit

import (
	"context"
	"errors"
	"strings"

	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an admin audit line (role, cluster, policy and directory
// edits) enriched with request and principal context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}

	ev := obs.Logger().Info().Str("type", "audit").Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		ev = ev.Str("principal_id", p.ID).Str("username", p.Username)
	}
	if ip := auth.ClientIPFromContext(ctx); ip != "" {
		ev = ev.Str("client_ip", ip)
	}
	ev.Interface("fields", copyFields).Msg("admin_event")
	return nil
}
