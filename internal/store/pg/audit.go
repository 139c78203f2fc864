package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"fabricgate.org/internal/audit"
)

var _ audit.Store = (*Store)(nil)

const auditColumns = `id, at, coalesce(principal_id, ''), username, operation, coalesce(cluster_id, ''), cluster_name,
	method, path, outcome, reason, status_code, request_body, response_body, error, client_ip, duration_ms`

func (s *Store) InsertAudit(ctx context.Context, rec audit.Record) error {
	if s.db == nil {
		return errNoDB
	}
	var status sql.NullInt64
	if rec.StatusCode != nil {
		status = sql.NullInt64{Int64: int64(*rec.StatusCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, at, principal_id, username, operation, cluster_id, cluster_name, method, path,
			outcome, reason, status_code, request_body, response_body, error, client_ip, duration_ms)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, rec.ID, rec.At, nullIfEmpty(rec.PrincipalID), rec.Username, rec.Operation, nullIfEmpty(rec.ClusterID), rec.ClusterName,
		rec.Method, rec.Path, string(rec.Outcome), rec.Reason, status, rec.RequestBody, rec.ResponseBody, rec.Error,
		rec.ClientIP, rec.DurationMS)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		// principal deleted between the call and the write
		_, err = s.db.ExecContext(ctx, `
			insert into audit_log (id, at, principal_id, username, operation, cluster_id, cluster_name, method, path,
				outcome, reason, status_code, request_body, response_body, error, client_ip, duration_ms)
			values ($1, $2, null, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, rec.ID, rec.At, rec.Username, rec.Operation, nullIfEmpty(rec.ClusterID), rec.ClusterName,
			rec.Method, rec.Path, string(rec.Outcome), rec.Reason, status, rec.RequestBody, rec.ResponseBody, rec.Error,
			rec.ClientIP, rec.DurationMS)
	}
	return err
}

// auditWhere renders the filter as a where clause (possibly empty) and its args.
func auditWhere(f audit.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if f.PrincipalID != "" {
		add("principal_id = $%d", f.PrincipalID)
	}
	if f.Operation != "" {
		add("operation = $%d", f.Operation)
	}
	if f.ClusterID != "" {
		add("cluster_id = $%d", f.ClusterID)
	}
	if f.Method != "" {
		add("method = $%d", f.Method)
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if f.StatusMin != nil {
		add("status_code >= $%d", *f.StatusMin)
	}
	if f.StatusMax != nil {
		add("status_code <= $%d", *f.StatusMax)
	}
	if f.Since != nil {
		add("at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("at <= $%d", *f.Until)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " where " + strings.Join(conds, " and "), args
}

// QueryAudit returns matching records, newest first.
func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	f = f.Normalize()
	where, args := auditWhere(f)
	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`select %s from audit_log%s order by at desc, id desc limit $%d offset $%d`,
		auditColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []audit.Record{}
	for rows.Next() {
		var (
			rec     audit.Record
			outcome string
			status  sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.At, &rec.PrincipalID, &rec.Username, &rec.Operation, &rec.ClusterID,
			&rec.ClusterName, &rec.Method, &rec.Path, &outcome, &rec.Reason, &status, &rec.RequestBody,
			&rec.ResponseBody, &rec.Error, &rec.ClientIP, &rec.DurationMS); err != nil {
			return nil, err
		}
		rec.Outcome = audit.Outcome(outcome)
		if status.Valid {
			rec.StatusCode = audit.Status(int(status.Int64))
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AuditStats aggregates over every matching record; limit and offset are ignored.
func (s *Store) AuditStats(ctx context.Context, f audit.Filter) (audit.Stats, error) {
	if s.db == nil {
		return audit.Stats{}, errNoDB
	}
	where, args := auditWhere(f.Normalize())
	stats := audit.Stats{ByMethod: map[string]int{}, ByStatus: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, `select outcome, method, status_code, count(*) from audit_log`+where+
		` group by outcome, method, status_code`, args...)
	if err != nil {
		return audit.Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			outcome, method string
			status          sql.NullInt64
			n               int
		)
		if err := rows.Scan(&outcome, &method, &status, &n); err != nil {
			return audit.Stats{}, err
		}
		stats.Total += n
		switch audit.Outcome(outcome) {
		case audit.OutcomeAllowed:
			stats.Success += n
		case audit.OutcomeDenied:
			stats.Denied += n
		default:
			stats.Errors += n
		}
		if method != "" {
			stats.ByMethod[method] += n
		}
		key := "none"
		if status.Valid {
			key = strconv.FormatInt(status.Int64, 10)
		}
		stats.ByStatus[key] += n
	}
	if err := rows.Err(); err != nil {
		return audit.Stats{}, err
	}
	stats.Finish()
	return stats, nil
}
