package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"fabricgate.org/internal/audit"
	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/directory"
	"fabricgate.org/internal/policy"
	"fabricgate.org/internal/upstream"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var principalCols = []string{"id", "username", "email", "display_name", "password_hash", "api_token_hash",
	"active", "superuser", "origin", "external_id", "directory_config_id", "all_clusters", "created_at", "updated_at"}

func TestGetPrincipalHydratesGrants(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select id, username.*from principals where id = ").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(principalCols).
			AddRow("p1", "alice", "alice@example.com", "Alice", "hash", "", true, false, "local", "", "", false, now, now))
	mock.ExpectQuery("from role_operations").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"role_id", "operation"}).
			AddRow("r1", "manage_listFabrics").
			AddRow("r1", "manage_deleteFabric"))
	mock.ExpectQuery("from principal_roles").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"principal_id", "id", "name", "description", "edit_mode", "system", "created_at", "updated_at"}).
			AddRow("p1", "r1", "editor", "", true, false, now, now))
	mock.ExpectQuery("from principal_clusters").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"principal_id", "id", "name"}).AddRow("p1", "c1", "dc1"))

	p, err := s.GetPrincipal(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPrincipal: %v", err)
	}
	if len(p.Roles) != 1 || !p.Roles[0].EditMode || len(p.Roles[0].Operations) != 2 {
		t.Fatalf("unexpected roles %+v", p.Roles)
	}
	if len(p.Clusters) != 1 || p.Clusters[0].Name != "dc1" {
		t.Fatalf("unexpected clusters %+v", p.Clusters)
	}
	expectationsMet(t, mock)
}

func TestGetPrincipalNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from principals where").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	if _, err := s.GetPrincipal(context.Background(), "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestCreatePrincipalConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into principals").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := s.CreatePrincipal(context.Background(), auth.Principal{Username: "alice", PasswordHash: "x"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestSetPrincipalRolesReplacesInTransaction(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select exists").WithArgs("p1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("delete from principal_roles").WithArgs("p1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("insert into principal_roles").WithArgs("p1", "r1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into principal_roles").WithArgs("p1", "r2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update principals set updated_at").WithArgs("p1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SetPrincipalRoles(context.Background(), "p1", []string{"r1", "r2", "r1"}); err != nil {
		t.Fatalf("SetPrincipalRoles: %v", err)
	}
	expectationsMet(t, mock)
}

func TestSetPrincipalClustersUnknownPrincipal(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select exists").WithArgs("ghost").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	if err := s.SetPrincipalClusters(context.Background(), "ghost", []string{"c1"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestUpdatePrincipalBuildsSetClause(t *testing.T) {
	s, mock := newMock(t)
	active := false
	email := "new@example.com"

	mock.ExpectExec(regexp.QuoteMeta("update principals set email = $1, active = $2, updated_at = now() where id = $3")).
		WithArgs(email, false, "p1").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := s.UpdatePrincipal(context.Background(), "p1", auth.PrincipalUpdate{Email: &email, Active: &active})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing row, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestDeleteRoleMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from roles").WithArgs("r9").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeleteRole(context.Background(), "r9"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestUpdateClusterNotFound(t *testing.T) {
	s, mock := newMock(t)
	active := false
	mock.ExpectQuery("update clusters set active = ").WithArgs(false, "c9").WillReturnError(sql.ErrNoRows)

	_, err := s.UpdateCluster(context.Background(), "c9", upstream.ClusterUpdate{Active: &active})
	if !errors.Is(err, upstream.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestSecurityPolicyRoundTrip(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("from security_policy").WillReturnError(sql.ErrNoRows)
	if _, err := s.SecurityPolicy(context.Background()); !errors.Is(err, policy.ErrNoPolicy) {
		t.Fatalf("expected ErrNoPolicy, got %v", err)
	}

	mock.ExpectQuery("insert into security_policy").
		WithArgs("on", `["manage_deleteFabric"]`, `[]`, true).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))
	saved, err := s.SaveSecurityPolicy(context.Background(), policy.Snapshot{
		EditMode:     policy.EditModeOn,
		AllowList:    []string{" manage_deleteFabric", "manage_deleteFabric"},
		AuditLogging: true,
	})
	if err != nil {
		t.Fatalf("SaveSecurityPolicy: %v", err)
	}
	if !saved.UpdatedAt.Equal(now) || len(saved.AllowList) != 1 {
		t.Fatalf("unexpected saved policy %+v", saved)
	}

	mock.ExpectQuery("from security_policy").
		WillReturnRows(sqlmock.NewRows([]string{"edit_mode", "allow_list", "deny_list", "audit_logging", "updated_at"}).
			AddRow("off", `[]`, `["manage_deleteFabric"]`, false, now))
	snap, err := s.SecurityPolicy(context.Background())
	if err != nil {
		t.Fatalf("SecurityPolicy: %v", err)
	}
	if !snap.ReadOnly() || !snap.Blocked("manage_deleteFabric") || snap.AuditLogging {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	expectationsMet(t, mock)
}

var directoryCols = []string{"id", "name", "server_url", "base_dn", "bind_dn", "bind_password_encrypted", "use_ssl",
	"use_starttls", "verify_ssl", "user_search_base", "user_search_filter", "username_attribute", "email_attribute",
	"display_name_attribute", "member_of_attribute", "group_search_base", "group_search_filter", "group_name_attribute",
	"sync_interval_minutes", "auto_create_users", "default_role_id", "enabled", "is_primary", "last_sync_at",
	"last_sync_status", "last_sync_message", "last_sync_created", "last_sync_updated", "created_at", "updated_at"}

func TestCreatePrimaryDirectoryConfigDemotesPrevious(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("update directory_configs set is_primary = false").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into directory_configs").WillReturnRows(sqlmock.NewRows(directoryCols).AddRow(
		"d1", "corp", "ldaps://ldap.example.com", "dc=example,dc=com", "", "sealed", true,
		false, true, "", "(objectClass=person)", "sAMAccountName", "mail",
		"displayName", "memberOf", "", "(objectClass=group)", "cn",
		60, true, "", true, true, nil,
		"", "", 0, 0, now, now))
	mock.ExpectCommit()

	cfg := directory.Config{Name: "corp", ServerURL: "ldaps://ldap.example.com", BaseDN: "dc=example,dc=com", Primary: true, Enabled: true}
	cfg.ApplyDefaults()
	created, err := s.CreateDirectoryConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateDirectoryConfig: %v", err)
	}
	if !created.Primary || created.LastSyncAt != nil {
		t.Fatalf("unexpected config %+v", created)
	}
	expectationsMet(t, mock)
}

func TestSetSyncStatusMissingConfig(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()
	mock.ExpectExec("update directory_configs").WithArgs("d9", at, directory.StatusFailed, "bind failed", 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetSyncStatus(context.Background(), "d9", directory.SyncStatus{At: at, Status: directory.StatusFailed, Message: "bind failed"})
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestCreateGroupMappingCheckViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into directory_group_mappings").WillReturnError(&pgconn.PgError{Code: pgErrCheckViolation})

	_, err := s.CreateGroupMapping(context.Background(), directory.GroupMapping{ConfigID: "d1", GroupDN: "cn=ops"})
	if !errors.Is(err, directory.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestInsertAuditStoresNullPrincipal(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectExec("insert into audit_log").WithArgs("a1", at, nil, "", "manage_listFabrics", nil, "",
		"", "", "denied", "Unauthenticated", nil, "", "", "", "10.0.0.1", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.InsertAudit(context.Background(), audit.Record{
		ID: "a1", At: at, Operation: "manage_listFabrics", Outcome: audit.OutcomeDenied,
		Reason: "Unauthenticated", ClientIP: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("InsertAudit: %v", err)
	}
	expectationsMet(t, mock)
}

var auditCols = []string{"id", "at", "principal_id", "username", "operation", "cluster_id", "cluster_name", "method",
	"path", "outcome", "reason", "status_code", "request_body", "response_body", "error", "client_ip", "duration_ms"}

func TestQueryAuditFilters(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("from audit_log where principal_id = $1 and method = $2 order by at desc, id desc limit $3 offset $4")).
		WithArgs("p1", "GET", audit.DefaultLimit, 0).
		WillReturnRows(sqlmock.NewRows(auditCols).
			AddRow("a2", now, "p1", "alice", "manage_listFabrics", "c1", "dc1", "GET", "/api/v1/manage/fabrics",
				"allowed", "", int64(200), "", "[]", "", "10.0.0.1", int64(12)).
			AddRow("a1", now.Add(-time.Minute), "p1", "alice", "manage_listFabrics", "", "", "GET", "",
				"denied", "ClusterAccessDenied", nil, "", "", "", "10.0.0.1", int64(0)))

	recs, err := s.QueryAudit(context.Background(), audit.Filter{PrincipalID: "p1", Method: "get"})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].StatusCode == nil || *recs[0].StatusCode != 200 || recs[1].StatusCode != nil {
		t.Fatalf("unexpected status codes %+v %+v", recs[0].StatusCode, recs[1].StatusCode)
	}
	if recs[1].Outcome != audit.OutcomeDenied {
		t.Fatalf("unexpected outcome %q", recs[1].Outcome)
	}
	expectationsMet(t, mock)
}

func TestAuditStatsAggregates(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("select outcome, method, status_code, count.*from audit_log group by").
		WillReturnRows(sqlmock.NewRows([]string{"outcome", "method", "status_code", "count"}).
			AddRow("allowed", "GET", int64(200), 6).
			AddRow("upstream_error", "DELETE", int64(500), 1).
			AddRow("denied", "", nil, 1))

	stats, err := s.AuditStats(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatalf("AuditStats: %v", err)
	}
	if stats.Total != 8 || stats.Success != 6 || stats.Errors != 1 || stats.Denied != 1 {
		t.Fatalf("unexpected totals %+v", stats)
	}
	if stats.ByMethod["GET"] != 6 || stats.ByStatus["none"] != 1 || stats.ByStatus["500"] != 1 {
		t.Fatalf("unexpected breakdown %+v", stats)
	}
	if stats.SuccessRate != 0.75 {
		t.Fatalf("unexpected success rate %v", stats.SuccessRate)
	}
	expectationsMet(t, mock)
}

func TestNilDatabase(t *testing.T) {
	t.Parallel()
	s := &Store{}
	if _, err := s.ListPrincipals(context.Background()); !errors.Is(err, errNoDB) {
		t.Fatalf("expected errNoDB, got %v", err)
	}
	if err := s.InsertAudit(context.Background(), audit.Record{}); !errors.Is(err, errNoDB) {
		t.Fatalf("expected errNoDB, got %v", err)
	}
}

type passthroughConverter struct{}

func (passthroughConverter) ConvertValue(v any) (driver.Value, error) { return v, nil }

type textArray []string

func (a textArray) Match(v driver.Value) bool {
	got, ok := v.([]string)
	return ok && reflect.DeepEqual(got, []string(a))
}

func TestPruneRoleOperationsKeepsRegistered(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthroughConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := New(db)

	registered := []string{"manage_listFabrics", "manage_createFabric"}
	mock.ExpectExec(regexp.QuoteMeta(`delete from role_operations where operation <> all($1)`)).
		WithArgs(textArray(registered)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.PruneRoleOperations(context.Background(), registered)
	if err != nil {
		t.Fatalf("PruneRoleOperations: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned grants, got %d", n)
	}
	expectationsMet(t, mock)
}

func TestPruneRoleOperationsIgnoresEmptyCatalog(t *testing.T) {
	s, mock := newMock(t)

	n, err := s.PruneRoleOperations(context.Background(), nil)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op, got %d / %v", n, err)
	}
	expectationsMet(t, mock)
}
