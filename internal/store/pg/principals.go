package pg

import (
	"context"
	"database/sql"
	"errors"

	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/ids"
)

var _ auth.Store = (*Store)(nil)

const principalColumns = `id, username, email, display_name, password_hash, coalesce(api_token_hash, ''),
	active, superuser, origin, coalesce(external_id, ''), coalesce(directory_config_id, ''), all_clusters,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row scanner) (auth.Principal, error) {
	var p auth.Principal
	err := row.Scan(&p.ID, &p.Username, &p.Email, &p.DisplayName, &p.PasswordHash, &p.APITokenHash,
		&p.Active, &p.Superuser, &p.Origin, &p.ExternalID, &p.DirectoryConfigID, &p.AllClusters,
		&p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) principalWhere(ctx context.Context, where string, arg any) (auth.Principal, error) {
	if s.db == nil {
		return auth.Principal{}, errNoDB
	}
	p, err := scanPrincipal(s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Principal{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Principal{}, err
	}
	out := []auth.Principal{p}
	if err := s.attachGrants(ctx, out, p.ID); err != nil {
		return auth.Principal{}, err
	}
	return out[0], nil
}

func (s *Store) GetPrincipal(ctx context.Context, id string) (auth.Principal, error) {
	return s.principalWhere(ctx, `id = $1`, id)
}

func (s *Store) PrincipalByUsername(ctx context.Context, username string) (auth.Principal, error) {
	return s.principalWhere(ctx, `lower(username) = lower($1)`, username)
}

func (s *Store) PrincipalByAPITokenHash(ctx context.Context, hash string) (auth.Principal, error) {
	return s.principalWhere(ctx, `api_token_hash = $1`, hash)
}

// PrincipalByExternalID looks a principal up by directory DN.
func (s *Store) PrincipalByExternalID(ctx context.Context, externalID string) (auth.Principal, error) {
	return s.principalWhere(ctx, `lower(external_id) = lower($1)`, externalID)
}

func (s *Store) ListPrincipals(ctx context.Context) ([]auth.Principal, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+principalColumns+` from principals order by username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachGrants(ctx, out, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// attachGrants fills roles (with their operations) and cluster refs. An empty
// principalID loads grants of every principal.
func (s *Store) attachGrants(ctx context.Context, principals []auth.Principal, principalID string) error {
	if len(principals) == 0 {
		return nil
	}
	ops, err := s.roleOperations(ctx, principalID)
	if err != nil {
		return err
	}

	roles := map[string][]auth.Role{}
	rows, err := s.db.QueryContext(ctx, `
		select pr.principal_id, r.id, r.name, r.description, r.edit_mode, r.system, r.created_at, r.updated_at
		from principal_roles pr
		join roles r on r.id = pr.role_id
		where ($1 = '' or pr.principal_id = $1)
		order by r.name
	`, principalID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var owner string
		var r auth.Role
		if err := rows.Scan(&owner, &r.ID, &r.Name, &r.Description, &r.EditMode, &r.System, &r.CreatedAt, &r.UpdatedAt); err != nil {
			rows.Close()
			return err
		}
		r.Operations = ops[r.ID]
		roles[owner] = append(roles[owner], r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	clusters := map[string][]auth.ClusterRef{}
	rows, err = s.db.QueryContext(ctx, `
		select pc.principal_id, c.id, c.name
		from principal_clusters pc
		join clusters c on c.id = pc.cluster_id
		where ($1 = '' or pc.principal_id = $1)
		order by c.name
	`, principalID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var owner string
		var c auth.ClusterRef
		if err := rows.Scan(&owner, &c.ID, &c.Name); err != nil {
			return err
		}
		clusters[owner] = append(clusters[owner], c)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range principals {
		principals[i].Roles = roles[principals[i].ID]
		principals[i].Clusters = clusters[principals[i].ID]
	}
	return nil
}

func (s *Store) CreatePrincipal(ctx context.Context, p auth.Principal) (auth.Principal, error) {
	if s.db == nil {
		return auth.Principal{}, errNoDB
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.Origin == "" {
		p.Origin = auth.OriginLocal
	}
	created, err := scanPrincipal(s.db.QueryRowContext(ctx, `
		insert into principals (id, username, email, display_name, password_hash, active, superuser,
			origin, external_id, directory_config_id, all_clusters)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		returning `+principalColumns,
		p.ID, p.Username, p.Email, p.DisplayName, p.PasswordHash, p.Active, p.Superuser,
		p.Origin, nullIfEmpty(p.ExternalID), nullIfEmpty(p.DirectoryConfigID), p.AllClusters))
	if err != nil {
		return auth.Principal{}, constraintErr(err, auth.ErrConflict, auth.ErrNotFound, auth.ErrInvalidInput)
	}
	return created, nil
}

func (s *Store) UpdatePrincipal(ctx context.Context, id string, upd auth.PrincipalUpdate) (auth.Principal, error) {
	if s.db == nil {
		return auth.Principal{}, errNoDB
	}
	var b setBuilder
	if upd.Email != nil {
		b.add("email", *upd.Email)
	}
	if upd.DisplayName != nil {
		b.add("display_name", *upd.DisplayName)
	}
	if upd.PasswordHash != nil {
		b.add("password_hash", *upd.PasswordHash)
	}
	if upd.Active != nil {
		b.add("active", *upd.Active)
	}
	if upd.Superuser != nil {
		b.add("superuser", *upd.Superuser)
	}
	if upd.AllClusters != nil {
		b.add("all_clusters", *upd.AllClusters)
	}
	if upd.ExternalID != nil {
		b.add("external_id", nullIfEmpty(*upd.ExternalID))
	}
	if upd.DirectoryConfigID != nil {
		b.add("directory_config_id", nullIfEmpty(*upd.DirectoryConfigID))
	}
	if !b.empty() {
		query, args := b.sql("principals", id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return auth.Principal{}, constraintErr(err, auth.ErrConflict, auth.ErrNotFound, auth.ErrInvalidInput)
		}
		if err := affected(res, auth.ErrNotFound); err != nil {
			return auth.Principal{}, err
		}
	}
	return s.GetPrincipal(ctx, id)
}

func (s *Store) SetAPITokenHash(ctx context.Context, id, hash string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update principals set api_token_hash = $1, updated_at = now() where id = $2`, nullIfEmpty(hash), id)
	if err != nil {
		return constraintErr(err, auth.ErrConflict, auth.ErrNotFound, auth.ErrInvalidInput)
	}
	return affected(res, auth.ErrNotFound)
}

func (s *Store) SetPrincipalRoles(ctx context.Context, id string, roleIDs []string) error {
	return s.replaceSet(ctx, id, roleIDs, `delete from principal_roles where principal_id = $1`,
		`insert into principal_roles (principal_id, role_id) values ($1, $2)`)
}

func (s *Store) SetPrincipalClusters(ctx context.Context, id string, clusterIDs []string) error {
	return s.replaceSet(ctx, id, clusterIDs, `delete from principal_clusters where principal_id = $1`,
		`insert into principal_clusters (principal_id, cluster_id) values ($1, $2)`)
}

// replaceSet swaps a principal's association rows in one transaction.
func (s *Store) replaceSet(ctx context.Context, principalID string, values []string, deleteSQL, insertSQL string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from principals where id = $1)`, principalID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, deleteSQL, principalID); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		if _, err := tx.ExecContext(ctx, insertSQL, principalID, v); err != nil {
			return constraintErr(err, auth.ErrConflict, auth.ErrNotFound, auth.ErrInvalidInput)
		}
	}
	if _, err := tx.ExecContext(ctx, `update principals set updated_at = now() where id = $1`, principalID); err != nil {
		return err
	}
	return tx.Commit()
}
