package pg

import (
	"context"
	"database/sql"
	"errors"

	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/ids"
)

func (s *Store) roleOperations(ctx context.Context, principalID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select ro.role_id, ro.operation
		from role_operations ro
		where ($1 = '' or ro.role_id in (select role_id from principal_roles where principal_id = $1))
		order by ro.role_id, ro.operation
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var roleID, op string
		if err := rows.Scan(&roleID, &op); err != nil {
			return nil, err
		}
		out[roleID] = append(out[roleID], op)
	}
	return out, rows.Err()
}

func (s *Store) CreateRole(ctx context.Context, r auth.Role) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var created auth.Role
	err = tx.QueryRowContext(ctx, `
		insert into roles (id, name, description, edit_mode, system)
		values ($1, $2, $3, $4, $5)
		returning id, name, description, edit_mode, system, created_at, updated_at
	`, r.ID, r.Name, r.Description, r.EditMode, r.System).Scan(
		&created.ID, &created.Name, &created.Description, &created.EditMode, &created.System, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return auth.Role{}, constraintErr(err, auth.ErrConflict, auth.ErrNotFound, auth.ErrInvalidInput)
	}
	for _, op := range r.Operations {
		if _, err := tx.ExecContext(ctx, `insert into role_operations (role_id, operation) values ($1, $2) on conflict do nothing`, created.ID, op); err != nil {
			return auth.Role{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return auth.Role{}, err
	}
	created.Operations = append([]string(nil), r.Operations...)
	return created, nil
}

func (s *Store) GetRole(ctx context.Context, id string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var r auth.Role
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, edit_mode, system, created_at, updated_at
		from roles where id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Description, &r.EditMode, &r.System, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Role{}, err
	}
	rows, err := s.db.QueryContext(ctx, `select operation from role_operations where role_id = $1 order by operation`, id)
	if err != nil {
		return auth.Role{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var op string
		if err := rows.Scan(&op); err != nil {
			return auth.Role{}, err
		}
		r.Operations = append(r.Operations, op)
	}
	return r, rows.Err()
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	ops, err := s.roleOperations(ctx, "")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, edit_mode, system, created_at, updated_at
		from roles order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Role
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.EditMode, &r.System, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Operations = ops[r.ID]
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRole(ctx context.Context, id string, upd auth.RoleUpdate) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var b setBuilder
	if upd.Name != nil {
		b.add("name", *upd.Name)
	}
	if upd.Description != nil {
		b.add("description", *upd.Description)
	}
	if upd.EditMode != nil {
		b.add("edit_mode", *upd.EditMode)
	}
	if !b.empty() {
		query, args := b.sql("roles", id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return auth.Role{}, constraintErr(err, auth.ErrConflict, auth.ErrNotFound, auth.ErrInvalidInput)
		}
		if err := affected(res, auth.ErrNotFound); err != nil {
			return auth.Role{}, err
		}
	}
	return s.GetRole(ctx, id)
}

// DeleteRole removes the role; principal role sets and mappings cascade.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return err
	}
	return affected(res, auth.ErrNotFound)
}

func (s *Store) SetRoleOperations(ctx context.Context, id string, operations []string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, id)
	if err != nil {
		return err
	}
	if err := affected(res, auth.ErrNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_operations where role_id = $1`, id); err != nil {
		return err
	}
	for _, op := range operations {
		if _, err := tx.ExecContext(ctx, `insert into role_operations (role_id, operation) values ($1, $2) on conflict do nothing`, id, op); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PruneRoleOperations drops every grant whose operation is not in registered.
// An empty list is ignored so an empty catalog never wipes every grant.
func (s *Store) PruneRoleOperations(ctx context.Context, registered []string) (int64, error) {
	if len(registered) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `delete from role_operations where operation <> all($1)`, registered)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
