package pg

import (
	"context"
	"database/sql"
	"errors"

	"fabricgate.org/internal/ids"
	"fabricgate.org/internal/upstream"
)

var _ upstream.ClusterStore = (*Store)(nil)

const clusterColumns = `id, name, base_url, username, password_encrypted, verify_ssl, active, created_at, updated_at`

func scanCluster(row scanner) (upstream.Cluster, error) {
	var c upstream.Cluster
	err := row.Scan(&c.ID, &c.Name, &c.BaseURL, &c.Username, &c.PasswordEncrypted, &c.VerifySSL, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *Store) CreateCluster(ctx context.Context, c upstream.Cluster) (upstream.Cluster, error) {
	if s.db == nil {
		return upstream.Cluster{}, errNoDB
	}
	if c.ID == "" {
		c.ID = ids.New()
	}
	created, err := scanCluster(s.db.QueryRowContext(ctx, `
		insert into clusters (id, name, base_url, username, password_encrypted, verify_ssl, active)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning `+clusterColumns,
		c.ID, c.Name, c.BaseURL, c.Username, c.PasswordEncrypted, c.VerifySSL, c.Active))
	if err != nil {
		return upstream.Cluster{}, constraintErr(err, upstream.ErrConflict, upstream.ErrNotFound, upstream.ErrInvalidInput)
	}
	return created, nil
}

func (s *Store) clusterWhere(ctx context.Context, where string, arg any) (upstream.Cluster, error) {
	if s.db == nil {
		return upstream.Cluster{}, errNoDB
	}
	c, err := scanCluster(s.db.QueryRowContext(ctx, `select `+clusterColumns+` from clusters where `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return upstream.Cluster{}, upstream.ErrNotFound
	}
	return c, err
}

func (s *Store) GetCluster(ctx context.Context, id string) (upstream.Cluster, error) {
	return s.clusterWhere(ctx, `id = $1`, id)
}

func (s *Store) ClusterByName(ctx context.Context, name string) (upstream.Cluster, error) {
	return s.clusterWhere(ctx, `name = $1`, name)
}

func (s *Store) ListClusters(ctx context.Context) ([]upstream.Cluster, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+clusterColumns+` from clusters order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []upstream.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCluster(ctx context.Context, id string, upd upstream.ClusterUpdate) (upstream.Cluster, error) {
	if s.db == nil {
		return upstream.Cluster{}, errNoDB
	}
	var b setBuilder
	if upd.Name != nil {
		b.add("name", *upd.Name)
	}
	if upd.BaseURL != nil {
		b.add("base_url", *upd.BaseURL)
	}
	if upd.Username != nil {
		b.add("username", *upd.Username)
	}
	if upd.PasswordEncrypted != nil {
		b.add("password_encrypted", *upd.PasswordEncrypted)
	}
	if upd.VerifySSL != nil {
		b.add("verify_ssl", *upd.VerifySSL)
	}
	if upd.Active != nil {
		b.add("active", *upd.Active)
	}
	if b.empty() {
		return s.GetCluster(ctx, id)
	}
	query, args := b.sql("clusters", id)
	updated, err := scanCluster(s.db.QueryRowContext(ctx, query+` returning `+clusterColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return upstream.Cluster{}, upstream.ErrNotFound
	}
	if err != nil {
		return upstream.Cluster{}, constraintErr(err, upstream.ErrConflict, upstream.ErrNotFound, upstream.ErrInvalidInput)
	}
	return updated, nil
}

func (s *Store) DeleteCluster(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from clusters where id = $1`, id)
	if err != nil {
		return err
	}
	return affected(res, upstream.ErrNotFound)
}
