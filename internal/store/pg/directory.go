package pg

import (
	"context"
	"database/sql"
	"errors"

	"fabricgate.org/internal/directory"
	"fabricgate.org/internal/ids"
)

var (
	_ directory.Store          = (*Store)(nil)
	_ directory.PrincipalStore = (*Store)(nil)
)

const directoryColumns = `id, name, server_url, base_dn, bind_dn, bind_password_encrypted, use_ssl, use_starttls,
	verify_ssl, user_search_base, user_search_filter, username_attribute, email_attribute, display_name_attribute,
	member_of_attribute, group_search_base, group_search_filter, group_name_attribute, sync_interval_minutes,
	auto_create_users, coalesce(default_role_id, ''), enabled, is_primary, last_sync_at, last_sync_status,
	last_sync_message, last_sync_created, last_sync_updated, created_at, updated_at`

func scanDirectoryConfig(row scanner) (directory.Config, error) {
	var (
		c        directory.Config
		lastSync sql.NullTime
	)
	err := row.Scan(&c.ID, &c.Name, &c.ServerURL, &c.BaseDN, &c.BindDN, &c.BindPasswordEncrypted, &c.UseSSL, &c.UseStartTLS,
		&c.VerifySSL, &c.UserSearchBase, &c.UserSearchFilter, &c.UsernameAttribute, &c.EmailAttribute, &c.DisplayNameAttribute,
		&c.MemberOfAttribute, &c.GroupSearchBase, &c.GroupSearchFilter, &c.GroupNameAttribute, &c.SyncIntervalMinutes,
		&c.AutoCreateUsers, &c.DefaultRoleID, &c.Enabled, &c.Primary, &lastSync, &c.LastSyncStatus,
		&c.LastSyncMessage, &c.LastSyncCreated, &c.LastSyncUpdated, &c.CreatedAt, &c.UpdatedAt)
	if lastSync.Valid {
		t := lastSync.Time
		c.LastSyncAt = &t
	}
	return c, err
}

func directoryErr(err error) error {
	return constraintErr(err, directory.ErrConflict, directory.ErrNotFound, directory.ErrInvalidInput)
}

// CreateDirectoryConfig inserts c. A primary config demotes the previous one in
// the same transaction.
func (s *Store) CreateDirectoryConfig(ctx context.Context, c directory.Config) (directory.Config, error) {
	if s.db == nil {
		return directory.Config{}, errNoDB
	}
	if c.ID == "" {
		c.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return directory.Config{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if c.Primary {
		if _, err := tx.ExecContext(ctx, `update directory_configs set is_primary = false, updated_at = now() where is_primary`); err != nil {
			return directory.Config{}, err
		}
	}
	created, err := scanDirectoryConfig(tx.QueryRowContext(ctx, `
		insert into directory_configs (id, name, server_url, base_dn, bind_dn, bind_password_encrypted, use_ssl,
			use_starttls, verify_ssl, user_search_base, user_search_filter, username_attribute, email_attribute,
			display_name_attribute, member_of_attribute, group_search_base, group_search_filter, group_name_attribute,
			sync_interval_minutes, auto_create_users, default_role_id, enabled, is_primary)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		returning `+directoryColumns,
		c.ID, c.Name, c.ServerURL, c.BaseDN, c.BindDN, c.BindPasswordEncrypted, c.UseSSL,
		c.UseStartTLS, c.VerifySSL, c.UserSearchBase, c.UserSearchFilter, c.UsernameAttribute, c.EmailAttribute,
		c.DisplayNameAttribute, c.MemberOfAttribute, c.GroupSearchBase, c.GroupSearchFilter, c.GroupNameAttribute,
		c.SyncIntervalMinutes, c.AutoCreateUsers, nullIfEmpty(c.DefaultRoleID), c.Enabled, c.Primary))
	if err != nil {
		return directory.Config{}, directoryErr(err)
	}
	if err := tx.Commit(); err != nil {
		return directory.Config{}, err
	}
	return created, nil
}

func (s *Store) directoryWhere(ctx context.Context, where string, args ...any) (directory.Config, error) {
	if s.db == nil {
		return directory.Config{}, errNoDB
	}
	c, err := scanDirectoryConfig(s.db.QueryRowContext(ctx, `select `+directoryColumns+` from directory_configs where `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Config{}, directory.ErrNotFound
	}
	return c, err
}

func (s *Store) GetDirectoryConfig(ctx context.Context, id string) (directory.Config, error) {
	return s.directoryWhere(ctx, `id = $1`, id)
}

func (s *Store) PrimaryDirectoryConfig(ctx context.Context) (directory.Config, error) {
	return s.directoryWhere(ctx, `is_primary`)
}

func (s *Store) ListDirectoryConfigs(ctx context.Context) ([]directory.Config, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+directoryColumns+` from directory_configs order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []directory.Config
	for rows.Next() {
		c, err := scanDirectoryConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateDirectoryConfig overwrites every editable column of c. Sync status is
// left to SetSyncStatus.
func (s *Store) UpdateDirectoryConfig(ctx context.Context, c directory.Config) (directory.Config, error) {
	if s.db == nil {
		return directory.Config{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return directory.Config{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if c.Primary {
		if _, err := tx.ExecContext(ctx, `update directory_configs set is_primary = false, updated_at = now() where is_primary and id <> $1`, c.ID); err != nil {
			return directory.Config{}, err
		}
	}
	updated, err := scanDirectoryConfig(tx.QueryRowContext(ctx, `
		update directory_configs set
			name = $2, server_url = $3, base_dn = $4, bind_dn = $5, bind_password_encrypted = $6, use_ssl = $7,
			use_starttls = $8, verify_ssl = $9, user_search_base = $10, user_search_filter = $11,
			username_attribute = $12, email_attribute = $13, display_name_attribute = $14, member_of_attribute = $15,
			group_search_base = $16, group_search_filter = $17, group_name_attribute = $18,
			sync_interval_minutes = $19, auto_create_users = $20, default_role_id = $21, enabled = $22,
			is_primary = $23, updated_at = now()
		where id = $1
		returning `+directoryColumns,
		c.ID, c.Name, c.ServerURL, c.BaseDN, c.BindDN, c.BindPasswordEncrypted, c.UseSSL,
		c.UseStartTLS, c.VerifySSL, c.UserSearchBase, c.UserSearchFilter,
		c.UsernameAttribute, c.EmailAttribute, c.DisplayNameAttribute, c.MemberOfAttribute,
		c.GroupSearchBase, c.GroupSearchFilter, c.GroupNameAttribute,
		c.SyncIntervalMinutes, c.AutoCreateUsers, nullIfEmpty(c.DefaultRoleID), c.Enabled, c.Primary))
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Config{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.Config{}, directoryErr(err)
	}
	if err := tx.Commit(); err != nil {
		return directory.Config{}, err
	}
	return updated, nil
}

func (s *Store) DeleteDirectoryConfig(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from directory_configs where id = $1`, id)
	if err != nil {
		return err
	}
	return affected(res, directory.ErrNotFound)
}

func (s *Store) SetSyncStatus(ctx context.Context, id string, st directory.SyncStatus) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update directory_configs
		set last_sync_at = $2, last_sync_status = $3, last_sync_message = $4,
			last_sync_created = $5, last_sync_updated = $6
		where id = $1
	`, id, st.At, st.Status, st.Message, st.Created, st.Updated)
	if err != nil {
		return err
	}
	return affected(res, directory.ErrNotFound)
}

func (s *Store) ListGroupMappings(ctx context.Context, configID string) ([]directory.GroupMapping, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, config_id, group_dn, group_name, coalesce(role_id, ''), coalesce(cluster_id, ''), created_at
		from directory_group_mappings
		where config_id = $1
		order by group_name, group_dn
	`, configID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []directory.GroupMapping
	for rows.Next() {
		var m directory.GroupMapping
		if err := rows.Scan(&m.ID, &m.ConfigID, &m.GroupDN, &m.GroupName, &m.RoleID, &m.ClusterID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CreateGroupMapping(ctx context.Context, m directory.GroupMapping) (directory.GroupMapping, error) {
	if s.db == nil {
		return directory.GroupMapping{}, errNoDB
	}
	if m.ID == "" {
		m.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into directory_group_mappings (id, config_id, group_dn, group_name, role_id, cluster_id)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, m.ID, m.ConfigID, m.GroupDN, m.GroupName, nullIfEmpty(m.RoleID), nullIfEmpty(m.ClusterID)).Scan(&m.CreatedAt)
	if err != nil {
		return directory.GroupMapping{}, directoryErr(err)
	}
	return m, nil
}

func (s *Store) DeleteGroupMapping(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from directory_group_mappings where id = $1`, id)
	if err != nil {
		return err
	}
	return affected(res, directory.ErrNotFound)
}
