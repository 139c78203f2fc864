package directory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ConfigInput is the admin payload for creating or replacing a config. An
// empty BindPassword on update keeps the stored secret; ClearBindPassword drops it.
type ConfigInput struct {
	Config
	BindPassword      string
	ClearBindPassword bool
}

// Admin validates directory config and mapping writes.
type Admin struct {
	store Store
	vault Crypter
}

func NewAdmin(store Store, vault Crypter) (*Admin, error) {
	if store == nil || vault == nil {
		return nil, errors.New("directory store and vault are required")
	}
	return &Admin{store: store, vault: vault}, nil
}

func (a *Admin) List(ctx context.Context) ([]Config, error) {
	return a.store.ListDirectoryConfigs(ctx)
}

func (a *Admin) Get(ctx context.Context, id string) (Config, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Config{}, fmt.Errorf("%w: config_id is required", ErrInvalidInput)
	}
	return a.store.GetDirectoryConfig(ctx, id)
}

// Create stores a new config. Marking it primary demotes the previous primary.
func (a *Admin) Create(ctx context.Context, in ConfigInput) (Config, error) {
	cfg, err := a.prepare(in.Config)
	if err != nil {
		return Config{}, err
	}
	cfg.ID = ""
	if in.BindPassword != "" {
		sealed, err := a.vault.Encrypt(in.BindPassword)
		if err != nil {
			return Config{}, fmt.Errorf("encrypt bind password: %w", err)
		}
		cfg.BindPasswordEncrypted = sealed
	}
	return a.store.CreateDirectoryConfig(ctx, cfg)
}

// Update replaces the editable fields of an existing config.
func (a *Admin) Update(ctx context.Context, id string, in ConfigInput) (Config, error) {
	current, err := a.Get(ctx, id)
	if err != nil {
		return Config{}, err
	}
	cfg, err := a.prepare(in.Config)
	if err != nil {
		return Config{}, err
	}
	cfg.ID = current.ID
	cfg.BindPasswordEncrypted = current.BindPasswordEncrypted
	cfg.LastSyncAt = current.LastSyncAt
	cfg.LastSyncStatus = current.LastSyncStatus
	cfg.LastSyncMessage = current.LastSyncMessage
	cfg.LastSyncCreated = current.LastSyncCreated
	cfg.LastSyncUpdated = current.LastSyncUpdated
	switch {
	case in.ClearBindPassword:
		cfg.BindPasswordEncrypted = ""
	case in.BindPassword != "":
		sealed, err := a.vault.Encrypt(in.BindPassword)
		if err != nil {
			return Config{}, fmt.Errorf("encrypt bind password: %w", err)
		}
		cfg.BindPasswordEncrypted = sealed
	}
	return a.store.UpdateDirectoryConfig(ctx, cfg)
}

// Delete removes the config; its mappings go with it.
func (a *Admin) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: config_id is required", ErrInvalidInput)
	}
	return a.store.DeleteDirectoryConfig(ctx, id)
}

func (a *Admin) prepare(cfg Config) (Config, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return Config{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	cfg.ServerURL = strings.TrimSpace(cfg.ServerURL)
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "ldap" && u.Scheme != "ldaps") {
		return Config{}, fmt.Errorf("%w: server_url must be ldap:// or ldaps://", ErrInvalidInput)
	}
	cfg.BaseDN = strings.TrimSpace(cfg.BaseDN)
	if cfg.BaseDN == "" {
		return Config{}, fmt.Errorf("%w: base_dn is required", ErrInvalidInput)
	}
	if cfg.UseSSL && cfg.UseStartTLS {
		return Config{}, fmt.Errorf("%w: use_ssl and use_starttls are exclusive", ErrInvalidInput)
	}
	if cfg.SyncIntervalMinutes < 0 {
		return Config{}, fmt.Errorf("%w: sync_interval_minutes must not be negative", ErrInvalidInput)
	}
	cfg.BindDN = strings.TrimSpace(cfg.BindDN)
	cfg.DefaultRoleID = strings.TrimSpace(cfg.DefaultRoleID)
	cfg.ApplyDefaults()
	return cfg, nil
}

func (a *Admin) ListMappings(ctx context.Context, configID string) ([]GroupMapping, error) {
	if _, err := a.Get(ctx, configID); err != nil {
		return nil, err
	}
	return a.store.ListGroupMappings(ctx, strings.TrimSpace(configID))
}

// AddMapping stores a group mapping targeting exactly one role or one cluster.
func (a *Admin) AddMapping(ctx context.Context, m GroupMapping) (GroupMapping, error) {
	m.ConfigID = strings.TrimSpace(m.ConfigID)
	m.GroupDN = strings.TrimSpace(m.GroupDN)
	m.GroupName = strings.TrimSpace(m.GroupName)
	m.RoleID = strings.TrimSpace(m.RoleID)
	m.ClusterID = strings.TrimSpace(m.ClusterID)
	if m.GroupDN == "" && m.GroupName == "" {
		return GroupMapping{}, fmt.Errorf("%w: group_dn or group_name is required", ErrInvalidInput)
	}
	if (m.RoleID == "") == (m.ClusterID == "") {
		return GroupMapping{}, fmt.Errorf("%w: exactly one of role_id or cluster_id is required", ErrInvalidInput)
	}
	if m.GroupName == "" {
		m.GroupName = GroupName(m.GroupDN)
	}
	if _, err := a.Get(ctx, m.ConfigID); err != nil {
		return GroupMapping{}, err
	}
	return a.store.CreateGroupMapping(ctx, m)
}

func (a *Admin) DeleteMapping(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: mapping_id is required", ErrInvalidInput)
	}
	return a.store.DeleteGroupMapping(ctx, id)
}
