package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"fabricgate.org/internal/auth"
)

var (
	ErrNotFound       = errors.New("directory: not found")
	ErrConflict       = errors.New("directory: resource conflict")
	ErrInvalidInput   = errors.New("directory: invalid input")
	ErrPartialFailure = errors.New("directory: sync finished with per-user errors")
	ErrSyncInProgress = errors.New("directory: sync already running on another replica")
	ErrConfigDisabled = errors.New("directory: config is disabled")
	ErrNoDirectory    = errors.New("directory: no enabled primary config")
	ErrUserNotFound   = errors.New("directory: user not found")
)

// Sync statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Config describes one LDAP directory.
type Config struct {
	ID                    string     `json:"id"`
	Name                  string     `json:"name"`
	ServerURL             string     `json:"server_url"`
	BaseDN                string     `json:"base_dn"`
	BindDN                string     `json:"bind_dn,omitempty"`
	BindPasswordEncrypted string     `json:"-"`
	UseSSL                bool       `json:"use_ssl"`
	UseStartTLS           bool       `json:"use_starttls"`
	VerifySSL             bool       `json:"verify_ssl"`
	UserSearchBase        string     `json:"user_search_base,omitempty"`
	UserSearchFilter      string     `json:"user_search_filter"`
	UsernameAttribute     string     `json:"username_attribute"`
	EmailAttribute        string     `json:"email_attribute"`
	DisplayNameAttribute  string     `json:"display_name_attribute"`
	MemberOfAttribute     string     `json:"member_of_attribute"`
	GroupSearchBase       string     `json:"group_search_base,omitempty"`
	GroupSearchFilter     string     `json:"group_search_filter"`
	GroupNameAttribute    string     `json:"group_name_attribute"`
	SyncIntervalMinutes   int        `json:"sync_interval_minutes"`
	AutoCreateUsers       bool       `json:"auto_create_users"`
	DefaultRoleID         string     `json:"default_role_id,omitempty"`
	Enabled               bool       `json:"enabled"`
	Primary               bool       `json:"primary"`
	LastSyncAt            *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus        string     `json:"last_sync_status,omitempty"`
	LastSyncMessage       string     `json:"last_sync_message,omitempty"`
	LastSyncCreated       int        `json:"last_sync_created"`
	LastSyncUpdated       int        `json:"last_sync_updated"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// ApplyDefaults fills unset attribute names and filters with Active Directory defaults.
func (c *Config) ApplyDefaults() {
	if c.UserSearchFilter == "" {
		c.UserSearchFilter = "(objectClass=person)"
	}
	if c.UsernameAttribute == "" {
		c.UsernameAttribute = "sAMAccountName"
	}
	if c.EmailAttribute == "" {
		c.EmailAttribute = "mail"
	}
	if c.DisplayNameAttribute == "" {
		c.DisplayNameAttribute = "displayName"
	}
	if c.MemberOfAttribute == "" {
		c.MemberOfAttribute = "memberOf"
	}
	if c.GroupSearchFilter == "" {
		c.GroupSearchFilter = "(objectClass=group)"
	}
	if c.GroupNameAttribute == "" {
		c.GroupNameAttribute = "cn"
	}
	if c.SyncIntervalMinutes <= 0 {
		c.SyncIntervalMinutes = 60
	}
}

// UserBase is the user search base: the configured base suffixed with the base
// DN unless it already ends with it.
func (c Config) UserBase() string { return qualify(c.UserSearchBase, c.BaseDN) }

// GroupBase is the group search base, qualified like UserBase.
func (c Config) GroupBase() string { return qualify(c.GroupSearchBase, c.BaseDN) }

func qualify(base, root string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return root
	}
	if root == "" || strings.HasSuffix(strings.ToLower(base), strings.ToLower(root)) {
		return base
	}
	return base + "," + root
}

// SyncInterval is the configured cadence.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}

// GroupMapping maps a directory group to exactly one role or one cluster.
type GroupMapping struct {
	ID        string    `json:"id"`
	ConfigID  string    `json:"config_id"`
	GroupDN   string    `json:"group_dn"`
	GroupName string    `json:"group_name,omitempty"`
	RoleID    string    `json:"role_id,omitempty"`
	ClusterID string    `json:"cluster_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncStatus is what gets persisted on the config after a run.
type SyncStatus struct {
	At      time.Time
	Status  string
	Message string
	Created int
	Updated int
}

// UserError is a per-user failure collected during sync.
type UserError struct {
	DN    string `json:"dn"`
	Error string `json:"error"`
}

// SyncResult summarises one run.
type SyncResult struct {
	ConfigID       string      `json:"config_id"`
	Created        int         `json:"created"`
	Updated        int         `json:"updated"`
	Unchanged      int         `json:"unchanged"`
	Skipped        int         `json:"skipped"`
	Errors         []UserError `json:"errors,omitempty"`
	Status         string      `json:"status,omitempty"`
	AlreadyRunning bool        `json:"already_running,omitempty"`
}

// Err reports ErrPartialFailure when per-user errors were collected.
func (r SyncResult) Err() error {
	if len(r.Errors) > 0 {
		return ErrPartialFailure
	}
	return nil
}

// Entry is a user as read from the directory.
type Entry struct {
	DN          string
	Username    string
	Email       string
	DisplayName string
	Groups      []string
}

// Group is a directory group as returned by discovery.
type Group struct {
	DN          string `json:"dn"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Store persists directory configs, mappings and sync status.
type Store interface {
	CreateDirectoryConfig(ctx context.Context, c Config) (Config, error)
	GetDirectoryConfig(ctx context.Context, id string) (Config, error)
	PrimaryDirectoryConfig(ctx context.Context) (Config, error)
	ListDirectoryConfigs(ctx context.Context) ([]Config, error)
	UpdateDirectoryConfig(ctx context.Context, c Config) (Config, error)
	DeleteDirectoryConfig(ctx context.Context, id string) error
	SetSyncStatus(ctx context.Context, id string, st SyncStatus) error

	ListGroupMappings(ctx context.Context, configID string) ([]GroupMapping, error)
	CreateGroupMapping(ctx context.Context, m GroupMapping) (GroupMapping, error)
	DeleteGroupMapping(ctx context.Context, id string) error
}

// PrincipalStore is the slice of principal persistence the sync needs.
type PrincipalStore interface {
	PrincipalByExternalID(ctx context.Context, externalID string) (auth.Principal, error)
	PrincipalByUsername(ctx context.Context, username string) (auth.Principal, error)
	CreatePrincipal(ctx context.Context, p auth.Principal) (auth.Principal, error)
	UpdatePrincipal(ctx context.Context, id string, upd auth.PrincipalUpdate) (auth.Principal, error)
	SetPrincipalRoles(ctx context.Context, id string, roleIDs []string) error
	SetPrincipalClusters(ctx context.Context, id string, clusterIDs []string) error
}

// Crypter seals and opens bind passwords.
type Crypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(sealed string) (string, error)
}
