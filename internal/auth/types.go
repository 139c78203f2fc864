package auth

import "time"

// Credential origins.
const (
	OriginLocal = "local"
	OriginLDAP  = "ldap"
)

// ClusterRef names an upstream cluster a principal may reach.
type ClusterRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Role is a named bundle of operation grants plus an edit-mode flag.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	EditMode    bool      `json:"edit_mode"`
	System      bool      `json:"system"`
	Operations  []string  `json:"operations"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Principal is an authenticated actor with its resolved roles and cluster grants.
type Principal struct {
	ID                string       `json:"id"`
	Username          string       `json:"username"`
	Email             string       `json:"email,omitempty"`
	DisplayName       string       `json:"display_name,omitempty"`
	PasswordHash      string       `json:"-"`
	APITokenHash      string       `json:"-"`
	Active            bool         `json:"active"`
	Superuser         bool         `json:"superuser"`
	Origin            string       `json:"origin"`
	ExternalID        string       `json:"external_id,omitempty"`
	DirectoryConfigID string       `json:"directory_config_id,omitempty"`
	AllClusters       bool         `json:"all_clusters"`
	Roles             []Role       `json:"roles"`
	Clusters          []ClusterRef `json:"clusters"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// PrincipalUpdate carries optional changes; nil fields are left untouched.
type PrincipalUpdate struct {
	Email             *string
	DisplayName       *string
	PasswordHash      *string
	Active            *bool
	Superuser         *bool
	AllClusters       *bool
	ExternalID        *string
	DirectoryConfigID *string
}

// RoleUpdate carries optional role changes.
type RoleUpdate struct {
	Name        *string
	Description *string
	EditMode    *bool
}
