package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/obs"
)

// DefaultLockTTL bounds how long a crashed replica can hold the sync lock.
const DefaultLockTTL = 30 * time.Minute

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeCreated
	outcomeUpdated
	outcomeSkipped
)

// Engine reconciles directory users and groups into principals and grants.
type Engine struct {
	configs    Store
	principals PrincipalStore
	vault      Crypter
	dialer     Dialer
	locker     Locker
	lockTTL    time.Duration
	now        func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithDialer(d Dialer) EngineOption {
	return func(e *Engine) {
		if d != nil {
			e.dialer = d
		}
	}
}

// WithLocker adds a cross-replica lock around each sync.
func WithLocker(l Locker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(configs Store, principals PrincipalStore, vault Crypter, opts ...EngineOption) (*Engine, error) {
	if configs == nil || principals == nil {
		return nil, errors.New("directory stores are required")
	}
	if vault == nil {
		return nil, errors.New("vault is required")
	}
	e := &Engine{
		configs:    configs,
		principals: principals,
		vault:      vault,
		dialer:     LDAPDialer{},
		lockTTL:    DefaultLockTTL,
		now:        time.Now,
		running:    map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Running reports whether a sync for configID is in flight in this process.
func (e *Engine) Running(configID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[configID]
	return ok
}

func (e *Engine) begin(configID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[configID]; ok {
		return false
	}
	e.running[configID] = struct{}{}
	return true
}

func (e *Engine) end(configID string) {
	e.mu.Lock()
	delete(e.running, configID)
	e.mu.Unlock()
}

// Sync runs one reconciliation for configID. A trigger while a run for the same
// config is in flight returns AlreadyRunning without doing anything. Per-user
// failures are collected in the result (see SyncResult.Err); the returned error
// is reserved for failures that stop the whole run.
func (e *Engine) Sync(ctx context.Context, configID string) (SyncResult, error) {
	result := SyncResult{ConfigID: configID}
	if !e.begin(configID) {
		result.AlreadyRunning = true
		return result, nil
	}
	defer e.end(configID)

	if e.locker != nil {
		release, ok, err := e.locker.Acquire(ctx, "directory-sync:"+configID, e.lockTTL)
		if err != nil {
			return result, fmt.Errorf("acquire sync lock: %w", err)
		}
		if !ok {
			result.AlreadyRunning = true
			return result, ErrSyncInProgress
		}
		defer release()
	}

	cfg, err := e.configs.GetDirectoryConfig(ctx, configID)
	if err != nil {
		return result, err
	}
	if !cfg.Enabled {
		return result, ErrConfigDisabled
	}
	cfg.ApplyDefaults()
	log := obs.Logger().With().Str("directory", cfg.Name).Str("config_id", cfg.ID).Logger()
	started := e.now()

	entries, mappings, err := e.fetch(ctx, cfg)
	if err != nil {
		result.Status = StatusFailed
		e.persist(ctx, cfg.ID, result, err.Error())
		obs.ObserveDirectorySync(StatusFailed)
		log.Error().Err(err).Msg("directory sync failed")
		return result, err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, UserError{DN: entry.DN, Error: err.Error()})
			break
		}
		out, err := e.apply(ctx, cfg, entry, mappings)
		if err != nil {
			result.Errors = append(result.Errors, UserError{DN: entry.DN, Error: err.Error()})
			log.Warn().Err(err).Str("dn", entry.DN).Msg("directory user sync failed")
			continue
		}
		switch out {
		case outcomeCreated:
			result.Created++
		case outcomeUpdated:
			result.Updated++
		case outcomeSkipped:
			result.Skipped++
		default:
			result.Unchanged++
		}
	}

	result.Status = StatusSuccess
	if len(result.Errors) > 0 {
		result.Status = StatusPartial
	}
	msg := fmt.Sprintf("created: %d, updated: %d, skipped: %d, errors: %d",
		result.Created, result.Updated, result.Skipped, len(result.Errors))
	e.persist(ctx, cfg.ID, result, msg)
	obs.ObserveDirectorySync(result.Status)
	log.Info().Int("created", result.Created).Int("updated", result.Updated).
		Int("unchanged", result.Unchanged).Int("skipped", result.Skipped).
		Int("errors", len(result.Errors)).Dur("duration", e.now().Sub(started)).
		Msg("directory sync finished")
	return result, nil
}

func (e *Engine) fetch(ctx context.Context, cfg Config) ([]Entry, []GroupMapping, error) {
	conn, err := e.connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()
	entries, err := conn.SearchUsers(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	mappings, err := e.configs.ListGroupMappings(ctx, cfg.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list group mappings: %w", err)
	}
	return entries, mappings, nil
}

func (e *Engine) connect(ctx context.Context, cfg Config) (Conn, error) {
	password := ""
	if cfg.BindPasswordEncrypted != "" {
		var err error
		password, err = e.vault.Decrypt(cfg.BindPasswordEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt bind password: %w", err)
		}
	}
	return e.dialer.Dial(ctx, cfg, password)
}

func (e *Engine) persist(ctx context.Context, id string, r SyncResult, msg string) {
	st := SyncStatus{At: e.now().UTC(), Status: r.Status, Message: msg, Created: r.Created, Updated: r.Updated}
	if err := e.configs.SetSyncStatus(context.WithoutCancel(ctx), id, st); err != nil {
		obs.Logger().Warn().Err(err).Str("config_id", id).Msg("persist sync status failed")
	}
}

// apply upserts one directory user and unions its mapped grants.
func (e *Engine) apply(ctx context.Context, cfg Config, entry Entry, mappings []GroupMapping) (outcome, error) {
	if entry.Username == "" {
		return outcomeSkipped, nil
	}
	p, err := e.lookup(ctx, entry)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		if !cfg.AutoCreateUsers {
			return outcomeSkipped, nil
		}
		return e.create(ctx, cfg, entry, mappings)
	case err != nil:
		return outcomeUnchanged, err
	}
	if p.Origin != auth.OriginLDAP {
		return outcomeSkipped, nil
	}

	changed := false
	upd := profileChanges(p, cfg, entry)
	if upd != (auth.PrincipalUpdate{}) {
		if _, err := e.principals.UpdatePrincipal(ctx, p.ID, upd); err != nil {
			return outcomeUnchanged, fmt.Errorf("update principal: %w", err)
		}
		changed = true
	}
	existing := Grants{Roles: p.RoleIDs(), Clusters: p.ClusterIDs()}
	grantsChanged, err := e.grant(ctx, p.ID, existing, Reduce(existing, entry.Groups, mappings))
	if err != nil {
		return outcomeUnchanged, err
	}
	if changed || grantsChanged {
		return outcomeUpdated, nil
	}
	return outcomeUnchanged, nil
}

func (e *Engine) lookup(ctx context.Context, entry Entry) (auth.Principal, error) {
	p, err := e.principals.PrincipalByExternalID(ctx, entry.DN)
	if err == nil || !errors.Is(err, auth.ErrNotFound) {
		return p, err
	}
	return e.principals.PrincipalByUsername(ctx, entry.Username)
}

func (e *Engine) create(ctx context.Context, cfg Config, entry Entry, mappings []GroupMapping) (outcome, error) {
	hash, err := auth.UnusablePasswordHash()
	if err != nil {
		return outcomeUnchanged, err
	}
	p, err := e.principals.CreatePrincipal(ctx, auth.Principal{
		Username:          entry.Username,
		Email:             strings.ToLower(entry.Email),
		DisplayName:       entry.DisplayName,
		PasswordHash:      hash,
		Active:            true,
		Origin:            auth.OriginLDAP,
		ExternalID:        entry.DN,
		DirectoryConfigID: cfg.ID,
	})
	if err != nil {
		return outcomeUnchanged, fmt.Errorf("create principal: %w", err)
	}
	var base Grants
	if cfg.DefaultRoleID != "" {
		base.Roles = []string{cfg.DefaultRoleID}
	}
	if _, err := e.grant(ctx, p.ID, Grants{}, Reduce(base, entry.Groups, mappings)); err != nil {
		return outcomeCreated, err
	}
	return outcomeCreated, nil
}

// grant writes next when it differs from existing.
func (e *Engine) grant(ctx context.Context, principalID string, existing, next Grants) (bool, error) {
	changed := false
	if !sameSet(existing.Roles, next.Roles) {
		if err := e.principals.SetPrincipalRoles(ctx, principalID, next.Roles); err != nil {
			return false, fmt.Errorf("set roles: %w", err)
		}
		changed = true
	}
	if !sameSet(existing.Clusters, next.Clusters) {
		if err := e.principals.SetPrincipalClusters(ctx, principalID, next.Clusters); err != nil {
			return changed, fmt.Errorf("set clusters: %w", err)
		}
		changed = true
	}
	return changed, nil
}

func profileChanges(p auth.Principal, cfg Config, entry Entry) auth.PrincipalUpdate {
	var upd auth.PrincipalUpdate
	email := strings.ToLower(entry.Email)
	if email != p.Email {
		upd.Email = &email
	}
	if entry.DisplayName != p.DisplayName {
		name := entry.DisplayName
		upd.DisplayName = &name
	}
	if entry.DN != p.ExternalID {
		dn := entry.DN
		upd.ExternalID = &dn
	}
	if cfg.ID != p.DirectoryConfigID {
		id := cfg.ID
		upd.DirectoryConfigID = &id
	}
	return upd
}

// Authenticate verifies username/password by binding as the user against the
// primary directory and returns the matching principal, provisioning it when
// the config allows. Principals with local credentials are never taken over.
func (e *Engine) Authenticate(ctx context.Context, username, password string) (auth.Principal, error) {
	cfg, err := e.configs.PrimaryDirectoryConfig(ctx)
	if errors.Is(err, ErrNotFound) {
		return auth.Principal{}, ErrNoDirectory
	}
	if err != nil {
		return auth.Principal{}, err
	}
	if !cfg.Enabled {
		return auth.Principal{}, ErrNoDirectory
	}
	cfg.ApplyDefaults()

	conn, err := e.connect(ctx, cfg)
	if err != nil {
		return auth.Principal{}, err
	}
	defer conn.Close()
	entry, err := conn.FindUser(ctx, cfg, username)
	if err != nil {
		return auth.Principal{}, err
	}
	if err := conn.Bind(entry.DN, password); err != nil {
		return auth.Principal{}, fmt.Errorf("bind as user: %w", err)
	}

	mappings, err := e.configs.ListGroupMappings(ctx, cfg.ID)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("list group mappings: %w", err)
	}
	out, err := e.apply(ctx, cfg, entry, mappings)
	if err != nil {
		return auth.Principal{}, err
	}
	if out == outcomeSkipped {
		return auth.Principal{}, fmt.Errorf("%q is not a directory principal", username)
	}
	return e.principals.PrincipalByExternalID(ctx, entry.DN)
}

// TestConnection dials and binds with the config's service account.
func (e *Engine) TestConnection(ctx context.Context, configID string) error {
	cfg, err := e.configs.GetDirectoryConfig(ctx, configID)
	if err != nil {
		return err
	}
	cfg.ApplyDefaults()
	conn, err := e.connect(ctx, cfg)
	if err != nil {
		return err
	}
	return conn.Close()
}

// DiscoverGroups lists the groups visible under the config's group base.
func (e *Engine) DiscoverGroups(ctx context.Context, configID string) ([]Group, error) {
	cfg, err := e.configs.GetDirectoryConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	conn, err := e.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.SearchGroups(ctx, cfg)
}
