package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"fabricgate.org/internal/policy"
)

var _ policy.Store = (*Store)(nil)

// SecurityPolicy reads the single policy row.
func (s *Store) SecurityPolicy(ctx context.Context) (policy.Snapshot, error) {
	if s.db == nil {
		return policy.Snapshot{}, errNoDB
	}
	var (
		snap        policy.Snapshot
		mode        string
		allow, deny []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select edit_mode, allow_list, deny_list, audit_logging, updated_at
		from security_policy where id = 1
	`).Scan(&mode, &allow, &deny, &snap.AuditLogging, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Snapshot{}, policy.ErrNoPolicy
	}
	if err != nil {
		return policy.Snapshot{}, err
	}
	snap.EditMode = policy.ParseEditMode(mode)
	if err := decodeList(allow, &snap.AllowList); err != nil {
		return policy.Snapshot{}, err
	}
	if err := decodeList(deny, &snap.DenyList); err != nil {
		return policy.Snapshot{}, err
	}
	return snap, nil
}

// SaveSecurityPolicy upserts the policy row and returns what was stored.
func (s *Store) SaveSecurityPolicy(ctx context.Context, snap policy.Snapshot) (policy.Snapshot, error) {
	if s.db == nil {
		return policy.Snapshot{}, errNoDB
	}
	snap = snap.Normalize()
	allow, err := json.Marshal(snap.AllowList)
	if err != nil {
		return policy.Snapshot{}, err
	}
	deny, err := json.Marshal(snap.DenyList)
	if err != nil {
		return policy.Snapshot{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		insert into security_policy (id, edit_mode, allow_list, deny_list, audit_logging, updated_at)
		values (1, $1, $2, $3, $4, now())
		on conflict (id) do update set
			edit_mode = excluded.edit_mode,
			allow_list = excluded.allow_list,
			deny_list = excluded.deny_list,
			audit_logging = excluded.audit_logging,
			updated_at = now()
		returning updated_at
	`, string(snap.EditMode), string(allow), string(deny), snap.AuditLogging).Scan(&snap.UpdatedAt)
	if err != nil {
		return policy.Snapshot{}, err
	}
	return snap, nil
}

func decodeList(raw []byte, dst *[]string) error {
	if len(raw) == 0 {
		*dst = []string{}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	if *dst == nil {
		*dst = []string{}
	}
	return nil
}
