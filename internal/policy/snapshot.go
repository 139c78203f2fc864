package policy

import (
	"strings"
	"time"
)

// EditMode is the tri-state global edit switch.
type EditMode string

const (
	EditModeUnset EditMode = ""
	EditModeOn    EditMode = "on"
	EditModeOff   EditMode = "off"
)

// ParseEditMode accepts "on"/"off" (and boolean spellings); anything else is unset.
func ParseEditMode(s string) EditMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "enabled":
		return EditModeOn
	case "off", "false", "disabled":
		return EditModeOff
	default:
		return EditModeUnset
	}
}

// Snapshot is the security policy in force for one evaluation. It is a plain
// value: callers pass it to Decide rather than reading global state.
type Snapshot struct {
	EditMode     EditMode  `json:"edit_mode"`
	AllowList    []string  `json:"allow_list"`
	DenyList     []string  `json:"deny_list"`
	AuditLogging bool      `json:"audit_logging"`
	UpdatedAt    time.Time `json:"updated_at"`
	LoadedAt     time.Time `json:"loaded_at"`
}

// Default is used when no policy row exists yet: read-only, audit on.
func Default() Snapshot {
	return Snapshot{EditMode: EditModeOff, AuditLogging: true}
}

// ReadOnly reports whether the global switch blocks every mutating operation.
func (s Snapshot) ReadOnly() bool { return s.EditMode == EditModeOff }

// Blocked reports whether the deny-list names the operation.
func (s Snapshot) Blocked(name string) bool { return contains(s.DenyList, name) }

// Permitted reports whether the allow-list lets the operation through. An
// empty allow-list permits everything.
func (s Snapshot) Permitted(name string) bool {
	return len(s.AllowList) == 0 || contains(s.AllowList, name)
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

// Normalize trims and deduplicates both lists.
func (s Snapshot) Normalize() Snapshot {
	s.AllowList = dedupe(s.AllowList)
	s.DenyList = dedupe(s.DenyList)
	return s
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
