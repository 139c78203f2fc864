package auth

import "strings"

// HasEditMode reports whether any role lets the principal invoke mutating operations.
func (p Principal) HasEditMode() bool {
	for _, r := range p.Roles {
		if r.EditMode {
			return true
		}
	}
	return false
}

// Grants reports whether any role grants the named operation.
func (p Principal) Grants(operation string) bool {
	for _, r := range p.Roles {
		for _, op := range r.Operations {
			if op == operation {
				return true
			}
		}
	}
	return false
}

// Operations returns the union of operation names granted by all roles.
func (p Principal) Operations() map[string]struct{} {
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		for _, op := range r.Operations {
			set[op] = struct{}{}
		}
	}
	return set
}

// AssignedTo reports whether the principal holds an explicit assignment for the
// cluster identified by id or name (names compare case-insensitively).
func (p Principal) AssignedTo(cluster string) bool {
	cluster = strings.TrimSpace(cluster)
	if cluster == "" {
		return false
	}
	for _, c := range p.Clusters {
		if c.ID == cluster || strings.EqualFold(c.Name, cluster) {
			return true
		}
	}
	return false
}

// RoleIDs lists the ids of assigned roles.
func (p Principal) RoleIDs() []string {
	out := make([]string, 0, len(p.Roles))
	for _, r := range p.Roles {
		out = append(out, r.ID)
	}
	return out
}

// ClusterIDs lists the ids of assigned clusters.
func (p Principal) ClusterIDs() []string {
	out := make([]string, 0, len(p.Clusters))
	for _, c := range p.Clusters {
		out = append(out, c.ID)
	}
	return out
}
