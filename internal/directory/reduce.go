package directory

import "strings"

// Grants are the role and cluster ids held by a principal.
type Grants struct {
	Roles    []string
	Clusters []string
}

// Equal compares two grant sets ignoring order.
func (g Grants) Equal(o Grants) bool {
	return sameSet(g.Roles, o.Roles) && sameSet(g.Clusters, o.Clusters)
}

// Reduce unions the roles and clusters mapped from groups into existing. It
// only ever adds: nothing in existing is removed, so applying it twice with the
// same input yields the same grants. A mapping matches a group by DN
// (case-insensitive) or by group name.
func Reduce(existing Grants, groups []string, mappings []GroupMapping) Grants {
	out := Grants{
		Roles:    append([]string(nil), existing.Roles...),
		Clusters: append([]string(nil), existing.Clusters...),
	}
	if len(groups) == 0 || len(mappings) == 0 {
		return out
	}
	haveRole := toSet(out.Roles)
	haveCluster := toSet(out.Clusters)
	for _, m := range mappings {
		if !matchesAny(m, groups) {
			continue
		}
		if m.RoleID != "" {
			if _, ok := haveRole[m.RoleID]; !ok {
				haveRole[m.RoleID] = struct{}{}
				out.Roles = append(out.Roles, m.RoleID)
			}
		}
		if m.ClusterID != "" {
			if _, ok := haveCluster[m.ClusterID]; !ok {
				haveCluster[m.ClusterID] = struct{}{}
				out.Clusters = append(out.Clusters, m.ClusterID)
			}
		}
	}
	return out
}

func matchesAny(m GroupMapping, groups []string) bool {
	for _, g := range groups {
		if m.GroupDN != "" && strings.EqualFold(m.GroupDN, g) {
			return true
		}
		if m.GroupName != "" && strings.EqualFold(m.GroupName, GroupName(g)) {
			return true
		}
	}
	return false
}

// GroupName returns the value of the first RDN of a DN ("CN=NetOps,OU=x" → "NetOps"),
// or the input itself when it is not a DN.
func GroupName(dn string) string {
	first := dn
	if i := strings.Index(dn, ","); i >= 0 {
		first = dn[:i]
	}
	if i := strings.Index(first, "="); i >= 0 {
		return strings.TrimSpace(first[i+1:])
	}
	return strings.TrimSpace(dn)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func sameSet(a, b []string) bool {
	sa, sb := toSet(a), toSet(b)
	if len(sa) != len(sb) {
		return false
	}
	for k := range sa {
		if _, ok := sb[k]; !ok {
			return false
		}
	}
	return true
}
