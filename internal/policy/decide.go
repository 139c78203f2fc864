package policy

import (
	"fmt"
	"strings"

	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/registry"
)

// Reason is a stable machine-readable denial code.
type Reason string

const (
	ReasonEditModeRequired        Reason = "EditModeRequired"
	ReasonOperationBlocked        Reason = "OperationBlocked"
	ReasonOperationNotWhitelisted Reason = "OperationNotWhitelisted"
	ReasonOperationNotGranted     Reason = "OperationNotGranted"
	ReasonClusterAccessDenied     Reason = "ClusterAccessDenied"
)

// ClusterAliases are the argument names that identify a target cluster.
var ClusterAliases = []string{"cluster", "cluster_name", "clusterName", "cluster_id", "clusterId"}

// Input is everything Decide looks at besides the policy snapshot.
type Input struct {
	Principal     auth.Principal
	Operation     *registry.Operation
	TargetCluster string
	HasTarget     bool
}

// Decision is the evaluator's verdict.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// DeniedError carries a denial through error-returning call chains.
type DeniedError struct {
	Reason  Reason
	Message string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied (%s): %s", e.Reason, e.Message)
}

// Err returns nil for an allow and *DeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Reason: d.Reason, Message: d.Message}
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Decide evaluates the layered policy. Superusers are always allowed. Every
// other principal needs a role granting the operation; mutating operations
// additionally pass the edit-mode gates and the deny/allow lists. The cluster
// check runs last and only when the call names a cluster.
func Decide(in Input, snap Snapshot) Decision {
	p := in.Principal
	if p.Superuser {
		return allow()
	}
	op := in.Operation
	if op == nil {
		return deny(ReasonOperationNotGranted, "no operation")
	}

	if !p.Grants(op.Name) {
		return deny(ReasonOperationNotGranted, "no role grants %s", op.Name)
	}

	if !op.ReadOnly() {
		if !p.HasEditMode() {
			return deny(ReasonEditModeRequired, "%s %s requires a role with edit mode", op.Method, op.Name)
		}
		if snap.EditMode == EditModeOff {
			return deny(ReasonEditModeRequired, "edit mode is disabled globally")
		}
		if snap.Blocked(op.Name) {
			return deny(ReasonOperationBlocked, "%s is blocked by policy", op.Name)
		}
		if !snap.Permitted(op.Name) {
			return deny(ReasonOperationNotWhitelisted, "%s is not in the allow-list", op.Name)
		}
	}

	if in.HasTarget {
		if !p.AllClusters && !p.AssignedTo(in.TargetCluster) {
			return deny(ReasonClusterAccessDenied, "no access to cluster %q", in.TargetCluster)
		}
	}
	return allow()
}

// ExtractCluster finds the target cluster among the call arguments.
func ExtractCluster(args map[string]any) (string, bool) {
	for _, key := range ClusterAliases {
		v, ok := args[key]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			return s, true
		}
	}
	return "", false
}

// IsClusterAlias reports whether key is one of ClusterAliases.
func IsClusterAlias(key string) bool {
	for _, a := range ClusterAliases {
		if a == key {
			return true
		}
	}
	return false
}
